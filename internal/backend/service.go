package backend

import (
	"context"
	"net/url"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/bakehouse/internal/observability"
	"github.com/pitabwire/bakehouse/model"
)

const dateLayout = "2006-01-02"

// topProductsLimit is how many products the dashboard ranks.
const topProductsLimit = 5

// Service serves bakery data from the backend, falling back to MockSource
// when the backend is unavailable and fallback is enabled.
type Service struct {
	client   *Client
	mock     *MockSource
	fallback bool
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewService creates a data service.
func NewService(client *Client, mock *MockSource, fallback bool, metrics *observability.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{client: client, mock: mock, fallback: fallback, metrics: metrics, logger: logger}
}

// Client returns the underlying backend client.
func (s *Service) Client() *Client {
	return s.client
}

// Products lists the product catalogue.
func (s *Service) Products(ctx context.Context) (model.Result[[]model.Product], error) {
	return fetch(ctx, s, "products",
		func(ctx context.Context) ([]model.Product, error) {
			var out []model.Product
			err := s.client.Get(ctx, "products", "/products", nil, &out)
			return out, err
		},
		s.mock.Products,
	)
}

// Orders lists orders with a pickup date in [from, to].
func (s *Service) Orders(ctx context.Context, from, to time.Time) (model.Result[[]model.Order], error) {
	if to.Before(from) {
		return model.Result[[]model.Order]{}, model.NewBadRequestError("from must not be after to")
	}
	return fetch(ctx, s, "orders",
		func(ctx context.Context) ([]model.Order, error) {
			var out []model.Order
			q := url.Values{"from": {from.Format(dateLayout)}, "to": {to.Format(dateLayout)}}
			err := s.client.Get(ctx, "orders", "/orders", q, &out)
			return out, err
		},
		func() []model.Order { return s.mock.Orders(from, to) },
	)
}

// Sales lists per-product sales for one day.
func (s *Service) Sales(ctx context.Context, day time.Time) (model.Result[[]model.SalesRecord], error) {
	return fetch(ctx, s, "sales",
		func(ctx context.Context) ([]model.SalesRecord, error) {
			var out []model.SalesRecord
			q := url.Values{"day": {day.Format(dateLayout)}}
			err := s.client.Get(ctx, "sales", "/sales", q, &out)
			return out, err
		},
		func() []model.SalesRecord { return s.mock.Sales(day) },
	)
}

// Dashboard fetches products, orders and sales for day concurrently and
// aggregates them. Source is "mock" if any part was served from mock data.
func (s *Service) Dashboard(ctx context.Context, day time.Time) (model.Dashboard, error) {
	day = truncateDay(day)

	var (
		products model.Result[[]model.Product]
		orders   model.Result[[]model.Order]
		sales    model.Result[[]model.SalesRecord]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		products, err = s.Products(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		orders, err = s.Orders(gctx, day, day)
		return err
	})
	g.Go(func() error {
		var err error
		sales, err = s.Sales(gctx, day)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.Dashboard{}, err
	}

	d := aggregateDashboard(day, products.Data, orders.Data, sales.Data)
	d.Source = model.SourceBackend
	for _, src := range []string{products.Source, orders.Source, sales.Source} {
		if src == model.SourceMock {
			d.Source = model.SourceMock
		}
	}
	return d, nil
}

// OrderCalendar groups the orders in [from, to] by pickup date.
func (s *Service) OrderCalendar(ctx context.Context, from, to time.Time) (model.Result[[]model.CalendarDay], error) {
	orders, err := s.Orders(ctx, from, to)
	if err != nil {
		return model.Result[[]model.CalendarDay]{}, err
	}
	return model.Result[[]model.CalendarDay]{
		Data:   groupByPickup(orders.Data),
		Source: orders.Source,
	}, nil
}

// fetch calls remote and, when the backend is unavailable and fallback is on,
// serves local instead.
func fetch[T any](ctx context.Context, s *Service, resource string, remote func(context.Context) (T, error), local func() T) (model.Result[T], error) {
	data, err := remote(ctx)
	if err == nil {
		return model.Result[T]{Data: data, Source: model.SourceBackend}, nil
	}
	if !s.fallback || !IsUnavailable(err) {
		return model.Result[T]{}, err
	}

	s.metrics.RecordBackendMockFallback(resource)
	observability.SessionLogger(ctx, s.logger).Warn("backend unavailable, serving mock data",
		zap.String("resource", resource),
		zap.Error(err),
	)
	return model.Result[T]{Data: local(), Source: model.SourceMock}, nil
}

func aggregateDashboard(day time.Time, products []model.Product, orders []model.Order, sales []model.SalesRecord) model.Dashboard {
	names := make(map[string]string, len(products))
	for _, p := range products {
		names[p.ID] = p.Name
	}

	d := model.Dashboard{
		Day:             day,
		OrderCount:      len(orders),
		TopProducts:     []model.ProductSales{},
		ProductionItems: map[string]int{},
	}

	byProduct := map[string]*model.ProductSales{}
	for _, rec := range sales {
		d.Revenue += rec.Revenue
		d.ItemsSold += rec.Quantity
		ps, ok := byProduct[rec.ProductID]
		if !ok {
			ps = &model.ProductSales{ProductID: rec.ProductID, Name: names[rec.ProductID]}
			byProduct[rec.ProductID] = ps
		}
		ps.Quantity += rec.Quantity
		ps.Revenue += rec.Revenue
	}
	d.Revenue = roundCents(d.Revenue)

	for _, ps := range byProduct {
		ps.Revenue = roundCents(ps.Revenue)
		d.TopProducts = append(d.TopProducts, *ps)
	}
	sort.Slice(d.TopProducts, func(i, j int) bool {
		if d.TopProducts[i].Revenue == d.TopProducts[j].Revenue {
			return d.TopProducts[i].ProductID < d.TopProducts[j].ProductID
		}
		return d.TopProducts[i].Revenue > d.TopProducts[j].Revenue
	})
	if len(d.TopProducts) > topProductsLimit {
		d.TopProducts = d.TopProducts[:topProductsLimit]
	}

	for _, o := range orders {
		if o.Status != "picked-up" {
			d.OpenOrders++
		}
		for _, it := range o.Items {
			name := it.Name
			if name == "" {
				name = names[it.ProductID]
			}
			d.ProductionItems[name] += it.Quantity
		}
	}
	return d
}

func groupByPickup(orders []model.Order) []model.CalendarDay {
	byDate := map[string]*model.CalendarDay{}
	for _, o := range orders {
		key := o.PickupDate.UTC().Format(dateLayout)
		day, ok := byDate[key]
		if !ok {
			day = &model.CalendarDay{Date: key}
			byDate[key] = day
		}
		day.Orders = append(day.Orders, o)
		day.Total += o.Total
	}

	out := make([]model.CalendarDay, 0, len(byDate))
	for _, day := range byDate {
		day.Total = roundCents(day.Total)
		sort.Slice(day.Orders, func(i, j int) bool {
			return day.Orders[i].PickupDate.Before(day.Orders[j].PickupDate)
		})
		out = append(out, *day)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
