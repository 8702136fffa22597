package backend

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/pitabwire/bakehouse/model"
)

var mockProducts = []model.Product{
	{ID: "p-croissant", Name: "Buttercroissant", Category: "Feingebäck", Price: 1.60, Unit: "Stück", Active: true},
	{ID: "p-laugen", Name: "Laugenbrezel", Category: "Laugengebäck", Price: 1.20, Unit: "Stück", Active: true},
	{ID: "p-roggen", Name: "Roggenmischbrot", Category: "Brot", Price: 4.80, Unit: "1000 g", Active: true},
	{ID: "p-dinkel", Name: "Dinkelvollkornbrot", Category: "Brot", Price: 5.40, Unit: "750 g", Active: true},
	{ID: "p-broetchen", Name: "Kaisersemmel", Category: "Brötchen", Price: 0.55, Unit: "Stück", Active: true},
	{ID: "p-apfel", Name: "Apfelstrudel", Category: "Kuchen", Price: 3.20, Unit: "Stück", Active: true},
	{ID: "p-kaese", Name: "Käsekuchen", Category: "Kuchen", Price: 3.50, Unit: "Stück", Active: true},
	{ID: "p-stollen", Name: "Butterstollen", Category: "Saison", Price: 14.90, Unit: "1000 g", Active: false},
}

var mockCustomers = []string{
	"Familie Becker", "Café am Markt", "Kita Sonnenschein", "Hotel Linde",
	"Frau Schmidt", "Herr Yilmaz", "Praxis Dr. Wolf", "Vereinsheim TSV",
}

var mockOrderStatuses = []string{"open", "open", "confirmed", "ready", "picked-up"}

// MockSource generates deterministic stand-in data for when the backend is
// unreachable. The same seed and day always produce the same records.
type MockSource struct {
	seed int64
}

// NewMockSource creates a mock data source.
func NewMockSource(seed int64) *MockSource {
	return &MockSource{seed: seed}
}

// Products returns the fixed product catalogue.
func (m *MockSource) Products() []model.Product {
	out := make([]model.Product, len(mockProducts))
	copy(out, mockProducts)
	return out
}

// Orders returns generated orders with pickup dates in [from, to], by day.
func (m *MockSource) Orders(from, to time.Time) []model.Order {
	var out []model.Order
	for day := truncateDay(from); !day.After(truncateDay(to)); day = day.AddDate(0, 0, 1) {
		out = append(out, m.ordersOn(day)...)
	}
	return out
}

// Sales returns generated per-product sales for one day. Inactive products
// sell nothing.
func (m *MockSource) Sales(day time.Time) []model.SalesRecord {
	day = truncateDay(day)
	rng := m.rngFor(day, 2)

	out := make([]model.SalesRecord, 0, len(mockProducts))
	for _, p := range mockProducts {
		if !p.Active {
			continue
		}
		qty := 5 + rng.Intn(60)
		if day.Weekday() == time.Saturday {
			qty += qty / 2
		}
		out = append(out, model.SalesRecord{
			Date:      day,
			ProductID: p.ID,
			Quantity:  qty,
			Revenue:   roundCents(float64(qty) * p.Price),
		})
	}
	return out
}

func (m *MockSource) ordersOn(day time.Time) []model.Order {
	rng := m.rngFor(day, 1)
	if day.Weekday() == time.Sunday {
		return nil
	}

	n := 1 + rng.Intn(5)
	orders := make([]model.Order, 0, n)
	for i := 0; i < n; i++ {
		lines := 1 + rng.Intn(3)
		items := make([]model.OrderItem, 0, lines)
		var total float64
		for j := 0; j < lines; j++ {
			p := mockProducts[rng.Intn(len(mockProducts)-1)]
			qty := 1 + rng.Intn(24)
			items = append(items, model.OrderItem{
				ProductID: p.ID,
				Name:      p.Name,
				Quantity:  qty,
				UnitPrice: p.Price,
			})
			total += float64(qty) * p.Price
		}
		pickup := day.Add(time.Duration(6+rng.Intn(12)) * time.Hour)
		orders = append(orders, model.Order{
			ID:         fmt.Sprintf("mock-%s-%d", day.Format("20060102"), i+1),
			Customer:   mockCustomers[rng.Intn(len(mockCustomers))],
			PickupDate: pickup,
			Status:     mockOrderStatuses[rng.Intn(len(mockOrderStatuses))],
			Items:      items,
			Total:      roundCents(total),
		})
	}
	return orders
}

// rngFor derives an independent stream per day and record kind so that a
// day's data does not depend on the queried range.
func (m *MockSource) rngFor(day time.Time, kind int64) *rand.Rand {
	dayNum := day.Unix() / 86400
	return rand.New(rand.NewSource(m.seed*1_000_003 + dayNum*7 + kind))
}

func truncateDay(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
