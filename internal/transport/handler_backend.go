package transport

import (
	"net/http"
	"time"

	"github.com/pitabwire/bakehouse/internal/backend"
	"github.com/pitabwire/bakehouse/model"
)

const maxRangeDays = 92

func today(now func() time.Time) time.Time {
	t := now()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// dateRange reads from/to, defaulting to the coming week.
func dateRange(r *http.Request, now func() time.Time) (time.Time, time.Time, error) {
	start := today(now)
	from, err := queryDay(r, "from", start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := queryDay(r, "to", from.AddDate(0, 0, 7))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, model.NewBadRequestError("to must not be before from")
	}
	if to.Sub(from) > maxRangeDays*24*time.Hour {
		return time.Time{}, time.Time{}, model.NewBadRequestError("date range too large")
	}
	return from, to, nil
}

func handleProducts(svc *backend.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Products(r.Context())
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleOrders(svc *backend.Service, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, err := dateRange(r, now)
		if err != nil {
			respondError(w, r, err)
			return
		}
		res, err := svc.Orders(r.Context(), from, to)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleCalendar(svc *backend.Service, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, err := dateRange(r, now)
		if err != nil {
			respondError(w, r, err)
			return
		}
		res, err := svc.OrderCalendar(r.Context(), from, to)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleDashboard(svc *backend.Service, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		day, err := queryDay(r, "day", today(now))
		if err != nil {
			respondError(w, r, err)
			return
		}
		dash, err := svc.Dashboard(r.Context(), day)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, dash)
	}
}
