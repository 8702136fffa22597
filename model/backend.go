package model

import "time"

// Data sources reported on backend results.
const (
	SourceBackend = "backend"
	SourceMock    = "mock"
)

// Product is a sellable bakery item.
type Product struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Price    float64 `json:"price"`
	Unit     string  `json:"unit,omitempty"`
	Active   bool    `json:"active"`
}

// OrderItem is a line on an order.
type OrderItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

// Order is a customer pre-order with a pickup date.
type Order struct {
	ID         string      `json:"id"`
	Customer   string      `json:"customer"`
	PickupDate time.Time   `json:"pickupDate"`
	Status     string      `json:"status"`
	Items      []OrderItem `json:"items"`
	Total      float64     `json:"total"`
}

// SalesRecord is the revenue of one product on one day.
type SalesRecord struct {
	Date      time.Time `json:"date"`
	ProductID string    `json:"productId"`
	Quantity  int       `json:"quantity"`
	Revenue   float64   `json:"revenue"`
}

// Result wraps data fetched through the backend client with the source that
// served it.
type Result[T any] struct {
	Data   T      `json:"data"`
	Source string `json:"source"`
}

// Dashboard aggregates one day of sales, orders and production figures.
type Dashboard struct {
	Day             time.Time      `json:"day"`
	Revenue         float64        `json:"revenue"`
	ItemsSold       int            `json:"itemsSold"`
	OrderCount      int            `json:"orderCount"`
	OpenOrders      int            `json:"openOrders"`
	TopProducts     []ProductSales `json:"topProducts"`
	ProductionItems map[string]int `json:"productionItems"`
	Source          string         `json:"source"`
}

// ProductSales is a per-product sales line on the dashboard.
type ProductSales struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	Revenue   float64 `json:"revenue"`
}

// CalendarDay groups orders by pickup date.
type CalendarDay struct {
	Date   string  `json:"date"`
	Orders []Order `json:"orders"`
	Total  float64 `json:"total"`
}
