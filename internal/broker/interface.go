// Package broker provides the brokerage gateway interface, its HTTP
// implementation, a paper-trading fake, and a circuit-breaker decorator.
package broker

import (
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// Broker order statuses as reported in the orderbook. The gateway lowercases
// them; unknown statuses are passed through untouched.
const (
	StatusPending   = "pending"
	StatusOpen      = "open"
	StatusComplete  = "complete"
	StatusFilled    = "filled"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
	StatusTriggered = "triggered"
)

// Order actions and price types.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"

	PriceTypeLimit  = "LIMIT"
	PriceTypeSL     = "SL" // stop-limit
	PriceTypeMarket = "MARKET"
)

// IsTerminalStatus reports whether an order can no longer change state.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusComplete, StatusFilled, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsFilledStatus reports whether an order completed with an execution.
func IsFilledStatus(status string) bool {
	return status == StatusComplete || status == StatusFilled
}

// OrderRequest carries the parameters of a place or modify call.
type OrderRequest struct {
	Strategy     string  `json:"strategy"`
	Symbol       string  `json:"symbol"`
	Action       string  `json:"action"`    // BUY | SELL
	Exchange     string  `json:"exchange"`  // NFO
	PriceType    string  `json:"pricetype"` // LIMIT | SL | MARKET
	Product      string  `json:"product"`   // MIS
	Quantity     int     `json:"quantity"`
	Price        float64 `json:"price,omitempty"`
	TriggerPrice float64 `json:"trigger_price,omitempty"`
}

// OrderResponse is the gateway's reply to place/modify/cancel.
type OrderResponse struct {
	Status  string `json:"status"` // "success" | "error"
	OrderID string `json:"orderid"`
	Message string `json:"message"`
}

// OK reports whether the gateway accepted the request.
func (r *OrderResponse) OK() bool { return r != nil && r.Status == "success" }

// Order is one orderbook row.
type Order struct {
	OrderID        string  `json:"orderid"`
	Symbol         string  `json:"symbol"`
	Status         string  `json:"order_status"`
	Quantity       int     `json:"quantity"`
	FilledQuantity int     `json:"filled_quantity"`
	Price          float64 `json:"price"`
	TriggerPrice   float64 `json:"trigger_price"`
	AveragePrice   float64 `json:"average_price"`
	RejectedReason string  `json:"rejected_reason"`
}

// PositionItem is one position-book row.
type PositionItem struct {
	Symbol       string  `json:"symbol"`
	Quantity     int     `json:"quantity"` // negative for shorts
	AveragePrice float64 `json:"averageprice"`
	Product      string  `json:"product"`
}

// HistoryBar is one minute-interval OHLCV row from the history API.
type HistoryBar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Broker defines the capability set the trading core needs from the
// brokerage gateway. The HTTP client and the paper broker both satisfy it;
// tests supply in-package fakes.
type Broker interface {
	PlaceOrder(req OrderRequest) (*OrderResponse, error)
	ModifyOrder(orderID string, req OrderRequest) (*OrderResponse, error)
	CancelOrder(orderID string) (*OrderResponse, error)
	Orderbook() ([]Order, error)
	PositionBook() ([]PositionItem, error)
	History(symbol string, start, end time.Time) ([]HistoryBar, error)
	AvailableCash() (float64, error)
}

// CircuitBreakerBroker wraps a Broker with circuit breaker protection so a
// flapping gateway fails fast instead of stalling the tick loop.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure decorated and concrete clients satisfy Broker at compile time.
var (
	_ Broker = (*CircuitBreakerBroker)(nil)
	_ Broker = (*OpenAlgoClient)(nil)
	_ Broker = (*PaperBroker)(nil)
)

// execCircuitBreaker is a generic helper for the wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // max requests when half-open
	Interval     time.Duration // reset counts interval
	Timeout      time.Duration // open circuit duration
	MinRequests  uint32        // min requests before tripping
	FailureRatio float64       // failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with defaults.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with
// custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// PlaceOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceOrder(req OrderRequest) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) { return b.PlaceOrder(req) })
}

// ModifyOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) ModifyOrder(orderID string, req OrderRequest) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) { return b.ModifyOrder(orderID, req) })
}

// CancelOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(orderID string) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) { return b.CancelOrder(orderID) })
}

// Orderbook wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Orderbook() ([]Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Order, error) { return b.Orderbook() })
}

// PositionBook wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PositionBook() ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) { return b.PositionBook() })
}

// History wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) History(symbol string, start, end time.Time) ([]HistoryBar, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]HistoryBar, error) { return b.History(symbol, start, end) })
}

// AvailableCash wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) AvailableCash() (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.AvailableCash() })
}
