package broker

import (
	"fmt"
	"sync"
	"time"
)

// PaperBroker satisfies Broker without touching a real gateway. Orders are
// accepted into an in-memory book and never fill on their own; tests and the
// paper trading mode drive fills explicitly through SimulateFill.
type PaperBroker struct {
	mu        sync.Mutex
	seq       int
	orders    map[string]*Order
	actions   map[string]string // orderID -> BUY | SELL
	positions map[string]*PositionItem
	history   map[string][]HistoryBar
	cash      float64
}

// NewPaperBroker creates an empty paper broker with generous margin.
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		orders:    make(map[string]*Order),
		actions:   make(map[string]string),
		positions: make(map[string]*PositionItem),
		history:   make(map[string][]HistoryBar),
		cash:      10_000_000,
	}
}

// PlaceOrder accepts every order and assigns a synthetic ID.
func (p *PaperBroker) PlaceOrder(req OrderRequest) (*OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	id := fmt.Sprintf("PAPER-%06d", p.seq)
	p.orders[id] = &Order{
		OrderID:      id,
		Symbol:       req.Symbol,
		Status:       StatusOpen,
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
	}
	p.actions[id] = req.Action
	return &OrderResponse{Status: "success", OrderID: id}, nil
}

// ModifyOrder updates price/trigger on an open order.
func (p *PaperBroker) ModifyOrder(orderID string, req OrderRequest) (*OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return &OrderResponse{Status: "error", Message: "order not found"}, nil
	}
	if IsTerminalStatus(o.Status) {
		return &OrderResponse{Status: "error", Message: fmt.Sprintf("order in %s status", o.Status)}, nil
	}
	o.Price = req.Price
	o.TriggerPrice = req.TriggerPrice
	o.Quantity = req.Quantity
	return &OrderResponse{Status: "success", OrderID: orderID}, nil
}

// CancelOrder cancels an open order; terminal orders report their state in
// the message, mirroring gateway behavior.
func (p *PaperBroker) CancelOrder(orderID string) (*OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return &OrderResponse{Status: "error", Message: "order not found"}, nil
	}
	if IsTerminalStatus(o.Status) {
		return &OrderResponse{Status: "error", Message: fmt.Sprintf("order in %s status", o.Status)}, nil
	}
	o.Status = StatusCancelled
	return &OrderResponse{Status: "success", OrderID: orderID}, nil
}

// Orderbook returns a snapshot of all orders.
func (p *PaperBroker) Orderbook() ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Order, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, *o)
	}
	return out, nil
}

// PositionBook returns a snapshot of simulated positions.
func (p *PaperBroker) PositionBook() ([]PositionItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PositionItem, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// History returns bars preloaded via SetHistory.
func (p *PaperBroker) History(symbol string, _, _ time.Time) ([]HistoryBar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]HistoryBar(nil), p.history[symbol]...), nil
}

// AvailableCash returns the simulated free margin.
func (p *PaperBroker) AvailableCash() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}

// SetHistory preloads history bars for a symbol.
func (p *PaperBroker) SetHistory(symbol string, bars []HistoryBar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history[symbol] = append([]HistoryBar(nil), bars...)
}

// SetAvailableCash overrides the simulated margin.
func (p *PaperBroker) SetAvailableCash(cash float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = cash
}

// SimulateFill marks an open order complete at the given price and adjusts
// the simulated position book (SELL opens/extends a short, BUY covers).
func (p *PaperBroker) SimulateFill(orderID string, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("no such order %s", orderID)
	}
	if IsTerminalStatus(o.Status) {
		return fmt.Errorf("order %s already %s", orderID, o.Status)
	}
	o.Status = StatusComplete
	o.FilledQuantity = o.Quantity
	o.AveragePrice = price

	pos, ok := p.positions[o.Symbol]
	if !ok {
		pos = &PositionItem{Symbol: o.Symbol}
		p.positions[o.Symbol] = pos
	}
	// Position book keeps broker sign conventions (shorts negative).
	if p.actions[orderID] == ActionSell {
		pos.Quantity -= o.Quantity
	} else {
		pos.Quantity += o.Quantity
	}
	pos.AveragePrice = price
	if pos.Quantity == 0 {
		delete(p.positions, o.Symbol)
	}
	return nil
}

// SimulateReject marks an open order rejected.
func (p *PaperBroker) SimulateReject(orderID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("no such order %s", orderID)
	}
	o.Status = StatusRejected
	o.RejectedReason = reason
	return nil
}
