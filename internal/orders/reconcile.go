package orders

import (
	"fmt"

	"github.com/ronniedreams/nifty-options-agent/internal/broker"
	"github.com/ronniedreams/nifty-options-agent/internal/models"
)

// ReconcileReport summarizes a broker cross-check.
type ReconcileReport struct {
	// Fills observed at the broker that local state had not processed.
	Fills []models.Fill
	// RemovedEntries were terminal or missing at the broker.
	RemovedEntries []EntryOrder
	// MissingSL are open-position symbols with no live SL at the broker.
	// Risk-critical; the caller re-places or exits.
	MissingSL []string
}

// ReconcileWithBroker syncs local order state against the orderbook. Runs
// once at startup after bars load and again after feed reconnects, to catch
// fills and rejections from the blind window. openPositions is the local
// tracker's symbol -> quantity view.
func (m *Manager) ReconcileWithBroker(openPositions map[string]int) (ReconcileReport, error) {
	var report ReconcileReport

	book, err := m.broker.Orderbook()
	if err != nil {
		return report, fmt.Errorf("reconcile: orderbook: %w", err)
	}
	byID := make(map[string]broker.Order, len(book))
	for _, o := range book {
		byID[o.OrderID] = o
	}

	for t, e := range m.entries {
		if e.OrderID == placingSentinel {
			continue
		}
		o, found := byID[e.OrderID]
		switch {
		case !found:
			m.logger.Printf("[orders] reconcile: entry %s (%s) unknown to broker, dropping", e.OrderID, e.Symbol)
			report.RemovedEntries = append(report.RemovedEntries, *e)
			delete(m.entries, t)
		case broker.IsFilledStatus(o.Status):
			price := o.AveragePrice
			if price == 0 {
				price = e.TriggerPrice
			}
			qty := o.FilledQuantity
			if qty == 0 {
				qty = e.Quantity
			}
			fill := models.Fill{
				Symbol:     e.Symbol,
				OptionType: t,
				OrderID:    e.OrderID,
				FillPrice:  price,
				Quantity:   qty,
				FilledAt:   m.now(),
				Candidate:  e.Candidate,
			}
			delete(m.entries, t)
			if f, ok := m.dedupFill(fill); ok {
				m.logger.Printf("[orders] reconcile: entry %s filled at %.2f while offline", e.OrderID, price)
				report.Fills = append(report.Fills, f)
			}
		case o.Status == broker.StatusCancelled || o.Status == broker.StatusRejected:
			report.RemovedEntries = append(report.RemovedEntries, *e)
			delete(m.entries, t)
		}
	}

	// Every open position must have a live SL at the broker.
	for symbol := range openPositions {
		sl, ok := m.sls[symbol]
		if !ok {
			report.MissingSL = append(report.MissingSL, symbol)
			continue
		}
		o, found := byID[sl.OrderID]
		if !found || o.Status == broker.StatusCancelled || o.Status == broker.StatusRejected {
			delete(m.sls, symbol)
			report.MissingSL = append(report.MissingSL, symbol)
		}
	}

	if len(report.MissingSL) > 0 {
		m.alertf("reconcile: open positions without SL protection: %v", report.MissingSL)
	}
	return report, nil
}

// SLFill is a stop-loss execution observed in the orderbook.
type SLFill struct {
	Symbol    string
	OrderID   string
	FillPrice float64
	Quantity  int
}

// CheckSLFills polls the orderbook for executed stop-losses so positions
// can be closed with the right exit reason. Filled SLs leave the book.
func (m *Manager) CheckSLFills() []SLFill {
	if len(m.sls) == 0 {
		return nil
	}
	book, err := m.broker.Orderbook()
	if err != nil {
		m.logger.Printf("[orders] sl poll: %v", err)
		return nil
	}
	byID := make(map[string]broker.Order, len(book))
	for _, o := range book {
		byID[o.OrderID] = o
	}

	var fills []SLFill
	for symbol, sl := range m.sls {
		o, ok := byID[sl.OrderID]
		if !ok || !broker.IsFilledStatus(o.Status) {
			continue
		}
		price := o.AveragePrice
		if price == 0 {
			price = sl.TriggerPrice
		}
		qty := o.FilledQuantity
		if qty == 0 {
			qty = sl.Quantity
		}
		fills = append(fills, SLFill{Symbol: symbol, OrderID: sl.OrderID, FillPrice: price, Quantity: qty})
		delete(m.sls, symbol)
	}
	return fills
}
