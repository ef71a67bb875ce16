package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Exit reasons recorded on closed positions and in the daily state.
const (
	ExitReasonSLHit       = "SL_HIT"
	ExitReasonDailyTarget = "+5R_TARGET"
	ExitReasonDailyStop   = "-5R_STOP"
	ExitReasonEOD         = "EOD_EXIT"
	ExitReasonEmergency   = "EMERGENCY_EXIT"
	ExitReasonPhantom     = "PHANTOM_CLOSED"
)

// Position is a short option position opened by an entry fill.
//
// Quantity is always positive (number of units shorted). For a short,
// profit accrues as price falls: PnL = (entry - price) * quantity.
type Position struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	OptionType OptionType `json:"option_type"`
	Strike     int        `json:"strike"`

	EntryPrice float64   `json:"entry_price"`
	SLPrice    float64   `json:"sl_price"` // live-recomputed at fill time
	Quantity   int       `json:"quantity"`
	ActualR    float64   `json:"actual_r"` // rupee risk at entry
	EntryTime  time.Time `json:"entry_time"`

	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`

	Closed      bool      `json:"closed"`
	ExitPrice   float64   `json:"exit_price,omitempty"`
	ExitTime    time.Time `json:"exit_time,omitempty"`
	ExitReason  string    `json:"exit_reason,omitempty"`
	RealizedPnL float64   `json:"realized_pnl"`
	RealizedR   float64   `json:"realized_r"`

	// Candidate carries the filter snapshot that produced the entry, kept
	// for the trade log and crash recovery.
	Candidate *Candidate `json:"candidate,omitempty"`
}

// NewPosition creates an open position from an entry fill.
func NewPosition(symbol string, optType OptionType, entryPrice, slPrice float64, quantity int, actualR float64, cand *Candidate) *Position {
	strike := 0
	if cand != nil {
		strike = cand.Strike
	}
	return &Position{
		ID:           uuid.New().String(),
		Symbol:       symbol,
		OptionType:   optType,
		Strike:       strike,
		EntryPrice:   entryPrice,
		SLPrice:      slPrice,
		Quantity:     quantity,
		ActualR:      actualR,
		EntryTime:    time.Now(),
		CurrentPrice: entryPrice,
		Candidate:    cand,
	}
}

// UpdatePrice refreshes the mark and unrealized PnL for an open position.
func (p *Position) UpdatePrice(ltp float64) {
	if p.Closed {
		return
	}
	p.CurrentPrice = ltp
	p.UnrealizedPnL = (p.EntryPrice - ltp) * float64(p.Quantity)
}

// UnrealizedR returns the open risk multiple against rValue.
func (p *Position) UnrealizedR(rValue float64) float64 {
	if rValue <= 0 {
		return 0
	}
	return p.UnrealizedPnL / rValue
}

// Close marks the position closed and records realized PnL and R.
// rValue is the configured rupee value of one R.
func (p *Position) Close(exitPrice float64, reason string, rValue float64) error {
	if p.Closed {
		return fmt.Errorf("position %s already closed (%s)", p.Symbol, p.ExitReason)
	}
	p.Closed = true
	p.ExitPrice = exitPrice
	p.ExitTime = time.Now()
	p.ExitReason = reason
	p.RealizedPnL = (p.EntryPrice - exitPrice) * float64(p.Quantity)
	p.UnrealizedPnL = 0
	if rValue > 0 {
		p.RealizedR = p.RealizedPnL / rValue
	}
	return nil
}
