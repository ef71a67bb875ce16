package models

import (
	"fmt"
	"time"
)

// Fill is a broker confirmation that an entry order completed.
type Fill struct {
	Symbol     string     `json:"symbol"`
	OptionType OptionType `json:"option_type"`
	OrderID    string     `json:"order_id"`
	FillPrice  float64    `json:"fill_price"`
	Quantity   int        `json:"quantity"` // broker filled quantity, not intended
	FilledAt   time.Time  `json:"filled_at"`
	Candidate  *Candidate `json:"candidate,omitempty"`
}

// DedupKey identifies a fill for exactly-once processing. The same broker
// fill can surface through normal polling and through post-reconnect
// reconciliation; both paths produce the same key.
func (f *Fill) DedupKey() string {
	return fmt.Sprintf("%s_%s_%.2f", f.Symbol, f.OrderID, f.FillPrice)
}
