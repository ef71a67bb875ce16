package models

import "time"

// OptionType is the CE/PE suffix of an option symbol.
type OptionType string

const (
	OptionCE OptionType = "CE"
	OptionPE OptionType = "PE"
)

// OptionTypes lists both sides in canonical order.
func OptionTypes() []OptionType { return []OptionType{OptionCE, OptionPE} }

// Candidate is a swing low treated as a potential short entry.
//
// The order trigger is swing_low minus one tick, but the entry filters,
// VWAP premium, SL distance, and sizing all run on the swing low itself;
// the stop is highest-high-since-swing plus one. Derived fields are
// recomputed by the filter engine on every tick, so a Candidate snapshot is
// only as fresh as the tick that produced it.
type Candidate struct {
	Symbol     string     `json:"symbol"`
	OptionType OptionType `json:"option_type"`
	Strike     int        `json:"strike"`

	SwingLow     float64   `json:"swing_low"`
	SwingTime    time.Time `json:"swing_time"`
	VWAPAtSwing  float64   `json:"vwap_at_swing"`
	HighestHigh  float64   `json:"highest_high"` // since swing, incl. current incomplete bar
	CurrentPrice float64   `json:"current_price"`

	EntryPrice  float64 `json:"entry_price"` // swing_low - tick
	SLPrice     float64 `json:"sl_price"`    // highest_high + 1
	SLPoints    float64 `json:"sl_points"`
	SLPercent   float64 `json:"sl_percent"`
	VWAPPremium float64 `json:"vwap_premium"`

	Lots     int     `json:"lots"`
	Quantity int     `json:"quantity"` // lots * lot size
	ActualR  float64 `json:"actual_r"` // rupee risk after lot rounding

	Qualified        bool   `json:"qualified"`
	DisqualifyReason string `json:"disqualify_reason,omitempty"`

	// BrokenAtStartup marks swings that had already broken in historical
	// data before the first live tick; these never generate orders.
	BrokenAtStartup bool `json:"broken_at_startup"`
}
