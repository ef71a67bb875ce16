package models

import "time"

// SwingType distinguishes confirmed local extrema.
type SwingType string

const (
	SwingLow  SwingType = "low"
	SwingHigh SwingType = "high"
)

// Swing is a confirmed local extremum on a symbol's bar series.
// Confirmation requires two subsequent bars each forming a higher high and
// higher close after a candidate low (mirrored for highs); see the swing
// package for the watch-counter algorithm.
type Swing struct {
	Symbol    string    `json:"symbol"`
	Type      SwingType `json:"type"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	VWAP      float64   `json:"vwap"`      // session VWAP at detection
	BarIndex  int       `json:"bar_index"` // index into the detector's bar list
}
