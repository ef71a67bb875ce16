// Package models defines the core domain types shared across the trading
// system: market data bars, swings, entry candidates, positions, and fills.
package models

import "time"

// Tick is a single quote update from a market data feed.
type Tick struct {
	Symbol       string    `json:"symbol"`
	LTP          float64   `json:"ltp"`
	Volume       int64     `json:"volume"`        // session-cumulative
	AveragePrice float64   `json:"average_price"` // exchange-computed session ATP
	Timestamp    time.Time `json:"timestamp"`
}

// Bar is a minute-bucketed OHLCV bar for one option symbol.
//
// VWAP is session-cumulative from market open, computed from typical price
// (H+L+C)/3 weighted by per-bar volume. ATP is the exchange-provided session
// average price, used as the VWAP source when the history backfill failed its
// confidence check. Once sealed and appended to a symbol's history a Bar is
// never mutated.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"` // minute-aligned, exchange timezone
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"` // volume within this bar
	VWAP      float64   `json:"vwap"`
	ATP       float64   `json:"atp"`
	TickCount int       `json:"tick_count"`
}

// TypicalPrice returns (H+L+C)/3, the price used for VWAP accumulation.
func (b *Bar) TypicalPrice() float64 {
	return (b.High + b.Low + b.Close) / 3.0
}
