// Package swing confirms local price extrema from sealed minute bars using a
// watch counter: a candidate extremum is confirmed after two strength bars
// against it, and confirmed swings strictly alternate between low and high.
package swing

import (
	"fmt"
	"time"

	"github.com/ronniedreams/nifty-options-agent/internal/models"
)

// Handler receives confirmed swings in live mode.
type Handler func(swing models.Swing)

type candidate struct {
	price float64
	ts    time.Time
	vwap  float64
	index int
	watch int
}

// Detector tracks one symbol's bar stream.
type Detector struct {
	symbol    string
	hunting   models.SwingType
	cand      *candidate
	prev      *models.Bar
	swings    []models.Swing
	lastBarTS time.Time
	barIndex  int
}

// NewDetector starts hunting a swing low, matching a short-premium strategy
// that anchors entries below confirmed lows.
func NewDetector(symbol string) *Detector {
	return &Detector{symbol: symbol, hunting: models.SwingLow}
}

// ProcessBar folds one sealed bar in. It returns the swing confirmed by this
// bar, if any, and an error for out-of-order or duplicate bars.
func (d *Detector) ProcessBar(bar models.Bar) (*models.Swing, error) {
	if !bar.Timestamp.After(d.lastBarTS) {
		return nil, fmt.Errorf("bar %s at %s not newer than last seen %s",
			d.symbol, bar.Timestamp.Format("15:04"), d.lastBarTS.Format("15:04"))
	}
	d.lastBarTS = bar.Timestamp
	d.barIndex++

	defer func() {
		b := bar
		d.prev = &b
	}()

	extremum := bar.Low
	if d.hunting == models.SwingHigh {
		extremum = bar.High
	}

	if d.cand == nil {
		d.cand = &candidate{price: extremum, ts: bar.Timestamp, vwap: bar.VWAP, index: d.barIndex}
		return nil, nil
	}

	if d.extends(bar) {
		d.cand = &candidate{price: extremum, ts: bar.Timestamp, vwap: bar.VWAP, index: d.barIndex}
		return nil, nil
	}

	if d.prev != nil && d.strengthAgainst(bar) {
		d.cand.watch++
		if d.cand.watch >= 2 {
			return d.confirm(bar), nil
		}
	}
	return nil, nil
}

// extends reports whether bar pushes the candidate extremum further.
func (d *Detector) extends(bar models.Bar) bool {
	if d.hunting == models.SwingLow {
		return bar.Low <= d.cand.price
	}
	return bar.High >= d.cand.price
}

// strengthAgainst reports whether bar moves against the hunted extremum:
// higher high and higher close when hunting a low, mirrored for a high.
func (d *Detector) strengthAgainst(bar models.Bar) bool {
	if d.hunting == models.SwingLow {
		return bar.High > d.prev.High && bar.Close > d.prev.Close
	}
	return bar.Low < d.prev.Low && bar.Close < d.prev.Close
}

func (d *Detector) confirm(bar models.Bar) *models.Swing {
	s := models.Swing{
		Symbol:    d.symbol,
		Type:      d.hunting,
		Price:     d.cand.price,
		Timestamp: d.cand.ts,
		VWAP:      d.cand.vwap,
		BarIndex:  d.cand.index,
	}
	d.swings = append(d.swings, s)

	// Alternate; the opposite-type candidate starts at the confirming bar.
	if d.hunting == models.SwingLow {
		d.hunting = models.SwingHigh
		d.cand = &candidate{price: bar.High, ts: bar.Timestamp, vwap: bar.VWAP, index: d.barIndex}
	} else {
		d.hunting = models.SwingLow
		d.cand = &candidate{price: bar.Low, ts: bar.Timestamp, vwap: bar.VWAP, index: d.barIndex}
	}
	return &s
}

// Swings returns all confirmed swings, oldest first.
func (d *Detector) Swings() []models.Swing {
	return append([]models.Swing(nil), d.swings...)
}

// LastSwing returns the most recent confirmed swing of the given type.
func (d *Detector) LastSwing(t models.SwingType) (models.Swing, bool) {
	for i := len(d.swings) - 1; i >= 0; i-- {
		if d.swings[i].Type == t {
			return d.swings[i], true
		}
	}
	return models.Swing{}, false
}

// LastBarTime returns the newest bar timestamp the detector has consumed.
func (d *Detector) LastBarTime() time.Time { return d.lastBarTS }
