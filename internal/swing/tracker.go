package swing

import (
	"fmt"

	"github.com/ronniedreams/nifty-options-agent/internal/models"
)

// Tracker multiplexes detectors across symbols and owns the silent/live
// mode switch used around historical replay. It is driven from the
// orchestrator tick only; no internal locking.
type Tracker struct {
	detectors map[string]*Detector
	silent    bool
	handler   Handler
}

// NewTracker starts in silent mode; callers replay history, then call
// EnableLive before processing live bars.
func NewTracker(handler Handler) *Tracker {
	return &Tracker{
		detectors: make(map[string]*Detector),
		silent:    true,
		handler:   handler,
	}
}

func (t *Tracker) detector(symbol string) *Detector {
	d, ok := t.detectors[symbol]
	if !ok {
		d = NewDetector(symbol)
		t.detectors[symbol] = d
	}
	return d
}

// ProcessBar feeds one sealed bar to the symbol's detector. Out-of-order
// bars are dropped silently; the orchestrator keeps its own last-sent map
// and overlap is expected around startup.
func (t *Tracker) ProcessBar(bar models.Bar) *models.Swing {
	s, err := t.detector(bar.Symbol).ProcessBar(bar)
	if err != nil || s == nil {
		return nil
	}
	if !t.silent && t.handler != nil {
		t.handler(*s)
	}
	return s
}

// EnableLive flips to live mode and returns every backfill-era confirmed
// swing exactly once, deduplicated by (symbol, time, type), for batch
// persistence.
func (t *Tracker) EnableLive() []models.Swing {
	t.silent = false

	seen := make(map[string]struct{})
	var batch []models.Swing
	for _, d := range t.detectors {
		for _, s := range d.swings {
			key := fmt.Sprintf("%s_%d_%s", s.Symbol, s.Timestamp.Unix(), s.Type)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			batch = append(batch, s)
		}
	}
	return batch
}

// Reset discards all detector state, keeping the current mode.
func (t *Tracker) Reset() {
	t.detectors = make(map[string]*Detector)
}

// LastSwingLow returns the newest confirmed swing low for symbol.
func (t *Tracker) LastSwingLow(symbol string) (models.Swing, bool) {
	d, ok := t.detectors[symbol]
	if !ok {
		return models.Swing{}, false
	}
	return d.LastSwing(models.SwingLow)
}

// Swings returns symbol's confirmed swings, oldest first.
func (t *Tracker) Swings(symbol string) []models.Swing {
	d, ok := t.detectors[symbol]
	if !ok {
		return nil
	}
	return d.Swings()
}
