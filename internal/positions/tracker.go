// Package positions tracks open and closed short positions, enforces the
// can-open policy, accumulates daily R, and reconciles against the broker's
// position book. Owned by the orchestrator tick; no locking.
package positions

import (
	"fmt"
	"log"
	"time"

	"github.com/ronniedreams/nifty-options-agent/internal/broker"
	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/models"
)

// AlertFunc surfaces reconciliation discrepancies. Nil is allowed.
type AlertFunc func(format string, args ...interface{})

// Summary aggregates session state for heartbeats and the dashboard.
type Summary struct {
	OpenCount    int       `json:"open_count"`
	OpenCE       int       `json:"open_ce"`
	OpenPE       int       `json:"open_pe"`
	ClosedCount  int       `json:"closed_count"`
	CumulativeR  float64   `json:"cumulative_r"`
	UnrealizedR  float64   `json:"unrealized_r"`
	TotalPnL     float64   `json:"total_pnl"`
	DailyExit    bool      `json:"daily_exit_triggered"`
	DailyExitWhy string    `json:"daily_exit_reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ReconcileResult reports the discrepancies found against the broker.
type ReconcileResult struct {
	// PhantomClosed symbols were tracked open but flat at the broker; they
	// have been closed locally and must leave the candidate pool.
	PhantomClosed []string
	// Orphaned symbols have broker quantity but no local position.
	Orphaned []string
	// Mismatched symbols have a different quantity at the broker.
	Mismatched []string
}

// Tracker owns the open-position set and the session trade log.
type Tracker struct {
	cfg    *config.Config
	logger *log.Logger
	alert  AlertFunc

	open   map[string]*models.Position
	closed []*models.Position

	cumulativeR     float64
	dailyExit       bool
	dailyExitReason string

	orphanAlerted   map[string]bool
	mismatchAlerted map[string]bool

	now func() time.Time
}

func NewTracker(cfg *config.Config, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{
		cfg:             cfg,
		logger:          logger,
		open:            make(map[string]*models.Position),
		orphanAlerted:   make(map[string]bool),
		mismatchAlerted: make(map[string]bool),
		now:             time.Now,
	}
}

// SetAlertFunc registers the discrepancy notifier.
func (t *Tracker) SetAlertFunc(fn AlertFunc) { t.alert = fn }

func (t *Tracker) alertf(format string, args ...interface{}) {
	t.logger.Printf("[positions] "+format, args...)
	if t.alert != nil {
		t.alert(format, args...)
	}
}

// CanOpen applies the position caps for a prospective entry.
// pendingTotal and pendingForType count unfilled entry orders.
func (t *Tracker) CanOpen(symbol string, optType models.OptionType, pendingTotal, pendingForType int) (bool, string) {
	if t.dailyExit {
		return false, "daily exit already triggered"
	}
	if _, ok := t.open[symbol]; ok {
		return false, fmt.Sprintf("position already open for %s", symbol)
	}
	if len(t.open)+pendingTotal >= t.cfg.Risk.MaxPositions {
		return false, fmt.Sprintf("at max positions (%d)", t.cfg.Risk.MaxPositions)
	}
	perType := pendingForType
	for _, p := range t.open {
		if p.OptionType == optType {
			perType++
		}
	}
	if perType >= t.cfg.Risk.MaxPerType {
		return false, fmt.Sprintf("at max %s positions (%d)", optType, t.cfg.Risk.MaxPerType)
	}
	return true, ""
}

// AddPosition opens a position from an entry fill.
func (t *Tracker) AddPosition(symbol string, optType models.OptionType, entryPrice, slPrice float64, quantity int, actualR float64, cand *models.Candidate) (*models.Position, error) {
	if t.dailyExit {
		return nil, fmt.Errorf("daily exit triggered, not opening %s", symbol)
	}
	if _, ok := t.open[symbol]; ok {
		return nil, fmt.Errorf("position already open for %s", symbol)
	}
	p := models.NewPosition(symbol, optType, entryPrice, slPrice, quantity, actualR, cand)
	t.open[symbol] = p
	t.logger.Printf("[positions] opened %s %s qty %d entry %.2f sl %.2f",
		optType, symbol, quantity, entryPrice, slPrice)
	return p, nil
}

// UpdatePrices refreshes marks and unrealized PnL from the latest ticks.
func (t *Tracker) UpdatePrices(prices map[string]float64) {
	for symbol, p := range t.open {
		if ltp, ok := prices[symbol]; ok && ltp > 0 {
			p.UpdatePrice(ltp)
		}
	}
}

// ClosePosition closes one position and accumulates its realized R.
func (t *Tracker) ClosePosition(symbol string, exitPrice float64, reason string) (*models.Position, error) {
	p, ok := t.open[symbol]
	if !ok {
		return nil, fmt.Errorf("no open position for %s", symbol)
	}
	if err := p.Close(exitPrice, reason, t.cfg.Risk.RValue); err != nil {
		return nil, err
	}
	delete(t.open, symbol)
	t.closed = append(t.closed, p)
	t.cumulativeR += p.RealizedR
	t.logger.Printf("[positions] closed %s at %.2f (%s) pnl %.0f r %.2f cumR %.2f",
		symbol, exitPrice, reason, p.RealizedPnL, p.RealizedR, t.cumulativeR)
	return p, nil
}

// CloseAll closes every open position at the given prices, falling back to
// the position's last mark when a price is missing.
func (t *Tracker) CloseAll(reason string, prices map[string]float64) []*models.Position {
	var out []*models.Position
	for symbol, p := range t.open {
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			price = p.CurrentPrice
		}
		closed, err := t.ClosePosition(symbol, price, reason)
		if err != nil {
			t.logger.Printf("[positions] close all %s: %v", symbol, err)
			continue
		}
		out = append(out, closed)
	}
	return out
}

// UnrealizedR sums the open positions' unrealized R.
func (t *Tracker) UnrealizedR() float64 {
	var r float64
	for _, p := range t.open {
		r += p.UnrealizedR(t.cfg.Risk.RValue)
	}
	return r
}

// CheckDailyExit returns the exit reason when cumulative plus unrealized R
// crosses the daily target or stop. Fires at most once per day.
func (t *Tracker) CheckDailyExit() (string, bool) {
	if t.dailyExit {
		return "", false
	}
	total := t.cumulativeR + t.UnrealizedR()
	switch {
	case total >= t.cfg.Risk.DailyTargetR:
		t.dailyExit = true
		t.dailyExitReason = models.ExitReasonDailyTarget
	case total <= t.cfg.Risk.DailyStopR:
		t.dailyExit = true
		t.dailyExitReason = models.ExitReasonDailyStop
	default:
		return "", false
	}
	t.logger.Printf("[positions] daily exit at %.2fR: %s", total, t.dailyExitReason)
	return t.dailyExitReason, true
}

// DailyExitTriggered reports whether today's exit has fired.
func (t *Tracker) DailyExitTriggered() bool { return t.dailyExit }

// Reconcile cross-checks local open positions against the broker book.
// Orphan and mismatch alerts are throttled to once per key per day.
func (t *Tracker) Reconcile(brokerPositions []broker.PositionItem) ReconcileResult {
	var res ReconcileResult

	brokerQty := make(map[string]int, len(brokerPositions))
	for _, bp := range brokerPositions {
		if bp.Quantity != 0 {
			brokerQty[bp.Symbol] = bp.Quantity
		}
	}

	for symbol, p := range t.open {
		qty, held := brokerQty[symbol]
		if !held {
			// Broker is flat; the SL likely filled while we were blind.
			if _, err := t.ClosePosition(symbol, p.CurrentPrice, models.ExitReasonPhantom); err == nil {
				t.alertf("position %s closed at broker but tracked open, marked closed locally", symbol)
				res.PhantomClosed = append(res.PhantomClosed, symbol)
			}
			continue
		}
		if absInt(qty) != p.Quantity {
			res.Mismatched = append(res.Mismatched, symbol)
			key := fmt.Sprintf("%s_%d_%d", symbol, p.Quantity, qty)
			if !t.mismatchAlerted[key] {
				t.mismatchAlerted[key] = true
				t.alertf("quantity mismatch %s: tracked %d, broker %d", symbol, p.Quantity, qty)
			}
		}
	}

	for symbol := range brokerQty {
		if _, ok := t.open[symbol]; ok {
			continue
		}
		res.Orphaned = append(res.Orphaned, symbol)
		if !t.orphanAlerted[symbol] {
			t.orphanAlerted[symbol] = true
			t.alertf("orphaned broker position %s (qty %d) not tracked locally", symbol, brokerQty[symbol])
		}
	}
	return res
}

// Summary aggregates the session for heartbeats, Telegram and persistence.
func (t *Tracker) Summary() Summary {
	s := Summary{
		OpenCount:    len(t.open),
		ClosedCount:  len(t.closed),
		CumulativeR:  t.cumulativeR,
		UnrealizedR:  t.UnrealizedR(),
		DailyExit:    t.dailyExit,
		DailyExitWhy: t.dailyExitReason,
		Timestamp:    t.now(),
	}
	for _, p := range t.open {
		if p.OptionType == models.OptionCE {
			s.OpenCE++
		} else {
			s.OpenPE++
		}
		s.TotalPnL += p.UnrealizedPnL
	}
	for _, p := range t.closed {
		s.TotalPnL += p.RealizedPnL
	}
	return s
}

// Get returns the open position for symbol.
func (t *Tracker) Get(symbol string) (*models.Position, bool) {
	p, ok := t.open[symbol]
	return p, ok
}

// OpenPositions returns a snapshot of open positions.
func (t *Tracker) OpenPositions() []models.Position {
	out := make([]models.Position, 0, len(t.open))
	for _, p := range t.open {
		out = append(out, *p)
	}
	return out
}

// OpenSymbols returns symbol -> quantity for open positions.
func (t *Tracker) OpenSymbols() map[string]int {
	out := make(map[string]int, len(t.open))
	for symbol, p := range t.open {
		out[symbol] = p.Quantity
	}
	return out
}

// ClosedPositions returns the session trade log.
func (t *Tracker) ClosedPositions() []models.Position {
	out := make([]models.Position, 0, len(t.closed))
	for _, p := range t.closed {
		out = append(out, *p)
	}
	return out
}

// CumulativeR returns today's realized R.
func (t *Tracker) CumulativeR() float64 { return t.cumulativeR }

// Restore reinstates persisted open positions after restart.
func (t *Tracker) Restore(open []models.Position) {
	for i := range open {
		p := open[i]
		t.open[p.Symbol] = &p
	}
}

// RestoreDaily reinstates same-day daily state after restart.
func (t *Tracker) RestoreDaily(cumulativeR float64, exitTriggered bool, exitReason string) {
	t.cumulativeR = cumulativeR
	t.dailyExit = exitTriggered
	t.dailyExitReason = exitReason
}

// ResetForNewDay clears daily accumulators and the alert throttle sets.
func (t *Tracker) ResetForNewDay() {
	t.cumulativeR = 0
	t.dailyExit = false
	t.dailyExitReason = ""
	t.closed = nil
	t.orphanAlerted = make(map[string]bool)
	t.mismatchAlerted = make(map[string]bool)
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
