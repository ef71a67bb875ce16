// Package filter maintains the candidate pool built from confirmed swing
// lows and selects, per option type, the best strike to short. Evaluation
// reruns every tick against live prices.
package filter

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/models"
	"github.com/ronniedreams/nifty-options-agent/internal/util"
)

// MarketData is the slice of the bar pipeline the filter reads.
type MarketData interface {
	Bars(symbol string) []models.Bar
	BuildingBar(symbol string) (models.Bar, bool)
	LastPrice(symbol string) (float64, bool)
}

// Filter owns one candidate per symbol, anchored at its latest confirmed
// swing low. Owned by the orchestrator tick; no locking.
type Filter struct {
	cfg    *config.Config
	data   MarketData
	logger *log.Logger

	pool map[string]*models.Candidate
}

func New(cfg *config.Config, data MarketData, logger *log.Logger) *Filter {
	if logger == nil {
		logger = log.Default()
	}
	return &Filter{cfg: cfg, data: data, logger: logger, pool: make(map[string]*models.Candidate)}
}

// OnSwingLow replaces the symbol's candidate with one anchored at the new
// swing low.
func (f *Filter) OnSwingLow(s models.Swing) {
	if s.Type != models.SwingLow {
		return
	}
	optType := util.OptionTypeOf(s.Symbol)
	if optType == "" {
		return
	}
	strike := util.StrikeOf(s.Symbol, f.cfg.Market.Underlying, f.cfg.Market.Expiry)

	f.pool[s.Symbol] = &models.Candidate{
		Symbol:      s.Symbol,
		OptionType:  models.OptionType(optType),
		Strike:      strike,
		SwingLow:    s.Price,
		SwingTime:   s.Timestamp,
		VWAPAtSwing: s.VWAP,
	}
}

// Remove drops a symbol's candidate, e.g. after its entry fills or the
// broker reports the position gone.
func (f *Filter) Remove(symbol string) {
	delete(f.pool, symbol)
}

// Clear empties the pool (daily exit, EOD).
func (f *Filter) Clear() {
	f.pool = make(map[string]*models.Candidate)
}

// Candidates returns a snapshot of the pool for persistence.
func (f *Filter) Candidates() []models.Candidate {
	out := make([]models.Candidate, 0, len(f.pool))
	for _, c := range f.pool {
		out = append(out, *c)
	}
	return out
}

// MarkStartupBroken flags candidates whose swing low had already broken
// before the first live tick. They stay in the pool for observability but
// never generate orders.
func (f *Filter) MarkStartupBroken() {
	tick := f.cfg.Market.TickSize
	for _, c := range f.pool {
		price, ok := f.data.LastPrice(c.Symbol)
		if ok && price <= c.SwingLow-tick {
			c.BrokenAtStartup = true
			f.logger.Printf("[filter] %s swing low %.2f already broken at %.2f, will not place orders",
				c.Symbol, c.SwingLow, price)
		}
	}
}

// HighestHighSince scans sealed bars at or after since, plus the current
// incomplete bar, for the highest high. Used for SL anchoring.
func (f *Filter) HighestHighSince(symbol string, since time.Time) float64 {
	var highest float64
	for _, b := range f.data.Bars(symbol) {
		if b.Timestamp.Before(since) {
			continue
		}
		if b.High > highest {
			highest = b.High
		}
	}
	if b, ok := f.data.BuildingBar(symbol); ok && b.High > highest {
		highest = b.High
	}
	return highest
}

// EvaluateAll recomputes every candidate against live data and returns the
// best qualified candidate per option type. Symbols in exclude (open
// positions, blocked sets) never win selection.
func (f *Filter) EvaluateAll(exclude map[string]bool) map[models.OptionType]*models.Candidate {
	best := make(map[models.OptionType]*models.Candidate)

	for _, c := range f.pool {
		f.evaluate(c)
		if !c.Qualified || c.BrokenAtStartup || exclude[c.Symbol] {
			continue
		}
		cur := best[c.OptionType]
		if cur == nil || f.better(c, cur) {
			best[c.OptionType] = c
		}
	}
	return best
}

// evaluate refreshes derived fields and applies the entry filters. All
// filters, the VWAP premium, and sizing run on the swing low itself;
// EntryPrice is only the order trigger one tick below it.
func (f *Filter) evaluate(c *models.Candidate) {
	market := f.cfg.Market

	price, ok := f.data.LastPrice(c.Symbol)
	if ok {
		c.CurrentPrice = price
	}
	c.HighestHigh = f.HighestHighSince(c.Symbol, c.SwingTime)
	c.EntryPrice = util.RoundToTick(c.SwingLow-market.TickSize, market.TickSize)
	c.SLPrice = c.HighestHigh + 1
	c.SLPoints = c.SLPrice - c.SwingLow
	if c.SwingLow > 0 {
		c.SLPercent = c.SLPoints / c.SwingLow
	}
	if c.VWAPAtSwing > 0 {
		c.VWAPPremium = (c.SwingLow - c.VWAPAtSwing) / c.VWAPAtSwing
	}

	c.Lots = f.lotCount(c.SLPoints)
	c.Quantity = c.Lots * market.LotSize
	c.ActualR = c.SLPoints * float64(c.Quantity)

	c.Qualified, c.DisqualifyReason = f.qualify(c)
}

func (f *Filter) qualify(c *models.Candidate) (bool, string) {
	risk := f.cfg.Risk
	switch {
	case c.HighestHigh <= 0:
		return false, "no bars since swing"
	case c.SwingLow < risk.MinEntryPrice || c.SwingLow > risk.MaxEntryPrice:
		return false, fmt.Sprintf("entry %.2f outside [%.0f, %.0f]", c.SwingLow, risk.MinEntryPrice, risk.MaxEntryPrice)
	case c.VWAPPremium < risk.MinVWAPPremium:
		return false, fmt.Sprintf("vwap premium %.1f%% below %.1f%%", c.VWAPPremium*100, risk.MinVWAPPremium*100)
	case c.SLPercent < risk.MinSLPercent || c.SLPercent > risk.MaxSLPercent:
		return false, fmt.Sprintf("sl %.1f%% outside [%.0f%%, %.0f%%]", c.SLPercent*100, risk.MinSLPercent*100, risk.MaxSLPercent*100)
	default:
		return true, ""
	}
}

// lotCount sizes the position so the stop-loss risk approximates one R,
// clamped to [1, max lots].
func (f *Filter) lotCount(slPoints float64) int {
	if slPoints <= 0 {
		return 1
	}
	requiredQty := f.cfg.Risk.RValue / slPoints
	lots := int(requiredQty / float64(f.cfg.Market.LotSize))
	if lots < 1 {
		lots = 1
	}
	if lots > f.cfg.Risk.MaxLotsPerPosition {
		lots = f.cfg.Risk.MaxLotsPerPosition
	}
	return lots
}

// better ranks a against b: closest SL points to the target first, then the
// higher swing low.
func (f *Filter) better(a, b *models.Candidate) bool {
	target := f.cfg.Risk.TargetSLPoints
	da := math.Abs(a.SLPoints - target)
	db := math.Abs(b.SLPoints - target)
	if da != db {
		return da < db
	}
	return a.SwingLow > b.SwingLow
}
