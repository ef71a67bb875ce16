// Package pipeline turns raw quote ticks from two redundant feeds into
// sealed one-minute bars with day-cumulative VWAP. It owns feed failover,
// history backfill, gap filling, and data freshness accounting.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ronniedreams/nifty-options-agent/internal/broker"
	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/feed"
	"github.com/ronniedreams/nifty-options-agent/internal/models"
)

// Feed roles. The primary builds bars; the backup shadows it until failover.
const (
	RolePrimary = "primary"
	RoleBackup  = "backup"
)

// Historian supplies minute history for backfill and gap fill.
type Historian interface {
	History(symbol string, start, end time.Time) ([]broker.HistoryBar, error)
}

// BarHandler receives every sealed bar, oldest first.
type BarHandler func(bar models.Bar)

// AlertFunc surfaces pipeline incidents (failover, data gaps) to the
// notifier. Nil is allowed.
type AlertFunc func(format string, args ...interface{})

type symbolState struct {
	building   *models.Bar
	bars       []models.Bar
	lastCumVol int64 // day-cumulative volume from the last tick

	// Day VWAP accumulators over sealed bars.
	sumPV  float64
	sumVol float64

	// atpMode substitutes the exchange average trade price for computed
	// VWAP when backfill could not reach minimum history coverage.
	atpMode bool

	lastTick   models.Tick
	lastTickAt time.Time
}

// Pipeline consumes two feeds and exposes sealed bars per symbol.
type Pipeline struct {
	cfg    config.PipelineConfig
	loc    *time.Location
	conf   *config.Config
	logger *log.Logger

	primary feed.Feed
	backup  feed.Feed
	hist    Historian

	onBar BarHandler
	alert AlertFunc

	mu       sync.Mutex
	symbols  map[string]*symbolState
	active   string
	feedLast map[string]time.Time

	// primarySteadySince is when the primary resumed ticking after a gap;
	// switchback waits for it to stay steady.
	primarySteadySince time.Time
	shadow             map[string]models.Tick

	healthFailures int
	reconnecting   bool

	// reconnectWait is how long a forced primary reconnect waits for the
	// dial and subscription replay before verifying tick flow.
	reconnectWait time.Duration

	now func() time.Time
}

// New wires a pipeline over the two feeds. hist may be nil (no backfill).
func New(conf *config.Config, primary, backup feed.Feed, hist Historian, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		cfg:      conf.Pipeline,
		loc:      conf.Location(),
		conf:     conf,
		logger:   logger,
		primary:  primary,
		backup:   backup,
		hist:     hist,
		symbols:  make(map[string]*symbolState),
		active:   RolePrimary,
		feedLast: make(map[string]time.Time),
		shadow:   make(map[string]models.Tick),

		reconnectWait: 2 * time.Second,
		now:           time.Now,
	}
}

// SetBarHandler registers the sealed-bar consumer. Call before Run.
func (p *Pipeline) SetBarHandler(fn BarHandler) { p.onBar = fn }

// SetAlertFunc registers the incident notifier. Call before Run.
func (p *Pipeline) SetAlertFunc(fn AlertFunc) { p.alert = fn }

func (p *Pipeline) alertf(format string, args ...interface{}) {
	p.logger.Printf("[pipeline] "+format, args...)
	if p.alert != nil {
		p.alert(format, args...)
	}
}

// Track subscribes symbols on both feeds and starts building bars for them.
func (p *Pipeline) Track(symbols ...string) error {
	p.mu.Lock()
	for _, s := range symbols {
		if _, ok := p.symbols[s]; !ok {
			p.symbols[s] = &symbolState{}
		}
	}
	p.mu.Unlock()

	if err := p.primary.Subscribe(symbols...); err != nil {
		return fmt.Errorf("primary subscribe: %w", err)
	}
	if p.backup != nil {
		if err := p.backup.Subscribe(symbols...); err != nil {
			return fmt.Errorf("backup subscribe: %w", err)
		}
	}
	return nil
}

// Untrack drops symbols from both feeds and frees their bar state.
func (p *Pipeline) Untrack(symbols ...string) {
	p.mu.Lock()
	for _, s := range symbols {
		delete(p.symbols, s)
		delete(p.shadow, s)
	}
	p.mu.Unlock()

	_ = p.primary.Unsubscribe(symbols...)
	if p.backup != nil {
		_ = p.backup.Unsubscribe(symbols...)
	}
}

// Tracked returns the currently tracked symbols, sorted.
func (p *Pipeline) Tracked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.symbols))
	for s := range p.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Run pumps both feeds, the failover monitor, and the bar sealer until ctx
// ends. Feed outages are alerted and retried forever; only ctx stops Run.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.runFeed(ctx, p.primary, RolePrimary) })
	if p.backup != nil {
		g.Go(func() error { return p.runFeed(ctx, p.backup, RoleBackup) })
	}
	g.Go(func() error { return p.monitorLoop(ctx) })
	g.Go(func() error { return p.sealLoop(ctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *Pipeline) runFeed(ctx context.Context, f feed.Feed, role string) error {
	delay := time.Duration(p.cfg.ReconnectDelaySeconds) * time.Second
	for {
		err := f.Run(ctx, func(tick models.Tick) { p.handleTick(role, tick) })
		if ctx.Err() != nil {
			return nil
		}
		p.alertf("feed %s down: %v, retrying in %s", role, err, delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (p *Pipeline) handleTick(role string, tick models.Tick) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Track feed liveness regardless of symbol or session.
	prev := p.feedLast[role]
	p.feedLast[role] = now
	if role == RolePrimary {
		gap := time.Duration(p.cfg.NoTickThresholdSeconds) * time.Second
		if prev.IsZero() || now.Sub(prev) > gap {
			p.primarySteadySince = now
		}
	}

	st, ok := p.symbols[tick.Symbol]
	if !ok {
		return
	}

	if role != p.active {
		p.shadow[tick.Symbol] = tick
		return
	}

	st.lastTick = tick
	st.lastTickAt = now

	if !p.conf.IsWithinMarketHours(tick.Timestamp) {
		return
	}
	sealed := p.processTickLocked(st, tick)
	p.mu.Unlock()
	p.emit(sealed)
	p.mu.Lock()
}

// emit delivers sealed bars outside the pipeline lock.
func (p *Pipeline) emit(bars []models.Bar) {
	if p.onBar == nil {
		return
	}
	for _, b := range bars {
		p.onBar(b)
	}
}

// processTickLocked folds a tick into the building bar, sealing the prior
// minute on rollover. Sealed bars are returned for delivery outside the lock.
func (p *Pipeline) processTickLocked(st *symbolState, tick models.Tick) []models.Bar {
	minute := tick.Timestamp.In(p.loc).Truncate(time.Minute)

	var sealed []models.Bar
	if st.building != nil && minute.After(st.building.Timestamp) {
		if b := p.sealLocked(st); b != nil {
			sealed = append(sealed, *b)
		}
	}
	if st.building != nil && minute.Before(st.building.Timestamp) {
		// Late tick for an already-sealed minute; drop it.
		return sealed
	}

	// Day-cumulative volume deltas; a smaller value means a feed restart
	// or day rollover, treat the full figure as the delta.
	var delta int64
	if tick.Volume > 0 {
		delta = tick.Volume - st.lastCumVol
		if delta < 0 {
			delta = tick.Volume
		}
		st.lastCumVol = tick.Volume
	}

	if st.building == nil {
		st.building = &models.Bar{
			Symbol:    tick.Symbol,
			Timestamp: minute,
			Open:      tick.LTP,
			High:      tick.LTP,
			Low:       tick.LTP,
			Close:     tick.LTP,
		}
	}
	b := st.building
	if tick.LTP > b.High {
		b.High = tick.LTP
	}
	if tick.LTP < b.Low {
		b.Low = tick.LTP
	}
	b.Close = tick.LTP
	b.Volume += delta
	b.TickCount++
	if tick.AveragePrice > 0 {
		b.ATP = tick.AveragePrice
	}
	return sealed
}

func (p *Pipeline) sealLocked(st *symbolState) *models.Bar {
	b := st.building
	if b == nil {
		return nil
	}
	st.building = nil

	vol := float64(b.Volume)
	if vol <= 0 {
		vol = float64(b.TickCount) // thin bars still move the accumulator
	}
	st.sumPV += b.TypicalPrice() * vol
	st.sumVol += vol

	if st.sumVol > 0 {
		b.VWAP = st.sumPV / st.sumVol
	} else {
		b.VWAP = b.TypicalPrice()
	}
	if st.atpMode && b.ATP > 0 {
		b.VWAP = b.ATP
	}

	st.bars = append(st.bars, *b)
	p.pruneLocked(st)
	return b
}

func (p *Pipeline) pruneLocked(st *symbolState) {
	if len(st.bars) <= p.cfg.BarPruningThreshold {
		return
	}
	keep := st.bars[len(st.bars)-p.cfg.MaxBarsPerSymbol:]
	st.bars = append([]models.Bar(nil), keep...)
}

// sealLoop fires at hh:mm:12 so straggler ticks for the prior minute land
// first, then seals idle building bars and gap-fills missed minutes.
func (p *Pipeline) sealLoop(ctx context.Context) error {
	for {
		now := p.now().In(p.loc)
		next := now.Truncate(time.Minute).Add(time.Minute + 12*time.Second)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(next.Sub(now)):
		}

		p.sealIdleBars()
		p.fillGaps(ctx)
	}
}

func (p *Pipeline) sealIdleBars() {
	cutoff := p.now().In(p.loc).Truncate(time.Minute)

	p.mu.Lock()
	var sealed []models.Bar
	for _, st := range p.symbols {
		if st.building != nil && st.building.Timestamp.Before(cutoff) {
			if b := p.sealLocked(st); b != nil {
				sealed = append(sealed, *b)
			}
		}
	}
	p.mu.Unlock()
	p.emit(sealed)
}

// Bars returns a copy of the sealed bars for symbol, oldest first.
func (p *Pipeline) Bars(symbol string) []models.Bar {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.symbols[symbol]
	if !ok {
		return nil
	}
	return append([]models.Bar(nil), st.bars...)
}

// LastBar returns the newest sealed bar for symbol.
func (p *Pipeline) LastBar(symbol string) (models.Bar, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.symbols[symbol]
	if !ok || len(st.bars) == 0 {
		return models.Bar{}, false
	}
	return st.bars[len(st.bars)-1], true
}

// BuildingBar returns the current in-progress bar for symbol, if any.
func (p *Pipeline) BuildingBar(symbol string) (models.Bar, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.symbols[symbol]
	if !ok || st.building == nil {
		return models.Bar{}, false
	}
	return *st.building, true
}

// LastPrice returns the most recent traded price for symbol from either
// feed, favoring the active one.
func (p *Pipeline) LastPrice(symbol string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.symbols[symbol]
	if ok && st.lastTick.LTP > 0 {
		return st.lastTick.LTP, true
	}
	if tick, ok := p.shadow[symbol]; ok && tick.LTP > 0 {
		return tick.LTP, true
	}
	return 0, false
}

// LastTickAt returns when symbol last ticked on the active feed.
func (p *Pipeline) LastTickAt(symbol string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.symbols[symbol]
	if !ok || st.lastTickAt.IsZero() {
		return time.Time{}, false
	}
	return st.lastTickAt, true
}

// DayVWAP returns the running day VWAP for symbol.
func (p *Pipeline) DayVWAP(symbol string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.symbols[symbol]
	if !ok {
		return 0, false
	}
	if st.atpMode && st.lastTick.AveragePrice > 0 {
		return st.lastTick.AveragePrice, true
	}
	if st.sumVol > 0 {
		return st.sumPV / st.sumVol, true
	}
	return 0, false
}

// ActiveFeed reports which feed currently builds bars.
func (p *Pipeline) ActiveFeed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
