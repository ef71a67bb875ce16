package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ronniedreams/nifty-options-agent/internal/broker"
	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/filter"
	"github.com/ronniedreams/nifty-options-agent/internal/models"
	"github.com/ronniedreams/nifty-options-agent/internal/notify"
	"github.com/ronniedreams/nifty-options-agent/internal/orders"
	"github.com/ronniedreams/nifty-options-agent/internal/pipeline"
	"github.com/ronniedreams/nifty-options-agent/internal/positions"
	"github.com/ronniedreams/nifty-options-agent/internal/state"
	"github.com/ronniedreams/nifty-options-agent/internal/swing"
	"github.com/ronniedreams/nifty-options-agent/internal/util"
)

// errKillSwitch ends the session on operator request; positions stay with
// their broker SLs. errFatal ends it on a safety-critical failure after an
// emergency flatten.
var (
	errKillSwitch = errors.New("kill switch asserted")
	errFatal      = errors.New("fatal runtime error")
)

const (
	watchdogInterval  = 30 * time.Second
	reconcileInterval = 60 * time.Second
	heartbeatInterval = 60 * time.Second
	maxWatchdogFails  = 5
)

// Orchestrator owns the trading session: startup, the per-second tick loop,
// and shutdown. All strategy state is mutated only from the tick goroutine.
type Orchestrator struct {
	cfg       *config.Config
	logger    *log.Logger
	store     *state.Store
	sentinels *state.Sentinels
	broker    broker.Broker
	pipe      *pipeline.Pipeline
	swings    *swing.Tracker
	filt      *filter.Filter
	orderMgr  *orders.Manager
	tracker   *positions.Tracker
	notifier  *notify.Notifier

	universe     []string
	lastSent     map[string]time.Time
	prevBest     map[models.OptionType]string
	staleBlocked map[string]bool

	tradeDate     string
	eodDone       bool
	lastWatchdog  time.Time
	lastReconcile time.Time
	lastHeartbeat time.Time
	watchdogFails int

	statusMu   sync.Mutex
	statusText string

	now func() time.Time
}

func newOrchestrator(cfg *config.Config, b broker.Broker, pipe *pipeline.Pipeline, store *state.Store, sentinels *state.Sentinels, notifier *notify.Notifier, logger *log.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		sentinels:    sentinels,
		broker:       b,
		pipe:         pipe,
		notifier:     notifier,
		lastSent:     make(map[string]time.Time),
		prevBest:     make(map[models.OptionType]string),
		staleBlocked: make(map[string]bool),
		statusText:   "starting up",
		now:          time.Now,
	}

	o.filt = filter.New(cfg, pipe, logger)
	o.swings = swing.NewTracker(o.onLiveSwing)
	o.orderMgr = orders.NewManager(cfg, b, logger)
	o.tracker = positions.NewTracker(cfg, logger)

	o.orderMgr.SetAlertFunc(notifier.Alert)
	o.tracker.SetAlertFunc(notifier.Alert)
	pipe.SetAlertFunc(notifier.Alert)
	return o
}

// Run executes the startup sequence, then the pipeline and the tick loop
// until shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.restoreState(); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	if err := o.waitForBroker(ctx); err != nil {
		return err
	}

	o.buildUniverse()
	if err := o.pipe.Track(o.universe...); err != nil {
		return fmt.Errorf("track universe: %w", err)
	}
	o.logger.Printf("tracking %d option symbols around ATM %d", len(o.universe), o.cfg.Market.ATMStrike)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.pipe.Run(gctx) })

	o.seedHistory(gctx)
	o.reconcileOrders()

	if err := o.store.SetOperationalState("RUNNING", ""); err != nil {
		o.logger.Printf("operational state: %v", err)
	}
	o.notifier.Startup(o.cfg.Environment.Mode, len(o.universe))

	g.Go(func() error { return o.tickLoop(gctx) })
	return g.Wait()
}

// restoreState loads the previous session. Same trade date resumes it;
// a new date starts the daily dashboard fresh.
func (o *Orchestrator) restoreState() error {
	o.tradeDate = o.now().In(o.cfg.Location()).Format("2006-01-02")

	ds, found, err := o.store.LoadDailyState()
	if err != nil {
		return err
	}
	if found && ds.TradeDate == o.tradeDate {
		o.tracker.RestoreDaily(ds.CumulativeR, ds.ExitTriggered, ds.ExitReason)
		o.logger.Printf("resuming %s: %.2fR realized, daily exit %v", ds.TradeDate, ds.CumulativeR, ds.ExitTriggered)
	} else {
		o.tracker.ResetForNewDay()
		if err := o.store.SaveDailyState(o.tradeDate, o.tracker.Summary()); err != nil {
			o.logger.Printf("save daily state: %v", err)
		}
	}

	open, err := o.store.LoadOpenPositions()
	if err != nil {
		return err
	}
	o.tracker.Restore(open)

	entries, err := o.store.LoadPendingEntries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		o.orderMgr.RestoreEntry(e)
	}
	sls, err := o.store.LoadActiveSLs()
	if err != nil {
		return err
	}
	for _, sl := range sls {
		o.orderMgr.RestoreSL(sl)
	}
	o.logger.Printf("restored %d positions, %d pending entries, %d SLs", len(open), len(entries), len(sls))
	return nil
}

// waitForBroker verifies broker connectivity. A transient failure parks the
// bot in WAITING with periodic rechecks; an API-level rejection is
// permanent and aborts startup.
func (o *Orchestrator) waitForBroker(ctx context.Context) error {
	var lastNotified time.Time
	for {
		_, err := o.broker.AvailableCash()
		if err == nil {
			return nil
		}
		var apiErr *broker.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("broker rejected account call: %w", err)
		}

		if err := o.store.SetOperationalState("WAITING", err.Error()); err != nil {
			o.logger.Printf("operational state: %v", err)
		}
		o.logger.Printf("broker unreachable, waiting: %v", err)
		if time.Since(lastNotified) >= time.Hour {
			o.notifier.Error("broker unreachable, in WAITING mode: %v", err)
			lastNotified = time.Now()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Minute):
		}
	}
}

// buildUniverse generates CE and PE symbols for every strike within the
// scan range around the configured ATM.
func (o *Orchestrator) buildUniverse() {
	m := o.cfg.Market
	o.universe = o.universe[:0]
	for i := -m.StrikeScanRange; i <= m.StrikeScanRange; i++ {
		strike := m.ATMStrike + i*m.StrikeStep
		o.universe = append(o.universe,
			util.OptionSymbol(m.Underlying, m.Expiry, strike, "CE"),
			util.OptionSymbol(m.Underlying, m.Expiry, strike, "PE"),
		)
	}
}

// seedHistory backfills bars, replays them silently through the swing
// detectors, persists the confirmed swings, and switches to live mode.
func (o *Orchestrator) seedHistory(ctx context.Context) {
	if err := o.pipe.Backfill(ctx); err != nil {
		o.logger.Printf("backfill: %v", err)
	}

	o.swings.Reset()
	for _, symbol := range o.universe {
		for _, bar := range o.pipe.Bars(symbol) {
			o.swings.ProcessBar(bar)
			o.lastSent[symbol] = bar.Timestamp
		}
	}

	confirmed := o.swings.EnableLive()
	if err := o.store.LogSwings(confirmed); err != nil {
		o.logger.Printf("log swings: %v", err)
	}
	for _, sw := range confirmed {
		if sw.Type == models.SwingLow {
			o.filt.OnSwingLow(sw)
		}
	}
	o.filt.MarkStartupBroken()
	o.logger.Printf("replayed history: %d confirmed swings, %d candidates", len(confirmed), len(o.filt.Candidates()))
}

// onLiveSwing handles swings confirmed after startup replay.
func (o *Orchestrator) onLiveSwing(sw models.Swing) {
	o.logger.Printf("swing %s %s at %.2f", sw.Type, sw.Symbol, sw.Price)
	if err := o.store.LogSwings([]models.Swing{sw}); err != nil {
		o.logger.Printf("log swing: %v", err)
	}
	o.notifier.SwingDetected(sw)
	if sw.Type == models.SwingLow {
		o.filt.OnSwingLow(sw)
	}
}

// reconcileOrders cross-checks local order state against the broker and
// remediates: offline fills open positions, missing SLs are re-placed.
func (o *Orchestrator) reconcileOrders() {
	report, err := o.orderMgr.ReconcileWithBroker(o.tracker.OpenSymbols())
	if err != nil {
		o.logger.Printf("reconcile: %v", err)
		return
	}
	for _, f := range report.Fills {
		o.handleFill(f)
	}
	for _, symbol := range report.MissingSL {
		o.replaceMissingSL(symbol)
	}
}

func (o *Orchestrator) replaceMissingSL(symbol string) {
	pos, ok := o.tracker.Get(symbol)
	if !ok {
		return
	}
	if id := o.orderMgr.PlaceSLOrder(symbol, pos.SLPrice, pos.Quantity); id == "" {
		o.notifier.Error("could not restore SL for %s, exiting position", symbol)
		o.exitPosition(symbol, models.ExitReasonEmergency)
	}
}

func (o *Orchestrator) tickLoop(ctx context.Context) error {
	for {
		sleep, err := o.tick()
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			o.shutdownGraceful()
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// tick runs one orchestrator iteration and returns how long to sleep
// before the next.
func (o *Orchestrator) tick() (time.Duration, error) {
	interval := time.Duration(o.cfg.Orders.TickIntervalSeconds) * time.Second
	now := o.now()

	// Kill switch: cancel entries, leave positions protected by their
	// broker SLs, stop.
	if o.sentinels.KillRequested() {
		o.cancelPendingEntries()
		o.persistTick()
		if err := o.store.SetOperationalState("KILLED", "kill switch"); err != nil {
			o.logger.Printf("operational state: %v", err)
		}
		o.notifier.Shutdown("kill switch asserted; positions left with broker SLs")
		return 0, errKillSwitch
	}

	if !o.cfg.IsWithinMarketHours(now) {
		return time.Minute, nil
	}

	if err := o.watchdog(now); err != nil {
		return 0, err
	}

	if o.cfg.IsForceExitTime(now) && !o.eodDone {
		o.handleEOD()
	}

	paused := o.sentinels.PauseRequested() || o.tracker.DailyExitTriggered() || o.eodDone

	o.feedBars()
	if err := o.manageOrders(paused); err != nil {
		return 0, err
	}
	if err := o.handleFills(); err != nil {
		return 0, err
	}

	o.updatePrices()
	if reason, fired := o.tracker.CheckDailyExit(); fired {
		o.handleDailyExit(reason)
	}

	if now.Sub(o.lastReconcile) >= reconcileInterval {
		o.lastReconcile = now
		o.reconcilePositions()
	}

	o.persistTick()
	o.heartbeat(now)
	return interval, nil
}

// watchdog checks feed coverage every 30s. Repeated failures mean the
// market is invisible; flatten and stop.
func (o *Orchestrator) watchdog(now time.Time) error {
	if now.Sub(o.lastWatchdog) < watchdogInterval {
		return nil
	}
	o.lastWatchdog = now

	h := o.pipe.HealthSnapshot()
	if h.TrackedSymbols == 0 || h.Coverage >= o.cfg.Pipeline.MinDataCoverage {
		if o.watchdogFails > 0 {
			o.logger.Printf("feed coverage recovered (%.0f%%), reconciling orders", h.Coverage*100)
			o.reconcileOrders()
		}
		o.watchdogFails = 0
		return nil
	}

	o.watchdogFails++
	o.notifier.Error("feed coverage %.0f%% below %.0f%% (%d/%d)", h.Coverage*100,
		o.cfg.Pipeline.MinDataCoverage*100, o.watchdogFails, maxWatchdogFails)
	if o.watchdogFails >= maxWatchdogFails {
		o.emergencyShutdown("market data lost")
		return fmt.Errorf("%w: data watchdog failed %d times", errFatal, o.watchdogFails)
	}
	return nil
}

// feedBars pushes strictly-newer sealed bars into the swing detectors.
// A symbol on the stale-blocked list is released once its bars resume.
func (o *Orchestrator) feedBars() {
	for _, symbol := range o.universe {
		last := o.lastSent[symbol]
		fresh := false
		for _, bar := range o.pipe.Bars(symbol) {
			if !bar.Timestamp.After(last) {
				continue
			}
			o.swings.ProcessBar(bar)
			last = bar.Timestamp
			fresh = true
		}
		if fresh {
			o.lastSent[symbol] = last
			delete(o.staleBlocked, symbol)
		}
	}
}

// manageOrders runs candidate evaluation and the per-type entry-order state
// machine. When paused, evaluation and notifications continue but no order
// is touched.
func (o *Orchestrator) manageOrders(paused bool) error {
	exclude := make(map[string]bool)
	for symbol := range o.tracker.OpenSymbols() {
		exclude[symbol] = true
	}
	best := o.filt.EvaluateAll(exclude)
	blocked := o.blockedSet()

	for _, t := range models.OptionTypes() {
		cand := best[t]

		bestSymbol := ""
		if cand != nil {
			bestSymbol = cand.Symbol
		}
		if o.prevBest[t] != bestSymbol {
			o.prevBest[t] = bestSymbol
			if cand != nil {
				o.notifier.BestStrikeChange(t, cand.Symbol, cand.EntryPrice, cand.SLPoints)
			}
		}

		var pending *filter.PendingOrder
		if e, ok := o.orderMgr.PendingEntry(t); ok {
			if e.OrderID != "" && !o.pipe.IsBarFresh(e.Symbol) {
				o.staleBlocked[e.Symbol] = true
				o.notifier.Error("stale data for %s, cancelling its entry order", e.Symbol)
				o.orderMgr.ManageEntry(t, nil, 0)
				continue
			}
			pending = &filter.PendingOrder{Symbol: e.Symbol, TriggerPrice: e.TriggerPrice}
		}

		trig := o.filt.Classify(t, cand, pending)
		if trig.Action != filter.TriggerWait {
			if err := o.store.LogOrderTrigger(string(t), string(trig.Action), bestSymbol, trig.Reason); err != nil {
				o.logger.Printf("log trigger: %v", err)
			}
		}
		if paused {
			continue
		}

		switch trig.Action {
		case filter.TriggerCancel:
			o.orderMgr.ManageEntry(t, nil, 0)
		case filter.TriggerPlace:
			if cand == nil || blocked[cand.Symbol] {
				continue
			}
			if !o.marginOK(cand) {
				continue
			}
			if ok, reason := o.tracker.CanOpen(cand.Symbol, t, o.pendingEntriesExcluding(t), 0); !ok {
				o.logger.Printf("not placing %s: %s", cand.Symbol, reason)
				continue
			}
			o.orderMgr.ManageEntry(t, cand, cand.EntryPrice)
		case filter.TriggerModify, filter.TriggerCheckFill, filter.TriggerWait:
			if pending != nil && cand != nil {
				o.orderMgr.ManageEntry(t, cand, cand.EntryPrice)
			}
		}
	}

	// Global churn limit maps to the pause switch so the stop survives a
	// restart until an operator clears it.
	if o.orderMgr.PauseRequested() && !o.sentinels.PauseRequested() {
		if err := o.sentinels.RequestPause("global churn limit"); err != nil {
			o.logger.Printf("pause switch: %v", err)
		}
		o.notifier.Error("global churn limit reached, strategy paused")
	}
	return nil
}

func (o *Orchestrator) blockedSet() map[string]bool {
	out := make(map[string]bool, len(o.staleBlocked))
	for symbol := range o.staleBlocked {
		out[symbol] = true
	}
	for _, symbol := range o.orderMgr.BlockedSymbols() {
		out[symbol] = true
	}
	return out
}

func (o *Orchestrator) pendingEntriesExcluding(t models.OptionType) int {
	n := 0
	for _, e := range o.orderMgr.PendingEntries() {
		if e.OptionType != t {
			n++
		}
	}
	return n
}

// marginOK is a best-effort pre-check; a broker error never blocks the
// placement path.
func (o *Orchestrator) marginOK(c *models.Candidate) bool {
	cash, err := o.broker.AvailableCash()
	if err != nil {
		o.logger.Printf("margin check skipped: %v", err)
		return true
	}
	required := c.EntryPrice * float64(c.Quantity)
	if cash < required {
		o.logger.Printf("margin short for %s: have %.0f, need %.0f", c.Symbol, cash, required)
		return false
	}
	return true
}

// handleFills opens positions from entry fills and closes them on SL
// executions.
func (o *Orchestrator) handleFills() error {
	for _, f := range o.orderMgr.CheckEntryFills() {
		o.handleFill(f)
	}
	if o.orderMgr.ShouldHaltTrading() {
		o.emergencyShutdown("repeated SL placement failures")
		return fmt.Errorf("%w: SL failure threshold reached", errFatal)
	}

	for _, sf := range o.orderMgr.CheckSLFills() {
		closed, err := o.tracker.ClosePosition(sf.Symbol, sf.FillPrice, models.ExitReasonSLHit)
		if err != nil {
			o.logger.Printf("sl fill close %s: %v", sf.Symbol, err)
			continue
		}
		if err := o.store.AppendClosedTrade(*closed); err != nil {
			o.logger.Printf("append trade: %v", err)
		}
		o.notifier.TradeExit(closed)
		o.filt.Remove(sf.Symbol)
	}
	return nil
}

// handleFill opens the position for one deduped entry fill. The SL trigger
// is recomputed live: the highest high since the swing may have moved past
// the stored level while the order rested, but it never comes down.
func (o *Orchestrator) handleFill(f models.Fill) {
	slPrice := f.FillPrice + o.cfg.Risk.TargetSLPoints
	actualR := 0.0
	if f.Candidate != nil {
		slPrice = f.Candidate.SLPrice
		actualR = f.Candidate.ActualR
		if hh := o.filt.HighestHighSince(f.Symbol, f.Candidate.SwingTime); hh > 0 && hh+1 > slPrice {
			slPrice = hh + 1
		}
	}

	pos, err := o.tracker.AddPosition(f.Symbol, f.OptionType, f.FillPrice, slPrice, f.Quantity, actualR, f.Candidate)
	if err != nil {
		// Fill raced the daily exit; flatten it right away.
		o.notifier.Error("fill for %s not accepted (%v), exiting at market", f.Symbol, err)
		if exitErr := o.orderMgr.EmergencyMarketExit(f.Symbol, f.Quantity); exitErr != nil {
			o.notifier.Error("emergency exit %s failed: %v", f.Symbol, exitErr)
		}
		return
	}
	o.notifier.TradeEntry(pos)

	if id := o.orderMgr.PlaceSLOrder(f.Symbol, slPrice, f.Quantity); id == "" {
		o.notifier.Error("SL for fresh position %s failed, exiting at market", f.Symbol)
		o.exitPosition(f.Symbol, models.ExitReasonEmergency)
	}
}

func (o *Orchestrator) updatePrices() {
	prices := make(map[string]float64)
	for symbol := range o.tracker.OpenSymbols() {
		if ltp, ok := o.pipe.LastPrice(symbol); ok {
			prices[symbol] = ltp
		}
	}
	o.tracker.UpdatePrices(prices)
}

// exitPosition cancels the SL, exits at market verifying broker state, and
// records the close.
func (o *Orchestrator) exitPosition(symbol, reason string) {
	pos, ok := o.tracker.Get(symbol)
	if !ok {
		return
	}
	o.orderMgr.CancelSL(symbol)
	if err := o.orderMgr.EmergencyMarketExit(symbol, pos.Quantity); err != nil {
		o.notifier.Error("market exit %s failed: %v", symbol, err)
	}
	price := pos.CurrentPrice
	if ltp, ok := o.pipe.LastPrice(symbol); ok {
		price = ltp
	}
	closed, err := o.tracker.ClosePosition(symbol, price, reason)
	if err != nil {
		o.logger.Printf("close %s: %v", symbol, err)
		return
	}
	if err := o.store.AppendClosedTrade(*closed); err != nil {
		o.logger.Printf("append trade: %v", err)
	}
	o.notifier.TradeExit(closed)
	o.filt.Remove(symbol)
}

// handleDailyExit flattens everything after the ±R latch fires. Runs once;
// the tracker latch blocks re-entry for the rest of the day.
func (o *Orchestrator) handleDailyExit(reason string) {
	total := o.tracker.CumulativeR() + o.tracker.UnrealizedR()
	o.notifier.DailyExit(reason, total)
	o.cancelPendingEntries()
	for symbol := range o.tracker.OpenSymbols() {
		o.exitPosition(symbol, reason)
	}
	o.filt.Clear()
	o.persistTick()
	o.notifier.DailySummary(o.tracker.Summary())
}

// handleEOD force-exits at the configured time, once.
func (o *Orchestrator) handleEOD() {
	o.eodDone = true
	o.logger.Printf("force exit time reached, flattening")
	o.cancelPendingEntries()
	for symbol := range o.tracker.OpenSymbols() {
		o.exitPosition(symbol, models.ExitReasonEOD)
	}
	o.filt.Clear()
	o.persistTick()
	o.notifier.DailySummary(o.tracker.Summary())
}

func (o *Orchestrator) cancelPendingEntries() {
	for _, t := range models.OptionTypes() {
		if _, ok := o.orderMgr.PendingEntry(t); ok {
			o.orderMgr.ManageEntry(t, nil, 0)
		}
	}
}

// reconcilePositions cross-checks the tracker against the broker book and
// records phantom closes it discovers.
func (o *Orchestrator) reconcilePositions() {
	book, err := o.broker.PositionBook()
	if err != nil {
		o.logger.Printf("positionbook: %v", err)
		return
	}
	res := o.tracker.Reconcile(book)
	for _, symbol := range res.PhantomClosed {
		o.filt.Remove(symbol)
		o.orderMgr.CancelSL(symbol)
		for _, p := range o.tracker.ClosedPositions() {
			if p.Symbol == symbol && p.ExitReason == models.ExitReasonPhantom {
				if err := o.store.AppendClosedTrade(p); err != nil {
					o.logger.Printf("append trade: %v", err)
				}
			}
		}
	}
}

// persistTick saves the full snapshot; failures are logged, never fatal.
func (o *Orchestrator) persistTick() {
	o.store.SaveTick(o.tradeDate, o.tracker.Summary(),
		o.tracker.OpenPositions(), o.orderMgr.PendingEntries(), o.orderMgr.ActiveSLs())

	cands := o.filt.Candidates()
	if err := o.store.SaveCandidates(cands); err != nil {
		o.logger.Printf("save candidates: %v", err)
	}
	for _, c := range cands {
		if bar, ok := o.pipe.LastBar(c.Symbol); ok {
			if err := o.store.SaveLatestBar(bar); err != nil {
				o.logger.Printf("save bar: %v", err)
			}
		}
	}

	best := make(map[models.OptionType]*models.Candidate)
	for i := range cands {
		c := cands[i]
		if c.Qualified && o.prevBest[c.OptionType] == c.Symbol {
			best[c.OptionType] = &c
		}
	}
	if err := o.store.SaveBestStrikes(best); err != nil {
		o.logger.Printf("save best strikes: %v", err)
	}
}

func (o *Orchestrator) heartbeat(now time.Time) {
	sum := o.tracker.Summary()
	h := o.pipe.HealthSnapshot()

	o.statusMu.Lock()
	o.statusText = fmt.Sprintf(
		"open %d (CE %d / PE %d)\nrealized %.2fR, unrealized %.2fR\npnl ₹%.0f\nfeed %s, coverage %.0f%%",
		sum.OpenCount, sum.OpenCE, sum.OpenPE, sum.CumulativeR, sum.UnrealizedR,
		sum.TotalPnL, h.ActiveFeed, h.Coverage*100)
	o.statusMu.Unlock()

	if now.Sub(o.lastHeartbeat) < heartbeatInterval {
		return
	}
	o.lastHeartbeat = now
	o.logger.Printf("tick: open %d, %.2fR realized, %.2fR open, feed %s, coverage %.0f%%",
		sum.OpenCount, sum.CumulativeR, sum.UnrealizedR, h.ActiveFeed, h.Coverage*100)
	o.notifier.Heartbeat(sum, h.ActiveFeed, now)
}

// Status renders the /status reply. Called from the listener goroutine, so
// it only reads the cached snapshot.
func (o *Orchestrator) Status() string {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	return o.statusText
}

// shutdownGraceful cancels pending entries and persists; open positions
// keep their broker SLs.
func (o *Orchestrator) shutdownGraceful() {
	o.logger.Printf("shutting down gracefully")
	o.cancelPendingEntries()
	o.persistTick()
	if err := o.store.SetOperationalState("STOPPED", ""); err != nil {
		o.logger.Printf("operational state: %v", err)
	}
	o.notifier.Shutdown("graceful shutdown; open positions keep their broker SLs")
}

// emergencyShutdown flattens everything: cancel all orders, market-exit
// every position with broker verification, persist, notify.
func (o *Orchestrator) emergencyShutdown(reason string) {
	o.logger.Printf("EMERGENCY SHUTDOWN: %s", reason)
	o.orderMgr.CancelAll()
	for symbol := range o.tracker.OpenSymbols() {
		o.exitPosition(symbol, models.ExitReasonEmergency)
	}
	o.persistTick()
	if err := o.store.SetOperationalState("EMERGENCY_STOPPED", reason); err != nil {
		o.logger.Printf("operational state: %v", err)
	}
	o.notifier.Shutdown("EMERGENCY: " + reason)
}
