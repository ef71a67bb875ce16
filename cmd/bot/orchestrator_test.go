package main

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronniedreams/nifty-options-agent/internal/broker"
	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/feed"
	"github.com/ronniedreams/nifty-options-agent/internal/models"
	"github.com/ronniedreams/nifty-options-agent/internal/notify"
	"github.com/ronniedreams/nifty-options-agent/internal/pipeline"
	"github.com/ronniedreams/nifty-options-agent/internal/state"
)

const testSymbol = "NIFTY30JAN2526000CE"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	yaml := "environment:\n" +
		"  mode: paper\n" +
		"market:\n" +
		"  expiry: 30JAN25\n" +
		"  atm_strike: 26000\n" +
		"  strike_scan_range: 2\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, *broker.PaperBroker, *state.Store) {
	t.Helper()
	logger := log.New(os.Stderr, "[TEST] ", 0)

	dir := t.TempDir()
	store, err := state.Open(filepath.Join(dir, "state.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	sentinels := state.NewSentinels(dir)

	pb := broker.NewPaperBroker()
	pipe := pipeline.New(cfg, feed.NewSimFeed("primary"), feed.NewSimFeed("backup"), pb, logger)
	notifier, err := notify.New(cfg.Telegram, "", logger)
	require.NoError(t, err)

	return newOrchestrator(cfg, pb, pipe, store, sentinels, notifier, logger), pb, store
}

func TestBuildUniverse(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(t))
	o.buildUniverse()

	// 5 strikes (scan range 2 each side of ATM), both option types.
	assert.Len(t, o.universe, 10)
	assert.Contains(t, o.universe, "NIFTY30JAN2525900CE")
	assert.Contains(t, o.universe, "NIFTY30JAN2526000CE")
	assert.Contains(t, o.universe, "NIFTY30JAN2526100PE")
}

func TestRestoreStateResumesSameDay(t *testing.T) {
	cfg := testConfig(t)
	o, _, store := newTestOrchestrator(t, cfg)

	today := time.Now().In(cfg.Location()).Format("2006-01-02")
	o.tracker.RestoreDaily(2.5, false, "")
	require.NoError(t, store.SaveDailyState(today, o.tracker.Summary()))
	o.tracker.ResetForNewDay()

	require.NoError(t, o.restoreState())
	assert.InDelta(t, 2.5, o.tracker.CumulativeR(), 1e-9)
}

func TestRestoreStateResetsOnNewDay(t *testing.T) {
	o, _, store := newTestOrchestrator(t, testConfig(t))

	o.tracker.RestoreDaily(4.0, true, models.ExitReasonDailyTarget)
	require.NoError(t, store.SaveDailyState("2000-01-03", o.tracker.Summary()))

	require.NoError(t, o.restoreState())
	assert.Zero(t, o.tracker.CumulativeR())
	assert.False(t, o.tracker.DailyExitTriggered())
}

func TestHandleFillOpensPositionAndSL(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(t))

	cand := &models.Candidate{
		Symbol:     testSymbol,
		OptionType: models.OptionCE,
		SLPrice:    112,
		ActualR:    6500,
		SwingTime:  time.Now(),
	}
	o.handleFill(models.Fill{
		Symbol:     testSymbol,
		OptionType: models.OptionCE,
		OrderID:    "F1",
		FillPrice:  101.5,
		Quantity:   65,
		Candidate:  cand,
	})

	pos, ok := o.tracker.Get(testSymbol)
	require.True(t, ok)
	assert.InDelta(t, 101.5, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 112, pos.SLPrice, 1e-9)

	sl, ok := o.orderMgr.ActiveSL(testSymbol)
	require.True(t, ok)
	assert.InDelta(t, 112, sl.TriggerPrice, 1e-9)
	assert.Equal(t, 65, sl.Quantity)
}

func TestHandleFillAfterDailyExitFlattens(t *testing.T) {
	o, pb, _ := newTestOrchestrator(t, testConfig(t))
	o.tracker.RestoreDaily(5.2, true, models.ExitReasonDailyTarget)

	o.handleFill(models.Fill{
		Symbol:     testSymbol,
		OptionType: models.OptionCE,
		OrderID:    "F1",
		FillPrice:  101.5,
		Quantity:   65,
	})

	_, ok := o.tracker.Get(testSymbol)
	assert.False(t, ok, "position must not open after the daily exit")
	_, ok = o.orderMgr.ActiveSL(testSymbol)
	assert.False(t, ok)
	// Broker was flat, so the emergency exit had nothing to send.
	book, err := pb.Orderbook()
	require.NoError(t, err)
	assert.Empty(t, book)
}

func TestExitPositionRecordsClose(t *testing.T) {
	cfg := testConfig(t)
	o, pb, store := newTestOrchestrator(t, cfg)

	// Short 65 at the broker so the market exit has something to cover.
	resp, err := pb.PlaceOrder(broker.OrderRequest{
		Symbol: testSymbol, Action: broker.ActionSell,
		PriceType: broker.PriceTypeMarket, Quantity: 65,
	})
	require.NoError(t, err)
	require.NoError(t, pb.SimulateFill(resp.OrderID, 100))
	_, err = o.tracker.AddPosition(testSymbol, models.OptionCE, 100, 112, 65, 6500, nil)
	require.NoError(t, err)

	o.exitPosition(testSymbol, models.ExitReasonEmergency)

	_, ok := o.tracker.Get(testSymbol)
	assert.False(t, ok)
	trades, err := store.ClosedTradesToday(cfg.Location())
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.ExitReasonEmergency, trades[0].ExitReason)
}

func TestDailyExitClearsCandidates(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(t))
	o.filt.OnSwingLow(models.Swing{
		Symbol: testSymbol, Type: models.SwingLow,
		Price: 100, Timestamp: time.Now(),
	})
	require.NotEmpty(t, o.filt.Candidates())

	o.handleDailyExit(models.ExitReasonDailyTarget)
	assert.Empty(t, o.filt.Candidates())
}

func TestTickKillSwitch(t *testing.T) {
	o, _, store := newTestOrchestrator(t, testConfig(t))
	require.NoError(t, o.sentinels.RequestKill("operator"))

	_, err := o.tick()
	assert.True(t, errors.Is(err, errKillSwitch))

	op, found, err := store.LoadOperationalState()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "KILLED", op.State)
}

func TestWatchdogEscalatesToFatal(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(t))
	require.NoError(t, o.pipe.Track(testSymbol))

	// No ticks ever arrive, so coverage stays at zero.
	now := time.Now()
	for i := 0; i < maxWatchdogFails-1; i++ {
		require.NoError(t, o.watchdog(now))
		now = now.Add(watchdogInterval)
	}
	err := o.watchdog(now)
	assert.True(t, errors.Is(err, errFatal))
}

func TestStatusReflectsHeartbeat(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(t))
	o.heartbeat(time.Now())
	assert.Contains(t, o.Status(), "open 0")
}
