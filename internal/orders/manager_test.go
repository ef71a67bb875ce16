package orders

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
	"github.com/ronniedreams/nifty-options-agent/internal/models"
)

const (
	symA = "NIFTY30JAN2526000CE"
	symB = "NIFTY30JAN2526100CE"
)

// fakeBroker wraps the paper broker with scriptable failure modes.
type fakeBroker struct {
	*broker.PaperBroker
	placeErr    error
	placeResp   *broker.OrderResponse
	cancelFn    func(orderID string) (*broker.OrderResponse, error)
	orderbookFn func() ([]broker.Order, error)
	positionsFn func() ([]broker.PositionItem, error)
	placeCalls  int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{PaperBroker: broker.NewPaperBroker()}
}

func (f *fakeBroker) PlaceOrder(req broker.OrderRequest) (*broker.OrderResponse, error) {
	f.placeCalls++
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	if f.placeResp != nil {
		return f.placeResp, nil
	}
	return f.PaperBroker.PlaceOrder(req)
}

func (f *fakeBroker) CancelOrder(orderID string) (*broker.OrderResponse, error) {
	if f.cancelFn != nil {
		return f.cancelFn(orderID)
	}
	return f.PaperBroker.CancelOrder(orderID)
}

func (f *fakeBroker) Orderbook() ([]broker.Order, error) {
	if f.orderbookFn != nil {
		return f.orderbookFn()
	}
	return f.PaperBroker.Orderbook()
}

func (f *fakeBroker) PositionBook() ([]broker.PositionItem, error) {
	if f.positionsFn != nil {
		return f.positionsFn()
	}
	return f.PaperBroker.PositionBook()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment:\n  mode: paper\n"), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func newTestManager(t *testing.T, fb *fakeBroker) *Manager {
	t.Helper()
	m := NewManager(testConfig(t), fb, log.New(os.Stderr, "", 0))
	m.sleep = func(time.Duration) {}
	return m
}

func candidate(symbol string, entry float64) *models.Candidate {
	return &models.Candidate{
		Symbol:     symbol,
		OptionType: models.OptionType("CE"),
		EntryPrice: entry,
		Quantity:   650,
		Qualified:  true,
	}
}

func TestPlaceEntry(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	res := m.ManageEntry(models.OptionCE, candidate(symA, 99.95), 99.95)
	assert.Equal(t, ResultPlaced, res)

	e, ok := m.PendingEntry(models.OptionCE)
	require.True(t, ok)
	assert.Equal(t, symA, e.Symbol)
	assert.NotEqual(t, placingSentinel, e.OrderID)
	assert.InDelta(t, 99.95, e.TriggerPrice, 1e-9)
	assert.InDelta(t, 96.95, e.LimitPrice, 1e-9) // trigger minus entry offset
	assert.Equal(t, 1, m.PendingEntryCount())
}

func TestPlaceFailureClearsSlot(t *testing.T) {
	fb := newFakeBroker()
	fb.placeErr = errors.New("gateway down")
	m := newTestManager(t, fb)

	res := m.ManageEntry(models.OptionCE, candidate(symA, 99.95), 99.95)
	assert.Equal(t, ResultFailed, res)
	assert.Equal(t, 0, m.PendingEntryCount())
	// Retried the configured number of times.
	assert.Equal(t, 3, fb.placeCalls)
}

func TestDriftWithinThresholdKept(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	m.ManageEntry(models.OptionCE, candidate(symA, 99.95), 99.95)

	// Exactly the threshold is kept, not modified.
	res := m.ManageEntry(models.OptionCE, candidate(symA, 100.95), 100.95)
	assert.Equal(t, ResultKept, res)

	e, _ := m.PendingEntry(models.OptionCE)
	assert.InDelta(t, 99.95, e.TriggerPrice, 1e-9)
}

func TestDriftBeyondThresholdModifies(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	m.ManageEntry(models.OptionCE, candidate(symA, 99.95), 99.95)
	first, _ := m.PendingEntry(models.OptionCE)

	res := m.ManageEntry(models.OptionCE, candidate(symA, 101.00), 101.00)
	assert.Equal(t, ResultModified, res)

	e, ok := m.PendingEntry(models.OptionCE)
	require.True(t, ok)
	assert.NotEqual(t, first.OrderID, e.OrderID)
	assert.InDelta(t, 101.00, e.TriggerPrice, 1e-9)
}

func TestSymbolSwitchCancelsThenPlaces(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	m.ManageEntry(models.OptionCE, candidate(symA, 99.95), 99.95)
	res := m.ManageEntry(models.OptionCE, candidate(symB, 120.00), 120.00)
	assert.Equal(t, ResultPlaced, res)

	e, ok := m.PendingEntry(models.OptionCE)
	require.True(t, ok)
	assert.Equal(t, symB, e.Symbol)
	assert.Equal(t, 1, m.PendingEntryCount())
}

func TestSwitchBlockedByUnverifiedCancel(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	m.ManageEntry(models.OptionCE, candidate(symA, 99.95), 99.95)
	first, _ := m.PendingEntry(models.OptionCE)

	// Broker refuses the cancel with a non-terminal error.
	fb.cancelFn = func(string) (*broker.OrderResponse, error) {
		return &broker.OrderResponse{Status: "error", Message: "order in triggered state"}, nil
	}

	res := m.ManageEntry(models.OptionCE, candidate(symB, 120.00), 120.00)
	assert.Equal(t, ResultKept, res)

	// No placement for B; A remains; never two orders.
	e, ok := m.PendingEntry(models.OptionCE)
	require.True(t, ok)
	assert.Equal(t, symA, e.Symbol)
	assert.Equal(t, first.OrderID, e.OrderID)
	assert.Equal(t, 1, m.PendingEntryCount())
}

func TestCancelVerificationTimeoutKeeps(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	m.ManageEntry(models.OptionCE, candidate(symA, 99.95), 99.95)
	first, _ := m.PendingEntry(models.OptionCE)

	// Cancel is accepted but the order never leaves the book.
	fb.cancelFn = func(orderID string) (*broker.OrderResponse, error) {
		return &broker.OrderResponse{Status: "success", OrderID: orderID}, nil
	}
	fb.orderbookFn = func() ([]broker.Order, error) {
		return []broker.Order{{OrderID: first.OrderID, Symbol: symA, Status: broker.StatusOpen}}, nil
	}

	res := m.ManageEntry(models.OptionCE, nil, 0)
	assert.Equal(t, ResultKept, res)
	assert.Equal(t, 1, m.PendingEntryCount())
}

func TestCancelTerminalMessageSkipsVerification(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	m.ManageEntry(models.OptionCE, candidate(symA, 99.95), 99.95)
	fb.cancelFn = func(string) (*broker.OrderResponse, error) {
		return &broker.OrderResponse{Status: "error", Message: "Order not found"}, nil
	}

	res := m.ManageEntry(models.OptionCE, nil, 0)
	assert.Equal(t, ResultCancelled, res)
	assert.Equal(t, 0, m.PendingEntryCount())
}

func TestCancelCompletedStatusAwaitsFillPoll(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	m.ManageEntry(models.OptionCE, candidate(symA, 99.95), 99.95)
	fb.cancelFn = func(string) (*broker.OrderResponse, error) {
		return &broker.OrderResponse{Status: "error", Message: "order is in completed status"}, nil
	}

	res := m.ManageEntry(models.OptionCE, candidate(symB, 120.00), 120.00)
	assert.Equal(t, ResultKept, res)

	// The filled entry stays for CheckEntryFills to process.
	e, ok := m.PendingEntry(models.OptionCE)
	require.True(t, ok)
	assert.Equal(t, symA, e.Symbol)
}

func TestManageEntryNilWithEmptySlot(t *testing.T) {
	m := newTestManager(t, newFakeBroker())
	assert.Equal(t, ResultKept, m.ManageEntry(models.OptionCE, nil, 0))
	assert.Equal(t, 0, m.PendingEntryCount())
}

func TestInFlightSentinelPreventsDoublePlace(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	m.RestoreEntry(EntryOrder{OptionType: models.OptionCE, Symbol: symA, OrderID: placingSentinel})
	res := m.ManageEntry(models.OptionCE, candidate(symA, 99.95), 99.95)
	assert.Equal(t, ResultKept, res)
	assert.Equal(t, 0, fb.placeCalls)
}

func TestCheckEntryFillsDedupes(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	m.ManageEntry(models.OptionCE, candidate(symA, 99.95), 99.95)
	e, _ := m.PendingEntry(models.OptionCE)
	require.NoError(t, fb.SimulateFill(e.OrderID, 99.95))

	fills := m.CheckEntryFills()
	require.Len(t, fills, 1)
	assert.Equal(t, symA, fills[0].Symbol)
	assert.InDelta(t, 99.95, fills[0].FillPrice, 1e-9)
	assert.Equal(t, 650, fills[0].Quantity)
	assert.Equal(t, 0, m.PendingEntryCount())

	// Same fill surfacing through reconciliation is suppressed.
	m.RestoreEntry(*e)
	report, err := m.ReconcileWithBroker(nil)
	require.NoError(t, err)
	assert.Empty(t, report.Fills)
	assert.Equal(t, 0, m.PendingEntryCount())
}

func TestRejectedEntryRemovedQuietly(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	m.ManageEntry(models.OptionCE, candidate(symA, 99.95), 99.95)
	e, _ := m.PendingEntry(models.OptionCE)
	require.NoError(t, fb.SimulateReject(e.OrderID, "margin shortfall"))

	fills := m.CheckEntryFills()
	assert.Empty(t, fills)
	assert.Equal(t, 0, m.PendingEntryCount())
}

func TestChurnBlocksThirdPlace(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)
	cand := candidate(symA, 99.95)

	// Two cancel->place cycles.
	assert.Equal(t, ResultPlaced, m.ManageEntry(models.OptionCE, cand, 99.95))
	assert.Equal(t, ResultCancelled, m.ManageEntry(models.OptionCE, nil, 0))
	assert.Equal(t, ResultPlaced, m.ManageEntry(models.OptionCE, cand, 99.95))
	assert.Equal(t, ResultCancelled, m.ManageEntry(models.OptionCE, nil, 0))
	assert.Equal(t, ResultPlaced, m.ManageEntry(models.OptionCE, cand, 99.95))
	assert.Equal(t, ResultCancelled, m.ManageEntry(models.OptionCE, nil, 0))

	// Third place for the symbol inside the period is blocked.
	assert.Equal(t, ResultBlocked, m.ManageEntry(models.OptionCE, cand, 99.95))
	assert.Contains(t, m.BlockedSymbols(), symA)
}

func TestPlaceSLOrder(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	id := m.PlaceSLOrder(symA, 106.00, 650)
	require.NotEmpty(t, id)

	sl, ok := m.ActiveSL(symA)
	require.True(t, ok)
	assert.InDelta(t, 106.00, sl.TriggerPrice, 1e-9)
	assert.InDelta(t, 109.00, sl.LimitPrice, 1e-9)
	assert.False(t, m.ShouldHaltTrading())
}

func TestConsecutiveSLFailuresHaltTrading(t *testing.T) {
	fb := newFakeBroker()
	fb.placeErr = errors.New("gateway down")
	m := newTestManager(t, fb)

	for i := 0; i < 3; i++ {
		assert.Empty(t, m.PlaceSLOrder(symA, 106.00, 650))
	}
	assert.True(t, m.ShouldHaltTrading())

	// A success resets the streak.
	fb.placeErr = nil
	require.NotEmpty(t, m.PlaceSLOrder(symB, 120.00, 650))
	assert.False(t, m.ShouldHaltTrading())
}

func TestEmergencyExitUsesBrokerQuantity(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	// Local tracker says 650 but the broker holds a short of 520.
	fb.positionsFn = func() ([]broker.PositionItem, error) {
		return []broker.PositionItem{{Symbol: symA, Quantity: -520}}, nil
	}

	require.NoError(t, m.EmergencyMarketExit(symA, 650))

	orders, _ := fb.PaperBroker.Orderbook()
	require.Len(t, orders, 1)
	assert.Equal(t, 520, orders[0].Quantity)
}

func TestEmergencyExitSkipsWhenNoBrokerPosition(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	require.NoError(t, m.EmergencyMarketExit(symA, 650))
	assert.Equal(t, 0, fb.placeCalls)
}

func TestEmergencyExitRetriesThenFails(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	fb.positionsFn = func() ([]broker.PositionItem, error) {
		return []broker.PositionItem{{Symbol: symA, Quantity: -650}}, nil
	}
	fb.placeErr = errors.New("gateway down")

	err := m.EmergencyMarketExit(symA, 650)
	require.Error(t, err)
	assert.Equal(t, 3, fb.placeCalls)
}

func TestCancelAllEmptiesBooks(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	m.ManageEntry(models.OptionCE, candidate(symA, 99.95), 99.95)
	m.PlaceSLOrder(symB, 120.00, 650)

	m.CancelAll()
	assert.Equal(t, 0, m.PendingEntryCount())
	assert.Empty(t, m.ActiveSLs())

	orders, _ := fb.PaperBroker.Orderbook()
	for _, o := range orders {
		assert.Equal(t, broker.StatusCancelled, o.Status)
	}
}

func TestReconcileRecoversMissedFill(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	// Crash recovery: a restored entry that filled while offline.
	m.ManageEntry(models.OptionCE, candidate(symA, 102.50), 102.50)
	e, _ := m.PendingEntry(models.OptionCE)
	require.NoError(t, fb.SimulateFill(e.OrderID, 102.50))

	report, err := m.ReconcileWithBroker(nil)
	require.NoError(t, err)
	require.Len(t, report.Fills, 1)
	assert.InDelta(t, 102.50, report.Fills[0].FillPrice, 1e-9)
	assert.Equal(t, 0, m.PendingEntryCount())
}

func TestReconcileDropsUnknownEntriesAndFlagsMissingSL(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	m.RestoreEntry(EntryOrder{OptionType: models.OptionCE, Symbol: symA, OrderID: "GONE-1", TriggerPrice: 99.95})
	m.RestoreSL(SLOrder{Symbol: symB, OrderID: "GONE-2", TriggerPrice: 120.00})

	report, err := m.ReconcileWithBroker(map[string]int{symA: 650, symB: 650})
	require.NoError(t, err)
	assert.Len(t, report.RemovedEntries, 1)
	assert.ElementsMatch(t, []string{symA, symB}, report.MissingSL)
	assert.Equal(t, 0, m.PendingEntryCount())
}

func TestCheckSLFills(t *testing.T) {
	fb := newFakeBroker()
	m := newTestManager(t, fb)

	id := m.PlaceSLOrder(symA, 106.00, 650)
	require.NotEmpty(t, id)
	require.NoError(t, fb.SimulateFill(id, 106.20))

	fills := m.CheckSLFills()
	require.Len(t, fills, 1)
	assert.Equal(t, symA, fills[0].Symbol)
	assert.InDelta(t, 106.20, fills[0].FillPrice, 1e-9)
	_, ok := m.ActiveSL(symA)
	assert.False(t, ok)
}
