// Package orders owns every order the strategy has in flight: the single
// entry slot per option type, the stop-loss book, fill detection, broker
// reconciliation, and the cancel/place churn breaker. All calls come from
// the orchestrator tick; the package is not goroutine safe.
package orders

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ronniedreams/nifty-options-agent/internal/broker"
	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/models"
)

// Result of an entry-slot transition.
type Result string

const (
	ResultPlaced    Result = "placed"
	ResultModified  Result = "modified"
	ResultKept      Result = "kept"
	ResultCancelled Result = "cancelled"
	ResultFailed    Result = "failed"
	ResultBlocked   Result = "blocked"
)

// placingSentinel occupies the entry slot before the broker call returns,
// so a broker retry straddling ticks can never double-place.
const placingSentinel = "PLACING"

// terminalMessages are cancel-rejection substrings meaning the order is
// already in a terminal state at the broker, so no cancel verification is
// needed.
var terminalMessages = []string{
	"cancelled status",
	"completed status",
	"rejected status",
	"order not found",
	"invalid order",
}

// EntryOrder is the pending stop-limit SELL for one option type.
type EntryOrder struct {
	OptionType   models.OptionType `json:"option_type"`
	Symbol       string            `json:"symbol"`
	OrderID      string            `json:"order_id"`
	TriggerPrice float64           `json:"trigger_price"`
	LimitPrice   float64           `json:"limit_price"`
	Quantity     int               `json:"quantity"`
	Candidate    *models.Candidate `json:"candidate,omitempty"`
	PlacedAt     time.Time         `json:"placed_at"`
}

// SLOrder is the active stop-limit BUY protecting one open position.
type SLOrder struct {
	Symbol       string    `json:"symbol"`
	OrderID      string    `json:"order_id"`
	TriggerPrice float64   `json:"trigger_price"`
	LimitPrice   float64   `json:"limit_price"`
	Quantity     int       `json:"quantity"`
	PlacedAt     time.Time `json:"placed_at"`
}

// AlertFunc surfaces order incidents to the notifier. Nil is allowed.
type AlertFunc func(format string, args ...interface{})

// Manager is the order state machine.
type Manager struct {
	cfg    *config.Config
	broker broker.Broker
	logger *log.Logger
	alert  AlertFunc

	entries  map[models.OptionType]*EntryOrder
	sls      map[string]*SLOrder
	seenFill map[string]bool
	churn    *churnBreaker

	slFailures int

	now   func() time.Time
	sleep func(time.Duration)
}

// NewManager creates an order manager over the given broker.
func NewManager(cfg *config.Config, b broker.Broker, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	o := cfg.Orders
	return &Manager{
		cfg:    cfg,
		broker: b,
		logger: logger,
		entries:  make(map[models.OptionType]*EntryOrder),
		sls:      make(map[string]*SLOrder),
		seenFill: make(map[string]bool),
		churn: newChurnBreaker(
			time.Duration(o.ChurnCycleWindowSeconds)*time.Second,
			time.Duration(o.ChurnSymbolPeriodSeconds)*time.Second,
			o.ChurnSymbolLimit,
			o.ChurnGlobalLimit,
		),
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// SetAlertFunc registers the incident notifier.
func (m *Manager) SetAlertFunc(fn AlertFunc) { m.alert = fn }

func (m *Manager) alertf(format string, args ...interface{}) {
	m.logger.Printf("[orders] "+format, args...)
	if m.alert != nil {
		m.alert(format, args...)
	}
}

// PendingEntry returns the entry order for an option type, if any.
func (m *Manager) PendingEntry(t models.OptionType) (*EntryOrder, bool) {
	e, ok := m.entries[t]
	return e, ok
}

// PendingEntryCount returns how many entry slots are occupied.
func (m *Manager) PendingEntryCount() int { return len(m.entries) }

// ActiveSL returns the SL order protecting symbol, if any.
func (m *Manager) ActiveSL(symbol string) (*SLOrder, bool) {
	s, ok := m.sls[symbol]
	return s, ok
}

// ActiveSLs returns a snapshot of the SL book.
func (m *Manager) ActiveSLs() []SLOrder {
	out := make([]SLOrder, 0, len(m.sls))
	for _, s := range m.sls {
		out = append(out, *s)
	}
	return out
}

// PendingEntries returns a snapshot of occupied entry slots.
func (m *Manager) PendingEntries() []EntryOrder {
	out := make([]EntryOrder, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out
}

// RestoreEntry reinstates a persisted entry order after restart.
func (m *Manager) RestoreEntry(e EntryOrder) {
	copied := e
	m.entries[e.OptionType] = &copied
}

// RestoreSL reinstates a persisted SL order after restart.
func (m *Manager) RestoreSL(s SLOrder) {
	copied := s
	m.sls[s.Symbol] = &copied
}

// BlockedSymbols returns symbols currently blocked by the churn breaker.
func (m *Manager) BlockedSymbols() []string { return m.churn.blockedSymbols() }

// PauseRequested reports whether the global churn limit has tripped.
func (m *Manager) PauseRequested() bool { return m.churn.pauseRequested() }

// ManageEntry drives the entry slot for one option type toward the desired
// candidate. cand == nil means the slot should be empty.
func (m *Manager) ManageEntry(t models.OptionType, cand *models.Candidate, entryPrice float64) Result {
	existing := m.entries[t]

	if cand == nil {
		if existing == nil {
			return ResultKept
		}
		return m.cancelEntry(t, existing)
	}

	if m.churn.isBlocked(cand.Symbol) {
		return ResultBlocked
	}

	if existing == nil {
		return m.placeEntry(t, cand, entryPrice, ResultPlaced)
	}
	if existing.OrderID == placingSentinel {
		// A previous place is still in flight; never double up.
		return ResultKept
	}

	if existing.Symbol == cand.Symbol {
		drift := entryPrice - existing.TriggerPrice
		if drift < 0 {
			drift = -drift
		}
		// Strictly-greater: drift exactly at the threshold keeps the order.
		if drift <= m.cfg.Risk.ModificationThreshold {
			return ResultKept
		}
		return m.replaceEntry(t, existing, cand, entryPrice, ResultModified)
	}
	return m.replaceEntry(t, existing, cand, entryPrice, ResultPlaced)
}

// cancelEntry empties the slot via cancel-verify. An unverified cancel
// keeps the order: placing over an uncertain order risks duplicates.
func (m *Manager) cancelEntry(t models.OptionType, e *EntryOrder) Result {
	switch m.cancelAndVerify(e.OrderID) {
	case cancelConfirmed:
		m.churn.recordCancel(e.Symbol)
		delete(m.entries, t)
		m.logger.Printf("[orders] cancelled %s entry %s (%s)", t, e.OrderID, e.Symbol)
		return ResultCancelled
	case cancelFilled:
		// The order completed under us; leave it for fill polling.
		m.logger.Printf("[orders] cancel %s found entry %s filled, awaiting fill poll", t, e.OrderID)
		return ResultKept
	default:
		m.alertf("cancel of %s entry %s not verified, keeping existing order", t, e.OrderID)
		return ResultKept
	}
}

// replaceEntry cancels the existing order, verifies, then places the new
// one. Failure to verify keeps the old order and places nothing.
func (m *Manager) replaceEntry(t models.OptionType, existing *EntryOrder, cand *models.Candidate, entryPrice float64, ok Result) Result {
	switch m.cancelAndVerify(existing.OrderID) {
	case cancelConfirmed:
		m.churn.recordCancel(existing.Symbol)
		delete(m.entries, t)
	case cancelFilled:
		m.logger.Printf("[orders] replace %s: entry %s already filled, awaiting fill poll", t, existing.OrderID)
		return ResultKept
	default:
		m.alertf("cancel of %s entry %s not verified, keeping existing order", t, existing.OrderID)
		return ResultKept
	}

	if m.churn.isBlocked(cand.Symbol) {
		return ResultBlocked
	}
	return m.placeEntry(t, cand, entryPrice, ok)
}

// placeEntry installs the in-flight sentinel, then submits the stop-limit
// SELL with retries.
func (m *Manager) placeEntry(t models.OptionType, cand *models.Candidate, entryPrice float64, ok Result) Result {
	limit := entryPrice - m.cfg.Orders.EntryLimitOffset

	m.entries[t] = &EntryOrder{
		OptionType:   t,
		Symbol:       cand.Symbol,
		OrderID:      placingSentinel,
		TriggerPrice: entryPrice,
		LimitPrice:   limit,
		Quantity:     cand.Quantity,
		Candidate:    cand,
		PlacedAt:     m.now(),
	}

	resp, err := m.placeWithRetries(broker.OrderRequest{
		Strategy:     m.cfg.Broker.StrategyTag,
		Symbol:       cand.Symbol,
		Action:       broker.ActionSell,
		Exchange:     m.cfg.Broker.Exchange,
		PriceType:    broker.PriceTypeSL,
		Product:      m.cfg.Broker.Product,
		Quantity:     cand.Quantity,
		Price:        limit,
		TriggerPrice: entryPrice,
	})
	if err != nil || !resp.OK() {
		delete(m.entries, t)
		if err != nil {
			m.alertf("place %s entry %s failed: %v", t, cand.Symbol, err)
		} else {
			m.alertf("place %s entry %s rejected: %s", t, cand.Symbol, resp.Message)
		}
		return ResultFailed
	}

	m.entries[t].OrderID = resp.OrderID
	m.churn.recordPlace(cand.Symbol)
	m.logger.Printf("[orders] placed %s entry %s %s qty %d trigger %.2f limit %.2f",
		t, resp.OrderID, cand.Symbol, cand.Quantity, entryPrice, limit)
	return ok
}

func (m *Manager) placeWithRetries(req broker.OrderRequest) (*broker.OrderResponse, error) {
	delay := time.Duration(m.cfg.Orders.OrderRetryDelaySeconds) * time.Second
	var lastErr error
	for attempt := 1; attempt <= m.cfg.Orders.MaxOrderRetries; attempt++ {
		resp, err := m.broker.PlaceOrder(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		m.logger.Printf("[orders] place %s attempt %d/%d: %v",
			req.Symbol, attempt, m.cfg.Orders.MaxOrderRetries, err)
		if attempt < m.cfg.Orders.MaxOrderRetries {
			m.sleep(delay)
		}
	}
	return nil, fmt.Errorf("place %s: %w", req.Symbol, lastErr)
}

type cancelOutcome int

const (
	cancelConfirmed cancelOutcome = iota
	cancelFilled
	cancelFailed
)

// cancelAndVerify cancels an order and confirms the broker no longer holds
// it open. A cancel rejected with a terminal-state message needs no
// verification; an accepted cancel is verified by polling the orderbook.
func (m *Manager) cancelAndVerify(orderID string) cancelOutcome {
	resp, err := m.broker.CancelOrder(orderID)
	if err != nil {
		m.logger.Printf("[orders] cancel %s: %v", orderID, err)
		return cancelFailed
	}
	if !resp.OK() {
		msg := strings.ToLower(resp.Message)
		for _, t := range terminalMessages {
			if strings.Contains(msg, t) {
				if strings.Contains(msg, "completed status") {
					return cancelFilled
				}
				return cancelConfirmed
			}
		}
		m.logger.Printf("[orders] cancel %s rejected: %s", orderID, resp.Message)
		return cancelFailed
	}
	return m.verifyCancelled(orderID)
}

// verifyCancelled polls the orderbook up to 3 times at 0.5s. Confirmed only
// when the order is absent or terminal without a fill.
func (m *Manager) verifyCancelled(orderID string) cancelOutcome {
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			m.sleep(500 * time.Millisecond)
		}
		book, err := m.broker.Orderbook()
		if err != nil {
			continue
		}
		found := false
		for _, o := range book {
			if o.OrderID != orderID {
				continue
			}
			found = true
			if broker.IsFilledStatus(o.Status) {
				return cancelFilled
			}
			if o.Status == broker.StatusCancelled || o.Status == broker.StatusRejected {
				return cancelConfirmed
			}
		}
		if !found {
			return cancelConfirmed
		}
	}
	return cancelFailed
}

// CheckEntryFills polls the orderbook and returns newly observed fills.
// Rejected and cancelled entries are removed quietly.
func (m *Manager) CheckEntryFills() []models.Fill {
	if len(m.entries) == 0 {
		return nil
	}
	book, err := m.broker.Orderbook()
	if err != nil {
		m.logger.Printf("[orders] fill poll: %v", err)
		return nil
	}

	byID := make(map[string]broker.Order, len(book))
	for _, o := range book {
		byID[o.OrderID] = o
	}

	var fills []models.Fill
	for t, e := range m.entries {
		if e.OrderID == placingSentinel {
			continue
		}
		o, ok := byID[e.OrderID]
		if !ok {
			continue
		}
		switch {
		case broker.IsFilledStatus(o.Status):
			price := o.AveragePrice
			if price == 0 {
				price = e.TriggerPrice
			}
			qty := o.FilledQuantity
			if qty == 0 {
				qty = e.Quantity
			}
			fill := models.Fill{
				Symbol:     e.Symbol,
				OptionType: t,
				OrderID:    e.OrderID,
				FillPrice:  price,
				Quantity:   qty,
				FilledAt:   m.now(),
				Candidate:  e.Candidate,
			}
			delete(m.entries, t)
			if f, ok := m.dedupFill(fill); ok {
				fills = append(fills, f)
			}
		case o.Status == broker.StatusRejected:
			m.logger.Printf("[orders] entry %s rejected: %s", e.OrderID, o.RejectedReason)
			delete(m.entries, t)
		case o.Status == broker.StatusCancelled:
			delete(m.entries, t)
		}
	}
	return fills
}

// dedupFill admits each (symbol, order, price) fill exactly once across the
// polling and reconciliation pathways.
func (m *Manager) dedupFill(f models.Fill) (models.Fill, bool) {
	key := f.DedupKey()
	if m.seenFill[key] {
		return models.Fill{}, false
	}
	m.seenFill[key] = true
	return f, true
}

// PlaceSLOrder submits the stop-limit BUY protecting a fresh position and
// records it in the SL book. Returns the order ID, or "" on failure.
func (m *Manager) PlaceSLOrder(symbol string, trigger float64, qty int) string {
	limit := trigger + m.cfg.Orders.SLLimitOffset
	if trigger >= limit {
		m.alertf("sl order %s invalid: trigger %.2f not below limit %.2f", symbol, trigger, limit)
		m.slFailures++
		return ""
	}

	resp, err := m.placeWithRetries(broker.OrderRequest{
		Strategy:     m.cfg.Broker.StrategyTag,
		Symbol:       symbol,
		Action:       broker.ActionBuy,
		Exchange:     m.cfg.Broker.Exchange,
		PriceType:    broker.PriceTypeSL,
		Product:      m.cfg.Broker.Product,
		Quantity:     qty,
		Price:        limit,
		TriggerPrice: trigger,
	})
	if err != nil || !resp.OK() {
		m.slFailures++
		if err != nil {
			m.alertf("SL order for %s FAILED: %v", symbol, err)
		} else {
			m.alertf("SL order for %s REJECTED: %s", symbol, resp.Message)
		}
		return ""
	}

	m.slFailures = 0
	m.sls[symbol] = &SLOrder{
		Symbol:       symbol,
		OrderID:      resp.OrderID,
		TriggerPrice: trigger,
		LimitPrice:   limit,
		Quantity:     qty,
		PlacedAt:     m.now(),
	}
	m.logger.Printf("[orders] placed SL %s %s qty %d trigger %.2f limit %.2f",
		resp.OrderID, symbol, qty, trigger, limit)
	return resp.OrderID
}

// RemoveSL drops the SL book entry for symbol (position closed).
func (m *Manager) RemoveSL(symbol string) {
	delete(m.sls, symbol)
}

// CancelSL cancels and forgets the SL protecting symbol, ahead of a market
// exit. A cancel rejected because the SL already executed is fine; the fill
// poll picks it up.
func (m *Manager) CancelSL(symbol string) {
	sl, ok := m.sls[symbol]
	if !ok {
		return
	}
	m.cancelAndVerify(sl.OrderID)
	delete(m.sls, symbol)
}

// ShouldHaltTrading reports whether consecutive SL placement failures have
// crossed the safety threshold.
func (m *Manager) ShouldHaltTrading() bool {
	return m.slFailures >= m.cfg.Orders.MaxSLFailureCount
}

// CancelAll best-effort cancels every pending entry and active SL. Used on
// EOD, daily exit, and shutdown.
func (m *Manager) CancelAll() {
	for t, e := range m.entries {
		if e.OrderID != placingSentinel {
			if _, err := m.broker.CancelOrder(e.OrderID); err != nil {
				m.logger.Printf("[orders] cancel entry %s: %v", e.OrderID, err)
			}
		}
		delete(m.entries, t)
	}
	for symbol, s := range m.sls {
		if _, err := m.broker.CancelOrder(s.OrderID); err != nil {
			m.logger.Printf("[orders] cancel SL %s: %v", s.OrderID, err)
		}
		delete(m.sls, symbol)
	}
}

// EmergencyMarketExit force-closes a position with a MARKET BUY, verifying
// against the position book first and trusting the broker's quantity over
// the caller's.
func (m *Manager) EmergencyMarketExit(symbol string, qty int) error {
	positions, err := m.broker.PositionBook()
	if err != nil {
		return fmt.Errorf("emergency exit %s: position book: %w", symbol, err)
	}
	brokerQty := 0
	for _, p := range positions {
		if p.Symbol == symbol {
			brokerQty = p.Quantity
			break
		}
	}
	if brokerQty == 0 {
		m.logger.Printf("[orders] emergency exit %s: no open position at broker, skipping", symbol)
		return nil
	}
	if brokerQty < 0 {
		brokerQty = -brokerQty
	}
	if brokerQty != qty {
		m.alertf("emergency exit %s: broker qty %d != local qty %d, using broker qty", symbol, brokerQty, qty)
	}

	req := broker.OrderRequest{
		Strategy:  m.cfg.Broker.StrategyTag,
		Symbol:    symbol,
		Action:    broker.ActionBuy,
		Exchange:  m.cfg.Broker.Exchange,
		PriceType: broker.PriceTypeMarket,
		Product:   m.cfg.Broker.Product,
		Quantity:  brokerQty,
	}

	delay := time.Duration(m.cfg.Orders.EmergencyExitRetrySeconds) * time.Second
	var lastErr error
	for attempt := 1; attempt <= m.cfg.Orders.EmergencyExitRetryCount; attempt++ {
		resp, err := m.broker.PlaceOrder(req)
		if err == nil && resp.OK() {
			m.logger.Printf("[orders] emergency exit %s qty %d order %s", symbol, brokerQty, resp.OrderID)
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("broker: %s", resp.Message)
		}
		if attempt < m.cfg.Orders.EmergencyExitRetryCount {
			m.sleep(delay)
		}
	}
	return fmt.Errorf("emergency exit %s failed after %d attempts: %w",
		symbol, m.cfg.Orders.EmergencyExitRetryCount, lastErr)
}
