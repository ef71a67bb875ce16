package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ronniedreams/nifty-options-agent/internal/models"
)

const (
	writeTimeout = 5 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
)

// WSFeed is a websocket quote feed speaking the gateway's market data
// protocol: authenticate, subscribe per symbol, then a stream of quote
// frames. It reconnects with bounded retries and replays subscriptions.
type WSFeed struct {
	name     string
	url      string
	apiKey   string
	exchange string
	logger   *log.Logger
	loc      *time.Location

	maxRetries int
	retryDelay time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols map[string]struct{}
}

var _ Feed = (*WSFeed)(nil)

// NewWSFeed creates a feed client for one websocket endpoint.
func NewWSFeed(name, url, apiKey, exchange string, maxRetries int, retryDelay time.Duration, loc *time.Location, logger *log.Logger) *WSFeed {
	if logger == nil {
		logger = log.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &WSFeed{
		name:       name,
		url:        url,
		apiKey:     apiKey,
		exchange:   exchange,
		logger:     logger,
		loc:        loc,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		symbols:    make(map[string]struct{}),
	}
}

// Name identifies the feed in logs and failover decisions.
func (f *WSFeed) Name() string { return f.name }

// Reconnect closes the live socket; the read loop in Run sees the error and
// re-dials, replaying subscriptions.
func (f *WSFeed) Reconnect() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		f.logger.Printf("[feed:%s] forced reconnect", f.name)
		_ = conn.Close()
	}
}

// Subscribe adds symbols and, when connected, sends subscribe frames.
func (f *WSFeed) Subscribe(symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range symbols {
		f.symbols[s] = struct{}{}
	}
	if f.conn == nil {
		return nil
	}
	return f.sendSubscriptionLocked("subscribe", symbols)
}

// Unsubscribe drops symbols and, when connected, sends unsubscribe frames.
func (f *WSFeed) Unsubscribe(symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range symbols {
		delete(f.symbols, s)
	}
	if f.conn == nil {
		return nil
	}
	return f.sendSubscriptionLocked("unsubscribe", symbols)
}

func (f *WSFeed) sendSubscriptionLocked(action string, symbols []string) error {
	for _, s := range symbols {
		msg := map[string]interface{}{
			"action":   action,
			"symbol":   s,
			"exchange": f.exchange,
			"mode":     "quote",
		}
		if err := f.writeJSONLocked(msg); err != nil {
			return fmt.Errorf("%s %s: %w", action, s, err)
		}
	}
	return nil
}

func (f *WSFeed) writeJSONLocked(v interface{}) error {
	if f.conn == nil {
		return fmt.Errorf("feed %s not connected", f.name)
	}
	_ = f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

// Run connects and pumps ticks until ctx ends. Each disconnect is retried up
// to maxRetries times; after that Run returns the last error so the caller
// can decide whether to alert and restart.
func (f *WSFeed) Run(ctx context.Context, handler TickHandler) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := f.runOnce(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if attempts > f.maxRetries {
			return fmt.Errorf("feed %s: gave up after %d reconnect attempts: %w", f.name, f.maxRetries, err)
		}
		f.logger.Printf("[feed:%s] disconnected (%v), reconnecting in %s (attempt %d/%d)",
			f.name, err, f.retryDelay, attempts, f.maxRetries)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.retryDelay):
		}
	}
}

func (f *WSFeed) runOnce(ctx context.Context, handler TickHandler) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}
	defer func() { _ = conn.Close() }()

	f.mu.Lock()
	f.conn = conn
	authErr := f.writeJSONLocked(map[string]interface{}{
		"action": "authenticate",
		"apikey": f.apiKey,
	})
	var pending []string
	for s := range f.symbols {
		pending = append(pending, s)
	}
	if authErr == nil && len(pending) > 0 {
		authErr = f.sendSubscriptionLocked("subscribe", pending)
	}
	f.mu.Unlock()
	if authErr != nil {
		return authErr
	}
	f.logger.Printf("[feed:%s] connected, %d symbols subscribed", f.name, len(pending))

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go f.pingLoop(ctx, conn, done)

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			f.conn = nil
			f.mu.Unlock()
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		tick, ok := f.decodeTick(raw)
		if !ok {
			continue
		}
		handler(tick)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			f.mu.Lock()
			if f.conn == conn {
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = conn.WriteMessage(websocket.PingMessage, nil)
			}
			f.mu.Unlock()
		}
	}
}

// quoteFrame is one market data frame. Control frames (auth acks, subscribe
// acks, errors) carry no symbol and are skipped.
type quoteFrame struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol"`
	Data   json.RawMessage `json:"data"`

	LTP          json.Number `json:"ltp"`
	Volume       json.Number `json:"volume"`
	AveragePrice json.Number `json:"average_price"`
	Timestamp    json.Number `json:"timestamp"`
}

func (f *WSFeed) decodeTick(raw []byte) (models.Tick, bool) {
	var frame quoteFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return models.Tick{}, false
	}
	// Quote fields may sit at the top level or nested under "data".
	if len(frame.Data) > 0 && frame.LTP == "" {
		var inner quoteFrame
		if err := json.Unmarshal(frame.Data, &inner); err == nil {
			inner.Symbol = frame.Symbol
			frame = inner
		}
	}
	if frame.Symbol == "" || frame.LTP == "" {
		return models.Tick{}, false
	}

	ltp, err := frame.LTP.Float64()
	if err != nil || ltp <= 0 {
		return models.Tick{}, false
	}

	tick := models.Tick{
		Symbol:    frame.Symbol,
		LTP:       ltp,
		Timestamp: time.Now().In(f.loc),
	}
	if v, err := frame.Volume.Int64(); err == nil {
		tick.Volume = v
	}
	if ap, err := frame.AveragePrice.Float64(); err == nil {
		tick.AveragePrice = ap
	}
	if ts := strings.TrimSpace(frame.Timestamp.String()); ts != "" {
		if secs, err := strconv.ParseInt(ts, 10, 64); err == nil && secs > 0 {
			// Exchange timestamps arrive in seconds or milliseconds.
			if secs > 1e12 {
				tick.Timestamp = time.UnixMilli(secs).In(f.loc)
			} else {
				tick.Timestamp = time.Unix(secs, 0).In(f.loc)
			}
		}
	}
	return tick, true
}
