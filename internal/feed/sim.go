package feed

import (
	"context"
	"sync"

	"github.com/ronniedreams/nifty-options-agent/internal/models"
)

// SimFeed is an in-process feed driven by Emit. Paper trading and tests use
// it in place of a websocket connection.
type SimFeed struct {
	name string

	mu         sync.Mutex
	symbols    map[string]struct{}
	handler    TickHandler
	reconnects int
}

var _ Feed = (*SimFeed)(nil)

func NewSimFeed(name string) *SimFeed {
	return &SimFeed{name: name, symbols: make(map[string]struct{})}
}

func (f *SimFeed) Name() string { return f.name }

func (f *SimFeed) Subscribe(symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		f.symbols[s] = struct{}{}
	}
	return nil
}

func (f *SimFeed) Unsubscribe(symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		delete(f.symbols, s)
	}
	return nil
}

// Reconnect records the request; there is no socket to cycle.
func (f *SimFeed) Reconnect() {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
}

// Reconnects reports how many forced reconnects were requested.
func (f *SimFeed) Reconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

// Run registers the handler and blocks until ctx ends.
func (f *SimFeed) Run(ctx context.Context, handler TickHandler) error {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// Emit delivers a tick to the registered handler. Ticks for unsubscribed
// symbols are dropped, matching live feed behavior.
func (f *SimFeed) Emit(tick models.Tick) {
	f.mu.Lock()
	handler := f.handler
	_, subscribed := f.symbols[tick.Symbol]
	f.mu.Unlock()
	if handler != nil && subscribed {
		handler(tick)
	}
}
