// Package feed delivers live option quotes. Two independent websocket feeds
// run side by side so the bar pipeline can fail over when the primary stalls.
package feed

import (
	"context"

	"github.com/ronniedreams/nifty-options-agent/internal/models"
)

// TickHandler receives every decoded tick. Handlers must be fast; the read
// loop blocks on them.
type TickHandler func(tick models.Tick)

// Feed is a live quote source identified by role ("primary" or "backup").
type Feed interface {
	// Name identifies the feed in logs and failover decisions.
	Name() string
	// Subscribe adds symbols to the live subscription. Safe to call before
	// and after Run; subscriptions are replayed on reconnect.
	Subscribe(symbols ...string) error
	// Unsubscribe drops symbols from the live subscription.
	Unsubscribe(symbols ...string) error
	// Run connects and pumps ticks to the handler until ctx is cancelled.
	Run(ctx context.Context, handler TickHandler) error
	// Reconnect forces the current connection to drop so Run re-dials with
	// a fresh socket and replays subscriptions. No-op when not connected.
	Reconnect()
}
