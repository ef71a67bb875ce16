package orders

import (
	"time"
)

// churnBreaker detects cancel/place loops. A cycle is a cancel followed by a
// place of the same symbol within the cycle window. Symbols exceeding the
// per-symbol cycle limit inside the rolling period are blocked; exceeding
// the global limit signals a strategy pause.
type churnBreaker struct {
	cycleWindow  time.Duration
	symbolPeriod time.Duration
	symbolLimit  int
	globalLimit  int

	cancels map[string][]time.Time
	cycles  map[string][]time.Time
	global  []time.Time
	blocked map[string]bool
	pause   bool

	now func() time.Time
}

func newChurnBreaker(cycleWindow, symbolPeriod time.Duration, symbolLimit, globalLimit int) *churnBreaker {
	return &churnBreaker{
		cycleWindow:  cycleWindow,
		symbolPeriod: symbolPeriod,
		symbolLimit:  symbolLimit,
		globalLimit:  globalLimit,
		cancels:      make(map[string][]time.Time),
		cycles:       make(map[string][]time.Time),
		blocked:      make(map[string]bool),
		now:          time.Now,
	}
}

func (c *churnBreaker) recordCancel(symbol string) {
	now := c.now()
	c.cancels[symbol] = append(c.prune(c.cancels[symbol], now, c.cycleWindow), now)
}

// recordPlace closes a cycle when a recent cancel for the same symbol
// exists, then re-evaluates the limits.
func (c *churnBreaker) recordPlace(symbol string) {
	now := c.now()
	recent := c.prune(c.cancels[symbol], now, c.cycleWindow)
	c.cancels[symbol] = recent
	if len(recent) == 0 {
		return
	}
	// Consume the oldest matching cancel so one cancel pairs with one place.
	c.cancels[symbol] = recent[1:]

	c.cycles[symbol] = append(c.prune(c.cycles[symbol], now, c.symbolPeriod), now)
	c.global = append(c.prune(c.global, now, c.symbolPeriod), now)

	if len(c.cycles[symbol]) >= c.symbolLimit {
		c.blocked[symbol] = true
	}
	if len(c.global) >= c.globalLimit {
		c.pause = true
	}
}

func (c *churnBreaker) prune(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for cut < len(times) && now.Sub(times[cut]) > window {
		cut++
	}
	return times[cut:]
}

func (c *churnBreaker) isBlocked(symbol string) bool {
	if !c.blocked[symbol] {
		return false
	}
	// Unblock once the rolling period has drained.
	if len(c.prune(c.cycles[symbol], c.now(), c.symbolPeriod)) < c.symbolLimit {
		delete(c.blocked, symbol)
		return false
	}
	return true
}

// pauseRequested latches once the global limit trips; the orchestrator
// answers by creating the pause sentinel.
func (c *churnBreaker) pauseRequested() bool { return c.pause }

func (c *churnBreaker) blockedSymbols() []string {
	var out []string
	for s := range c.blocked {
		if c.isBlocked(s) {
			out = append(out, s)
		}
	}
	return out
}
