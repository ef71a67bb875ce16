package pipeline

import (
	"context"
	"time"

	"github.com/ronniedreams/nifty-options-agent/internal/models"
)

// Health summarizes data freshness across tracked symbols.
type Health struct {
	ActiveFeed          string
	TrackedSymbols      int
	FreshSymbols        int
	Coverage            float64
	StaleSymbols        []string
	ConsecutiveFailures int
}

// monitorLoop drives failover, switchback, and the freshness watchdog.
func (p *Pipeline) monitorLoop(ctx context.Context) error {
	interval := time.Duration(p.cfg.MonitorIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.checkFailover(ctx)
			p.checkFreshness(ctx)
		}
	}
}

func (p *Pipeline) checkFailover(ctx context.Context) {
	now := p.now()
	noTick := time.Duration(p.cfg.NoTickThresholdSeconds) * time.Second
	switchback := time.Duration(p.cfg.SwitchbackThresholdSeconds) * time.Second

	p.mu.Lock()
	primaryLast := p.feedLast[RolePrimary]
	backupLast := p.feedLast[RoleBackup]
	steadySince := p.primarySteadySince
	active := p.active
	p.mu.Unlock()

	switch active {
	case RolePrimary:
		// Fail over only when the primary is silent AND the backup is alive;
		// both silent means the market itself is quiet.
		primaryStale := !primaryLast.IsZero() && now.Sub(primaryLast) > noTick
		backupFresh := !backupLast.IsZero() && now.Sub(backupLast) <= noTick
		if primaryStale && backupFresh {
			p.switchTo(RoleBackup)
			go p.reconnectPrimary(ctx)
		}
	case RoleBackup:
		primaryFresh := !primaryLast.IsZero() && now.Sub(primaryLast) <= noTick
		steady := !steadySince.IsZero() && now.Sub(steadySince) >= switchback
		if primaryFresh && steady {
			p.switchTo(RolePrimary)
		}
	}
}

// switchTo flips the active feed and replays the new feed's shadow ticks so
// bar building resumes without a hole.
func (p *Pipeline) switchTo(role string) {
	now := p.now()

	p.mu.Lock()
	if p.active == role {
		p.mu.Unlock()
		return
	}
	p.active = role

	var sealed []models.Bar
	shadow := p.shadow
	p.shadow = make(map[string]models.Tick)
	for symbol, tick := range shadow {
		st, ok := p.symbols[symbol]
		if !ok {
			continue
		}
		st.lastTick = tick
		st.lastTickAt = now
		if p.conf.IsWithinMarketHours(tick.Timestamp) {
			sealed = append(sealed, p.processTickLocked(st, tick)...)
		}
	}
	p.mu.Unlock()

	p.emit(sealed)
	p.alertf("feed failover: %s is now active", role)
}

// checkFreshness guards per-symbol coverage. A whole-feed timestamp can
// stay fresh while most symbols starve, so three consecutive sub-coverage
// passes during market hours fail over to the backup (when it is alive)
// and kick a primary reconnect.
func (p *Pipeline) checkFreshness(ctx context.Context) {
	now := p.now()
	if !p.conf.IsWithinMarketHours(now) {
		p.mu.Lock()
		p.healthFailures = 0
		p.mu.Unlock()
		return
	}

	h := p.HealthSnapshot()
	p.mu.Lock()
	if h.TrackedSymbols == 0 || h.Coverage >= p.cfg.MinDataCoverage {
		p.healthFailures = 0
		p.mu.Unlock()
		return
	}
	p.healthFailures++
	failures := p.healthFailures
	if failures >= 3 {
		p.healthFailures = 0
	}
	active := p.active
	backupLast := p.feedLast[RoleBackup]
	p.mu.Unlock()

	if failures < 3 {
		return
	}
	p.alertf("data coverage %.0f%% below %.0f%% for %d consecutive checks (stale: %v)",
		h.Coverage*100, p.cfg.MinDataCoverage*100, failures, h.StaleSymbols)

	noTick := time.Duration(p.cfg.NoTickThresholdSeconds) * time.Second
	if active == RolePrimary && !backupLast.IsZero() && now.Sub(backupLast) <= noTick {
		p.switchTo(RoleBackup)
	}
	go p.reconnectPrimary(ctx)
}

// reconnectPrimary forces the primary feed to re-dial and repairs bar
// state afterwards: partial bars and tick timestamps from the dead
// connection are dropped, the minutes missed while disconnected are
// backfilled from history, and if the pipeline had failed over and the
// primary is ticking again, it becomes active again.
func (p *Pipeline) reconnectPrimary(ctx context.Context) {
	p.mu.Lock()
	if p.reconnecting {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	if p.active == RolePrimary {
		for _, st := range p.symbols {
			st.building = nil
			st.lastTick = models.Tick{}
			st.lastTickAt = time.Time{}
		}
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	p.logger.Printf("[pipeline] reconnecting primary feed")
	p.primary.Reconnect()

	// Let the dial and subscription replay land before verifying.
	select {
	case <-ctx.Done():
		return
	case <-time.After(p.reconnectWait):
	}

	now := p.now()
	p.mu.Lock()
	last := p.feedLast[RolePrimary]
	active := p.active
	p.mu.Unlock()

	noTick := time.Duration(p.cfg.NoTickThresholdSeconds) * time.Second
	fresh := !last.IsZero() && now.Sub(last) <= noTick
	if !fresh {
		p.alertf("primary feed still silent after reconnect")
	}

	p.fillGaps(ctx)

	if active == RoleBackup && fresh {
		p.switchTo(RolePrimary)
	}
}

// HealthSnapshot reports per-symbol freshness against the stale timeout.
func (p *Pipeline) HealthSnapshot() Health {
	now := p.now()
	staleAfter := time.Duration(p.cfg.StaleDataTimeoutSeconds) * time.Second

	p.mu.Lock()
	defer p.mu.Unlock()

	h := Health{
		ActiveFeed:          p.active,
		TrackedSymbols:      len(p.symbols),
		ConsecutiveFailures: p.healthFailures,
	}
	for symbol, st := range p.symbols {
		if !st.lastTickAt.IsZero() && now.Sub(st.lastTickAt) <= staleAfter {
			h.FreshSymbols++
		} else {
			h.StaleSymbols = append(h.StaleSymbols, symbol)
		}
	}
	if h.TrackedSymbols > 0 {
		h.Coverage = float64(h.FreshSymbols) / float64(h.TrackedSymbols)
	}
	return h
}

// IsBarFresh reports whether symbol's newest sealed bar is younger than the
// max bar age. Strategy decisions require a fresh bar.
func (p *Pipeline) IsBarFresh(symbol string) bool {
	maxAge := time.Duration(p.cfg.MaxBarAgeSeconds) * time.Second
	bar, ok := p.LastBar(symbol)
	if !ok {
		return false
	}
	return p.now().Sub(bar.Timestamp) <= maxAge+time.Minute
}
