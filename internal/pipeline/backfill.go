package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/ronniedreams/nifty-options-agent/internal/broker"
	"github.com/ronniedreams/nifty-options-agent/internal/models"
)

// Backfill seeds bars and VWAP accumulators from broker history for all
// tracked symbols, from market open to now. Symbols that stay below the
// minimum history coverage after the configured retries drop to ATP mode,
// where the exchange average trade price stands in for computed VWAP.
func (p *Pipeline) Backfill(ctx context.Context) error {
	if p.hist == nil {
		return nil
	}

	pending := p.Tracked()
	retryDelay := time.Duration(p.cfg.HistoryRetryDelaySeconds) * time.Second

	for attempt := 1; attempt <= p.cfg.HistoryRetries && len(pending) > 0; attempt++ {
		if attempt > 1 {
			p.logger.Printf("[pipeline] history retry %d/%d for %d symbols",
				attempt, p.cfg.HistoryRetries, len(pending))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		var short []string
		for _, symbol := range pending {
			covered, err := p.backfillSymbol(symbol)
			if err != nil {
				p.logger.Printf("[pipeline] history %s: %v", symbol, err)
				short = append(short, symbol)
				continue
			}
			if covered < p.cfg.HistoryMinCoverage {
				short = append(short, symbol)
			}
		}
		pending = short
	}

	if len(pending) > 0 {
		p.mu.Lock()
		for _, symbol := range pending {
			if st, ok := p.symbols[symbol]; ok {
				st.atpMode = true
			}
		}
		p.mu.Unlock()
		p.alertf("history coverage short for %v, using average trade price as VWAP", pending)
	}
	return nil
}

// backfillSymbol fetches the day's minute bars and rebuilds the symbol's
// sealed-bar series and VWAP accumulators from them. Returns the fraction
// of expected session minutes covered.
func (p *Pipeline) backfillSymbol(symbol string) (float64, error) {
	now := p.now().In(p.loc)
	open := p.conf.MarketOpenAt(now)
	if now.Before(open) {
		return 1, nil
	}

	rows, err := p.hist.History(symbol, open, now)
	if err != nil {
		return 0, err
	}

	bars := p.sessionBars(symbol, rows, open, now.Truncate(time.Minute))

	expected := int(now.Truncate(time.Minute).Sub(open)/time.Minute) + 1
	if expected < 1 {
		expected = 1
	}
	covered := float64(len(bars)) / float64(expected)

	p.mu.Lock()
	st, ok := p.symbols[symbol]
	if ok {
		st.bars = bars
		st.sumPV, st.sumVol = 0, 0
		for i := range st.bars {
			vol := float64(st.bars[i].Volume)
			if vol <= 0 {
				vol = 1
			}
			st.sumPV += st.bars[i].TypicalPrice() * vol
			st.sumVol += vol
			st.bars[i].VWAP = st.sumPV / st.sumVol
		}
		p.pruneLocked(st)
	}
	p.mu.Unlock()

	return covered, nil
}

// sessionBars converts history rows to bars within [open, lastMinute),
// sorted and deduplicated by minute.
func (p *Pipeline) sessionBars(symbol string, rows []broker.HistoryBar, open, lastMinute time.Time) []models.Bar {
	byMinute := make(map[time.Time]broker.HistoryBar, len(rows))
	for _, row := range rows {
		minute := row.Timestamp.In(p.loc).Truncate(time.Minute)
		if minute.Before(open) || !minute.Before(lastMinute) {
			continue
		}
		byMinute[minute] = row
	}

	bars := make([]models.Bar, 0, len(byMinute))
	for minute, row := range byMinute {
		bars = append(bars, models.Bar{
			Symbol:    symbol,
			Timestamp: minute,
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
			Volume:    row.Volume,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars
}

// fillGaps patches holes in the sealed series from history. It runs from the
// seal loop, after the 12-second straggler grace.
func (p *Pipeline) fillGaps(ctx context.Context) {
	if p.hist == nil {
		return
	}
	now := p.now().In(p.loc)
	if !p.conf.IsWithinMarketHours(now) {
		return
	}
	currentMinute := now.Truncate(time.Minute)

	type gap struct {
		symbol string
		from   time.Time
	}
	var gaps []gap

	p.mu.Lock()
	for symbol, st := range p.symbols {
		if len(st.bars) == 0 {
			continue
		}
		last := st.bars[len(st.bars)-1].Timestamp
		// Missing at least one whole sealed minute.
		if currentMinute.Sub(last) >= 2*time.Minute {
			gaps = append(gaps, gap{symbol: symbol, from: last.Add(time.Minute)})
		}
	}
	p.mu.Unlock()

	for _, g := range gaps {
		if ctx.Err() != nil {
			return
		}
		rows, err := p.hist.History(g.symbol, g.from, now)
		if err != nil {
			p.logger.Printf("[pipeline] gap fill %s: %v", g.symbol, err)
			continue
		}
		filled := p.sessionBars(g.symbol, rows, g.from, currentMinute)
		if len(filled) == 0 {
			continue
		}
		p.insertBars(g.symbol, filled)
		p.logger.Printf("[pipeline] gap fill %s: %d bars from %s",
			g.symbol, len(filled), g.from.Format("15:04"))
	}
}

// insertBars appends history bars newer than the sealed series and folds
// them into the VWAP accumulators.
func (p *Pipeline) insertBars(symbol string, bars []models.Bar) {
	p.mu.Lock()
	st, ok := p.symbols[symbol]
	if !ok {
		p.mu.Unlock()
		return
	}

	var sealed []models.Bar
	for _, b := range bars {
		if len(st.bars) > 0 && !b.Timestamp.After(st.bars[len(st.bars)-1].Timestamp) {
			continue
		}
		vol := float64(b.Volume)
		if vol <= 0 {
			vol = 1
		}
		st.sumPV += b.TypicalPrice() * vol
		st.sumVol += vol
		b.VWAP = st.sumPV / st.sumVol
		st.bars = append(st.bars, b)
		sealed = append(sealed, b)
	}
	p.pruneLocked(st)
	p.mu.Unlock()

	p.emit(sealed)
}
