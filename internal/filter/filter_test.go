package filter

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/models"
)

const (
	symCE = "NIFTY30JAN2526000CE"
	symPE = "NIFTY30JAN2523000PE"
)

type fakeData struct {
	bars     map[string][]models.Bar
	building map[string]models.Bar
	prices   map[string]float64
}

func newFakeData() *fakeData {
	return &fakeData{
		bars:     map[string][]models.Bar{},
		building: map[string]models.Bar{},
		prices:   map[string]float64{},
	}
}

func (f *fakeData) Bars(symbol string) []models.Bar { return f.bars[symbol] }

func (f *fakeData) BuildingBar(symbol string) (models.Bar, bool) {
	b, ok := f.building[symbol]
	return b, ok
}

func (f *fakeData) LastPrice(symbol string) (float64, bool) {
	p, ok := f.prices[symbol]
	return p, ok
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment:\n  mode: paper\n"), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.Market.Expiry = "30JAN25"
	return cfg
}

var swingT0 = time.Date(2025, 1, 30, 10, 0, 0, 0, time.UTC)

// seedCandidate installs a swing-low candidate with bars giving the wanted
// highest high since the swing.
func seedCandidate(f *Filter, data *fakeData, symbol string, swingLow, vwapAtSwing, highestHigh, price float64) {
	data.bars[symbol] = []models.Bar{
		{Symbol: symbol, Timestamp: swingT0, High: swingLow + 1, Low: swingLow},
		{Symbol: symbol, Timestamp: swingT0.Add(time.Minute), High: highestHigh, Low: swingLow + 1},
	}
	data.prices[symbol] = price
	f.OnSwingLow(models.Swing{
		Symbol: symbol, Type: models.SwingLow,
		Price: swingLow, Timestamp: swingT0, VWAP: vwapAtSwing,
	})
}

func TestEvaluateQualifiedCandidate(t *testing.T) {
	cfg := testConfig(t)
	data := newFakeData()
	f := New(cfg, data, log.Default())

	seedCandidate(f, data, symCE, 100.00, 95.00, 105.00, 100.40)
	best := f.EvaluateAll(nil)

	c := best[models.OptionCE]
	require.NotNil(t, c)
	assert.Equal(t, 26000, c.Strike)
	// A swing low sitting exactly on the lower entry bound qualifies even
	// though the order trigger is one tick below it.
	assert.InDelta(t, 99.95, c.EntryPrice, 1e-9)
	assert.InDelta(t, 106.00, c.SLPrice, 1e-9)
	assert.InDelta(t, 6.00, c.SLPoints, 1e-9)
	assert.InDelta(t, 0.06, c.SLPercent, 1e-9)
	assert.InDelta(t, (100.00-95.00)/95.00, c.VWAPPremium, 1e-9)
	// 6500/6 = 1083 units -> 16 lots -> capped at 10.
	assert.Equal(t, 10, c.Lots)
	assert.Equal(t, 650, c.Quantity)
	assert.InDelta(t, 6.00*650, c.ActualR, 1e-6)
	assert.True(t, c.Qualified)
}

func TestEvaluateDisqualifications(t *testing.T) {
	tests := []struct {
		name        string
		swingLow    float64
		vwapAtSwing float64
		highestHigh float64
		wantReason  string
	}{
		{"entry below band", 80, 70, 84, "outside [100, 300]"},
		{"entry above band", 320, 280, 330, "outside [100, 300]"},
		{"vwap premium too thin", 150, 148, 156, "vwap premium"},
		{"sl too tight", 150, 140, 151, "sl"},
		{"sl too wide", 150, 140, 170, "sl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			data := newFakeData()
			f := New(cfg, data, log.Default())
			seedCandidate(f, data, symCE, tt.swingLow, tt.vwapAtSwing, tt.highestHigh, tt.swingLow+0.5)

			best := f.EvaluateAll(nil)
			assert.Nil(t, best[models.OptionCE])

			cands := f.Candidates()
			require.Len(t, cands, 1)
			assert.False(t, cands[0].Qualified)
			assert.Contains(t, cands[0].DisqualifyReason, tt.wantReason)
		})
	}
}

func TestSelectionTieBreaks(t *testing.T) {
	cfg := testConfig(t)
	data := newFakeData()
	f := New(cfg, data, log.Default())

	otherCE := "NIFTY30JAN2526100CE"
	// SL points 6 vs 9: the latter is closer to the 10-point target.
	seedCandidate(f, data, symCE, 150, 140, 155, 150.5)
	seedCandidate(f, data, otherCE, 200, 185, 208, 200.5)

	best := f.EvaluateAll(nil)
	require.NotNil(t, best[models.OptionCE])
	assert.Equal(t, otherCE, best[models.OptionCE].Symbol)

	// CE and PE are selected independently.
	seedCandidate(f, data, symPE, 180, 165, 188, 180.5)
	best = f.EvaluateAll(nil)
	require.NotNil(t, best[models.OptionPE])
	assert.Equal(t, symPE, best[models.OptionPE].Symbol)
	assert.Equal(t, otherCE, best[models.OptionCE].Symbol)
}

func TestExcludedSymbolsNeverWin(t *testing.T) {
	cfg := testConfig(t)
	data := newFakeData()
	f := New(cfg, data, log.Default())

	seedCandidate(f, data, symCE, 150, 140, 158, 150.5)
	best := f.EvaluateAll(map[string]bool{symCE: true})
	assert.Nil(t, best[models.OptionCE])
}

func TestMarkStartupBroken(t *testing.T) {
	cfg := testConfig(t)
	data := newFakeData()
	f := New(cfg, data, log.Default())

	seedCandidate(f, data, symCE, 150, 140, 158, 149.0) // below swing low - tick
	f.MarkStartupBroken()

	best := f.EvaluateAll(nil)
	assert.Nil(t, best[models.OptionCE])
	cands := f.Candidates()
	require.Len(t, cands, 1)
	assert.True(t, cands[0].BrokenAtStartup)
}

func TestHighestHighIncludesBuildingBar(t *testing.T) {
	cfg := testConfig(t)
	data := newFakeData()
	f := New(cfg, data, log.Default())

	seedCandidate(f, data, symCE, 150, 140, 158, 150.5)
	data.building[symCE] = models.Bar{Symbol: symCE, Timestamp: swingT0.Add(2 * time.Minute), High: 161}

	hh := f.HighestHighSince(symCE, swingT0)
	assert.InDelta(t, 161.0, hh, 1e-9)
}

func TestNewSwingReplacesCandidate(t *testing.T) {
	cfg := testConfig(t)
	data := newFakeData()
	f := New(cfg, data, log.Default())

	seedCandidate(f, data, symCE, 150, 140, 158, 150.5)
	f.OnSwingLow(models.Swing{
		Symbol: symCE, Type: models.SwingLow,
		Price: 145, Timestamp: swingT0.Add(5 * time.Minute), VWAP: 138,
	})

	cands := f.Candidates()
	require.Len(t, cands, 1)
	assert.InDelta(t, 145.0, cands[0].SwingLow, 1e-9)
}

func TestClassify(t *testing.T) {
	cfg := testConfig(t)
	f := New(cfg, newFakeData(), log.Default())

	cand := &models.Candidate{
		Symbol: symCE, OptionType: models.OptionCE,
		EntryPrice: 149.95, CurrentPrice: 150.50,
	}

	tests := []struct {
		name    string
		best    *models.Candidate
		pending *PendingOrder
		want    TriggerAction
	}{
		{"no candidate no order", nil, nil, TriggerWait},
		{"price near entry", cand, nil, TriggerPlace},
		{"candidate gone cancels", nil, &PendingOrder{Symbol: symCE, TriggerPrice: 149.95}, TriggerCancel},
		{"symbol switch places", cand, &PendingOrder{Symbol: symPE, TriggerPrice: 120.00}, TriggerPlace},
		{"drift above threshold modifies", cand, &PendingOrder{Symbol: symCE, TriggerPrice: 151.00}, TriggerModify},
		{"drift exactly threshold keeps", cand, &PendingOrder{Symbol: symCE, TriggerPrice: 150.95}, TriggerWait},
		{"small drift keeps", cand, &PendingOrder{Symbol: symCE, TriggerPrice: 150.00}, TriggerWait},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := f.Classify(models.OptionCE, tt.best, tt.pending)
			assert.Equal(t, tt.want, tr.Action)
		})
	}

	t.Run("price too far waits", func(t *testing.T) {
		far := *cand
		far.CurrentPrice = 152.00
		tr := f.Classify(models.OptionCE, &far, nil)
		assert.Equal(t, TriggerWait, tr.Action)
	})
	t.Run("crossed trigger checks fill", func(t *testing.T) {
		crossed := *cand
		crossed.CurrentPrice = 149.50
		tr := f.Classify(models.OptionCE, &crossed, &PendingOrder{Symbol: symCE, TriggerPrice: 149.95})
		assert.Equal(t, TriggerCheckFill, tr.Action)
	})
	t.Run("price already broken without order waits", func(t *testing.T) {
		broken := *cand
		broken.CurrentPrice = 149.00
		tr := f.Classify(models.OptionCE, &broken, nil)
		assert.Equal(t, TriggerWait, tr.Action)
	})
}
