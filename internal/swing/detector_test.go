package swing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronniedreams/nifty-options-agent/internal/models"
)

var t0 = time.Date(2025, 1, 30, 10, 0, 0, 0, time.UTC)

func bar(minute int, o, h, l, c float64) models.Bar {
	return models.Bar{
		Symbol:    "TEST",
		Timestamp: t0.Add(time.Duration(minute) * time.Minute),
		Open:      o, High: h, Low: l, Close: c,
		VWAP: (h + l + c) / 3,
	}
}

func feed(t *testing.T, d *Detector, bars ...models.Bar) []models.Swing {
	t.Helper()
	var out []models.Swing
	for _, b := range bars {
		s, err := d.ProcessBar(b)
		require.NoError(t, err)
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}

func TestSwingLowConfirmedAfterTwoStrengthBars(t *testing.T) {
	d := NewDetector("TEST")
	swings := feed(t, d,
		bar(0, 105, 106, 103, 104),
		bar(1, 104, 105, 101, 102), // lower low, candidate
		bar(2, 102, 103, 100, 101), // lowest low, candidate at 100
		bar(3, 101, 104, 101, 103), // higher high, higher close: watch 1
		bar(4, 103, 105, 102, 104), // watch 2: confirm
	)

	require.Len(t, swings, 1)
	s := swings[0]
	assert.Equal(t, models.SwingLow, s.Type)
	assert.InDelta(t, 100.0, s.Price, 1e-9)
	assert.Equal(t, t0.Add(2*time.Minute), s.Timestamp)
	assert.InDelta(t, (103.0+100.0+101.0)/3, s.VWAP, 1e-9)
}

func TestLowerLowResetsWatch(t *testing.T) {
	d := NewDetector("TEST")
	swings := feed(t, d,
		bar(0, 105, 106, 103, 104),
		bar(1, 104, 105, 100, 101), // candidate at 100
		bar(2, 101, 106, 101, 105), // watch 1
		bar(3, 104, 104, 99, 100),  // lower low: new candidate at 99, watch resets
		bar(4, 100, 105, 100, 104), // watch 1 only
	)
	assert.Empty(t, swings)

	swings = feed(t, d, bar(5, 104, 106, 103, 105)) // watch 2
	require.Len(t, swings, 1)
	assert.InDelta(t, 99.0, swings[0].Price, 1e-9)
}

func TestHigherHighWithoutHigherCloseDoesNotCount(t *testing.T) {
	d := NewDetector("TEST")
	swings := feed(t, d,
		bar(0, 105, 106, 103, 104),
		bar(1, 104, 105, 100, 104), // candidate at 100
		bar(2, 104, 106, 101, 103), // higher high but lower close: no watch
		bar(3, 103, 107, 102, 102), // higher high but lower close: no watch
	)
	assert.Empty(t, swings)
}

func TestSwingsAlternate(t *testing.T) {
	d := NewDetector("TEST")
	swings := feed(t, d,
		bar(0, 105, 106, 103, 104),
		bar(1, 104, 105, 100, 101), // low candidate at 100
		bar(2, 101, 107, 101, 106), // watch 1
		bar(3, 106, 109, 105, 108), // watch 2: low confirmed, now hunting high from 109
		bar(4, 108, 112, 107, 111), // higher high extends the high candidate to 112
		bar(5, 111, 110, 106, 107), // lower low, lower close: watch 1
		bar(6, 107, 108, 104, 105), // watch 2: high confirmed at 112
	)

	require.Len(t, swings, 2)
	assert.Equal(t, models.SwingLow, swings[0].Type)
	assert.InDelta(t, 100.0, swings[0].Price, 1e-9)
	assert.Equal(t, models.SwingHigh, swings[1].Type)
	assert.InDelta(t, 112.0, swings[1].Price, 1e-9)

	low, ok := d.LastSwing(models.SwingLow)
	require.True(t, ok)
	assert.InDelta(t, 100.0, low.Price, 1e-9)
}

func TestOutOfOrderBarRejected(t *testing.T) {
	d := NewDetector("TEST")
	_, err := d.ProcessBar(bar(1, 104, 105, 100, 101))
	require.NoError(t, err)

	_, err = d.ProcessBar(bar(1, 104, 105, 100, 101))
	assert.Error(t, err)
	_, err = d.ProcessBar(bar(0, 105, 106, 103, 104))
	assert.Error(t, err)
}

func TestTrackerSilentModeAndBatch(t *testing.T) {
	var live []models.Swing
	tr := NewTracker(func(s models.Swing) { live = append(live, s) })

	// Replay that confirms one low; handler must stay quiet.
	for _, b := range []models.Bar{
		bar(0, 105, 106, 103, 104),
		bar(1, 104, 105, 100, 101),
		bar(2, 101, 106, 101, 103),
		bar(3, 103, 107, 102, 104),
	} {
		tr.ProcessBar(b)
	}
	assert.Empty(t, live)

	batch := tr.EnableLive()
	require.Len(t, batch, 1)
	assert.InDelta(t, 100.0, batch[0].Price, 1e-9)

	// Live bars now hit the handler. Hunt the high confirmed next.
	tr.ProcessBar(bar(4, 104, 110, 103, 109))
	tr.ProcessBar(bar(5, 109, 108, 102, 103))
	tr.ProcessBar(bar(6, 103, 104, 100, 101))
	require.Len(t, live, 1)
	assert.Equal(t, models.SwingHigh, live[0].Type)
}

func TestTrackerDropsOverlappingBars(t *testing.T) {
	tr := NewTracker(nil)
	b := bar(0, 105, 106, 103, 104)
	assert.Nil(t, tr.ProcessBar(b))
	assert.Nil(t, tr.ProcessBar(b)) // duplicate, dropped without panic

	_, ok := tr.LastSwingLow("TEST")
	assert.False(t, ok)
}
