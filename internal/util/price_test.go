package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name string
		x    float64
		tick float64
		want float64
	}{
		{"round down", 101.32, 0.05, 101.30},
		{"round up", 101.33, 0.05, 101.35},
		{"exact", 101.35, 0.05, 101.35},
		{"zero tick passthrough", 101.32, 0, 101.32},
		{"negative tick passthrough", 101.32, -0.05, 101.32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, RoundToTick(tt.x, tt.tick), 1e-9)
		})
	}
}

func TestOptionSymbol(t *testing.T) {
	assert.Equal(t, "NIFTY30JAN2526000CE", OptionSymbol("NIFTY", "30JAN25", 26000, "CE"))
	assert.Equal(t, "NIFTY30JAN2525800PE", OptionSymbol("NIFTY", "30JAN25", 25800, "PE"))
}

func TestOptionTypeOf(t *testing.T) {
	assert.Equal(t, "CE", OptionTypeOf("NIFTY30JAN2526000CE"))
	assert.Equal(t, "PE", OptionTypeOf("NIFTY30JAN2526000PE"))
	assert.Equal(t, "", OptionTypeOf("Nifty 50"))
}

func TestStrikeOf(t *testing.T) {
	assert.Equal(t, 26000, StrikeOf("NIFTY30JAN2526000CE", "NIFTY", "30JAN25"))
	assert.Equal(t, 25800, StrikeOf("NIFTY30JAN2525800PE", "NIFTY", "30JAN25"))
	assert.Equal(t, 0, StrikeOf("NIFTY30JAN25CE", "NIFTY", "30JAN25"))
	assert.Equal(t, 0, StrikeOf("Nifty 50", "NIFTY", "30JAN25"))
}
