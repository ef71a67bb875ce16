// Package util provides common helpers for price and option-symbol handling.
package util

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 101.32 becomes 101.30.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// OptionSymbol builds an exchange option symbol, e.g.
// OptionSymbol("NIFTY", "30JAN25", 26000, "CE") -> "NIFTY30JAN2526000CE".
func OptionSymbol(underlying, expiry string, strike int, optType string) string {
	return fmt.Sprintf("%s%s%d%s", underlying, expiry, strike, optType)
}

// OptionTypeOf returns "CE" or "PE" from a symbol suffix, or "" when the
// symbol is not an option.
func OptionTypeOf(symbol string) string {
	switch {
	case strings.HasSuffix(symbol, "CE"):
		return "CE"
	case strings.HasSuffix(symbol, "PE"):
		return "PE"
	default:
		return ""
	}
}

// StrikeOf extracts the strike from an option symbol built by OptionSymbol.
// The expiry segment also ends in digits, so the underlying and expiry must
// be stripped as a known prefix rather than scanned. Returns 0 on mismatch.
func StrikeOf(symbol, underlying, expiry string) int {
	s := strings.TrimSuffix(strings.TrimSuffix(symbol, "CE"), "PE")
	prefix := underlying + expiry
	if !strings.HasPrefix(s, prefix) {
		return 0
	}
	strike, err := strconv.Atoi(s[len(prefix):])
	if err != nil {
		return 0
	}
	return strike
}
