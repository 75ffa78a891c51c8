// Package symbol handles exchange pair symbol parsing and the default
// tracked universe.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported quote assets, longest first so "BUSD" is not read as "USD".
var quotes = []string{"USDT", "USDC", "BUSD"}

// symbolRegex matches a concatenated exchange symbol: {BASE}{QUOTE}
// Example: BTCUSDT
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid symbol format")
	ErrInvalidQuote  = errors.New("symbol: unsupported quote asset")
)

// Default is the tracked universe polled from the price feed.
var Default = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT",
	"DOGEUSDT", "ADAUSDT", "AVAXUSDT", "LINKUSDT", "DOTUSDT",
	"LTCUSDT", "TRXUSDT",
}

// Pair is a parsed trading pair.
type Pair struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// String returns the display form, e.g. BTC/USDT.
func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Parse normalizes and validates a pair symbol.
// Format: {BASE}{QUOTE}, quote one of USDT, USDC, BUSD.
func Parse(s string) (Pair, error) {
	s = Normalize(s)
	if !symbolRegex.MatchString(s) {
		return Pair{}, fmt.Errorf("%w: %q (expected e.g. BTCUSDT)", ErrInvalidSymbol, s)
	}
	for _, q := range quotes {
		base, ok := strings.CutSuffix(s, q)
		if !ok {
			continue
		}
		if base == "" {
			return Pair{}, fmt.Errorf("%w: %q has no base asset", ErrInvalidSymbol, s)
		}
		return Pair{Symbol: s, Base: base, Quote: q}, nil
	}
	return Pair{}, fmt.Errorf("%w: %s", ErrInvalidQuote, s)
}

// Normalize upper-cases and trims s.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ParseList parses a comma-separated symbol list, dropping duplicates.
func ParseList(csv string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, raw := range strings.Split(csv, ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		p, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	return out, nil
}
