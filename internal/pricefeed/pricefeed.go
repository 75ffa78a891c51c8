// Package pricefeed polls an external market data source and publishes
// price snapshots to subscribers.
//
// The feed is the only source of valuation prices. A failed poll never
// replaces a good snapshot: subscribers keep seeing the last non-empty one
// until the feed recovers.
package pricefeed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinwise/arena-engine/internal/metrics"
)

// Quote is one symbol's 24h ticker.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change_24h"` // percent
	High24h   decimal.Decimal `json:"high_24h"`
	Low24h    decimal.Decimal `json:"low_24h"`
}

// Candle is one OHLC bar.
type Candle struct {
	Time  time.Time       `json:"time"`
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// Feed fetches quotes for the given symbols. Implementations report
// failures by returning no quotes.
type Feed interface {
	FetchPrices(ctx context.Context, symbols []string) []Quote
}

// CandleSource serves historical bars. BinanceFeed implements it.
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// Snapshot is a set of quotes observed together.
type Snapshot struct {
	Quotes    []Quote   `json:"quotes"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Empty reports whether the snapshot has no quotes.
func (s Snapshot) Empty() bool { return len(s.Quotes) == 0 }

// Prices returns the snapshot as a symbol → price map.
func (s Snapshot) Prices() map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(s.Quotes))
	for _, q := range s.Quotes {
		prices[q.Symbol] = q.Price
	}
	return prices
}

// Quote looks up a symbol.
func (s Snapshot) Quote(symbol string) (Quote, bool) {
	symbol = strings.ToUpper(symbol)
	for _, q := range s.Quotes {
		if q.Symbol == symbol {
			return q, true
		}
	}
	return Quote{}, false
}

// Poller fetches from a Feed on a fixed interval.
type Poller struct {
	feed     Feed
	symbols  []string
	interval time.Duration
	now      func() time.Time

	mu     sync.RWMutex
	latest Snapshot
	subs   []func(Snapshot)
}

// NewPoller creates a poller for symbols. It does nothing until Poll or Run.
func NewPoller(feed Feed, symbols []string, interval time.Duration) *Poller {
	return &Poller{
		feed:     feed,
		symbols:  symbols,
		interval: interval,
		now:      time.Now,
	}
}

// Symbols returns the tracked universe.
func (p *Poller) Symbols() []string { return p.symbols }

// Subscribe registers fn to receive every snapshot the poller publishes.
// fn runs on the polling goroutine and must not block.
func (p *Poller) Subscribe(fn func(Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
}

// Latest returns the last non-empty snapshot, or an empty one before the
// first successful poll.
func (p *Poller) Latest() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Poll fetches once. A non-empty result becomes the latest snapshot. The
// latest snapshot, if any, is then published to subscribers and returned.
func (p *Poller) Poll(ctx context.Context) Snapshot {
	quotes := p.feed.FetchPrices(ctx, p.symbols)

	p.mu.Lock()
	if len(quotes) > 0 {
		p.latest = Snapshot{Quotes: quotes, FetchedAt: p.now().UTC()}
		metrics.PriceFetches.WithLabelValues("ok").Inc()
	} else {
		metrics.PriceFetches.WithLabelValues("empty").Inc()
	}
	snap := p.latest
	subs := make([]func(Snapshot), len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	if snap.Empty() {
		return snap
	}
	metrics.PriceSnapshotAge.Set(p.now().Sub(snap.FetchedAt).Seconds())
	for _, fn := range subs {
		fn(snap)
	}
	return snap
}

// Run polls immediately and then every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.Poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// StaticFeed serves fixed prices. It is used in tests and offline mode.
type StaticFeed struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStaticFeed creates a feed with the given prices.
func NewStaticFeed(prices map[string]decimal.Decimal) *StaticFeed {
	f := &StaticFeed{quotes: make(map[string]Quote, len(prices))}
	for sym, price := range prices {
		f.Set(sym, price)
	}
	return f
}

// Set replaces a symbol's price.
func (f *StaticFeed) Set(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = Quote{Symbol: symbol, Price: price, High24h: price, Low24h: price}
}

// Clear removes every price so the next fetch returns nothing.
func (f *StaticFeed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes = make(map[string]Quote)
}

func (f *StaticFeed) FetchPrices(_ context.Context, symbols []string) []Quote {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []Quote
	for _, s := range symbols {
		if q, ok := f.quotes[s]; ok {
			out = append(out, q)
		}
	}
	return out
}
