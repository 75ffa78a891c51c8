// Package competition implements the arena: a time-boxed PnL competition
// layered over the portfolio ledger.
//
// A ledger moves through NotEntered → Active → Finished and back to
// NotEntered on reset. Finished is a pure function of wall-clock time: any
// reader observing now ≥ endTime agrees the round is over.
package competition

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinwise/arena-engine/internal/ledger"
	"github.com/coinwise/arena-engine/internal/model"
	"github.com/coinwise/arena-engine/internal/valuation"
)

var (
	// ErrAlreadyEntered is returned by Enter when the ledger has an epoch.
	ErrAlreadyEntered = errors.New("competition: already entered")

	// ErrNotEntered is returned by Reset when there is no epoch to clear.
	ErrNotEntered = errors.New("competition: not entered")

	// ErrRoundRunning is returned when claiming a prize before the round
	// has finished.
	ErrRoundRunning = errors.New("competition: round still running")

	// ErrNotWinner is returned when a non-winner claims the prize.
	ErrNotWinner = errors.New("competition: not the round winner")
)

// Config holds the arena constants.
type Config struct {
	Baseline  decimal.Decimal // entry net worth and starting capital
	EntryFee  decimal.Decimal // simulated fee, also the per-entrant prize contribution
	Duration  time.Duration   // countdown window
	ClockSkew time.Duration   // grace added to endTime before payouts are allowed
}

// DefaultConfig returns the arena defaults: $1,000,000 baseline, $5 entry,
// one-minute rounds.
func DefaultConfig() Config {
	return Config{
		Baseline:  decimal.NewFromInt(1000000),
		EntryFee:  decimal.NewFromInt(5),
		Duration:  time.Minute,
		ClockSkew: 2 * time.Second,
	}
}

// Engine applies competition transitions to ledger values. Like the ledger
// engine it performs no I/O.
type Engine struct {
	cfg    Config
	ledger *ledger.Engine
}

// NewEngine creates a competition engine that stamps transactions through le.
func NewEngine(cfg Config, le *ledger.Engine) *Engine {
	return &Engine{cfg: cfg, ledger: le}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Now returns the engine's current time.
func (e *Engine) Now() time.Time { return e.ledger.Now() }

// Mode reports l's competition state now.
func (e *Engine) Mode(l model.Ledger) model.Mode {
	return l.Mode(e.Now())
}

// Enter starts a fresh epoch. Cash is reset to the baseline and holdings are
// cleared; an ENTRY-FEE and an ARENA-INIT deposit are appended to the
// permanent log, the second 1ms after the first.
func (e *Engine) Enter(l model.Ledger) (model.Ledger, error) {
	if _, ok := e.Mode(l).(model.NotEntered); !ok {
		return l, ErrAlreadyEntered
	}

	one := decimal.NewFromInt(1)
	next := l.Clone()
	next.CashBalance = e.cfg.Baseline
	next.Holdings = []model.Holding{}
	next = e.ledger.Append(next,
		model.Transaction{
			Kind:        model.KindDeposit,
			Symbol:      model.SymbolEntryFee,
			Amount:      one,
			UnitPrice:   e.cfg.EntryFee,
			SignedTotal: e.cfg.EntryFee,
		},
		model.Transaction{
			Kind:        model.KindDeposit,
			Symbol:      model.SymbolArenaInit,
			Amount:      one,
			UnitPrice:   e.cfg.Baseline,
			SignedTotal: e.cfg.Baseline,
		},
	)

	start := time.UnixMilli(next.Transactions[len(next.Transactions)-2].Timestamp).UTC()
	next.Competition = &model.Epoch{
		EntryNetWorth: e.cfg.Baseline,
		StartTime:     start,
		EndTime:       start.Add(e.cfg.Duration),
	}
	return next, nil
}

// Reset clears the epoch from an Active or Finished ledger. Cash and
// holdings stay as they are.
func (e *Engine) Reset(l model.Ledger) (model.Ledger, error) {
	if _, ok := e.Mode(l).(model.NotEntered); ok {
		return l, ErrNotEntered
	}
	next := l.Clone()
	next.Competition = nil
	return next, nil
}

// PnL returns l's PnL% relative to its entry net worth, and the net worth it
// was computed from. A settled epoch reports its settlement; a ledger that
// never entered reports zero.
func (e *Engine) PnL(l model.Ledger, prices map[string]decimal.Decimal) (pnl, netWorth decimal.Decimal) {
	netWorth = valuation.NetWorth(l, prices)
	switch m := e.Mode(l).(type) {
	case model.Active:
		return valuation.PnLPercent(netWorth, m.Epoch.EntryNetWorth), netWorth
	case model.Finished:
		if fin := m.Epoch.Final; fin != nil {
			return fin.PnLPercent, fin.NetWorth
		}
		return valuation.PnLPercent(netWorth, m.Epoch.EntryNetWorth), netWorth
	default:
		return decimal.Zero, netWorth
	}
}

// Settle records the final result of a finished, unsettled epoch. The
// second return value reports whether anything changed.
func (e *Engine) Settle(l model.Ledger, prices map[string]decimal.Decimal) (model.Ledger, bool) {
	m, ok := e.Mode(l).(model.Finished)
	if !ok || m.Epoch.Final != nil {
		return l, false
	}
	pnl, netWorth := e.PnL(l, prices)
	next := l.Clone()
	next.Competition.Final = &model.Settlement{
		NetWorth:   netWorth,
		PnLPercent: pnl,
		SettledAt:  e.Now().UTC(),
	}
	return next, true
}

// TimeLeft returns the time remaining in l's round, or zero.
func (e *Engine) TimeLeft(l model.Ledger) time.Duration {
	if a, ok := e.Mode(l).(model.Active); ok {
		return a.Epoch.EndTime.Sub(e.Now())
	}
	return 0
}

// Payable reports whether l's round ended long enough ago, allowing for
// clock skew between readers, to pay out.
func (e *Engine) Payable(l model.Ledger) bool {
	m, ok := e.Mode(l).(model.Finished)
	if !ok {
		return false
	}
	return !e.Now().Before(m.Epoch.EndTime.Add(e.cfg.ClockSkew))
}
