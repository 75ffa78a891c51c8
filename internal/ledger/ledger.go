// Package ledger implements the portfolio ledger state transitions:
// deposit, buy, and sell.
//
// Every operation is a pure function over a model.Ledger value. It either
// returns a new ledger with exactly one transaction appended, or an error
// with the input left untouched. Persistence is the caller's concern.
package ledger

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinwise/arena-engine/internal/id"
	"github.com/coinwise/arena-engine/internal/model"
)

var (
	// ErrInvalidAmount is returned for non-positive quantities or prices.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrInvalidSymbol is returned when a trade names no asset.
	ErrInvalidSymbol = errors.New("ledger: symbol is required")

	// ErrInsufficientFunds is returned when a buy costs more than the
	// available cash. There are no partial fills.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientHoldings is returned when a sell exceeds the held amount.
	ErrInsufficientHoldings = errors.New("ledger: insufficient holdings")
)

// Engine applies ledger operations. The zero value is not usable; use New.
type Engine struct {
	now   func() time.Time
	newID func(time.Time) string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs sets the transaction ID generator.
func WithIDs(fn func(time.Time) string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New creates a ledger engine using wall-clock time and ULID identifiers.
func New(opts ...Option) *Engine {
	e := &Engine{now: time.Now, newID: id.At}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time { return e.now() }

// Open creates a fresh ledger with the given starting balance and no
// holdings or transactions.
func Open(accountID, displayName string, startingBalance decimal.Decimal) model.Ledger {
	return model.Ledger{
		AccountID:    accountID,
		DisplayName:  displayName,
		CashBalance:  startingBalance,
		Holdings:     []model.Holding{},
		Transactions: []model.Transaction{},
	}
}

// Deposit credits cash and records a DEPOSIT transaction at unit price 1.
func (e *Engine) Deposit(l model.Ledger, amount decimal.Decimal) (model.Ledger, error) {
	if !amount.IsPositive() {
		return l, ErrInvalidAmount
	}

	next := l.Clone()
	next.CashBalance = next.CashBalance.Add(amount)
	next = e.Append(next, model.Transaction{
		Kind:        model.KindDeposit,
		Symbol:      model.SymbolCash,
		Amount:      amount,
		UnitPrice:   decimal.NewFromInt(1),
		SignedTotal: amount,
	})
	return next, nil
}

// Buy spends amount*unitPrice of cash on symbol.
func (e *Engine) Buy(l model.Ledger, symbol string, amount, unitPrice decimal.Decimal) (model.Ledger, error) {
	symbol, err := validate(symbol, amount, unitPrice)
	if err != nil {
		return l, err
	}

	cost := amount.Mul(unitPrice)
	if cost.GreaterThan(l.CashBalance) {
		return l, ErrInsufficientFunds
	}

	next := l.Clone()
	next.CashBalance = next.CashBalance.Sub(cost)
	if h, i := next.Holding(symbol); i >= 0 {
		next.Holdings[i].Amount = h.Amount.Add(amount)
	} else {
		next.Holdings = append(next.Holdings, model.Holding{Symbol: symbol, Amount: amount})
	}

	next = e.Append(next, model.Transaction{
		Kind:        model.KindBuy,
		Symbol:      symbol,
		Amount:      amount,
		UnitPrice:   unitPrice,
		SignedTotal: cost.Neg(),
	})
	return next, nil
}

// Sell converts amount of symbol back into cash at unitPrice. A holding
// that reaches zero is removed.
func (e *Engine) Sell(l model.Ledger, symbol string, amount, unitPrice decimal.Decimal) (model.Ledger, error) {
	symbol, err := validate(symbol, amount, unitPrice)
	if err != nil {
		return l, err
	}

	h, i := l.Holding(symbol)
	if i < 0 || h.Amount.LessThan(amount) {
		return l, ErrInsufficientHoldings
	}

	proceeds := amount.Mul(unitPrice)
	next := l.Clone()
	next.CashBalance = next.CashBalance.Add(proceeds)

	remaining := h.Amount.Sub(amount)
	if remaining.IsPositive() {
		next.Holdings[i].Amount = remaining
	} else {
		next.Holdings = append(next.Holdings[:i], next.Holdings[i+1:]...)
	}

	next = e.Append(next, model.Transaction{
		Kind:        model.KindSell,
		Symbol:      symbol,
		Amount:      amount,
		UnitPrice:   unitPrice,
		SignedTotal: proceeds,
	})
	return next, nil
}

// Append stamps each transaction with an ID and timestamp and appends them
// in order. The first is stamped at max(now, last timestamp); each one
// after it at least 1ms after its predecessor, so a multi-transaction
// action sorts deterministically. l must already be a private copy.
func (e *Engine) Append(l model.Ledger, txs ...model.Transaction) model.Ledger {
	ts := e.now().UnixMilli()
	if n := len(l.Transactions); n > 0 && l.Transactions[n-1].Timestamp > ts {
		ts = l.Transactions[n-1].Timestamp
	}
	for i, tx := range txs {
		if i > 0 {
			ts++
		}
		tx.Timestamp = ts
		tx.ID = e.newID(time.UnixMilli(ts))
		l.Transactions = append(l.Transactions, tx)
	}
	return l
}

func validate(symbol string, amount, unitPrice decimal.Decimal) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", ErrInvalidSymbol
	}
	if !amount.IsPositive() || !unitPrice.IsPositive() {
		return "", ErrInvalidAmount
	}
	return symbol, nil
}
