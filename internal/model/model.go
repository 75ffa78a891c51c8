// Package model defines the core domain types shared across the arena engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxKind is the kind of a ledger transaction.
type TxKind string

const (
	KindBuy     TxKind = "BUY"
	KindSell    TxKind = "SELL"
	KindDeposit TxKind = "DEPOSIT"
)

// Reserved transaction symbols for non-trade cash movements.
const (
	SymbolCash      = "USD"
	SymbolEntryFee  = "ENTRY-FEE"
	SymbolArenaInit = "ARENA-INIT"
)

// Holding is a named quantity of a tradable asset currently owned.
// Amount is always positive; zero-amount holdings are pruned.
type Holding struct {
	Symbol string          `json:"symbol"`
	Amount decimal.Decimal `json:"amount"`
}

// Transaction is an immutable ledger record. Once appended, it is never
// modified or deleted.
type Transaction struct {
	ID          string          `json:"id"`
	Kind        TxKind          `json:"kind"`
	Symbol      string          `json:"symbol"`
	Amount      decimal.Decimal `json:"amount"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	SignedTotal decimal.Decimal `json:"signed_total"` // -cost for BUY, +credit otherwise
	Timestamp   int64           `json:"timestamp"`    // unix milliseconds
}

// Time returns the transaction timestamp as a time.Time in UTC.
func (t Transaction) Time() time.Time {
	return time.UnixMilli(t.Timestamp).UTC()
}

// Epoch is a time-boxed competition round as recorded on a ledger.
// Callers should not inspect it directly; use Ledger.Mode.
type Epoch struct {
	EntryNetWorth decimal.Decimal `json:"entry_net_worth"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       time.Time       `json:"end_time"`
	Final         *Settlement     `json:"final,omitempty"`
}

// Settlement is the net worth and PnL% captured once a round is observed
// finished. Later trades do not move a settled result.
type Settlement struct {
	NetWorth   decimal.Decimal `json:"net_worth"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
	SettledAt  time.Time       `json:"settled_at"`
}

// Ledger is a user's authoritative record of cash, holdings, and
// transaction history. Schema: {account, name, cash, holdings, txs, epoch}
type Ledger struct {
	AccountID    string          `json:"account_id"`
	DisplayName  string          `json:"display_name"`
	CashBalance  decimal.Decimal `json:"cash_balance"`
	Holdings     []Holding       `json:"holdings"`
	Transactions []Transaction   `json:"transactions"`
	Competition  *Epoch          `json:"competition,omitempty"`
}

// Holding returns the holding for symbol and its index, or -1.
func (l Ledger) Holding(symbol string) (Holding, int) {
	for i, h := range l.Holdings {
		if h.Symbol == symbol {
			return h, i
		}
	}
	return Holding{}, -1
}

// Clone returns a deep copy so that callers can mutate the result without
// touching the receiver's slices.
func (l Ledger) Clone() Ledger {
	c := l
	if l.Holdings != nil {
		c.Holdings = make([]Holding, len(l.Holdings))
		copy(c.Holdings, l.Holdings)
	}
	if l.Transactions != nil {
		c.Transactions = make([]Transaction, len(l.Transactions))
		copy(c.Transactions, l.Transactions)
	}
	if l.Competition != nil {
		ep := *l.Competition
		if ep.Final != nil {
			fin := *ep.Final
			ep.Final = &fin
		}
		c.Competition = &ep
	}
	return c
}

// Mode reports the ledger's competition state at now.
func (l Ledger) Mode(now time.Time) Mode {
	if l.Competition == nil {
		return NotEntered{}
	}
	ep := *l.Competition
	if !now.Before(ep.EndTime) {
		return Finished{Epoch: ep}
	}
	return Active{Epoch: ep}
}

// Mode is the competition state of a ledger: NotEntered, Active, or Finished.
type Mode interface {
	Name() string
	isMode()
}

// NotEntered means the account has no competition epoch.
type NotEntered struct{}

// Active means the epoch is running.
type Active struct{ Epoch Epoch }

// Finished means wall-clock time has reached the epoch's end time.
type Finished struct{ Epoch Epoch }

func (NotEntered) Name() string { return "not_entered" }
func (Active) Name() string     { return "active" }
func (Finished) Name() string   { return "finished" }

func (NotEntered) isMode() {}
func (Active) isMode()     {}
func (Finished) isMode()   {}

// LeaderboardEntry is one competitor's derived position on the board.
type LeaderboardEntry struct {
	AccountID   string          `json:"account_id"`
	DisplayName string          `json:"display_name"`
	PnLPercent  decimal.Decimal `json:"pnl_percent"`
	NetWorth    decimal.Decimal `json:"net_worth"`
	Rank        int             `json:"rank"`
	JoinedAt    time.Time       `json:"joined_at"`
}

// Payout is the record of a simulated prize payout for a finished round.
type Payout struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Entrants  int             `json:"entrants"`
	PaidAt    time.Time       `json:"paid_at"`
}

// Valuation is a ledger marked to a price snapshot.
type Valuation struct {
	Lines         []HoldingValue  `json:"lines"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	NetWorth      decimal.Decimal `json:"net_worth"`
}

// HoldingValue is a single holding marked to market.
type HoldingValue struct {
	Symbol string          `json:"symbol"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
	Value  decimal.Decimal `json:"value"`
}
