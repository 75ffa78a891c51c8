package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinwise/arena-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fixedEngine returns an engine whose clock stands still at t and whose IDs
// are a simple counter.
func fixedEngine(t time.Time) *Engine {
	n := 0
	return New(
		WithClock(func() time.Time { return t }),
		WithIDs(func(time.Time) string {
			n++
			return fmt.Sprintf("tx-%d", n)
		}),
	)
}

func snapshot(t *testing.T, l model.Ledger) []byte {
	t.Helper()
	b, err := json.Marshal(l)
	if err != nil {
		t.Fatalf("marshal ledger: %v", err)
	}
	return b
}

func fresh() model.Ledger {
	return Open("alice@example.com", "Alice", d(1000000))
}

// --- Deposit ---

func TestDeposit_CreditsCash(t *testing.T) {
	e := fixedEngine(time.UnixMilli(1_700_000_000_000))

	l, err := e.Deposit(fresh(), d(250))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l.CashBalance.Equal(d(1000250)) {
		t.Errorf("expected cash=1000250, got %s", l.CashBalance)
	}
	if len(l.Transactions) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(l.Transactions))
	}
	tx := l.Transactions[0]
	if tx.Kind != model.KindDeposit || tx.Symbol != model.SymbolCash {
		t.Errorf("unexpected transaction kind/symbol: %s %s", tx.Kind, tx.Symbol)
	}
	if !tx.UnitPrice.Equal(d(1)) || !tx.SignedTotal.Equal(d(250)) {
		t.Errorf("expected unit_price=1 signed_total=250, got %s %s", tx.UnitPrice, tx.SignedTotal)
	}
	if tx.Timestamp != 1_700_000_000_000 {
		t.Errorf("expected timestamp from clock, got %d", tx.Timestamp)
	}
}

func TestDeposit_NonPositive(t *testing.T) {
	e := New()
	for _, amt := range []float64{0, -1, -0.0001} {
		before := fresh()
		got, err := e.Deposit(before, d(amt))
		if err != ErrInvalidAmount {
			t.Errorf("amount %v: expected ErrInvalidAmount, got %v", amt, err)
		}
		if !bytes.Equal(snapshot(t, got), snapshot(t, before)) {
			t.Errorf("amount %v: ledger changed on rejected deposit", amt)
		}
	}
}

// --- Buy ---

func TestBuy_DebitsCashAndAddsHolding(t *testing.T) {
	e := New()
	l, err := e.Buy(fresh(), "BTCUSDT", d(1), d(50000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l.CashBalance.Equal(d(950000)) {
		t.Errorf("expected cash=950000, got %s", l.CashBalance)
	}
	if len(l.Holdings) != 1 || l.Holdings[0].Symbol != "BTCUSDT" || !l.Holdings[0].Amount.Equal(d(1)) {
		t.Errorf("unexpected holdings: %+v", l.Holdings)
	}
	if len(l.Transactions) != 1 || !l.Transactions[0].SignedTotal.Equal(d(-50000)) {
		t.Errorf("expected one BUY with signed_total=-50000, got %+v", l.Transactions)
	}
}

func TestBuy_AccumulatesExistingHolding(t *testing.T) {
	e := New()
	l, _ := e.Buy(fresh(), "ETHUSDT", d(2), d(3000))
	l, _ = e.Buy(l, "SOLUSDT", d(10), d(150))
	l, err := e.Buy(l, "ETHUSDT", d(0.5), d(3200))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(l.Holdings) != 2 {
		t.Fatalf("expected 2 holdings, got %d", len(l.Holdings))
	}
	// Insertion order is preserved.
	if l.Holdings[0].Symbol != "ETHUSDT" || !l.Holdings[0].Amount.Equal(d(2.5)) {
		t.Errorf("expected ETHUSDT=2.5 first, got %+v", l.Holdings[0])
	}
	if len(l.Transactions) != 3 {
		t.Errorf("expected 3 transactions, got %d", len(l.Transactions))
	}
}

func TestBuy_Properties(t *testing.T) {
	e := New()
	cases := []struct {
		amount, price float64
	}{
		{1, 50000},
		{0.001, 61234.56},
		{20, 49999.99},
		{1000000, 1},
	}
	for _, c := range cases {
		before := fresh()
		after, err := e.Buy(before, "BTCUSDT", d(c.amount), d(c.price))
		if err != nil {
			t.Fatalf("buy %v@%v: unexpected error: %v", c.amount, c.price, err)
		}
		cost := d(c.amount).Mul(d(c.price))
		if !after.CashBalance.Equal(before.CashBalance.Sub(cost)) {
			t.Errorf("buy %v@%v: cash %s, want %s", c.amount, c.price, after.CashBalance, before.CashBalance.Sub(cost))
		}
		if len(after.Transactions) != len(before.Transactions)+1 {
			t.Errorf("buy %v@%v: expected exactly one new transaction", c.amount, c.price)
		}
		if !after.Transactions[0].SignedTotal.Equal(cost.Neg()) {
			t.Errorf("buy %v@%v: signed_total %s, want %s", c.amount, c.price, after.Transactions[0].SignedTotal, cost.Neg())
		}
	}
}

func TestBuy_InsufficientFunds(t *testing.T) {
	e := New()
	before := fresh()
	got, err := e.Buy(before, "BTCUSDT", d(21), d(50000))
	if err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if !bytes.Equal(snapshot(t, got), snapshot(t, before)) {
		t.Error("ledger changed on rejected buy")
	}
}

func TestBuy_ExactBalanceAllowed(t *testing.T) {
	e := New()
	l, err := e.Buy(fresh(), "BTCUSDT", d(20), d(50000))
	if err != nil {
		t.Fatalf("buying with the exact balance should succeed: %v", err)
	}
	if !l.CashBalance.IsZero() {
		t.Errorf("expected cash=0, got %s", l.CashBalance)
	}
}

func TestBuy_InvalidInput(t *testing.T) {
	e := New()
	tests := []struct {
		name          string
		symbol        string
		amount, price float64
		want          error
	}{
		{"zero amount", "BTCUSDT", 0, 100, ErrInvalidAmount},
		{"negative amount", "BTCUSDT", -1, 100, ErrInvalidAmount},
		{"zero price", "BTCUSDT", 1, 0, ErrInvalidAmount},
		{"negative price", "BTCUSDT", 1, -5, ErrInvalidAmount},
		{"empty symbol", "  ", 1, 100, ErrInvalidSymbol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := fresh()
			got, err := e.Buy(before, tt.symbol, d(tt.amount), d(tt.price))
			if err != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !bytes.Equal(snapshot(t, got), snapshot(t, before)) {
				t.Error("ledger changed on rejected buy")
			}
		})
	}
}

func TestBuy_DoesNotMutateInput(t *testing.T) {
	e := New()
	base, _ := e.Buy(fresh(), "BTCUSDT", d(1), d(50000))
	before := snapshot(t, base)

	if _, err := e.Buy(base, "BTCUSDT", d(1), d(50000)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(snapshot(t, base), before) {
		t.Error("successful buy mutated its input ledger")
	}
}

// --- Sell ---

func TestSell_PartialKeepsHolding(t *testing.T) {
	e := New()
	l, _ := e.Buy(fresh(), "BTCUSDT", d(2), d(50000))
	l, err := e.Sell(l, "BTCUSDT", d(0.5), d(60000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l.CashBalance.Equal(d(930000)) {
		t.Errorf("expected cash=930000, got %s", l.CashBalance)
	}
	if len(l.Holdings) != 1 || !l.Holdings[0].Amount.Equal(d(1.5)) {
		t.Errorf("expected BTCUSDT=1.5, got %+v", l.Holdings)
	}
	last := l.Transactions[len(l.Transactions)-1]
	if last.Kind != model.KindSell || !last.SignedTotal.Equal(d(30000)) {
		t.Errorf("expected SELL with signed_total=30000, got %+v", last)
	}
}

func TestSell_FullRemovesHolding(t *testing.T) {
	e := New()
	l, _ := e.Buy(fresh(), "BTCUSDT", d(1), d(50000))
	l, _ = e.Buy(l, "ETHUSDT", d(1), d(3000))
	l, err := e.Sell(l, "BTCUSDT", d(1), d(60000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, h := range l.Holdings {
		if h.Symbol == "BTCUSDT" {
			t.Errorf("fully sold holding should be removed, got %+v", h)
		}
		if !h.Amount.IsPositive() {
			t.Errorf("zero-amount holding persisted: %+v", h)
		}
	}
	if len(l.Holdings) != 1 || l.Holdings[0].Symbol != "ETHUSDT" {
		t.Errorf("expected only ETHUSDT to remain, got %+v", l.Holdings)
	}
}

func TestSell_InsufficientHoldings(t *testing.T) {
	e := New()
	held, _ := e.Buy(fresh(), "BTCUSDT", d(1), d(50000))

	tests := []struct {
		name   string
		ledger model.Ledger
		symbol string
		amount float64
	}{
		{"no holding", fresh(), "BTCUSDT", 1},
		{"more than held", held, "BTCUSDT", 1.0001},
		{"other symbol", held, "ETHUSDT", 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := snapshot(t, tt.ledger)
			got, err := e.Sell(tt.ledger, tt.symbol, d(tt.amount), d(60000))
			if err != ErrInsufficientHoldings {
				t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
			}
			if !bytes.Equal(snapshot(t, got), before) {
				t.Error("ledger changed on rejected sell")
			}
		})
	}
}

// --- Scenario ---

func TestScenario_BuyThenSell(t *testing.T) {
	e := New()
	l, err := e.Buy(fresh(), "BTC", d(1), d(50000))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !l.CashBalance.Equal(d(950000)) {
		t.Fatalf("expected cash=950000 after buy, got %s", l.CashBalance)
	}

	l, err = e.Sell(l, "BTC", d(1), d(60000))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !l.CashBalance.Equal(d(1010000)) {
		t.Errorf("expected cash=1010000, got %s", l.CashBalance)
	}
	if len(l.Holdings) != 0 {
		t.Errorf("expected no holdings, got %+v", l.Holdings)
	}
	if len(l.Transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(l.Transactions))
	}
	if !l.Transactions[1].SignedTotal.Equal(d(60000)) {
		t.Errorf("expected second signed_total=60000, got %s", l.Transactions[1].SignedTotal)
	}
}

// --- Append ---

func TestAppend_SequenceTimestampsStrictlyIncrease(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	e := fixedEngine(now)

	l := e.Append(fresh(),
		model.Transaction{Kind: model.KindDeposit, Symbol: model.SymbolEntryFee},
		model.Transaction{Kind: model.KindDeposit, Symbol: model.SymbolArenaInit},
	)
	if len(l.Transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(l.Transactions))
	}
	if l.Transactions[1].Timestamp != l.Transactions[0].Timestamp+1 {
		t.Errorf("second timestamp should be first+1ms: %d, %d",
			l.Transactions[0].Timestamp, l.Transactions[1].Timestamp)
	}
	if l.Transactions[0].ID == l.Transactions[1].ID {
		t.Error("transaction IDs must be unique")
	}
}

func TestAppend_ClampsBackwardClock(t *testing.T) {
	later := time.UnixMilli(1_700_000_000_500)
	earlier := time.UnixMilli(1_700_000_000_000)

	l, _ := fixedEngine(later).Deposit(fresh(), d(1))
	l, _ = fixedEngine(earlier).Deposit(l, d(1))

	if l.Transactions[1].Timestamp < l.Transactions[0].Timestamp {
		t.Errorf("timestamps went backwards: %d then %d",
			l.Transactions[0].Timestamp, l.Transactions[1].Timestamp)
	}
}

func TestNew_DefaultIDsUnique(t *testing.T) {
	e := New()
	l := fresh()
	var err error
	for i := 0; i < 200; i++ {
		l, err = e.Deposit(l, d(1))
		if err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
	}
	seen := make(map[string]bool)
	for _, tx := range l.Transactions {
		if seen[tx.ID] {
			t.Fatalf("duplicate transaction id %s", tx.ID)
		}
		seen[tx.ID] = true
	}
}
