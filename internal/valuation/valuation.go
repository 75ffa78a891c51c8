// Package valuation marks a ledger to a price snapshot.
//
// A missing price is worth nothing yet rather than an error: a stale or
// partial feed must never stop a ledger from being valued.
package valuation

import (
	"github.com/shopspring/decimal"

	"github.com/coinwise/arena-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Valuate computes holdings value and net worth for l against prices.
// Symbols absent from prices contribute zero.
func Valuate(l model.Ledger, prices map[string]decimal.Decimal) model.Valuation {
	v := model.Valuation{
		Lines:         make([]model.HoldingValue, 0, len(l.Holdings)),
		HoldingsValue: decimal.Zero,
	}
	for _, h := range l.Holdings {
		price := prices[h.Symbol] // zero value when missing
		value := h.Amount.Mul(price)
		v.Lines = append(v.Lines, model.HoldingValue{
			Symbol: h.Symbol,
			Amount: h.Amount,
			Price:  price,
			Value:  value,
		})
		v.HoldingsValue = v.HoldingsValue.Add(value)
	}
	v.NetWorth = l.CashBalance.Add(v.HoldingsValue)
	return v
}

// NetWorth is shorthand for Valuate(l, prices).NetWorth.
func NetWorth(l model.Ledger, prices map[string]decimal.Decimal) decimal.Decimal {
	return Valuate(l, prices).NetWorth
}

// PnLPercent returns (netWorth - entry) / entry * 100. A non-positive entry
// yields zero.
func PnLPercent(netWorth, entry decimal.Decimal) decimal.Decimal {
	if !entry.IsPositive() {
		return decimal.Zero
	}
	return netWorth.Sub(entry).Div(entry).Mul(hundred)
}
