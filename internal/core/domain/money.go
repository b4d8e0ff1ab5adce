package domain

import "github.com/shopspring/decimal"

// MoneyTolerance is the largest difference still treated as equal when
// comparing currency amounts.
var MoneyTolerance = decimal.New(1, -2)

// RoundMoney rounds an amount to the 2-decimal precision used at every
// stored or reported boundary.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// MoneyEqual reports whether a and b differ by no more than MoneyTolerance.
func MoneyEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(MoneyTolerance)
}

func SumMoney(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
