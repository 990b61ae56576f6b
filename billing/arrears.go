package billing

import "github.com/shopspring/decimal"

// =============================================================================
// ARREARS - Carried-forward balance of prior unpaid periods
// =============================================================================

// PeriodBalance is the slice of a bill the arrears calculation reads.
type PeriodBalance struct {
	Period  string
	Status  Status
	Balance Money
}

// SumArrears adds the balances of unpaid items whose period is not
// excludePeriod. The result is rounded to 2 places and never negative.
//
// Callers must read items inside the same transaction that consumes the
// result, otherwise a concurrent payment can change a balance in between.
func SumArrears(items []PeriodBalance, excludePeriod string) Money {
	total := decimal.Zero
	for _, it := range items {
		if it.Period == excludePeriod || !it.Status.IsUnpaid() {
			continue
		}
		total = total.Add(it.Balance)
	}
	total = Round2(total)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

func demandBalances(ds []Demand) []PeriodBalance {
	out := make([]PeriodBalance, 0, len(ds))
	for _, d := range ds {
		out = append(out, PeriodBalance{Period: d.Period, Status: d.Status, Balance: d.BalanceAmount})
	}
	return out
}

func waterBillBalances(bs []WaterBill) []PeriodBalance {
	out := make([]PeriodBalance, 0, len(bs))
	for _, b := range bs {
		out = append(out, PeriodBalance{Period: b.BillingPeriod, Status: b.Status, Balance: b.BalanceAmount})
	}
	return out
}
