package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DevXPanda/HTCMS-sub001/billing"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func m(s string) billing.Money { return billing.MustMoney(s) }

func assertMoney(t *testing.T, want string, got billing.Money, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, want, got.StringFixed(2), msgAndArgs...)
}

func freshCharge(base string, due time.Time) billing.Charge {
	return billing.NewCharge(m(base), m("0"), due)
}

// =============================================================================
// PAYMENT STATUS DERIVATION
// =============================================================================

func TestApplyPayment_StatusDerivation(t *testing.T) {
	due := billing.Date(2024, time.June, 30)

	tests := []struct {
		name        string
		amount      string
		wantStatus  billing.Status
		wantBalance string
	}{
		{"exact half is partially paid", "500", billing.StatusPartiallyPaid, "500.00"},
		{"lower band edge", "490", billing.StatusPartiallyPaid, "510.00"},
		{"upper band edge", "510", billing.StatusPartiallyPaid, "490.00"},
		{"below band leaves pending", "489.99", billing.StatusPending, "510.01"},
		{"above band leaves pending", "510.01", billing.StatusPending, "489.99"},
		{"small partial leaves pending", "100", billing.StatusPending, "900.00"},
		{"full amount is paid", "1000", billing.StatusPaid, "0.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := freshCharge("1000", due)
			next, err := c.ApplyPayment(m(tt.amount))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, next.Status)
			assertMoney(t, tt.wantBalance, next.BalanceAmount)
			require.NoError(t, next.CheckInvariant())
		})
	}
}

func TestApplyPayment_OverdueStaysOverdueOutsideBand(t *testing.T) {
	// GIVEN: An overdue charge
	// WHEN: A partial payment outside the 49-51% band is applied
	// THEN: Status stays overdue

	c := freshCharge("1000", billing.Date(2024, time.June, 30))
	c.Status = billing.StatusOverdue

	next, err := c.ApplyPayment(m("200"))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusOverdue, next.Status)
	assertMoney(t, "800.00", next.BalanceAmount)
}

func TestApplyPayment_Rejections(t *testing.T) {
	due := billing.Date(2024, time.June, 30)

	t.Run("overpayment", func(t *testing.T) {
		c := freshCharge("300", due)
		_, err := c.ApplyPayment(m("301"))
		assert.ErrorIs(t, err, billing.ErrInvalidAmount)
	})
	t.Run("zero", func(t *testing.T) {
		_, err := freshCharge("300", due).ApplyPayment(m("0"))
		assert.ErrorIs(t, err, billing.ErrInvalidAmount)
	})
	t.Run("negative", func(t *testing.T) {
		_, err := freshCharge("300", due).ApplyPayment(m("-5"))
		assert.ErrorIs(t, err, billing.ErrInvalidAmount)
	})
	t.Run("three decimals", func(t *testing.T) {
		_, err := freshCharge("300", due).ApplyPayment(m("10.005"))
		assert.ErrorIs(t, err, billing.ErrInvalidAmount)
	})
	t.Run("already paid", func(t *testing.T) {
		c, err := freshCharge("300", due).ApplyPayment(m("300"))
		require.NoError(t, err)
		_, err = c.ApplyPayment(m("1"))
		assert.ErrorIs(t, err, billing.ErrNotUnpaid)
	})
	t.Run("cancelled", func(t *testing.T) {
		c := freshCharge("300", due)
		c.Status = billing.StatusCancelled
		_, err := c.ApplyPayment(m("1"))
		assert.ErrorIs(t, err, billing.ErrNotUnpaid)
	})
}

func TestApplyPayment_PaidNeverDecreases(t *testing.T) {
	c := freshCharge("1000", billing.Date(2024, time.June, 30))
	prev := c.PaidAmount
	for _, amt := range []string{"100", "250.50", "0.01", "149.49", "500"} {
		next, err := c.ApplyPayment(m(amt))
		require.NoError(t, err)
		assert.True(t, next.PaidAmount.GreaterThan(prev))
		require.NoError(t, next.CheckInvariant())
		prev, c = next.PaidAmount, next
	}
	assert.Equal(t, billing.StatusPaid, c.Status)
}

// =============================================================================
// PENALTY / INTEREST
// =============================================================================

func TestApplyPenalty_Formula(t *testing.T) {
	// GIVEN: base 1000, arrears 200, due June 30, today Aug 9 (40 days late)
	// WHEN: Penalty is applied at 5% and 0.01%/day
	// THEN: penalty = 60.00, interest = 1200 * 0.0001 * 40 = 4.80

	c := billing.NewCharge(m("1000"), m("200"), billing.Date(2024, time.June, 30))
	next, changed := c.ApplyPenalty(billing.DefaultPenaltyRates, billing.Date(2024, time.August, 9))

	require.True(t, changed)
	assertMoney(t, "60.00", next.PenaltyAmount)
	assertMoney(t, "4.80", next.InterestAmount)
	assertMoney(t, "1264.80", next.TotalAmount)
	assertMoney(t, "1264.80", next.BalanceAmount)
	assert.Equal(t, billing.StatusOverdue, next.Status)
	require.NoError(t, next.CheckInvariant())
}

func TestApplyPenalty_Idempotent(t *testing.T) {
	c := billing.NewCharge(m("1000"), m("0"), billing.Date(2024, time.June, 30))
	today := billing.Date(2024, time.July, 20)

	first, changed := c.ApplyPenalty(billing.DefaultPenaltyRates, today)
	require.True(t, changed)
	second, changed := first.ApplyPenalty(billing.DefaultPenaltyRates, today)

	assert.False(t, changed)
	assert.Equal(t, first.PenaltyAmount.String(), second.PenaltyAmount.String())
	assert.Equal(t, first.InterestAmount.String(), second.InterestAmount.String())
	assert.Equal(t, first.TotalAmount.String(), second.TotalAmount.String())
}

func TestApplyPenalty_NoOps(t *testing.T) {
	due := billing.Date(2024, time.June, 30)

	t.Run("not past due", func(t *testing.T) {
		_, changed := freshCharge("1000", due).ApplyPenalty(billing.DefaultPenaltyRates, due)
		assert.False(t, changed)
	})
	t.Run("paid", func(t *testing.T) {
		c, err := freshCharge("1000", due).ApplyPayment(m("1000"))
		require.NoError(t, err)
		_, changed := c.ApplyPenalty(billing.DefaultPenaltyRates, due.AddDate(0, 1, 0))
		assert.False(t, changed)
	})
	t.Run("cancelled", func(t *testing.T) {
		c := freshCharge("1000", due)
		c.Status = billing.StatusCancelled
		_, changed := c.ApplyPenalty(billing.DefaultPenaltyRates, due.AddDate(0, 1, 0))
		assert.False(t, changed)
	})
}

func TestApplyPenalty_PaymentDoesNotReduceChargedInterest(t *testing.T) {
	// GIVEN: Penalty applied, then most of the principal paid the same day
	// WHEN: Penalty is recomputed
	// THEN: Interest already charged stays and balance stays non-negative

	today := billing.Date(2024, time.September, 28)
	c := freshCharge("1000", billing.Date(2024, time.June, 30))
	c, _ = c.ApplyPenalty(billing.DefaultPenaltyRates, today)
	interest := c.InterestAmount

	c, err := c.ApplyPayment(c.BalanceAmount.Sub(m("1")))
	require.NoError(t, err)
	next, _ := c.ApplyPenalty(billing.DefaultPenaltyRates, today)

	assert.True(t, next.InterestAmount.Equal(interest))
	assertMoney(t, "1.00", next.BalanceAmount)
	require.NoError(t, next.CheckInvariant())
}

// =============================================================================
// ARREARS
// =============================================================================

func TestSumArrears(t *testing.T) {
	items := []billing.PeriodBalance{
		{Period: "2022-23", Status: billing.StatusOverdue, Balance: m("200")},
		{Period: "2023-24", Status: billing.StatusPartiallyPaid, Balance: m("150.25")},
		{Period: "2023-24", Status: billing.StatusPaid, Balance: m("0")},
		{Period: "2021-22", Status: billing.StatusCancelled, Balance: m("999")},
		{Period: "2024-25", Status: billing.StatusPending, Balance: m("1000")},
	}

	assertMoney(t, "350.25", billing.SumArrears(items, "2024-25"))
	assertMoney(t, "0.00", billing.SumArrears(nil, "2024-25"))
}

// =============================================================================
// PERIODS
// =============================================================================

func TestPeriodConfig_ParseFiscalYear(t *testing.T) {
	pc := billing.PeriodConfig{}

	p, err := pc.ParseFiscalYear("2024-25")
	require.NoError(t, err)
	assert.Equal(t, billing.Date(2024, time.April, 1), p.Start)
	assert.Equal(t, billing.Date(2025, time.March, 31), p.End)

	p, err = pc.ParseFiscalYear("1999-00")
	require.NoError(t, err)
	assert.Equal(t, 1999, p.Start.Year())

	for _, bad := range []string{"2024-26", "2024", "24-25", "2024/25", "abcd-ef", ""} {
		_, err := pc.ParseFiscalYear(bad)
		assert.ErrorIs(t, err, billing.ErrInvalidPeriod, bad)
	}
}

func TestPeriodConfig_FiscalYearFor(t *testing.T) {
	pc := billing.PeriodConfig{FiscalYearStartMonth: time.April}
	assert.Equal(t, "2023-24", pc.FiscalYearFor(billing.Date(2024, time.March, 31)).Label)
	assert.Equal(t, "2024-25", pc.FiscalYearFor(billing.Date(2024, time.April, 1)).Label)

	jul := billing.PeriodConfig{FiscalYearStartMonth: time.July}
	assert.Equal(t, "2023-24", jul.FiscalYearFor(billing.Date(2024, time.June, 30)).Label)
}

func TestParseMonth(t *testing.T) {
	p, err := billing.ParseMonth("2024-02")
	require.NoError(t, err)
	assert.Equal(t, billing.Date(2024, time.February, 29), p.End)

	_, err = billing.ParseMonth("2024-13")
	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)
	_, err = billing.ParseMonth("2024-2")
	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorTaxonomy(t *testing.T) {
	_, err := billing.ParseServiceType("PARKING")
	assert.ErrorIs(t, err, billing.ErrInvalidServiceType)
	assert.Equal(t, billing.KindValidation, billing.KindOf(err))
	assert.Equal(t, "INVALID_SERVICE_TYPE", billing.CodeOf(err))
	assert.True(t, billing.IsClientError(err))
	assert.False(t, billing.IsRetryable(err))

	assert.True(t, billing.IsRetryable(billing.ErrConcurrentModification))
	assert.Equal(t, billing.KindInternal, billing.KindOf(assert.AnError))
	assert.NotErrorIs(t, billing.ErrDuplicateDemand, billing.ErrDuplicateNotice)
}
