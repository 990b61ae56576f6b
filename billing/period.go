package billing

import (
	"fmt"
	"strconv"
	"time"
)

// =============================================================================
// PERIOD - The billing window a Demand or WaterBill covers
// =============================================================================

// Period is a labelled, closed date range [Start, End].
//
// Examples:
//   - Financial year "2024-25": Apr 1 2024 - Mar 31 2025 (default start month)
//   - Month "2024-07": Jul 1 2024 - Jul 31 2024
type Period struct {
	Label string
	Start time.Time
	End   time.Time
}

// Contains returns true if t falls within [Start, End].
func (p Period) Contains(t time.Time) bool {
	d := dateOnly(t)
	return !d.Before(p.Start) && !d.After(p.End)
}

func (p Period) String() string {
	return p.Label + " [" + p.Start.Format("2006-01-02") + ", " + p.End.Format("2006-01-02") + "]"
}

// PeriodConfig defines how period labels map to dates.
type PeriodConfig struct {
	// Which month starts the financial year (1-12). Zero means April.
	FiscalYearStartMonth time.Month
}

func (pc PeriodConfig) startMonth() time.Month {
	if pc.FiscalYearStartMonth < time.January || pc.FiscalYearStartMonth > time.December {
		return time.April
	}
	return pc.FiscalYearStartMonth
}

// =============================================================================
// PERIOD CALCULATOR - Label parsing and lookup by date
// =============================================================================

// ForService parses label using the period format of the service type.
func (pc PeriodConfig) ForService(s ServiceType, label string) (Period, error) {
	if s.Monthly() {
		return ParseMonth(label)
	}
	return pc.ParseFiscalYear(label)
}

// ParseFiscalYear parses "YYYY-YY" where YY is the last two digits of YYYY+1.
func (pc PeriodConfig) ParseFiscalYear(label string) (Period, error) {
	if len(label) != 7 || label[4] != '-' {
		return Period{}, newError(ErrInvalidPeriod, "financial year %q must look like 2024-25", label)
	}
	year, err := strconv.Atoi(label[:4])
	if err != nil {
		return Period{}, newError(ErrInvalidPeriod, "financial year %q: bad start year", label)
	}
	suffix, err := strconv.Atoi(label[5:])
	if err != nil || suffix != (year+1)%100 {
		return Period{}, newError(ErrInvalidPeriod, "financial year %q: years are not consecutive", label)
	}
	return pc.fiscalYear(year), nil
}

// FiscalYearFor returns the financial year containing date.
func (pc PeriodConfig) FiscalYearFor(date time.Time) Period {
	d := dateOnly(date)
	year := d.Year()
	// Before the start month we're still in the previous financial year
	if d.Before(Date(year, pc.startMonth(), 1)) {
		year--
	}
	return pc.fiscalYear(year)
}

func (pc PeriodConfig) fiscalYear(year int) Period {
	start := Date(year, pc.startMonth(), 1)
	return Period{
		Label: fmt.Sprintf("%04d-%02d", year, (year+1)%100),
		Start: start,
		End:   start.AddDate(1, 0, -1),
	}
}

// ParseMonth parses "YYYY-MM".
func ParseMonth(label string) (Period, error) {
	t, err := time.Parse("2006-01", label)
	if err != nil || len(label) != 7 {
		return Period{}, newError(ErrInvalidPeriod, "month %q must look like 2024-07", label)
	}
	return monthPeriod(t.Year(), t.Month()), nil
}

// MonthFor returns the calendar month containing date.
func MonthFor(date time.Time) Period {
	d := dateOnly(date)
	return monthPeriod(d.Year(), d.Month())
}

func monthPeriod(year int, month time.Month) Period {
	start := Date(year, month, 1)
	return Period{
		Label: start.Format("2006-01"),
		Start: start,
		End:   start.AddDate(0, 1, -1),
	}
}
