/*
penalty.go - Overdue penalty and simple daily interest

PURPOSE:
  Recomputes penalty and interest on a bill past its due date and re-totals
  it. Both are recomputed from scratch on every call, so repeating a call
  with no intervening payment yields the same amounts.

FORMULAS:
  daysOverdue = whole days from dueDate to today
  principal   = base + arrears
  penalty     = round2(principal x penaltyRate / 100)
  outstanding = max(0, principal - paid)
  interest    = round2(outstanding x dailyRate / 100 x daysOverdue)
  total       = round2(principal + penalty + interest)
  balance     = round2(total - paid)

  Interest is charged on the outstanding principal, never on earlier penalty
  or interest, and never drops below the interest already charged: a later
  payment reduces future accrual, not interest already billed. Payments may
  already have covered that interest, so lowering it could push paid above
  total and the balance below zero.

RATES:
  RateOverrides sets each rate independently; an unset rate falls back to
  the engine's configured rate. An explicit zero disables that component.

NO-OP CASES:
  today <= dueDate, balance == 0, or status paid/cancelled.

STATUS:
  pending -> overdue once daysOverdue > 0. partially_paid is kept.
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PenaltyRates are percentages.
type PenaltyRates struct {
	PenaltyPercent       Money // one-time, on principal
	DailyInterestPercent Money // per day overdue, on outstanding principal
}

var DefaultPenaltyRates = PenaltyRates{
	PenaltyPercent:       decimal.NewFromInt(5),
	DailyInterestPercent: decimal.New(1, -2),
}

// RateOverrides replaces individual configured rates for one call. Nil
// fields keep the configured rate.
type RateOverrides struct {
	PenaltyPercent       *Money
	DailyInterestPercent *Money
}

// Resolve fills unset fields from defaults.
func (o RateOverrides) Resolve(defaults PenaltyRates) (PenaltyRates, error) {
	rates := defaults
	if o.PenaltyPercent != nil {
		rates.PenaltyPercent = *o.PenaltyPercent
	}
	if o.DailyInterestPercent != nil {
		rates.DailyInterestPercent = *o.DailyInterestPercent
	}
	return rates, rates.validate()
}

func (r PenaltyRates) validate() error {
	if r.PenaltyPercent.IsNegative() || r.DailyInterestPercent.IsNegative() {
		return newError(ErrInvalidRequest, "penalty rates must not be negative")
	}
	return nil
}

// ApplyPenalty returns c with penalty and interest recomputed as of today.
// The bool reports whether anything changed.
func (c Charge) ApplyPenalty(rates PenaltyRates, today time.Time) (Charge, bool) {
	days := daysBetween(c.DueDate, today)
	if days <= 0 || !c.Status.IsUnpaid() || !c.BalanceAmount.IsPositive() {
		return c, false
	}

	principal := c.Principal()
	outstanding := maxMoney(decimal.Zero, Round2(principal.Sub(c.PaidAmount)))

	next := c
	next.PenaltyAmount = percentOf(principal, rates.PenaltyPercent)
	interest := Round2(outstanding.Mul(rates.DailyInterestPercent).Div(hundred).Mul(decimal.NewFromInt(int64(days))))
	next.InterestAmount = maxMoney(interest, c.InterestAmount)
	next.TotalAmount = Round2(principal.Add(next.PenaltyAmount).Add(next.InterestAmount))
	next.BalanceAmount = Round2(next.TotalAmount.Sub(next.PaidAmount))
	if next.Status == StatusPending {
		next.Status = StatusOverdue
	}

	changed := next.Status != c.Status ||
		!next.PenaltyAmount.Equal(c.PenaltyAmount) ||
		!next.InterestAmount.Equal(c.InterestAmount)
	return next, changed
}

// =============================================================================
// ENGINE OPERATIONS
// =============================================================================

type PenaltyResult struct {
	Demand  *Demand
	Applied bool
}

type WaterBillPenaltyResult struct {
	Bill    *WaterBill
	Applied bool
}

// ApplyPenalty recomputes penalty and interest on a demand as of today.
// Rates not overridden use the engine's configured rates.
func (e *Engine) ApplyPenalty(ctx context.Context, demandID string, rates RateOverrides, actor Actor) (*PenaltyResult, error) {
	return e.applyDemandPenalty(ctx, demandID, rates, e.clock.Now(), actor)
}

// ApplyWaterBillPenalty is ApplyPenalty for water bills.
func (e *Engine) ApplyWaterBillPenalty(ctx context.Context, billID string, rates RateOverrides, actor Actor) (*WaterBillPenaltyResult, error) {
	return e.applyWaterBillPenalty(ctx, billID, rates, e.clock.Now(), actor)
}

func (e *Engine) applyDemandPenalty(ctx context.Context, id string, overrides RateOverrides, today time.Time, actor Actor) (*PenaltyResult, error) {
	rates, err := overrides.Resolve(e.rates)
	if err != nil {
		return nil, err
	}

	var (
		before Demand
		out    PenaltyResult
	)
	err = e.run(ctx, "apply_penalty", func(st Store) error {
		d, err := st.LockDemand(ctx, id)
		if err != nil {
			return err
		}
		before = *d
		next, changed := d.Charge.ApplyPenalty(rates, today)
		out = PenaltyResult{Demand: d, Applied: changed}
		if !changed {
			return nil
		}
		if err := e.checkCharge("apply_penalty", d.ID, d.Charge, next); err != nil {
			return err
		}
		d.Charge = next
		d.UpdatedAt = e.clock.Now()
		return st.UpdateDemand(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	if out.Applied {
		d := out.Demand
		e.log.Info("penalty applied",
			zap.String("demand_id", d.ID),
			zap.String("number", d.Number),
			zap.Object("charge", d.Charge))
		e.record(ctx, AuditEvent{
			Actor:       actor.ID,
			Action:      ActionPenalty,
			EntityType:  "demand",
			EntityID:    d.ID,
			Before:      before,
			After:       d,
			Description: fmt.Sprintf("penalty %s interest %s", d.PenaltyAmount.StringFixed(2), d.InterestAmount.StringFixed(2)),
		})
	}
	return &out, nil
}

func (e *Engine) applyWaterBillPenalty(ctx context.Context, id string, overrides RateOverrides, today time.Time, actor Actor) (*WaterBillPenaltyResult, error) {
	rates, err := overrides.Resolve(e.rates)
	if err != nil {
		return nil, err
	}

	var (
		before WaterBill
		out    WaterBillPenaltyResult
	)
	err = e.run(ctx, "apply_water_bill_penalty", func(st Store) error {
		b, err := st.LockWaterBill(ctx, id)
		if err != nil {
			return err
		}
		before = *b
		next, changed := b.Charge.ApplyPenalty(rates, today)
		out = WaterBillPenaltyResult{Bill: b, Applied: changed}
		if !changed {
			return nil
		}
		if err := e.checkCharge("apply_water_bill_penalty", b.ID, b.Charge, next); err != nil {
			return err
		}
		b.Charge = next
		b.UpdatedAt = e.clock.Now()
		return st.UpdateWaterBill(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	if out.Applied {
		b := out.Bill
		e.log.Info("water bill penalty applied",
			zap.String("bill_id", b.ID),
			zap.String("number", b.Number),
			zap.Object("charge", b.Charge))
		e.record(ctx, AuditEvent{
			Actor:      actor.ID,
			Action:     ActionPenalty,
			EntityType: "water_bill",
			EntityID:   b.ID,
			Before:     before,
			After:      b,
		})
	}
	return &out, nil
}

// =============================================================================
// SWEEP - Background / administrative trigger
// =============================================================================

type SweepResult struct {
	Scanned int
	Applied int
	Failed  int
}

// SweepOverdue applies penalties to every unpaid demand and water bill due
// before asOf, one transaction per bill. Per-bill failures are counted and
// logged; the sweep continues.
func (e *Engine) SweepOverdue(ctx context.Context, asOf time.Time, actor Actor) (*SweepResult, error) {
	res := &SweepResult{}
	asOf = dateOnly(asOf)

	demands, err := e.store.ListDemands(ctx, DemandFilter{Statuses: UnpaidStatuses, DueBefore: asOf})
	if err != nil {
		return nil, err
	}
	for _, d := range demands {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++
		r, err := e.applyDemandPenalty(ctx, d.ID, RateOverrides{}, asOf, actor)
		if err != nil {
			res.Failed++
			e.log.Warn("penalty sweep failed", zap.String("demand_id", d.ID), zap.Error(err))
			continue
		}
		if r.Applied {
			res.Applied++
		}
	}

	bills, err := e.store.ListWaterBills(ctx, WaterBillFilter{Statuses: UnpaidStatuses, DueBefore: asOf})
	if err != nil {
		return res, err
	}
	for _, b := range bills {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++
		r, err := e.applyWaterBillPenalty(ctx, b.ID, RateOverrides{}, asOf, actor)
		if err != nil {
			res.Failed++
			e.log.Warn("penalty sweep failed", zap.String("bill_id", b.ID), zap.Error(err))
			continue
		}
		if r.Applied {
			res.Applied++
		}
	}

	e.log.Info("penalty sweep finished",
		zap.Time("as_of", asOf),
		zap.Int("scanned", res.Scanned),
		zap.Int("applied", res.Applied),
		zap.Int("failed", res.Failed))
	return res, nil
}
