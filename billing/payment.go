/*
payment.go - Payment application under a row lock

PURPOSE:
  Posts a completed payment against an open Demand or WaterBill. The bill row
  is locked from the balance re-read through commit, so two concurrent
  payments can never both observe the same balance.

STATUS DERIVATION (evaluated in order, epsilon 0.01):
  |newBalance| < epsilon                        -> paid, balance forced to 0
  0.49 x total <= newPaid <= 0.51 x total       -> partially_paid
  otherwise                                     -> unchanged (pending/overdue stay)

  The 49-51% band marks an exactly-half payment. A smaller or larger partial
  payment does NOT make a bill partially_paid.

NUMBERING:
  PaymentNumber  PAY-YYYYMMDD-NNNNN
  ReceiptNumber  RCT-YYYY-MM-NNNNN

  NNNNN comes from Store.ReserveSequence, one counter per prefix that does
  not reset with the date. Payments on different bills never queue on a
  shared counter row; a rolled back payment leaves a gap.

SIDE EFFECTS:
  When a demand becomes paid, every open notice on it is resolved in the
  same transaction.
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// CHARGE MATH
// =============================================================================

// ApplyPayment returns c after paying amount, or an error leaving c unchanged.
func (c Charge) ApplyPayment(amount Money) (Charge, error) {
	if !c.Status.IsUnpaid() {
		return c, newError(ErrNotUnpaid, "status is %s", c.Status)
	}
	if !amount.IsPositive() {
		return c, newError(ErrInvalidAmount, "amount %s must be greater than zero", amount)
	}
	if !HasAtMostTwoPlaces(amount) {
		return c, newError(ErrInvalidAmount, "amount %s has more than 2 decimals", amount)
	}
	if amount.GreaterThan(c.BalanceAmount) {
		return c, newError(ErrInvalidAmount, "amount %s exceeds balance %s", amount.StringFixed(2), c.BalanceAmount.StringFixed(2))
	}

	next := c
	next.PaidAmount = Round2(c.PaidAmount.Add(amount))
	next.BalanceAmount = Round2(c.TotalAmount.Sub(next.PaidAmount))
	next.Status = deriveStatus(c.Status, next.PaidAmount, next.BalanceAmount, c.TotalAmount)
	if next.Status == StatusPaid {
		next.BalanceAmount = decimal.Zero
	}
	return next, nil
}

func deriveStatus(current Status, paid, balance, total Money) Status {
	if balance.Abs().LessThan(Epsilon) {
		return StatusPaid
	}
	low := total.Mul(halfLowBand)
	high := total.Mul(halfHighBand)
	if paid.GreaterThanOrEqual(low) && paid.LessThanOrEqual(high) {
		return StatusPartiallyPaid
	}
	return current
}

// =============================================================================
// PAYMENT REQUESTS
// =============================================================================

type PaymentRequest struct {
	TargetID    string
	Amount      Money
	Mode        PaymentMode
	PaymentDate time.Time // zero = today
	ExternalRef string
	Actor       Actor
}

func (r PaymentRequest) validate() error {
	if r.TargetID == "" {
		return newError(ErrInvalidRequest, "missing bill id")
	}
	if !r.Mode.valid() {
		return newError(ErrInvalidPaymentMode, "unknown payment mode %q", r.Mode)
	}
	if !r.Amount.IsPositive() || !HasAtMostTwoPlaces(r.Amount) {
		return newError(ErrInvalidAmount, "amount %s must be positive with at most 2 decimals", r.Amount)
	}
	return nil
}

type DemandPayment struct {
	Payment *Payment
	Demand  *Demand
}

type WaterBillPayment struct {
	Payment *Payment
	Bill    *WaterBill
}

// PayDemand applies a payment to a demand.
func (e *Engine) PayDemand(ctx context.Context, req PaymentRequest) (*DemandPayment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var (
		before Demand
		out    DemandPayment
	)
	err := e.run(ctx, "pay_demand", func(st Store) error {
		// 1. Lock and re-read
		d, err := st.LockDemand(ctx, req.TargetID)
		if err != nil {
			return err
		}
		before = *d

		// 2. Validate and compute
		next, err := d.Charge.ApplyPayment(req.Amount)
		if err != nil {
			return err
		}
		if err := e.checkCharge("pay_demand", d.ID, d.Charge, next); err != nil {
			return err
		}

		// 3. Payment record, then the demand
		p, err := e.newPayment(ctx, st, d.Ref(), req)
		if err != nil {
			return err
		}
		d.Charge = next
		d.UpdatedAt = p.CreatedAt
		if err := st.UpdateDemand(ctx, d); err != nil {
			return err
		}

		// 4. Auto-resolve notices
		if d.Status == StatusPaid {
			if err := resolveNotices(ctx, st, d.ID, p.CreatedAt); err != nil {
				return err
			}
		}
		out = DemandPayment{Payment: p, Demand: d}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.observer.ObservePayment(KindDemand, req.Mode, req.Amount)
	e.log.Info("payment applied",
		zap.String("demand_id", out.Demand.ID),
		zap.String("payment_number", out.Payment.PaymentNumber),
		zap.String("amount", req.Amount.StringFixed(2)),
		zap.String("status", string(out.Demand.Status)))
	e.record(ctx, AuditEvent{
		Actor:       req.Actor.ID,
		Action:      ActionPay,
		EntityType:  "demand",
		EntityID:    out.Demand.ID,
		Before:      before,
		After:       out.Demand,
		Description: fmt.Sprintf("payment %s of %s via %s", out.Payment.PaymentNumber, req.Amount.StringFixed(2), req.Mode),
	})
	return &out, nil
}

// PayWaterBill applies a payment to a water bill.
func (e *Engine) PayWaterBill(ctx context.Context, req PaymentRequest) (*WaterBillPayment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var (
		before WaterBill
		out    WaterBillPayment
	)
	err := e.run(ctx, "pay_water_bill", func(st Store) error {
		b, err := st.LockWaterBill(ctx, req.TargetID)
		if err != nil {
			return err
		}
		before = *b

		next, err := b.Charge.ApplyPayment(req.Amount)
		if err != nil {
			return err
		}
		if err := e.checkCharge("pay_water_bill", b.ID, b.Charge, next); err != nil {
			return err
		}

		p, err := e.newPayment(ctx, st, b.Ref(), req)
		if err != nil {
			return err
		}
		b.Charge = next
		b.UpdatedAt = p.CreatedAt
		if err := st.UpdateWaterBill(ctx, b); err != nil {
			return err
		}
		out = WaterBillPayment{Payment: p, Bill: b}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.observer.ObservePayment(KindWaterBill, req.Mode, req.Amount)
	e.log.Info("water bill payment applied",
		zap.String("bill_id", out.Bill.ID),
		zap.String("payment_number", out.Payment.PaymentNumber),
		zap.String("amount", req.Amount.StringFixed(2)),
		zap.String("status", string(out.Bill.Status)))
	e.record(ctx, AuditEvent{
		Actor:       req.Actor.ID,
		Action:      ActionPay,
		EntityType:  "water_bill",
		EntityID:    out.Bill.ID,
		Before:      before,
		After:       out.Bill,
		Description: fmt.Sprintf("payment %s of %s via %s", out.Payment.PaymentNumber, req.Amount.StringFixed(2), req.Mode),
	})
	return &out, nil
}

func (e *Engine) newPayment(ctx context.Context, st Store, target ChargeRef, req PaymentRequest) (*Payment, error) {
	now := e.clock.Now()
	paidOn := req.PaymentDate
	if paidOn.IsZero() {
		paidOn = now
	}
	payNo, err := reservedNumber(ctx, st, "PAY", now.Format("20060102"))
	if err != nil {
		return nil, err
	}
	rctNo, err := reservedNumber(ctx, st, "RCT", now.Format("2006-01"))
	if err != nil {
		return nil, err
	}
	p := &Payment{
		ID:            e.newID(),
		Target:        target,
		Amount:        Round2(req.Amount),
		Mode:          req.Mode,
		PaymentDate:   dateOnly(paidOn),
		ReceiptNumber: rctNo,
		PaymentNumber: payNo,
		ExternalRef:   req.ExternalRef,
		CollectedBy:   req.Actor.ID,
		CreatedAt:     now,
	}
	if err := st.InsertPayment(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// =============================================================================
// PAYMENT READS
// =============================================================================

// Payments lists the payments applied to a demand or water bill.
func (e *Engine) Payments(ctx context.Context, target ChargeRef) ([]Payment, error) {
	if _, err := e.chargeOf(ctx, target); err != nil {
		return nil, err
	}
	return e.store.ListPayments(ctx, target)
}

// VerifyPaymentSum reports whether the bill's paid amount equals the sum of
// its payments.
func (e *Engine) VerifyPaymentSum(ctx context.Context, target ChargeRef) (bool, error) {
	c, err := e.chargeOf(ctx, target)
	if err != nil {
		return false, err
	}
	ps, err := e.store.ListPayments(ctx, target)
	if err != nil {
		return false, err
	}
	return SumPayments(ps).Equal(c.PaidAmount), nil
}

func (e *Engine) chargeOf(ctx context.Context, target ChargeRef) (Charge, error) {
	switch target.Kind {
	case KindDemand:
		d, err := e.store.GetDemand(ctx, target.ID)
		if err != nil {
			return Charge{}, err
		}
		return d.Charge, nil
	case KindWaterBill:
		b, err := e.store.GetWaterBill(ctx, target.ID)
		if err != nil {
			return Charge{}, err
		}
		return b.Charge, nil
	}
	return Charge{}, newError(ErrInvalidRequest, "unknown charge kind %q", target.Kind)
}
