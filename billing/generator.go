/*
generator.go - Demand and WaterBill generation with arrears roll-forward

PURPOSE:
  Builds a new period's charge from a base amount source plus the arrears of
  the subject's prior unpaid periods of the same service, issues a unique
  number, and persists it idempotently.

GENERATION FLOW (one transaction):
  1. Lock the subject (or connection) row
  2. Find an open bill for the period: return it (idempotent) or conflict
  3. Sum arrears over prior unpaid bills, read under the same lock
  4. Resolve the base amount from the source
  5. Draw the next number from the (prefix, period) sequence
  6. Insert; total = balance = base + arrears, status pending

BASE AMOUNT SOURCES:
  AssessmentSource   HOUSE_TAX, SHOP_TAX   approved annual tax amount
  FixedRateSource    WATER_TAX             monthly rate x 12
  MeteredSource      WATER_TAX             rate x consumption
  FlatFeeSource      D2DC                  supplied fee, > 0

NUMBERING:
  <PREFIX>-<period>-<NNNNN>, e.g. HT-2024-25-00042, D2DC-2024-07-00003,
  WB-2024-07-00011. Sequences are scoped per prefix and period.

RACES:
  If two generators race past step 2 (possible only when the store's row
  lock is weaker than the unique index), the loser's insert fails on the
  open-period index. Idempotent callers then re-read the winner's row.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// BASE AMOUNT SOURCES
// =============================================================================

// BaseAmountSource resolves the base amount of a new demand.
type BaseAmountSource interface {
	// Name identifies the source in logs and audit events.
	Name() string

	fits(s ServiceType) bool
	baseAmount(ctx context.Context, st Store, subject *BillingSubject, period Period) (Money, error)
}

// AssessmentSource uses the approved annual tax amount of the subject's
// assessment for the demand's financial year.
type AssessmentSource struct{}

func (AssessmentSource) Name() string { return "assessment" }

func (AssessmentSource) fits(s ServiceType) bool {
	return s == ServiceHouseTax || s == ServiceShopTax
}

func (AssessmentSource) baseAmount(ctx context.Context, st Store, subject *BillingSubject, period Period) (Money, error) {
	a, err := st.GetAssessment(ctx, subject.ID, period.Label)
	if err != nil {
		return decimal.Zero, err
	}
	if a.Status != AssessmentApproved {
		return decimal.Zero, newError(ErrSourceNotApproved, "assessment for subject %d period %s is %s", subject.ID, period.Label, a.Status)
	}
	return Round2(a.AnnualTaxAmount), nil
}

// FixedRateSource bills a fixed-rate water connection for a year: rate x 12.
type FixedRateSource struct {
	ConnectionID ConnectionID
}

func (FixedRateSource) Name() string { return "fixed_rate" }

func (FixedRateSource) fits(s ServiceType) bool { return s == ServiceWaterTax }

func (f FixedRateSource) baseAmount(ctx context.Context, st Store, subject *BillingSubject, _ Period) (Money, error) {
	c, err := activeConnection(ctx, st, f.ConnectionID, subject.ID)
	if err != nil {
		return decimal.Zero, err
	}
	return Round2(c.Rate.Mul(decimal.NewFromInt(12))), nil
}

// MeteredSource bills metered or estimated consumption: rate x consumption.
type MeteredSource struct {
	ConnectionID ConnectionID
	Consumption  Money
}

func (MeteredSource) Name() string { return "metered" }

func (MeteredSource) fits(s ServiceType) bool { return s == ServiceWaterTax }

func (m MeteredSource) baseAmount(ctx context.Context, st Store, subject *BillingSubject, _ Period) (Money, error) {
	if m.Consumption.IsNegative() {
		return decimal.Zero, newError(ErrInvalidAmount, "consumption %s is negative", m.Consumption)
	}
	c, err := activeConnection(ctx, st, m.ConnectionID, subject.ID)
	if err != nil {
		return decimal.Zero, err
	}
	return Round2(c.Rate.Mul(m.Consumption)), nil
}

// FlatFeeSource is the supplied door-to-door collection fee.
type FlatFeeSource struct {
	Amount Money
}

func (FlatFeeSource) Name() string { return "flat_fee" }

func (FlatFeeSource) fits(s ServiceType) bool { return s == ServiceD2DC }

func (f FlatFeeSource) baseAmount(context.Context, Store, *BillingSubject, Period) (Money, error) {
	if !f.Amount.IsPositive() || !HasAtMostTwoPlaces(f.Amount) {
		return decimal.Zero, newError(ErrInvalidAmount, "flat fee %s must be positive with at most 2 decimals", f.Amount)
	}
	return f.Amount, nil
}

func activeConnection(ctx context.Context, st Store, id ConnectionID, subject SubjectID) (*WaterConnection, error) {
	c, err := st.GetConnection(ctx, id)
	if err != nil {
		if errors.Is(err, ErrConnectionNotFound) {
			return nil, newError(ErrSourceNotFound, "water connection %d", id)
		}
		return nil, err
	}
	if subject != 0 && c.SubjectID != subject {
		return nil, newError(ErrSourceNotFound, "water connection %d does not belong to subject %d", id, subject)
	}
	if c.Status != ConnectionActive {
		return nil, newError(ErrSourceNotApproved, "water connection %d is %s", id, c.Status)
	}
	return c, nil
}

// =============================================================================
// DEMAND GENERATION
// =============================================================================

type GenerateDemandRequest struct {
	SubjectID   SubjectID
	ServiceType ServiceType
	Period      string
	Source      BaseAmountSource
	DueDate     time.Time // zero = service default
	Remarks     string

	// Idempotent returns an existing open demand instead of DuplicateDemand.
	Idempotent bool
	Actor      Actor
}

type GenerateResult struct {
	Demand  *Demand
	Created bool
}

// GenerateDemand creates the demand for one subject, service and period.
func (e *Engine) GenerateDemand(ctx context.Context, req GenerateDemandRequest) (*GenerateResult, error) {
	period, err := e.validateGenerate(req)
	if err != nil {
		return nil, err
	}

	var result *GenerateResult
	err = e.run(ctx, "generate_demand", func(st Store) error {
		r, err := e.generateDemand(ctx, st, req, period)
		result = r
		return err
	})

	// A concurrent generator won the unique index; report its row.
	if errors.Is(err, ErrDuplicateDemand) && req.Idempotent {
		existing, ferr := e.store.FindOpenDemand(ctx, req.SubjectID, req.ServiceType, period.Label)
		if ferr != nil {
			return nil, ferr
		}
		return &GenerateResult{Demand: existing}, nil
	}
	if err != nil {
		return nil, err
	}

	if result.Created {
		d := result.Demand
		e.log.Info("demand generated",
			zap.String("demand_id", d.ID),
			zap.String("number", d.Number),
			zap.Int64("subject_id", int64(d.SubjectID)),
			zap.String("service_type", string(d.ServiceType)),
			zap.String("period", d.Period),
			zap.String("source", req.Source.Name()),
			zap.Object("charge", d.Charge))
		e.record(ctx, AuditEvent{
			Actor:       req.Actor.ID,
			Action:      ActionGenerate,
			EntityType:  "demand",
			EntityID:    d.ID,
			After:       d,
			Description: fmt.Sprintf("generated %s from %s source", d.Number, req.Source.Name()),
		})
	}
	return result, nil
}

func (e *Engine) validateGenerate(req GenerateDemandRequest) (Period, error) {
	if _, err := ParseServiceType(string(req.ServiceType)); err != nil {
		return Period{}, err
	}
	period, err := e.periods.ForService(req.ServiceType, req.Period)
	if err != nil {
		return Period{}, err
	}
	if req.Source == nil {
		return Period{}, newError(ErrInvalidSource, "no base amount source")
	}
	if !req.Source.fits(req.ServiceType) {
		return Period{}, newError(ErrInvalidSource, "%s source cannot bill %s", req.Source.Name(), req.ServiceType)
	}
	return period, nil
}

func (e *Engine) generateDemand(ctx context.Context, st Store, req GenerateDemandRequest, period Period) (*GenerateResult, error) {
	// 1. Serialise generation for this subject
	subject, err := st.LockSubject(ctx, req.SubjectID)
	if err != nil {
		return nil, err
	}

	// 2. Open demand for the period already exists?
	existing, err := st.FindOpenDemand(ctx, subject.ID, req.ServiceType, period.Label)
	switch {
	case err == nil:
		if req.Idempotent {
			return &GenerateResult{Demand: existing}, nil
		}
		return nil, newError(ErrDuplicateDemand, "%s already exists for subject %d %s %s", existing.Number, subject.ID, req.ServiceType, period.Label)
	case !errors.Is(err, ErrDemandNotFound):
		return nil, err
	}

	// 3. Arrears over prior unpaid periods, under the same lock
	prior, err := st.UnpaidDemands(ctx, subject.ID, req.ServiceType, period.Label)
	if err != nil {
		return nil, err
	}
	arrears := SumArrears(demandBalances(prior), period.Label)

	// 4. Base amount
	base, err := req.Source.baseAmount(ctx, st, subject, period)
	if err != nil {
		return nil, err
	}
	if base.IsNegative() {
		return nil, newError(ErrInvalidAmount, "base amount %s is negative", base)
	}

	// 5. Number
	prefix := req.ServiceType.NumberPrefix()
	number, err := nextNumber(ctx, st, prefix, period.Label)
	if err != nil {
		return nil, err
	}

	// 6. Persist
	due := req.DueDate
	if due.IsZero() {
		due = e.defaultDemandDue(req.ServiceType, period)
	}
	now := e.clock.Now()
	d := &Demand{
		ID:          e.newID(),
		Number:      number,
		SubjectID:   subject.ID,
		ServiceType: req.ServiceType,
		Period:      period.Label,
		Charge:      NewCharge(base, arrears, due),
		Remarks:     req.Remarks,
		GeneratedBy: req.Actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.checkCharge("generate_demand", d.ID, Charge{}, d.Charge); err != nil {
		return nil, err
	}
	if err := st.InsertDemand(ctx, d); err != nil {
		return nil, err
	}
	return &GenerateResult{Demand: d, Created: true}, nil
}

func (e *Engine) defaultDemandDue(s ServiceType, p Period) time.Time {
	if s.Monthly() {
		return p.Start.AddDate(0, 0, e.due.Monthly)
	}
	return p.Start.AddDate(0, 0, e.due.FiscalYear)
}

func nextNumber(ctx context.Context, st Store, prefix, scope string) (string, error) {
	seq, err := st.NextSequence(ctx, prefix, scope)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%05d", prefix, scope, seq), nil
}

func reservedNumber(ctx context.Context, st Store, prefix, label string) (string, error) {
	seq, err := st.ReserveSequence(ctx, prefix)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%05d", prefix, label, seq), nil
}

// =============================================================================
// BULK GENERATION - Idempotent, one transaction per subject
// =============================================================================

type BulkGenerateRequest struct {
	SubjectIDs  []SubjectID
	ServiceType ServiceType
	Period      string
	Source      BaseAmountSource // AssessmentSource or FlatFeeSource
	DueDate     time.Time
	Remarks     string
	Actor       Actor
}

type BulkItem struct {
	SubjectID SubjectID
	Demand    *Demand
	Created   bool
	Err       error
}

type BulkResult struct {
	Items    []BulkItem
	Created  int
	Existing int
	Failed   int
}

// GenerateBulk generates a demand per subject in idempotent mode. A failure
// for one subject does not stop the others.
func (e *Engine) GenerateBulk(ctx context.Context, req BulkGenerateRequest) (*BulkResult, error) {
	switch req.Source.(type) {
	case AssessmentSource, FlatFeeSource:
	default:
		return nil, newError(ErrInvalidSource, "bulk generation needs a per-subject source")
	}
	if len(req.SubjectIDs) == 0 {
		return nil, newError(ErrInvalidRequest, "no subjects")
	}

	res := &BulkResult{Items: make([]BulkItem, 0, len(req.SubjectIDs))}
	for _, id := range req.SubjectIDs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		r, err := e.GenerateDemand(ctx, GenerateDemandRequest{
			SubjectID:   id,
			ServiceType: req.ServiceType,
			Period:      req.Period,
			Source:      req.Source,
			DueDate:     req.DueDate,
			Remarks:     req.Remarks,
			Idempotent:  true,
			Actor:       req.Actor,
		})
		item := BulkItem{SubjectID: id, Err: err}
		switch {
		case err != nil:
			res.Failed++
		case r.Created:
			item.Demand, item.Created = r.Demand, true
			res.Created++
		default:
			item.Demand = r.Demand
			res.Existing++
		}
		res.Items = append(res.Items, item)
	}
	e.log.Info("bulk generation finished",
		zap.String("service_type", string(req.ServiceType)),
		zap.String("period", req.Period),
		zap.Int("created", res.Created),
		zap.Int("existing", res.Existing),
		zap.Int("failed", res.Failed))
	return res, nil
}

// =============================================================================
// WATER BILL GENERATION
// =============================================================================

type GenerateWaterBillRequest struct {
	ConnectionID  ConnectionID
	BillingPeriod string // YYYY-MM
	Consumption   *Money // required for METERED connections
	DueDate       time.Time
	Idempotent    bool
	Actor         Actor
}

type WaterBillResult struct {
	Bill    *WaterBill
	Created bool
}

// GenerateWaterBill creates the monthly bill for one connection.
func (e *Engine) GenerateWaterBill(ctx context.Context, req GenerateWaterBillRequest) (*WaterBillResult, error) {
	period, err := ParseMonth(req.BillingPeriod)
	if err != nil {
		return nil, err
	}
	if req.Consumption != nil && req.Consumption.IsNegative() {
		return nil, newError(ErrInvalidAmount, "consumption %s is negative", *req.Consumption)
	}

	var result *WaterBillResult
	err = e.run(ctx, "generate_water_bill", func(st Store) error {
		r, err := e.generateWaterBill(ctx, st, req, period)
		result = r
		return err
	})
	if errors.Is(err, ErrDuplicateWaterBill) && req.Idempotent {
		existing, ferr := e.store.FindOpenWaterBill(ctx, req.ConnectionID, period.Label)
		if ferr != nil {
			return nil, ferr
		}
		return &WaterBillResult{Bill: existing}, nil
	}
	if err != nil {
		return nil, err
	}

	if result.Created {
		b := result.Bill
		e.log.Info("water bill generated",
			zap.String("bill_id", b.ID),
			zap.String("number", b.Number),
			zap.Int64("connection_id", int64(b.ConnectionID)),
			zap.String("period", b.BillingPeriod),
			zap.Object("charge", b.Charge))
		e.record(ctx, AuditEvent{
			Actor:       req.Actor.ID,
			Action:      ActionGenerate,
			EntityType:  "water_bill",
			EntityID:    b.ID,
			After:       b,
			Description: "generated " + b.Number,
		})
	}
	return result, nil
}

func (e *Engine) generateWaterBill(ctx context.Context, st Store, req GenerateWaterBillRequest, period Period) (*WaterBillResult, error) {
	conn, err := st.LockConnection(ctx, req.ConnectionID)
	if err != nil {
		return nil, err
	}
	if conn.Status != ConnectionActive {
		return nil, newError(ErrSourceNotApproved, "water connection %d is %s", conn.ID, conn.Status)
	}

	existing, err := st.FindOpenWaterBill(ctx, conn.ID, period.Label)
	switch {
	case err == nil:
		if req.Idempotent {
			return &WaterBillResult{Bill: existing}, nil
		}
		return nil, newError(ErrDuplicateWaterBill, "%s already exists for connection %d %s", existing.Number, conn.ID, period.Label)
	case !errors.Is(err, ErrWaterBillNotFound):
		return nil, err
	}

	prior, err := st.UnpaidWaterBills(ctx, conn.ID, period.Label)
	if err != nil {
		return nil, err
	}
	arrears := SumArrears(waterBillBalances(prior), period.Label)

	consumption := decimal.Zero
	base := Round2(conn.Rate)
	if conn.ConnectionType == ConnectionMetered {
		if req.Consumption == nil {
			return nil, newError(ErrInvalidRequest, "metered connection %d needs a consumption reading", conn.ID)
		}
		consumption = *req.Consumption
		base = Round2(conn.Rate.Mul(consumption))
	}

	number, err := nextNumber(ctx, st, "WB", period.Label)
	if err != nil {
		return nil, err
	}
	due := req.DueDate
	if due.IsZero() {
		due = period.End.AddDate(0, 0, e.due.WaterBill)
	}
	now := e.clock.Now()
	b := &WaterBill{
		ID:            e.newID(),
		Number:        number,
		ConnectionID:  conn.ID,
		BillingPeriod: period.Label,
		Consumption:   consumption,
		Rate:          conn.Rate,
		Charge:        NewCharge(base, arrears, due),
		GeneratedBy:   req.Actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.checkCharge("generate_water_bill", b.ID, Charge{}, b.Charge); err != nil {
		return nil, err
	}
	if err := st.InsertWaterBill(ctx, b); err != nil {
		return nil, err
	}
	return &WaterBillResult{Bill: b, Created: true}, nil
}

// =============================================================================
// CANCELLATION
// =============================================================================

// CancelDemand cancels an unpaid demand that has received no payments.
// Its open notices are resolved and the period becomes free for regeneration.
func (e *Engine) CancelDemand(ctx context.Context, id, reason string, actor Actor) (*Demand, error) {
	var before, after Demand
	err := e.run(ctx, "cancel_demand", func(st Store) error {
		d, err := st.LockDemand(ctx, id)
		if err != nil {
			return err
		}
		before = *d
		if !d.Status.IsUnpaid() || !d.PaidAmount.IsZero() {
			return newError(ErrCannotCancel, "demand %s is %s with %s paid", d.Number, d.Status, d.PaidAmount.StringFixed(2))
		}
		now := e.clock.Now()
		d.Status = StatusCancelled
		if reason != "" {
			if d.Remarks != "" {
				d.Remarks += "; "
			}
			d.Remarks += "cancelled: " + reason
		}
		d.UpdatedAt = now
		if err := e.checkCharge("cancel_demand", d.ID, before.Charge, d.Charge); err != nil {
			return err
		}
		if err := st.UpdateDemand(ctx, d); err != nil {
			return err
		}
		if err := resolveNotices(ctx, st, d.ID, now); err != nil {
			return err
		}
		after = *d
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("demand cancelled", zap.String("demand_id", id), zap.String("number", after.Number))
	e.record(ctx, AuditEvent{Actor: actor.ID, Action: ActionCancel, EntityType: "demand", EntityID: id, Before: before, After: after, Description: reason})
	return &after, nil
}
