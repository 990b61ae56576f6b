/*
engine.go - Engine construction and the per-operation transaction wrapper

PURPOSE:
  The Engine is the single entry point for every billing operation. Each
  exported mutating method:
  1. Validates input that needs no database access
  2. Runs one TxStore.WithTx callback (locks, re-reads, checks, writes)
  3. Checks the balance invariant before any bill write
  4. After commit, reports to the audit sink, renderer and observer

  Collaborator failures after commit are logged and swallowed; nothing that
  happens after commit can undo the operation.

OPERATIONS:
  GenerateDemand, GenerateBulk, GenerateWaterBill, CancelDemand  (generator.go)
  PayDemand, PayWaterBill, Payments, VerifyPaymentSum           (payment.go)
  ApplyPenalty, ApplyWaterBillPenalty, SweepOverdue             (penalty.go)
  IssueNotice, SendNotice, ViewNotice, NoticeChain              (notice.go)

SEE ALSO:
  - store.go: the persistence contract
  - collaborators.go: audit sink, renderer, observer, actor
*/
package billing

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DueDays are the default due-date offsets when a request has none.
type DueDays struct {
	FiscalYear int // days after the financial year starts
	Monthly    int // days after the month starts (D2DC)
	WaterBill  int // days after the billing month ends
}

var DefaultDueDays = DueDays{FiscalYear: 90, Monthly: 15, WaterBill: 15}

// Options configures an Engine. Zero values get defaults.
type Options struct {
	Clock    Clock
	Audit    AuditSink
	Renderer NoticeRenderer
	Observer Observer
	Logger   *zap.Logger
	Rates    *PenaltyRates // nil uses DefaultPenaltyRates
	DueDays  DueDays
	Periods  PeriodConfig
	NewID    func() string
}

type Engine struct {
	store    TxStore
	clock    Clock
	audit    AuditSink
	renderer NoticeRenderer
	observer Observer
	log      *zap.Logger
	rates    PenaltyRates
	due      DueDays
	periods  PeriodConfig
	newID    func() string
}

func NewEngine(store TxStore, opts Options) *Engine {
	e := &Engine{
		store:    store,
		clock:    opts.Clock,
		audit:    opts.Audit,
		renderer: opts.Renderer,
		observer: opts.Observer,
		log:      opts.Logger,
		rates:    DefaultPenaltyRates,
		due:      opts.DueDays,
		periods:  opts.Periods,
		newID:    opts.NewID,
	}
	if opts.Rates != nil {
		e.rates = *opts.Rates
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	if e.audit == nil {
		e.audit = nopAudit{}
	}
	if e.renderer == nil {
		e.renderer = nopRenderer{}
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.due == (DueDays{}) {
		e.due = DefaultDueDays
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

// Periods returns the period configuration used to parse labels.
func (e *Engine) Periods() PeriodConfig { return e.periods }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// =============================================================================
// TRANSACTION + POST-COMMIT PLUMBING
// =============================================================================

func (e *Engine) run(ctx context.Context, op string, fn func(Store) error) error {
	start := time.Now()
	err := e.store.WithTx(ctx, fn)
	result := "ok"
	if err != nil {
		result = string(KindOf(err))
	}
	e.observer.ObserveOperation(op, result, time.Since(start))
	return err
}

func (e *Engine) record(ctx context.Context, ev AuditEvent) {
	ev.At = e.clock.Now()
	if err := e.audit.Record(ctx, ev); err != nil {
		e.log.Warn("audit sink failed",
			zap.String("action", ev.Action),
			zap.String("entity_type", ev.EntityType),
			zap.String("entity_id", ev.EntityID),
			zap.Error(err))
	}
}

// checkCharge verifies after before it is written. Violations are logged
// with both states and abort the transaction.
func (e *Engine) checkCharge(op, entityID string, before, after Charge) error {
	if err := after.CheckInvariant(); err != nil {
		e.log.Error("invariant violation",
			zap.String("op", op),
			zap.String("entity_id", entityID),
			zap.Object("before", before),
			zap.Object("after", after),
			zap.Error(err))
		return err
	}
	return nil
}

// MarshalLogObject lets zap log a Charge as a structured object.
func (c Charge) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("base", c.BaseAmount.StringFixed(2))
	enc.AddString("arrears", c.ArrearsAmount.StringFixed(2))
	enc.AddString("penalty", c.PenaltyAmount.StringFixed(2))
	enc.AddString("interest", c.InterestAmount.StringFixed(2))
	enc.AddString("total", c.TotalAmount.StringFixed(2))
	enc.AddString("paid", c.PaidAmount.StringFixed(2))
	enc.AddString("balance", c.BalanceAmount.StringFixed(2))
	enc.AddString("status", string(c.Status))
	if !c.DueDate.IsZero() {
		enc.AddString("due_date", c.DueDate.Format("2006-01-02"))
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) GetSubject(ctx context.Context, id SubjectID) (*BillingSubject, error) {
	return e.store.GetSubject(ctx, id)
}

func (e *Engine) GetDemand(ctx context.Context, id string) (*Demand, error) {
	return e.store.GetDemand(ctx, id)
}

func (e *Engine) ListDemands(ctx context.Context, f DemandFilter) ([]Demand, error) {
	return e.store.ListDemands(ctx, f)
}

func (e *Engine) GetWaterBill(ctx context.Context, id string) (*WaterBill, error) {
	return e.store.GetWaterBill(ctx, id)
}

func (e *Engine) ListWaterBills(ctx context.Context, f WaterBillFilter) ([]WaterBill, error) {
	return e.store.ListWaterBills(ctx, f)
}

func (e *Engine) GetConnection(ctx context.Context, id ConnectionID) (*WaterConnection, error) {
	return e.store.GetConnection(ctx, id)
}

func (e *Engine) GetNotice(ctx context.Context, id string) (*Notice, error) {
	return e.store.GetNotice(ctx, id)
}

// =============================================================================
// REFERENCE DATA - Subjects, assessments and connections
// =============================================================================

// RegisterSubject creates or updates a billing subject.
func (e *Engine) RegisterSubject(ctx context.Context, s *BillingSubject, actor Actor) error {
	if s.Kind != SubjectProperty && s.Kind != SubjectShop {
		return newError(ErrInvalidRequest, "unknown subject kind %q", s.Kind)
	}
	if s.Status == "" {
		s.Status = "active"
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = e.clock.Now()
	}
	if err := e.run(ctx, "register_subject", func(st Store) error {
		return st.SaveSubject(ctx, s)
	}); err != nil {
		return err
	}
	e.record(ctx, AuditEvent{Actor: actor.ID, Action: ActionRegister, EntityType: "subject", EntityID: formatID(int64(s.ID)), After: s})
	return nil
}

// RegisterAssessment records a valuation outcome for a subject and
// financial year.
func (e *Engine) RegisterAssessment(ctx context.Context, a *Assessment, actor Actor) error {
	if _, err := e.periods.ParseFiscalYear(a.Period); err != nil {
		return err
	}
	if a.AnnualTaxAmount.IsNegative() || !HasAtMostTwoPlaces(a.AnnualTaxAmount) {
		return newError(ErrInvalidAmount, "annual tax amount %s", a.AnnualTaxAmount)
	}
	switch a.Status {
	case AssessmentDraft, AssessmentApproved, AssessmentRejected:
	default:
		return newError(ErrInvalidRequest, "unknown assessment status %q", a.Status)
	}
	if err := e.run(ctx, "register_assessment", func(st Store) error {
		if _, err := st.GetSubject(ctx, a.SubjectID); err != nil {
			return err
		}
		return st.SaveAssessment(ctx, a)
	}); err != nil {
		return err
	}
	e.record(ctx, AuditEvent{Actor: actor.ID, Action: ActionRegister, EntityType: "assessment", EntityID: formatID(int64(a.SubjectID)) + "/" + a.Period, After: a})
	return nil
}

// RegisterConnection creates or updates a water connection.
func (e *Engine) RegisterConnection(ctx context.Context, c *WaterConnection, actor Actor) error {
	if c.ConnectionType != ConnectionFixed && c.ConnectionType != ConnectionMetered {
		return newError(ErrInvalidRequest, "unknown connection type %q", c.ConnectionType)
	}
	switch c.Status {
	case ConnectionActive, ConnectionDisconnected, ConnectionPending:
	default:
		return newError(ErrInvalidRequest, "unknown connection status %q", c.Status)
	}
	if c.Rate.IsNegative() || !HasAtMostTwoPlaces(c.Rate) {
		return newError(ErrInvalidAmount, "rate %s", c.Rate)
	}
	if err := e.run(ctx, "register_connection", func(st Store) error {
		if _, err := st.GetSubject(ctx, c.SubjectID); err != nil {
			return err
		}
		return st.SaveConnection(ctx, c)
	}); err != nil {
		return err
	}
	e.record(ctx, AuditEvent{Actor: actor.ID, Action: ActionRegister, EntityType: "water_connection", EntityID: formatID(int64(c.ID)), After: c})
	return nil
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
