package billing

import (
	"context"
	"time"
)

// =============================================================================
// IDENTITY - Supplied by the caller, opaque to the engine
// =============================================================================

// Role is the caller's role as asserted by the identity provider.
type Role string

const (
	RoleCitizen   Role = "citizen"
	RoleCollector Role = "collector"
	RoleClerk     Role = "clerk"
	RoleAdmin     Role = "admin"
)

// Actor is who is performing an operation. The engine only records ID in
// generated_by / collected_by and audit events.
type Actor struct {
	ID         string
	Role       Role
	Ward       string
	SubjectIDs []SubjectID // subjects a citizen owns
}

// SystemActor is used by schedulers and fixtures.
var SystemActor = Actor{ID: "system", Role: RoleAdmin}

// =============================================================================
// AUDIT SINK - Fire-and-forget, called after commit
// =============================================================================

// Audit actions.
const (
	ActionGenerate = "generate"
	ActionPay      = "pay"
	ActionPenalty  = "penalty"
	ActionCancel   = "cancel"
	ActionEscalate = "escalate"
	ActionSend     = "send"
	ActionView     = "view"
	ActionRegister = "register"
)

type AuditEvent struct {
	Actor       string
	Action      string
	EntityType  string
	EntityID    string
	Before      any
	After       any
	Description string
	At          time.Time
}

// AuditSink receives events after a successful commit. Errors are logged by
// the engine and never roll anything back.
type AuditSink interface {
	Record(ctx context.Context, e AuditEvent) error
}

// =============================================================================
// RENDERER - Produces a deliverable document for a new notice
// =============================================================================

type NoticeRenderer interface {
	Render(ctx context.Context, n Notice, d Demand) error
}

// =============================================================================
// OBSERVER - Operation metrics
// =============================================================================

type Observer interface {
	// ObserveOperation is called once per engine operation. result is "ok"
	// or the error kind.
	ObserveOperation(op, result string, elapsed time.Duration)

	// ObservePayment is called for each committed payment.
	ObservePayment(kind ChargeKind, mode PaymentMode, amount Money)
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, AuditEvent) error { return nil }

type nopRenderer struct{}

func (nopRenderer) Render(context.Context, Notice, Demand) error { return nil }

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, string, time.Duration) {}
func (nopObserver) ObservePayment(ChargeKind, PaymentMode, Money)  {}
