/*
store.go - Persistence interfaces for bills, payments, notices and sequences

PURPOSE:
  Defines the interface between the engine and the database. Every engine
  operation runs inside exactly one TxStore.WithTx call; the Store handed to
  the callback is bound to that transaction.

KEY INTERFACES:
  SubjectStore:   Billing subjects, assessments, water connections (read + lock)
  ReferenceStore: Writes for reference data loaded by admins or fixtures
  DemandStore:    Demand rows (lock, find open, unpaid for arrears)
  WaterBillStore: WaterBill rows, same shape as DemandStore
  PaymentStore:   Append-only payment records
  NoticeStore:    Notice rows per demand
  Sequencer:      Per-prefix-per-scope monotonic counters
  TxStore:        Transaction boundary

LOCKING CONTRACT:
  Lock* methods take an exclusive row lock held until the transaction ends.
  A lock that cannot be acquired within the store's bounded wait returns
  ErrConcurrentModification. Get* methods never lock.

UNIQUENESS CONTRACT:
  InsertDemand / InsertWaterBill return ErrDuplicateDemand /
  ErrDuplicateWaterBill when an open row for the same period already exists,
  and ErrDuplicateNumber when the generated number collides.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests and dev
  - store/sqlstore: SQLite and PostgreSQL

SEE ALSO:
  - engine.go: the only caller of WithTx
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// REFERENCE DATA
// =============================================================================

type SubjectStore interface {
	// GetSubject returns ErrSubjectNotFound if absent.
	GetSubject(ctx context.Context, id SubjectID) (*BillingSubject, error)

	// LockSubject serialises generation for one subject.
	LockSubject(ctx context.Context, id SubjectID) (*BillingSubject, error)

	// GetAssessment returns ErrSourceNotFound if the subject has no
	// assessment for period.
	GetAssessment(ctx context.Context, subjectID SubjectID, period string) (*Assessment, error)

	// GetConnection returns ErrConnectionNotFound if absent.
	GetConnection(ctx context.Context, id ConnectionID) (*WaterConnection, error)

	// LockConnection serialises water bill generation for one connection.
	LockConnection(ctx context.Context, id ConnectionID) (*WaterConnection, error)
}

type ReferenceStore interface {
	// SaveSubject upserts s. A zero ID is assigned by the store.
	SaveSubject(ctx context.Context, s *BillingSubject) error

	// SaveAssessment upserts by (subject, period).
	SaveAssessment(ctx context.Context, a *Assessment) error

	// SaveConnection upserts c. A zero ID is assigned by the store.
	SaveConnection(ctx context.Context, c *WaterConnection) error
}

// =============================================================================
// BILLS
// =============================================================================

// DemandFilter narrows ListDemands. Zero fields do not filter.
type DemandFilter struct {
	SubjectIDs  []SubjectID
	Ward        string
	ServiceType ServiceType
	Period      string
	Statuses    []Status
	DueBefore   time.Time
	Limit       int
}

type DemandStore interface {
	GetDemand(ctx context.Context, id string) (*Demand, error)
	LockDemand(ctx context.Context, id string) (*Demand, error)

	// FindOpenDemand returns the non-cancelled demand for the period or
	// ErrDemandNotFound.
	FindOpenDemand(ctx context.Context, subjectID SubjectID, service ServiceType, period string) (*Demand, error)

	// UnpaidDemands returns demands in UnpaidStatuses with period != excludePeriod.
	UnpaidDemands(ctx context.Context, subjectID SubjectID, service ServiceType, excludePeriod string) ([]Demand, error)

	InsertDemand(ctx context.Context, d *Demand) error
	UpdateDemand(ctx context.Context, d *Demand) error

	// ListDemands orders by created_at, then number.
	ListDemands(ctx context.Context, f DemandFilter) ([]Demand, error)
}

// WaterBillFilter narrows ListWaterBills. Zero fields do not filter.
type WaterBillFilter struct {
	ConnectionID ConnectionID
	Statuses     []Status
	DueBefore    time.Time
	Limit        int
}

type WaterBillStore interface {
	GetWaterBill(ctx context.Context, id string) (*WaterBill, error)
	LockWaterBill(ctx context.Context, id string) (*WaterBill, error)
	FindOpenWaterBill(ctx context.Context, connectionID ConnectionID, period string) (*WaterBill, error)
	UnpaidWaterBills(ctx context.Context, connectionID ConnectionID, excludePeriod string) ([]WaterBill, error)
	InsertWaterBill(ctx context.Context, b *WaterBill) error
	UpdateWaterBill(ctx context.Context, b *WaterBill) error
	ListWaterBills(ctx context.Context, f WaterBillFilter) ([]WaterBill, error)
}

// =============================================================================
// PAYMENTS, NOTICES, SEQUENCES
// =============================================================================

// PaymentStore is APPEND-ONLY. Payments are never updated or deleted.
type PaymentStore interface {
	InsertPayment(ctx context.Context, p *Payment) error

	// ListPayments orders by created_at, then payment number.
	ListPayments(ctx context.Context, target ChargeRef) ([]Payment, error)
}

type NoticeStore interface {
	GetNotice(ctx context.Context, id string) (*Notice, error)
	LockNotice(ctx context.Context, id string) (*Notice, error)
	InsertNotice(ctx context.Context, n *Notice) error
	UpdateNotice(ctx context.Context, n *Notice) error

	// ListNotices returns the flat chain for a demand ordered by creation.
	ListNotices(ctx context.Context, demandID string) ([]Notice, error)
}

// Sequencer hands out 1, 2, 3, ... per (prefix, scope).
type Sequencer interface {
	NextSequence(ctx context.Context, prefix, scope string) (int64, error)

	// ReserveSequence hands out increasing values per prefix without joining
	// the caller's transaction: concurrent callers never wait on each other,
	// and a rolled back caller leaves a gap.
	ReserveSequence(ctx context.Context, prefix string) (int64, error)
}

// =============================================================================
// STORE / TRANSACTIONAL STORE
// =============================================================================

type Store interface {
	SubjectStore
	ReferenceStore
	DemandStore
	WaterBillStore
	PaymentStore
	NoticeStore
	Sequencer
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
