/*
Package billing is the demand and billing lifecycle engine.

PURPOSE:
  Issues and reconciles municipal charges (property tax, water tax, shop tax,
  door-to-door collection fees and monthly water bills) against billing
  subjects. The engine owns the money math and the state machines; identity,
  valuation, audit storage and document rendering are collaborators behind
  small interfaces (see collaborators.go).

KEY CONCEPTS IN THIS FILE (types.go):
  - Charge: the money fields shared by Demand and WaterBill
  - Demand: one billable period for one service type for one subject
  - WaterBill: the monthly utility analogue of Demand, keyed by connection
  - Payment: an immutable record of money applied to one Demand or WaterBill
  - Notice: an enforcement document tied to one Demand, escalating in severity

CRITICAL INVARIANTS:
  1. balance == round2(total - paid) at every observation point
  2. total == round2(base + arrears + penalty + interest)
  3. paid never decreases; sum of payments == paid
  4. at most one non-cancelled Demand per (subject, service, period)
  5. notice severities on one demand are strictly increasing

SEE ALSO:
  - generator.go: Demand/WaterBill creation with arrears roll-forward
  - payment.go: Payment application under a row lock
  - penalty.go: Overdue penalty and interest
  - notice.go: Notice escalation state machine
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS AND ENUMS
// =============================================================================

// SubjectID identifies a property, shop or water connection owner record.
type SubjectID int64

// ConnectionID identifies a water connection.
type ConnectionID int64

// ServiceType is the kind of charge a Demand represents.
type ServiceType string

const (
	ServiceHouseTax ServiceType = "HOUSE_TAX"
	ServiceWaterTax ServiceType = "WATER_TAX"
	ServiceShopTax  ServiceType = "SHOP_TAX"
	ServiceD2DC     ServiceType = "D2DC" // door-to-door garbage collection fee
)

// ParseServiceType validates s against the known service types.
func ParseServiceType(s string) (ServiceType, error) {
	st := ServiceType(s)
	switch st {
	case ServiceHouseTax, ServiceWaterTax, ServiceShopTax, ServiceD2DC:
		return st, nil
	}
	return "", newError(ErrInvalidServiceType, "unknown service type %q", s)
}

// NumberPrefix returns the prefix used in demand numbers.
func (s ServiceType) NumberPrefix() string {
	switch s {
	case ServiceHouseTax:
		return "HT"
	case ServiceWaterTax:
		return "WT"
	case ServiceShopTax:
		return "ST"
	case ServiceD2DC:
		return "D2DC"
	}
	return "DM"
}

// Monthly reports whether the service is billed per calendar month rather
// than per financial year.
func (s ServiceType) Monthly() bool { return s == ServiceD2DC }

// Status is the payment state of a Demand or WaterBill.
type Status string

const (
	StatusPending       Status = "pending"
	StatusPartiallyPaid Status = "partially_paid"
	StatusPaid          Status = "paid"
	StatusOverdue       Status = "overdue"
	StatusCancelled     Status = "cancelled"
)

// UnpaidStatuses are the statuses that still accept payments and count as arrears.
var UnpaidStatuses = []Status{StatusPending, StatusPartiallyPaid, StatusOverdue}

// IsUnpaid reports whether s is one of UnpaidStatuses.
func (s Status) IsUnpaid() bool {
	return s == StatusPending || s == StatusPartiallyPaid || s == StatusOverdue
}

// ParseStatus validates a status filter value.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusPending, StatusPartiallyPaid, StatusPaid, StatusOverdue, StatusCancelled:
		return st, nil
	}
	return "", newError(ErrInvalidRequest, "unknown status %q", s)
}

// PaymentMode is how a payment was collected.
type PaymentMode string

const (
	ModeCash         PaymentMode = "cash"
	ModeCheque       PaymentMode = "cheque"
	ModeDD           PaymentMode = "dd"
	ModeUPI          PaymentMode = "upi"
	ModeCard         PaymentMode = "card"
	ModeOnline       PaymentMode = "online"
	ModeBankTransfer PaymentMode = "bank_transfer"
)

func (m PaymentMode) valid() bool {
	switch m {
	case ModeCash, ModeCheque, ModeDD, ModeUPI, ModeCard, ModeOnline, ModeBankTransfer:
		return true
	}
	return false
}

// =============================================================================
// CHARGE - Money fields shared by Demand and WaterBill
// =============================================================================

// Charge holds the amounts and payment state of a bill.
type Charge struct {
	BaseAmount     Money
	ArrearsAmount  Money
	PenaltyAmount  Money
	InterestAmount Money
	TotalAmount    Money
	PaidAmount     Money
	BalanceAmount  Money
	DueDate        time.Time
	Status         Status
}

// NewCharge builds a fresh pending charge: total = balance = base + arrears.
func NewCharge(base, arrears Money, due time.Time) Charge {
	base, arrears = Round2(base), Round2(arrears)
	total := Round2(base.Add(arrears))
	return Charge{
		BaseAmount:     base,
		ArrearsAmount:  arrears,
		PenaltyAmount:  decimal.Zero,
		InterestAmount: decimal.Zero,
		TotalAmount:    total,
		PaidAmount:     decimal.Zero,
		BalanceAmount:  total,
		DueDate:        dateOnly(due),
		Status:         StatusPending,
	}
}

// Principal is base + arrears, the amount penalties are computed on.
func (c Charge) Principal() Money {
	return Round2(c.BaseAmount.Add(c.ArrearsAmount))
}

// IsSettled reports whether nothing remains to be paid.
func (c Charge) IsSettled() bool {
	return c.Status == StatusPaid || c.BalanceAmount.Abs().LessThan(Epsilon)
}

// CheckInvariant verifies the balance and total identities.
func (c Charge) CheckInvariant() error {
	wantTotal := Round2(c.BaseAmount.Add(c.ArrearsAmount).Add(c.PenaltyAmount).Add(c.InterestAmount))
	if !c.TotalAmount.Equal(wantTotal) {
		return newError(ErrInvariantViolation, "total %s != base+arrears+penalty+interest %s", c.TotalAmount, wantTotal)
	}
	wantBalance := Round2(c.TotalAmount.Sub(c.PaidAmount))
	if !c.BalanceAmount.Equal(wantBalance) {
		return newError(ErrInvariantViolation, "balance %s != total-paid %s", c.BalanceAmount, wantBalance)
	}
	if c.PaidAmount.IsNegative() || c.BalanceAmount.IsNegative() {
		return newError(ErrInvariantViolation, "negative paid %s or balance %s", c.PaidAmount, c.BalanceAmount)
	}
	return nil
}

// =============================================================================
// DEMAND / WATER BILL
// =============================================================================

// Demand is one billable period of one service type for one subject.
type Demand struct {
	ID          string
	Number      string
	SubjectID   SubjectID
	ServiceType ServiceType
	Period      string
	Charge
	Remarks     string
	GeneratedBy string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Ref returns the payment target reference for d.
func (d *Demand) Ref() ChargeRef { return ChargeRef{Kind: KindDemand, ID: d.ID} }

// WaterBill is the monthly water-utility bill for one connection.
type WaterBill struct {
	ID            string
	Number        string
	ConnectionID  ConnectionID
	BillingPeriod string // YYYY-MM
	Consumption   Money  // units; zero for fixed-rate connections
	Rate          Money
	Charge
	GeneratedBy string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Ref returns the payment target reference for b.
func (b *WaterBill) Ref() ChargeRef { return ChargeRef{Kind: KindWaterBill, ID: b.ID} }

// ChargeKind distinguishes what a Payment was applied to.
type ChargeKind string

const (
	KindDemand    ChargeKind = "demand"
	KindWaterBill ChargeKind = "water_bill"
)

// ChargeRef points at a Demand or WaterBill.
type ChargeRef struct {
	Kind ChargeKind
	ID   string
}

func (r ChargeRef) String() string { return fmt.Sprintf("%s/%s", r.Kind, r.ID) }

// =============================================================================
// PAYMENT - Immutable once written
// =============================================================================

type Payment struct {
	ID            string
	Target        ChargeRef
	Amount        Money
	Mode          PaymentMode
	PaymentDate   time.Time
	ReceiptNumber string
	PaymentNumber string
	ExternalRef   string
	CollectedBy   string
	CreatedAt     time.Time
}

// SumPayments adds payment amounts.
func SumPayments(payments []Payment) Money {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return Round2(total)
}

// =============================================================================
// REFERENCE DATA - Read from external sources
// =============================================================================

// SubjectKind is what a billing subject represents.
type SubjectKind string

const (
	SubjectProperty SubjectKind = "property"
	SubjectShop     SubjectKind = "shop"
)

// BillingSubject is a property or shop that demands are raised against.
type BillingSubject struct {
	ID        SubjectID
	Kind      SubjectKind
	Ward      string
	OwnerName string
	Status    string
	CreatedAt time.Time
}

// AssessmentStatus is the approval state of a valuation.
type AssessmentStatus string

const (
	AssessmentDraft    AssessmentStatus = "draft"
	AssessmentApproved AssessmentStatus = "approved"
	AssessmentRejected AssessmentStatus = "rejected"
)

// Assessment is the valuation outcome for a subject in a financial year.
type Assessment struct {
	SubjectID       SubjectID
	Period          string
	AnnualTaxAmount Money
	Status          AssessmentStatus
}

// ConnectionType is how a water connection is charged.
type ConnectionType string

const (
	ConnectionFixed   ConnectionType = "FIXED"
	ConnectionMetered ConnectionType = "METERED"
)

// ConnectionStatus is the lifecycle state of a water connection.
type ConnectionStatus string

const (
	ConnectionActive       ConnectionStatus = "ACTIVE"
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
	ConnectionPending      ConnectionStatus = "PENDING"
)

// WaterConnection is a metered or fixed-rate water supply on a subject.
type WaterConnection struct {
	ID             ConnectionID
	SubjectID      SubjectID
	ConnectionType ConnectionType
	Rate           Money // monthly rate (fixed) or per-unit rate (metered)
	Status         ConnectionStatus
}
