/*
dto.go - Data Transfer Objects for the HTTP API

PURPOSE:
  Defines the JSON shapes for API requests and responses. These are separate
  from the billing types so the wire format can evolve independently of the
  engine.

NAMING CONVENTION:
  - *Request:  Incoming request bodies (validated with validator/v10 tags)
  - *DTO:      Outgoing response shapes

MONEY:
  Amounts are decoded with shopspring/decimal, which accepts both "500.00"
  and 500. Responses always carry two-decimal strings.

SEE ALSO:
  - handlers.go: Uses these DTOs
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/DevXPanda/HTCMS-sub001/billing"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REFERENCE DATA
// =============================================================================

type CreateSubjectRequest struct {
	ID        int64  `json:"id" validate:"gte=0"`
	Kind      string `json:"kind" validate:"required,oneof=property shop"`
	Ward      string `json:"ward" validate:"required,max=64"`
	OwnerName string `json:"owner_name" validate:"required,max=200"`
	Status    string `json:"status" validate:"omitempty,max=32"`
}

type CreateAssessmentRequest struct {
	SubjectID       int64         `json:"subject_id" validate:"required,gt=0"`
	Period          string        `json:"period" validate:"required"`
	AnnualTaxAmount billing.Money `json:"annual_tax_amount"`
	Status          string        `json:"status" validate:"required,oneof=draft approved rejected"`
}

type CreateConnectionRequest struct {
	ID             int64         `json:"id" validate:"gte=0"`
	SubjectID      int64         `json:"subject_id" validate:"required,gt=0"`
	ConnectionType string        `json:"connection_type" validate:"required,oneof=FIXED METERED"`
	Rate           billing.Money `json:"rate"`
	Status         string        `json:"status" validate:"required,oneof=ACTIVE DISCONNECTED PENDING"`
}

type SubjectDTO struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Ward      string    `json:"ward"`
	OwnerName string    `json:"owner_name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type AssessmentDTO struct {
	SubjectID       int64  `json:"subject_id"`
	Period          string `json:"period"`
	AnnualTaxAmount string `json:"annual_tax_amount"`
	Status          string `json:"status"`
}

type ConnectionDTO struct {
	ID             int64  `json:"id"`
	SubjectID      int64  `json:"subject_id"`
	ConnectionType string `json:"connection_type"`
	Rate           string `json:"rate"`
	Status         string `json:"status"`
}

// =============================================================================
// GENERATION
// =============================================================================

// SourceRequest selects how the base amount of a demand is resolved.
type SourceRequest struct {
	Type         string         `json:"type" validate:"required,oneof=assessment fixed_rate metered flat_fee"`
	ConnectionID int64          `json:"connection_id" validate:"required_if=Type fixed_rate,required_if=Type metered"`
	Consumption  *billing.Money `json:"consumption,omitempty"`
	Amount       *billing.Money `json:"amount,omitempty"`
}

type GenerateDemandRequest struct {
	SubjectID   int64         `json:"subject_id" validate:"required,gt=0"`
	ServiceType string        `json:"service_type" validate:"required,oneof=HOUSE_TAX WATER_TAX SHOP_TAX D2DC"`
	Period      string        `json:"period" validate:"required"`
	Source      SourceRequest `json:"source"`
	DueDate     string        `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Remarks     string        `json:"remarks,omitempty" validate:"max=500"`
}

type BulkGenerateRequest struct {
	SubjectIDs  []int64       `json:"subject_ids" validate:"required,min=1,dive,gt=0"`
	ServiceType string        `json:"service_type" validate:"required,oneof=HOUSE_TAX WATER_TAX SHOP_TAX D2DC"`
	Period      string        `json:"period" validate:"required"`
	Source      SourceRequest `json:"source"`
	DueDate     string        `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Remarks     string        `json:"remarks,omitempty" validate:"max=500"`
}

type GenerateWaterBillRequest struct {
	ConnectionID  int64          `json:"connection_id" validate:"required,gt=0"`
	BillingPeriod string         `json:"billing_period" validate:"required,datetime=2006-01"`
	Consumption   *billing.Money `json:"consumption,omitempty"`
	DueDate       string         `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Idempotent    bool           `json:"idempotent,omitempty"`
}

type BulkItemDTO struct {
	SubjectID int64      `json:"subject_id"`
	Created   bool       `json:"created"`
	Demand    *DemandDTO `json:"demand,omitempty"`
	Code      string     `json:"code,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type BulkResultDTO struct {
	Created  int           `json:"created"`
	Existing int           `json:"existing"`
	Failed   int           `json:"failed"`
	Items    []BulkItemDTO `json:"items"`
}

// =============================================================================
// CHARGES
// =============================================================================

// ChargeDTO carries the money fields shared by demands and water bills.
type ChargeDTO struct {
	BaseAmount     string `json:"base_amount"`
	ArrearsAmount  string `json:"arrears_amount"`
	PenaltyAmount  string `json:"penalty_amount"`
	InterestAmount string `json:"interest_amount"`
	TotalAmount    string `json:"total_amount"`
	PaidAmount     string `json:"paid_amount"`
	BalanceAmount  string `json:"balance_amount"`
	DueDate        string `json:"due_date"`
	Status         string `json:"status"`
}

type DemandDTO struct {
	ID          string `json:"id"`
	Number      string `json:"demand_number"`
	SubjectID   int64  `json:"subject_id"`
	ServiceType string `json:"service_type"`
	Period      string `json:"period"`
	ChargeDTO
	Remarks     string    `json:"remarks,omitempty"`
	GeneratedBy string    `json:"generated_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DemandDetailDTO is a demand with its payments and notice chain.
// PaymentsConsistent reports whether the payments sum to paid_amount.
type DemandDetailDTO struct {
	DemandDTO
	Payments           []PaymentDTO `json:"payments"`
	Notices            []NoticeDTO  `json:"notices"`
	PaymentsConsistent bool         `json:"payments_consistent"`
}

type WaterBillDTO struct {
	ID            string `json:"id"`
	Number        string `json:"bill_number"`
	ConnectionID  int64  `json:"connection_id"`
	BillingPeriod string `json:"billing_period"`
	Consumption   string `json:"consumption"`
	Rate          string `json:"rate"`
	ChargeDTO
	GeneratedBy string    `json:"generated_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type WaterBillDetailDTO struct {
	WaterBillDTO
	Payments           []PaymentDTO `json:"payments"`
	PaymentsConsistent bool         `json:"payments_consistent"`
}

type GenerateResultDTO struct {
	Created bool      `json:"created"`
	Demand  DemandDTO `json:"demand"`
}

type WaterBillResultDTO struct {
	Created bool         `json:"created"`
	Bill    WaterBillDTO `json:"bill"`
}

// =============================================================================
// PAYMENTS, PENALTIES, CANCELLATION
// =============================================================================

type PaymentRequest struct {
	Amount      billing.Money `json:"amount"`
	Mode        string        `json:"payment_mode" validate:"required,oneof=cash cheque dd upi card online bank_transfer"`
	PaymentDate string        `json:"payment_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ExternalRef string        `json:"external_ref,omitempty" validate:"max=128"`
}

type PaymentDTO struct {
	ID            string    `json:"id"`
	TargetKind    string    `json:"target_kind"`
	TargetID      string    `json:"target_id"`
	Amount        string    `json:"amount"`
	Mode          string    `json:"payment_mode"`
	PaymentDate   string    `json:"payment_date"`
	ReceiptNumber string    `json:"receipt_number"`
	PaymentNumber string    `json:"payment_number"`
	ExternalRef   string    `json:"external_ref,omitempty"`
	CollectedBy   string    `json:"collected_by"`
	CreatedAt     time.Time `json:"created_at"`
}

type PaymentResultDTO struct {
	Payment   PaymentDTO    `json:"payment"`
	Demand    *DemandDTO    `json:"demand,omitempty"`
	WaterBill *WaterBillDTO `json:"water_bill,omitempty"`
}

// PenaltyRequest overrides configured rates. An absent field keeps the
// configured rate; an explicit zero disables that component.
type PenaltyRequest struct {
	PenaltyPercent       *billing.Money `json:"penalty_percent,omitempty"`
	DailyInterestPercent *billing.Money `json:"daily_interest_percent,omitempty"`
}

type PenaltyResultDTO struct {
	Applied   bool          `json:"applied"`
	Demand    *DemandDTO    `json:"demand,omitempty"`
	WaterBill *WaterBillDTO `json:"water_bill,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type SweepRequest struct {
	AsOf string `json:"as_of,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type SweepResultDTO struct {
	AsOf    string `json:"as_of"`
	Scanned int    `json:"scanned"`
	Applied int    `json:"applied"`
	Failed  int    `json:"failed"`
}

// =============================================================================
// NOTICES
// =============================================================================

type IssueNoticeRequest struct {
	NoticeType string `json:"notice_type" validate:"required,oneof=reminder demand penalty final_warrant"`
}

type SendNoticeRequest struct {
	DeliveryMode string `json:"delivery_mode" validate:"required,oneof=hand_delivery post email sms"`
}

type NoticeDTO struct {
	ID               string     `json:"id"`
	Number           string     `json:"notice_number"`
	DemandID         string     `json:"demand_id"`
	NoticeType       string     `json:"notice_type"`
	Severity         int        `json:"severity"`
	Status           string     `json:"status"`
	PreviousNoticeID string     `json:"previous_notice_id,omitempty"`
	DeliveryMode     string     `json:"delivery_mode,omitempty"`
	GeneratedBy      string     `json:"generated_by"`
	CreatedAt        time.Time  `json:"created_at"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	ViewedAt         *time.Time `json:"viewed_at,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

// =============================================================================
// COMMON
// =============================================================================

type ErrorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

type AuditEntryDTO struct {
	ID          string          `json:"id"`
	Actor       string          `json:"actor"`
	Action      string          `json:"action"`
	Description string          `json:"description"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`
	Digest      string          `json:"digest,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toChargeDTO(c billing.Charge) ChargeDTO {
	return ChargeDTO{
		BaseAmount:     c.BaseAmount.StringFixed(2),
		ArrearsAmount:  c.ArrearsAmount.StringFixed(2),
		PenaltyAmount:  c.PenaltyAmount.StringFixed(2),
		InterestAmount: c.InterestAmount.StringFixed(2),
		TotalAmount:    c.TotalAmount.StringFixed(2),
		PaidAmount:     c.PaidAmount.StringFixed(2),
		BalanceAmount:  c.BalanceAmount.StringFixed(2),
		DueDate:        c.DueDate.Format(dateLayout),
		Status:         string(c.Status),
	}
}

func toDemandDTO(d *billing.Demand) DemandDTO {
	return DemandDTO{
		ID:          d.ID,
		Number:      d.Number,
		SubjectID:   int64(d.SubjectID),
		ServiceType: string(d.ServiceType),
		Period:      d.Period,
		ChargeDTO:   toChargeDTO(d.Charge),
		Remarks:     d.Remarks,
		GeneratedBy: d.GeneratedBy,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func toDemandDTOs(demands []billing.Demand) []DemandDTO {
	dtos := make([]DemandDTO, len(demands))
	for i := range demands {
		dtos[i] = toDemandDTO(&demands[i])
	}
	return dtos
}

func toWaterBillDTO(b *billing.WaterBill) WaterBillDTO {
	return WaterBillDTO{
		ID:            b.ID,
		Number:        b.Number,
		ConnectionID:  int64(b.ConnectionID),
		BillingPeriod: b.BillingPeriod,
		Consumption:   b.Consumption.String(),
		Rate:          b.Rate.StringFixed(2),
		ChargeDTO:     toChargeDTO(b.Charge),
		GeneratedBy:   b.GeneratedBy,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func toWaterBillDTOs(bills []billing.WaterBill) []WaterBillDTO {
	dtos := make([]WaterBillDTO, len(bills))
	for i := range bills {
		dtos[i] = toWaterBillDTO(&bills[i])
	}
	return dtos
}

func toPaymentDTO(p *billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:            p.ID,
		TargetKind:    string(p.Target.Kind),
		TargetID:      p.Target.ID,
		Amount:        p.Amount.StringFixed(2),
		Mode:          string(p.Mode),
		PaymentDate:   p.PaymentDate.Format(dateLayout),
		ReceiptNumber: p.ReceiptNumber,
		PaymentNumber: p.PaymentNumber,
		ExternalRef:   p.ExternalRef,
		CollectedBy:   p.CollectedBy,
		CreatedAt:     p.CreatedAt,
	}
}

func toPaymentDTOs(payments []billing.Payment) []PaymentDTO {
	dtos := make([]PaymentDTO, len(payments))
	for i := range payments {
		dtos[i] = toPaymentDTO(&payments[i])
	}
	return dtos
}

func toNoticeDTO(n *billing.Notice) NoticeDTO {
	return NoticeDTO{
		ID:               n.ID,
		Number:           n.Number,
		DemandID:         n.DemandID,
		NoticeType:       string(n.NoticeType),
		Severity:         n.NoticeType.Severity(),
		Status:           string(n.Status),
		PreviousNoticeID: n.PreviousNoticeID,
		DeliveryMode:     string(n.DeliveryMode),
		GeneratedBy:      n.GeneratedBy,
		CreatedAt:        n.CreatedAt,
		SentAt:           n.SentAt,
		ViewedAt:         n.ViewedAt,
		ResolvedAt:       n.ResolvedAt,
	}
}

func toNoticeDTOs(notices []billing.Notice) []NoticeDTO {
	dtos := make([]NoticeDTO, len(notices))
	for i := range notices {
		dtos[i] = toNoticeDTO(&notices[i])
	}
	return dtos
}

func toSubjectDTO(s *billing.BillingSubject) SubjectDTO {
	return SubjectDTO{
		ID:        int64(s.ID),
		Kind:      string(s.Kind),
		Ward:      s.Ward,
		OwnerName: s.OwnerName,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
	}
}
