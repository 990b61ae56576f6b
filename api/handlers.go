/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization and access scoping, and delegates everything else to
  billing.Engine.

ENDPOINTS:
  Reference data (admin):
    POST   /api/subjects                    Create or update a billing subject
    GET    /api/subjects/{id}               Get a billing subject
    POST   /api/assessments                 Record an assessment outcome
    POST   /api/connections                 Create or update a water connection

  Demands:
    POST   /api/demands                     Generate (?idempotent=true returns existing)
    POST   /api/demands/bulk                Idempotent generation for many subjects
    GET    /api/demands                     List with filters
    GET    /api/demands/export.xlsx         Demand register workbook
    GET    /api/demands/{id}                Demand with payments and notices
    POST   /api/demands/{id}/payments       Apply a payment
    POST   /api/demands/{id}/penalty        Recompute penalty and interest
    POST   /api/demands/{id}/cancel         Cancel an unpaid demand
    POST   /api/demands/{id}/notices        Issue or escalate a notice
    GET    /api/demands/{id}/audit          Audit trail

  Water bills:
    POST   /api/water-bills                 Generate a monthly bill
    GET    /api/water-bills?connection_id=  List bills of a connection
    GET    /api/water-bills/{id}            Bill with payments
    POST   /api/water-bills/{id}/payments   Apply a payment
    POST   /api/water-bills/{id}/penalty    Recompute penalty and interest

  Notices:
    GET    /api/notices/{id}                Get a notice
    POST   /api/notices/{id}/send           Record delivery
    POST   /api/notices/{id}/view           Record that the recipient viewed it
    GET    /api/notices/{id}/pdf            Notice document

  Admin:
    POST   /api/admin/penalties/sweep       Run the overdue sweep now

REQUEST FLOW:
  1. Decode and validate the body (validator/v10)
  2. Check the caller may see the subject (citizens only see their own)
  3. Call the engine
  4. Serialize response
  5. Map engine errors through writeError

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to HTTP status mapping
  - auth.go: Identity and capability policy
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/DevXPanda/HTCMS-sub001/audit"
	"github.com/DevXPanda/HTCMS-sub001/billing"
	"github.com/DevXPanda/HTCMS-sub001/render"
)

const (
	defaultListLimit = 200
	maxListLimit     = 1000
	maxBodyBytes     = 1 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// AuditReader lists stored audit entries of one entity.
type AuditReader interface {
	List(ctx context.Context, entityType, entityID string) ([]audit.Entry, error)
}

// Handler holds the dependencies of every endpoint.
type Handler struct {
	Engine    *billing.Engine
	Scheduler *PenaltyScheduler
	Audit     AuditReader                 // nil disables the audit endpoint
	Metrics   http.Handler                // nil disables /metrics
	Ping      func(context.Context) error // readiness check for /healthz

	validate *validator.Validate
}

// NewHandler creates a handler with a default, unstarted penalty scheduler.
func NewHandler(engine *billing.Engine) *Handler {
	return &Handler{
		Engine:    engine,
		Scheduler: NewPenaltyScheduler(engine, nil),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// REQUEST HELPERS
// =============================================================================

// bind decodes the JSON body into v and validates it. It writes the 400
// response itself and returns false on failure.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeBody(r, v, false); err != nil {
		badRequest(w, err)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		badRequest(w, err)
		return false
	}
	return true
}

// bindOptional is bind for endpoints whose body may be empty.
func (h *Handler) bindOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeBody(r, v, true); err != nil {
		badRequest(w, err)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		badRequest(w, err)
		return false
	}
	return true
}

func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func actorOf(r *http.Request) billing.Actor {
	actor, _ := ActorFromContext(r.Context())
	return actor
}

func forbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, ErrorResponse{Code: "FORBIDDEN", Error: "not permitted for this subject"})
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", billing.ErrInvalidRequest, s)
	}
	return t, nil
}

func parseInt64(name, s string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: %s %q must be a positive integer", billing.ErrInvalidRequest, name, s)
	}
	return v, nil
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit %q must be a positive integer", billing.ErrInvalidRequest, s)
	}
	return min(n, maxListLimit), nil
}

// splitQuery returns every comma separated value of a repeatable parameter.
func splitQuery(r *http.Request, name string) []string {
	var out []string
	for _, raw := range r.URL.Query()[name] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func sourceFrom(req SourceRequest) (billing.BaseAmountSource, error) {
	switch req.Type {
	case "assessment":
		return billing.AssessmentSource{}, nil
	case "fixed_rate":
		return billing.FixedRateSource{ConnectionID: billing.ConnectionID(req.ConnectionID)}, nil
	case "metered":
		if req.Consumption == nil {
			return nil, fmt.Errorf("%w: metered source needs consumption", billing.ErrInvalidSource)
		}
		return billing.MeteredSource{ConnectionID: billing.ConnectionID(req.ConnectionID), Consumption: *req.Consumption}, nil
	case "flat_fee":
		if req.Amount == nil {
			return nil, fmt.Errorf("%w: flat_fee source needs amount", billing.ErrInvalidSource)
		}
		return billing.FlatFeeSource{Amount: *req.Amount}, nil
	}
	return nil, fmt.Errorf("%w: unknown source type %q", billing.ErrInvalidSource, req.Type)
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

// CreateSubject creates or updates a billing subject.
// POST /api/subjects
func (h *Handler) CreateSubject(w http.ResponseWriter, r *http.Request) {
	var req CreateSubjectRequest
	if !h.bind(w, r, &req) {
		return
	}
	s := &billing.BillingSubject{
		ID:        billing.SubjectID(req.ID),
		Kind:      billing.SubjectKind(req.Kind),
		Ward:      req.Ward,
		OwnerName: req.OwnerName,
		Status:    req.Status,
	}
	if err := h.Engine.RegisterSubject(r.Context(), s, actorOf(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubjectDTO(s))
}

// GetSubject returns one billing subject.
// GET /api/subjects/{id}
func (h *Handler) GetSubject(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64("id", chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ownsSubject(actorOf(r), billing.SubjectID(id)) {
		forbidden(w)
		return
	}
	s, err := h.Engine.GetSubject(r.Context(), billing.SubjectID(id))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubjectDTO(s))
}

// CreateAssessment records the valuation outcome for a subject and year.
// POST /api/assessments
func (h *Handler) CreateAssessment(w http.ResponseWriter, r *http.Request) {
	var req CreateAssessmentRequest
	if !h.bind(w, r, &req) {
		return
	}
	a := &billing.Assessment{
		SubjectID:       billing.SubjectID(req.SubjectID),
		Period:          req.Period,
		AnnualTaxAmount: req.AnnualTaxAmount,
		Status:          billing.AssessmentStatus(req.Status),
	}
	if err := h.Engine.RegisterAssessment(r.Context(), a, actorOf(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AssessmentDTO{
		SubjectID:       int64(a.SubjectID),
		Period:          a.Period,
		AnnualTaxAmount: a.AnnualTaxAmount.StringFixed(2),
		Status:          string(a.Status),
	})
}

// CreateConnection creates or updates a water connection.
// POST /api/connections
func (h *Handler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var req CreateConnectionRequest
	if !h.bind(w, r, &req) {
		return
	}
	c := &billing.WaterConnection{
		ID:             billing.ConnectionID(req.ID),
		SubjectID:      billing.SubjectID(req.SubjectID),
		ConnectionType: billing.ConnectionType(req.ConnectionType),
		Rate:           req.Rate,
		Status:         billing.ConnectionStatus(req.Status),
	}
	if err := h.Engine.RegisterConnection(r.Context(), c, actorOf(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ConnectionDTO{
		ID:             int64(c.ID),
		SubjectID:      int64(c.SubjectID),
		ConnectionType: string(c.ConnectionType),
		Rate:           c.Rate.StringFixed(2),
		Status:         string(c.Status),
	})
}

// =============================================================================
// DEMAND ENDPOINTS
// =============================================================================

// GenerateDemand creates a demand. With ?idempotent=true an existing open
// demand for the period is returned with 200 instead of a 409.
// POST /api/demands
func (h *Handler) GenerateDemand(w http.ResponseWriter, r *http.Request) {
	var req GenerateDemandRequest
	if !h.bind(w, r, &req) {
		return
	}
	idempotent, _ := strconv.ParseBool(r.URL.Query().Get("idempotent"))

	src, err := sourceFrom(req.Source)
	if err != nil {
		writeError(w, r, err)
		return
	}
	due, err := parseDate(req.DueDate)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.Engine.GenerateDemand(r.Context(), billing.GenerateDemandRequest{
		SubjectID:   billing.SubjectID(req.SubjectID),
		ServiceType: billing.ServiceType(req.ServiceType),
		Period:      req.Period,
		Source:      src,
		DueDate:     due,
		Remarks:     req.Remarks,
		Idempotent:  idempotent,
		Actor:       actorOf(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, GenerateResultDTO{Created: res.Created, Demand: toDemandDTO(res.Demand)})
}

// GenerateBulk generates one demand per subject in idempotent mode.
// Per-subject failures are reported in the items, not as an HTTP error.
// POST /api/demands/bulk
func (h *Handler) GenerateBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkGenerateRequest
	if !h.bind(w, r, &req) {
		return
	}
	src, err := sourceFrom(req.Source)
	if err != nil {
		writeError(w, r, err)
		return
	}
	due, err := parseDate(req.DueDate)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ids := make([]billing.SubjectID, len(req.SubjectIDs))
	for i, id := range req.SubjectIDs {
		ids[i] = billing.SubjectID(id)
	}
	res, err := h.Engine.GenerateBulk(r.Context(), billing.BulkGenerateRequest{
		SubjectIDs:  ids,
		ServiceType: billing.ServiceType(req.ServiceType),
		Period:      req.Period,
		Source:      src,
		DueDate:     due,
		Remarks:     req.Remarks,
		Actor:       actorOf(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := BulkResultDTO{Created: res.Created, Existing: res.Existing, Failed: res.Failed, Items: make([]BulkItemDTO, 0, len(res.Items))}
	for _, item := range res.Items {
		dto := BulkItemDTO{SubjectID: int64(item.SubjectID), Created: item.Created}
		if item.Demand != nil {
			d := toDemandDTO(item.Demand)
			dto.Demand = &d
		}
		if item.Err != nil {
			dto.Code = billing.CodeOf(item.Err)
			dto.Error = item.Err.Error()
		}
		out.Items = append(out.Items, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

// demandFilter builds a filter from query parameters and narrows it to the
// caller's own subjects for citizens.
func demandFilter(r *http.Request) (billing.DemandFilter, bool, error) {
	q := r.URL.Query()
	var f billing.DemandFilter

	for _, raw := range splitQuery(r, "subject_id") {
		id, err := parseInt64("subject_id", raw)
		if err != nil {
			return f, true, err
		}
		f.SubjectIDs = append(f.SubjectIDs, billing.SubjectID(id))
	}
	if s := q.Get("service_type"); s != "" {
		st, err := billing.ParseServiceType(s)
		if err != nil {
			return f, true, err
		}
		f.ServiceType = st
	}
	for _, raw := range splitQuery(r, "status") {
		st, err := billing.ParseStatus(raw)
		if err != nil {
			return f, true, err
		}
		f.Statuses = append(f.Statuses, st)
	}
	f.Ward = q.Get("ward")
	f.Period = q.Get("period")
	due, err := parseDate(q.Get("due_before"))
	if err != nil {
		return f, true, err
	}
	f.DueBefore = due
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		return f, true, err
	}

	actor := actorOf(r)
	if actor.Role == billing.RoleCitizen {
		if len(f.SubjectIDs) == 0 {
			f.SubjectIDs = actor.SubjectIDs
		}
		for _, id := range f.SubjectIDs {
			if !ownsSubject(actor, id) {
				return f, false, nil
			}
		}
	}
	return f, true, nil
}

// ListDemands returns demands matching the query filters.
// GET /api/demands?subject_id=&service_type=&status=&period=&ward=&due_before=&limit=
func (h *Handler) ListDemands(w http.ResponseWriter, r *http.Request) {
	f, allowed, err := demandFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !allowed {
		forbidden(w)
		return
	}
	if actorOf(r).Role == billing.RoleCitizen && len(f.SubjectIDs) == 0 {
		writeJSON(w, http.StatusOK, []DemandDTO{})
		return
	}
	demands, err := h.Engine.ListDemands(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDemandDTOs(demands))
}

// ExportDemands streams the demand register for the query filters as XLSX.
// GET /api/demands/export.xlsx
func (h *Handler) ExportDemands(w http.ResponseWriter, r *http.Request) {
	f, allowed, err := demandFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !allowed {
		forbidden(w)
		return
	}
	if r.URL.Query().Get("limit") == "" {
		f.Limit = 0
	}
	demands, err := h.Engine.ListDemands(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, err := render.DemandRegisterXLSX(demands)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="demand-register.xlsx"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// visibleDemand loads a demand and checks the caller may see it.
func (h *Handler) visibleDemand(w http.ResponseWriter, r *http.Request, id string) (*billing.Demand, bool) {
	d, err := h.Engine.GetDemand(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if !ownsSubject(actorOf(r), d.SubjectID) {
		forbidden(w)
		return nil, false
	}
	return d, true
}

// GetDemand returns a demand with its payments, notice chain and whether
// the payments sum to the paid amount.
// GET /api/demands/{id}
func (h *Handler) GetDemand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, ok := h.visibleDemand(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	payments, err := h.Engine.Payments(ctx, d.Ref())
	if err != nil {
		writeError(w, r, err)
		return
	}
	notices, err := h.Engine.NoticeChain(ctx, d.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DemandDetailDTO{
		DemandDTO:          toDemandDTO(d),
		Payments:           toPaymentDTOs(payments),
		Notices:            toNoticeDTOs(notices),
		PaymentsConsistent: billing.SumPayments(payments).Equal(d.PaidAmount),
	})
}

// PayDemand applies a payment to a demand.
// POST /api/demands/{id}/payments
func (h *Handler) PayDemand(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !h.bind(w, r, &req) {
		return
	}
	date, err := parseDate(req.PaymentDate)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Engine.PayDemand(r.Context(), billing.PaymentRequest{
		TargetID:    chi.URLParam(r, "id"),
		Amount:      req.Amount,
		Mode:        billing.PaymentMode(req.Mode),
		PaymentDate: date,
		ExternalRef: req.ExternalRef,
		Actor:       actorOf(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	d := toDemandDTO(res.Demand)
	writeJSON(w, http.StatusCreated, PaymentResultDTO{Payment: toPaymentDTO(res.Payment), Demand: &d})
}

func ratesFrom(req PenaltyRequest) billing.RateOverrides {
	return billing.RateOverrides{
		PenaltyPercent:       req.PenaltyPercent,
		DailyInterestPercent: req.DailyInterestPercent,
	}
}

// ApplyPenalty recomputes penalty and interest on an overdue demand.
// POST /api/demands/{id}/penalty
func (h *Handler) ApplyPenalty(w http.ResponseWriter, r *http.Request) {
	var req PenaltyRequest
	if !h.bindOptional(w, r, &req) {
		return
	}
	res, err := h.Engine.ApplyPenalty(r.Context(), chi.URLParam(r, "id"), ratesFrom(req), actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	d := toDemandDTO(res.Demand)
	writeJSON(w, http.StatusOK, PenaltyResultDTO{Applied: res.Applied, Demand: &d})
}

// CancelDemand cancels a demand that has received no payment.
// POST /api/demands/{id}/cancel
func (h *Handler) CancelDemand(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.bind(w, r, &req) {
		return
	}
	d, err := h.Engine.CancelDemand(r.Context(), chi.URLParam(r, "id"), req.Reason, actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDemandDTO(d))
}

// IssueNotice issues the first notice on a demand or escalates its chain.
// POST /api/demands/{id}/notices
func (h *Handler) IssueNotice(w http.ResponseWriter, r *http.Request) {
	var req IssueNoticeRequest
	if !h.bind(w, r, &req) {
		return
	}
	n, err := h.Engine.IssueNotice(r.Context(), billing.IssueNoticeRequest{
		DemandID:   chi.URLParam(r, "id"),
		NoticeType: billing.NoticeType(req.NoticeType),
		Actor:      actorOf(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toNoticeDTO(n))
}

// DemandAudit returns the stored audit trail of a demand.
// GET /api/demands/{id}/audit
func (h *Handler) DemandAudit(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Code: "NOT_CONFIGURED", Error: "audit log is not stored"})
		return
	}
	d, ok := h.visibleDemand(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	entries, err := h.Audit.List(r.Context(), "demand", d.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = AuditEntryDTO{
			ID:          e.ID,
			Actor:       e.Actor,
			Action:      e.Action,
			Description: e.Description,
			Before:      e.Before,
			After:       e.After,
			Digest:      e.Digest,
			CreatedAt:   e.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// WATER BILL ENDPOINTS
// =============================================================================

// ownsConnection reports whether the caller may see bills of a connection.
func (h *Handler) ownsConnection(ctx context.Context, actor billing.Actor, id billing.ConnectionID) (bool, error) {
	if actor.Role != billing.RoleCitizen {
		return true, nil
	}
	c, err := h.Engine.GetConnection(ctx, id)
	if err != nil {
		return false, err
	}
	return ownsSubject(actor, c.SubjectID), nil
}

// GenerateWaterBill creates the monthly bill for one connection.
// POST /api/water-bills
func (h *Handler) GenerateWaterBill(w http.ResponseWriter, r *http.Request) {
	var req GenerateWaterBillRequest
	if !h.bind(w, r, &req) {
		return
	}
	due, err := parseDate(req.DueDate)
	if err != nil {
		writeError(w, r, err)
		return
	}
	idempotent, _ := strconv.ParseBool(r.URL.Query().Get("idempotent"))

	res, err := h.Engine.GenerateWaterBill(r.Context(), billing.GenerateWaterBillRequest{
		ConnectionID:  billing.ConnectionID(req.ConnectionID),
		BillingPeriod: req.BillingPeriod,
		Consumption:   req.Consumption,
		DueDate:       due,
		Idempotent:    req.Idempotent || idempotent,
		Actor:         actorOf(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, WaterBillResultDTO{Created: res.Created, Bill: toWaterBillDTO(res.Bill)})
}

// ListWaterBills returns bills of one connection.
// GET /api/water-bills?connection_id=&status=&due_before=&limit=
func (h *Handler) ListWaterBills(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	var f billing.WaterBillFilter

	if raw := q.Get("connection_id"); raw != "" {
		id, err := parseInt64("connection_id", raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		f.ConnectionID = billing.ConnectionID(id)
	}
	for _, raw := range splitQuery(r, "status") {
		st, err := billing.ParseStatus(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		f.Statuses = append(f.Statuses, st)
	}
	due, err := parseDate(q.Get("due_before"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	f.DueBefore = due
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		writeError(w, r, err)
		return
	}

	actor := actorOf(r)
	if actor.Role == billing.RoleCitizen {
		if f.ConnectionID == 0 {
			writeError(w, r, fmt.Errorf("%w: connection_id is required", billing.ErrInvalidRequest))
			return
		}
		ok, err := h.ownsConnection(ctx, actor, f.ConnectionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !ok {
			forbidden(w)
			return
		}
	}

	bills, err := h.Engine.ListWaterBills(ctx, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWaterBillDTOs(bills))
}

// GetWaterBill returns a bill with its payments.
// GET /api/water-bills/{id}
func (h *Handler) GetWaterBill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := h.Engine.GetWaterBill(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok, err := h.ownsConnection(ctx, actorOf(r), b.ConnectionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		forbidden(w)
		return
	}
	payments, err := h.Engine.Payments(ctx, b.Ref())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WaterBillDetailDTO{
		WaterBillDTO:       toWaterBillDTO(b),
		Payments:           toPaymentDTOs(payments),
		PaymentsConsistent: billing.SumPayments(payments).Equal(b.PaidAmount),
	})
}

// PayWaterBill applies a payment to a water bill.
// POST /api/water-bills/{id}/payments
func (h *Handler) PayWaterBill(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !h.bind(w, r, &req) {
		return
	}
	date, err := parseDate(req.PaymentDate)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Engine.PayWaterBill(r.Context(), billing.PaymentRequest{
		TargetID:    chi.URLParam(r, "id"),
		Amount:      req.Amount,
		Mode:        billing.PaymentMode(req.Mode),
		PaymentDate: date,
		ExternalRef: req.ExternalRef,
		Actor:       actorOf(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	b := toWaterBillDTO(res.Bill)
	writeJSON(w, http.StatusCreated, PaymentResultDTO{Payment: toPaymentDTO(res.Payment), WaterBill: &b})
}

// ApplyWaterBillPenalty recomputes penalty and interest on a water bill.
// POST /api/water-bills/{id}/penalty
func (h *Handler) ApplyWaterBillPenalty(w http.ResponseWriter, r *http.Request) {
	var req PenaltyRequest
	if !h.bindOptional(w, r, &req) {
		return
	}
	res, err := h.Engine.ApplyWaterBillPenalty(r.Context(), chi.URLParam(r, "id"), ratesFrom(req), actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	b := toWaterBillDTO(res.Bill)
	writeJSON(w, http.StatusOK, PenaltyResultDTO{Applied: res.Applied, WaterBill: &b})
}

// =============================================================================
// NOTICE ENDPOINTS
// =============================================================================

// visibleNotice loads a notice with its demand and checks the caller may see
// them.
func (h *Handler) visibleNotice(w http.ResponseWriter, r *http.Request) (*billing.Notice, *billing.Demand, bool) {
	n, err := h.Engine.GetNotice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return nil, nil, false
	}
	d, ok := h.visibleDemand(w, r, n.DemandID)
	if !ok {
		return nil, nil, false
	}
	return n, d, true
}

// GetNotice returns one notice.
// GET /api/notices/{id}
func (h *Handler) GetNotice(w http.ResponseWriter, r *http.Request) {
	n, _, ok := h.visibleNotice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toNoticeDTO(n))
}

// SendNotice records delivery of a generated notice.
// POST /api/notices/{id}/send
func (h *Handler) SendNotice(w http.ResponseWriter, r *http.Request) {
	var req SendNoticeRequest
	if !h.bind(w, r, &req) {
		return
	}
	n, err := h.Engine.SendNotice(r.Context(), chi.URLParam(r, "id"), billing.DeliveryMode(req.DeliveryMode), actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNoticeDTO(n))
}

// ViewNotice records that the recipient opened a sent notice.
// POST /api/notices/{id}/view
func (h *Handler) ViewNotice(w http.ResponseWriter, r *http.Request) {
	n, _, ok := h.visibleNotice(w, r)
	if !ok {
		return
	}
	viewed, err := h.Engine.ViewNotice(r.Context(), n.ID, actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNoticeDTO(viewed))
}

// NoticePDF renders the notice document.
// GET /api/notices/{id}/pdf
func (h *Handler) NoticePDF(w http.ResponseWriter, r *http.Request) {
	n, d, ok := h.visibleNotice(w, r)
	if !ok {
		return
	}
	data, err := render.BuildNoticePDF(*n, *d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s.pdf"`, n.Number))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// =============================================================================
// ADMIN AND HEALTH
// =============================================================================

// SweepPenalties runs the overdue sweep now. as_of defaults to today.
// POST /api/admin/penalties/sweep
func (h *Handler) SweepPenalties(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if !h.bindOptional(w, r, &req) {
		return
	}
	asOf, err := parseDate(req.AsOf)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if asOf.IsZero() {
		asOf = h.Engine.Now()
	}
	res, err := h.Scheduler.RunOnce(r.Context(), asOf)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResultDTO{
		AsOf:    asOf.Format(dateLayout),
		Scanned: res.Scanned,
		Applied: res.Applied,
		Failed:  res.Failed,
	})
}

// Health reports whether the store is reachable.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
