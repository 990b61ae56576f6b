/*
handlers_test.go - HTTP tests against the full router on a SQLite store

Tests for:
- Demand generation, duplicate handling and idempotent mode
- Payments, penalties and the detail view consistency flag
- Error taxonomy to HTTP status mapping
- Notice issue, delivery, escalation rules and PDF download
- Water bills, the overdue sweep endpoint and the XLSX export
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DevXPanda/HTCMS-sub001/audit"
	"github.com/DevXPanda/HTCMS-sub001/billing"
	"github.com/DevXPanda/HTCMS-sub001/store/sqlstore"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testEnv struct {
	t      *testing.T
	router http.Handler
	engine *billing.Engine
	clock  *billing.FixedClock
	auth   *Authenticator
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := sqlstore.Open(ctx, sqlstore.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := zaptest.NewLogger(t)
	clock := billing.NewFixedClock(billing.Date(2024, time.June, 1))
	repo := audit.NewRepository(st)
	engine := billing.NewEngine(st, billing.Options{Clock: clock, Logger: logger, Audit: repo})

	h := NewHandler(engine)
	h.Audit = repo
	h.Ping = st.Ping
	auth := NewAuthenticator(secret, "htcms-test")

	return &testEnv{
		t:      t,
		router: NewRouter(h, RouterOptions{Auth: auth, Logger: logger}),
		engine: engine,
		clock:  clock,
		auth:   auth,
	}
}

func (env *testEnv) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	env.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(env.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) token(actor billing.Actor) string {
	env.t.Helper()
	tok, err := env.auth.Issue(actor, time.Hour)
	require.NoError(env.t, err)
	return tok
}

// seedSubject registers a property with an approved 2024-25 assessment.
func (env *testEnv) seedSubject(amount string) billing.SubjectID {
	env.t.Helper()
	ctx := context.Background()
	s := &billing.BillingSubject{Kind: billing.SubjectProperty, Ward: "W-07", OwnerName: "A. Kumar"}
	require.NoError(env.t, env.engine.RegisterSubject(ctx, s, billing.SystemActor))
	require.NoError(env.t, env.engine.RegisterAssessment(ctx, &billing.Assessment{
		SubjectID:       s.ID,
		Period:          "2024-25",
		AnnualTaxAmount: billing.MustMoney(amount),
		Status:          billing.AssessmentApproved,
	}, billing.SystemActor))
	return s.ID
}

func (env *testEnv) generate(subject billing.SubjectID) DemandDTO {
	env.t.Helper()
	rec := env.do(http.MethodPost, "/api/demands", map[string]any{
		"subject_id":   subject,
		"service_type": "HOUSE_TAX",
		"period":       "2024-25",
		"source":       map[string]any{"type": "assessment"},
	}, "")
	require.Equal(env.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[GenerateResultDTO](env.t, rec).Demand
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// DEMANDS
// =============================================================================

func TestGenerateDemand_CreatedThenDuplicate(t *testing.T) {
	// GIVEN: a subject with an approved 1000.00 assessment
	env := newTestEnv(t, "")
	subject := env.seedSubject("1000.00")

	// WHEN: the demand is generated
	d := env.generate(subject)

	// THEN: it is numbered and priced from the assessment
	assert.Equal(t, "HT-2024-25-00001", d.Number)
	assert.Equal(t, "1000.00", d.TotalAmount)
	assert.Equal(t, "1000.00", d.BalanceAmount)
	assert.Equal(t, "pending", d.Status)
	assert.Equal(t, "system", d.GeneratedBy)

	// WHEN: the same period is generated again in strict mode
	body := map[string]any{
		"subject_id":   subject,
		"service_type": "HOUSE_TAX",
		"period":       "2024-25",
		"source":       map[string]any{"type": "assessment"},
	}
	rec := env.do(http.MethodPost, "/api/demands", body, "")

	// THEN: 409 with the stable code
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DUPLICATE_DEMAND", decode[ErrorResponse](t, rec).Code)

	// WHEN: idempotent mode is requested
	rec = env.do(http.MethodPost, "/api/demands?idempotent=true", body, "")

	// THEN: the existing demand comes back with 200
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[GenerateResultDTO](t, rec)
	assert.False(t, res.Created)
	assert.Equal(t, d.ID, res.Demand.ID)
}

func TestGenerateDemand_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, "")
	subject := env.seedSubject("1000.00")

	tests := []struct {
		name string
		body any
		code string
	}{
		{"malformed json", `{"subject_id":`, "INVALID_REQUEST"},
		{"unknown field", `{"subject_id":1,"colour":"red"}`, "INVALID_REQUEST"},
		{"bad service type", map[string]any{"subject_id": subject, "service_type": "GAS", "period": "2024-25", "source": map[string]any{"type": "assessment"}}, "INVALID_REQUEST"},
		{"flat fee without amount", map[string]any{"subject_id": subject, "service_type": "D2DC", "period": "2024-06", "source": map[string]any{"type": "flat_fee"}}, "INVALID_SOURCE"},
		{"source does not fit service", map[string]any{"subject_id": subject, "service_type": "D2DC", "period": "2024-06", "source": map[string]any{"type": "assessment"}}, "INVALID_SOURCE"},
		{"bad period", map[string]any{"subject_id": subject, "service_type": "HOUSE_TAX", "period": "2024-26", "source": map[string]any{"type": "assessment"}}, "INVALID_PERIOD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/demands", tt.body, "")
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestGenerateDemand_UnknownSubjectIsNotFound(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodPost, "/api/demands", map[string]any{
		"subject_id":   999,
		"service_type": "HOUSE_TAX",
		"period":       "2024-25",
		"source":       map[string]any{"type": "assessment"},
	}, "")

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SUBJECT_NOT_FOUND", decode[ErrorResponse](t, rec).Code)
}

func TestPayDemand_HalfThenDetail(t *testing.T) {
	// GIVEN: a pending 1000.00 demand
	env := newTestEnv(t, "")
	d := env.generate(env.seedSubject("1000.00"))

	// WHEN: 400.00 is paid in cash
	rec := env.do(http.MethodPost, "/api/demands/"+d.ID+"/payments", map[string]any{
		"amount":       "400.00",
		"payment_mode": "cash",
	}, "")

	// THEN: outside the half band the status stays pending
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[PaymentResultDTO](t, rec)
	require.NotNil(t, res.Demand)
	assert.Equal(t, "pending", res.Demand.Status)
	assert.Equal(t, "600.00", res.Demand.BalanceAmount)
	assert.NotEmpty(t, res.Payment.ReceiptNumber)
	assert.Equal(t, "2024-06-01", res.Payment.PaymentDate)

	// WHEN: another 100.00 brings paid to exactly half
	rec = env.do(http.MethodPost, "/api/demands/"+d.ID+"/payments", map[string]any{
		"amount":       100,
		"payment_mode": "upi",
		"external_ref": "UPI-778",
	}, "")

	// THEN: the demand is partially paid
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res = decode[PaymentResultDTO](t, rec)
	assert.Equal(t, "partially_paid", res.Demand.Status)
	assert.Equal(t, "500.00", res.Demand.PaidAmount)
	assert.Equal(t, "UPI-778", res.Payment.ExternalRef)

	// WHEN: the detail view is requested
	rec = env.do(http.MethodGet, "/api/demands/"+d.ID, nil, "")

	// THEN: payments reconcile with paid_amount
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[DemandDetailDTO](t, rec)
	assert.Len(t, detail.Payments, 2)
	assert.Empty(t, detail.Notices)
	assert.True(t, detail.PaymentsConsistent)
}

func TestPayDemand_Rejections(t *testing.T) {
	env := newTestEnv(t, "")
	d := env.generate(env.seedSubject("1000.00"))

	tests := []struct {
		name   string
		id     string
		body   any
		status int
		code   string
	}{
		{"zero amount", d.ID, map[string]any{"amount": "0", "payment_mode": "cash"}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"three decimals", d.ID, map[string]any{"amount": "10.005", "payment_mode": "cash"}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"unknown mode", d.ID, map[string]any{"amount": "10", "payment_mode": "barter"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing demand", "nope", map[string]any{"amount": "10", "payment_mode": "cash"}, http.StatusNotFound, "DEMAND_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/demands/"+tt.id+"/payments", tt.body, "")
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestPayDemand_OverpaymentRejected(t *testing.T) {
	// GIVEN: a 1000.00 demand
	env := newTestEnv(t, "")
	d := env.generate(env.seedSubject("1000.00"))

	// WHEN: 1200.00 is tendered
	rec := env.do(http.MethodPost, "/api/demands/"+d.ID+"/payments", map[string]any{"amount": 1200, "payment_mode": "upi"}, "")

	// THEN: it is refused and nothing is recorded
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "INVALID_AMOUNT", decode[ErrorResponse](t, rec).Code)

	// WHEN: the exact balance is paid
	rec = env.do(http.MethodPost, "/api/demands/"+d.ID+"/payments", map[string]any{"amount": 1000, "payment_mode": "upi"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[PaymentResultDTO](t, rec)
	assert.Equal(t, "paid", res.Demand.Status)
	assert.Equal(t, "0.00", res.Demand.BalanceAmount)

	// THEN: a further payment is a conflict
	rec = env.do(http.MethodPost, "/api/demands/"+d.ID+"/payments", map[string]any{"amount": 1, "payment_mode": "upi"}, "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_UNPAID", decode[ErrorResponse](t, rec).Code)
}

func TestApplyPenalty_Overdue(t *testing.T) {
	// GIVEN: a 1000.00 demand due 2024-06-30, 40 days overdue
	env := newTestEnv(t, "")
	d := env.generate(env.seedSubject("1000.00"))
	env.clock.Set(billing.Date(2024, time.August, 9))

	// WHEN: the default rates are applied
	rec := env.do(http.MethodPost, "/api/demands/"+d.ID+"/penalty", nil, "")

	// THEN: 5% penalty and 0.01%/day interest on the principal
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[PenaltyResultDTO](t, rec)
	assert.True(t, res.Applied)
	assert.Equal(t, "50.00", res.Demand.PenaltyAmount)
	assert.Equal(t, "4.00", res.Demand.InterestAmount)
	assert.Equal(t, "1054.00", res.Demand.TotalAmount)
	assert.Equal(t, "overdue", res.Demand.Status)
}

func TestApplyPenalty_SingleRateOverride(t *testing.T) {
	// GIVEN: a 1000.00 demand 40 days overdue
	env := newTestEnv(t, "")
	d := env.generate(env.seedSubject("1000.00"))
	env.clock.Set(billing.Date(2024, time.August, 9))

	// WHEN: only the daily interest rate is sent
	rec := env.do(http.MethodPost, "/api/demands/"+d.ID+"/penalty", map[string]any{"daily_interest_percent": "0.02"}, "")

	// THEN: the penalty keeps the configured 5%
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[PenaltyResultDTO](t, rec)
	assert.Equal(t, "50.00", res.Demand.PenaltyAmount)
	assert.Equal(t, "8.00", res.Demand.InterestAmount)
	assert.Equal(t, "1058.00", res.Demand.TotalAmount)
}

func TestCancelDemand(t *testing.T) {
	env := newTestEnv(t, "")
	d := env.generate(env.seedSubject("1000.00"))

	rec := env.do(http.MethodPost, "/api/demands/"+d.ID+"/cancel", map[string]any{}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = env.do(http.MethodPost, "/api/demands/"+d.ID+"/cancel", map[string]any{"reason": "duplicate assessment"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode[DemandDTO](t, rec).Status)
}

func TestListDemands_Filters(t *testing.T) {
	// GIVEN: two subjects with one demand each, one of them paid
	env := newTestEnv(t, "")
	a := env.generate(env.seedSubject("1000.00"))
	b := env.generate(env.seedSubject("800.00"))
	rec := env.do(http.MethodPost, "/api/demands/"+b.ID+"/payments", map[string]any{"amount": "800", "payment_mode": "cash"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN/THEN: filtering by status returns only the unpaid one
	rec = env.do(http.MethodGet, "/api/demands?status=pending,overdue", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]DemandDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	// WHEN/THEN: filtering by subject
	rec = env.do(http.MethodGet, "/api/demands?subject_id="+strconv.FormatInt(b.SubjectID, 10), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list = decode[[]DemandDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	// WHEN/THEN: a bad status value is a 400
	rec = env.do(http.MethodGet, "/api/demands?status=lost", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateBulk_ReportsPerSubject(t *testing.T) {
	// GIVEN: one subject with an assessment and one without
	env := newTestEnv(t, "")
	ok := env.seedSubject("1000.00")
	bare := &billing.BillingSubject{Kind: billing.SubjectShop, Ward: "W-07", OwnerName: "B. Rao"}
	require.NoError(t, env.engine.RegisterSubject(context.Background(), bare, billing.SystemActor))

	// WHEN: both are generated in bulk
	rec := env.do(http.MethodPost, "/api/demands/bulk", map[string]any{
		"subject_ids":  []int64{int64(ok), int64(bare.ID)},
		"service_type": "HOUSE_TAX",
		"period":       "2024-25",
		"source":       map[string]any{"type": "assessment"},
	}, "")

	// THEN: one is created and the other reports its own error
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[BulkResultDTO](t, rec)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "SOURCE_NOT_FOUND", res.Items[1].Code)
}

func TestExportDemands_XLSX(t *testing.T) {
	env := newTestEnv(t, "")
	env.generate(env.seedSubject("1000.00"))

	rec := env.do(http.MethodGet, "/api/demands/export.xlsx", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")), "xlsx is a zip archive")
}

func TestDemandAudit(t *testing.T) {
	env := newTestEnv(t, "")
	d := env.generate(env.seedSubject("1000.00"))

	rec := env.do(http.MethodGet, "/api/demands/"+d.ID+"/audit", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]AuditEntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, billing.ActionGenerate, entries[0].Action)
	assert.NotEmpty(t, entries[0].Digest)
}

// =============================================================================
// NOTICES
// =============================================================================

func TestNotices_IssueSendViewEscalate(t *testing.T) {
	// GIVEN: a demand
	env := newTestEnv(t, "")
	d := env.generate(env.seedSubject("1000.00"))

	// WHEN: a reminder is issued before the due date
	rec := env.do(http.MethodPost, "/api/demands/"+d.ID+"/notices", map[string]any{"notice_type": "reminder"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reminder := decode[NoticeDTO](t, rec)
	assert.Equal(t, 1, reminder.Severity)
	assert.Equal(t, "generated", reminder.Status)

	// AND: a penalty notice is attempted before the due date
	rec = env.do(http.MethodPost, "/api/demands/"+d.ID+"/notices", map[string]any{"notice_type": "penalty"}, "")

	// THEN: escalation beyond the reminder level waits for the due date
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TOO_EARLY", decode[ErrorResponse](t, rec).Code)

	// WHEN: the reminder is sent and viewed
	rec = env.do(http.MethodPost, "/api/notices/"+reminder.ID+"/send", map[string]any{"delivery_mode": "post"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "sent", decode[NoticeDTO](t, rec).Status)
	rec = env.do(http.MethodPost, "/api/notices/"+reminder.ID+"/view", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "viewed", decode[NoticeDTO](t, rec).Status)

	// WHEN: past due, a final warrant skips two levels
	env.clock.Set(billing.Date(2024, time.July, 15))
	rec = env.do(http.MethodPost, "/api/demands/"+d.ID+"/notices", map[string]any{"notice_type": "final_warrant"}, "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SKIPPED_LEVEL", decode[ErrorResponse](t, rec).Code)

	// WHEN: it escalates one level to a demand notice
	rec = env.do(http.MethodPost, "/api/demands/"+d.ID+"/notices", map[string]any{"notice_type": "demand"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	escalated := decode[NoticeDTO](t, rec)
	assert.Equal(t, reminder.ID, escalated.PreviousNoticeID)

	// THEN: the chain is visible on the demand and the reminder is superseded
	rec = env.do(http.MethodGet, "/api/demands/"+d.ID, nil, "")
	detail := decode[DemandDetailDTO](t, rec)
	require.Len(t, detail.Notices, 2)
	assert.Equal(t, "escalated", detail.Notices[0].Status)
	assert.Equal(t, "generated", detail.Notices[1].Status)
}

func TestNoticePDF(t *testing.T) {
	env := newTestEnv(t, "")
	d := env.generate(env.seedSubject("1000.00"))
	rec := env.do(http.MethodPost, "/api/demands/"+d.ID+"/notices", map[string]any{"notice_type": "demand"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	n := decode[NoticeDTO](t, rec)

	rec = env.do(http.MethodGet, "/api/notices/"+n.ID+"/pdf", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")))
}

// =============================================================================
// WATER BILLS AND SWEEP
// =============================================================================

func TestWaterBill_GeneratePayList(t *testing.T) {
	// GIVEN: a metered connection at 12.50 per unit
	env := newTestEnv(t, "")
	subject := env.seedSubject("1000.00")
	rec := env.do(http.MethodPost, "/api/connections", map[string]any{
		"subject_id":      subject,
		"connection_type": "METERED",
		"rate":            "12.50",
		"status":          "ACTIVE",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	conn := decode[ConnectionDTO](t, rec)

	// WHEN: May is billed for 20 units
	rec = env.do(http.MethodPost, "/api/water-bills", map[string]any{
		"connection_id":  conn.ID,
		"billing_period": "2024-05",
		"consumption":    "20",
	}, "")

	// THEN: 250.00 due on June 15
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	bill := decode[WaterBillResultDTO](t, rec).Bill
	assert.Equal(t, "250.00", bill.TotalAmount)
	assert.Equal(t, "2024-06-15", bill.DueDate)

	// WHEN: it is paid in full
	rec = env.do(http.MethodPost, "/api/water-bills/"+bill.ID+"/payments", map[string]any{"amount": "250", "payment_mode": "card"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "paid", decode[PaymentResultDTO](t, rec).WaterBill.Status)

	// THEN: the connection's bills list shows it paid
	rec = env.do(http.MethodGet, "/api/water-bills?connection_id="+strconv.FormatInt(conn.ID, 10), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]WaterBillDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "paid", list[0].Status)

	rec = env.do(http.MethodGet, "/api/water-bills/"+bill.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[WaterBillDetailDTO](t, rec).PaymentsConsistent)
}

func TestSweepPenalties(t *testing.T) {
	// GIVEN: one demand due 2024-06-30
	env := newTestEnv(t, "")
	d := env.generate(env.seedSubject("1000.00"))

	// WHEN: the sweep runs as of a date before the due date
	rec := env.do(http.MethodPost, "/api/admin/penalties/sweep", map[string]any{"as_of": "2024-06-15"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, decode[SweepResultDTO](t, rec).Scanned)

	// WHEN: it runs after the due date
	env.clock.Set(billing.Date(2024, time.August, 9))
	rec = env.do(http.MethodPost, "/api/admin/penalties/sweep", nil, "")

	// THEN: the demand is penalised
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[SweepResultDTO](t, rec)
	assert.Equal(t, "2024-08-09", res.AsOf)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 0, res.Failed)

	got, err := env.engine.GetDemand(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusOverdue, got.Status)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestWriteError_StatusMapping(t *testing.T) {
	tests := []struct {
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{billing.ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT", ""},
		{billing.ErrNoticeNotFound, http.StatusNotFound, "NOTICE_NOT_FOUND", ""},
		{billing.ErrNoDowngrade, http.StatusConflict, "NO_DOWNGRADE", ""},
		{billing.ErrConcurrentModification, http.StatusServiceUnavailable, "CONCURRENT_MODIFICATION", "1"},
		{billing.ErrInvariantViolation, http.StatusInternalServerError, "INVARIANT_VIOLATION", ""},
		{context.DeadlineExceeded, http.StatusInternalServerError, "INTERNAL", ""},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.code, resp.Code)
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "internal error", resp.Error)
			}
		})
	}
}
