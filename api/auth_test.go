package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DevXPanda/HTCMS-sub001/billing"
)

const testSecret = "test-secret-0123456789"

func TestAuthenticator_IssueAndParse(t *testing.T) {
	auth := NewAuthenticator(testSecret, "htcms-test")
	actor := billing.Actor{ID: "cit-9", Role: billing.RoleCitizen, Ward: "W-07", SubjectIDs: []billing.SubjectID{3, 4}}

	tok, err := auth.Issue(actor, time.Hour)
	require.NoError(t, err)

	got, err := auth.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, actor, got)
}

func TestAuthenticator_Rejects(t *testing.T) {
	auth := NewAuthenticator(testSecret, "htcms-test")
	valid := billing.Actor{ID: "clerk-1", Role: billing.RoleClerk}

	expired, err := auth.Issue(valid, -time.Minute)
	require.NoError(t, err)

	otherKey, err := NewAuthenticator("another-secret-987654321", "htcms-test").Issue(valid, time.Hour)
	require.NoError(t, err)

	otherIssuer, err := NewAuthenticator(testSecret, "someone-else").Issue(valid, time.Hour)
	require.NoError(t, err)

	badRole, err := auth.Issue(billing.Actor{ID: "x", Role: "superuser"}, time.Hour)
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role:             "admin",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "x", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not.a.token", ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"wrong key", otherKey, ErrInvalidToken},
		{"wrong issuer", otherIssuer, ErrInvalidToken},
		{"alg none", noneAlg, ErrInvalidToken},
		{"unknown role", badRole, ErrInvalidRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.Parse(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCan_RoleCapabilities(t *testing.T) {
	assert.True(t, Can(billing.RoleCitizen, CapView))
	assert.False(t, Can(billing.RoleCitizen, CapCollect))
	assert.True(t, Can(billing.RoleCollector, CapCollect))
	assert.False(t, Can(billing.RoleCollector, CapGenerate))
	assert.True(t, Can(billing.RoleClerk, CapNotices))
	assert.False(t, Can(billing.RoleClerk, CapAdmin))
	for _, c := range []Capability{CapView, CapReference, CapGenerate, CapCollect, CapPenalty, CapCancel, CapNotices, CapExport, CapAdmin} {
		assert.True(t, Can(billing.RoleAdmin, c), c)
	}
	assert.False(t, Can("", CapView))
}

func TestPolicy_EveryEntryIsRouted(t *testing.T) {
	// GIVEN: the full router (registration panics on a route without policy)
	env := newTestEnv(t, "")
	mux, ok := env.router.(chi.Routes)
	require.True(t, ok)

	// WHEN: every registered route is collected
	routed := map[string]bool{}
	require.NoError(t, chi.Walk(mux, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if route != "/" {
			route = strings.TrimSuffix(route, "/")
		}
		routed[method+" "+route] = true
		return nil
	}))

	// THEN: no policy entry is stale
	for key := range Policy {
		assert.True(t, routed[key], "policy entry %q has no route", key)
	}
}

func TestRouter_RoleEnforcement(t *testing.T) {
	// GIVEN: a secured server with two subjects and a demand on each
	env := newTestEnv(t, testSecret)
	ctx := context.Background()
	own := env.seedSubject("1000.00")
	other := env.seedSubject("800.00")
	var ids []string
	for _, s := range []billing.SubjectID{own, other} {
		res, err := env.engine.GenerateDemand(ctx, billing.GenerateDemandRequest{
			SubjectID:   s,
			ServiceType: billing.ServiceHouseTax,
			Period:      "2024-25",
			Source:      billing.AssessmentSource{},
			Actor:       billing.SystemActor,
		})
		require.NoError(t, err)
		ids = append(ids, res.Demand.ID)
	}

	citizen := env.token(billing.Actor{ID: "cit-1", Role: billing.RoleCitizen, SubjectIDs: []billing.SubjectID{own}})
	collector := env.token(billing.Actor{ID: "col-1", Role: billing.RoleCollector, Ward: "W-07"})
	clerk := env.token(billing.Actor{ID: "clerk-1", Role: billing.RoleClerk})

	// THEN: no token is 401, health stays open
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/demands", nil, "").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil, "").Code)

	// THEN: a citizen sees only their own demand
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/demands/"+ids[0], nil, citizen).Code)
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/api/demands/"+ids[1], nil, citizen).Code)
	rec := env.do(http.MethodGet, "/api/demands", nil, citizen)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]DemandDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, ids[0], list[0].ID)
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/api/demands?subject_id=2", nil, citizen).Code)

	// THEN: a citizen cannot generate or pay
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodPost, "/api/demands/"+ids[0]+"/payments",
		map[string]any{"amount": "10", "payment_mode": "cash"}, citizen).Code)

	// THEN: a collector can pay and the payment records who collected it
	rec = env.do(http.MethodPost, "/api/demands/"+ids[0]+"/payments",
		map[string]any{"amount": "500", "payment_mode": "cash"}, collector)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "col-1", decode[PaymentResultDTO](t, rec).Payment.CollectedBy)

	// THEN: a collector cannot issue notices, a clerk can
	notice := map[string]any{"notice_type": "reminder"}
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodPost, "/api/demands/"+ids[1]+"/notices", notice, collector).Code)
	assert.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/demands/"+ids[1]+"/notices", notice, clerk).Code)

	// THEN: only admins sweep
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodPost, "/api/admin/penalties/sweep", nil, clerk).Code)
}

func TestDevMode_ActsAsSystem(t *testing.T) {
	auth := NewAuthenticator("", "")
	assert.True(t, auth.DevMode())
	_, err := auth.Issue(billing.SystemActor, time.Hour)
	assert.Error(t, err)

	var seen billing.Actor
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ActorFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/demands", nil))
	assert.Equal(t, billing.SystemActor, seen)
}
