/*
auth.go - Bearer-token identity and the capability policy

PURPOSE:
  Turns an Authorization header into a billing.Actor and decides whether
  that actor may call a route. Identity comes from an HS256 JWT; this
  service never issues tokens in production, Issue exists for tooling and
  tests.

CLAIMS:
  sub          actor id recorded in generated_by / collected_by
  role         citizen | collector | clerk | admin
  ward         optional ward the actor works in
  subject_ids  subjects a citizen owns

POLICY:
  Every route is registered through routes.handle, which looks up the
  capability for "METHOD /pattern" in Policy. A route missing from the table
  panics at startup. Each role maps to a fixed capability set:

    citizen    view (own subjects only)
    collector  view, collect payments
    clerk      view, generate, penalties, cancel, notices, export
    admin      everything

DEV MODE:
  An empty secret disables token checks; every request acts as
  billing.SystemActor.

SEE ALSO:
  - server.go: route registration
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/DevXPanda/HTCMS-sub001/billing"
)

// =============================================================================
// CLAIMS AND TOKENS
// =============================================================================

// Claims are the JWT claims this service reads.
type Claims struct {
	Role       string  `json:"role"`
	Ward       string  `json:"ward,omitempty"`
	SubjectIDs []int64 `json:"subject_ids,omitempty"`
	jwt.RegisteredClaims
}

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrInvalidRole  = errors.New("auth: invalid role")
)

// Authenticator validates bearer tokens and stores the actor in the request
// context.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAuthenticator creates an authenticator. An empty secret enables dev
// mode.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// DevMode reports whether token checks are disabled.
func (a *Authenticator) DevMode() bool { return len(a.secret) == 0 }

// Issue signs a token for actor, valid for ttl.
func (a *Authenticator) Issue(actor billing.Actor, ttl time.Duration) (string, error) {
	if a.DevMode() {
		return "", errors.New("auth: cannot issue tokens without a secret")
	}
	now := a.now()
	claims := Claims{
		Role: string(actor.Role),
		Ward: actor.Ward,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	for _, id := range actor.SubjectIDs {
		claims.SubjectIDs = append(claims.SubjectIDs, int64(id))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates a token and returns the actor it names.
func (a *Authenticator) Parse(token string) (billing.Actor, error) {
	if token == "" {
		return billing.Actor{}, ErrMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return billing.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return billing.Actor{}, ErrInvalidToken
	}
	role, ok := normalizeRole(claims.Role)
	if !ok {
		return billing.Actor{}, fmt.Errorf("%w: %q", ErrInvalidRole, claims.Role)
	}
	actor := billing.Actor{ID: claims.Subject, Role: role, Ward: claims.Ward}
	for _, id := range claims.SubjectIDs {
		actor.SubjectIDs = append(actor.SubjectIDs, billing.SubjectID(id))
	}
	return actor, nil
}

// Middleware authenticates every request that reaches it.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.DevMode() {
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), billing.SystemActor)))
			return
		}
		actor, err := a.Parse(extractBearer(r))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Code: "UNAUTHORIZED", Error: "unauthorized", Details: err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func extractBearer(r *http.Request) string {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func normalizeRole(s string) (billing.Role, bool) {
	role := billing.Role(s)
	_, ok := roleCapabilities[role]
	return role, ok
}

// =============================================================================
// CONTEXT
// =============================================================================

type contextKey string

const actorKey contextKey = "api.actor"

// WithActor stores the authenticated actor in ctx.
func WithActor(ctx context.Context, actor billing.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the authenticated actor, ok=false if none.
func ActorFromContext(ctx context.Context) (billing.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(billing.Actor)
	return actor, ok
}

// =============================================================================
// CAPABILITIES
// =============================================================================

type Capability string

const (
	CapView      Capability = "view"
	CapReference Capability = "reference:write"
	CapGenerate  Capability = "bills:generate"
	CapCollect   Capability = "payments:collect"
	CapPenalty   Capability = "bills:penalty"
	CapCancel    Capability = "bills:cancel"
	CapNotices   Capability = "notices:manage"
	CapExport    Capability = "bills:export"
	CapAdmin     Capability = "admin"
)

var roleCapabilities = map[billing.Role][]Capability{
	billing.RoleCitizen:   {CapView},
	billing.RoleCollector: {CapView, CapCollect},
	billing.RoleClerk:     {CapView, CapGenerate, CapPenalty, CapCancel, CapNotices, CapExport},
	billing.RoleAdmin:     {CapView, CapReference, CapGenerate, CapCollect, CapPenalty, CapCancel, CapNotices, CapExport, CapAdmin},
}

// Can reports whether role holds capability.
func Can(role billing.Role, capability Capability) bool {
	return slices.Contains(roleCapabilities[role], capability)
}

// Policy maps "METHOD /pattern" to the capability the route requires.
var Policy = map[string]Capability{
	"POST /api/subjects":     CapReference,
	"GET /api/subjects/{id}": CapView,
	"POST /api/assessments":  CapReference,
	"POST /api/connections":  CapReference,

	"POST /api/demands":               CapGenerate,
	"POST /api/demands/bulk":          CapGenerate,
	"GET /api/demands":                CapView,
	"GET /api/demands/export.xlsx":    CapExport,
	"GET /api/demands/{id}":           CapView,
	"POST /api/demands/{id}/payments": CapCollect,
	"POST /api/demands/{id}/penalty":  CapPenalty,
	"POST /api/demands/{id}/cancel":   CapCancel,
	"POST /api/demands/{id}/notices":  CapNotices,
	"GET /api/demands/{id}/audit":     CapAdmin,

	"POST /api/water-bills":               CapGenerate,
	"GET /api/water-bills":                CapView,
	"GET /api/water-bills/{id}":           CapView,
	"POST /api/water-bills/{id}/payments": CapCollect,
	"POST /api/water-bills/{id}/penalty":  CapPenalty,

	"GET /api/notices/{id}":       CapView,
	"POST /api/notices/{id}/send": CapNotices,
	"POST /api/notices/{id}/view": CapView,
	"GET /api/notices/{id}/pdf":   CapView,

	"POST /api/admin/penalties/sweep": CapAdmin,
}

// Require rejects requests whose actor lacks capability.
func Require(capability Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Code: "UNAUTHORIZED", Error: "unauthorized"})
				return
			}
			if !Can(actor.Role, capability) {
				writeJSON(w, http.StatusForbidden, ErrorResponse{
					Code:  "FORBIDDEN",
					Error: fmt.Sprintf("role %q lacks %s", actor.Role, capability),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ownsSubject reports whether actor may see data of subject. Only citizens
// are restricted.
func ownsSubject(actor billing.Actor, subject billing.SubjectID) bool {
	if actor.Role != billing.RoleCitizen {
		return true
	}
	return slices.Contains(actor.SubjectIDs, subject)
}
