/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client address from proxy headers
  3. RequestLogger: zap line per request (request id, status, latency)
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests for a frontend
  6. Authenticator: Bearer token to billing.Actor (on /api only)
  7. Require:       Per-route capability from the Policy table

ROUTE GROUPS:
  /api/subjects, /api/assessments, /api/connections   Reference data
  /api/demands/*                                      Demand lifecycle
  /api/water-bills/*                                  Water bill lifecycle
  /api/notices/*                                      Notice delivery
  /api/admin/*                                        Admin operations
  /healthz, /metrics                                  Unauthenticated

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Policy table
  - cmd/server/main.go: Server startup
*/
package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Auth           *Authenticator
	Logger         *zap.Logger
	AllowedOrigins []string
}

// routes registers handlers under a capability looked up in Policy.
type routes struct {
	r      chi.Router
	prefix string
}

func (rt routes) handle(method, pattern string, fn http.HandlerFunc) {
	key := method + " " + rt.prefix + strings.TrimSuffix(pattern, "/")
	capability, ok := Policy[key]
	if !ok {
		panic(fmt.Sprintf("api: no policy for route %q", key))
	}
	rt.r.With(Require(capability)).Method(method, pattern, fn)
}

func (rt routes) get(pattern string, fn http.HandlerFunc)  { rt.handle(http.MethodGet, pattern, fn) }
func (rt routes) post(pattern string, fn http.HandlerFunc) { rt.handle(http.MethodPost, pattern, fn) }

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Auth == nil {
		opts.Auth = NewAuthenticator("", "")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(opts.Logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After", "Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(opts.Auth.Middleware)
		api := routes{r: r, prefix: "/api"}

		// Reference data
		api.post("/subjects", h.CreateSubject)
		api.get("/subjects/{id}", h.GetSubject)
		api.post("/assessments", h.CreateAssessment)
		api.post("/connections", h.CreateConnection)

		// Demand routes
		r.Route("/demands", func(r chi.Router) {
			demands := routes{r: r, prefix: "/api/demands"}
			demands.post("/", h.GenerateDemand)
			demands.post("/bulk", h.GenerateBulk)
			demands.get("/", h.ListDemands)
			demands.get("/export.xlsx", h.ExportDemands)
			demands.get("/{id}", h.GetDemand)
			demands.post("/{id}/payments", h.PayDemand)
			demands.post("/{id}/penalty", h.ApplyPenalty)
			demands.post("/{id}/cancel", h.CancelDemand)
			demands.post("/{id}/notices", h.IssueNotice)
			demands.get("/{id}/audit", h.DemandAudit)
		})

		// Water bill routes
		r.Route("/water-bills", func(r chi.Router) {
			bills := routes{r: r, prefix: "/api/water-bills"}
			bills.post("/", h.GenerateWaterBill)
			bills.get("/", h.ListWaterBills)
			bills.get("/{id}", h.GetWaterBill)
			bills.post("/{id}/payments", h.PayWaterBill)
			bills.post("/{id}/penalty", h.ApplyWaterBillPenalty)
		})

		// Notice routes
		r.Route("/notices", func(r chi.Router) {
			notices := routes{r: r, prefix: "/api/notices"}
			notices.get("/{id}", h.GetNotice)
			notices.post("/{id}/send", h.SendNotice)
			notices.post("/{id}/view", h.ViewNotice)
			notices.get("/{id}/pdf", h.NoticePDF)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			admin := routes{r: r, prefix: "/api/admin"}
			admin.post("/penalties/sweep", h.SweepPenalties)
		})
	})

	return r
}
