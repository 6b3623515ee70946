/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     Structured request log through zap
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /api/work-pay/*       Agreements, payments, plans, settlements
  /api/vehicles/*       Minimal vehicle registry
  /api/scenarios/*      Demo scenarios (dev only)
  /api/health           Liveness

SECURITY NOTE:
  No authentication middleware. The X-User-ID header is trusted as the
  actor, so the service must sit behind an authenticating gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterConfig holds router options.
type RouterConfig struct {
	AllowedOrigins []string
	// EnableScenarios mounts the demo data endpoints.
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader, IdempotencyHeader},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/work-pay", func(r chi.Router) {
			r.Post("/quote", h.Quote)

			r.Route("/agreements", func(r chi.Router) {
				r.Get("/", h.ListAgreements)
				r.Post("/", h.CreateAgreement)
				r.Get("/{id}", h.GetAgreement)
				r.Get("/{id}/payments", h.ListPayments)
				r.Post("/{id}/payments", h.RecordPayment)
				r.Post("/{id}/default", h.DefaultAgreement)
			})

			r.Post("/settlements/reconcile", h.ReconcileSettlements)

			r.Route("/plans", func(r chi.Router) {
				r.Get("/", h.ListPlans)
				r.Post("/", h.CreatePlan)
				r.Get("/{id}", h.GetPlan)
			})
		})

		r.Route("/vehicles", func(r chi.Router) {
			r.Post("/", h.CreateVehicle)
			r.Get("/{id}", h.GetVehicle)
		})

		if cfg.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		}
	})

	return r
}

// RequestLogger logs one line per request through zap.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote", r.RemoteAddr))
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
