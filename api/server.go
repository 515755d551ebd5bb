/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address for rate limiting
  3. AccessLog:  One zap line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus counters per route pattern
  6. Secure:     Security headers (unrolled/secure)
  7. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /healthz              Liveness, pings the ledger store
  /metrics              Prometheus scrape endpoint
  /api/sessions         Login (public, rate limited) and logout
  /api/*                Everything else requires a bearer token
  /api/scenarios/*      Demo data, only when enabled

AUTHENTICATION:
  The bearer token is resolved into a settlement.Actor that handlers pass
  to the engine. Role checks happen in the engine, not here.

RATE LIMITING:
  Write routes are limited per client IP (httprate). Reads are not.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
	"go.uber.org/zap"

	"github.com/warp/coldstore/logger"
	"github.com/warp/coldstore/observability"
	"github.com/warp/coldstore/session"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Logger             *zap.Logger
	Metrics            *observability.Metrics
	CORSOrigins        []string
	RateLimitPerMinute int
	Development        bool
	// Health is called by /healthz. Nil always reports healthy.
	Health func(context.Context) error
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.RateLimitPerMinute < 1 {
		opts.RateLimitPerMinute = 120
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(log.Named("http")))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "same-origin",
		IsDevelopment:      opts.Development,
	}).Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	limit := httprate.Limit(
		opts.RateLimitPerMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		}),
	)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Health != nil {
			if err := opts.Health(r.Context()); err != nil {
				log.Error("health check failed", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "unhealthy", "ledger store unavailable")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.With(limit).Post("/sessions", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)
			write := r.With(limit)

			r.Delete("/sessions", h.Logout)

			// Pricing profile routes
			r.Get("/pricing-profiles", h.ListPricingProfiles)
			write.Post("/pricing-profiles", h.SavePricingProfile)

			// Lot routes
			r.Route("/lots", func(r chi.Router) {
				write := r.With(limit)
				r.Get("/", h.ListLots)
				write.Post("/", h.CreateLot)
				r.Get("/{id}", h.GetLot)
				write.Patch("/{id}", h.EditLot)
				write.Post("/{id}/revert-edit", h.RevertLotEdit)
				r.Get("/{id}/history", h.LotHistory)
				r.Post("/{id}/quote", h.QuoteSale)
				write.Post("/{id}/sales", h.CreateSale)
			})

			// Sale routes
			r.Route("/sales", func(r chi.Router) {
				write := r.With(limit)
				r.Get("/", h.ListSales)
				r.Get("/outstanding", h.Outstanding)
				r.Get("/{id}", h.GetSale)
				write.Patch("/{id}", h.EditSale)
				write.Post("/{id}/reverse", h.ReverseSale)
				r.Get("/{id}/history", h.SaleHistory)
			})

			// Scenario routes
			if h.reset != nil {
				r.Route("/scenarios", func(r chi.Router) {
					r.Get("/", h.ListScenarios)
					r.Get("/current", h.GetCurrentScenario)
					r.With(limit).Post("/load", h.LoadScenario)
				})
			}
		})
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// authenticate resolves the bearer token into an actor on the request
// context, or answers 401.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := h.sessions.Resolve(r.Context(), bearerToken(r))
		if err != nil {
			if _, code := errorStatus(err); code != "unauthenticated" {
				h.respondError(w, r, err)
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or expired session")
			return
		}
		next.ServeHTTP(w, r.WithContext(session.WithActor(r.Context(), s.Actor)))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	v := r.Header.Get("Authorization")
	if len(v) < len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(v[len(prefix):])
}

// accessLog writes one line per request once the handler has finished. The
// request's logger, tagged with its request id, is put on the context.
func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLog := log.With(zap.String("request_id", middleware.GetReqID(r.Context())))
			r = r.WithContext(logger.WithContext(r.Context(), reqLog))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
			}
			if status >= http.StatusInternalServerError {
				reqLog.Error("request", fields...)
				return
			}
			reqLog.Info("request", fields...)
		})
	}
}
