/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     logrus access log (request id, route, status, duration)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request counters (when a collector is set)
  6. CORS:       Cross-origin requests for the web client

ROUTE GROUPS:
  /api/*        Farming API (see handlers.go)
  /healthz      Liveness and store reachability
  /metrics      Prometheus scrape endpoint

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
	"github.com/sirupsen/logrus"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// CORSOrigins defaults to all origins when empty.
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	if h.Metrics != nil {
		r.Use(h.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/start", h.Start)
		r.Post("/farm", h.Farm)
		r.Post("/claim", h.Claim)

		r.Route("/user", func(r chi.Router) {
			r.Post("/add-coins", h.AddCoins)
			r.Get("/referral-link/{id}", h.GetReferralLink)
			r.Get("/referral/{id}", h.GetReferrals)

			r.Get("/{id}", h.GetUser)
			r.Get("/{id}/tasks", h.GetTasks)
			r.Post("/{id}/add-task", h.AddTask)
			r.Post("/{id}/complete-task", h.CompleteTask)
		})

		r.Get("/rank/{id}", h.GetRank)
		r.Get("/leaderboard", h.Leaderboard)
	})

	return r
}

// RequestLogger writes one logrus entry per request.
func RequestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			entry := logger.WithFields(logrus.Fields{
				"request_id":  requestID(r),
				"method":      r.Method,
				"route":       route,
				"path":        r.URL.Path,
				"status":      status,
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"remote":      r.RemoteAddr,
			})
			if status >= http.StatusInternalServerError {
				entry.Warn("HTTP request")
			} else {
				entry.Info("HTTP request")
			}
		})
	}
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
