/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Access log: One zap line per request
  4. CORS:       Cross-origin requests for the manager frontend
  5. RequireManager (on /api only)

ROUTE GROUPS:
  /health             Liveness probe
  /api/months         Month lifecycle
  /api/calendar/*     Calendar and break days
  /api/students/*     Student accounts
  /api/transactions   Ledger listing
  /api/feast-tokens   Feast token listing
  /*                  Static files (frontend), if built

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Options tune the router. Zero values are usable.
type Options struct {
	// AllowedOrigins lists the CORS origins. Credentials are only allowed
	// when it is non-empty.
	AllowedOrigins []string
	// StaticDir holds the built frontend. Empty means ./web/dist.
	StaticDir string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(h.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ManagerHeader},
		AllowCredentials: len(opts.AllowedOrigins) > 0,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireManager)

		r.Post("/months", h.StartMonth)
		r.Get("/dashboard", h.GetDashboard)
		r.Get("/tariff", h.GetTariff)
		r.Get("/transactions", h.ListTransactions)
		r.Get("/feast-tokens", h.ListFeastTokens)

		r.Route("/calendar", func(r chi.Router) {
			r.Get("/", h.GetCalendar)
			r.Post("/breaks", h.AddBreaks)
			r.Delete("/breaks", h.RemoveBreaks)
		})

		r.Route("/students", func(r chi.Router) {
			r.Get("/", h.ListStudents)
			r.Get("/{id}", h.SearchStudent)
			r.Post("/{id}/purchase", h.PurchaseDays)
			r.Post("/{id}/return", h.ReturnDays)
			r.Post("/{id}/feast", h.PayFeast)
			r.Post("/{id}/daily-quota", h.PayDailyQuota)
			r.Post("/{id}/clear-due", h.ClearDue)
			r.Get("/{id}/feast-token", h.GetFeastToken)
			r.Post("/{id}/feast-token", h.CreateFeastToken)
			r.Post("/{id}/feast-token/payment", h.PayFeastToken)
		})
	})

	staticDir := opts.StaticDir
	if staticDir == "" {
		staticDir = "./web/dist"
	}
	if _, err := os.Stat(staticDir); err == nil {
		fileServer := http.FileServer(http.Dir(staticDir))
		r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
			// SPA routing: unknown paths get index.html
			if _, err := os.Stat(filepath.Join(staticDir, r.URL.Path)); os.IsNotExist(err) {
				http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
				return
			}
			fileServer.ServeHTTP(w, r)
		})
	}

	return r
}

// accessLog writes one line per request.
func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("requestId", middleware.GetReqID(r.Context())),
			)
		})
	}
}
