package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/readiness/internal/metrics"
	"github.com/pavelanni/readiness/internal/model"
	"github.com/pavelanni/readiness/internal/pipeline"
	"github.com/pavelanni/readiness/internal/questionbank"
	"github.com/pavelanni/readiness/internal/scoring"
	"github.com/pavelanni/readiness/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store   *store.Store
	bank    *questionbank.Bank
	bench   *scoring.Benchmarks
	runner  *pipeline.Runner
	metrics *metrics.Metrics
	config  model.ServerConfig
	limiter *rateLimiter
}

// New creates a new Handler. runner.Hub must be set.
func New(s *store.Store, bank *questionbank.Bank, bench *scoring.Benchmarks, runner *pipeline.Runner, m *metrics.Metrics, cfg model.ServerConfig) *Handler {
	if cfg.StreamLimit <= 0 {
		cfg.StreamLimit = DefaultStreamLimit
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	h := &Handler{
		store:   s,
		bank:    bank,
		bench:   bench,
		runner:  runner,
		metrics: m,
		config:  cfg,
	}
	if cfg.RateLimit > 0 && cfg.RateWindow > 0 {
		h.limiter = newRateLimiter(cfg.RateLimit, cfg.RateWindow)
	}
	return h
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Get("/api/questions", h.handleQuestions)
	r.With(h.rateLimit).Post("/api/diagnosis", h.handleSubmit)
	r.Get("/api/diagnosis/progress", h.handleProgress)
	r.Post("/api/diagnosis/email-status", h.handleEmailStatus)
	if len(h.config.AdminHash) > 0 {
		r.With(h.requireAdmin).Get("/admin/leads", h.handleExportLeads)
	}
}

// BasePathMiddleware stores the configured base path in the request context.
func (h *Handler) BasePathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := model.ContextWithBasePath(r.Context(), h.config.BasePath)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.LeadCount(); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleQuestions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Categories []questionbank.Category `json:"categories"`
		Questions  []questionbank.Question `json:"questions"`
	}{h.bank.Categories(), h.bank.Questions()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
