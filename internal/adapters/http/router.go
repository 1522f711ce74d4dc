package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kirillkom/domain-retrieval/internal/config"
	"github.com/kirillkom/domain-retrieval/internal/core/domain"
	"github.com/kirillkom/domain-retrieval/internal/core/ports"
	"github.com/kirillkom/domain-retrieval/internal/observability/metrics"
)

const (
	serviceName     = "retrieval-api"
	maxRequestBytes = 1 << 20
)

type Router struct {
	retriever  ports.Retriever
	feedback   ports.FeedbackRecorder
	cacheAdmin ports.CacheAdmin
	metrics    *metrics.HTTPServerMetrics

	rateLimitRPS     float64
	rateLimitBurst   int
	maxInFlight      int
	backpressureWait time.Duration
}

// NewRouter wires the HTTP surface. m may be nil.
func NewRouter(
	cfg config.Config,
	retriever ports.Retriever,
	feedback ports.FeedbackRecorder,
	cacheAdmin ports.CacheAdmin,
	m *metrics.HTTPServerMetrics,
) *Router {
	return &Router{
		retriever:        retriever,
		feedback:         feedback,
		cacheAdmin:       cacheAdmin,
		metrics:          m,
		rateLimitRPS:     cfg.APIRateLimitRPS,
		rateLimitBurst:   cfg.APIRateLimitBurst,
		maxInFlight:      cfg.APIMaxInFlight,
		backpressureWait: cfg.APIBackpressureWait,
	}
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(accessLogMiddleware)

	r.Get("/healthz", rt.healthz)
	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics.Handler())
	}

	// Built once so every /v1 route shares the bucket and the slots.
	limit := rateLimitMiddleware(rt.rateLimitRPS, rt.rateLimitBurst, rt.rejected("rate_limit"))
	gate := backpressureMiddleware(rt.maxInFlight, rt.backpressureWait, rt.rejected("backpressure"))

	r.Group(func(api chi.Router) {
		api.Use(limit, gate)

		api.Post("/v1/retrieve", rt.retrieve)
		api.Post("/v1/feedback", rt.submitFeedback)
		api.Delete("/v1/feedback/sessions/{session_id}", rt.purgeSession)
		api.Get("/v1/cache/stats", rt.cacheStats)
		api.Delete("/v1/cache", rt.clearCache)
		api.Delete("/v1/cache/{domain}", rt.invalidateDomain)
	})

	var h http.Handler = r
	if rt.metrics != nil {
		h = rt.metrics.Middleware(serviceName, h)
	}
	return otelhttp.NewHandler(h, serviceName)
}

func (rt *Router) rejected(reason string) func() {
	if rt.metrics == nil {
		return nil
	}
	return func() { rt.metrics.RecordRejected(serviceName, reason) }
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) retrieve(w http.ResponseWriter, r *http.Request) {
	var req domain.RetrievalRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	start := time.Now()
	result, err := rt.retriever.Retrieve(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordRetrieval(serviceName, result, time.Since(start))
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var record domain.FeedbackRecord
	if !decodeJSON(w, r, &record) {
		return
	}
	if err := rt.feedback.Submit(r.Context(), record); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordVote(serviceName, domain.ParseDomain(string(record.Domain)), record.Vote)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (rt *Router) purgeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	removed, err := rt.feedback.PurgeSession(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "removed": removed})
}

func (rt *Router) cacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rt.cacheAdmin.Stats())
}

func (rt *Router) clearCache(w http.ResponseWriter, r *http.Request) {
	removed := rt.cacheAdmin.ClearAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (rt *Router) invalidateDomain(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "domain")
	removed, err := rt.cacheAdmin.InvalidateDomain(r.Context(), raw)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domain": domain.ParseDomain(raw), "removed": removed})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
