package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
)

const namespace = "retrieval"

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge
	rejectedTotal   *prometheus.CounterVec

	retrieveTotal     *prometheus.CounterVec
	retrieveDuration  *prometheus.HistogramVec
	retrieveCitations *prometheus.HistogramVec
	feedbackVotes     *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	rejectedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rejected_total",
			Help:      "Requests rejected by traffic control.",
		},
		[]string{"service", "reason"},
	)
	retrieveTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "requests_total",
			Help:      "Completed retrievals by routed domain, status and cache outcome.",
		},
		[]string{"service", "domain", "status", "cache_hit"},
	)
	retrieveDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Retrieval duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"service", "cache_hit"},
	)
	retrieveCitations := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "citations",
			Help:      "Distribution of citations per retrieval.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34, 50},
		},
		[]string{"service", "domain"},
	)
	feedbackVotes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feedback",
			Name:      "votes_total",
			Help:      "Accepted citation votes.",
		},
		[]string{"service", "domain", "vote"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		rejectedTotal,
		retrieveTotal,
		retrieveDuration,
		retrieveCitations,
		feedbackVotes,
	)

	return &HTTPServerMetrics{
		registry:          registry,
		requestTotal:      requestTotal,
		requestDuration:   requestDuration,
		requestInFlight:   requestInFlight,
		rejectedTotal:     rejectedTotal,
		retrieveTotal:     retrieveTotal,
		retrieveDuration:  retrieveDuration,
		retrieveCitations: retrieveCitations,
		feedbackVotes:     feedbackVotes,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterCacheStats exposes cache counters as gauges read at scrape time.
func (m *HTTPServerMetrics) RegisterCacheStats(service string, stats func() domain.CacheStats) {
	gauge := func(name, help string, read func(domain.CacheStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "cache",
				Name:        name,
				Help:        help,
				ConstLabels: prometheus.Labels{"service": service},
			},
			func() float64 { return read(stats()) },
		)
	}
	m.registry.MustRegister(
		gauge("hits", "Cache hits since start.", func(s domain.CacheStats) float64 { return float64(s.HitCount) }),
		gauge("misses", "Cache misses since start.", func(s domain.CacheStats) float64 { return float64(s.MissCount) }),
		gauge("bytes_used", "Payload bytes currently cached.", func(s domain.CacheStats) float64 { return float64(s.BytesUsed) }),
		gauge("byte_budget", "Configured payload byte budget.", func(s domain.CacheStats) float64 { return float64(s.ByteBudget) }),
		gauge("entries", "Entries currently cached.", func(s domain.CacheStats) float64 { return float64(s.EntryCount) }),
		gauge("evictions", "LRU evictions since start.", func(s domain.CacheStats) float64 { return float64(s.Evictions) }),
		gauge("expirations", "Expired entries removed since start.", func(s domain.CacheStats) float64 { return float64(s.Expirations) }),
		gauge("rejected", "Inserts rejected as larger than the budget.", func(s domain.CacheStats) float64 { return float64(s.Rejected) }),
	)
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/feedback/sessions/"):
		return "/v1/feedback/sessions/{session_id}"
	case strings.HasPrefix(path, "/v1/cache/") && path != "/v1/cache/stats":
		return "/v1/cache/{domain}"
	default:
		return path
	}
}

func (m *HTTPServerMetrics) RecordRejected(service, reason string) {
	m.rejectedTotal.WithLabelValues(service, reason).Inc()
}

func (m *HTTPServerMetrics) RecordRetrieval(service string, result *domain.RetrievalResult, duration time.Duration) {
	if result == nil {
		return
	}
	d := result.Domain.String()
	if d == "" {
		d = "unknown"
	}
	cacheHit := strconv.FormatBool(result.CacheHit)
	m.retrieveTotal.WithLabelValues(service, d, string(result.Status), cacheHit).Inc()
	m.retrieveDuration.WithLabelValues(service, cacheHit).Observe(duration.Seconds())
	m.retrieveCitations.WithLabelValues(service, d).Observe(float64(len(result.Citations)))
}

func (m *HTTPServerMetrics) RecordVote(service string, d domain.Domain, vote domain.Vote) {
	label := "up"
	if vote == domain.VoteDown {
		label = "down"
	}
	m.feedbackVotes.WithLabelValues(service, d.String(), label).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
