package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cogtest/internal/assignment"
	"cogtest/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector owns the process metrics registry and the request log.
type Collector struct {
	registry *prometheus.Registry
	log      *zap.Logger

	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	answersSaved prometheus.Counter
	finalized    *prometheus.CounterVec
	reviews      prometheus.Counter
}

var _ assignment.Recorder = (*Collector)(nil)

func NewCollector(db *sql.DB, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		log:      log,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cogtest_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cogtest_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		answersSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogtest_answers_saved_total",
			Help: "Answers persisted.",
		}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cogtest_finalizations_total",
			Help: "Submitted assignments by finalization outcome.",
		}, []string{"outcome"}),
		reviews: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogtest_reviews_total",
			Help: "Clinician reviews applied.",
		}),
	}
	c.registry.MustRegister(
		c.requests, c.latency, c.answersSaved, c.finalized, c.reviews,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if db != nil {
		c.registry.MustRegister(collectors.NewDBStatsCollector(db, "cogtest"))
	}
	return c
}

func (c *Collector) AnswerSaved() { c.answersSaved.Inc() }

func (c *Collector) Finalized(outcome assignment.OutcomeKind) {
	c.finalized.WithLabelValues(string(outcome)).Inc()
}

func (c *Collector) Reviewed() { c.reviews.Inc() }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(auth.WithUserSlot(r.Context()))
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		path := routePattern(r)
		c.requests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		c.latency.WithLabelValues(r.Method, path).Observe(elapsed.Seconds())

		userID := ""
		if u, ok := auth.CurrentUser(r.Context()); ok {
			userID = u.ID
		}
		c.log.Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("user_id", userID),
			zap.String("assignment_id", extractAssignmentID(r.URL.Path)),
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.Int("status", rec.status),
			zap.Duration("latency", elapsed),
			zap.String("remote_ip", strings.TrimSpace(r.RemoteAddr)),
		)
	})
}

func (c *Collector) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// routePattern prefers the matched chi pattern so label cardinality stays
// bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return normalizedPath(r.URL.Path)
}

func normalizedPath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = "{id}"
			continue
		}
		if _, err := uuid.Parse(p); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func extractAssignmentID(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "assignments" && parts[i+1] != "" {
			return parts[i+1]
		}
	}
	return ""
}
