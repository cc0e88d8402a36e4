// Package ops serves the operational HTTP surface of a replica: liveness,
// a status snapshot, and the Prometheus scrape endpoint.
package ops

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatmesh/chatmesh/internal/logger"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	"github.com/chatmesh/chatmesh/pkg/state"
)

// Status is the snapshot served at /status.
type Status struct {
	Replica     string   `json:"replica"`
	Role        string   `json:"role"`
	Leader      string   `json:"leader"`
	Progress    int      `json:"progress"`
	Living      []string `json:"living"`
	Subscribers int      `json:"subscribers"`
	Users       int      `json:"users"`
	QueuedChats int      `json:"queued_chats"`
}

// Source provides the live values behind a status snapshot.
type Source struct {
	Replica     string
	IsPrimary   func() bool
	Leader      func() string
	Living      func() []string
	Progress    func() int
	Subscribers func() int
	Stats       func() state.Stats
}

// Snapshot assembles a Status from the live sources.
func (s Source) Snapshot() Status {
	role := "backup"
	if s.IsPrimary() {
		role = "primary"
	}
	stats := s.Stats()
	return Status{
		Replica:     s.Replica,
		Role:        role,
		Leader:      s.Leader(),
		Progress:    s.Progress(),
		Living:      s.Living(),
		Subscribers: s.Subscribers(),
		Users:       stats.Users,
		QueuedChats: stats.QueuedChats,
	}
}

// NewRouter configures the chi router for the operational endpoints.
//
// Routes:
//   - GET /healthz - liveness probe
//   - GET /status  - role, progress, living set, queue totals
//   - GET /metrics - Prometheus scrape (404 when metrics are disabled)
func NewRouter(src Source) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(src.Snapshot()); err != nil {
			logger.Warn("status encode failed", logger.KeyError, err)
		}
	})

	if metrics.IsEnabled() {
		reg := metrics.GetRegistry()
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	return r
}

// requestLogger logs each operational request with the internal logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Debug("ops request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			logger.KeyDurationMs, logger.Duration(start),
		)
	})
}
