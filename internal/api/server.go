// Package api serves the analytics state over HTTP: JSON endpoints for
// records, runs and stored events, chart pages, a websocket record stream
// and Prometheus metrics.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/telemetry.report/internal/analytics/performance"
	"github.com/banshee-data/telemetry.report/internal/analytics/pipeline"
	"github.com/banshee-data/telemetry.report/internal/db"
	"github.com/banshee-data/telemetry.report/internal/monitoring"
	"github.com/banshee-data/telemetry.report/internal/telemetry"
	"github.com/banshee-data/telemetry.report/internal/units"
)

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Analytics is the read side of the pipeline used by the handlers.
type Analytics interface {
	Latest() (telemetry.AnalyticsRecord, bool)
	Performance() *performance.Tracker
	Stats() pipeline.Stats
}

type Server struct {
	analytics Analytics
	db        *db.DB // nil when running without storage
	hub       *Hub
	metrics   *monitoring.Metrics
	units     string
}

// NewServer builds a server. store and metrics may be nil.
func NewServer(a Analytics, store *db.DB, hub *Hub, metrics *monitoring.Metrics, speedUnits string) *Server {
	if !units.IsValid(speedUnits) {
		speedUnits = units.MPH
	}
	return &Server{analytics: a, db: store, hub: hub, metrics: metrics, units: speedUnits}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration. The
// websocket upgrade path is passed through untouched since hijacked
// connections cannot be wrapped.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/latest", s.showLatest)
	mux.HandleFunc("/api/correlations", s.showCorrelations)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/runs/stats", s.showRunStats)
	mux.HandleFunc("/api/runs/phases", s.showPhases)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/anomalies", s.listAnomalies)
	mux.HandleFunc("/api/violations", s.showViolationCounts)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/charts/runs", s.handleRunsChart)
	mux.HandleFunc("/charts/runs.png", s.handleRunsPlot)
	if s.hub != nil {
		mux.Handle("/ws", s.hub)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

// getOnly rejects everything but GET and reports whether to continue.
func (s *Server) getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

func (s *Server) requireDB(w http.ResponseWriter) bool {
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "storage disabled")
		return false
	}
	return true
}

func intParam(r *http.Request, name string, def, max int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > max {
		return 0, fmt.Errorf("invalid '%s' parameter", name)
	}
	return n, nil
}

// latestView is the record plus its speed in the configured units.
type latestView struct {
	telemetry.AnalyticsRecord
	Speed     float64 `json:"speed"`
	SpeedUnit string  `json:"speed_unit"`
}

func (s *Server) showLatest(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) {
		return
	}
	rec, ok := s.analytics.Latest()
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "no records yet")
		return
	}
	s.writeJSON(w, latestView{
		AnalyticsRecord: rec,
		Speed:           units.ConvertSpeed(rec.Estimator.Speed, s.units),
		SpeedUnit:       s.units,
	})
}

func (s *Server) showCorrelations(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) {
		return
	}
	rec, _ := s.analytics.Latest()
	out := rec.Correlations
	if out == nil {
		out = []telemetry.CorrelationEntry{}
	}
	s.writeJSON(w, out)
}

// listRuns serves in-memory history by default, or stored runs with
// source=db.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) {
		return
	}
	metric := r.URL.Query().Get("metric")
	limit, err := intParam(r, "limit", 100, 10000)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var runs []telemetry.PerformanceRun
	if r.URL.Query().Get("source") == "db" {
		if !s.requireDB(w) {
			return
		}
		if runs, err = s.db.Runs(metric, limit); err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve runs: %v", err))
			return
		}
	} else {
		if metric != "" {
			runs = s.analytics.Performance().History(metric)
		} else {
			runs = s.analytics.Performance().Runs()
		}
		if len(runs) > limit {
			runs = runs[len(runs)-limit:]
		}
	}
	if runs == nil {
		runs = []telemetry.PerformanceRun{}
	}
	s.writeJSON(w, runs)
}

func (s *Server) showRunStats(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) {
		return
	}
	perf := s.analytics.Performance()
	metric := r.URL.Query().Get("metric")
	if metric != "" {
		st, ok := perf.Stats(metric)
		if !ok {
			s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no runs for metric %q", metric))
			return
		}
		s.writeJSON(w, st)
		return
	}
	out := []performance.Stats{}
	for _, m := range perf.Metrics() {
		if st, ok := perf.Stats(m); ok {
			out = append(out, st)
		}
	}
	s.writeJSON(w, out)
}

func (s *Server) showPhases(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) {
		return
	}
	s.writeJSON(w, s.analytics.Performance().Phases())
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) {
		return
	}
	resp := map[string]any{"pipeline": s.analytics.Stats()}
	if s.hub != nil {
		resp["websocket_clients"] = s.hub.Clients()
	}
	s.writeJSON(w, resp)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) {
		return
	}
	s.writeJSON(w, map[string]any{
		"units":   s.units,
		"metrics": s.analytics.Performance().Metrics(),
		"storage": s.db != nil,
	})
}

func (s *Server) listAnomalies(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) || !s.requireDB(w) {
		return
	}
	since := time.Time{}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'since' parameter")
			return
		}
		since = t
	}
	limit, err := intParam(r, "limit", 500, 10000)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.db.Anomalies(since, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve anomalies: %v", err))
		return
	}
	if events == nil {
		events = []db.StoredAnomaly{}
	}
	s.writeJSON(w, events)
}

func (s *Server) showViolationCounts(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) || !s.requireDB(w) {
		return
	}
	counts, err := s.db.ViolationCounts()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve violations: %v", err))
		return
	}
	s.writeJSON(w, counts)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) || !s.requireDB(w) {
		return
	}
	limit, err := intParam(r, "limit", 50, 1000)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := s.db.Sessions(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	s.writeJSON(w, sessions)
}
