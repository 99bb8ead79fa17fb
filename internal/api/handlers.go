package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/autoscaler"
	"github.com/cboxdk/worker-autoscaler/internal/config"
	"github.com/cboxdk/worker-autoscaler/internal/storage"
	"github.com/cboxdk/worker-autoscaler/internal/supervisor"
	"github.com/cboxdk/worker-autoscaler/internal/telemetry"
	"github.com/cboxdk/worker-autoscaler/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Server serves the read-only REST API
type Server struct {
	logger     *zap.Logger
	supervisor SupervisorInterface
	history    HistoryStore
	events     EventStorageInterface
	metrics    MetricsQuerier
	startTime  time.Time
	version    string
	now        func() time.Time
}

// SupervisorInterface defines the supervisor views the API exposes
type SupervisorInterface interface {
	Status() supervisor.Status
	Workers() []supervisor.WorkerInfo
	History(limit int) []supervisor.HistoryEntry
	Health() types.HealthStatus
}

// EventStorageInterface defines the interface for event storage operations
type EventStorageInterface interface {
	GetEvents(ctx context.Context, filter telemetry.EventFilter) ([]telemetry.Event, error)
	GetEventStats(ctx context.Context) (storage.EventStats, error)
}

// HistoryStore reads persisted scaling actions
type HistoryStore interface {
	ScalingHistory(ctx context.Context, filter storage.HistoryFilter) ([]storage.ScalingRecord, error)
}

// MetricsQuerier reads persisted metric samples
type MetricsQuerier interface {
	Query(ctx context.Context, query types.Query) (*types.Result, error)
}

// Backends bundles the optional persistent stores. Leave a field nil when
// storage is disabled; the matching endpoints then fall back to memory or
// answer 503.
type Backends struct {
	History HistoryStore
	Events  EventStorageInterface
	Metrics MetricsQuerier
}

// NewServer creates a new API server instance
func NewServer(logger *zap.Logger, sup SupervisorInterface, backends Backends, version string) *Server {
	return &Server{
		logger:     logger.Named("api"),
		supervisor: sup,
		history:    backends.History,
		events:     backends.Events,
		metrics:    backends.Metrics,
		startTime:  time.Now(),
		version:    version,
		now:        time.Now,
	}
}

// requestID reuses an incoming X-Request-ID or mints a new one
func (s *Server) requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" && len(id) <= 128 {
		return id
	}
	return "req_" + uuid.NewString()
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	if err := writeJSONResponse(w, status, data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// SetupRoutes registers the API under basePath on an existing mux
func (s *Server) SetupRoutes(mux *http.ServeMux, basePath string) {
	base := strings.TrimSuffix(basePath, "/")
	get := func(op string, h RequestHandler) http.Handler {
		return s.MetricsMiddleware(s.ValidationMiddleware(HandlerConfig{
			RequiredMethod: http.MethodGet,
			LogOperation:   op,
		}, h))
	}

	mux.Handle(base+"/status", get("status", s.HandleStatus))
	mux.Handle(base+"/workers", get("workers", s.HandleWorkers))
	mux.Handle(base+"/history", get("history", s.HandleHistory))
	mux.Handle(base+"/events", get("events", s.HandleEvents))
	mux.Handle(base+"/events/stats", get("event_stats", s.HandleEventStats))
	mux.Handle(base+"/metrics", get("metrics", s.HandleMetrics))
	mux.Handle(base+"/health", s.MetricsMiddleware(http.HandlerFunc(s.HandleHealth)))
}

// HandleStatus handles GET /status
func (s *Server) HandleStatus(r *http.Request) (interface{}, error) {
	return StatusResponse{
		Version:    s.version,
		Status:     s.supervisor.Health().Overall,
		Uptime:     s.now().Sub(s.startTime).Round(time.Second).String(),
		Supervisor: s.supervisor.Status(),
		Storage:    s.history != nil,
	}, nil
}

// HandleWorkers handles GET /workers
func (s *Server) HandleWorkers(r *http.Request) (interface{}, error) {
	workers := s.supervisor.Workers()
	online := 0
	for _, w := range workers {
		if w.Online {
			online++
		}
	}
	return WorkersResponse{Workers: workers, Count: len(workers), Online: online}, nil
}

// HandleHistory handles GET /history?limit=&since=&action=. Persisted history
// is used when storage is enabled, the in-memory ring otherwise.
func (s *Server) HandleHistory(r *http.Request) (interface{}, error) {
	query := r.URL.Query()
	verr := NewValidationErrors()

	limit := parseLimit(query.Get("limit"), 0, verr)
	since := parseTimeParam("since", query.Get("since"), verr)

	action := query.Get("action")
	if action != "" && !validAction(action) {
		verr.AddError("action", "must be one of scaleUp, scaleDown, replace", action)
	}
	if verr.HasErrors() {
		return nil, verr.ToBusinessError()
	}

	if s.history != nil {
		records, err := s.history.ScalingHistory(r.Context(), storage.HistoryFilter{
			Since:  since,
			Action: action,
			Limit:  limit,
		})
		if err != nil {
			return nil, ErrServiceUnavailable("storage", err)
		}
		entries := make([]HistoryEntry, 0, len(records))
		for _, rec := range records {
			entries = append(entries, HistoryEntry(rec))
		}
		return HistoryResponse{Entries: entries, Count: len(entries), Source: "storage"}, nil
	}

	entries := []HistoryEntry{}
	for _, h := range s.supervisor.History(0) {
		if !since.IsZero() && h.Timestamp.Before(since) {
			continue
		}
		if action != "" && string(h.Action) != action {
			continue
		}
		entries = append(entries, HistoryEntry{
			CycleID:          h.CycleID,
			Timestamp:        h.Timestamp,
			Action:           string(h.Action),
			Reason:           h.Reason,
			WorkerCountAfter: h.WorkerCountAfter,
		})
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return HistoryResponse{Entries: entries, Count: len(entries), Source: "memory"}, nil
}

// HandleEvents handles GET /events?type=&severity=&worker=&since=&until=&limit=
func (s *Server) HandleEvents(r *http.Request) (interface{}, error) {
	if s.events == nil {
		return nil, ErrStorageDisabled("events")
	}

	query := r.URL.Query()
	verr := NewValidationErrors()

	filter := telemetry.EventFilter{
		Type:      telemetry.EventType(query.Get("type")),
		Severity:  telemetry.EventSeverity(query.Get("severity")),
		StartTime: parseTimeParam("since", query.Get("since"), verr),
		EndTime:   parseTimeParam("until", query.Get("until"), verr),
		Limit:     parseLimit(query.Get("limit"), config.DefaultEventQueryLimit, verr),
	}
	if worker := query.Get("worker"); worker != "" {
		id, err := strconv.Atoi(worker)
		if err != nil || id <= 0 {
			verr.AddError("worker", "must be a positive worker ID", worker)
		}
		filter.WorkerID = id
	}
	if filter.Limit > config.MaxEventQueryLimit {
		verr.AddError("limit", fmt.Sprintf("must not exceed %d", config.MaxEventQueryLimit), query.Get("limit"))
	}
	if verr.HasErrors() {
		return nil, verr.ToBusinessError()
	}

	events, err := s.events.GetEvents(r.Context(), filter)
	if err != nil {
		return nil, ErrServiceUnavailable("storage", err)
	}

	return EventsResponse{
		Events: events,
		Count:  len(events),
		Filter: filterView(filter),
	}, nil
}

// HandleEventStats handles GET /events/stats
func (s *Server) HandleEventStats(r *http.Request) (interface{}, error) {
	if s.events == nil {
		return nil, ErrStorageDisabled("events")
	}

	stats, err := s.events.GetEventStats(r.Context())
	if err != nil {
		return nil, ErrServiceUnavailable("storage", err)
	}
	return stats, nil
}

// HandleMetrics handles GET /metrics?name=&since=&until=&aggregation=&limit=
func (s *Server) HandleMetrics(r *http.Request) (interface{}, error) {
	if s.metrics == nil {
		return nil, ErrStorageDisabled("metric samples")
	}

	query := r.URL.Query()
	name := query.Get("name")
	if name == "" {
		return nil, ErrMissingParameter("name")
	}

	verr := NewValidationErrors()
	q := types.Query{
		MetricName:  name,
		StartTime:   parseTimeParam("since", query.Get("since"), verr),
		EndTime:     parseTimeParam("until", query.Get("until"), verr),
		Aggregation: types.Aggregation(query.Get("aggregation")),
		Limit:       parseLimit(query.Get("limit"), 0, verr),
	}
	if !q.Aggregation.Valid() {
		verr.AddError("aggregation", "must be one of avg, sum, min, max", string(q.Aggregation))
	}
	if verr.HasErrors() {
		return nil, verr.ToBusinessError()
	}

	result, err := s.metrics.Query(r.Context(), q)
	if err != nil {
		return nil, ErrServiceUnavailable("storage", err)
	}
	return MetricsResponse{Query: q, Result: result}, nil
}

// HandleHealth handles GET /health. It answers 503 unless the supervisor is
// healthy so it can back a load balancer check.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleBusinessError(w, ErrMethodNotAllowed(r.Method), s.requestID(r), s.now())
		return
	}

	health := s.supervisor.Health()
	checks := make(map[string]string, len(health.Components))
	for name, state := range health.Components {
		checks[name] = string(state)
	}

	response := HealthResponse{
		Status:    health.Overall,
		Version:   s.version,
		Timestamp: s.now(),
		Uptime:    s.now().Sub(s.startTime).Round(time.Second).String(),
		Reason:    health.Reason,
		Checks:    checks,
	}

	status := http.StatusOK
	if health.Overall != types.HealthStateHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, response)
}

func validAction(action string) bool {
	switch autoscaler.Action(action) {
	case autoscaler.ActionScaleUp, autoscaler.ActionScaleDown, autoscaler.ActionReplace:
		return true
	}
	return false
}

// parseLimit returns def for an empty value
func parseLimit(value string, def int, verr *ValidationErrors) int {
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		verr.AddError("limit", "must be a positive integer", value)
		return def
	}
	return n
}

// parseTimeParam accepts RFC3339 timestamps or a Go duration meaning "ago"
func parseTimeParam(name, value string, verr *ValidationErrors) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return time.Now().Add(-d)
	}
	verr.AddError(name, "must be an RFC3339 timestamp or a duration such as 15m", value)
	return time.Time{}
}

func filterView(f telemetry.EventFilter) EventFilterView {
	view := EventFilterView{
		Type:     string(f.Type),
		Severity: string(f.Severity),
		WorkerID: f.WorkerID,
		Limit:    f.Limit,
	}
	if !f.StartTime.IsZero() {
		view.Since = &f.StartTime
	}
	if !f.EndTime.IsZero() {
		view.Until = &f.EndTime
	}
	return view
}
