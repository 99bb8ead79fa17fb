package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/event"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventType represents the type of operational event
type EventType string

const (
	EventTypeScaling         EventType = "scaling"
	EventTypeWorkerLifecycle EventType = "worker_lifecycle"
	EventTypeHealthChange    EventType = "health_change"
	EventTypeConfiguration   EventType = "configuration"
)

// Event represents a structured operational event
type Event struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	WorkerID      int                    `json:"worker_id,omitempty"`
	Summary       string                 `json:"summary"`
	Details       map[string]interface{} `json:"details"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Severity      EventSeverity          `json:"severity"`
}

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// ScalingEventDetails represents details for scaling events
type ScalingEventDetails struct {
	CycleID       string `json:"cycle_id"`
	Action        string `json:"action"` // "scaleUp", "scaleDown", "replace"
	TargetWorkers int    `json:"target_workers"`
	Reason        string `json:"reason"`
}

// WorkerLifecycleEventDetails represents details for worker lifecycle events
type WorkerLifecycleEventDetails struct {
	Action   string `json:"action"` // "created", "online", "exit"
	WorkerID int    `json:"worker_id"`
	PID      int    `json:"pid,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Planned  bool   `json:"planned,omitempty"`
	Uptime   string `json:"uptime,omitempty"`
}

// HealthChangeEventDetails represents details for health change events
type HealthChangeEventDetails struct {
	PreviousState string `json:"previous_state"`
	NewState      string `json:"new_state"`
	Reason        string `json:"reason,omitempty"`
}

// ConfigurationEventDetails represents details for configuration events
type ConfigurationEventDetails struct {
	Action   string                 `json:"action"` // "loaded", "validated"
	Settings map[string]interface{} `json:"settings,omitempty"`
	Errors   []string               `json:"errors,omitempty"`
	FilePath string                 `json:"file_path,omitempty"`
}

// EventEmitter handles structured event emission with telemetry integration
type EventEmitter struct {
	service *Service
	logger  *zap.Logger
	storage EventStorage
	now     func() time.Time
}

// EventStorage interface for persisting events
type EventStorage interface {
	StoreEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}

// EventFilter represents filters for querying events. Zero fields match
// everything.
type EventFilter struct {
	StartTime time.Time
	EndTime   time.Time
	Type      EventType
	Severity  EventSeverity
	WorkerID  int
	Limit     int
}

// NewEventEmitter creates a new event emitter. service and storage may be nil.
func NewEventEmitter(service *Service, logger *zap.Logger, storage EventStorage) *EventEmitter {
	return &EventEmitter{
		service: service,
		logger:  logger,
		storage: storage,
		now:     time.Now,
	}
}

// Subscribe forwards supervisor bus events into the event stream and returns
// the bus subscription ID.
func (e *EventEmitter) Subscribe(bus *event.Bus) string {
	return bus.SubscribeAll(e.HandleBusEvent)
}

// HandleBusEvent converts one bus event. Per-cycle metric samples are not
// operational events and are ignored.
func (e *EventEmitter) HandleBusEvent(ev event.Event) {
	ctx := context.Background()
	var err error

	switch v := ev.(type) {
	case event.Scaling:
		err = e.EmitScalingEvent(ctx, v.Timestamp, ScalingEventDetails{
			CycleID:       v.CycleID,
			Action:        v.Action,
			TargetWorkers: v.TargetWorkers,
			Reason:        v.Reason,
		})
	case event.WorkerCreated:
		err = e.EmitWorkerLifecycleEvent(ctx, v.Timestamp, WorkerLifecycleEventDetails{
			Action:   "created",
			WorkerID: v.ID,
			PID:      v.PID,
		})
	case event.WorkerOnline:
		err = e.EmitWorkerLifecycleEvent(ctx, v.Timestamp, WorkerLifecycleEventDetails{
			Action:   "online",
			WorkerID: v.ID,
		})
	case event.WorkerExit:
		err = e.EmitWorkerLifecycleEvent(ctx, v.Timestamp, WorkerLifecycleEventDetails{
			Action:   "exit",
			WorkerID: v.ID,
			PID:      v.PID,
			ExitCode: v.Code,
			Signal:   v.Signal,
			Planned:  v.Planned,
			Uptime:   v.Uptime.Round(time.Second).String(),
		})
	case event.HealthChanged:
		details := HealthChangeEventDetails{
			PreviousState: "degraded",
			NewState:      "healthy",
			Reason:        v.Reason,
		}
		if v.Degraded {
			details.PreviousState, details.NewState = details.NewState, details.PreviousState
		}
		err = e.EmitHealthChangeEvent(ctx, v.Timestamp, details)
	default:
		return
	}

	if err != nil {
		e.logger.Warn("Failed to record supervisor event",
			zap.String("bus_event", ev.EventType()),
			zap.Error(err))
	}
}

// EmitScalingEvent emits a scaling event
func (e *EventEmitter) EmitScalingEvent(ctx context.Context, at time.Time, details ScalingEventDetails) error {
	evt := Event{
		ID:            generateEventID(),
		Type:          EventTypeScaling,
		Timestamp:     e.stamp(at),
		Summary:       formatScalingSummary(details),
		Details:       structToMap(details),
		CorrelationID: details.CycleID,
		Severity:      SeverityInfo,
	}

	return e.emitEvent(ctx, evt)
}

// EmitWorkerLifecycleEvent emits a worker lifecycle event. Unplanned exits
// are warnings.
func (e *EventEmitter) EmitWorkerLifecycleEvent(ctx context.Context, at time.Time, details WorkerLifecycleEventDetails) error {
	severity := SeverityInfo
	if details.Action == "exit" && !details.Planned {
		severity = SeverityWarning
	}

	evt := Event{
		ID:        generateEventID(),
		Type:      EventTypeWorkerLifecycle,
		Timestamp: e.stamp(at),
		WorkerID:  details.WorkerID,
		Summary:   formatLifecycleSummary(details),
		Details:   structToMap(details),
		Severity:  severity,
	}

	return e.emitEvent(ctx, evt)
}

// EmitConfigurationEvent emits a configuration event
func (e *EventEmitter) EmitConfigurationEvent(ctx context.Context, details ConfigurationEventDetails) error {
	severity := SeverityInfo
	if len(details.Errors) > 0 {
		severity = SeverityError
	}

	evt := Event{
		ID:        generateEventID(),
		Type:      EventTypeConfiguration,
		Timestamp: e.now(),
		Summary:   formatConfigurationSummary(details),
		Details:   structToMap(details),
		Severity:  severity,
	}

	return e.emitEvent(ctx, evt)
}

// EmitHealthChangeEvent emits a health change event
func (e *EventEmitter) EmitHealthChangeEvent(ctx context.Context, at time.Time, details HealthChangeEventDetails) error {
	severity := SeverityInfo
	if details.NewState == "degraded" {
		severity = SeverityError
	}

	evt := Event{
		ID:        generateEventID(),
		Type:      EventTypeHealthChange,
		Timestamp: e.stamp(at),
		Summary:   formatHealthChangeSummary(details),
		Details:   structToMap(details),
		Severity:  severity,
	}

	return e.emitEvent(ctx, evt)
}

func (e *EventEmitter) stamp(at time.Time) time.Time {
	if at.IsZero() {
		return e.now()
	}
	return at
}

// emitEvent handles the actual event emission with telemetry and storage
func (e *EventEmitter) emitEvent(ctx context.Context, evt Event) error {
	if evt.CorrelationID == "" {
		if span := oteltrace.SpanFromContext(ctx); span.SpanContext().IsValid() {
			evt.CorrelationID = span.SpanContext().TraceID().String()
		}
	}

	if e.service.IsEnabled() {
		_, span := e.service.Tracer().Start(ctx, "event.emit",
			oteltrace.WithAttributes(
				attribute.String("event.type", string(evt.Type)),
				attribute.Int("event.worker_id", evt.WorkerID),
				attribute.String("event.severity", string(evt.Severity)),
				attribute.String("event.summary", evt.Summary),
			),
		)
		defer span.End()
	}

	if e.storage != nil {
		if err := e.storage.StoreEvent(ctx, evt); err != nil {
			e.logger.Error("Failed to store event",
				zap.String("event_id", evt.ID),
				zap.String("event_type", string(evt.Type)),
				zap.Error(err))
			return err
		}
	}

	e.logger.Info("Event emitted",
		zap.String("event_id", evt.ID),
		zap.String("event_type", string(evt.Type)),
		zap.Int("worker_id", evt.WorkerID),
		zap.String("summary", evt.Summary),
		zap.String("severity", string(evt.Severity)))

	return nil
}

// GetEvents retrieves events from storage
func (e *EventEmitter) GetEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	if e.storage == nil {
		return nil, fmt.Errorf("event storage not configured")
	}

	return e.storage.GetEvents(ctx, filter)
}

func formatScalingSummary(details ScalingEventDetails) string {
	return fmt.Sprintf("Pool %s to %d workers (%s)",
		details.Action, details.TargetWorkers, details.Reason)
}

func formatLifecycleSummary(details WorkerLifecycleEventDetails) string {
	switch details.Action {
	case "created":
		return fmt.Sprintf("Worker %d started (PID: %d)", details.WorkerID, details.PID)
	case "online":
		return fmt.Sprintf("Worker %d online", details.WorkerID)
	case "exit":
		status := fmt.Sprintf("code %d", details.ExitCode)
		if details.Signal != "" {
			status = "signal " + details.Signal
		}
		if details.Planned {
			return fmt.Sprintf("Worker %d stopped (%s)", details.WorkerID, status)
		}
		return fmt.Sprintf("Worker %d exited unexpectedly (%s)", details.WorkerID, status)
	default:
		return fmt.Sprintf("Worker %d %s", details.WorkerID, details.Action)
	}
}

func formatConfigurationSummary(details ConfigurationEventDetails) string {
	if len(details.Errors) > 0 {
		return fmt.Sprintf("Configuration %s failed: %d errors", details.Action, len(details.Errors))
	}
	return fmt.Sprintf("Configuration %s successfully", details.Action)
}

func formatHealthChangeSummary(details HealthChangeEventDetails) string {
	if details.Reason == "" {
		return fmt.Sprintf("Health changed from %s to %s", details.PreviousState, details.NewState)
	}
	return fmt.Sprintf("Health changed from %s to %s (%s)",
		details.PreviousState, details.NewState, details.Reason)
}

func generateEventID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("evt_%s", hex.EncodeToString(bytes))
}

func structToMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return make(map[string]interface{})
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return make(map[string]interface{})
	}

	return result
}
