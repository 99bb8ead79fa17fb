package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	// Trace operation names
	TraceMetricsCollection = "autoscaler.metrics.collection"
	TraceScalingCheck      = "autoscaler.scaling.check"
	TraceScalingDecision   = "autoscaler.scaling.decision"
	TraceWorkerSpawn       = "autoscaler.worker.spawn"
	TraceWorkerStop        = "autoscaler.worker.stop"
	TraceFloorRestore      = "autoscaler.floor.restore"

	// Attribute keys
	AttrWorkerID       = "autoscaler.worker.id"
	AttrWorkerPID      = "autoscaler.worker.pid"
	AttrScalingAction  = "autoscaler.scaling.action"
	AttrScalingReason  = "autoscaler.scaling.reason"
	AttrCurrentWorkers = "autoscaler.scaling.current_workers"
	AttrTargetWorkers  = "autoscaler.scaling.target_workers"
	AttrCycleID        = "autoscaler.scaling.cycle_id"
	AttrErrorType      = "autoscaler.error.type"
)

// TraceHelper provides helper methods for creating traces
type TraceHelper struct {
	tracer oteltrace.Tracer
}

// NewTraceHelper creates a trace helper backed by the global tracer provider
func NewTraceHelper(serviceName string) *TraceHelper {
	return &TraceHelper{
		tracer: otel.Tracer(serviceName),
	}
}

// StartSpan starts a new tracing span with common attributes
func (th *TraceHelper) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return th.tracer.Start(ctx, operationName, oteltrace.WithAttributes(attrs...))
}

// RecordError records an error on the span
func (th *TraceHelper) RecordError(span oteltrace.Span, err error, description string) {
	if err != nil {
		span.SetStatus(codes.Error, description)
		span.RecordError(err, oteltrace.WithAttributes(
			attribute.String(AttrErrorType, description),
		))
	}
}

// SetSpanSuccess marks span as successful
func (th *TraceHelper) SetSpanSuccess(span oteltrace.Span) {
	span.SetStatus(codes.Ok, "Success")
}

func (th *TraceHelper) traceFunc(ctx context.Context, name, failure string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := th.StartSpan(ctx, name, attrs...)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))

	if err != nil {
		th.RecordError(span, err, failure)
		return err
	}

	th.SetSpanSuccess(span)
	return nil
}

// TraceMetricsCollectionFunc traces one aggregation sample
func (th *TraceHelper) TraceMetricsCollectionFunc(ctx context.Context, workers int, fn func(context.Context) error) error {
	return th.traceFunc(ctx, TraceMetricsCollection, "metrics collection failed", fn,
		attribute.Int(AttrCurrentWorkers, workers))
}

// TraceWorkerOperationFunc traces worker lifecycle operations ("spawn" or "stop")
func (th *TraceHelper) TraceWorkerOperationFunc(ctx context.Context, workerID, pid int, operation string, fn func(context.Context) error) error {
	operationName := TraceWorkerSpawn
	if operation == "stop" {
		operationName = TraceWorkerStop
	}

	return th.traceFunc(ctx, operationName, "worker operation failed", fn,
		attribute.Int(AttrWorkerID, workerID),
		attribute.Int(AttrWorkerPID, pid),
		attribute.String("operation", operation))
}

// TraceScalingDecisionFunc traces the execution of a scaling decision
func (th *TraceHelper) TraceScalingDecisionFunc(ctx context.Context, cycleID string, currentWorkers, targetWorkers int, action, reason string, fn func(context.Context) error) error {
	return th.traceFunc(ctx, TraceScalingDecision, "scaling decision failed", fn,
		attribute.String(AttrCycleID, cycleID),
		attribute.Int(AttrCurrentWorkers, currentWorkers),
		attribute.Int(AttrTargetWorkers, targetWorkers),
		attribute.String(AttrScalingAction, action),
		attribute.String(AttrScalingReason, reason))
}

// TraceFloorRestoreFunc traces a floor-restoring spawn
func (th *TraceHelper) TraceFloorRestoreFunc(ctx context.Context, currentWorkers int, reason string, fn func(context.Context) error) error {
	return th.traceFunc(ctx, TraceFloorRestore, "floor restore failed", fn,
		attribute.Int(AttrCurrentWorkers, currentWorkers),
		attribute.String(AttrScalingReason, reason))
}

// GetTraceHelper returns a trace helper instance from telemetry service
func (s *Service) GetTraceHelper() *TraceHelper {
	if s == nil || !s.config.Enabled {
		return &TraceHelper{tracer: otel.Tracer("noop")}
	}
	return &TraceHelper{tracer: s.tracer}
}
