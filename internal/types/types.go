// Package types holds the health and metric-sample types shared between the
// supervisor, storage and the HTTP surfaces.
package types

import (
	"context"
	"time"
)

// MetricStore persists sampled metrics and answers range queries over them
type MetricStore interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Store persists every metric of a sampled set
	Store(ctx context.Context, metrics MetricSet) error

	// Query returns the samples of one metric, optionally aggregated
	Query(ctx context.Context, query Query) (*Result, error)

	// Cleanup removes samples past their retention period
	Cleanup(ctx context.Context) error
}

// MetricsExporter publishes sampled metrics to a scrape endpoint
type MetricsExporter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	UpdateMetrics(metrics MetricSet) error
}

// HealthStatus is a point-in-time health report with per-component detail
type HealthStatus struct {
	Overall    HealthState            `json:"overall"`
	Components map[string]HealthState `json:"components"`
	Reason     string                 `json:"reason,omitempty"`
	Updated    time.Time              `json:"updated"`
}

// HealthState is the health of the supervisor or one of its components
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateDegraded  HealthState = "degraded"
	HealthStateUnhealthy HealthState = "unhealthy"
	HealthStateStopping  HealthState = "stopping"
)

// Serving reports whether the pool is still doing work in this state.
// A degraded pool serves; a stopping or unhealthy one does not.
func (s HealthState) Serving() bool {
	return s == HealthStateHealthy || s == HealthStateDegraded
}

// MetricSet is one sampling cycle's metrics sharing a timestamp and labels
type MetricSet struct {
	Timestamp time.Time         `json:"timestamp"`
	Metrics   []Metric          `json:"metrics"`
	Labels    map[string]string `json:"labels"`
}

// Metric is a single named measurement. Labels are merged over the set's.
type Metric struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Type      MetricType        `json:"type"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
}

// MetricType is the Prometheus-style kind of a metric. Every sampled
// series is a gauge.
type MetricType string

const MetricTypeGauge MetricType = "gauge"

// Aggregation reduces a queried range to one data point
type Aggregation string

const (
	AggregateNone Aggregation = ""
	AggregateAvg  Aggregation = "avg"
	AggregateSum  Aggregation = "sum"
	AggregateMin  Aggregation = "min"
	AggregateMax  Aggregation = "max"
)

// Valid reports whether a is a supported aggregation
func (a Aggregation) Valid() bool {
	switch a {
	case AggregateNone, AggregateAvg, AggregateSum, AggregateMin, AggregateMax:
		return true
	}
	return false
}

// Query selects samples of one metric within an optional time range
type Query struct {
	MetricName  string            `json:"metric_name"`
	Labels      map[string]string `json:"labels"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time"`
	Aggregation Aggregation       `json:"aggregation"`
	Limit       int               `json:"limit"`
}

// Result is the answer to a Query, oldest point first
type Result struct {
	MetricName string            `json:"metric_name"`
	Labels     map[string]string `json:"labels"`
	Values     []DataPoint       `json:"values"`
}

// DataPoint is a single sample value
type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}
