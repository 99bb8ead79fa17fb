package metrics

import (
	"github.com/cboxdk/worker-autoscaler/internal/event"
	"github.com/cboxdk/worker-autoscaler/internal/types"
)

// Names of the persisted per-cycle metrics.
const (
	MetricCPU             = "cpu_percent"
	MetricMemory          = "memory_percent"
	MetricResponseTime    = "response_time_ms"
	MetricRequestRate     = "request_rate"
	MetricAvgCPU          = "avg_cpu_percent"
	MetricAvgMemory       = "avg_memory_percent"
	MetricAvgResponseTime = "avg_response_time_ms"
	MetricAvgRequestRate  = "avg_request_rate"
	MetricWorkers         = "workers"
)

// MetricNames lists every name ToMetricSet emits.
var MetricNames = []string{
	MetricCPU, MetricMemory, MetricResponseTime, MetricRequestRate,
	MetricAvgCPU, MetricAvgMemory, MetricAvgResponseTime, MetricAvgRequestRate,
	MetricWorkers,
}

// ToMetricSet flattens one sampled cycle into storable gauges.
func ToMetricSet(e event.MetricsSampled) types.MetricSet {
	gauge := func(name string, value float64) types.Metric {
		return types.Metric{Name: name, Value: value, Type: types.MetricTypeGauge, Timestamp: e.Timestamp}
	}

	return types.MetricSet{
		Timestamp: e.Timestamp,
		Labels:    map[string]string{"source": "supervisor"},
		Metrics: []types.Metric{
			gauge(MetricCPU, e.CPU),
			gauge(MetricMemory, e.Memory),
			gauge(MetricResponseTime, e.ResponseTime),
			gauge(MetricRequestRate, e.RequestRate),
			gauge(MetricAvgCPU, e.AvgCPU),
			gauge(MetricAvgMemory, e.AvgMemory),
			gauge(MetricAvgResponseTime, e.AvgResponseTime),
			gauge(MetricAvgRequestRate, e.AvgRequestRate),
			gauge(MetricWorkers, float64(e.Workers)),
		},
	}
}
