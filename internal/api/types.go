package api

import (
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/supervisor"
	"github.com/cboxdk/worker-autoscaler/internal/telemetry"
	"github.com/cboxdk/worker-autoscaler/internal/types"
)

// API Response Types

// StatusResponse represents the system status
type StatusResponse struct {
	Version    string            `json:"version"`
	Status     types.HealthState `json:"status"`
	Uptime     string            `json:"uptime"`
	Supervisor supervisor.Status `json:"supervisor"`
	Storage    bool              `json:"storage_enabled"`
}

// WorkersResponse lists the worker registry
type WorkersResponse struct {
	Workers []supervisor.WorkerInfo `json:"workers"`
	Count   int                     `json:"count"`
	Online  int                     `json:"online"`
}

// HistoryEntry is one scaling action, from memory or from storage
type HistoryEntry struct {
	CycleID          string    `json:"cycle_id"`
	Timestamp        time.Time `json:"timestamp"`
	Action           string    `json:"action"`
	Reason           string    `json:"reason"`
	WorkerCountAfter int       `json:"worker_count_after"`
}

// HistoryResponse lists scaling actions oldest first
type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
	Count   int            `json:"count"`
	Source  string         `json:"source"` // "storage" or "memory"
}

// EventsResponse lists operational events newest first
type EventsResponse struct {
	Events []telemetry.Event `json:"events"`
	Count  int               `json:"count"`
	Filter EventFilterView   `json:"filter"`
}

// EventFilterView echoes the applied event filter
type EventFilterView struct {
	Type     string     `json:"type,omitempty"`
	Severity string     `json:"severity,omitempty"`
	WorkerID int        `json:"worker_id,omitempty"`
	Since    *time.Time `json:"since,omitempty"`
	Until    *time.Time `json:"until,omitempty"`
	Limit    int        `json:"limit"`
}

// MetricsResponse holds stored samples for one metric
type MetricsResponse struct {
	Query  types.Query   `json:"query"`
	Result *types.Result `json:"result"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    types.HealthState `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Reason    string            `json:"reason,omitempty"`
	Checks    map[string]string `json:"checks"`
}
