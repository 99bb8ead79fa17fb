package event

import "time"

// Event is anything that can be published on the Bus.
type Event interface {
	EventType() string
}

// Event type names. External consumers key on these strings.
const (
	TypeWorkerCreated  = "worker:created"
	TypeWorkerOnline   = "worker:online"
	TypeWorkerExit     = "worker:exit"
	TypeScaling        = "scaling"
	TypeMetricsSampled = "metrics:sampled"
	TypeHealthChanged  = "health:changed"
)

// WorkerCreated is published once a worker process has been started.
type WorkerCreated struct {
	ID        int
	PID       int
	Timestamp time.Time
}

// WorkerOnline is published when a worker reports readiness.
type WorkerOnline struct {
	ID        int
	Timestamp time.Time
}

// WorkerExit is published after a worker has been removed from the registry.
// Planned is true for exits requested by a scale-down or supervisor shutdown.
type WorkerExit struct {
	ID        int
	PID       int
	Code      int
	Signal    string
	Planned   bool
	Uptime    time.Duration
	Timestamp time.Time
}

// Scaling is published after a scaling action completed.
type Scaling struct {
	CycleID       string
	Action        string
	TargetWorkers int
	Reason        string
	Timestamp     time.Time
}

// MetricsSampled carries one aggregation cycle: the raw sample and the
// window averages the policy evaluated.
type MetricsSampled struct {
	CPU             float64
	Memory          float64
	ResponseTime    float64
	RequestRate     float64
	AvgCPU          float64
	AvgMemory       float64
	AvgResponseTime float64
	AvgRequestRate  float64
	Workers         int
	Timestamp       time.Time
}

// HealthChanged is published when the supervisor enters or leaves the
// degraded state.
type HealthChanged struct {
	Degraded  bool
	Reason    string
	Timestamp time.Time
}

func (WorkerCreated) EventType() string  { return TypeWorkerCreated }
func (WorkerOnline) EventType() string   { return TypeWorkerOnline }
func (WorkerExit) EventType() string     { return TypeWorkerExit }
func (Scaling) EventType() string        { return TypeScaling }
func (MetricsSampled) EventType() string { return TypeMetricsSampled }
func (HealthChanged) EventType() string  { return TypeHealthChanged }
