package config

import "time"

// Scaling defaults
const (
	DefaultMinWorkers         = 2
	DefaultTargetCPU          = 70.0                   // percent
	DefaultTargetMemory       = 80.0                   // percent
	DefaultTargetResponseTime = 100 * time.Millisecond // mean per request
	DefaultScaleUpThreshold   = 0.8                    // fraction of target that triggers growth
	DefaultScaleDownThreshold = 0.3                    // fraction of target below which shrink is considered
	DefaultCooldownPeriod     = 60 * time.Second       // minimum gap between scaling actions
	DefaultCheckInterval      = 10 * time.Second       // check loop period
	DefaultShutdownGrace      = 5 * time.Second        // graceful stop before SIGKILL
	DefaultCPUProbeWindow     = 100 * time.Millisecond // CPU-time measurement window

	MinCheckInterval = 100 * time.Millisecond
	MaxCheckInterval = 10 * time.Minute
	MaxWorkerCount   = 1024
)

// Worker and health defaults
const (
	DefaultReportInterval        = 5 * time.Second // worker metrics report period
	DefaultSpawnFailureThreshold = 3               // consecutive floor spawn failures before degraded
)

// Application constants
const (
	// Timeouts
	DefaultShutdownTimeout = 5 * time.Second  // Telemetry provider shutdown timeout
	DefaultKillWaitTimeout = 2 * time.Second  // Wait for SIGKILLed workers to be reaped
	DefaultAPITimeout      = 30 * time.Second // HTTP read/write timeout

	// Event and Storage Limits
	DefaultEventQueryLimit = 100  // Default limit for event queries
	MaxEventQueryLimit     = 1000 // Maximum allowed limit for event queries

	// Configuration Defaults
	DefaultServiceName  = "worker-autoscaler" // Default telemetry service name
	DefaultSamplingRate = 0.1                 // Default telemetry sampling rate (10%)

	// API Constants
	MinAPIKeyLength = 16

	// Rate Limiting
	DefaultRateLimit = 100 // Requests per minute per IP
	BurstLimit       = 10  // Burst requests allowed
)

// EnvDevelopment is the telemetry environment used when none is configured
const EnvDevelopment = "development"

// Telemetry exporter types
const (
	ExporterTypeStdout = "stdout"
	ExporterTypeOTLP   = "otlp"
)

