package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scaling   ScalingConfig   `yaml:"scaling"`
	Worker    WorkerConfig    `yaml:"worker"`
	Health    HealthConfig    `yaml:"health"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Enabled     bool       `yaml:"enabled"`
	BindAddress string     `yaml:"bind_address"`
	MetricsPath string     `yaml:"metrics_path"`
	HealthPath  string     `yaml:"health_path"`
	Auth        AuthConfig `yaml:"auth"`
	API         APIConfig  `yaml:"api"`
}

// AuthConfig contains bearer API key settings for the HTTP surfaces
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BasePath    string `yaml:"base_path"`
	MaxRequests int    `yaml:"max_requests"` // per minute per client
}

// ScalingConfig holds the autoscaling policy. It is immutable once the
// supervisor has been constructed.
type ScalingConfig struct {
	MinWorkers         int           `yaml:"min_workers"`
	MaxWorkers         int           `yaml:"max_workers"`          // 0 = runtime.NumCPU()
	TargetCPU          float64       `yaml:"target_cpu"`           // percent
	TargetMemory       float64       `yaml:"target_memory"`        // percent
	TargetResponseTime time.Duration `yaml:"target_response_time"`
	ScaleUpThreshold   float64       `yaml:"scale_up_threshold"`   // fraction of target
	ScaleDownThreshold float64       `yaml:"scale_down_threshold"` // fraction of target
	CooldownPeriod     time.Duration `yaml:"cooldown_period"`
	CheckInterval      time.Duration `yaml:"check_interval"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
	CPUProbeWindow     time.Duration `yaml:"cpu_probe_window"`
}

// TargetResponseTimeMs returns the response-time target in milliseconds.
func (s ScalingConfig) TargetResponseTimeMs() float64 {
	return float64(s.TargetResponseTime) / float64(time.Millisecond)
}

// WorkerConfig describes how worker processes are started
type WorkerConfig struct {
	Command        string            `yaml:"command"` // empty = this binary's "worker" subcommand
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	ListenAddress  string            `yaml:"listen_address"` // shared by all workers via SO_REUSEPORT, empty = no listener
	ReportInterval time.Duration     `yaml:"report_interval"`
}

// HealthConfig controls when the supervisor reports itself degraded
type HealthConfig struct {
	SpawnFailureThreshold int           `yaml:"spawn_failure_threshold"`
	RecoveryTimeout       time.Duration `yaml:"recovery_timeout"` // 0 = scaling.check_interval
}

// StorageConfig contains sqlite persistence settings
type StorageConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	DatabasePath   string               `yaml:"database_path"`
	Retention      RetentionConfig      `yaml:"retention"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

// RetentionConfig defines how long each kind of record is kept
type RetentionConfig struct {
	Events          time.Duration `yaml:"events"`
	History         time.Duration `yaml:"history"`
	Samples         time.Duration `yaml:"samples"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ConnectionPoolConfig contains database connection pool settings
type ConnectionPoolConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"output_path"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	Enabled        bool                    `yaml:"enabled"`
	ServiceName    string                  `yaml:"service_name"`
	ServiceVersion string                  `yaml:"service_version"`
	Environment    string                  `yaml:"environment"`
	Exporter       TelemetryExporterConfig `yaml:"exporter"`
	Sampling       TelemetrySamplingConfig `yaml:"sampling"`
}

// TelemetryExporterConfig configures the span exporter
type TelemetryExporterConfig struct {
	Type     string            `yaml:"type"` // "stdout", "otlp"
	Endpoint string            `yaml:"endpoint,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
	Insecure bool              `yaml:"insecure,omitempty"` // plain HTTP to the collector
}

// TelemetrySamplingConfig configures trace sampling
type TelemetrySamplingConfig struct {
	Rate float64 `yaml:"rate"` // 0.0 to 1.0
}

// LoadDefault returns a validated configuration built purely from defaults.
func LoadDefault() (*Config, error) {
	var config Config
	applyDefaults(&config)

	if err := ensureConfigDirectories(&config); err != nil {
		return nil, fmt.Errorf("directory creation failed: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid default configuration: %w", err)
	}

	return &config, nil
}

// Load reads, defaults and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := ensureConfigDirectories(config); err != nil {
		return nil, fmt.Errorf("directory creation failed: %w", err)
	}

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Parse decodes YAML and applies defaults without validating.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyDefaults(&config)
	return &config, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.BindAddress == "" {
		cfg.Server.BindAddress = "127.0.0.1:9090"
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.HealthPath == "" {
		cfg.Server.HealthPath = "/health"
	}
	if cfg.Server.API.BasePath == "" {
		cfg.Server.API.BasePath = "/api/v1"
	}
	if cfg.Server.API.MaxRequests == 0 {
		cfg.Server.API.MaxRequests = DefaultRateLimit
	}

	// Scaling defaults
	if cfg.Scaling.MinWorkers == 0 {
		cfg.Scaling.MinWorkers = DefaultMinWorkers
	}
	if cfg.Scaling.MaxWorkers == 0 {
		// Never default below the floor on small hosts.
		cfg.Scaling.MaxWorkers = max(runtime.NumCPU(), cfg.Scaling.MinWorkers)
	}
	if cfg.Scaling.TargetCPU == 0 {
		cfg.Scaling.TargetCPU = DefaultTargetCPU
	}
	if cfg.Scaling.TargetMemory == 0 {
		cfg.Scaling.TargetMemory = DefaultTargetMemory
	}
	if cfg.Scaling.TargetResponseTime == 0 {
		cfg.Scaling.TargetResponseTime = DefaultTargetResponseTime
	}
	if cfg.Scaling.ScaleUpThreshold == 0 {
		cfg.Scaling.ScaleUpThreshold = DefaultScaleUpThreshold
	}
	if cfg.Scaling.ScaleDownThreshold == 0 {
		cfg.Scaling.ScaleDownThreshold = DefaultScaleDownThreshold
	}
	if cfg.Scaling.CooldownPeriod == 0 {
		cfg.Scaling.CooldownPeriod = DefaultCooldownPeriod
	}
	if cfg.Scaling.CheckInterval == 0 {
		cfg.Scaling.CheckInterval = DefaultCheckInterval
	}
	if cfg.Scaling.ShutdownGrace == 0 {
		cfg.Scaling.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Scaling.CPUProbeWindow == 0 {
		cfg.Scaling.CPUProbeWindow = DefaultCPUProbeWindow
	}

	// Worker defaults
	if cfg.Worker.ReportInterval == 0 {
		cfg.Worker.ReportInterval = DefaultReportInterval
	}

	// Health defaults
	if cfg.Health.SpawnFailureThreshold == 0 {
		cfg.Health.SpawnFailureThreshold = DefaultSpawnFailureThreshold
	}
	if cfg.Health.RecoveryTimeout == 0 {
		cfg.Health.RecoveryTimeout = cfg.Scaling.CheckInterval
	}

	// Storage defaults
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = ":memory:"
	}
	if cfg.Storage.Retention.Events == 0 {
		cfg.Storage.Retention.Events = 7 * 24 * time.Hour
	}
	if cfg.Storage.Retention.History == 0 {
		cfg.Storage.Retention.History = 30 * 24 * time.Hour
	}
	if cfg.Storage.Retention.Samples == 0 {
		cfg.Storage.Retention.Samples = 24 * time.Hour
	}
	if cfg.Storage.Retention.CleanupInterval == 0 {
		cfg.Storage.Retention.CleanupInterval = time.Hour
	}
	if cfg.Storage.ConnectionPool.MaxOpenConns == 0 {
		cfg.Storage.ConnectionPool.MaxOpenConns = 4
	}
	if cfg.Storage.ConnectionPool.MaxIdleConns == 0 {
		cfg.Storage.ConnectionPool.MaxIdleConns = 2
	}
	if cfg.Storage.ConnectionPool.ConnMaxLifetime == 0 {
		cfg.Storage.ConnectionPool.ConnMaxLifetime = 2 * time.Hour
	}
	if cfg.Storage.ConnectionPool.ConnMaxIdleTime == 0 {
		cfg.Storage.ConnectionPool.ConnMaxIdleTime = 30 * time.Minute
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Telemetry defaults
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "1.0.0"
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = EnvDevelopment
	}
	if cfg.Telemetry.Exporter.Type == "" {
		cfg.Telemetry.Exporter.Type = ExporterTypeStdout
	}
	if cfg.Telemetry.Sampling.Rate == 0 {
		cfg.Telemetry.Sampling.Rate = DefaultSamplingRate
	}
}

// ValidationError represents a detailed validation error with context
type ValidationError struct {
	Field      string      // Configuration field path (e.g., "scaling.min_workers")
	Value      interface{} // Invalid value
	Message    string      // Human-readable error message
	Suggestion string      // Suggested fix
}

// ValidationResult contains validation results with detailed errors
type ValidationResult struct {
	Valid    bool
	Errors   []ValidationError
	Warnings []ValidationError
}

// Error implements the error interface
func (vr *ValidationResult) Error() string {
	if len(vr.Errors) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d error(s):\n", len(vr.Errors)))

	for i, err := range vr.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s", i+1, err.Field, err.Message))
		if err.Suggestion != "" {
			sb.WriteString(fmt.Sprintf(" (suggestion: %s)", err.Suggestion))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func validate(cfg *Config) error {
	result := validateConfiguration(cfg)
	if !result.Valid {
		return result
	}
	return nil
}

func validateConfiguration(cfg *Config) *ValidationResult {
	result := &ValidationResult{Valid: true}

	validateServerConfig(&cfg.Server, result)
	validateScalingConfig(&cfg.Scaling, result)
	validateWorkerConfig(&cfg.Worker, result)
	validateHealthConfig(&cfg.Health, result)
	validateStorageConfig(&cfg.Storage, result)
	validateLoggingConfig(&cfg.Logging, result)
	validateTelemetryConfig(&cfg.Telemetry, result)

	result.Valid = len(result.Errors) == 0
	return result
}

// GetValidationResult returns the full validation report for cfg.
func GetValidationResult(cfg *Config) *ValidationResult {
	return validateConfiguration(cfg)
}

func validateServerConfig(cfg *ServerConfig, result *ValidationResult) {
	if !cfg.Enabled {
		return
	}

	if err := validateNetworkAddress(cfg.BindAddress); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "server.bind_address",
			Value:      cfg.BindAddress,
			Message:    fmt.Sprintf("invalid bind address: %v", err),
			Suggestion: "use format 'host:port' e.g., '127.0.0.1:9090'",
		})
	}

	for field, path := range map[string]string{
		"server.metrics_path":  cfg.MetricsPath,
		"server.health_path":   cfg.HealthPath,
		"server.api.base_path": cfg.API.BasePath,
	} {
		if !strings.HasPrefix(path, "/") {
			result.Errors = append(result.Errors, ValidationError{
				Field:      field,
				Value:      path,
				Message:    "path must start with '/'",
				Suggestion: "use an absolute path such as '/metrics'",
			})
		}
	}

	if cfg.Auth.Enabled && len(cfg.Auth.APIKey) < MinAPIKeyLength {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "server.auth.api_key",
			Value:      "[REDACTED]",
			Message:    fmt.Sprintf("API key must be at least %d characters", MinAPIKeyLength),
			Suggestion: "generate one with 'openssl rand -hex 32'",
		})
	}

	if cfg.API.Enabled {
		if err := validatePositiveInt(cfg.API.MaxRequests, "server.api.max_requests"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	}
}

func validateScalingConfig(cfg *ScalingConfig, result *ValidationResult) {
	if err := validatePositiveInt(cfg.MinWorkers, "scaling.min_workers"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	if cfg.MaxWorkers < cfg.MinWorkers {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "scaling.max_workers",
			Value:      cfg.MaxWorkers,
			Message:    fmt.Sprintf("max_workers (%d) must be >= min_workers (%d)", cfg.MaxWorkers, cfg.MinWorkers),
			Suggestion: "raise max_workers or lower min_workers",
		})
	}

	if cfg.MaxWorkers > MaxWorkerCount {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "scaling.max_workers",
			Value:      cfg.MaxWorkers,
			Message:    fmt.Sprintf("max_workers exceeds the limit of %d", MaxWorkerCount),
			Suggestion: fmt.Sprintf("use a value <= %d", MaxWorkerCount),
		})
	}

	if err := validatePercentage(cfg.TargetCPU, "scaling.target_cpu"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
	if err := validatePercentage(cfg.TargetMemory, "scaling.target_memory"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	if err := validateDuration(cfg.TargetResponseTime, time.Millisecond, time.Minute, "scaling.target_response_time"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	if err := validateFraction(cfg.ScaleUpThreshold, "scaling.scale_up_threshold"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
	if err := validateFraction(cfg.ScaleDownThreshold, "scaling.scale_down_threshold"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	if cfg.ScaleDownThreshold >= cfg.ScaleUpThreshold {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:      "scaling.scale_down_threshold",
			Value:      cfg.ScaleDownThreshold,
			Message:    "scale_down_threshold is not below scale_up_threshold; the pool may never shrink",
			Suggestion: "keep a gap such as 0.3 / 0.8",
		})
	}

	if err := validateDuration(cfg.CheckInterval, MinCheckInterval, MaxCheckInterval, "scaling.check_interval"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	if err := validateDuration(cfg.CooldownPeriod, 0, 24*time.Hour, "scaling.cooldown_period"); err != nil {
		result.Errors = append(result.Errors, *err)
	} else if cfg.CooldownPeriod < cfg.CheckInterval {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:      "scaling.cooldown_period",
			Value:      cfg.CooldownPeriod.String(),
			Message:    "cooldown is shorter than the check interval and has no effect",
			Suggestion: "use a cooldown of several check intervals",
		})
	}

	if err := validateDuration(cfg.ShutdownGrace, 10*time.Millisecond, 5*time.Minute, "scaling.shutdown_grace"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	if err := validateDuration(cfg.CPUProbeWindow, time.Millisecond, 5*time.Second, "scaling.cpu_probe_window"); err != nil {
		result.Errors = append(result.Errors, *err)
	} else if cfg.CPUProbeWindow >= cfg.CheckInterval {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "scaling.cpu_probe_window",
			Value:      cfg.CPUProbeWindow.String(),
			Message:    "CPU probe window must be shorter than the check interval",
			Suggestion: "use the default of 100ms",
		})
	}
}

func validateWorkerConfig(cfg *WorkerConfig, result *ValidationResult) {
	if cfg.Command != "" && !filepath.IsAbs(cfg.Command) {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:      "worker.command",
			Value:      cfg.Command,
			Message:    "command is not an absolute path and will be resolved through PATH",
			Suggestion: "use an absolute path to the worker binary",
		})
	}

	if cfg.ListenAddress != "" {
		if err := validateNetworkAddress(cfg.ListenAddress); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:      "worker.listen_address",
				Value:      cfg.ListenAddress,
				Message:    fmt.Sprintf("invalid listen address: %v", err),
				Suggestion: "use format 'host:port' e.g., '0.0.0.0:8080'",
			})
		}
	}

	if err := validateDuration(cfg.ReportInterval, 100*time.Millisecond, time.Minute, "worker.report_interval"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
}

func validateHealthConfig(cfg *HealthConfig, result *ValidationResult) {
	if err := validatePositiveInt(cfg.SpawnFailureThreshold, "health.spawn_failure_threshold"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
	if err := validateDuration(cfg.RecoveryTimeout, time.Second, time.Hour, "health.recovery_timeout"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
}

func validateStorageConfig(cfg *StorageConfig, result *ValidationResult) {
	if !cfg.Enabled {
		return
	}

	if err := validateStringNotEmpty(cfg.DatabasePath, "storage.database_path"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	retention := map[string]time.Duration{
		"storage.retention.events":           cfg.Retention.Events,
		"storage.retention.history":          cfg.Retention.History,
		"storage.retention.samples":          cfg.Retention.Samples,
		"storage.retention.cleanup_interval": cfg.Retention.CleanupInterval,
	}
	for field, d := range retention {
		if err := validateDuration(d, time.Minute, 0, field); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	}

	if cfg.ConnectionPool.MaxIdleConns > cfg.ConnectionPool.MaxOpenConns {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:      "storage.connection_pool.max_idle_conns",
			Value:      cfg.ConnectionPool.MaxIdleConns,
			Message:    "max_idle_conns exceeds max_open_conns",
			Suggestion: "set max_idle_conns <= max_open_conns",
		})
	}
}

func validateLoggingConfig(cfg *LoggingConfig, result *ValidationResult) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(cfg.Level)] {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "logging.level",
			Value:      cfg.Level,
			Message:    "invalid log level",
			Suggestion: "use 'debug', 'info', 'warn', or 'error'",
		})
	}

	validFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validFormats[strings.ToLower(cfg.Format)] {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "logging.format",
			Value:      cfg.Format,
			Message:    "invalid log format",
			Suggestion: "use 'json' or 'console'",
		})
	}

	if cfg.OutputPath != "" && cfg.OutputPath != "stdout" && cfg.OutputPath != "stderr" {
		dir := filepath.Dir(cfg.OutputPath)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			result.Warnings = append(result.Warnings, ValidationError{
				Field:      "logging.output_path",
				Value:      cfg.OutputPath,
				Message:    "log directory does not exist",
				Suggestion: "ensure parent directory exists and is writable",
			})
		}
	}
}

func validateTelemetryConfig(cfg *TelemetryConfig, result *ValidationResult) {
	if !cfg.Enabled {
		return
	}

	if err := validateStringNotEmpty(cfg.ServiceName, "telemetry.service_name"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	switch cfg.Exporter.Type {
	case ExporterTypeStdout:
	case ExporterTypeOTLP:
		if cfg.Exporter.Endpoint == "" {
			result.Errors = append(result.Errors, ValidationError{
				Field:      "telemetry.exporter.endpoint",
				Value:      cfg.Exporter.Endpoint,
				Message:    "endpoint is required for otlp exporter",
				Suggestion: "provide the collector endpoint, e.g. 'localhost:4318'",
			})
		}
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:      "telemetry.exporter.type",
			Value:      cfg.Exporter.Type,
			Message:    "invalid exporter type",
			Suggestion: "use 'stdout' or 'otlp'",
		})
	}

	if cfg.Sampling.Rate < 0 || cfg.Sampling.Rate > 1.0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "telemetry.sampling.rate",
			Value:      cfg.Sampling.Rate,
			Message:    "sampling rate must be between 0 and 1",
			Suggestion: "use 0.1 for 10% sampling or 1.0 for all traces",
		})
	}
}

// validateNetworkAddress validates a host:port pair without resolving it
func validateNetworkAddress(address string) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port number: %w", err)
	}
	if portNum < 0 || portNum > 65535 {
		return fmt.Errorf("port must be between 0 and 65535")
	}

	if host != "" && net.ParseIP(host) == nil {
		if _, err := url.Parse("http://" + host); err != nil {
			return fmt.Errorf("invalid host %q", host)
		}
	}

	return nil
}

// validateDuration validates a duration is within acceptable bounds
func validateDuration(d time.Duration, min, max time.Duration, fieldName string) *ValidationError {
	if d < min {
		return &ValidationError{
			Field:      fieldName,
			Value:      d.String(),
			Message:    fmt.Sprintf("duration %s is below minimum %s", d, min),
			Suggestion: fmt.Sprintf("use a value >= %s", min),
		}
	}

	if max > 0 && d > max {
		return &ValidationError{
			Field:      fieldName,
			Value:      d.String(),
			Message:    fmt.Sprintf("duration %s is above maximum %s", d, max),
			Suggestion: fmt.Sprintf("use a value <= %s", max),
		}
	}

	return nil
}

// validatePercentage validates a percentage value (0-100]
func validatePercentage(value float64, fieldName string) *ValidationError {
	if value <= 0 || value > 100 {
		return &ValidationError{
			Field:      fieldName,
			Value:      value,
			Message:    "percentage must be greater than 0 and at most 100",
			Suggestion: "use a value between 1.0 and 100.0",
		}
	}
	return nil
}

// validateFraction validates a threshold fraction (0-1]
func validateFraction(value float64, fieldName string) *ValidationError {
	if value <= 0 || value > 1 {
		return &ValidationError{
			Field:      fieldName,
			Value:      value,
			Message:    "threshold must be greater than 0 and at most 1",
			Suggestion: "express the threshold as a fraction of the target, e.g. 0.8",
		}
	}
	return nil
}

// validatePositiveInt validates a positive integer
func validatePositiveInt(value int, fieldName string) *ValidationError {
	if value <= 0 {
		return &ValidationError{
			Field:      fieldName,
			Value:      value,
			Message:    "value must be positive",
			Suggestion: "use a value > 0",
		}
	}
	return nil
}

// validateStringNotEmpty validates a string is not empty
func validateStringNotEmpty(value, fieldName string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:      fieldName,
			Value:      value,
			Message:    "value cannot be empty",
			Suggestion: "provide a non-empty value",
		}
	}
	return nil
}

// ensureConfigDirectories creates parent directories for config-defined paths
func ensureConfigDirectories(cfg *Config) error {
	var paths []string

	if cfg.Storage.Enabled && cfg.Storage.DatabasePath != "" && cfg.Storage.DatabasePath != ":memory:" {
		paths = append(paths, cfg.Storage.DatabasePath)
	}
	if cfg.Logging.OutputPath != "" && cfg.Logging.OutputPath != "stdout" && cfg.Logging.OutputPath != "stderr" {
		paths = append(paths, cfg.Logging.OutputPath)
	}

	for _, path := range paths {
		dir := filepath.Dir(path)
		if dir == "" || dir == "." || dir == "/" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", path, err)
		}
	}

	return nil
}
