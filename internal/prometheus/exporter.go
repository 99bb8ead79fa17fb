package prometheus

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/api"
	"github.com/cboxdk/worker-autoscaler/internal/config"
	"github.com/cboxdk/worker-autoscaler/internal/event"
	"github.com/cboxdk/worker-autoscaler/internal/metrics"
	"github.com/cboxdk/worker-autoscaler/internal/storage"
	"github.com/cboxdk/worker-autoscaler/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const namespace = "autoscaler"

// authMiddleware requires the configured API key when auth is enabled
func (e *Exporter) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !e.config.Auth.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if ok, authError := e.validateAPIKey(r); !ok {
			e.logger.Warn("Authentication failed",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()),
				zap.String("error", authError))

			w.Header().Set("WWW-Authenticate", `Bearer realm="Worker Autoscaler"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// validateAPIKey accepts "Authorization: Bearer <key>" or "X-API-Key: <key>"
func (e *Exporter) validateAPIKey(r *http.Request) (bool, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return e.checkAPIKey(parts[1])
		}
	}

	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return e.checkAPIKey(apiKey)
	}

	return false, "API key not provided"
}

func (e *Exporter) checkAPIKey(providedKey string) (bool, string) {
	if e.config.Auth.APIKey != "" &&
		subtle.ConstantTimeCompare([]byte(providedKey), []byte(e.config.Auth.APIKey)) == 1 {
		return true, ""
	}
	return false, "invalid API key"
}

// rateLimitMiddleware applies the global scrape limit
func (e *Exporter) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !e.rateLimiter.Allow() {
			e.logger.Warn("Rate limit exceeded",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()))

			w.Header().Set("Retry-After", "1")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HealthSource reports overall supervisor health
type HealthSource interface {
	Health() types.HealthStatus
}

// PoolStatsSource reports database connection pool health
type PoolStatsSource interface {
	GetPoolStats() storage.PoolStats
}

var _ types.MetricsExporter = (*Exporter)(nil)

// Exporter serves Prometheus metrics, health and the REST API on one listener
type Exporter struct {
	config config.ServerConfig
	logger *zap.Logger

	server     *http.Server
	listenAddr net.Addr

	apiServer  *api.Server
	apiLimiter *api.RateLimiter
	health     HealthSource
	poolStats  PoolStatsSource

	registry    *prometheus.Registry
	rateLimiter *rate.Limiter
	mu          sync.RWMutex
	running     bool

	// Pool gauges
	workers      prometheus.Gauge
	workerLimits *prometheus.GaugeVec
	degraded     prometheus.Gauge

	// Sampled load, labelled by window: "current" or "average"
	cpuPercent     *prometheus.GaugeVec
	memoryPercent  *prometheus.GaugeVec
	responseTimeMs *prometheus.GaugeVec
	requestRate    *prometheus.GaugeVec

	// Lifecycle and scaling
	scalingActions   *prometheus.CounterVec
	lastScaling      prometheus.Gauge
	workerSpawns     prometheus.Counter
	workersOnline    prometheus.Counter
	workerExits      *prometheus.CounterVec
	workerLifetime   prometheus.Histogram
	metricsCollected prometheus.Counter
}

// NewExporter creates a new Prometheus exporter
func NewExporter(config config.ServerConfig, logger *zap.Logger) (*Exporter, error) {
	e := &Exporter{
		config:      config,
		logger:      logger,
		registry:    prometheus.NewRegistry(),
		rateLimiter: rate.NewLimiter(100, 200),
	}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return e, nil
}

// SetAPIComponents wires the supervisor and the optional stores. pool may be
// nil when storage is disabled.
func (e *Exporter) SetAPIComponents(sup api.SupervisorInterface, backends api.Backends, pool PoolStatsSource, version string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.health = sup
	e.poolStats = pool

	if e.config.API.Enabled {
		e.apiServer = api.NewServer(e.logger, sup, backends, version)
	}
}

// SetWorkerLimits publishes the configured pool bounds
func (e *Exporter) SetWorkerLimits(lower, upper int) {
	e.workerLimits.WithLabelValues("min").Set(float64(lower))
	e.workerLimits.WithLabelValues("max").Set(float64(upper))
}

// Registry exposes the registry for tests and embedding
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler builds the full HTTP handler tree
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()

	metricsHandler := promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(e.logger),
		ErrorHandling: promhttp.ContinueOnError,
	})
	// Rate limiting first, then authentication.
	mux.Handle(e.config.MetricsPath, e.rateLimitMiddleware(e.authMiddleware(metricsHandler)))

	mux.HandleFunc("/", e.rootHandler)
	mux.HandleFunc(e.config.HealthPath, e.healthHandler)

	e.mu.Lock()
	apiServer := e.apiServer
	if e.config.API.Enabled && apiServer != nil && e.apiLimiter == nil {
		e.apiLimiter = api.NewRateLimiter(
			api.DefaultRateLimitConfig(e.config.API.MaxRequests, config.BurstLimit),
			e.logger.Named("ratelimit"))
	}
	apiLimiter := e.apiLimiter
	e.mu.Unlock()

	if e.config.API.Enabled && apiServer != nil {
		e.logger.Info("Enabling REST API endpoints", zap.String("base_path", e.config.API.BasePath))

		apiMux := http.NewServeMux()
		apiServer.SetupRoutes(apiMux, e.config.API.BasePath)

		apiHandler := api.RecoveryMiddleware(e.logger)(apiLimiter.RateLimitMiddleware(e.authMiddleware(apiMux)))
		base := strings.TrimSuffix(e.config.API.BasePath, "/")
		mux.Handle(base+"/", apiHandler)
	}

	return mux
}

// Start binds the listener and serves until ctx is cancelled
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("exporter is already running")
	}
	e.running = true
	e.mu.Unlock()

	e.logger.Info("Starting Prometheus exporter",
		zap.String("bind_address", e.config.BindAddress),
		zap.String("metrics_path", e.config.MetricsPath))

	listener, err := net.Listen("tcp", e.config.BindAddress)
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", e.config.BindAddress, err)
	}

	server := &http.Server{
		Handler:      e.Handler(),
		ReadTimeout:  config.DefaultAPITimeout,
		WriteTimeout: config.DefaultAPITimeout,
		IdleTimeout:  60 * time.Second,
	}

	e.mu.Lock()
	e.listenAddr = listener.Addr()
	e.server = server
	e.mu.Unlock()

	serveErr := make(chan error, 1)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("HTTP server failed", zap.Error(err))
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			_ = e.Stop(context.Background())
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultAPITimeout)
	defer cancel()
	if err := e.Stop(shutdownCtx); err != nil {
		e.logger.Error("Server shutdown failed", zap.Error(err))
		return err
	}

	e.logger.Info("Prometheus exporter stopped")
	return nil
}

// Addr returns the bound address once Start has listened
func (e *Exporter) Addr() net.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.listenAddr
}

// Stop halts the metrics server
func (e *Exporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	server := e.server
	apiLimiter := e.apiLimiter
	e.mu.Unlock()

	if apiLimiter != nil {
		apiLimiter.Stop()
	}
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// Subscribe feeds every bus event into the exported metrics
func (e *Exporter) Subscribe(bus *event.Bus) string {
	return bus.SubscribeAll(e.HandleBusEvent)
}

// HandleBusEvent updates metrics from one supervisor event
func (e *Exporter) HandleBusEvent(ev event.Event) {
	switch ev := ev.(type) {
	case event.MetricsSampled:
		if err := e.UpdateMetrics(metrics.ToMetricSet(ev)); err != nil {
			e.logger.Warn("Failed to update sampled metrics", zap.Error(err))
		}
	case event.Scaling:
		e.scalingActions.WithLabelValues(ev.Action).Inc()
		e.lastScaling.Set(float64(ev.Timestamp.Unix()))
		e.workers.Set(float64(ev.TargetWorkers))
	case event.WorkerCreated:
		e.workerSpawns.Inc()
	case event.WorkerOnline:
		e.workersOnline.Inc()
	case event.WorkerExit:
		e.workerExits.WithLabelValues(strconv.FormatBool(ev.Planned)).Inc()
		e.workerLifetime.Observe(ev.Uptime.Seconds())
	case event.HealthChanged:
		if ev.Degraded {
			e.degraded.Set(1)
		} else {
			e.degraded.Set(0)
		}
	}
}

// UpdateMetrics refreshes the exposed metrics from a sampled set
func (e *Exporter) UpdateMetrics(metricSet types.MetricSet) error {
	var unknown []string
	for _, metric := range metricSet.Metrics {
		if err := e.updateMetric(metric); err != nil {
			unknown = append(unknown, metric.Name)
		}
	}
	e.metricsCollected.Add(float64(len(metricSet.Metrics) - len(unknown)))

	if len(unknown) > 0 {
		return fmt.Errorf("unknown metrics: %s", strings.Join(unknown, ", "))
	}
	return nil
}

func (e *Exporter) updateMetric(metric types.Metric) error {
	switch metric.Name {
	case metrics.MetricCPU:
		e.cpuPercent.WithLabelValues("current").Set(metric.Value)
	case metrics.MetricMemory:
		e.memoryPercent.WithLabelValues("current").Set(metric.Value)
	case metrics.MetricResponseTime:
		e.responseTimeMs.WithLabelValues("current").Set(metric.Value)
	case metrics.MetricRequestRate:
		e.requestRate.WithLabelValues("current").Set(metric.Value)
	case metrics.MetricAvgCPU:
		e.cpuPercent.WithLabelValues("average").Set(metric.Value)
	case metrics.MetricAvgMemory:
		e.memoryPercent.WithLabelValues("average").Set(metric.Value)
	case metrics.MetricAvgResponseTime:
		e.responseTimeMs.WithLabelValues("average").Set(metric.Value)
	case metrics.MetricAvgRequestRate:
		e.requestRate.WithLabelValues("average").Set(metric.Value)
	case metrics.MetricWorkers:
		e.workers.Set(metric.Value)
	default:
		return fmt.Errorf("unknown metric: %s", metric.Name)
	}
	return nil
}

func (e *Exporter) initMetrics() error {
	window := []string{"window"}

	e.workers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers",
		Help:      "Number of live workers",
	})
	e.workerLimits = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_limit",
		Help:      "Configured worker bounds",
	}, []string{"bound"})
	e.degraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "degraded",
		Help:      "1 while the supervisor cannot keep the worker floor",
	})

	e.cpuPercent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cpu_percent",
		Help:      "Supervisor process CPU utilization",
	}, window)
	e.memoryPercent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_percent",
		Help:      "Heap in use as a share of heap obtained from the OS",
	}, window)
	e.responseTimeMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "response_time_milliseconds",
		Help:      "Request-weighted mean response time across workers",
	}, window)
	e.requestRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "request_rate",
		Help:      "Requests per second across all workers",
	}, window)

	e.scalingActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scaling_actions_total",
		Help:      "Scaling actions taken, by action",
	}, []string{"action"})
	e.lastScaling = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_scaling_timestamp_seconds",
		Help:      "Unix time of the most recent scaling action",
	})
	e.workerSpawns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_spawns_total",
		Help:      "Worker processes started",
	})
	e.workersOnline = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_online_total",
		Help:      "Workers that reported readiness",
	})
	e.workerExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_exits_total",
		Help:      "Worker exits, by whether the supervisor requested them",
	}, []string{"planned"})
	e.workerLifetime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "worker_lifetime_seconds",
		Help:      "Uptime of workers at exit",
		Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
	})
	e.metricsCollected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "metrics_collected_total",
		Help:      "Sampled metric values applied to the exporter",
	})

	collectors := []prometheus.Collector{
		e.workers,
		e.workerLimits,
		e.degraded,
		e.cpuPercent,
		e.memoryPercent,
		e.responseTimeMs,
		e.requestRate,
		e.scalingActions,
		e.lastScaling,
		e.workerSpawns,
		e.workersOnline,
		e.workerExits,
		e.workerLifetime,
		e.metricsCollected,
	}

	for _, collector := range collectors {
		if err := e.registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register collector: %w", err)
		}
	}

	e.logger.Debug("Initialized Prometheus metrics", zap.Int("collectors", len(collectors)))
	return nil
}

func (e *Exporter) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	apiLink := ""
	if e.config.API.Enabled {
		apiLink = fmt.Sprintf(`<p><a href="%s/status">Status API</a></p>`, strings.TrimSuffix(e.config.API.BasePath, "/"))
	}
	fmt.Fprintf(w, `<html>
<head><title>Worker Autoscaler</title></head>
<body>
<h1>Worker Autoscaler</h1>
<p><a href="%s">Metrics</a></p>
<p><a href="%s">Health</a></p>
%s
</body>
</html>`, e.config.MetricsPath, e.config.HealthPath, apiLink)
}

type healthResponse struct {
	Status     types.HealthState `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	Components map[string]string `json:"components,omitempty"`
	Timestamp  string            `json:"timestamp"`
}

// healthHandler answers 200 while the supervisor can serve, including while
// degraded, and 503 once it is stopping or unhealthy.
func (e *Exporter) healthHandler(w http.ResponseWriter, r *http.Request) {
	e.mu.RLock()
	health, poolStats := e.health, e.poolStats
	e.mu.RUnlock()

	response := healthResponse{
		Status:     types.HealthStateHealthy,
		Components: map[string]string{},
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	if health != nil {
		status := health.Health()
		response.Status = status.Overall
		response.Reason = status.Reason
		for name, state := range status.Components {
			response.Components[name] = string(state)
		}
	}

	if poolStats != nil {
		stats := poolStats.GetPoolStats()
		if stats.Healthy() {
			response.Components["storage"] = string(types.HealthStateHealthy)
		} else {
			response.Components["storage"] = string(types.HealthStateDegraded)
			if response.Status == types.HealthStateHealthy {
				response.Status = types.HealthStateDegraded
				response.Reason = "storage health check failed: " + stats.LastHealthError
			}
		}
	}

	code := http.StatusOK
	if !response.Status.Serving() {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		e.logger.Debug("Failed to write health response", zap.Error(err))
	}
}
