// Package agent is the worker side of the IPC protocol. It announces
// readiness, reports resource usage and per-request timings to the supervisor
// over stdout, and exits when the supervisor sends shutdown or closes stdin.
//
// Stdout carries protocol frames only. Anything else a worker wants to say
// goes to the logger, which must write to stderr.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/ipc"
	"github.com/cboxdk/worker-autoscaler/internal/metrics"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// DefaultDrainTimeout bounds how long in-flight requests may run after shutdown.
	DefaultDrainTimeout = 5 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// Config configures a worker agent.
type Config struct {
	WorkerID       int
	ReportInterval time.Duration
	// ListenAddress is shared by all workers through SO_REUSEPORT. Empty
	// disables the HTTP listener.
	ListenAddress  string
	DrainTimeout   time.Duration
	CPUProbeWindow time.Duration
}

// Agent runs inside one worker process.
type Agent struct {
	cfg     Config
	logger  *zap.Logger
	encoder *ipc.Encoder
	in      io.Reader
	handler http.Handler

	cpu    *metrics.CPUTracker
	memory *metrics.MemoryTracker

	served atomic.Uint64
	failed atomic.Uint64

	addrMu sync.Mutex
	addr   net.Addr
}

// New creates an agent reading control frames from in and writing protocol
// frames to out. handler may be nil when no listener is configured.
func New(cfg Config, in io.Reader, out io.Writer, handler http.Handler, logger *zap.Logger) *Agent {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.CPUProbeWindow <= 0 {
		cfg.CPUProbeWindow = metrics.DefaultProbeWindow
	}
	if handler == nil {
		handler = http.NotFoundHandler()
	}

	logger = logger.With(zap.Int("worker_id", cfg.WorkerID))
	return &Agent{
		cfg:     cfg,
		logger:  logger,
		encoder: ipc.NewEncoder(out),
		in:      in,
		handler: handler,
		cpu:     metrics.NewCPUTracker(logger.Named("cpu"), cfg.CPUProbeWindow),
		memory:  metrics.NewMemoryTracker(),
	}
}

// Run blocks until the supervisor requests shutdown, stdin closes, ctx is
// cancelled or the listener fails. In-flight requests are drained before it
// returns.
func (a *Agent) Run(ctx context.Context) error {
	var (
		server   *http.Server
		serveErr = make(chan error, 1)
	)

	if a.cfg.ListenAddress != "" {
		ln, err := Listen(ctx, a.cfg.ListenAddress)
		if err != nil {
			a.reportError(fmt.Sprintf("listen %s: %v", a.cfg.ListenAddress, err))
			return fmt.Errorf("failed to listen on %s: %w", a.cfg.ListenAddress, err)
		}
		a.addrMu.Lock()
		a.addr = ln.Addr()
		a.addrMu.Unlock()

		server = &http.Server{
			Handler:           a.Instrument(a.handler),
			ReadHeaderTimeout: readHeaderTimeout,
			ErrorLog:          zap.NewStdLog(a.logger),
		}
		go func() {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
		a.logger.Info("Worker listening", zap.String("address", ln.Addr().String()))
	}

	if err := a.encoder.Encode(ipc.OnlineMsg{}); err != nil {
		if server != nil {
			_ = server.Close()
		}
		return fmt.Errorf("failed to announce online: %w", err)
	}
	a.logger.Info("Worker online")

	shutdown := make(chan struct{})
	go a.readControl(shutdown)

	reportCtx, stopReports := context.WithCancel(ctx)
	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		a.reportLoop(reportCtx)
	}()

	var runErr error
	select {
	case <-shutdown:
		a.logger.Info("Shutdown requested by supervisor")
	case <-ctx.Done():
		a.logger.Info("Worker context cancelled")
	case err := <-serveErr:
		a.logger.Error("HTTP server failed", zap.Error(err))
		runErr = fmt.Errorf("http server failed: %w", err)
	}

	stopReports()
	<-reportDone

	if server != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), a.cfg.DrainTimeout)
		defer cancel()
		if err := server.Shutdown(drainCtx); err != nil {
			a.logger.Warn("Failed to drain in-flight requests", zap.Error(err))
			_ = server.Close()
		}
	}

	a.logger.Info("Worker stopped",
		zap.Uint64("served", a.served.Load()),
		zap.Uint64("failed", a.failed.Load()))
	return runErr
}

// Addr returns the bound listener address, or nil before Run has bound it.
func (a *Agent) Addr() net.Addr {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// readControl closes shutdown when the supervisor sends shutdown or closes stdin.
func (a *Agent) readControl(shutdown chan<- struct{}) {
	defer close(shutdown)

	dec := ipc.NewDecoder(a.in)
	for {
		msg, err := dec.Decode()
		if err != nil {
			var decodeErr *ipc.DecodeError
			if errors.As(err, &decodeErr) {
				a.logger.Warn("Ignoring invalid control frame", zap.Error(err))
				continue
			}
			if !errors.Is(err, io.EOF) {
				a.logger.Warn("Control channel failed", zap.Error(err))
			} else {
				a.logger.Info("Supervisor closed control channel")
			}
			return
		}

		if msg.Type() == ipc.TypeShutdown {
			return
		}
		a.logger.Debug("Ignoring control frame", zap.String("type", string(msg.Type())))
	}
}

func (a *Agent) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.reportMetrics(ctx); err != nil && ctx.Err() == nil {
				a.logger.Debug("Failed to report metrics", zap.Error(err))
			}
		}
	}
}

func (a *Agent) reportMetrics(ctx context.Context) error {
	cpu, err := a.cpu.Probe(ctx)
	if err != nil {
		return err
	}
	mem, err := a.memory.Percent()
	if err != nil {
		return err
	}
	return a.encoder.Encode(ipc.MetricsMsg{CPU: cpu, Memory: mem})
}

// ReportRequest tells the supervisor one request completed in elapsed.
func (a *Agent) ReportRequest(elapsed time.Duration) {
	a.served.Inc()
	ms := float64(elapsed.Microseconds()) / 1000
	if err := a.encoder.Encode(ipc.NewRequest(ms)); err != nil {
		a.logger.Debug("Failed to report request", zap.Error(err))
	}
}

// maxErrorMessage keeps an error frame well inside ipc.MaxFrameSize.
const maxErrorMessage = 1024

func (a *Agent) reportError(message string) {
	a.failed.Inc()
	if len(message) > maxErrorMessage {
		message = strings.ToValidUTF8(message[:maxErrorMessage], "") + "..."
	}
	if err := a.encoder.Encode(ipc.ErrorMsg{Error: message}); err != nil {
		a.logger.Debug("Failed to report error", zap.Error(err))
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// Instrument wraps next so every request is timed and reported. 5xx
// responses and recovered panics are reported as errors.
func (a *Agent) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				a.logger.Error("Request handler panicked",
					zap.Any("panic", p),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"))
				a.reportError(fmt.Sprintf("panic serving %s: %v", r.URL.Path, p))
				if !rec.wroteHeader {
					http.Error(rec, "internal server error", http.StatusInternalServerError)
				}
			} else if rec.status >= http.StatusInternalServerError {
				a.reportError(fmt.Sprintf("%s %s returned %d", r.Method, r.URL.Path, rec.status))
			}
			a.ReportRequest(time.Since(start))
		}()

		next.ServeHTTP(rec, r)
	})
}
