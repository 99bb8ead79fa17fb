package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/config"
	"github.com/cboxdk/worker-autoscaler/internal/ipc"
	"github.com/cboxdk/worker-autoscaler/internal/metrics"
	"github.com/cboxdk/worker-autoscaler/internal/storage"
	"github.com/cboxdk/worker-autoscaler/internal/supervisor"
	"github.com/cboxdk/worker-autoscaler/internal/telemetry"
	"github.com/cboxdk/worker-autoscaler/internal/types"
	"go.uber.org/zap/zaptest"
)

// stubProcess stays alive until killed and never reports readiness
type stubProcess struct {
	pid  int
	msgs chan ipc.Message
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	killed bool
}

func (p *stubProcess) PID() int                     { return p.pid }
func (p *stubProcess) Send(ipc.Message) error       { return nil }
func (p *stubProcess) Messages() <-chan ipc.Message { return p.msgs }
func (p *stubProcess) Done() <-chan struct{}        { return p.done }
func (p *stubProcess) ExitStatus() (int, string)    { return -1, "SIGKILL" }

func (p *stubProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.once.Do(func() {
		close(p.msgs)
		close(p.done)
	})
	return nil
}

func (p *stubProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type stubSpawner struct {
	mu    sync.Mutex
	procs []*stubProcess
}

func (s *stubSpawner) Spawn(_ context.Context, id int) (supervisor.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &stubProcess{
		pid:  20000 + id,
		msgs: make(chan ipc.Message),
		done: make(chan struct{}),
	}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *stubSpawner) processes() []*stubProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*stubProcess(nil), s.procs...)
}

// busySampler always reports saturated CPU so the first check scales up
type busySampler struct{}

func (busySampler) Sample(_ context.Context, _ metrics.Input) (metrics.Sample, error) {
	return metrics.Sample{CPU: 100, Memory: 10, Timestamp: time.Now()}, nil
}

func testConfig(t *testing.T, storageEnabled bool) *config.Config {
	t.Helper()

	yaml := fmt.Sprintf(`
server:
  enabled: true
  bind_address: "127.0.0.1:0"
scaling:
  min_workers: 2
  max_workers: 4
  check_interval: 100ms
  cooldown_period: 1m
storage:
  enabled: %t
  database_path: %q
telemetry:
  enabled: false
`, storageEnabled, filepath.Join(t.TempDir(), "autoscaler.db"))

	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Failed to parse test config: %v", err)
	}
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNewManager(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name    string
		cfg     *config.Config
		nilLog  bool
		wantErr bool
	}{
		{"nil config", nil, false, true},
		{"nil logger", testConfig(t, false), true, true},
		{"without storage", testConfig(t, false), false, false},
		{"with storage", testConfig(t, true), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := logger
			if tt.nilLog {
				l = nil
			}
			m, err := NewManagerWithOptions(tt.cfg, Options{
				Spawner: &stubSpawner{},
				Sampler: busySampler{},
			}, l)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewManagerWithOptions() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			t.Cleanup(m.closeStorage)

			if m.IsRunning() {
				t.Error("Manager should not be running before Run")
			}
			if m.Health().Overall != types.HealthStateStopping {
				t.Errorf("Expected stopping health before Run, got %s", m.Health().Overall)
			}
			if (m.store != nil) != tt.cfg.Storage.Enabled {
				t.Errorf("Storage presence = %v, want %v", m.store != nil, tt.cfg.Storage.Enabled)
			}
			if m.exporter == nil {
				t.Error("Expected exporter when server is enabled")
			}
		})
	}
}

func TestManagerRunPersistsActivity(t *testing.T) {
	cfg := testConfig(t, true)
	spawner := &stubSpawner{}

	m, err := NewManagerWithOptions(cfg, Options{
		ConfigPath: "test.yaml",
		Version:    "test",
		Spawner:    spawner,
		Sampler:    busySampler{},
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, "manager to run", m.IsRunning)
	waitFor(t, "scale up to 3 workers", func() bool { return m.supervisor.LiveCount() == 3 })

	queryCtx := context.Background()
	waitFor(t, "persisted scaling record", func() bool {
		records, err := m.store.ScalingHistory(queryCtx, storage.HistoryFilter{Action: "scaleUp"})
		return err == nil && len(records) == 1 && records[0].WorkerCountAfter == 3
	})

	result, err := m.store.Query(queryCtx, types.Query{MetricName: metrics.MetricCPU})
	if err != nil {
		t.Fatalf("Failed to query stored samples: %v", err)
	}
	if len(result.Values) == 0 || result.Values[0].Value != 100 {
		t.Errorf("Expected stored CPU samples of 100, got %+v", result.Values)
	}

	events, err := m.eventStorage.GetEvents(queryCtx, telemetry.EventFilter{Type: telemetry.EventTypeConfiguration})
	if err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected one configuration event, got %d", len(events))
	}

	m.LogStatus(queryCtx)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Manager did not stop")
	}

	for _, p := range spawner.processes() {
		if !p.wasKilled() {
			t.Errorf("Worker %d was not killed on shutdown", p.pid)
		}
	}
	if m.IsRunning() {
		t.Error("Manager should not be running after Run returns")
	}
	if m.Health().Overall != types.HealthStateStopping {
		t.Errorf("Expected stopping health after Run, got %s", m.Health().Overall)
	}
}

func TestManagerRunWithoutStorage(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.Server.Enabled = false

	m, err := NewManagerWithOptions(cfg, Options{
		Spawner: &stubSpawner{},
		Sampler: busySampler{},
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, "initial pool", func() bool { return m.supervisor.LiveCount() >= 2 })

	if err := m.Run(ctx); err == nil {
		t.Error("Expected error starting a running manager")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Manager did not stop")
	}
}

func TestManagerRunBindConflict(t *testing.T) {
	cfg := testConfig(t, true)

	blocker := &stubSpawner{}
	first, err := NewManagerWithOptions(cfg, Options{Spawner: blocker, Sampler: busySampler{}}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()

	waitFor(t, "exporter to listen", func() bool { return first.exporter.Addr() != nil })

	second := testConfig(t, false)
	second.Server.BindAddress = first.exporter.Addr().String()
	m, err := NewManagerWithOptions(second, Options{Spawner: &stubSpawner{}, Sampler: busySampler{}}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	if err := m.Run(context.Background()); err == nil {
		t.Error("Expected pre-flight failure on an occupied bind address")
	}
	if m.supervisor.LiveCount() != 0 {
		t.Error("No workers should be spawned when pre-flight checks fail")
	}

	cancel()
	<-done
}
