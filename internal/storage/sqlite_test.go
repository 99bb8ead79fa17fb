package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/config"
	"github.com/cboxdk/worker-autoscaler/internal/types"
	"go.uber.org/zap/zaptest"
)

func testStorageConfig(t testing.TB) config.StorageConfig {
	t.Helper()
	return config.StorageConfig{
		Enabled:      true,
		DatabasePath: filepath.Join(t.TempDir(), "autoscaler.db"),
		Retention: config.RetentionConfig{
			Events:          7 * 24 * time.Hour,
			History:         30 * 24 * time.Hour,
			Samples:         time.Hour,
			CleanupInterval: time.Hour,
		},
		ConnectionPool: config.ConnectionPoolConfig{
			MaxOpenConns: 4,
			MaxIdleConns: 2,
		},
	}
}

// startedStorage returns a running storage that is stopped at cleanup.
func startedStorage(t testing.TB, cfg config.StorageConfig) *SQLiteStorage {
	t.Helper()

	storage, err := NewSQLiteStorage(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	ctx := context.Background()
	if err := storage.Start(ctx); err != nil {
		t.Fatalf("Failed to start storage: %v", err)
	}
	t.Cleanup(func() {
		if err := storage.Stop(context.Background()); err != nil {
			t.Errorf("Failed to stop storage: %v", err)
		}
	})
	return storage
}

func TestNewSQLiteStorage(t *testing.T) {
	logger := zaptest.NewLogger(t)
	tempDir := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{name: "file database", path: filepath.Join(tempDir, "test.db")},
		{name: "nested directory path", path: filepath.Join(tempDir, "nested", "dir", "test.db")},
		{name: "in-memory database", path: ":memory:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testStorageConfig(t)
			cfg.DatabasePath = tt.path

			storage, err := NewSQLiteStorage(cfg, logger)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			for _, table := range []string{"metric_samples", "scaling_history", "events"} {
				var name string
				err := storage.DB().QueryRow(
					"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
				if err != nil {
					t.Errorf("Table %s not created: %v", table, err)
				}
			}

			if err := storage.pool.Close(); err != nil {
				t.Errorf("Failed to close pool: %v", err)
			}
		})
	}
}

func TestSQLiteStorageStartStop(t *testing.T) {
	storage, err := NewSQLiteStorage(testStorageConfig(t), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	ctx := context.Background()
	if err := storage.Start(ctx); err != nil {
		t.Fatalf("Failed to start storage: %v", err)
	}
	if err := storage.Start(ctx); err == nil {
		t.Error("Expected error when starting storage twice")
	}

	if err := storage.Stop(ctx); err != nil {
		t.Errorf("Failed to stop storage: %v", err)
	}
	if err := storage.Stop(ctx); err != nil {
		t.Errorf("Second stop should be a no-op, got %v", err)
	}
}

func TestSQLiteStorageNotRunning(t *testing.T) {
	storage, err := NewSQLiteStorage(testStorageConfig(t), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer storage.pool.Close()

	ctx := context.Background()
	set := types.MetricSet{
		Timestamp: time.Now(),
		Metrics:   []types.Metric{{Name: "cpu", Value: 1, Type: types.MetricTypeGauge}},
	}

	if err := storage.Store(ctx, set); err == nil || !strings.Contains(err.Error(), "not running") {
		t.Errorf("Expected not running error from Store, got %v", err)
	}
	if _, err := storage.Query(ctx, types.Query{MetricName: "cpu"}); err == nil {
		t.Error("Expected error from Query when not running")
	}
	if err := storage.Cleanup(ctx); err == nil {
		t.Error("Expected error from Cleanup when not running")
	}
	if err := storage.StoreScaling(ctx, ScalingRecord{CycleID: "c"}); err == nil {
		t.Error("Expected error from StoreScaling when not running")
	}
}

func TestSQLiteStorageStore(t *testing.T) {
	storage := startedStorage(t, testStorageConfig(t))
	ctx := context.Background()

	if err := storage.Store(ctx, types.MetricSet{Timestamp: time.Now()}); err != nil {
		t.Errorf("Unexpected error storing empty metrics: %v", err)
	}

	now := time.Now()
	metricSet := types.MetricSet{
		Timestamp: now,
		Labels:    map[string]string{"source": "supervisor"},
		Metrics: []types.Metric{
			{Name: "cpu_percent", Value: 42.0, Type: types.MetricTypeGauge, Timestamp: now},
			{Name: "worker_count", Value: 3, Type: types.MetricTypeGauge, Labels: map[string]string{"scope": "live"}},
		},
	}

	if err := storage.Store(ctx, metricSet); err != nil {
		t.Fatalf("Failed to store metrics: %v", err)
	}

	rows, err := storage.DB().QueryContext(ctx,
		`SELECT metric_name, value, metric_type, labels, timestamp FROM metric_samples ORDER BY metric_name`)
	if err != nil {
		t.Fatalf("Failed to query metrics: %v", err)
	}
	defer rows.Close()

	expected := []struct {
		name       string
		value      float64
		metricType string
		labels     map[string]string
	}{
		{"cpu_percent", 42.0, "gauge", map[string]string{"source": "supervisor"}},
		{"worker_count", 3, "gauge", map[string]string{"source": "supervisor", "scope": "live"}},
	}

	i := 0
	for rows.Next() {
		var name, metricType, labelsJSON string
		var value float64
		var ts int64
		if err := rows.Scan(&name, &value, &metricType, &labelsJSON, &ts); err != nil {
			t.Fatalf("Failed to scan row: %v", err)
		}
		if i >= len(expected) {
			t.Fatal("Got more metrics than expected")
		}

		want := expected[i]
		if name != want.name || value != want.value || metricType != want.metricType {
			t.Errorf("Row %d = (%s, %f, %s), want (%s, %f, %s)",
				i, name, value, metricType, want.name, want.value, want.metricType)
		}
		if ts != now.UnixMilli() {
			t.Errorf("Row %d timestamp = %d, want set timestamp %d", i, ts, now.UnixMilli())
		}

		var labels map[string]string
		if err := json.Unmarshal([]byte(labelsJSON), &labels); err != nil {
			t.Errorf("Failed to unmarshal labels: %v", err)
		}
		for key, value := range want.labels {
			if labels[key] != value {
				t.Errorf("Row %d label %s = %q, want %q", i, key, labels[key], value)
			}
		}
		i++
	}

	if i != len(expected) {
		t.Errorf("Expected %d metrics, got %d", len(expected), i)
	}
}

func storeSeries(t *testing.T, storage *SQLiteStorage, name string, base time.Time, values ...float64) {
	t.Helper()
	set := types.MetricSet{Timestamp: base}
	for i, v := range values {
		set.Metrics = append(set.Metrics, types.Metric{
			Name:      name,
			Value:     v,
			Type:      types.MetricTypeGauge,
			Labels:    map[string]string{"source": "supervisor"},
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	if err := storage.Store(context.Background(), set); err != nil {
		t.Fatalf("Failed to store series: %v", err)
	}
}

func TestSQLiteStorageQuery(t *testing.T) {
	storage := startedStorage(t, testStorageConfig(t))
	ctx := context.Background()

	base := time.Now().Add(-time.Minute).Truncate(time.Second)
	storeSeries(t, storage, "cpu_percent", base, 10, 20, 30, 40)
	storeSeries(t, storage, "memory_percent", base, 55)

	tests := []struct {
		name       string
		query      types.Query
		wantValues []float64
	}{
		{
			name:       "all samples oldest first",
			query:      types.Query{MetricName: "cpu_percent"},
			wantValues: []float64{10, 20, 30, 40},
		},
		{
			name:       "limit keeps newest",
			query:      types.Query{MetricName: "cpu_percent", Limit: 2},
			wantValues: []float64{30, 40},
		},
		{
			name:       "time range",
			query:      types.Query{MetricName: "cpu_percent", StartTime: base.Add(time.Second), EndTime: base.Add(2 * time.Second)},
			wantValues: []float64{20, 30},
		},
		{
			name:       "average",
			query:      types.Query{MetricName: "cpu_percent", Aggregation: "avg"},
			wantValues: []float64{25},
		},
		{
			name:       "max",
			query:      types.Query{MetricName: "cpu_percent", Aggregation: "max"},
			wantValues: []float64{40},
		},
		{
			name:       "label filter",
			query:      types.Query{MetricName: "memory_percent", Labels: map[string]string{"source": "supervisor"}},
			wantValues: []float64{55},
		},
		{
			name:       "label mismatch",
			query:      types.Query{MetricName: "memory_percent", Labels: map[string]string{"source": "worker"}},
			wantValues: nil,
		},
		{
			name:       "aggregate over empty range",
			query:      types.Query{MetricName: "unknown", Aggregation: "sum"},
			wantValues: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := storage.Query(ctx, tt.query)
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if len(result.Values) != len(tt.wantValues) {
				t.Fatalf("Expected %d values, got %d: %+v", len(tt.wantValues), len(result.Values), result.Values)
			}
			for i, want := range tt.wantValues {
				if result.Values[i].Value != want {
					t.Errorf("Value %d = %f, want %f", i, result.Values[i].Value, want)
				}
			}
		})
	}
}

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		name        string
		query       types.Query
		contains    []string
		expectError bool
	}{
		{
			name:        "metric name required",
			query:       types.Query{},
			expectError: true,
		},
		{
			name:        "unsupported aggregation",
			query:       types.Query{MetricName: "cpu_percent", Aggregation: "median"},
			expectError: true,
		},
		{
			name:     "raw with limit",
			query:    types.Query{MetricName: "cpu_percent", Limit: 5},
			contains: []string{"ORDER BY timestamp DESC LIMIT ?", "ORDER BY timestamp ASC"},
		},
		{
			name:     "aggregation ignores limit",
			query:    types.Query{MetricName: "cpu_percent", Aggregation: "min", Limit: 5},
			contains: []string{"MIN(value)"},
		},
		{
			name:     "labels are bound parameters",
			query:    types.Query{MetricName: "cpu_percent", Labels: map[string]string{"source": "x'); DROP TABLE events; --"}},
			contains: []string{"JSON_EXTRACT(labels, ?) = ?"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, _, err := buildQuery(tt.query)
			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			for _, fragment := range tt.contains {
				if !strings.Contains(sql, fragment) {
					t.Errorf("Query %q does not contain %q", sql, fragment)
				}
			}
		})
	}
}

func TestSQLiteStorageCleanup(t *testing.T) {
	storage := startedStorage(t, testStorageConfig(t))
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	storage.now = func() time.Time { return now }

	storeSeries(t, storage, "cpu_percent", now.Add(-2*time.Hour), 1)
	storeSeries(t, storage, "cpu_percent", now.Add(-time.Minute), 2)

	for _, record := range []ScalingRecord{
		{CycleID: "old", Timestamp: now.Add(-31 * 24 * time.Hour), Action: "scaleUp", Reason: "r", WorkerCountAfter: 3},
		{CycleID: "new", Timestamp: now.Add(-time.Hour), Action: "scaleDown", Reason: "r", WorkerCountAfter: 2},
	} {
		if err := storage.StoreScaling(ctx, record); err != nil {
			t.Fatalf("StoreScaling failed: %v", err)
		}
	}

	if err := storage.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	result, err := storage.Query(ctx, types.Query{MetricName: "cpu_percent"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Values) != 1 || result.Values[0].Value != 2 {
		t.Errorf("Expected only the recent sample to survive, got %+v", result.Values)
	}

	history, err := storage.ScalingHistory(ctx, HistoryFilter{})
	if err != nil {
		t.Fatalf("ScalingHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].CycleID != "new" {
		t.Errorf("Expected only the recent scaling record to survive, got %+v", history)
	}
}

func TestPoolHealthCheck(t *testing.T) {
	storage := startedStorage(t, testStorageConfig(t))

	storage.pool.performHealthCheck()

	stats := storage.GetPoolStats()
	if stats.HealthChecks != 1 {
		t.Errorf("Expected 1 health check, got %d", stats.HealthChecks)
	}
	if !stats.Healthy() {
		t.Errorf("Expected healthy pool, last error %q", stats.LastHealthError)
	}
}

func BenchmarkStore(b *testing.B) {
	storage := startedStorage(b, testStorageConfig(b))
	ctx := context.Background()

	set := types.MetricSet{
		Timestamp: time.Now(),
		Labels:    map[string]string{"source": "supervisor"},
		Metrics: []types.Metric{
			{Name: "cpu_percent", Value: 50, Type: types.MetricTypeGauge},
			{Name: "memory_percent", Value: 40, Type: types.MetricTypeGauge},
			{Name: "response_time_ms", Value: 80, Type: types.MetricTypeGauge},
			{Name: "request_rate", Value: 12, Type: types.MetricTypeGauge},
			{Name: "worker_count", Value: 4, Type: types.MetricTypeGauge},
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := storage.Store(ctx, set); err != nil {
			b.Fatal(err)
		}
	}
}
