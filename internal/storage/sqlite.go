package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/config"
	"github.com/cboxdk/worker-autoscaler/internal/types"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	memoryDatabase = ":memory:"

	healthCheckInterval = 30 * time.Second
	healthCheckTimeout  = 5 * time.Second
)

// ConnectionPool manages the database handle and its periodic health check
type ConnectionPool struct {
	db     *sql.DB
	stats  PoolStats
	mu     sync.RWMutex
	logger *zap.Logger
	config config.ConnectionPoolConfig

	stopHealth chan struct{}
	healthDone chan struct{}
}

// PoolStats tracks connection pool state
type PoolStats struct {
	OpenConnections    int
	IdleConnections    int
	WaitCount          int64
	WaitDuration       time.Duration
	HealthChecks       int64
	FailedHealthChecks int64
	LastHealthCheck    time.Time
	LastHealthError    string
}

// Healthy reports whether the most recent health check succeeded.
func (s PoolStats) Healthy() bool {
	return s.LastHealthError == ""
}

var _ types.MetricStore = (*SQLiteStorage)(nil)

// SQLiteStorage persists metric samples, scaling history and events
type SQLiteStorage struct {
	config config.StorageConfig
	logger *zap.Logger
	pool   *ConnectionPool
	now    func() time.Time

	mu       sync.RWMutex
	running  bool
	stopLoop context.CancelFunc
	loopDone chan struct{}

	stmtCache map[string]*sql.Stmt
	stmtMu    sync.RWMutex
}

// NewConnectionPool opens the database and starts the health check
func NewConnectionPool(databasePath string, cfg config.ConnectionPoolConfig, logger *zap.Logger) (*ConnectionPool, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=10000&_synchronous=NORMAL&_temp_store=MEMORY", databasePath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if databasePath == memoryDatabase {
		// Every connection to :memory: is a separate database.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
		cfg.ConnMaxIdleTime = 0
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pool := &ConnectionPool{
		db:         db,
		config:     cfg,
		logger:     logger,
		stats:      PoolStats{LastHealthCheck: time.Now()},
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}

	go pool.healthLoop(healthCheckInterval)

	logger.Info("Connection pool created",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
		zap.Duration("conn_max_lifetime", cfg.ConnMaxLifetime))

	return pool, nil
}

func (p *ConnectionPool) healthLoop(interval time.Duration) {
	defer close(p.healthDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.performHealthCheck()
		}
	}
}

// performHealthCheck pings the database and refreshes pool statistics
func (p *ConnectionPool) performHealthCheck() {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	err := p.db.PingContext(ctx)
	dbStats := p.db.Stats()

	p.mu.Lock()
	p.stats.HealthChecks++
	p.stats.LastHealthCheck = start
	p.stats.OpenConnections = dbStats.OpenConnections
	p.stats.IdleConnections = dbStats.Idle
	p.stats.WaitCount = dbStats.WaitCount
	p.stats.WaitDuration = dbStats.WaitDuration
	if err != nil {
		p.stats.FailedHealthChecks++
		p.stats.LastHealthError = err.Error()
	} else {
		p.stats.LastHealthError = ""
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("Connection pool health check failed", zap.Error(err))
		return
	}

	p.logger.Debug("Connection pool health check completed",
		zap.Duration("duration", time.Since(start)),
		zap.Int("open_connections", dbStats.OpenConnections),
		zap.Int("idle_connections", dbStats.Idle))
}

// GetStats returns current pool statistics
func (p *ConnectionPool) GetStats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Close stops the health check and closes the database
func (p *ConnectionPool) Close() error {
	close(p.stopHealth)
	<-p.healthDone
	return p.db.Close()
}

// NewSQLiteStorage opens (or creates) the database and its schema
func NewSQLiteStorage(cfg config.StorageConfig, logger *zap.Logger) (*SQLiteStorage, error) {
	if cfg.DatabasePath != memoryDatabase {
		dir := filepath.Dir(cfg.DatabasePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	pool, err := NewConnectionPool(cfg.DatabasePath, cfg.ConnectionPool, logger.Named("connection-pool"))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	s := &SQLiteStorage{
		config:    cfg,
		logger:    logger,
		pool:      pool,
		now:       time.Now,
		stmtCache: make(map[string]*sql.Stmt),
	}

	if err := s.initSchema(); err != nil {
		_ = s.pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Start begins the retention cleanup loop
func (s *SQLiteStorage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("storage is already running")
	}
	s.running = true

	s.logger.Info("Starting SQLite storage backend",
		zap.String("database_path", s.config.DatabasePath),
		zap.Duration("cleanup_interval", s.config.Retention.CleanupInterval))

	loopCtx, cancel := context.WithCancel(ctx)
	s.stopLoop = cancel
	s.loopDone = make(chan struct{})
	go s.cleanupLoop(loopCtx, s.loopDone)

	return nil
}

// Stop ends the cleanup loop and closes the database
func (s *SQLiteStorage) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopLoop, loopDone := s.stopLoop, s.loopDone
	s.mu.Unlock()

	s.logger.Info("Stopping SQLite storage backend")

	stopLoop()
	select {
	case <-loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.stmtMu.Lock()
	for query, stmt := range s.stmtCache {
		_ = stmt.Close()
		delete(s.stmtCache, query)
	}
	s.stmtMu.Unlock()

	return s.pool.Close()
}

// Close releases the database without going through Stop. It is a no-op
// while the storage is running.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	return s.pool.Close()
}

// DB returns the underlying database handle
func (s *SQLiteStorage) DB() *sql.DB {
	return s.pool.db
}

// GetPoolStats returns current connection pool statistics
func (s *SQLiteStorage) GetPoolStats() PoolStats {
	return s.pool.GetStats()
}

func (s *SQLiteStorage) checkRunning() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return fmt.Errorf("storage is not running")
	}
	return nil
}

// getOrCreateStmt returns a cached prepared statement or creates a new one
func (s *SQLiteStorage) getOrCreateStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	s.stmtMu.RLock()
	if stmt, exists := s.stmtCache[query]; exists {
		s.stmtMu.RUnlock()
		return stmt, nil
	}
	s.stmtMu.RUnlock()

	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()

	if stmt, exists := s.stmtCache[query]; exists {
		return stmt, nil
	}

	stmt, err := s.pool.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	s.stmtCache[query] = stmt
	return stmt, nil
}

// Store persists one cycle of sampled metrics in a single transaction
func (s *SQLiteStorage) Store(ctx context.Context, metrics types.MetricSet) error {
	if len(metrics.Metrics) == 0 {
		return nil
	}
	if err := s.checkRunning(); err != nil {
		return err
	}

	tx, err := s.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metric_samples (timestamp, metric_name, value, metric_type, labels) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, metric := range metrics.Metrics {
		labels := mergeLabels(metrics.Labels, metric.Labels)
		labelsJSON, err := json.Marshal(labels)
		if err != nil {
			s.logger.Error("Failed to marshal metric labels",
				zap.String("metric", metric.Name),
				zap.Error(err))
			continue
		}

		ts := metric.Timestamp
		if ts.IsZero() {
			ts = metrics.Timestamp
		}

		if _, err := stmt.ExecContext(ctx,
			ts.UnixMilli(),
			metric.Name,
			metric.Value,
			string(metric.Type),
			string(labelsJSON),
		); err != nil {
			return fmt.Errorf("failed to insert metric %s: %w", metric.Name, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("Stored metrics batch",
		zap.Int("total_metrics", len(metrics.Metrics)),
		zap.Int("inserted_metrics", inserted),
		zap.Time("timestamp", metrics.Timestamp))

	return nil
}

func mergeLabels(set, own map[string]string) map[string]string {
	if len(set) == 0 {
		if own == nil {
			return map[string]string{}
		}
		return own
	}
	merged := make(map[string]string, len(set)+len(own))
	for k, v := range set {
		merged[k] = v
	}
	for k, v := range own {
		merged[k] = v
	}
	return merged
}

// Query retrieves samples of one metric. With an aggregation the result is a
// single point stamped with the newest sample in range.
func (s *SQLiteStorage) Query(ctx context.Context, query types.Query) (*types.Result, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}

	sqlQuery, args, err := buildQuery(query)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	s.logger.Debug("Executing query",
		zap.String("sql", sqlQuery),
		zap.Any("args", args))

	rows, err := s.pool.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	dataPoints := []types.DataPoint{}
	for rows.Next() {
		var timestamp sql.NullInt64
		var value sql.NullFloat64

		if err := rows.Scan(&timestamp, &value); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if !timestamp.Valid {
			// Aggregate over an empty range.
			continue
		}

		dataPoints = append(dataPoints, types.DataPoint{
			Timestamp: time.UnixMilli(timestamp.Int64),
			Value:     value.Float64,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return &types.Result{
		MetricName: query.MetricName,
		Labels:     query.Labels,
		Values:     dataPoints,
	}, nil
}

// buildQuery constructs a SQL query from the given query parameters
func buildQuery(query types.Query) (string, []interface{}, error) {
	if query.MetricName == "" {
		return "", nil, fmt.Errorf("metric name is required")
	}

	var column string
	switch query.Aggregation {
	case types.AggregateAvg:
		column = "MAX(timestamp), AVG(value)"
	case types.AggregateSum:
		column = "MAX(timestamp), SUM(value)"
	case types.AggregateMin:
		column = "MAX(timestamp), MIN(value)"
	case types.AggregateMax:
		column = "MAX(timestamp), MAX(value)"
	case types.AggregateNone:
		column = "timestamp, value"
	default:
		return "", nil, fmt.Errorf("unsupported aggregation %q", query.Aggregation)
	}

	where := " FROM metric_samples WHERE metric_name = ?"
	args := []interface{}{query.MetricName}

	if !query.StartTime.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, query.StartTime.UnixMilli())
	}
	if !query.EndTime.IsZero() {
		where += " AND timestamp <= ?"
		args = append(args, query.EndTime.UnixMilli())
	}

	for key, value := range query.Labels {
		where += " AND JSON_EXTRACT(labels, ?) = ?"
		args = append(args, "$."+key, value)
	}

	if query.Aggregation != types.AggregateNone {
		return "SELECT " + column + where, args, nil
	}

	// Newest samples first for the limit, returned oldest first.
	inner := "SELECT " + column + where + " ORDER BY timestamp DESC"
	if query.Limit > 0 {
		inner += " LIMIT ?"
		args = append(args, query.Limit)
	}
	return "SELECT timestamp, value FROM (" + inner + ") ORDER BY timestamp ASC", args, nil
}

// Cleanup removes records older than their retention period
func (s *SQLiteStorage) Cleanup(ctx context.Context) error {
	if err := s.checkRunning(); err != nil {
		return err
	}

	now := s.now()
	targets := []struct {
		table     string
		cutoff    int64
		retention time.Duration
	}{
		{"metric_samples", now.Add(-s.config.Retention.Samples).UnixMilli(), s.config.Retention.Samples},
		{"scaling_history", now.Add(-s.config.Retention.History).UnixNano(), s.config.Retention.History},
		{"events", now.Add(-s.config.Retention.Events).UnixNano(), s.config.Retention.Events},
	}

	for _, target := range targets {
		result, err := s.pool.db.ExecContext(ctx,
			"DELETE FROM "+target.table+" WHERE timestamp < ?", target.cutoff)
		if err != nil {
			return fmt.Errorf("failed to cleanup %s: %w", target.table, err)
		}

		if rowsAffected, err := result.RowsAffected(); err == nil && rowsAffected > 0 {
			s.logger.Info("Cleaned up expired records",
				zap.String("table", target.table),
				zap.Int64("rows_deleted", rowsAffected),
				zap.Duration("retention", target.retention))
		}
	}

	if _, err := s.pool.db.ExecContext(ctx, "VACUUM"); err != nil {
		s.logger.Error("Failed to vacuum database", zap.Error(err))
	}

	return nil
}

// initSchema creates the database schema
func (s *SQLiteStorage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS metric_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL, -- unix milliseconds
		metric_name TEXT NOT NULL,
		value REAL NOT NULL,
		metric_type TEXT NOT NULL,
		labels TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_metric_samples_name_timestamp ON metric_samples(metric_name, timestamp);
	CREATE INDEX IF NOT EXISTS idx_metric_samples_timestamp ON metric_samples(timestamp);

	CREATE TABLE IF NOT EXISTS scaling_history (
		cycle_id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL, -- unix nanoseconds
		action TEXT NOT NULL,
		reason TEXT NOT NULL,
		worker_count_after INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scaling_history_timestamp ON scaling_history(timestamp);
	CREATE INDEX IF NOT EXISTS idx_scaling_history_action ON scaling_history(action);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		timestamp INTEGER NOT NULL, -- unix nanoseconds
		worker_id INTEGER NOT NULL DEFAULT 0,
		summary TEXT NOT NULL,
		details TEXT NOT NULL, -- JSON blob
		correlation_id TEXT,
		severity TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_worker ON events(worker_id);
	CREATE INDEX IF NOT EXISTS idx_events_severity ON events(severity);
	CREATE INDEX IF NOT EXISTS idx_events_correlation_id ON events(correlation_id);
	`

	if _, err := s.pool.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Info("Database schema initialized successfully")
	return nil
}

func (s *SQLiteStorage) cleanupLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Retention.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Cleanup failed", zap.Error(err))
			}
		}
	}
}
