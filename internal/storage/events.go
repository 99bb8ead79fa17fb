package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/config"
	"github.com/cboxdk/worker-autoscaler/internal/telemetry"
	"go.uber.org/zap"
)

const insertEventQuery = `
	INSERT INTO events (id, type, timestamp, worker_id, summary, details, correlation_id, severity)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

// EventStorage implements telemetry.EventStorage on the SQLite backend
type EventStorage struct {
	store  *SQLiteStorage
	logger *zap.Logger
}

// EventStats summarizes the stored events
type EventStats struct {
	TotalEvents  int64            `json:"total_events"`
	EventsByType map[string]int64 `json:"events_by_type"`
	OldestEvent  *time.Time       `json:"oldest_event,omitempty"`
	NewestEvent  *time.Time       `json:"newest_event,omitempty"`
}

// NewEventStorage creates a new event storage instance
func NewEventStorage(store *SQLiteStorage, logger *zap.Logger) *EventStorage {
	return &EventStorage{
		store:  store,
		logger: logger,
	}
}

// StoreEvent stores an event in the database
func (s *EventStorage) StoreEvent(ctx context.Context, event telemetry.Event) error {
	if err := s.store.checkRunning(); err != nil {
		return err
	}

	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}

	stmt, err := s.store.getOrCreateStmt(ctx, insertEventQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}

	_, err = stmt.ExecContext(ctx,
		event.ID,
		string(event.Type),
		event.Timestamp.UnixNano(),
		event.WorkerID,
		event.Summary,
		string(detailsJSON),
		event.CorrelationID,
		string(event.Severity),
	)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}

	s.logger.Debug("Event stored successfully",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)))

	return nil
}

// GetEvents retrieves events matching the filter, newest first
func (s *EventStorage) GetEvents(ctx context.Context, filter telemetry.EventFilter) ([]telemetry.Event, error) {
	if err := s.store.checkRunning(); err != nil {
		return nil, err
	}

	query, args := buildEventQuery(filter)

	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []telemetry.Event{}
	for rows.Next() {
		var (
			event         telemetry.Event
			timestamp     int64
			detailsJSON   string
			eventType     string
			severity      string
			correlationID sql.NullString
		)

		err := rows.Scan(
			&event.ID,
			&eventType,
			&timestamp,
			&event.WorkerID,
			&event.Summary,
			&detailsJSON,
			&correlationID,
			&severity,
		)
		if err != nil {
			s.logger.Error("Failed to scan event row", zap.Error(err))
			continue
		}

		event.Type = telemetry.EventType(eventType)
		event.Severity = telemetry.EventSeverity(severity)
		event.Timestamp = time.Unix(0, timestamp)
		if correlationID.Valid {
			event.CorrelationID = correlationID.String
		}

		if err := json.Unmarshal([]byte(detailsJSON), &event.Details); err != nil {
			s.logger.Error("Failed to unmarshal event details",
				zap.String("event_id", event.ID),
				zap.Error(err))
			event.Details = make(map[string]interface{})
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}

	return events, nil
}

// buildEventQuery constructs a SQL query with filters
func buildEventQuery(filter telemetry.EventFilter) (string, []interface{}) {
	query := `
		SELECT id, type, timestamp, worker_id, summary, details, correlation_id, severity
		FROM events
		WHERE 1=1
	`
	var args []interface{}

	if !filter.StartTime.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime.UnixNano())
	}
	if !filter.EndTime.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime.UnixNano())
	}
	if filter.WorkerID != 0 {
		query += " AND worker_id = ?"
		args = append(args, filter.WorkerID)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}

	query += " ORDER BY timestamp DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = config.DefaultEventQueryLimit
	}
	if limit > config.MaxEventQueryLimit {
		limit = config.MaxEventQueryLimit
	}
	query += " LIMIT ?"
	args = append(args, limit)

	return query, args
}

// GetEventStats returns statistics about stored events
func (s *EventStorage) GetEventStats(ctx context.Context) (EventStats, error) {
	stats := EventStats{EventsByType: make(map[string]int64)}
	if err := s.store.checkRunning(); err != nil {
		return stats, err
	}

	db := s.store.DB()
	rows, err := db.QueryContext(ctx, `SELECT type, COUNT(*) FROM events GROUP BY type`)
	if err != nil {
		return stats, fmt.Errorf("failed to get event counts by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			continue
		}
		stats.EventsByType[eventType] = count
		stats.TotalEvents += count
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("error iterating event counts: %w", err)
	}
	_ = rows.Close()

	var oldest, newest sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MIN(timestamp), MAX(timestamp) FROM events").
		Scan(&oldest, &newest); err != nil {
		return stats, fmt.Errorf("failed to get event timestamp range: %w", err)
	}
	if oldest.Valid {
		t := time.Unix(0, oldest.Int64)
		stats.OldestEvent = &t
	}
	if newest.Valid {
		t := time.Unix(0, newest.Int64)
		stats.NewestEvent = &t
	}

	return stats, nil
}
