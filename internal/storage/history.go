package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const insertScalingQuery = `
	INSERT OR REPLACE INTO scaling_history (cycle_id, timestamp, action, reason, worker_count_after)
	VALUES (?, ?, ?, ?, ?)
`

// ScalingRecord is one persisted scaling action.
type ScalingRecord struct {
	CycleID          string    `json:"cycle_id"`
	Timestamp        time.Time `json:"timestamp"`
	Action           string    `json:"action"`
	Reason           string    `json:"reason"`
	WorkerCountAfter int       `json:"worker_count_after"`
}

// HistoryFilter selects scaling records. Zero fields match everything.
type HistoryFilter struct {
	Since  time.Time
	Action string
	Limit  int
}

// StoreScaling persists one scaling action. Re-storing a cycle replaces it.
func (s *SQLiteStorage) StoreScaling(ctx context.Context, record ScalingRecord) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	if record.CycleID == "" {
		return fmt.Errorf("scaling record requires a cycle ID")
	}

	stmt, err := s.getOrCreateStmt(ctx, insertScalingQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare scaling insert: %w", err)
	}

	if _, err := stmt.ExecContext(ctx,
		record.CycleID,
		record.Timestamp.UnixNano(),
		record.Action,
		record.Reason,
		record.WorkerCountAfter,
	); err != nil {
		return fmt.Errorf("failed to store scaling record: %w", err)
	}

	s.logger.Debug("Stored scaling record",
		zap.String("cycle_id", record.CycleID),
		zap.String("action", record.Action))
	return nil
}

// ScalingHistory returns matching records, oldest first. With a limit the
// newest records are kept.
func (s *SQLiteStorage) ScalingHistory(ctx context.Context, filter HistoryFilter) ([]ScalingRecord, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}

	inner := "SELECT cycle_id, timestamp, action, reason, worker_count_after FROM scaling_history WHERE 1=1"
	var args []interface{}

	if !filter.Since.IsZero() {
		inner += " AND timestamp >= ?"
		args = append(args, filter.Since.UnixNano())
	}
	if filter.Action != "" {
		inner += " AND action = ?"
		args = append(args, filter.Action)
	}
	inner += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		inner += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.db.QueryContext(ctx, "SELECT * FROM ("+inner+") ORDER BY timestamp ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scaling history: %w", err)
	}
	defer rows.Close()

	records := []ScalingRecord{}
	for rows.Next() {
		var record ScalingRecord
		var timestamp int64
		if err := rows.Scan(&record.CycleID, &timestamp, &record.Action, &record.Reason, &record.WorkerCountAfter); err != nil {
			return nil, fmt.Errorf("failed to scan scaling record: %w", err)
		}
		record.Timestamp = time.Unix(0, timestamp)
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scaling history: %w", err)
	}
	return records, nil
}
