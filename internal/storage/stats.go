package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattjoyce/bouncer-worker/internal/monitor"
)

// StatsStore persists finalized process records. It implements monitor.Sink.
type StatsStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewStatsStore wraps an open, bootstrapped database.
func NewStatsStore(db *sql.DB) *StatsStore {
	return &StatsStore{db: db, now: time.Now}
}

// Write inserts one record.
func (s *StatsStore) Write(ctx context.Context, rec monitor.Record) error {
	var startedAt any
	if !rec.Info.DateTime.IsZero() {
		startedAt = rec.Info.DateTime.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO process_stats (
  pid, recorded_at, started_at, owner, model, database_name, queue, file_type, file_size,
  start_memory, max_memory, max_memory_delta, elapsed_ms, return_code
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.PID,
		s.now().UTC().Format(time.RFC3339Nano),
		startedAt,
		rec.Info.Owner,
		rec.Info.Model,
		rec.Info.Database,
		rec.Info.Queue,
		rec.Info.FileType,
		rec.Info.FileSize,
		int64(rec.StartMemory),
		int64(rec.MaxMemory),
		int64(rec.MaxMemoryDelta),
		rec.Elapsed.Milliseconds(),
		rec.ReturnCode,
	)
	if err != nil {
		return fmt.Errorf("insert process stats: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *StatsStore) Recent(ctx context.Context, limit int) ([]monitor.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT pid, started_at, owner, model, database_name, queue, file_type, file_size,
       start_memory, max_memory, max_memory_delta, elapsed_ms, return_code
FROM process_stats
ORDER BY id DESC
LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query process stats: %w", err)
	}
	defer rows.Close()

	var out []monitor.Record
	for rows.Next() {
		var (
			rec                     monitor.Record
			startedAt               sql.NullString
			owner, model, db, queue sql.NullString
			fileType                sql.NullString
			fileSize                sql.NullInt64
			startMem, maxMem, delta int64
			elapsedMS               int64
		)
		if err := rows.Scan(&rec.PID, &startedAt, &owner, &model, &db, &queue, &fileType, &fileSize,
			&startMem, &maxMem, &delta, &elapsedMS, &rec.ReturnCode); err != nil {
			return nil, fmt.Errorf("scan process stats: %w", err)
		}
		if startedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
				rec.Info.DateTime = t
			}
		}
		rec.Info.Owner = owner.String
		rec.Info.Model = model.String
		rec.Info.Database = db.String
		rec.Info.Queue = queue.String
		rec.Info.FileType = fileType.String
		rec.Info.FileSize = fileSize.Int64
		rec.StartMemory = uint64(startMem)
		rec.MaxMemory = uint64(maxMem)
		rec.MaxMemoryDelta = uint64(delta)
		rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ monitor.Sink = (*StatsStore)(nil)
