// Package stats delivers finalized process records to the configured sink.
package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/bouncer-worker/internal/config"
	"github.com/mattjoyce/bouncer-worker/internal/log"
	"github.com/mattjoyce/bouncer-worker/internal/monitor"
	"github.com/mattjoyce/bouncer-worker/internal/storage"
)

// LogSink writes each record as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink() *LogSink {
	return &LogSink{logger: log.WithComponent("process_stats")}
}

func (s *LogSink) Write(_ context.Context, rec monitor.Record) error {
	s.logger.Info("process finished",
		"pid", rec.PID,
		"database", rec.Info.Database,
		"model", rec.Info.Model,
		"owner", rec.Info.Owner,
		"queue", rec.Info.Queue,
		"file_type", rec.Info.FileType,
		"file_size", rec.Info.FileSize,
		"max_memory_delta", rec.MaxMemoryDelta,
		"elapsed", rec.Elapsed,
		"return_code", rec.ReturnCode,
	)
	return nil
}

// RedisSink appends JSON-encoded records to a Redis list.
type RedisSink struct {
	client redis.Cmdable
	key    string
}

// NewRedisSink creates a RedisSink on an existing client.
func NewRedisSink(client redis.Cmdable, key string) *RedisSink {
	return &RedisSink{client: client, key: key}
}

func (s *RedisSink) Write(ctx context.Context, rec monitor.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode process record: %w", err)
	}
	if err := s.client.RPush(ctx, s.key, payload).Err(); err != nil {
		return fmt.Errorf("push process record: %w", err)
	}
	return nil
}

// Sink is a monitor.Sink with resources to release.
type Sink interface {
	monitor.Sink
	Close() error
}

type closer struct {
	monitor.Sink
	close func() error
}

func (c closer) Close() error { return c.close() }

// StoreSink is the sqlite sink. It also serves recent records.
type StoreSink struct {
	*storage.StatsStore
	db *sql.DB
}

// Close closes the database.
func (s StoreSink) Close() error { return s.db.Close() }

// Open builds the sink named by process_monitoring.sink.
func Open(ctx context.Context, cfg config.MonitoringConfig) (Sink, error) {
	switch cfg.Sink {
	case "", "log":
		return closer{Sink: NewLogSink(), close: func() error { return nil }}, nil

	case "sqlite":
		db, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return StoreSink{StatsStore: storage.NewStatsStore(db), db: db}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return closer{Sink: NewRedisSink(client, cfg.RedisKey), close: client.Close}, nil
	}
	return nil, fmt.Errorf("unknown process stats sink %q", cfg.Sink)
}
