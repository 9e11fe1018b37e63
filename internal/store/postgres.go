// Package store provides storage backends for LeadPipe.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/LeadPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the multi-connection backend. Claims rely on row locks.
type PostgresStore struct {
	sqlStore
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to PostgreSQL and applies the schema.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	db, err := openSQL("postgres", opts, postgresMigrations)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	return &PostgresStore{sqlStore{db: db, bind: rebind, backend: "postgres"}}, nil
}

func (s *PostgresStore) ClaimDueTasks(now time.Time) ([]models.ScheduledTask, error) {
	rows, err := s.db.Query(`DELETE FROM scheduled_tasks WHERE run_at <= $1 RETURNING `+taskColumns, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("claim due tasks failed: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) > 0 {
		slog.Debug("PostgresStore.ClaimDueTasks", "count", len(tasks))
	}
	return tasks, nil
}

func (s *PostgresStore) ClaimQueuedOutbound(now time.Time, limit int) ([]models.OutboundMessage, error) {
	rows, err := s.db.Query(`UPDATE outbound_messages SET delivery_status = 'sending', locked_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM outbound_messages
			WHERE delivery_status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			ORDER BY created_at ASC LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboundColumns, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim queued outbound failed: %w", err)
	}
	return collectOutbound(rows)
}
