// Package store provides storage backends for LeadPipe.
//
// This file implements an SQLite-backed store.
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/LeadPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore keeps all state in a single SQLite file.
type SQLiteStore struct {
	sqlStore
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database file named by the DSN, creating its directory if needed.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if path := sqliteFilePath(cfg.DSN); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := openSQL("sqlite3", opts, sqliteMigrations)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers, so the claim transactions cannot interleave.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{sqlStore{db: db, bind: func(q string) string { return q }, backend: "sqlite"}}, nil
}

// sqliteFilePath returns the filesystem path of a DSN, or "" for in-memory databases.
func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

func (s *SQLiteStore) ClaimDueTasks(now time.Time) ([]models.ScheduledTask, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim tasks begin failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE run_at <= ? ORDER BY run_at ASC, id ASC`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("claim due tasks failed: %w", err)
	}
	due, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}

	claimed := make([]models.ScheduledTask, 0, len(due))
	for _, t := range due {
		res, err := tx.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, t.ID)
		if err != nil {
			return nil, fmt.Errorf("delete claimed task failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, t)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim tasks commit failed: %w", err)
	}
	if len(claimed) > 0 {
		slog.Debug("SQLiteStore.ClaimDueTasks", "count", len(claimed))
	}
	return claimed, nil
}

func (s *SQLiteStore) ClaimQueuedOutbound(now time.Time, limit int) ([]models.OutboundMessage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim outbound begin failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT `+outboundColumns+` FROM outbound_messages
		WHERE delivery_status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim queued outbound failed: %w", err)
	}
	queued, err := collectOutbound(rows)
	if err != nil {
		return nil, err
	}

	claimed := make([]models.OutboundMessage, 0, len(queued))
	for _, m := range queued {
		res, err := tx.Exec(`UPDATE outbound_messages SET delivery_status = 'sending', locked_at = ?, updated_at = ?
			WHERE id = ? AND delivery_status = 'queued'`, now.UTC(), now.UTC(), m.ID)
		if err != nil {
			return nil, fmt.Errorf("mark outbound sending failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			m.DeliveryStatus = models.DeliverySending
			claimed = append(claimed, m)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim outbound commit failed: %w", err)
	}
	return claimed, nil
}
