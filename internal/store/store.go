// Package store provides storage backends for LeadPipe.
//
// It includes an in-memory store, an SQLite store and a PostgreSQL store behind a single
// Store interface. Store methods report a missing record as (nil, nil).
package store

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Store persists contacts, conversations, messages, scheduled tasks and audit events.
type Store interface {
	DedupRepo
	TaskRepo
	OutboundRepo

	// SaveContact inserts or replaces a contact.
	SaveContact(c models.Contact) error
	GetContact(id string) (*models.Contact, error)
	// GetContactByAddress finds a contact by its +E164 address.
	GetContactByAddress(e164 string) (*models.Contact, error)
	// RevokeConsent clears the consent flag. It reports false for an unknown contact.
	RevokeConsent(contactID string) (bool, error)

	GetConversation(id string) (*models.Conversation, error)
	SaveConversation(c models.Conversation) error

	// SaveInbound logs an inbound message. Repeated provider message IDs are ignored.
	SaveInbound(m models.InboundMessage) error
	ListInbound(conversationID string) ([]models.InboundMessage, error)
	// SaveOutbound persists a new outbound message in the queued state. An ID already stored is
	// left unchanged.
	SaveOutbound(m models.OutboundMessage) error
	GetOutbound(id string) (*models.OutboundMessage, error)
	ListOutbound(conversationID string) ([]models.OutboundMessage, error)

	RecordAudit(e models.AuditEvent) error
	ListAuditEvents() ([]models.AuditEvent, error)

	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// DetectDSNType guesses the database driver from a DSN.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// New opens the backend selected by the configured DSN. An empty DSN yields an in-memory store.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("store.New: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(cfg.DSN) {
	case DSNTypePostgres:
		slog.Debug("store.New: using Postgres store")
		return NewPostgresStore(opts...)
	default:
		slog.Debug("store.New: using SQLite store")
		return NewSQLiteStore(opts...)
	}
}
