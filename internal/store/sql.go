package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// openSQL opens driver with the DSN from opts, checks the connection and runs the schema.
func openSQL(driver string, opts []Option, schema string) (*sql.DB, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%s: database DSN not set", driver)
	}
	slog.Debug("store.openSQL: opening database", "driver", driver)

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		slog.Error("store.openSQL: ping failed", "driver", driver, "error", err)
		return nil, fmt.Errorf("failed to reach %s database: %w", driver, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		slog.Error("store.openSQL: migrations failed", "driver", driver, "error", err)
		return nil, fmt.Errorf("failed to run %s migrations: %w", driver, err)
	}
	slog.Debug("store.openSQL: migrations applied", "driver", driver)
	return db, nil
}

// sqlStore implements the queries shared by the SQLite and Postgres backends.
// Queries are written with ? placeholders and passed through bind.
type sqlStore struct {
	db      *sql.DB
	bind    func(string) string
	backend string
}

func (s *sqlStore) exec(query string, args ...interface{}) (sql.Result, error) {
	return s.db.Exec(s.bind(query), args...)
}

func (s *sqlStore) query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.Query(s.bind(query), args...)
}

func (s *sqlStore) queryRow(query string, args ...interface{}) *sql.Row {
	return s.db.QueryRow(s.bind(query), args...)
}

func (s *sqlStore) SaveContact(c models.Contact) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.exec(`INSERT INTO contacts (id, whatsapp_e164, first_name, timezone, consent_granted, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET whatsapp_e164 = excluded.whatsapp_e164, first_name = excluded.first_name,
			timezone = excluded.timezone, consent_granted = excluded.consent_granted`,
		c.ID, c.WhatsAppE164, c.FirstName, c.Timezone, c.ConsentGranted, c.CreatedAt.UTC())
	if err != nil {
		slog.Error("sqlStore.SaveContact failed", "backend", s.backend, "error", err, "contactID", c.ID)
		return fmt.Errorf("failed to save contact %s: %w", c.ID, err)
	}
	slog.Debug("sqlStore.SaveContact succeeded", "backend", s.backend, "contactID", c.ID)
	return nil
}

func (s *sqlStore) getContact(where string, arg string) (*models.Contact, error) {
	c, err := scanContact(s.queryRow(`SELECT `+contactColumns+` FROM contacts WHERE `+where+` = ?`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact by %s: %w", where, err)
	}
	return &c, nil
}

func (s *sqlStore) GetContact(id string) (*models.Contact, error) {
	return s.getContact("id", id)
}

func (s *sqlStore) GetContactByAddress(e164 string) (*models.Contact, error) {
	return s.getContact("whatsapp_e164", e164)
}

func (s *sqlStore) RevokeConsent(contactID string) (bool, error) {
	res, err := s.exec(`UPDATE contacts SET consent_granted = ? WHERE id = ?`, false, contactID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke consent for %s: %w", contactID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke consent rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) GetConversation(id string) (*models.Conversation, error) {
	c, err := scanConversation(s.queryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *sqlStore) SaveConversation(c models.Conversation) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	_, err := s.exec(`INSERT INTO conversations (id, contact_id, state, status, owner, service_window_expires_at,
			ads_running, monthly_leads_bucket, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET state = excluded.state, status = excluded.status, owner = excluded.owner,
			service_window_expires_at = excluded.service_window_expires_at, ads_running = excluded.ads_running,
			monthly_leads_bucket = excluded.monthly_leads_bucket, updated_at = excluded.updated_at`,
		c.ID, c.ContactID, c.State, c.Status, c.Owner, nullableTime(c.ServiceWindowExpiresAt),
		c.AdsRunning, c.MonthlyLeadsBucket, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		slog.Error("sqlStore.SaveConversation failed", "backend", s.backend, "error", err, "conversationID", c.ID)
		return fmt.Errorf("failed to save conversation %s: %w", c.ID, err)
	}
	slog.Debug("sqlStore.SaveConversation succeeded", "backend", s.backend, "conversationID", c.ID, "state", c.State)
	return nil
}

func (s *sqlStore) SaveInbound(m models.InboundMessage) error {
	_, err := s.exec(`INSERT INTO inbound_messages (provider_message_id, conversation_id, contact_id, content, received_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (provider_message_id) DO NOTHING`,
		m.ProviderMessageID, m.ConversationID, m.ContactID, m.Content, m.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save inbound message %s: %w", m.ProviderMessageID, err)
	}
	return nil
}

func (s *sqlStore) ListInbound(conversationID string) ([]models.InboundMessage, error) {
	rows, err := s.query(`SELECT provider_message_id, conversation_id, contact_id, content, received_at
		FROM inbound_messages WHERE conversation_id = ? ORDER BY received_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query inbound messages: %w", err)
	}
	defer rows.Close()
	var msgs []models.InboundMessage
	for rows.Next() {
		var m models.InboundMessage
		if err := rows.Scan(&m.ProviderMessageID, &m.ConversationID, &m.ContactID, &m.Content, &m.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan inbound message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate inbound messages: %w", err)
	}
	return msgs, nil
}

func (s *sqlStore) SaveOutbound(m models.OutboundMessage) error {
	if m.ID == "" {
		m.ID = util.NewMessageID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.exec(`INSERT INTO outbound_messages (id, conversation_id, contact_id, content, kind, template_name,
			delivery_status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', 0, ?, ?) ON CONFLICT (id) DO NOTHING`,
		m.ID, m.ConversationID, m.ContactID, m.Content, m.Kind, nilIfEmpty(m.TemplateName),
		m.CreatedAt.UTC(), time.Now().UTC())
	if err != nil {
		slog.Error("sqlStore.SaveOutbound failed", "backend", s.backend, "error", err, "id", m.ID)
		return fmt.Errorf("failed to save outbound message %s: %w", m.ID, err)
	}
	slog.Debug("sqlStore.SaveOutbound succeeded", "backend", s.backend, "id", m.ID, "kind", m.Kind)
	return nil
}

func (s *sqlStore) GetOutbound(id string) (*models.OutboundMessage, error) {
	m, err := scanOutbound(s.queryRow(`SELECT `+outboundColumns+` FROM outbound_messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbound message %s: %w", id, err)
	}
	return &m, nil
}

func (s *sqlStore) ListOutbound(conversationID string) ([]models.OutboundMessage, error) {
	rows, err := s.query(`SELECT `+outboundColumns+` FROM outbound_messages
		WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbound messages: %w", err)
	}
	return collectOutbound(rows)
}

func (s *sqlStore) RecordAudit(e models.AuditEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	details, err := encodeMap(e.Details)
	if err != nil {
		return err
	}
	_, err = s.exec(`INSERT INTO audit_events (event_type, contact_id, details_json, created_at) VALUES (?, ?, ?, ?)`,
		e.Type, e.ContactID, details, e.CreatedAt.UTC())
	if err != nil {
		slog.Error("sqlStore.RecordAudit failed", "backend", s.backend, "error", err, "type", e.Type)
		return fmt.Errorf("failed to record audit event %s: %w", e.Type, err)
	}
	return nil
}

func (s *sqlStore) ListAuditEvents() ([]models.AuditEvent, error) {
	rows, err := s.query(`SELECT event_type, contact_id, details_json, created_at FROM audit_events ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()
	var events []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var details sql.NullString
		if err := rows.Scan(&e.Type, &e.ContactID, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if e.Details, err = decodeMap(details); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return events, nil
}

// --- DedupRepo ---

func (s *sqlStore) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.queryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *sqlStore) RecordInbound(messageID, contactID string) (bool, error) {
	result, err := s.exec(
		`INSERT INTO inbound_dedup (message_id, contact_id, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`,
		messageID, contactID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(messageID string) error {
	_, err := s.exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// --- TaskRepo (claims are backend specific) ---

func (s *sqlStore) EnqueueTasks(tasks []models.ScheduledTask) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("enqueue tasks begin failed: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = util.NewTaskID()
		}
		payload, err := encodeMap(t.Payload)
		if err != nil {
			return err
		}
		_, err = tx.Exec(s.bind(`INSERT INTO scheduled_tasks (id, conversation_id, task_type, run_at, payload_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
			t.ID, t.ConversationID, t.Type, t.RunAt.UTC(), payload, now)
		if err != nil {
			return fmt.Errorf("enqueue task %s failed: %w", t.Type, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("enqueue tasks commit failed: %w", err)
	}
	slog.Debug("sqlStore.EnqueueTasks succeeded", "backend", s.backend, "count", len(tasks))
	return nil
}

func (s *sqlStore) ListTasks() ([]models.ScheduledTask, error) {
	rows, err := s.query(`SELECT ` + taskColumns + ` FROM scheduled_tasks ORDER BY run_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks failed: %w", err)
	}
	return collectTasks(rows)
}

// --- OutboundRepo (claims are backend specific) ---

func (s *sqlStore) MarkOutboundSent(id string) error {
	_, err := s.exec(`UPDATE outbound_messages SET delivery_status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark outbound sent failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailOutbound(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.exec(`UPDATE outbound_messages SET
			delivery_status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'queued' END,
			attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		WHERE id = ?`,
		MaxOutboundAttempts, errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("fail outbound failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	res, err := s.exec(`UPDATE outbound_messages SET delivery_status = 'queued', locked_at = NULL, updated_at = ?
		WHERE delivery_status = 'sending' AND locked_at < ?`, time.Now().UTC(), staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale rows affected check failed: %w", err)
	}
	return int(n), nil
}

func (s *sqlStore) Close() error {
	slog.Debug("sqlStore.Close: closing database connection", "backend", s.backend)
	err := s.db.Close()
	if err != nil {
		slog.Error("sqlStore.Close: failed to close database", "backend", s.backend, "error", err)
	}
	return err
}
