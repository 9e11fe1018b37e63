package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime converts an optional time to a UTC column value.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// encodeMap stores string maps as JSON text. Empty maps are stored as NULL.
func encodeMap(m map[string]string) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode map failed: %w", err)
	}
	return string(b), nil
}

func decodeMap(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("decode map failed: %w", err)
	}
	return m, nil
}

// rebind rewrites ? placeholders into $1, $2, ... for PostgreSQL.
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const contactColumns = `id, whatsapp_e164, first_name, timezone, consent_granted, created_at`

func scanContact(row rowScanner) (models.Contact, error) {
	var c models.Contact
	err := row.Scan(&c.ID, &c.WhatsAppE164, &c.FirstName, &c.Timezone, &c.ConsentGranted, &c.CreatedAt)
	return c, err
}

const conversationColumns = `id, contact_id, state, status, owner, service_window_expires_at,
	ads_running, monthly_leads_bucket, created_at, updated_at`

func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var expires sql.NullTime
	err := row.Scan(&c.ID, &c.ContactID, &c.State, &c.Status, &c.Owner, &expires,
		&c.AdsRunning, &c.MonthlyLeadsBucket, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.ServiceWindowExpiresAt = timePtr(expires)
	return c, nil
}

const outboundColumns = `id, conversation_id, contact_id, content, kind, template_name, delivery_status,
	attempts, next_attempt_at, last_error, created_at`

// scanOutbound scans an OutboundMessage.
func scanOutbound(row rowScanner) (models.OutboundMessage, error) {
	var m models.OutboundMessage
	var templateName, lastError sql.NullString
	var nextAttemptAt sql.NullTime
	err := row.Scan(&m.ID, &m.ConversationID, &m.ContactID, &m.Content, &m.Kind, &templateName,
		&m.DeliveryStatus, &m.Attempts, &nextAttemptAt, &lastError, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	m.TemplateName = templateName.String
	m.LastError = lastError.String
	m.NextAttemptAt = timePtr(nextAttemptAt)
	return m, nil
}

const taskColumns = `id, conversation_id, task_type, run_at, payload_json`

// scanTask scans a ScheduledTask.
func scanTask(row rowScanner) (models.ScheduledTask, error) {
	var t models.ScheduledTask
	var payload sql.NullString
	if err := row.Scan(&t.ID, &t.ConversationID, &t.Type, &t.RunAt, &payload); err != nil {
		return t, fmt.Errorf("scan task failed: %w", err)
	}
	m, err := decodeMap(payload)
	if err != nil {
		return t, err
	}
	t.Payload = m
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]models.ScheduledTask, error) {
	defer rows.Close()
	var tasks []models.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task iteration failed: %w", err)
	}
	return tasks, nil
}

func collectOutbound(rows *sql.Rows) ([]models.OutboundMessage, error) {
	defer rows.Close()
	var msgs []models.OutboundMessage
	for rows.Next() {
		m, err := scanOutbound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbound message failed: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbound iteration failed: %w", err)
	}
	return msgs, nil
}
