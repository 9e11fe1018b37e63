package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// InMemoryStore keeps everything in process memory. It is safe for concurrent use.
type InMemoryStore struct {
	mu            sync.Mutex
	contacts      map[string]models.Contact
	conversations map[string]models.Conversation
	inbound       []models.InboundMessage
	inboundIDs    map[string]bool
	outbound      []*outboundRecord
	tasks         map[string]models.ScheduledTask
	dedup         map[string]*DedupRecord
	audit         []models.AuditEvent
}

type outboundRecord struct {
	msg      models.OutboundMessage
	lockedAt *time.Time
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		contacts:      make(map[string]models.Contact),
		conversations: make(map[string]models.Conversation),
		inboundIDs:    make(map[string]bool),
		tasks:         make(map[string]models.ScheduledTask),
		dedup:         make(map[string]*DedupRecord),
	}
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (s *InMemoryStore) SaveContact(c models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if existing, ok := s.contacts[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	s.contacts[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetContact(id string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) GetContactByAddress(e164 string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.WhatsAppE164 == e164 {
			c := c
			return &c, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) RevokeConsent(contactID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok {
		return false, nil
	}
	c.ConsentGranted = false
	s.contacts[contactID] = c
	return true, nil
}

func (s *InMemoryStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	c.ServiceWindowExpiresAt = copyTimePtr(c.ServiceWindowExpiresAt)
	return &c, nil
}

func (s *InMemoryStore) SaveConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ServiceWindowExpiresAt = copyTimePtr(c.ServiceWindowExpiresAt)
	s.conversations[c.ID] = c
	return nil
}

func (s *InMemoryStore) SaveInbound(m models.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inboundIDs[m.ProviderMessageID] {
		return nil
	}
	s.inboundIDs[m.ProviderMessageID] = true
	s.inbound = append(s.inbound, m)
	return nil
}

func (s *InMemoryStore) ListInbound(conversationID string) ([]models.InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.InboundMessage
	for _, m := range s.inbound {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveOutbound(m models.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = util.NewMessageID()
	}
	if s.findOutbound(m.ID) != nil {
		return nil
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.DeliveryStatus = models.DeliveryQueued
	m.Attempts = 0
	m.NextAttemptAt = nil
	m.LastError = ""
	s.outbound = append(s.outbound, &outboundRecord{msg: m})
	return nil
}

func (s *InMemoryStore) findOutbound(id string) *outboundRecord {
	for _, r := range s.outbound {
		if r.msg.ID == id {
			return r
		}
	}
	return nil
}

func (s *InMemoryStore) GetOutbound(id string) (*models.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.findOutbound(id)
	if r == nil {
		return nil, nil
	}
	m := r.msg
	m.NextAttemptAt = copyTimePtr(m.NextAttemptAt)
	return &m, nil
}

func (s *InMemoryStore) ListOutbound(conversationID string) ([]models.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OutboundMessage
	for _, r := range s.outbound {
		if r.msg.ConversationID == conversationID {
			m := r.msg
			m.NextAttemptAt = copyTimePtr(m.NextAttemptAt)
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *InMemoryStore) RecordAudit(e models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Details = copyMap(e.Details)
	s.audit = append(s.audit, e)
	return nil
}

func (s *InMemoryStore) ListAuditEvents() ([]models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditEvent, len(s.audit))
	copy(out, s.audit)
	return out, nil
}

// --- DedupRepo ---

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, contactID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, ContactID: contactID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.dedup[messageID]; ok {
		now := time.Now()
		r.ProcessedAt = &now
	}
	return nil
}

// --- TaskRepo ---

func (s *InMemoryStore) EnqueueTasks(tasks []models.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = util.NewTaskID()
		}
		if _, ok := s.tasks[t.ID]; ok {
			continue
		}
		t.Payload = copyMap(t.Payload)
		s.tasks[t.ID] = t
	}
	return nil
}

func sortTasks(tasks []models.ScheduledTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].RunAt.Equal(tasks[j].RunAt) {
			return tasks[i].RunAt.Before(tasks[j].RunAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func (s *InMemoryStore) ClaimDueTasks(now time.Time) ([]models.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.ScheduledTask
	for id, t := range s.tasks {
		if !t.RunAt.After(now) {
			due = append(due, t)
			delete(s.tasks, id)
		}
	}
	sortTasks(due)
	return due, nil
}

func (s *InMemoryStore) ListTasks() ([]models.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.Payload = copyMap(t.Payload)
		out = append(out, t)
	}
	sortTasks(out)
	return out, nil
}

// --- OutboundRepo ---

func (s *InMemoryStore) ClaimQueuedOutbound(now time.Time, limit int) ([]models.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []models.OutboundMessage
	for _, r := range s.outbound {
		if len(claimed) >= limit {
			break
		}
		if r.msg.DeliveryStatus != models.DeliveryQueued {
			continue
		}
		if r.msg.NextAttemptAt != nil && r.msg.NextAttemptAt.After(now) {
			continue
		}
		r.msg.DeliveryStatus = models.DeliverySending
		locked := now
		r.lockedAt = &locked
		claimed = append(claimed, r.msg)
	}
	return claimed, nil
}

func (s *InMemoryStore) MarkOutboundSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.findOutbound(id); r != nil {
		r.msg.DeliveryStatus = models.DeliverySent
		r.lockedAt = nil
	}
	return nil
}

func (s *InMemoryStore) FailOutbound(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.findOutbound(id)
	if r == nil {
		return nil
	}
	r.msg.Attempts++
	r.msg.LastError = errMsg
	next := nextAttemptAt
	r.msg.NextAttemptAt = &next
	r.lockedAt = nil
	if r.msg.Attempts >= MaxOutboundAttempts {
		r.msg.DeliveryStatus = models.DeliveryFailed
	} else {
		r.msg.DeliveryStatus = models.DeliveryQueued
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.outbound {
		if r.msg.DeliveryStatus == models.DeliverySending && r.lockedAt != nil && r.lockedAt.Before(staleBefore) {
			r.msg.DeliveryStatus = models.DeliveryQueued
			r.lockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }
