// Package app wires the engine, policy, templates, scheduler and store into the
// operations exposed to transports and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/policy"
	"github.com/BTreeMap/LeadPipe/internal/scheduler"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/templates"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// App is the orchestrator. Work on a single conversation is serialised; different
// conversations may be processed in parallel.
type App struct {
	store     store.Store
	engine    *flow.Engine
	scheduler *scheduler.Scheduler
	locks     *keyedMutex
	now       func() time.Time
}

// Opts holds configuration for the App.
type Opts struct {
	Clock func() time.Time
}

// Option configures the App.
type Option func(*Opts)

// WithClock overrides the wall clock, used for defaults such as received_at.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// New creates an App on top of st.
func New(st store.Store, opts ...Option) *App {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &App{
		store:     st,
		engine:    flow.NewEngine(st),
		scheduler: scheduler.New(st),
		locks:     newKeyedMutex(),
		now:       cfg.Clock,
	}
}

// ConversationView is a conversation together with its message history.
type ConversationView struct {
	Conversation models.Conversation      `json:"conversation"`
	Inbound      []models.InboundMessage  `json:"inbound"`
	Outbound     []models.OutboundMessage `json:"outbound"`
}

// RegisterContact validates and stores a contact with consent granted.
// Re-registering a contact updates its details but never restores revoked consent.
func (a *App) RegisterContact(ctx context.Context, c models.Contact) (models.Contact, error) {
	if err := c.Validate(); err != nil {
		return models.Contact{}, err
	}
	if c.Timezone == "" {
		c.Timezone = models.DefaultTimezone
	}

	existing, err := a.store.GetContact(c.ID)
	if err != nil {
		return models.Contact{}, fmt.Errorf("failed to load contact %s: %w", c.ID, err)
	}
	c.ConsentGranted = existing == nil || existing.ConsentGranted
	if existing != nil {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = a.now()
	}

	if err := a.store.SaveContact(c); err != nil {
		return models.Contact{}, err
	}
	if existing == nil {
		if err := a.store.RecordAudit(models.AuditEvent{Type: models.AuditConsentGranted, ContactID: c.ID, CreatedAt: a.now()}); err != nil {
			return models.Contact{}, err
		}
	}
	slog.Info("App.RegisterContact: contact registered", "contactID", c.ID, "new", existing == nil, "consent", c.ConsentGranted)
	return c, nil
}

// ReceiveInbound runs one inbound message through the engine and persists the result.
// Replayed provider message IDs return no messages. The message ID is only marked processed
// after the conversation, replies and tasks are stored.
func (a *App) ReceiveInbound(ctx context.Context, in models.InboundMessage) ([]models.OutboundMessage, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = a.now()
	}

	unlock := a.locks.Lock(in.ConversationID)
	defer unlock()

	contact, err := a.requireContact(in.ContactID)
	if err != nil {
		return nil, err
	}
	conv, err := a.conversation(in.ConversationID, contact.ID)
	if err != nil {
		return nil, err
	}
	if err := a.store.SaveInbound(in); err != nil {
		return nil, err
	}

	out, tasks, err := a.engine.ProcessInbound(ctx, conv, in)
	if err != nil {
		return nil, err
	}

	for _, msg := range out {
		if err := a.store.SaveOutbound(msg); err != nil {
			return nil, err
		}
	}
	if err := a.store.EnqueueTasks(tasks); err != nil {
		return nil, err
	}
	// The conversation is saved after its side effects and the ID is committed last, so a failed
	// save leaves the stored state and the ID untouched and a redelivery is processed again.
	if err := a.store.SaveConversation(*conv); err != nil {
		return nil, err
	}
	// The result is already stored, so a commit failure is logged rather than returned.
	fresh, err := a.engine.Commit(in)
	if err != nil {
		slog.Error("App.ReceiveInbound: commit failed", "messageID", in.ProviderMessageID, "error", err)
	} else if !fresh {
		slog.Warn("App.ReceiveInbound: message ID committed concurrently", "messageID", in.ProviderMessageID, "conversationID", conv.ID)
	}

	slog.Info("App.ReceiveInbound: inbound processed", "conversationID", conv.ID, "contactID", contact.ID,
		"messageID", in.ProviderMessageID, "state", conv.State, "replies", len(out), "tasks", len(tasks))
	return out, nil
}

// SendManualMessage sends an operator-authored message, subject to consent and the send policy.
// Template requests are rendered from the template registry.
func (a *App) SendManualMessage(ctx context.Context, req models.SendRequest) (models.OutboundMessage, error) {
	if err := req.Validate(); err != nil {
		return models.OutboundMessage{}, err
	}

	unlock := a.locks.Lock(req.ConversationID)
	defer unlock()

	contact, err := a.requireContact(req.ContactID)
	if err != nil {
		return models.OutboundMessage{}, err
	}
	if !contact.ConsentGranted {
		return models.OutboundMessage{}, ErrConsentRevoked
	}
	conv, err := a.conversation(req.ConversationID, contact.ID)
	if err != nil {
		return models.OutboundMessage{}, err
	}
	// Persist a lazily created conversation even if the send is denied.
	if err := a.store.SaveConversation(*conv); err != nil {
		return models.OutboundMessage{}, err
	}

	content := req.Content
	if req.Kind == models.KindTemplate {
		vars := map[string]string{"first_name": contact.FirstName}
		for k, v := range req.Vars {
			vars[k] = v
		}
		if content, err = templates.Render(req.TemplateName, vars); err != nil {
			return models.OutboundMessage{}, err
		}
	}

	now := a.now()
	decision := policy.EvaluateSend(*conv, contact.LocalTime(now), req.Kind)
	if !decision.Allowed {
		slog.Info("App.SendManualMessage: send blocked by policy", "contactID", contact.ID, "reason", decision.Reason)
		if err := a.store.RecordAudit(models.AuditEvent{
			Type:      models.AuditPolicyBlockedSend,
			ContactID: contact.ID,
			Details:   map[string]string{"reason": decision.Reason},
			CreatedAt: now,
		}); err != nil {
			return models.OutboundMessage{}, err
		}
		return models.OutboundMessage{}, &PolicyDeniedError{Reason: decision.Reason}
	}

	msg := models.OutboundMessage{
		ID:             util.NewMessageID(),
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		Content:        content,
		Kind:           req.Kind,
		CreatedAt:      now,
		DeliveryStatus: models.DeliveryQueued,
	}
	if req.Kind == models.KindTemplate {
		msg.TemplateName = req.TemplateName
	}
	if err := a.store.SaveOutbound(msg); err != nil {
		return models.OutboundMessage{}, err
	}
	slog.Info("App.SendManualMessage: message queued", "id", msg.ID, "conversationID", conv.ID, "kind", msg.Kind)
	return msg, nil
}

// RevokeConsent turns consent off for a contact. Unknown contacts are ignored.
func (a *App) RevokeConsent(ctx context.Context, contactID string) error {
	found, err := a.store.RevokeConsent(contactID)
	if err != nil {
		return err
	}
	if !found {
		slog.Debug("App.RevokeConsent: unknown contact, nothing to do", "contactID", contactID)
		return nil
	}
	if err := a.store.RecordAudit(models.AuditEvent{Type: models.AuditConsentRevoked, ContactID: contactID, CreatedAt: a.now()}); err != nil {
		return err
	}
	slog.Info("App.RevokeConsent: consent revoked", "contactID", contactID)
	return nil
}

// RunScheduler fires every task due at now.
func (a *App) RunScheduler(ctx context.Context, now time.Time) ([]models.OutboundMessage, error) {
	return a.scheduler.FireDue(ctx, now)
}

// Now returns the App's clock reading.
func (a *App) Now() time.Time {
	return a.now()
}

// Contact returns a registered contact.
func (a *App) Contact(ctx context.Context, id string) (*models.Contact, error) {
	return a.requireContact(id)
}

// ContactByAddress finds a contact by its +E164 address.
func (a *App) ContactByAddress(ctx context.Context, e164 string) (*models.Contact, error) {
	c, err := a.store.GetContactByAddress(e164)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrUnknownContact
	}
	return c, nil
}

// Conversation returns a conversation and its messages.
func (a *App) Conversation(ctx context.Context, id string) (*ConversationView, error) {
	conv, err := a.store.GetConversation(id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrUnknownConversation
	}
	inbound, err := a.store.ListInbound(id)
	if err != nil {
		return nil, err
	}
	outbound, err := a.store.ListOutbound(id)
	if err != nil {
		return nil, err
	}
	return &ConversationView{Conversation: *conv, Inbound: inbound, Outbound: outbound}, nil
}

// PendingTasks lists scheduled tasks that have not fired yet.
func (a *App) PendingTasks(ctx context.Context) ([]models.ScheduledTask, error) {
	return a.store.ListTasks()
}

// AuditEvents lists the audit trail in insertion order.
func (a *App) AuditEvents(ctx context.Context) ([]models.AuditEvent, error) {
	return a.store.ListAuditEvents()
}

func (a *App) requireContact(id string) (*models.Contact, error) {
	c, err := a.store.GetContact(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load contact %s: %w", id, err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContact, id)
	}
	return c, nil
}

// conversation loads a conversation or starts a new one. New conversations are saved by the caller.
func (a *App) conversation(id, contactID string) (*models.Conversation, error) {
	conv, err := a.store.GetConversation(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	if conv == nil {
		slog.Debug("App.conversation: starting new conversation", "conversationID", id, "contactID", contactID)
		return models.NewConversation(id, contactID, a.now()), nil
	}
	return conv, nil
}

// IsNotFound reports whether err means a referenced contact or conversation does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownContact) || errors.Is(err, ErrUnknownConversation)
}
