// Package models defines the core data structures for LeadPipe.
//
// It includes contacts, conversations, inbound/outbound messages, scheduled tasks and
// audit events, which are shared across the engine, scheduler, stores and API.
package models

import (
	"errors"
	"strings"
	"time"
	_ "time/tzdata" // contacts carry IANA zones; do not depend on the host zoneinfo
)

// DefaultTimezone is used for contacts registered without an explicit zone.
const DefaultTimezone = "Europe/Berlin"

// Validation constants for input validation
const (
	// MaxContentLength defines the maximum allowed length for outbound message content
	MaxContentLength = 4096
	// MaxFirstNameLength defines the maximum allowed length for a contact's first name
	MaxFirstNameLength = 100
)

// Error variables for better error handling and testability
var (
	ErrInvalidContactID      = errors.New("contact_id is required")
	ErrInvalidE164           = errors.New("whatsapp_e164 must be a + followed by digits")
	ErrInvalidFirstName      = errors.New("first_name is required")
	ErrFirstNameTooLong      = errors.New("first_name exceeds maximum length")
	ErrInvalidTimezone       = errors.New("invalid timezone")
	ErrInvalidConversationID = errors.New("conversation_id is required")
	ErrInvalidMessageID      = errors.New("provider_message_id is required")
	ErrEmptyContent          = errors.New("content is required")
	ErrContentTooLong        = errors.New("content exceeds maximum length")
	ErrInvalidMessageKind    = errors.New("invalid message_type")
	ErrMissingTemplateName   = errors.New("template_name is required for template messages")
)

// ConversationState is the position of a conversation in the qualification flow.
type ConversationState string

const (
	StateAwaitingConsentAck ConversationState = "awaiting_consent_ack"
	StateAwaitingAds        ConversationState = "awaiting_ads"
	StateAwaitingLeads      ConversationState = "awaiting_leads"
	StateClosed             ConversationState = "closed"
	StateHandover           ConversationState = "handover"
)

// ConversationStatus is the qualification outcome of a conversation.
type ConversationStatus string

const (
	StatusOpen         ConversationStatus = "open"
	StatusQualified    ConversationStatus = "qualified"
	StatusDisqualified ConversationStatus = "disqualified"
	StatusHandover     ConversationStatus = "handover"
)

// ConversationOwner tells who is answering the contact.
type ConversationOwner string

const (
	OwnerBot   ConversationOwner = "bot"
	OwnerHuman ConversationOwner = "human"
)

// AdsRunning records the answer to the ads question.
type AdsRunning string

const (
	AdsUnknown AdsRunning = "unknown"
	AdsYes     AdsRunning = "yes"
	AdsNo      AdsRunning = "no"
)

// LeadsBucket is the coarse monthly lead volume reported by the contact.
type LeadsBucket string

const (
	LeadsUnknown  LeadsBucket = "unknown"
	LeadsUnder100 LeadsBucket = "<100"
	Leads100To300 LeadsBucket = "100-300"
	LeadsOver300  LeadsBucket = "300+"
)

// MessageKind distinguishes free-form session text from pre-approved templates.
type MessageKind string

const (
	KindSessionText MessageKind = "session_text"
	KindTemplate    MessageKind = "template"
)

// IsValidMessageKind checks if the given message kind is supported.
func IsValidMessageKind(k MessageKind) bool {
	return k == KindSessionText || k == KindTemplate
}

// DeliveryStatus is the transport lifecycle of a persisted outbound message.
type DeliveryStatus string

const (
	DeliveryQueued  DeliveryStatus = "queued"
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// TaskType identifies a scheduled follow-up or reminder.
type TaskType string

const (
	TaskNudge30m    TaskType = "nudge_30m"
	TaskFollowup24h TaskType = "followup_24h"
	TaskFollowup48h TaskType = "followup_48h"
	TaskReminder22h TaskType = "reminder_22h"
	TaskReminder55m TaskType = "reminder_55m"
	TaskReminder5m  TaskType = "reminder_5m"
)

// AuditEventType names a compliance-relevant event.
type AuditEventType string

const (
	AuditConsentGranted    AuditEventType = "consent_granted"
	AuditConsentRevoked    AuditEventType = "consent_revoked"
	AuditPolicyBlockedSend AuditEventType = "policy_blocked_send"
)

// Contact is a lead reachable over WhatsApp.
type Contact struct {
	ID             string    `json:"contact_id"`
	WhatsAppE164   string    `json:"whatsapp_e164"`
	FirstName      string    `json:"first_name"`
	Timezone       string    `json:"timezone"`
	ConsentGranted bool      `json:"consent_granted"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks the required contact fields and the timezone, if set.
func (c *Contact) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return ErrInvalidContactID
	}
	if !IsValidE164(c.WhatsAppE164) {
		return ErrInvalidE164
	}
	if strings.TrimSpace(c.FirstName) == "" {
		return ErrInvalidFirstName
	}
	if len(c.FirstName) > MaxFirstNameLength {
		return ErrFirstNameTooLong
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return ErrInvalidTimezone
		}
	}
	return nil
}

// LocalTime returns t in the contact's timezone. An unknown zone leaves t unchanged.
func (c Contact) LocalTime(t time.Time) time.Time {
	tz := c.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return t
	}
	return t.In(loc)
}

// IsValidE164 reports whether s looks like +<digits>.
func IsValidE164(s string) bool {
	if len(s) < 2 || s[0] != '+' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Conversation is the per-lead qualification state.
type Conversation struct {
	ID                     string             `json:"conversation_id"`
	ContactID              string             `json:"contact_id"`
	State                  ConversationState  `json:"state"`
	Status                 ConversationStatus `json:"status"`
	Owner                  ConversationOwner  `json:"owner"`
	ServiceWindowExpiresAt *time.Time         `json:"service_window_expires_at,omitempty"`
	AdsRunning             AdsRunning         `json:"ads_running"`
	MonthlyLeadsBucket     LeadsBucket        `json:"monthly_leads_bucket"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// NewConversation returns a conversation in its initial state.
func NewConversation(id, contactID string, now time.Time) *Conversation {
	return &Conversation{
		ID:                 id,
		ContactID:          contactID,
		State:              StateAwaitingConsentAck,
		Status:             StatusOpen,
		Owner:              OwnerBot,
		AdsRunning:         AdsUnknown,
		MonthlyLeadsBucket: LeadsUnknown,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// InboundMessage is a single message received from a contact.
type InboundMessage struct {
	ProviderMessageID string    `json:"provider_message_id"`
	ConversationID    string    `json:"conversation_id"`
	ContactID         string    `json:"contact_id"`
	Content           string    `json:"content"`
	ReceivedAt        time.Time `json:"received_at"`
}

// OutboundMessage is a message the bot wants to deliver. Delivery fields are owned by the
// outbound sender.
type OutboundMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	ContactID      string         `json:"contact_id"`
	Content        string         `json:"content"`
	Kind           MessageKind    `json:"message_type"`
	TemplateName   string         `json:"template_name,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	Attempts       int            `json:"attempts"`
	NextAttemptAt  *time.Time     `json:"next_attempt_at,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
}

// ScheduledTask is a one-shot follow-up or reminder. It is removed when it fires.
type ScheduledTask struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Type           TaskType          `json:"task_type"`
	RunAt          time.Time         `json:"run_at"`
	Payload        map[string]string `json:"payload,omitempty"`
}

// AuditEvent records consent changes and blocked sends.
type AuditEvent struct {
	Type      AuditEventType    `json:"event_type"`
	ContactID string            `json:"contact_id"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// MessageStatus represents the delivery status of a message as reported by a transport.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// InboundEvent is a message received by a transport, before it is matched to a contact.
type InboundEvent struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	Time      time.Time `json:"time"`
}
