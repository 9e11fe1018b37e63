package models

import "strings"

// SendRequest is the payload for a manually triggered outbound message.
type SendRequest struct {
	ConversationID string            `json:"conversation_id"`
	ContactID      string            `json:"contact_id"`
	Content        string            `json:"content"`
	Kind           MessageKind       `json:"message_type,omitempty"` // defaults to session_text
	TemplateName   string            `json:"template_name,omitempty"`
	Vars           map[string]string `json:"vars,omitempty"`
}

// Validate validates a SendRequest and applies the default message kind.
func (r *SendRequest) Validate() error {
	if strings.TrimSpace(r.ConversationID) == "" {
		return ErrInvalidConversationID
	}
	if strings.TrimSpace(r.ContactID) == "" {
		return ErrInvalidContactID
	}
	if r.Kind == "" {
		r.Kind = KindSessionText
	}
	if !IsValidMessageKind(r.Kind) {
		return ErrInvalidMessageKind
	}
	if r.Kind == KindTemplate {
		// Template content is rendered from the registry.
		if r.TemplateName == "" {
			return ErrMissingTemplateName
		}
		return nil
	}
	if r.Content == "" {
		return ErrEmptyContent
	}
	if len(r.Content) > MaxContentLength {
		return ErrContentTooLong
	}
	return nil
}

// Validate checks the identifiers of an inbound message. Empty content is allowed.
func (m *InboundMessage) Validate() error {
	if strings.TrimSpace(m.ProviderMessageID) == "" {
		return ErrInvalidMessageID
	}
	if strings.TrimSpace(m.ConversationID) == "" {
		return ErrInvalidConversationID
	}
	if strings.TrimSpace(m.ContactID) == "" {
		return ErrInvalidContactID
	}
	return nil
}
