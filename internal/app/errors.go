package app

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownContact is returned when an operation names a contact that was never registered.
	ErrUnknownContact = errors.New("unknown contact")
	// ErrConsentRevoked is returned when sending to a contact that revoked consent.
	ErrConsentRevoked = errors.New("consent revoked")
	// ErrUnknownConversation is returned when inspecting a conversation that does not exist.
	ErrUnknownConversation = errors.New("unknown conversation")
)

// PolicyDeniedError reports a send rejected by the send policy.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("send blocked by policy: %s", e.Reason)
}
