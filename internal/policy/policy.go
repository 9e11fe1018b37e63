// Package policy decides whether an outbound message may be sent right now.
package policy

import (
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Denial and approval reasons.
const (
	ReasonOK                      = "ok"
	ReasonOutsideSendWindow       = "outside_allowed_send_window"
	ReasonTemplateRequiredOutside = "template_required_outside_24h"
)

// Quiet hours: sends are allowed from SendWindowStart to SendWindowEnd inclusive.
const (
	SendWindowStart = 7 * time.Hour
	SendWindowEnd   = 23 * time.Hour
)

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// EvaluateSend checks quiet hours first, then the 24h service window for session text.
// The time of day is read in now's location, so callers pass now in the contact's zone.
func EvaluateSend(conv models.Conversation, now time.Time, kind models.MessageKind) Decision {
	if !WithinSendWindow(now) {
		return Decision{Allowed: false, Reason: ReasonOutsideSendWindow}
	}
	if kind == models.KindTemplate {
		return Decision{Allowed: true, Reason: ReasonOK}
	}
	if conv.ServiceWindowExpiresAt != nil && !now.After(*conv.ServiceWindowExpiresAt) {
		return Decision{Allowed: true, Reason: ReasonOK}
	}
	return Decision{Allowed: false, Reason: ReasonTemplateRequiredOutside}
}

// WithinSendWindow reports whether the wall-clock time of now lies in 07:00–23:00.
func WithinSendWindow(now time.Time) bool {
	h, m, s := now.Clock()
	sinceMidnight := time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(now.Nanosecond())
	return sinceMidnight >= SendWindowStart && sinceMidnight <= SendWindowEnd
}
