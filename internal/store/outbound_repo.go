package store

import (
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// MaxOutboundAttempts is the number of delivery attempts before a message is marked failed.
const MaxOutboundAttempts = 3

// OutboundRepo defines the delivery queue over persisted outbound messages.
type OutboundRepo interface {
	// ClaimQueuedOutbound marks up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimQueuedOutbound(now time.Time, limit int) ([]models.OutboundMessage, error)

	// MarkOutboundSent marks a message as delivered to the transport.
	MarkOutboundSent(id string) error

	// FailOutbound records a send failure. The message is requeued for nextAttemptAt,
	// or marked failed once MaxOutboundAttempts is reached.
	FailOutbound(id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleSending resets messages stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleSending(staleBefore time.Time) (int, error)
}
