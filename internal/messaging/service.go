// Package messaging defines the pluggable transports that deliver outbound messages to leads and
// report inbound messages and delivery receipts back.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

const (
	// DefaultChannelBufferSize is the buffer of the receipt and inbound channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an event may block on a full channel before it is dropped.
	DefaultChannelTimeout = 1 * time.Second
	// MinRecipientDigits is the shortest phone number accepted as a recipient.
	MinRecipientDigits = 6
)

var (
	ErrServiceStopped = errors.New("messaging service stopped")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
)

// Service is a message transport.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the +E164 form of a recipient.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins background processing such as event subscriptions.
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns delivery receipts.
	Receipts() <-chan models.Receipt

	// Inbound returns messages received from leads.
	Inbound() <-chan models.InboundEvent
}

// canonicalE164 strips formatting from a phone number and returns it as +digits.
func canonicalE164(recipient string) (string, error) {
	if recipient == "" {
		return "", ErrEmptyRecipient
	}
	digits := util.DigitsOnly(recipient)
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < MinRecipientDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", digits, MinRecipientDigits)
	}
	return "+" + digits, nil
}

// eventHub holds the receipt and inbound channels shared by every transport. Emits after Stop are dropped.
type eventHub struct {
	name     string
	mu       sync.RWMutex
	stopped  bool
	receipts chan models.Receipt
	inbound  chan models.InboundEvent
}

func newEventHub(name string) *eventHub {
	return &eventHub{
		name:     name,
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		inbound:  make(chan models.InboundEvent, DefaultChannelBufferSize),
	}
}

func (e *eventHub) Receipts() <-chan models.Receipt {
	return e.receipts
}

func (e *eventHub) Inbound() <-chan models.InboundEvent {
	return e.inbound
}

func (e *eventHub) isStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

// close marks the transport stopped and closes both channels. It is safe to call twice.
func (e *eventHub) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	close(e.receipts)
	close(e.inbound)
	slog.Info(e.name + ".Stop: stopped and channels closed")
}

// The read lock is held while sending so close cannot race a send on a closed channel.
func (e *eventHub) emitReceipt(r models.Receipt) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return
	}
	select {
	case e.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(e.name+".emitReceipt: receipts channel blocked, dropping receipt", "to", r.To, "status", r.Status)
	}
}

func (e *eventHub) emitInbound(evt models.InboundEvent) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		slog.Warn(e.name+".emitInbound: service stopped, dropping message", "from", evt.From)
		return false
	}
	select {
	case e.inbound <- evt:
		slog.Debug(e.name+".emitInbound: inbound message forwarded", "from", evt.From, "messageID", evt.MessageID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(e.name+".emitInbound: inbound channel blocked, dropping message", "from", evt.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

func sentReceipt(to string) models.Receipt {
	return models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()}
}
