package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// OutboundSendFunc performs the actual transport send for a claimed message.
type OutboundSendFunc func(ctx context.Context, msg models.OutboundMessage) error

// OutboundSender periodically claims queued outbound messages and hands them to a transport.
type OutboundSender struct {
	repo           OutboundRepo
	sendFunc       OutboundSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	now            func() time.Time
}

// NewOutboundSender creates a new OutboundSender.
func NewOutboundSender(repo OutboundRepo, sendFunc OutboundSendFunc, pollInterval time.Duration) *OutboundSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboundSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		now:            time.Now,
	}
}

// RecoverStaleMessages requeues messages stuck in sending state after a crash.
// Should be called once at startup.
func (s *OutboundSender) RecoverStaleMessages() error {
	n, err := s.repo.RequeueStaleSending(s.now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboundSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboundSender) Run(ctx context.Context) {
	slog.Info("OutboundSender.Run: starting outbound sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboundSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims one batch of queued messages and attempts to send each of them.
// It returns the number of messages sent successfully.
func (s *OutboundSender) Poll(ctx context.Context) int {
	now := s.now()
	msgs, err := s.repo.ClaimQueuedOutbound(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboundSender.Poll: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		slog.Debug("OutboundSender.Poll: sending message", "id", msg.ID, "contactID", msg.ContactID, "kind", msg.Kind)
		if err := s.sendFunc(ctx, msg); err != nil {
			slog.Error("OutboundSender.Poll: send failed", "id", msg.ID, "attempt", msg.Attempts+1, "error", err)
			// Exponential backoff: 10s, 20s, 40s, ...
			backoff := time.Duration(10*(1<<msg.Attempts)) * time.Second
			if err := s.repo.FailOutbound(msg.ID, err.Error(), now.Add(backoff)); err != nil {
				slog.Error("OutboundSender.Poll: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboundSent(msg.ID); err != nil {
			slog.Error("OutboundSender.Poll: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		sent++
		slog.Debug("OutboundSender.Poll: message sent", "id", msg.ID, "contactID", msg.ContactID)
	}
	return sent
}
