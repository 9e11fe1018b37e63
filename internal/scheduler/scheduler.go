// Package scheduler fires due follow-up and reminder tasks as template messages.
//
// Scheduler does the work for a single tick; Cron drives ticks from a cron expression.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/policy"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/templates"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// Defaults for template variables missing from a task payload.
const (
	DefaultMeetingTime = "10:00"
	DefaultMeetingLink = "https://example.com/call"
)

// Scheduler turns due tasks into outbound template messages.
type Scheduler struct {
	store store.Store
}

// New creates a Scheduler backed by st.
func New(st store.Store) *Scheduler {
	return &Scheduler{store: st}
}

// FireDue claims every task due at now and returns the template messages it persisted.
// Claimed tasks are never requeued, whether they were sent or skipped.
func (s *Scheduler) FireDue(ctx context.Context, now time.Time) ([]models.OutboundMessage, error) {
	due, err := s.store.ClaimDueTasks(now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due tasks: %w", err)
	}
	if len(due) == 0 {
		return nil, nil
	}
	slog.Debug("Scheduler.FireDue: claimed due tasks", "count", len(due), "now", now)

	var sent []models.OutboundMessage
	for _, task := range due {
		if err := ctx.Err(); err != nil {
			slog.Warn("Scheduler.FireDue: context done, dropping remaining tasks", "error", err)
			break
		}
		msg, err := s.fire(task, now)
		if err != nil {
			slog.Error("Scheduler.FireDue: task dropped", "taskID", task.ID, "type", task.Type, "error", err)
			continue
		}
		if msg != nil {
			sent = append(sent, *msg)
		}
	}
	slog.Info("Scheduler.FireDue: tick complete", "due", len(due), "sent", len(sent))
	return sent, nil
}

// fire handles one task. A nil message with a nil error means the task was skipped.
func (s *Scheduler) fire(task models.ScheduledTask, now time.Time) (*models.OutboundMessage, error) {
	templateName, ok := templates.TemplateForTask(task.Type)
	if !ok {
		slog.Warn("Scheduler.fire: no template for task type", "taskID", task.ID, "type", task.Type)
		return nil, nil
	}

	conv, err := s.store.GetConversation(task.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		slog.Warn("Scheduler.fire: conversation not found", "taskID", task.ID, "conversationID", task.ConversationID)
		return nil, nil
	}
	contact, err := s.store.GetContact(conv.ContactID)
	if err != nil {
		return nil, err
	}
	if contact == nil || !contact.ConsentGranted {
		slog.Debug("Scheduler.fire: contact missing or consent revoked", "taskID", task.ID, "contactID", conv.ContactID)
		return nil, nil
	}

	content, err := templates.Render(templateName, map[string]string{
		"first_name": contact.FirstName,
		"time":       payloadOr(task.Payload, "time", DefaultMeetingTime),
		"link":       payloadOr(task.Payload, "link", DefaultMeetingLink),
	})
	if err != nil {
		return nil, err
	}

	decision := policy.EvaluateSend(*conv, contact.LocalTime(now), models.KindTemplate)
	if !decision.Allowed {
		slog.Info("Scheduler.fire: send blocked by policy", "taskID", task.ID, "contactID", contact.ID, "reason", decision.Reason)
		err := s.store.RecordAudit(models.AuditEvent{
			Type:      models.AuditPolicyBlockedSend,
			ContactID: contact.ID,
			Details:   map[string]string{"reason": decision.Reason, "task_type": string(task.Type)},
			CreatedAt: now,
		})
		return nil, err
	}

	msg := models.OutboundMessage{
		ID:             util.NewMessageID(),
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		Content:        content,
		Kind:           models.KindTemplate,
		TemplateName:   templateName,
		CreatedAt:      now,
		DeliveryStatus: models.DeliveryQueued,
	}
	if err := s.store.SaveOutbound(msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func payloadOr(payload map[string]string, key, def string) string {
	if v, ok := payload[key]; ok && v != "" {
		return v
	}
	return def
}
