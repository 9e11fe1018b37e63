// Package flow implements the rule-based lead qualification state machine.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// Timing of follow-ups and reminders.
const (
	ServiceWindow       = 24 * time.Hour
	NudgeDelay          = 30 * time.Minute
	Followup24hDelay    = 24 * time.Hour
	Followup48hDelay    = 48 * time.Hour
	MeetingOffset       = 72 * time.Hour
	Reminder22hBefore   = 22 * time.Hour
	Reminder55mBefore   = 55 * time.Minute
	Reminder5mBefore    = 5 * time.Minute
	qualifyingLeadCount = 100
	highLeadCount       = 300
)

// Engine advances conversations in response to inbound messages.
// It is safe for concurrent use as long as callers serialise work per conversation.
type Engine struct {
	dedup store.DedupRepo
}

// NewEngine creates an Engine that records processed message IDs in dedup.
func NewEngine(dedup store.DedupRepo) *Engine {
	return &Engine{dedup: dedup}
}

// ProcessInbound applies one inbound message to conv in place and returns the replies and
// follow-up tasks it produced. A message ID already committed yields no output and leaves conv
// untouched. The ID is not recorded here; call Commit once the result has been persisted.
func (e *Engine) ProcessInbound(ctx context.Context, conv *models.Conversation, in models.InboundMessage) ([]models.OutboundMessage, []models.ScheduledTask, error) {
	if conv == nil {
		return nil, nil, errors.New("conversation is nil")
	}
	seen, err := e.dedup.IsDuplicate(in.ProviderMessageID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check inbound %s: %w", in.ProviderMessageID, err)
	}
	if seen {
		slog.Debug("Engine.ProcessInbound: duplicate message ignored", "messageID", in.ProviderMessageID, "conversationID", conv.ID)
		return nil, nil, nil
	}

	// The window follows the latest received_at, so late deliveries never shorten it.
	expires := in.ReceivedAt.Add(ServiceWindow)
	if conv.ServiceWindowExpiresAt == nil || expires.After(*conv.ServiceWindowExpiresAt) {
		conv.ServiceWindowExpiresAt = &expires
	}
	if in.ReceivedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = in.ReceivedAt
	}

	t := turn{conv: conv, in: in}
	text := strings.ToLower(strings.TrimSpace(in.Content))
	from := conv.State

	if handoverKeywords[text] {
		conv.Owner = models.OwnerHuman
		conv.Status = models.StatusHandover
		conv.State = models.StateHandover
		t.reply(ReplyHandover)
	} else {
		switch conv.State {
		case models.StateAwaitingConsentAck:
			conv.State = models.StateAwaitingAds
			t.reply(ReplyAskAds)
			t.schedule(models.TaskNudge30m, in.ReceivedAt.Add(NudgeDelay))
			t.schedule(models.TaskFollowup24h, in.ReceivedAt.Add(Followup24hDelay))
			t.schedule(models.TaskFollowup48h, in.ReceivedAt.Add(Followup48hDelay))
		case models.StateAwaitingAds:
			handleAds(&t, text)
		case models.StateAwaitingLeads:
			handleLeads(&t, text)
		case models.StateClosed, models.StateHandover:
			// Terminal.
		default:
			slog.Warn("Engine.ProcessInbound: unknown conversation state", "conversationID", conv.ID, "state", conv.State)
		}
	}

	slog.Debug("Engine.ProcessInbound: processed", "conversationID", conv.ID, "messageID", in.ProviderMessageID,
		"from", from, "to", conv.State, "replies", len(t.out), "tasks", len(t.tasks))
	return t.out, t.tasks, nil
}

// Commit records in's provider message ID as processed. It reports false if the ID had already
// been committed.
func (e *Engine) Commit(in models.InboundMessage) (bool, error) {
	fresh, err := e.dedup.RecordInbound(in.ProviderMessageID, in.ContactID)
	if err != nil {
		return false, fmt.Errorf("failed to record inbound %s: %w", in.ProviderMessageID, err)
	}
	if !fresh {
		return false, nil
	}
	if err := e.dedup.MarkProcessed(in.ProviderMessageID); err != nil {
		slog.Warn("Engine.Commit: mark processed failed", "messageID", in.ProviderMessageID, "error", err)
	}
	return true, nil
}

func handleAds(t *turn, text string) {
	switch {
	case strings.HasPrefix(text, "n"):
		t.conv.AdsRunning = models.AdsNo
		t.conv.Status = models.StatusDisqualified
		t.conv.State = models.StateClosed
		t.reply(ReplyNoAds)
	case strings.HasPrefix(text, "j"):
		t.conv.AdsRunning = models.AdsYes
		t.conv.State = models.StateAwaitingLeads
		t.reply(ReplyAskLeads)
	default:
		t.reply(ReplyRepeatAds)
	}
}

func handleLeads(t *turn, text string) {
	bucket := ParseLeadsBucket(text)
	t.conv.MonthlyLeadsBucket = bucket
	switch bucket {
	case models.LeadsUnder100:
		t.conv.Status = models.StatusDisqualified
		t.conv.State = models.StateClosed
		t.reply(ReplyTooFewLeads)
	case models.Leads100To300, models.LeadsOver300:
		t.conv.Status = models.StatusQualified
		t.conv.State = models.StateClosed
		t.reply(ReplyQualified)
		meeting := t.in.ReceivedAt.Add(MeetingOffset)
		t.schedule(models.TaskReminder22h, meeting.Add(-Reminder22hBefore))
		t.schedule(models.TaskReminder55m, meeting.Add(-Reminder55mBefore))
		t.schedule(models.TaskReminder5m, meeting.Add(-Reminder5mBefore))
	default:
		t.reply(ReplyRepeatLeadCount)
	}
}

// ParseLeadsBucket concatenates every digit in text and buckets the resulting number.
// Numbers too large to parse are treated as 300+.
func ParseLeadsBucket(text string) models.LeadsBucket {
	digits := util.DigitsOnly(text)
	if digits == "" {
		return models.LeadsUnknown
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return models.LeadsOver300
	}
	switch {
	case n < qualifyingLeadCount:
		return models.LeadsUnder100
	case n <= highLeadCount:
		return models.Leads100To300
	default:
		return models.LeadsOver300
	}
}

// turn collects the output of a single inbound message.
type turn struct {
	conv  *models.Conversation
	in    models.InboundMessage
	out   []models.OutboundMessage
	tasks []models.ScheduledTask
}

// Reply and task IDs are a function of the conversation and provider message IDs.
func (t *turn) reply(content string) {
	seed := fmt.Sprintf("%s/%s/reply/%d", t.conv.ID, t.in.ProviderMessageID, len(t.out))
	t.out = append(t.out, models.OutboundMessage{
		ID:             util.DerivedID("msg_", seed),
		ConversationID: t.conv.ID,
		ContactID:      t.conv.ContactID,
		Content:        content,
		Kind:           models.KindSessionText,
		CreatedAt:      t.in.ReceivedAt,
		DeliveryStatus: models.DeliveryQueued,
	})
}

func (t *turn) schedule(taskType models.TaskType, runAt time.Time) {
	t.tasks = append(t.tasks, models.ScheduledTask{
		ID:             util.DerivedID("task_", t.conv.ID+"/"+t.in.ProviderMessageID+"/"+string(taskType)),
		ConversationID: t.conv.ID,
		Type:           taskType,
		RunAt:          runAt,
	})
}
