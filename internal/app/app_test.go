package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/policy"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/templates"
	"github.com/BTreeMap/LeadPipe/internal/testutil"
)

var base = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

type testApp struct {
	*App
	store *store.InMemoryStore
	clock *testutil.Clock
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	ta := &testApp{store: store.NewInMemoryStore(), clock: testutil.NewClock(base)}
	ta.App = New(ta.store, WithClock(ta.clock.Now))
	if _, err := ta.RegisterContact(context.Background(), models.Contact{
		ID: "c1", WhatsAppE164: "+491701234567", FirstName: "Max", Timezone: "UTC",
	}); err != nil {
		t.Fatalf("RegisterContact failed: %v", err)
	}
	return ta
}

func (ta *testApp) inbound(t *testing.T, id, text string, at time.Time) []models.OutboundMessage {
	t.Helper()
	out, err := ta.ReceiveInbound(context.Background(), models.InboundMessage{
		ProviderMessageID: id, ConversationID: "conv1", ContactID: "c1", Content: text, ReceivedAt: at,
	})
	if err != nil {
		t.Fatalf("ReceiveInbound(%q) failed: %v", text, err)
	}
	return out
}

func (ta *testApp) conv(t *testing.T) models.Conversation {
	t.Helper()
	view, err := ta.Conversation(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("Conversation failed: %v", err)
	}
	return view.Conversation
}

func TestRegisterContact(t *testing.T) {
	ta := newTestApp(t)
	c, err := ta.RegisterContact(context.Background(), models.Contact{ID: "c2", WhatsAppE164: "+4930123", FirstName: "Erika"})
	if err != nil {
		t.Fatalf("RegisterContact failed: %v", err)
	}
	if !c.ConsentGranted || c.Timezone != models.DefaultTimezone {
		t.Errorf("unexpected contact defaults: %+v", c)
	}

	if _, err := ta.RegisterContact(context.Background(), models.Contact{ID: "c3", WhatsAppE164: "030", FirstName: "X"}); !errors.Is(err, models.ErrInvalidE164) {
		t.Errorf("expected ErrInvalidE164, got %v", err)
	}

	events, _ := ta.AuditEvents(context.Background())
	if len(events) != 2 || events[0].Type != models.AuditConsentGranted || events[1].ContactID != "c2" {
		t.Errorf("expected consent_granted for c1 and c2, got %+v", events)
	}
}

func TestRegisterContactKeepsRevokedConsent(t *testing.T) {
	ta := newTestApp(t)
	if err := ta.RevokeConsent(context.Background(), "c1"); err != nil {
		t.Fatalf("RevokeConsent failed: %v", err)
	}
	c, err := ta.RegisterContact(context.Background(), models.Contact{ID: "c1", WhatsAppE164: "+491701234567", FirstName: "Maximilian"})
	if err != nil {
		t.Fatalf("RegisterContact failed: %v", err)
	}
	if c.ConsentGranted {
		t.Error("re-registration must not restore revoked consent")
	}
	stored, _ := ta.Contact(context.Background(), "c1")
	if stored.FirstName != "Maximilian" || stored.ConsentGranted {
		t.Errorf("unexpected stored contact: %+v", stored)
	}
}

func TestReceiveInboundUnknownContact(t *testing.T) {
	ta := newTestApp(t)
	_, err := ta.ReceiveInbound(context.Background(), models.InboundMessage{
		ProviderMessageID: "m1", ConversationID: "conv9", ContactID: "nobody", Content: "ok",
	})
	if !errors.Is(err, ErrUnknownContact) || !IsNotFound(err) {
		t.Errorf("expected ErrUnknownContact, got %v", err)
	}
	if _, err := ta.Conversation(context.Background(), "conv9"); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("no conversation should be created for unknown contacts, got %v", err)
	}
}

func TestReceiveInboundDefaultsReceivedAt(t *testing.T) {
	ta := newTestApp(t)
	ta.clock.Set(base.Add(3 * time.Hour))
	if _, err := ta.ReceiveInbound(context.Background(), models.InboundMessage{
		ProviderMessageID: "m1", ConversationID: "conv1", ContactID: "c1", Content: "ok",
	}); err != nil {
		t.Fatalf("ReceiveInbound failed: %v", err)
	}
	conv := ta.conv(t)
	if !conv.ServiceWindowExpiresAt.Equal(ta.clock.Now().Add(24 * time.Hour)) {
		t.Errorf("window = %v, want clock + 24h", conv.ServiceWindowExpiresAt)
	}
}

func TestEndToEndConsentAck(t *testing.T) {
	ta := newTestApp(t)
	out := ta.inbound(t, "m1", "ok", base)

	conv := ta.conv(t)
	if conv.State != models.StateAwaitingAds {
		t.Errorf("expected awaiting_ads, got %s", conv.State)
	}
	if len(out) != 1 || !strings.Contains(out[0].Content, "Ads") {
		t.Errorf("expected one reply containing Ads, got %+v", out)
	}
	tasks, _ := ta.PendingTasks(context.Background())
	testutil.AssertTaskTypes(t, tasks, models.TaskNudge30m, models.TaskFollowup24h, models.TaskFollowup48h)
	wantTimes := []time.Time{base.Add(30 * time.Minute), base.Add(24 * time.Hour), base.Add(48 * time.Hour)}
	for i, w := range wantTimes {
		if !tasks[i].RunAt.Equal(w) {
			t.Errorf("task %d at %v, want %v", i, tasks[i].RunAt, w)
		}
	}

	view, _ := ta.Conversation(context.Background(), "conv1")
	if len(view.Inbound) != 1 || len(view.Outbound) != 1 {
		t.Errorf("expected persisted inbound and outbound, got %d/%d", len(view.Inbound), len(view.Outbound))
	}
}

func TestEndToEndQualified(t *testing.T) {
	ta := newTestApp(t)
	ta.inbound(t, "m1", "ok", base)
	ta.inbound(t, "m2", "Ja", base.Add(time.Minute))
	out := ta.inbound(t, "m3", "250", base.Add(2*time.Minute))

	conv := ta.conv(t)
	if conv.Status != models.StatusQualified || conv.State != models.StateClosed {
		t.Errorf("expected qualified/closed, got %s/%s", conv.Status, conv.State)
	}
	if len(out) == 0 || !strings.Contains(out[len(out)-1].Content, "Perfekt") {
		t.Errorf("expected Perfekt reply, got %+v", out)
	}
	tasks, _ := ta.PendingTasks(context.Background())
	found := false
	for _, task := range tasks {
		if task.Type == models.TaskReminder22h {
			found = true
		}
	}
	if !found {
		t.Error("expected a reminder_22h task")
	}
}

func TestEndToEndDisqualified(t *testing.T) {
	ta := newTestApp(t)
	ta.inbound(t, "m1", "ok", base)
	out := ta.inbound(t, "m2", "Nein", base.Add(time.Minute))
	conv := ta.conv(t)
	if conv.Status != models.StatusDisqualified || conv.State != models.StateClosed {
		t.Errorf("expected disqualified/closed, got %s/%s", conv.Status, conv.State)
	}
	if len(out) != 1 || !strings.Contains(out[0].Content, "passt es noch nicht") {
		t.Errorf("unexpected reply: %+v", out)
	}
}

func TestEndToEndHandover(t *testing.T) {
	ta := newTestApp(t)
	out := ta.inbound(t, "m1", "Mitarbeiter", base)
	conv := ta.conv(t)
	if conv.Status != models.StatusHandover || conv.Owner != models.OwnerHuman {
		t.Errorf("expected handover/human, got %s/%s", conv.Status, conv.Owner)
	}
	if len(out) != 1 || !strings.Contains(out[0].Content, "weiter") {
		t.Errorf("unexpected reply: %+v", out)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	ta := newTestApp(t)
	first := ta.inbound(t, "m1", "ok", base)
	second := ta.inbound(t, "m1", "ok", base.Add(time.Minute))
	if len(first) != 1 || len(second) != 0 {
		t.Errorf("expected 1 then 0 replies, got %d then %d", len(first), len(second))
	}
	tasks, _ := ta.PendingTasks(context.Background())
	if len(tasks) != 3 {
		t.Errorf("replay must not schedule more tasks, got %d", len(tasks))
	}
	conv := ta.conv(t)
	if !conv.ServiceWindowExpiresAt.Equal(base.Add(24 * time.Hour)) {
		t.Errorf("replay must not move the window, got %v", conv.ServiceWindowExpiresAt)
	}
}

func TestSchedulerFiresNudge(t *testing.T) {
	ta := newTestApp(t)
	ta.inbound(t, "m1", "ok", base)

	sent, err := ta.RunScheduler(context.Background(), base.Add(24*time.Hour+time.Minute))
	if err != nil {
		t.Fatalf("RunScheduler failed: %v", err)
	}
	found := false
	for _, m := range sent {
		if m.TemplateName == templates.LeadNudge {
			found = true
		}
	}
	if !found {
		t.Errorf("expected lead_nudge_v1 among sent messages, got %+v", sent)
	}
}

func TestRevokeConsentSilencesScheduler(t *testing.T) {
	ta := newTestApp(t)
	ta.inbound(t, "m1", "ok", base)
	if err := ta.RevokeConsent(context.Background(), "c1"); err != nil {
		t.Fatalf("RevokeConsent failed: %v", err)
	}
	sent, err := ta.RunScheduler(context.Background(), base.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("RunScheduler failed: %v", err)
	}
	if len(sent) != 0 {
		t.Errorf("expected no messages after revoke, got %d", len(sent))
	}

	events, _ := ta.AuditEvents(context.Background())
	last := events[len(events)-1]
	if last.Type != models.AuditConsentRevoked || last.ContactID != "c1" {
		t.Errorf("expected consent_revoked audit, got %+v", last)
	}
}

func TestRevokeConsentUnknownContactIsNoop(t *testing.T) {
	ta := newTestApp(t)
	if err := ta.RevokeConsent(context.Background(), "ghost"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	events, _ := ta.AuditEvents(context.Background())
	if len(events) != 1 {
		t.Errorf("no audit event expected for unknown contact, got %+v", events)
	}
}

func TestSendManualMessageServiceWindow(t *testing.T) {
	ta := newTestApp(t)
	ta.inbound(t, "m1", "ok", base)
	req := models.SendRequest{ConversationID: "conv1", ContactID: "c1", Content: "Kurze Rückfrage"}

	ta.clock.Set(base.Add(24 * time.Hour))
	msg, err := ta.SendManualMessage(context.Background(), req)
	if err != nil {
		t.Fatalf("send at window expiry should be allowed: %v", err)
	}
	if msg.Kind != models.KindSessionText || msg.DeliveryStatus != models.DeliveryQueued {
		t.Errorf("unexpected message: %+v", msg)
	}

	ta.clock.Set(base.Add(24*time.Hour + time.Second))
	_, err = ta.SendManualMessage(context.Background(), req)
	var denied *PolicyDeniedError
	if !errors.As(err, &denied) || denied.Reason != policy.ReasonTemplateRequiredOutside {
		t.Fatalf("expected template_required_outside_24h denial, got %v", err)
	}
	events, _ := ta.AuditEvents(context.Background())
	last := events[len(events)-1]
	if last.Type != models.AuditPolicyBlockedSend || last.Details["reason"] != policy.ReasonTemplateRequiredOutside {
		t.Errorf("expected policy_blocked_send audit, got %+v", last)
	}
}

func TestSendManualMessageQuietHours(t *testing.T) {
	ta := newTestApp(t)
	ta.clock.Set(time.Date(2026, 1, 1, 23, 1, 0, 0, time.UTC))
	_, err := ta.SendManualMessage(context.Background(), models.SendRequest{
		ConversationID: "conv1", ContactID: "c1", Kind: models.KindTemplate, TemplateName: templates.LeadWelcome,
	})
	var denied *PolicyDeniedError
	if !errors.As(err, &denied) || denied.Reason != policy.ReasonOutsideSendWindow {
		t.Fatalf("expected quiet-hours denial, got %v", err)
	}
	// The conversation is created even though the send was denied.
	if _, err := ta.Conversation(context.Background(), "conv1"); err != nil {
		t.Errorf("conversation should exist: %v", err)
	}
}

func TestSendManualMessageTemplate(t *testing.T) {
	ta := newTestApp(t)
	msg, err := ta.SendManualMessage(context.Background(), models.SendRequest{
		ConversationID: "conv1", ContactID: "c1", Kind: models.KindTemplate, TemplateName: templates.AppointmentReminder22,
		Vars: map[string]string{"time": "14:30"},
	})
	if err != nil {
		t.Fatalf("SendManualMessage failed: %v", err)
	}
	if msg.TemplateName != templates.AppointmentReminder22 || !strings.Contains(msg.Content, "um 14:30.") {
		t.Errorf("unexpected template message: %+v", msg)
	}

	_, err = ta.SendManualMessage(context.Background(), models.SendRequest{
		ConversationID: "conv1", ContactID: "c1", Kind: models.KindTemplate, TemplateName: "nope",
	})
	if !errors.Is(err, templates.ErrUnknownTemplate) {
		t.Errorf("expected ErrUnknownTemplate, got %v", err)
	}
}

func TestSendManualMessageConsentAndContact(t *testing.T) {
	ta := newTestApp(t)
	req := models.SendRequest{ConversationID: "conv1", ContactID: "c1", Content: "hi"}
	if err := ta.RevokeConsent(context.Background(), "c1"); err != nil {
		t.Fatalf("RevokeConsent failed: %v", err)
	}
	if _, err := ta.SendManualMessage(context.Background(), req); !errors.Is(err, ErrConsentRevoked) {
		t.Errorf("expected ErrConsentRevoked, got %v", err)
	}
	req.ContactID = "ghost"
	if _, err := ta.SendManualMessage(context.Background(), req); !errors.Is(err, ErrUnknownContact) {
		t.Errorf("expected ErrUnknownContact, got %v", err)
	}
}

func TestConcurrentInboundSameConversation(t *testing.T) {
	ta := newTestApp(t)
	ta.inbound(t, "m0", "ok", base)

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ta.ReceiveInbound(context.Background(), models.InboundMessage{
				ProviderMessageID: fmt.Sprintf("m%d", i), ConversationID: "conv1", ContactID: "c1",
				Content: "vielleicht", ReceivedAt: base.Add(time.Duration(i) * time.Minute),
			})
			if err != nil {
				t.Errorf("ReceiveInbound failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	view, _ := ta.Conversation(context.Background(), "conv1")
	if len(view.Inbound) != 11 || len(view.Outbound) != 11 {
		t.Errorf("expected 11 inbound and 11 outbound, got %d/%d", len(view.Inbound), len(view.Outbound))
	}
	if !view.Conversation.ServiceWindowExpiresAt.Equal(base.Add(10*time.Minute + 24*time.Hour)) {
		t.Errorf("window should follow the latest message, got %v", view.Conversation.ServiceWindowExpiresAt)
	}
	if ta.locks.size() != 0 {
		t.Errorf("conversation locks should be released, %d left", ta.locks.size())
	}
}

var errDBDown = errors.New("db down")

// flakyStore fails the next N conversation saves or task enqueues.
type flakyStore struct {
	*store.InMemoryStore
	failConversation int
	failTasks        int
}

func (s *flakyStore) SaveConversation(c models.Conversation) error {
	if s.failConversation > 0 {
		s.failConversation--
		return errDBDown
	}
	return s.InMemoryStore.SaveConversation(c)
}

func (s *flakyStore) EnqueueTasks(tasks []models.ScheduledTask) error {
	if s.failTasks > 0 {
		s.failTasks--
		return errDBDown
	}
	return s.InMemoryStore.EnqueueTasks(tasks)
}

func TestReceiveInboundRedeliveryAfterStoreFailure(t *testing.T) {
	tests := []struct {
		name string
		st   *flakyStore
	}{
		{name: "conversation save fails", st: &flakyStore{InMemoryStore: store.NewInMemoryStore(), failConversation: 1}},
		{name: "task enqueue fails", st: &flakyStore{InMemoryStore: store.NewInMemoryStore(), failTasks: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			a := New(tt.st, WithClock(testutil.NewClock(base).Now))
			if _, err := a.RegisterContact(ctx, models.Contact{ID: "c1", WhatsAppE164: "+491701234567", FirstName: "Max"}); err != nil {
				t.Fatalf("RegisterContact failed: %v", err)
			}
			in := models.InboundMessage{ProviderMessageID: "m1", ConversationID: "conv1", ContactID: "c1", Content: "ok", ReceivedAt: base}

			if _, err := a.ReceiveInbound(ctx, in); !errors.Is(err, errDBDown) {
				t.Fatalf("first delivery: expected store error, got %v", err)
			}
			if seen, _ := tt.st.IsDuplicate("m1"); seen {
				t.Fatal("a message whose result was not stored must not be marked processed")
			}

			out, err := a.ReceiveInbound(ctx, in)
			if err != nil {
				t.Fatalf("redelivery failed: %v", err)
			}
			if len(out) != 1 || !strings.Contains(out[0].Content, "Ads") {
				t.Fatalf("redelivery should produce the ads question, got %+v", out)
			}

			view, err := a.Conversation(ctx, "conv1")
			if err != nil {
				t.Fatalf("Conversation failed: %v", err)
			}
			if view.Conversation.State != models.StateAwaitingAds {
				t.Errorf("state = %s, want awaiting_ads", view.Conversation.State)
			}
			if w := view.Conversation.ServiceWindowExpiresAt; w == nil || !w.Equal(base.Add(24*time.Hour)) {
				t.Errorf("service window = %v, want %v", w, base.Add(24*time.Hour))
			}
			if len(view.Outbound) != 1 {
				t.Errorf("expected one stored reply after redelivery, got %d", len(view.Outbound))
			}
			tasks, _ := a.PendingTasks(ctx)
			testutil.AssertTaskTypes(t, tasks, models.TaskNudge30m, models.TaskFollowup24h, models.TaskFollowup48h)

			if out, err := a.ReceiveInbound(ctx, in); err != nil || len(out) != 0 {
				t.Errorf("third delivery should be a duplicate, got %d replies, %v", len(out), err)
			}
		})
	}
}
