package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
)

func postForm(t *testing.T, h http.HandlerFunc, form url.Values, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	if err := svc.SendMessage(context.Background(), "whatsapp:+491701234567", "Hallo"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "+491701234567" {
		t.Errorf("unexpected sends: %+v", mock.SentMessages)
	}
	r := <-svc.Receipts()
	if r.Status != models.MessageStatusSent {
		t.Errorf("expected sent receipt, got %+v", r)
	}
}

func TestTwilioService_InboundWebhook(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(t, svc.TwilioWebhookHandler, url.Values{
		"From":       {"whatsapp:+491701234567"},
		"Body":       {"Ja"},
		"MessageSid": {"SM123"},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case in := <-svc.Inbound():
		if in.From != "+491701234567" || in.Body != "Ja" || in.MessageID != "SM123" {
			t.Errorf("unexpected inbound event: %+v", in)
		}
	default:
		t.Fatal("expected inbound event")
	}
}

func TestTwilioService_WebhookMissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(t, svc.TwilioWebhookHandler, url.Values{"From": {"whatsapp:+491701234567"}}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestTwilioService_StatusCallback(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(t, svc.TwilioWebhookHandler, url.Values{
		"To":            {"whatsapp:+491701234567"},
		"MessageStatus": {"delivered"},
		"MessageSid":    {"SM123"},
	}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	r := <-svc.Receipts()
	if r.To != "+491701234567" || r.Status != models.MessageStatusDelivered {
		t.Errorf("unexpected receipt: %+v", r)
	}
}

type fakeValidator struct {
	url, signature string
}

func (v fakeValidator) ValidateWebhook(url string, params map[string]string, signature string) bool {
	return url == v.url && signature == v.signature && params["MessageSid"] != ""
}

func TestTwilioService_WebhookSignature(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(),
		WithWebhookValidation("https://leads.example.com/webhooks/twilio", fakeValidator{
			url: "https://leads.example.com/webhooks/twilio", signature: "good",
		}))
	form := url.Values{"From": {"whatsapp:+491701234567"}, "Body": {"ok"}, "MessageSid": {"SM1"}}

	if rec := postForm(t, svc.TwilioWebhookHandler, form, map[string]string{TwilioSignatureHeader: "bad"}); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for bad signature, got %d", rec.Code)
	}
	if rec := postForm(t, svc.TwilioWebhookHandler, form, map[string]string{TwilioSignatureHeader: "good"}); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for good signature, got %d", rec.Code)
	}
}

func TestTwilioService_StoppedDropsInbound(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	_ = svc.Stop()
	rec := postForm(t, svc.TwilioWebhookHandler, url.Values{
		"From": {"whatsapp:+491701234567"}, "Body": {"ok"}, "MessageSid": {"SM1"},
	}, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after stop, got %d", rec.Code)
	}
}
