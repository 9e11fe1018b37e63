package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
)

// TwilioSignatureHeader carries the HMAC signature of a Twilio webhook.
const TwilioSignatureHeader = "X-Twilio-Signature"

// WebhookValidator checks Twilio webhook signatures. *twiliowhatsapp.Client implements it.
type WebhookValidator interface {
	ValidateWebhook(url string, params map[string]string, signature string) bool
}

// TwilioService implements Service using the Twilio API. Inbound messages and status callbacks
// arrive through TwilioWebhookHandler.
type TwilioService struct {
	*eventHub
	client     twiliowhatsapp.Sender
	validator  WebhookValidator
	webhookURL string
}

var _ Service = (*TwilioService)(nil)

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookValidation rejects webhooks whose signature does not match publicURL.
func WithWebhookValidation(publicURL string, v WebhookValidator) TwilioOption {
	return func(s *TwilioService) {
		s.webhookURL = publicURL
		s.validator = v
	}
}

// NewTwilioService wraps a Twilio client or MockClient.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{eventHub: newEventHub("TwilioService"), client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient returns the +E164 form of a phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalE164(twiliowhatsapp.E164(recipient))
}

// Start is a no-op; Twilio pushes events over HTTP.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *TwilioService) Stop() error {
	s.close()
	return nil
}

// SendMessage sends a message via Twilio and emits a sent receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("TwilioService.SendMessage: send failed", "error", err, "to", canonical)
		return err
	}
	s.emitReceipt(sentReceipt(canonical))
	return nil
}

// TwilioWebhookHandler accepts Twilio's form-encoded inbound message and status callbacks.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.ValidateWebhook(s.webhookURL, params, r.Header.Get(TwilioSignatureHeader)) {
			slog.Warn("TwilioService.TwilioWebhookHandler: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	if status := r.FormValue("MessageStatus"); status != "" && r.FormValue("Body") == "" {
		s.handleStatusCallback(r.FormValue("To"), status)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	from := twiliowhatsapp.E164(r.FormValue("From"))
	body := r.FormValue("Body")
	sid := r.FormValue("MessageSid")
	if from == "" || body == "" || sid == "" {
		slog.Warn("TwilioService.TwilioWebhookHandler: missing fields", "from", from, "sid", sid, "bodyLength", len(body))
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	if !s.emitInbound(models.InboundEvent{MessageID: sid, From: from, Body: body, Time: time.Now()}) {
		// Redeliveries are deduplicated by MessageSid.
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, "<Response></Response>")
}

func (s *TwilioService) handleStatusCallback(to, status string) {
	var ms models.MessageStatus
	switch status {
	case "delivered":
		ms = models.MessageStatusDelivered
	case "read":
		ms = models.MessageStatusRead
	case "failed", "undelivered":
		ms = models.MessageStatusFailed
	default:
		return
	}
	s.emitReceipt(models.Receipt{To: twiliowhatsapp.E164(to), Status: ms, Time: time.Now().Unix()})
}
