package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// MockService is an in-process Service. Sends are recorded and inbound events are injected with Deliver.
type MockService struct {
	*eventHub
	mu   sync.Mutex
	sent []SentMessage
	Err  error
}

// SentMessage is a message recorded by MockService.
type SentMessage struct {
	To   string
	Body string
}

var _ Service = (*MockService)(nil)

func NewMockService() *MockService {
	return &MockService{eventHub: newEventHub("MockService")}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalE164(recipient)
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	m.close()
	return nil
}

func (m *MockService) SendMessage(ctx context.Context, to string, body string) error {
	if m.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := m.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.Err != nil {
		m.mu.Unlock()
		return m.Err
	}
	m.sent = append(m.sent, SentMessage{To: canonical, Body: body})
	m.mu.Unlock()
	m.emitReceipt(sentReceipt(canonical))
	return nil
}

// Deliver pushes an inbound event as if a lead had written it.
func (m *MockService) Deliver(evt models.InboundEvent) bool {
	return m.emitInbound(evt)
}

// Sent returns a copy of the recorded messages.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// SetErr makes subsequent sends fail with err.
func (m *MockService) SetErr(err error) {
	m.mu.Lock()
	m.Err = err
	m.mu.Unlock()
}
