package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/streadway/amqp"
)

type fakeChannel struct {
	declared   string
	durable    bool
	published  []amqp.Publishing
	keys       []string
	publishErr error
	closed     bool
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.declared, f.durable = name, durable
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPService_DeclaresDurableQueue(t *testing.T) {
	ch := &fakeChannel{}
	if _, err := NewAMQPService(ch, ""); err != nil {
		t.Fatalf("NewAMQPService failed: %v", err)
	}
	if ch.declared != DefaultAMQPQueue || !ch.durable {
		t.Errorf("expected durable %s queue, got %q durable=%v", DefaultAMQPQueue, ch.declared, ch.durable)
	}
}

func TestAMQPService_SendMessage(t *testing.T) {
	ch := &fakeChannel{}
	svc, err := NewAMQPService(ch, "leads_out")
	if err != nil {
		t.Fatalf("NewAMQPService failed: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "+49 170 1234567", "Hallo"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(ch.published) != 1 || ch.keys[0] != "leads_out" {
		t.Fatalf("expected one publish to leads_out, got %v", ch.keys)
	}
	pub := ch.published[0]
	if pub.DeliveryMode != amqp.Persistent || pub.ContentType != "application/json" {
		t.Errorf("unexpected publishing: %+v", pub)
	}
	var msg AMQPMessage
	if err := json.Unmarshal(pub.Body, &msg); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if msg.To != "+491701234567" || msg.Body != "Hallo" || msg.SentAt.IsZero() {
		t.Errorf("unexpected body: %+v", msg)
	}
	if r := <-svc.Receipts(); r.Status != models.MessageStatusSent {
		t.Errorf("expected sent receipt, got %+v", r)
	}
}

func TestAMQPService_PublishError(t *testing.T) {
	ch := &fakeChannel{publishErr: errors.New("channel closed")}
	svc, _ := NewAMQPService(ch, "q")
	if err := svc.SendMessage(context.Background(), "+491701234567", "x"); err == nil {
		t.Error("expected publish error")
	}
	if len(svc.Receipts()) != 0 {
		t.Error("no receipt expected on failure")
	}
}

func TestAMQPService_Stop(t *testing.T) {
	ch := &fakeChannel{}
	svc, _ := NewAMQPService(ch, "q")
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !ch.closed {
		t.Error("expected channel closed")
	}
	if err := svc.SendMessage(context.Background(), "+491701234567", "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}
