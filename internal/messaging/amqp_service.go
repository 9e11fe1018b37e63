package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/util"
	"github.com/streadway/amqp"
)

// DefaultAMQPQueue receives outbound messages when no queue name is configured.
const DefaultAMQPQueue = "leadpipe_outbound"

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPMessage is the JSON body published for every outbound message.
type AMQPMessage struct {
	To     string    `json:"to"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// AMQPService hands outbound messages to a durable queue for an external sender. It never
// produces inbound events.
type AMQPService struct {
	*eventHub
	ch    amqpChannel
	conn  *amqp.Connection
	queue string
}

var _ Service = (*AMQPService)(nil)

// DialAMQP connects to a broker and declares queue.
func DialAMQP(url, queue string) (*AMQPService, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	svc, err := NewAMQPService(ch, queue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	svc.conn = conn
	return svc, nil
}

// NewAMQPService publishes on an already open channel.
func NewAMQPService(ch amqpChannel, queue string) (*AMQPService, error) {
	if queue == "" {
		queue = DefaultAMQPQueue
	}
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	slog.Debug("AMQPService: queue declared", "queue", q.Name)
	return &AMQPService{eventHub: newEventHub("AMQPService"), ch: ch, queue: q.Name}, nil
}

// ValidateAndCanonicalizeRecipient returns the +E164 form of a phone number.
func (s *AMQPService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalE164(recipient)
}

// Start is a no-op.
func (s *AMQPService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the channel and connection.
func (s *AMQPService) Stop() error {
	if s.isStopped() {
		return nil
	}
	s.close()
	err := s.ch.Close()
	if s.conn != nil {
		err = errors.Join(err, s.conn.Close())
	}
	return err
}

// SendMessage publishes a persistent JSON message and emits a sent receipt once the broker accepts it.
func (s *AMQPService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	payload, err := json.Marshal(AMQPMessage{To: canonical, Body: body, SentAt: now})
	if err != nil {
		return err
	}
	err = s.ch.Publish("", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    util.NewMessageID(),
		Timestamp:    now,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.queue, err)
	}
	slog.Debug("AMQPService.SendMessage: published", "queue", s.queue, "to", canonical)
	s.emitReceipt(sentReceipt(canonical))
	return nil
}
