package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

func TestWhatsAppService_SendMessage_Receipt(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendMessage(context.Background(), "49 170 1234567", "hallo"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	sent := mockClient.Sent()
	if len(sent) != 1 || sent[0].To != "+491701234567" {
		t.Errorf("unexpected sends: %+v", sent)
	}
	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "+491701234567" || receipt.Status != models.MessageStatusSent {
			t.Errorf("unexpected receipt: %+v", receipt)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
}

func TestWhatsAppService_SendMessage_Errors(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendMessage(context.Background(), "123", "x"); err == nil {
		t.Error("expected validation error for short number")
	}
	mockClient.Err = errors.New("offline")
	if err := svc.SendMessage(context.Background(), "+491701234567", "x"); err == nil {
		t.Error("expected client error to propagate")
	}
	if len(svc.Receipts()) != 0 {
		t.Error("failed sends must not emit receipts")
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel closed")
	}
	if _, ok := <-svc.Inbound(); ok {
		t.Error("expected inbound channel closed")
	}
	if err := svc.SendMessage(context.Background(), "+491701234567", "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestWhatsAppService_HandleIncomingMessage(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	ts := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	text := "Ja"
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Sender: types.NewJID("491701234567", types.DefaultUserServer)},
			ID:            "3EB0ABC",
			Timestamp:     ts,
		},
		Message: &waE2E.Message{Conversation: &text},
	}
	svc.handleEvent(evt)

	select {
	case in := <-svc.Inbound():
		if in.MessageID != "3EB0ABC" || in.From != "+491701234567" || in.Body != "Ja" || !in.Time.Equal(ts) {
			t.Errorf("unexpected inbound event: %+v", in)
		}
	default:
		t.Fatal("expected inbound event")
	}

	fromMe := *evt
	fromMe.Info.IsFromMe = true
	svc.handleEvent(&fromMe)
	svc.handleEvent(&events.Message{Info: evt.Info, Message: &waE2E.Message{}})
	if len(svc.Inbound()) != 0 {
		t.Error("own and non-text messages must be ignored")
	}
}

func TestWhatsAppService_HandleReceipt(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	chat := types.NewJID("491701234567", types.DefaultUserServer)
	svc.handleEvent(&events.Receipt{
		MessageSource: types.MessageSource{Chat: chat},
		Type:          events.ReceiptTypeRead,
		Timestamp:     time.Unix(1700000000, 0),
	})
	svc.handleEvent(&events.Receipt{MessageSource: types.MessageSource{Chat: chat}, Type: events.ReceiptTypeReadSelf})

	if len(svc.Receipts()) != 1 {
		t.Fatalf("expected exactly one receipt, got %d", len(svc.Receipts()))
	}
	r := <-svc.Receipts()
	if r.To != "+491701234567" || r.Status != models.MessageStatusRead || r.Time != 1700000000 {
		t.Errorf("unexpected receipt: %+v", r)
	}
}
