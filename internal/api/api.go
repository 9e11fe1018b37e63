// Package api exposes LeadPipe over HTTP and runs the background loops that connect the
// orchestrator to a messaging transport.
//
// Run wires the store, the App, the cron tick that fires due tasks, the outbound sender that
// delivers queued messages and the consumer that feeds transport events into the App.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/app"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/scheduler"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultDispatchInterval is how often the outbound queue is polled.
	DefaultDispatchInterval = 5 * time.Second
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout = 10 * time.Second
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr             string
	SchedulerCron    string
	DispatchInterval time.Duration
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithSchedulerCron sets the cron expression of the scheduler tick.
func WithSchedulerCron(expr string) Option {
	return func(o *Opts) { o.SchedulerCron = expr }
}

// WithDispatchInterval sets how often queued outbound messages are delivered.
func WithDispatchInterval(d time.Duration) Option {
	return func(o *Opts) { o.DispatchInterval = d }
}

func applyOpts(opts []Option) Opts {
	cfg := Opts{Addr: DefaultAddr, SchedulerCron: scheduler.DefaultTickSpec, DispatchInterval: DefaultDispatchInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Server serves the HTTP API on top of an App and a messaging transport.
type Server struct {
	app        *app.App
	msgService messaging.Service
}

// NewServer creates a Server.
func NewServer(a *app.App, msgService messaging.Service) *Server {
	return &Server{app: a, msgService: msgService}
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Post("/contacts", s.registerContactHandler)
	r.Post("/contacts/revoke-consent", s.revokeConsentHandler)
	r.Post("/webhooks/whatsapp/inbound", s.inboundWebhookHandler)
	r.Post("/messages/send", s.sendMessageHandler)
	r.Post("/scheduler/run", s.runSchedulerHandler)
	r.Get("/conversations/{id}", s.getConversationHandler)
	r.Get("/tasks", s.listTasksHandler)
	r.Get("/audit", s.listAuditHandler)

	if tw, ok := s.msgService.(*messaging.TwilioService); ok {
		r.Post("/webhooks/twilio", tw.TwilioWebhookHandler)
	}
	return r
}

// Deliver is the outbound sender's transport step. Contacts that revoked consent after the
// message was queued are refused.
func (s *Server) Deliver(ctx context.Context, msg models.OutboundMessage) error {
	contact, err := s.app.Contact(ctx, msg.ContactID)
	if err != nil {
		return err
	}
	if !contact.ConsentGranted {
		return app.ErrConsentRevoked
	}
	return s.msgService.SendMessage(ctx, contact.WhatsAppE164, msg.Content)
}

// HandleInboundEvent matches a transport event to a contact and runs it through the App.
// The contact ID doubles as the conversation ID.
func (s *Server) HandleInboundEvent(ctx context.Context, evt models.InboundEvent) ([]models.OutboundMessage, error) {
	contact, err := s.app.ContactByAddress(ctx, evt.From)
	if err != nil {
		return nil, err
	}
	return s.app.ReceiveInbound(ctx, models.InboundMessage{
		ProviderMessageID: evt.MessageID,
		ConversationID:    contact.ID,
		ContactID:         contact.ID,
		Content:           evt.Body,
		ReceivedAt:        evt.Time,
	})
}

// ConsumeEvents processes inbound events and logs receipts until ctx is done or the transport
// closes its channels.
func (s *Server) ConsumeEvents(ctx context.Context) {
	inbound, receipts := s.msgService.Inbound(), s.msgService.Receipts()
	for inbound != nil || receipts != nil {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			out, err := s.HandleInboundEvent(ctx, evt)
			if err != nil {
				if app.IsNotFound(err) {
					slog.Warn("Server.ConsumeEvents: inbound from unknown sender dropped", "from", evt.From, "messageID", evt.MessageID)
				} else {
					slog.Error("Server.ConsumeEvents: inbound processing failed", "error", err, "messageID", evt.MessageID)
				}
				continue
			}
			slog.Debug("Server.ConsumeEvents: inbound processed", "from", evt.From, "replies", len(out))
		case r, ok := <-receipts:
			if !ok {
				receipts = nil
				continue
			}
			slog.Debug("Server.ConsumeEvents: receipt", "to", r.To, "status", r.Status, "time", r.Time)
		}
	}
}

// Run starts LeadPipe with msgService as the transport and blocks until SIGINT or SIGTERM.
func Run(msgService messaging.Service, storeOpts []store.Option, apiOpts []Option) error {
	cfg := applyOpts(apiOpts)

	st, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	a := app.New(st)
	srv := NewServer(a, msgService)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgService.Stop()

	cron := scheduler.NewCron()
	defer cron.Stop()
	err = cron.AddJob(cfg.SchedulerCron, func() {
		sent, err := a.RunScheduler(ctx, a.Now())
		if err != nil {
			slog.Error("api.Run: scheduler tick failed", "error", err)
			return
		}
		if len(sent) > 0 {
			slog.Info("api.Run: scheduler tick queued messages", "count", len(sent))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid scheduler cron %q: %w", cfg.SchedulerCron, err)
	}

	sender := store.NewOutboundSender(st, srv.Deliver, cfg.DispatchInterval)
	if err := sender.RecoverStaleMessages(); err != nil {
		slog.Warn("api.Run: failed to recover stale outbound messages", "error", err)
	}
	go sender.Run(ctx)
	go srv.ConsumeEvents(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("api.Run: LeadPipe API listening", "addr", cfg.Addr, "schedulerCron", cfg.SchedulerCron,
			"dispatchInterval", cfg.DispatchInterval)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("api.Run: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}
