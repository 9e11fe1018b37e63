package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/go-chi/chi/v5"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// decodeJSON reads a JSON body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, op string, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		slog.Warn(op+": failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", map[string]string{
		"time": s.app.Now().UTC().Format(time.RFC3339),
	}))
}

func (s *Server) registerContactHandler(w http.ResponseWriter, r *http.Request) {
	var c models.Contact
	if !decodeJSON(w, r, "Server.registerContactHandler", &c) {
		return
	}
	contact, err := s.app.RegisterContact(r.Context(), c)
	if err != nil {
		writeError(w, "Server.registerContactHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(contact))
}

type revokeConsentRequest struct {
	ContactID string `json:"contact_id"`
}

func (s *Server) revokeConsentHandler(w http.ResponseWriter, r *http.Request) {
	var req revokeConsentRequest
	if !decodeJSON(w, r, "Server.revokeConsentHandler", &req) {
		return
	}
	if req.ContactID == "" {
		writeError(w, "Server.revokeConsentHandler", models.ErrInvalidContactID)
		return
	}
	if err := s.app.RevokeConsent(r.Context(), req.ContactID); err != nil {
		writeError(w, "Server.revokeConsentHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Consent revoked", nil))
}

func (s *Server) inboundWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var in models.InboundMessage
	if !decodeJSON(w, r, "Server.inboundWebhookHandler", &in) {
		return
	}
	out, err := s.app.ReceiveInbound(r.Context(), in)
	if err != nil {
		writeError(w, "Server.inboundWebhookHandler", err)
		return
	}
	if out == nil {
		out = []models.OutboundMessage{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SendRequest
	if !decodeJSON(w, r, "Server.sendMessageHandler", &req) {
		return
	}
	msg, err := s.app.SendManualMessage(r.Context(), req)
	if err != nil {
		writeError(w, "Server.sendMessageHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Message queued", msg))
}

type runSchedulerRequest struct {
	Now *time.Time `json:"now,omitempty"`
}

// runSchedulerHandler fires due tasks. An optional {"now": ...} body replaces the clock.
func (s *Server) runSchedulerHandler(w http.ResponseWriter, r *http.Request) {
	var req runSchedulerRequest
	if r.ContentLength != 0 && r.Body != nil {
		if !decodeJSON(w, r, "Server.runSchedulerHandler", &req) {
			return
		}
	}
	now := s.app.Now()
	if req.Now != nil {
		now = *req.Now
	}
	sent, err := s.app.RunScheduler(r.Context(), now)
	if err != nil {
		writeError(w, "Server.runSchedulerHandler", err)
		return
	}
	if sent == nil {
		sent = []models.OutboundMessage{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sent))
}

func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.app.Conversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "Server.getConversationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.app.PendingTasks(r.Context())
	if err != nil {
		writeError(w, "Server.listTasksHandler", err)
		return
	}
	if tasks == nil {
		tasks = []models.ScheduledTask{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(tasks))
}

func (s *Server) listAuditHandler(w http.ResponseWriter, r *http.Request) {
	events, err := s.app.AuditEvents(r.Context())
	if err != nil {
		writeError(w, "Server.listAuditHandler", err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(events))
}
