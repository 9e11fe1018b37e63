package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/LeadPipe/internal/app"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/templates"
)

// Pre-marshaled fallback response for when encoding a response fails.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("failed to marshal fallback error response: %v", err))
	}
}

// writeJSONResponse marshals response before touching the headers so an encoding failure can still
// produce a clean 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		data = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", err)
	}
}

// validationErrors are caller mistakes reported as 400.
var validationErrors = []error{
	models.ErrInvalidContactID,
	models.ErrInvalidE164,
	models.ErrInvalidFirstName,
	models.ErrFirstNameTooLong,
	models.ErrInvalidTimezone,
	models.ErrInvalidConversationID,
	models.ErrInvalidMessageID,
	models.ErrEmptyContent,
	models.ErrContentTooLong,
	models.ErrInvalidMessageKind,
	models.ErrMissingTemplateName,
	templates.ErrUnknownTemplate,
	templates.ErrMissingVariable,
}

// statusFor maps an App error to an HTTP status.
func statusFor(err error) int {
	var denied *app.PolicyDeniedError
	switch {
	case app.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, app.ErrConsentRevoked):
		return http.StatusForbidden
	case errors.As(err, &denied):
		return http.StatusConflict
	}
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

// writeError writes err with its mapped status. Internal errors are logged and hidden from the caller.
func writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error(op+": internal error", "error", err)
		writeJSONResponse(w, status, models.Error("Internal server error"))
		return
	}
	slog.Warn(op+": request rejected", "status", status, "error", err)
	writeJSONResponse(w, status, models.Error(err.Error()))
}
