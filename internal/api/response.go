package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/space-ingest/pkg/apperr"
	"github.com/space-ingest/pkg/logger"
)

// envelope wraps every API response
type envelope struct {
	OK    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: data})
}

// writeError answers with the error envelope. The trace id is logged with the
// full error so a client report can be matched to the log line.
func writeError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	traceID := uuid.NewString()
	status := apperr.HTTPStatusCode(err)

	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.
		Err(err).
		Str("trace_id", traceID).
		Str("path", r.URL.Path).
		Str("error_kind", apperr.KindName(err)).
		Int("status", status).
		Msg("Request failed")

	writeJSON(w, status, envelope{
		Error: &apiError{
			Code:    apperr.Code(err),
			Message: err.Error(),
			TraceID: traceID,
		},
	})
}
