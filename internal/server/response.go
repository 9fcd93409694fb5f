package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/betlink/betlinkd/internal/apperr"
)

// envelope is the uniform response shape. Success responses carry data;
// failures carry the error block with a taxonomy code.
type envelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
	Error   *errorEnvelope `json:"error,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
}

type errorEnvelope struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (s *Server) writeData(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	s.writeJSON(w, r, status, envelope{
		Success: true,
		Data:    data,
		TraceID: traceIDFrom(r.Context()),
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	body := errorEnvelope{Code: string(code), Message: "internal error"}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Details = appErr.Details
	}
	if code == apperr.CodeInternal {
		// Internal details never reach partners; the trace id links the
		// response to the logs.
		s.log.Error("request failed",
			zap.String("trace_id", traceIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		body.Message = "internal error"
		body.Details = nil
	}

	s.writeJSON(w, r, code.HTTPStatus(), envelope{
		Success: false,
		Error:   &body,
		TraceID: traceIDFrom(r.Context()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("failed to write response", zap.Error(err))
	}
}
