package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/trufnetwork/attestd/internal/types"
)

// Codes used only at the transport layer; the service taxonomy has no
// notion of missing credentials or unsupported methods.
const (
	codeUnauthorized     = "UNAUTHORIZED"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

// errorBody is the uniform error response shape.
type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Status int    `json:"status"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// writeError renders a classified service error. Messages of classified
// errors are caller-safe by construction; anything unclassified degrades to
// a generic message. Server-side failures are logged with the request id so
// the generic body stays correlatable.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := types.CodeOf(err)
	status := types.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	s.writeErrorBody(w, r, status, string(code), types.MessageOf(err))
}

func (s *Server) writeErrorBody(w http.ResponseWriter, _ *http.Request, status int, code, msg string) {
	s.writeJSON(w, status, errorBody{Error: msg, Code: code, Status: status})
}

func (s *Server) writeUnauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	s.writeErrorBody(w, r, http.StatusUnauthorized, codeUnauthorized, msg)
}

func (s *Server) writeRateLimited(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "1")
	s.writeErrorBody(w, r, http.StatusTooManyRequests, string(types.CodeRateLimited), "rate limit exceeded")
}

// decodeJSON strictly decodes the request body: unknown fields, trailing
// content, and bodies over the size cap are all validation errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.WrapError(types.CodeValidation, err, "malformed request body: %v", err)
	}
	if dec.More() {
		return types.NewError(types.CodeValidation, "malformed request body: trailing content")
	}
	return nil
}

func parseBoundedInt(raw string, min, max int) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, strconv.ErrRange
	}
	return n, nil
}
