package errors

import (
	"context"
	"encoding/json"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// HTTPError is the body of an error envelope.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the error envelope returned by every endpoint.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

type requestIDKey struct{}

// WithRequestID stores the request id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// NewEnvelope builds an error envelope carrying details as its context.
func NewEnvelope(code, message string, details map[string]any) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, message)
	if len(details) == 0 {
		return env
	}
	withCtx, err := env.WithContext(details)
	if err != nil {
		return env
	}
	return withCtx
}

// WriteEnvelope renders env with status. The request id on r, if any,
// becomes the envelope's correlation id.
func WriteEnvelope(w http.ResponseWriter, r *http.Request, env *gferrors.ErrorEnvelope, status int) {
	var requestID string
	if r != nil {
		requestID = RequestIDFromContext(r.Context())
	}
	if requestID != "" {
		env = env.WithCorrelationID(requestID)
	}

	resp := HTTPErrorResponse{Error: HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		Details:   env.Context,
		RequestID: requestID,
	}}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// WriteError writes an envelope with an explicit status and code.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	WriteEnvelope(w, r, NewEnvelope(code, message, details), status)
}

// RespondWithError classifies err and writes its envelope. Internal causes
// are not echoed to the client.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	se := FromError(err)
	if se == nil {
		se = New(CodeInternal, http.StatusInternalServerError, "internal server error")
	}
	status := se.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteError(w, r, status, se.Code, se.Message, se.Context)
}

// NotFoundHandler renders unknown routes as a NOT_FOUND envelope.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusNotFound, CodeNotFound, "resource not found", map[string]any{"path": r.URL.Path})
}

// MethodNotAllowedHandler renders a METHOD_NOT_ALLOWED envelope.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed",
		map[string]any{"method": r.Method, "path": r.URL.Path})
}
