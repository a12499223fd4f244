// Package errors renders gofulmen error envelopes for the HTTP layer.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/ckptrun/pkg/provider"
)

// Error codes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeStorageDenied      = "STORAGE_ACCESS_DENIED"
	CodeStorageThrottled   = "STORAGE_THROTTLED"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
)

// HTTPError is the client-facing projection of an ErrorEnvelope. Envelope
// context and details are merged into Details; the correlation id is
// reported as RequestID.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Path      string         `json:"path,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// HTTPErrorResponse wraps HTTPError under an "error" key.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// NewEnvelope builds an envelope for an HTTP failure. Severity follows the
// status class and the request id becomes the correlation id.
func NewEnvelope(r *http.Request, status int, code, message string) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, message)
	severity := gferrors.SeverityLow
	if status >= http.StatusInternalServerError {
		severity = gferrors.SeverityHigh
	}
	env = gferrors.SafeWithSeverity(env, severity)
	if r != nil {
		env = env.WithPath(r.URL.Path)
		if id := requestID(r); id != "" {
			env = env.WithCorrelationID(id)
		}
	}
	return env
}

// WriteEnvelope writes env with the given status.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: project(env)})
}

func project(env *gferrors.ErrorEnvelope) HTTPError {
	if env == nil {
		return HTTPError{Code: CodeInternal, Message: "unknown error"}
	}
	var details map[string]any
	if len(env.Details)+len(env.Context) > 0 {
		details = make(map[string]any, len(env.Details)+len(env.Context))
		for k, v := range env.Details {
			details[k] = v
		}
		for k, v := range env.Context {
			details[k] = v
		}
	}
	return HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		Details:   details,
		Path:      env.Path,
		Severity:  string(env.Severity),
		RequestID: env.CorrelationID,
		Timestamp: env.Timestamp,
	}
}

// RespondWithError maps err onto a status and code and writes the envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	env := NewEnvelope(r, status, code, err.Error()).WithOriginal(err)

	var pe *provider.ProviderError
	if stderrors.As(err, &pe) {
		env = gferrors.SafeWithContext(env, map[string]interface{}{
			"provider":  string(pe.Provider),
			"operation": pe.Op,
			"key":       pe.Key,
		})
	}
	WriteEnvelope(w, env, status)
}

// Classify maps storage errors onto HTTP semantics. Anything unrecognized is
// an internal error.
func Classify(err error) (int, string) {
	var pe *provider.ProviderError
	switch {
	case provider.IsAccessDenied(err), provider.IsInvalidCredentials(err):
		return http.StatusBadGateway, CodeStorageDenied
	case provider.IsThrottled(err):
		return http.StatusServiceUnavailable, CodeStorageThrottled
	case provider.IsProviderUnavailable(err), provider.IsBucketNotFound(err), stderrors.As(err, &pe):
		return http.StatusServiceUnavailable, CodeStorageUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// NotFoundHandler serves the standard 404 envelope.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteEnvelope(w, NewEnvelope(r, http.StatusNotFound, CodeNotFound, "route not found: "+r.URL.Path), http.StatusNotFound)
}

// MethodNotAllowedHandler serves the standard 405 envelope.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	env := NewEnvelope(r, http.StatusMethodNotAllowed, CodeMethodNotAllowed,
		"method "+r.Method+" not allowed on "+r.URL.Path)
	WriteEnvelope(w, env, http.StatusMethodNotAllowed)
}

func requestID(r *http.Request) string {
	return r.Header.Get("X-Request-ID")
}
