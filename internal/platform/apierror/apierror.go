// Package apierror normalises transport-level failures into the closed set of
// error kinds the rest of the client branches on. Classification happens in
// exactly one place; no other package reads raw HTTP statuses.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind identifies one of the four classified failure categories.
type Kind string

const (
	// KindConflict is a version-precondition mismatch on the cart resource.
	KindConflict Kind = "concurrency_conflict"
	// KindValidation is a field-level rejection of the submitted input.
	KindValidation Kind = "validation_failure"
	// KindSessionExpired means the session credential must be refreshed.
	KindSessionExpired Kind = "session_expired"
	// KindUnclassified covers every other failure; the raw status is kept.
	KindUnclassified Kind = "unclassified"
)

// Error is the classified form of a transport failure.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	// Fields maps field names to validation messages. For KindValidation it
	// is always non-nil, even when the server supplied no detail.
	Fields map[string]string
	cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "apierror: <nil>"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Status > 0 {
		return fmt.Sprintf("apierror: %s (status %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("apierror: %s: %s", e.Kind, msg)
}

// Unwrap exposes the transport-level cause when one exists.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// envelope mirrors the API's JSON error body.
type envelope struct {
	Code    string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
}

// Classify maps a transport failure onto exactly one Error. It is total: any
// status/body/error combination yields a classified result, and unknown
// statuses are preserved on the KindUnclassified error rather than dropped.
// A zero status means the request never produced a response.
func Classify(status int, body []byte, cause error) *Error {
	var env envelope
	if len(body) > 0 {
		// Body parse failures are tolerated; classification then relies on
		// the status alone.
		_ = json.Unmarshal(body, &env)
	}

	out := &Error{
		Status:  status,
		Code:    strings.TrimSpace(env.Code),
		Message: strings.TrimSpace(env.Message),
		cause:   cause,
	}
	if out.Message == "" && cause != nil {
		out.Message = cause.Error()
	}

	switch {
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		out.Kind = KindConflict
	case status == http.StatusUnprocessableEntity:
		out.Kind = KindValidation
	case status == http.StatusBadRequest && len(env.Fields) > 0:
		out.Kind = KindValidation
	case status == http.StatusUnauthorized || status == 419:
		out.Kind = KindSessionExpired
	default:
		out.Kind = KindUnclassified
	}

	if out.Kind == KindValidation {
		out.Fields = make(map[string]string, len(env.Fields))
		for field, msg := range env.Fields {
			out.Fields[field] = msg
		}
	}
	return out
}

// FromError recovers a classified error from an error chain.
func FromError(err error) (*Error, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified, true
	}
	return nil, false
}

// KindOf reports the classified kind of err, or KindUnclassified when err
// never passed through Classify.
func KindOf(err error) Kind {
	if classified, ok := FromError(err); ok {
		return classified.Kind
	}
	return KindUnclassified
}

// IsConflict reports whether err classified as a version conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsValidation reports whether err classified as a validation failure.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsSessionExpired reports whether err classified as an expired session.
func IsSessionExpired(err error) bool { return KindOf(err) == KindSessionExpired }

// Retryable reports whether the coordinator may retry the mutation. Only
// conflicts and session expiry carry a retry budget; validation failures and
// unclassified errors are surfaced immediately.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindSessionExpired:
		return true
	default:
		return false
	}
}
