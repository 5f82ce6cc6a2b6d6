// Package faults defines the stable error taxonomy shared by the pipeline,
// the adapters, and the streaming engine. Plugins translate low-level
// failures into a *Fault before returning; adapters translate a *Fault into
// wire codes. Anything that is not a *Fault is treated as internal/*.
package faults

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is the coarse error category carried on the wire in error.kind.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindRateLimit  Kind = "ratelimit"
	KindEncryption Kind = "encryption"
	KindUpstream   Kind = "upstream"
	KindInternal   Kind = "internal"
)

// Fault is a classified gateway error. Code is the stable "kind/detail"
// identifier from the taxonomy (e.g. "encryption/no_session").
type Fault struct {
	Kind          Kind
	Code          string
	Message       string
	RetryAfter    time.Duration
	CorrelationID string
	cause         error
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.cause }

// WithCause attaches the underlying error for logging; the cause is never
// serialized to the client.
func (f *Fault) WithCause(err error) *Fault {
	c := *f
	c.cause = err
	return &c
}

// WithCorrelation stamps the request correlation id onto the fault.
func (f *Fault) WithCorrelation(id string) *Fault {
	c := *f
	c.CorrelationID = id
	return &c
}

func newFault(kind Kind, code, message string) *Fault {
	return &Fault{Kind: kind, Code: code, Message: message}
}

// Taxonomy constructors. Each returns a fresh value so callers may attach a
// cause or correlation id without racing.

func NoSession(clientID string) *Fault {
	return newFault(KindEncryption, "encryption/no_session",
		fmt.Sprintf("no encryption session for client %q, re-handshake required", clientID))
}

func DecryptFail() *Fault {
	return newFault(KindEncryption, "encryption/decrypt_fail", "payload did not authenticate")
}

func NonceReplay() *Fault {
	return newFault(KindEncryption, "encryption/replay", "nonce already seen for this session")
}

func SessionExpired() *Fault {
	return newFault(KindEncryption, "encryption/session_expired", "Encryption session expired")
}

func AuthMissing() *Fault {
	return newFault(KindAuth, "auth/missing", "missing bearer token")
}

func AuthInvalid() *Fault {
	return newFault(KindAuth, "auth/invalid", "bearer token is not valid")
}

func AuthExpired() *Fault {
	return newFault(KindAuth, "auth/expired", "bearer token has expired")
}

func RateLimited(retryAfter time.Duration) *Fault {
	f := newFault(KindRateLimit, "ratelimit/exceeded", "rate limit exceeded")
	f.RetryAfter = retryAfter
	return f
}

func BadPayload(pointer, reason string) *Fault {
	return newFault(KindValidation, "validation/bad_payload",
		fmt.Sprintf("payload invalid at %s: %s", pointer, reason))
}

func UpstreamTimeout(subject string) *Fault {
	return newFault(KindUpstream, "upstream/timeout",
		fmt.Sprintf("no reply from %s within deadline", subject))
}

func UpstreamUnavailable(subject string) *Fault {
	return newFault(KindUpstream, "upstream/unavailable",
		fmt.Sprintf("no handler available for %s", subject))
}

func Internal(message string) *Fault {
	return newFault(KindInternal, "internal/error", message)
}

// From normalizes any error to a *Fault. Unclassified errors become
// internal/* so adapters never leak raw error strings to clients.
func From(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return Internal("unexpected error").WithCause(err)
}

// HTTPStatus maps a fault to its HTTP response code.
func (f *Fault) HTTPStatus() int {
	switch f.Code {
	case "encryption/no_session", "encryption/decrypt_fail", "encryption/replay",
		"encryption/session_expired":
		return http.StatusUnauthorized
	case "auth/missing", "auth/invalid", "auth/expired":
		return http.StatusUnauthorized
	case "ratelimit/exceeded":
		return http.StatusTooManyRequests
	case "validation/bad_payload":
		return http.StatusUnprocessableEntity
	case "upstream/timeout":
		return http.StatusGatewayTimeout
	case "upstream/unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WirePayload is the JSON error body: {"success":false, "error":{...}}.
type WirePayload struct {
	Success bool     `json:"success"`
	Error   WireBody `json:"error"`
}

type WireBody struct {
	Kind          Kind   `json:"kind"`
	Message       string `json:"message"`
	RetryAfterMS  int64  `json:"retry_after_ms,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Wire builds the serializable error shape for this fault.
func (f *Fault) Wire() WirePayload {
	body := WireBody{Kind: f.Kind, Message: f.Message}
	if f.RetryAfter > 0 {
		body.RetryAfterMS = f.RetryAfter.Milliseconds()
	}
	if f.Kind == KindInternal {
		body.CorrelationID = f.CorrelationID
	}
	return WirePayload{Success: false, Error: body}
}
