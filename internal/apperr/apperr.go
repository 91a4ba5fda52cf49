// Package apperr defines the proxy's error taxonomy. Every error that can
// reach an HTTP handler is one of these concrete types, each carrying its
// own status code and Anthropic-style JSON envelope, mirroring how the
// teacher's ErrorClassifier keys behavior off a status-code switch rather
// than sentinel error values.
package apperr

import "github.com/gin-gonic/gin"

// Kind is the Anthropic error envelope's "type" field.
type Kind string

const (
	KindValidation     Kind = "invalid_request_error"
	KindAuthentication Kind = "authentication_error"
	KindAuthorization  Kind = "permission_error"
	KindUpstream       Kind = "api_error"
	KindCredential     Kind = "api_error"
	KindPersistence    Kind = "api_error"
	KindCancelled      Kind = "api_error"
	KindRateLimit      Kind = "rate_limit_error"
)

// Error is satisfied by every typed error in this package; handlers
// type-switch on it to pick a response instead of inspecting strings.
type Error interface {
	error
	HTTPStatus() int
	Envelope() gin.H
}

func envelope(kind Kind, msg string) gin.H {
	return gin.H{"error": gin.H{"type": string(kind), "message": msg}}
}

// ValidationError — malformed or unparseable request body.
type ValidationError struct{ Message string }

func (e *ValidationError) Error() string    { return e.Message }
func (e *ValidationError) HTTPStatus() int  { return 400 }
func (e *ValidationError) Envelope() gin.H  { return envelope(KindValidation, e.Message) }

// AuthenticationError — missing or invalid client key (spec §4.1).
type AuthenticationError struct {
	Message string
	Realm   string
}

func (e *AuthenticationError) Error() string   { return e.Message }
func (e *AuthenticationError) HTTPStatus() int { return 401 }
func (e *AuthenticationError) Envelope() gin.H { return envelope(KindAuthentication, e.Message) }

// AuthorizationError — authenticated client, disallowed action.
type AuthorizationError struct{ Message string }

func (e *AuthorizationError) Error() string   { return e.Message }
func (e *AuthorizationError) HTTPStatus() int { return 403 }
func (e *AuthorizationError) Envelope() gin.H { return envelope(KindAuthorization, e.Message) }

// UpstreamError wraps a non-2xx or transport-level failure talking to the
// Anthropic API. StatusCode is 0 for transport errors (connection refused,
// timeout) with no response at all.
type UpstreamError struct {
	Message    string
	StatusCode int
}

func (e *UpstreamError) Error() string { return e.Message }
func (e *UpstreamError) HTTPStatus() int {
	if e.StatusCode >= 400 {
		return e.StatusCode
	}
	return 502
}
func (e *UpstreamError) Envelope() gin.H { return envelope(KindUpstream, e.Message) }

// CredentialError — descriptor load/parse failure or exhausted OAuth
// refresh retries (spec §4.2). Always logged loud and evicts the cache
// entry at the call site; never carries the secret material itself.
type CredentialError struct{ Message string }

func (e *CredentialError) Error() string   { return e.Message }
func (e *CredentialError) HTTPStatus() int { return 500 }
func (e *CredentialError) Envelope() gin.H { return envelope(KindCredential, e.Message) }

// PersistenceError — a durable-store write failed. Distinct from
// CredentialError so handlers/metrics can tell read-vs-write-vs-auth
// subsystem failures apart.
type PersistenceError struct{ Message string }

func (e *PersistenceError) Error() string   { return e.Message }
func (e *PersistenceError) HTTPStatus() int { return 500 }
func (e *PersistenceError) Envelope() gin.H { return envelope(KindPersistence, e.Message) }

// CancelledError — the client disconnected or the request context was
// cancelled before completion; not a failure worth alerting on.
type CancelledError struct{ Message string }

func (e *CancelledError) Error() string   { return e.Message }
func (e *CancelledError) HTTPStatus() int { return 499 }
func (e *CancelledError) Envelope() gin.H { return envelope(KindCancelled, e.Message) }

// RateLimitExhaustedError — no pool member has remaining budget (spec
// §4.3 step 5).
type RateLimitExhaustedError struct{ Message string }

func (e *RateLimitExhaustedError) Error() string   { return e.Message }
func (e *RateLimitExhaustedError) HTTPStatus() int { return 429 }
func (e *RateLimitExhaustedError) Envelope() gin.H { return envelope(KindRateLimit, e.Message) }
