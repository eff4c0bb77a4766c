// Package elicitation implements the secure elicitation lifecycle: schema-
// constrained agent-to-agent requests with at-most-one-response semantics,
// cryptographic responder binding, replay protection, and an event-sourced
// projection.
package elicitation

import (
	"errors"
	"fmt"
	"time"
)

// Status of an elicitation request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status absorbs further transitions.
func (s Status) Terminal() bool { return s != StatusPending }

// ResponseType is the caller-side transition request.
type ResponseType string

const (
	ResponseAccept  ResponseType = "accept"
	ResponseDecline ResponseType = "decline"
	ResponseCancel  ResponseType = "cancel"
)

// Elicitation sub-types carried inside custom events.
const (
	elicitRequest = "elicitation_request"
	elicitAccept  = "elicitation_accepted"
	elicitDecline = "elicitation_declined"
	elicitCancel  = "elicitation_cancelled"
	elicitExpire  = "elicitation_expired"
)

// Request is the projection entry for one elicitation.
type Request struct {
	ID                  string                 `codec:"id"`
	FromAgent           string                 `codec:"from_agent"`
	ToAgent             string                 `codec:"to_agent"`
	Message             string                 `codec:"message"`
	Schema              map[string]interface{} `codec:"schema"`
	Nonce               string                 `codec:"nonce"`
	RequestSignature    string                 `codec:"request_signature"`
	ExpectedResponseKey string                 `codec:"expected_response_key"`
	CreatedAt           time.Time              `codec:"created_at"`
	ExpiresAt           time.Time              `codec:"expires_at"`
	Status              Status                 `codec:"status"`
	RespondedAt         time.Time              `codec:"responded_at,omitempty"`
	ResponseData        map[string]interface{} `codec:"response_data,omitempty"`
}

// SafeView is the caller-visible shape of a pending request: no signatures,
// no nonce, no response key.
type SafeView struct {
	ID        string                 `json:"id"`
	FromAgent string                 `json:"from_agent"`
	ToAgent   string                 `json:"to_agent"`
	Message   string                 `json:"message"`
	Schema    map[string]interface{} `json:"schema"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
	Status    Status                 `json:"status"`
}

func (r *Request) safeView() SafeView {
	return SafeView{
		ID:        r.ID,
		FromAgent: r.FromAgent,
		ToAgent:   r.ToAgent,
		Message:   r.Message,
		Schema:    r.Schema,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
		Status:    r.Status,
	}
}

// StatusInfo answers get_elicitation_status.
type StatusInfo struct {
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// Kind is the machine-readable failure class surfaced to callers.
type Kind string

const (
	KindInvalidInput         Kind = "invalid_input"
	KindUnauthorized         Kind = "unauthorized"
	KindUnauthorizedResponse Kind = "unauthorized_response"
	KindUnauthorizedCancel   Kind = "unauthorized_cancel"
	KindRateLimited          Kind = "rate_limit_exceeded"
	KindReplayAttack         Kind = "replay_attack"
	KindSchemaViolation      Kind = "schema_violation"
	KindExpired              Kind = "expired"
	KindNotFound             Kind = "not_found"
	KindNonceStoreFailure    Kind = "nonce_store_failure"
	KindShutdown             Kind = "shutdown"
)

// Error carries a kind, severity, and human message. No retry happens inside
// the manager; retry policy belongs to the calling transport.
type Error struct {
	Kind     Kind
	Severity string // info | medium | high | critical
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("elicitation[%s]: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("elicitation[%s]: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, severity, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Severity: severity, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) wrap(err error) *Error {
	e.Err = err
	return e
}

// KindOf extracts the failure kind from an error chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
