package core

import "fmt"

// ErrKind is a stable, client-visible error category. Kinds are part of the
// wire contract; renaming one is a breaking change.
type ErrKind string

const (
	// ErrKindValidation marks malformed or unsupported input (4xx).
	ErrKindValidation ErrKind = "validationError"
	// ErrKindUnauthorized marks a missing or invalid session credential.
	ErrKindUnauthorized ErrKind = "unauthorized"
	// ErrKindRateLimited marks a request rejected by the gateway limiter.
	ErrKindRateLimited ErrKind = "rateLimited"
	// ErrKindAgentUnavailable marks a task that found no running or
	// non-saturated agent instance for its archetype.
	ErrKindAgentUnavailable ErrKind = "agentUnavailable"
	// ErrKindUpstreamFailure marks a provider call that exhausted retries.
	ErrKindUpstreamFailure ErrKind = "upstreamFailure"
	// ErrKindTimeout marks a task that exceeded its deadline.
	ErrKindTimeout ErrKind = "timeout"
	// ErrKindCancelled marks a task cancelled by the client.
	ErrKindCancelled ErrKind = "cancelled"
	// ErrKindInternal marks an unexpected failure (500, body redacted).
	ErrKindInternal ErrKind = "internal"
)

// TaskError pairs a stable kind with a human-readable message. It is the
// only error shape delivered to clients via taskFailed events.
type TaskError struct {
	Kind      ErrKind `json:"kind"`
	Message   string  `json:"message"`
	Retryable bool    `json:"retryable,omitempty"`
}

// Error implements the error interface.
func (e *TaskError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// NewTaskError constructs a TaskError with the given kind and formatted message.
func NewTaskError(kind ErrKind, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsTaskError coerces any error into a TaskError, defaulting the kind to
// internal so unexpected failures never leak raw error chains to clients.
func AsTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	if te, ok := err.(*TaskError); ok {
		return te
	}
	return &TaskError{Kind: ErrKindInternal, Message: err.Error()}
}
