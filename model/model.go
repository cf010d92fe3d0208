// Package model adapts the upstream generative-language provider behind a
// single client used by all agents. The client owns prompt assembly, call
// timeouts, retry with backoff, outbound concurrency bounds and the
// canonical fallback reply; provider packages (openai, anthropic) only
// translate requests into their SDK's shape.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Message is one conversational turn handed to the provider.
type Message struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// Request is the normalized provider input.
type Request struct {
	System   string    `json:"system"`
	Messages []Message `json:"messages"`
	// JSONMode asks the provider to answer with a single JSON object.
	JSONMode bool `json:"json_mode,omitempty"`
}

// Response is the provider output.
type Response struct {
	Text string `json:"text"`
}

// Info contains metadata about a provider implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock"
}

// Provider is the minimal interface required to drive generation. Complete
// must respect context cancellation and return a ProviderError for any
// upstream failure so the client can classify it.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Info() Info
}

// ProviderError wraps an upstream failure with enough shape for retry
// classification. Transient failures (network, 5xx, 429) are retried;
// everything else fails immediately.
type ProviderError struct {
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider error: %v", e.Err)
}

// Unwrap exposes the underlying error.
func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying.
func (e *ProviderError) Transient() bool {
	if e.StatusCode == 429 || e.StatusCode >= 500 {
		return true
	}
	// StatusCode 0 means the request never got an HTTP response (network
	// error or per-call timeout).
	return e.StatusCode == 0
}

// IsTransient classifies an arbitrary error for the retry loop.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// MockProvider is a lightweight in-memory Provider useful for tests. Canned
// replies are keyed by the last user message; a scripted error queue is
// consumed before any reply is served, which makes retry paths testable.
type MockProvider struct {
	mu        sync.Mutex
	replies   map[string]string
	errQueue  []error
	callCount int
}

// NewMockProvider constructs an empty MockProvider.
func NewMockProvider() *MockProvider {
	return &MockProvider{replies: make(map[string]string)}
}

// AddReply registers a deterministic canned completion for an input message.
func (m *MockProvider) AddReply(input, reply string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[input] = reply
}

// QueueError schedules errs to be returned, in order, by upcoming Complete
// calls before any canned reply is served.
func (m *MockProvider) QueueError(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errQueue = append(m.errQueue, errs...)
}

// CallCount returns how many times Complete has been invoked.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Complete implements Provider.
func (m *MockProvider) Complete(ctx context.Context, req Request) (Response, error) {
	m.mu.Lock()
	m.callCount++
	if len(m.errQueue) > 0 {
		err := m.errQueue[0]
		m.errQueue = m.errQueue[1:]
		m.mu.Unlock()
		return Response{}, err
	}
	var input string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			input = req.Messages[i].Text
			break
		}
	}
	reply := m.replies[input]
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return Response{}, &ProviderError{Err: ctx.Err()}
	default:
	}
	if reply == "" {
		reply = fmt.Sprintf("Mock reply to: %s", input)
		if req.JSONMode {
			reply = fmt.Sprintf(`{"echo": %q}`, input)
		}
	}
	return Response{Text: reply}, nil
}

// Info implements Provider.
func (m *MockProvider) Info() Info { return Info{Name: "mock-model", Provider: "mock"} }

// extractJSON trims markdown code fences some providers wrap around JSON
// answers, returning the bare object text.
func extractJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
