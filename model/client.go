package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/crafthaven/weave/core"
	"github.com/crafthaven/weave/logging"
)

// FallbackModelName is the metadata.model value carried by degraded replies.
const FallbackModelName = "fallback-mode"

// Options configures the shared model client.
type Options struct {
	// CallTimeout bounds the wall clock of a single provider call.
	CallTimeout time.Duration
	// RetryDelays is the backoff ladder applied between transient failures.
	// Its length determines the number of retries.
	RetryDelays []time.Duration
	// MaxOutbound bounds concurrent provider calls across all agents.
	MaxOutbound int
	// ProviderRate and ProviderBurst shape the token bucket applied before
	// every outbound call to respect provider rate limits.
	ProviderRate  rate.Limit
	ProviderBurst int
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Reply is the outcome of a Generate call. Degraded replies look like live
// ones; the flag exists for observability only.
type Reply struct {
	Text      string `json:"text"`
	LatencyMs int64  `json:"latency_ms"`
	Degraded  bool   `json:"degraded,omitempty"`
	Model     string `json:"model"`
}

// Client is the single adapter over the upstream provider shared by all
// agents. It is stateless across calls apart from the concurrency semaphore
// and rate limiter, and it knows nothing about tasks.
type Client struct {
	provider   Provider
	archetypes map[string]core.Archetype
	sem        chan struct{}
	bucket     *rate.Limiter
	opts       Options
}

// NewClient creates a Client over the given provider for the given archetype
// set. Archetypes drive prompt assembly and fallback replies; the client
// never mutates them.
func NewClient(provider Provider, archetypes []core.Archetype, optFns ...func(o *Options)) *Client {
	opts := Options{
		CallTimeout:   15 * time.Second,
		RetryDelays:   []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 3 * time.Second},
		MaxOutbound:   8,
		ProviderRate:  rate.Limit(10),
		ProviderBurst: 20,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	byName := make(map[string]core.Archetype, len(archetypes))
	for _, a := range archetypes {
		byName[a.Name] = a
	}

	return &Client{
		provider:   provider,
		archetypes: byName,
		sem:        make(chan struct{}, opts.MaxOutbound),
		bucket:     rate.NewLimiter(opts.ProviderRate, opts.ProviderBurst),
		opts:       opts,
	}
}

// Generate asks the provider for a reply framed by the archetype's prompt
// template. On persistent upstream failure it returns the archetype's
// canonical fallback reply with Degraded set instead of an error, so chat
// callers never need to distinguish failure from degraded success.
func (c *Client) Generate(ctx context.Context, archetypeName, userText string, contextHints []string) (Reply, error) {
	arch, ok := c.archetypes[archetypeName]
	if !ok {
		return Reply{}, core.NewTaskError(core.ErrKindValidation, "unknown archetype %s", archetypeName)
	}

	req := Request{
		System:   arch.SystemPromptTemplate.Render(contextHints),
		Messages: []Message{{Role: "user", Text: userText}},
	}

	start := time.Now()
	resp, attempts, err := c.complete(ctx, req)
	latency := time.Since(start)
	c.logModelCall(attempts, latency, err)
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		return c.fallbackReply(arch, latency), nil
	}

	return Reply{
		Text:      resp.Text,
		LatencyMs: latency.Milliseconds(),
		Model:     c.provider.Info().Name,
	}, nil
}

// GenerateStructured asks the provider for a JSON-shaped answer and decodes
// it. Unlike Generate there is no fallback: persistent upstream failure and
// malformed responses surface as errors because dashboard tasks must fail
// visibly rather than fabricate numbers.
func (c *Client) GenerateStructured(ctx context.Context, archetypeName, instruction string, payload map[string]any) (map[string]any, error) {
	arch, ok := c.archetypes[archetypeName]
	if !ok {
		return nil, core.NewTaskError(core.ErrKindValidation, "unknown archetype %s", archetypeName)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, core.NewTaskError(core.ErrKindValidation, "payload not serializable: %v", err)
	}

	var user strings.Builder
	user.WriteString(instruction)
	user.WriteString("\nRespond with a single JSON object and nothing else.\nInput data: ")
	user.Write(body)

	req := Request{
		System:   arch.SystemPromptTemplate.Render(nil),
		Messages: []Message{{Role: "user", Text: user.String()}},
		JSONMode: true,
	}

	start := time.Now()
	resp, attempts, err := c.complete(ctx, req)
	c.logModelCall(attempts, time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.NewTaskError(core.ErrKindUpstreamFailure, "provider unavailable after %d attempts", attempts)
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &result); err != nil {
		return nil, core.NewTaskError(core.ErrKindUpstreamFailure, "provider returned malformed structured response")
	}
	return result, nil
}

// GenerateWithHistory behaves like Generate but supplies prior conversation
// turns as provider messages instead of context hints.
func (c *Client) GenerateWithHistory(ctx context.Context, archetypeName string, history []Message, userText string) (Reply, error) {
	arch, ok := c.archetypes[archetypeName]
	if !ok {
		return Reply{}, core.NewTaskError(core.ErrKindValidation, "unknown archetype %s", archetypeName)
	}

	msgs := make([]Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, Message{Role: "user", Text: userText})
	req := Request{System: arch.SystemPromptTemplate.Render(nil), Messages: msgs}

	start := time.Now()
	resp, attempts, err := c.complete(ctx, req)
	latency := time.Since(start)
	c.logModelCall(attempts, latency, err)
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		return c.fallbackReply(arch, latency), nil
	}
	return Reply{Text: resp.Text, LatencyMs: latency.Milliseconds(), Model: c.provider.Info().Name}, nil
}

// complete runs the bounded, rate-limited retry loop around one logical
// provider call. It returns the number of attempts made for observability.
func (c *Client) complete(ctx context.Context, req Request) (Response, int, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return Response{}, 0, ctx.Err()
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= len(c.opts.RetryDelays); attempt++ {
		if attempt > 0 {
			delay := jitter(c.opts.RetryDelays[attempt-1])
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Response{}, attempts, ctx.Err()
			}
		}

		if err := c.bucket.Wait(ctx); err != nil {
			return Response{}, attempts, err
		}

		attempts++
		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		resp, err := c.provider.Complete(callCtx, req)
		cancel()
		if err == nil {
			return resp, attempts, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Response{}, attempts, ctx.Err()
		}
		if !IsTransient(err) {
			return Response{}, attempts, err
		}
	}
	return Response{}, attempts, fmt.Errorf("retries exhausted: %w", lastErr)
}

// FallbackText is the canonical degraded reply for an archetype, derived
// from its default suggestions. The gateway uses the same text when a chat
// task fails outright so clients always see one fallback shape.
func FallbackText(arch core.Archetype) string {
	var b strings.Builder
	b.WriteString("I'm having trouble reaching our assistant right now, but I can still help you explore the marketplace.")
	if len(arch.DefaultSuggestions) > 0 {
		b.WriteString(" Try one of these: ")
		b.WriteString(strings.Join(arch.DefaultSuggestions, ", "))
		b.WriteString(".")
	}
	return b.String()
}

// fallbackReply builds the canonical degraded reply from the archetype's
// default suggestions.
func (c *Client) fallbackReply(arch core.Archetype, latency time.Duration) Reply {
	return Reply{
		Text:      FallbackText(arch),
		LatencyMs: latency.Milliseconds(),
		Degraded:  true,
		Model:     FallbackModelName,
	}
}

func (c *Client) logModelCall(attempts int, dur time.Duration, err error) {
	if wl, ok := c.opts.Logger.(*logging.WeaveLogger); ok {
		wl.LogModelCall(c.provider.Info().Name, attempts, dur, err != nil, err)
		return
	}
	if err != nil {
		c.opts.Logger.Error("model call failed after %d attempts: %v", attempts, err)
	} else {
		c.opts.Logger.Debug("model call completed attempts=%d duration=%s", attempts, dur)
	}
}

// jitter applies up to ±25% random skew to a backoff delay.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	skew := time.Duration(rand.Int63n(int64(d) / 2))
	return d - d/4 + skew
}
