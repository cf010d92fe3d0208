package core

import (
	"fmt"
	"strings"
	"time"
)

// PromptTemplate is a structured prompt definition. Rendering is a pure
// function of (template, inputs) so identical inputs always produce the
// identical prompt, which keeps record/replay testing and caching honest.
type PromptTemplate struct {
	// RoleFraming positions the model, e.g. "customer support for a
	// handcrafted marketplace".
	RoleFraming string `json:"role_framing"`
	// Guidelines are appended verbatim, one per line, after the framing.
	Guidelines []string `json:"guidelines,omitempty"`
}

// Render assembles the system prompt from the framing, guidelines and
// optional context hints. Hint order is preserved as given by the caller.
func (p PromptTemplate) Render(contextHints []string) string {
	var b strings.Builder
	b.WriteString("You are ")
	b.WriteString(p.RoleFraming)
	b.WriteString(".")
	for _, g := range p.Guidelines {
		b.WriteString("\n")
		b.WriteString(g)
	}
	for _, h := range contextHints {
		b.WriteString("\nContext: ")
		b.WriteString(h)
	}
	return b.String()
}

// Archetype is the immutable descriptor for a kind of agent. Archetypes are
// defined at startup and never mutated; agents, the registry and the
// dispatcher all reference them by Name.
type Archetype struct {
	// Name is the external identifier used in routes and task submissions.
	Name string `json:"name"`
	// HumanLabel is the display name surfaced in chat metadata.
	HumanLabel string `json:"human_label"`
	// SystemPromptTemplate parameterizes every model call for this archetype.
	SystemPromptTemplate PromptTemplate `json:"system_prompt_template"`
	// SupportedActions lists the task actions this archetype accepts.
	SupportedActions []string `json:"supported_actions"`
	// DefaultSuggestions is the canonical suggestion list attached to chat
	// replies and used to build the degraded fallback reply.
	DefaultSuggestions []string `json:"default_suggestions"`
	// MaxConcurrentTasks bounds in-flight tasks for the agent instance.
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
	// MaxConsecutiveErrors is the failure threshold after which the agent
	// transitions to Failing and awaits a registry decision. Required; there
	// is deliberately no default.
	MaxConsecutiveErrors int `json:"max_consecutive_errors"`
	// RestartDelayLadder is indexed by consecutive error count when the
	// registry schedules a supervised restart. Exhausting the ladder
	// quarantines the archetype.
	RestartDelayLadder []time.Duration `json:"restart_delay_ladder"`
}

// Validate reports whether the descriptor is complete enough to start an
// agent from.
func (a Archetype) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("archetype name is required")
	}
	if a.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("archetype %s: max concurrent tasks must be positive", a.Name)
	}
	if a.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("archetype %s: max consecutive errors must be configured", a.Name)
	}
	return nil
}

// SupportsAction reports whether action appears in SupportedActions.
func (a Archetype) SupportsAction(action string) bool {
	for _, s := range a.SupportedActions {
		if s == action {
			return true
		}
	}
	return false
}
