package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/crafthaven/weave/core"
	"github.com/crafthaven/weave/model"
)

// Action names accepted by agent instances. An archetype lists the subset it
// supports; the dispatcher validates against that list before routing.
const (
	// ActionChat answers a conversational message with suggestions.
	ActionChat = "chat"
	// ActionSuggestPricing proposes price points for a product list.
	ActionSuggestPricing = "suggestPricing"
	// ActionOptimizeListing rewrites a listing's title and description.
	ActionOptimizeListing = "optimizeListing"
	// ActionGenerateContent drafts marketing copy for a campaign goal.
	ActionGenerateContent = "generateContent"
	// ActionSegmentCustomers groups customers by purchasing pattern.
	ActionSegmentCustomers = "segmentCustomers"
	// ActionRecommendReorder flags inventory lines needing restock.
	ActionRecommendReorder = "recommendReorder"
)

// runChat handles the chat action: ask the model with recent conversation
// context, persist both turns, and package the reply with the archetype's
// canonical suggestion list and a monotone conversation id.
func (a *Instance) runChat(ctx context.Context, task *core.Task) (map[string]any, error) {
	message, _ := task.Payload["message"].(string)
	if strings.TrimSpace(message) == "" {
		return nil, core.NewTaskError(core.ErrKindValidation, "Message is required")
	}

	history := a.conversationContext(task.SessionID)
	a.convs.Append(task.SessionID, "user", message, nil)

	reply, err := a.client.GenerateWithHistory(ctx, a.archetype.Name, history, message)
	if err != nil {
		return nil, err
	}

	a.convs.Append(task.SessionID, "agent", reply.Text, a.archetype.DefaultSuggestions)

	a.mu.Lock()
	a.conversationSeq++
	conversationID := a.conversationSeq
	a.mu.Unlock()

	return map[string]any{
		"text":           reply.Text,
		"suggestions":    a.archetype.DefaultSuggestions,
		"conversationId": conversationID,
		"metadata": map[string]any{
			"model":      reply.Model,
			"agent":      a.archetype.Name,
			"agentLabel": a.archetype.HumanLabel,
			"latencyMs":  reply.LatencyMs,
			"degraded":   reply.Degraded,
		},
	}, nil
}

// conversationContext converts recent stored turns into provider messages.
func (a *Instance) conversationContext(sessionID string) []model.Message {
	turns := a.convs.Recent(sessionID, 10)
	msgs := make([]model.Message, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == "agent" {
			role = "assistant"
		}
		msgs = append(msgs, model.Message{Role: role, Text: t.Text})
	}
	return msgs
}

// structuredSpec describes one dashboard action: the model instruction, the
// progress labels emitted around the model call, and the result key wrapping
// the model's JSON answer.
type structuredSpec struct {
	instruction string
	prepLabel   string
	finishLabel string
	resultKey   string
}

var structuredSpecs = map[string]structuredSpec{
	ActionSuggestPricing: {
		instruction: "Suggest a fair price range for each product, considering materials, labor and comparable handcrafted goods. For each product return name, suggested_price, price_range {min,max} and reasoning.",
		prepLabel:   "Analyzing products",
		finishLabel: "Pricing analysis complete",
		resultKey:   "pricing",
	},
	ActionOptimizeListing: {
		instruction: "Rewrite the listing to improve discoverability. Return optimized_title, optimized_description, keywords and improvement_notes.",
		prepLabel:   "Reviewing listing",
		finishLabel: "Listing optimized",
		resultKey:   "listing",
	},
	ActionGenerateContent: {
		instruction: "Draft marketing copy for the given campaign goal. Return headline, body, call_to_action and channels.",
		prepLabel:   "Drafting copy",
		finishLabel: "Content ready",
		resultKey:   "content",
	},
	ActionSegmentCustomers: {
		instruction: "Group the customers into segments by purchasing behavior. Return segments as a list of {name, description, customer_ids, suggested_approach}.",
		prepLabel:   "Clustering customers",
		finishLabel: "Segmentation complete",
		resultKey:   "segments",
	},
	ActionRecommendReorder: {
		instruction: "Identify inventory lines that need restocking based on stock levels and sales velocity. Return reorders as a list of {product, current_stock, recommended_quantity, urgency}.",
		prepLabel:   "Scanning inventory",
		finishLabel: "Reorder plan ready",
		resultKey:   "reorders",
	},
}

// runStructured executes a dashboard action. Every structured action emits
// at least one progress event before completing.
func (a *Instance) runStructured(ctx context.Context, task *core.Task) (map[string]any, error) {
	spec, ok := structuredSpecs[task.Action]
	if !ok {
		return nil, core.NewTaskError(core.ErrKindValidation, "action %s not supported by %s", task.Action, a.archetype.Name)
	}

	a.emitProgress(task, 0.1, spec.prepLabel)

	result, err := a.client.GenerateStructured(ctx, a.archetype.Name, spec.instruction, task.Payload)
	if err != nil {
		return nil, err
	}

	a.emitProgress(task, 0.9, spec.finishLabel)

	return map[string]any{
		spec.resultKey: result,
		"action":       task.Action,
		"agent":        a.archetype.Name,
		"summary":      fmt.Sprintf("%s for %s", spec.finishLabel, a.archetype.HumanLabel),
	}, nil
}
