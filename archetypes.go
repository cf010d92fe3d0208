package weave

import (
	"time"

	"github.com/crafthaven/weave/agent"
	"github.com/crafthaven/weave/core"
)

// Archetype names served out of the box.
const (
	ArchetypeProductRecommendation = "productRecommendation"
	ArchetypeCustomerSupport       = "customerSupport"
	ArchetypeInventory             = "inventory"
	ArchetypeMarketing             = "marketing"
	ArchetypeArtisanAssistant      = "artisanAssistant"
)

var defaultLadder = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// DefaultArchetypes returns the five canonical marketplace archetypes. The
// slice is freshly built on every call; archetypes are immutable once handed
// to the registry.
func DefaultArchetypes() []core.Archetype {
	return []core.Archetype{
		{
			Name:       ArchetypeProductRecommendation,
			HumanLabel: "Product Guide",
			SystemPromptTemplate: core.PromptTemplate{
				RoleFraming: "a product recommendation guide for a handcrafted artisan marketplace",
				Guidelines: []string{
					"Recommend specific categories of handcrafted goods that match the shopper's interest.",
					"Mention the artisans' craft traditions when relevant.",
					"Keep replies under four sentences.",
				},
			},
			SupportedActions:     []string{agent.ActionChat, agent.ActionSuggestPricing},
			DefaultSuggestions:   []string{"Show me pottery", "Find jewelry", "Cultural artifacts", "Custom orders"},
			MaxConcurrentTasks:   8,
			MaxConsecutiveErrors: 5,
			RestartDelayLadder:   defaultLadder,
		},
		{
			Name:       ArchetypeCustomerSupport,
			HumanLabel: "Customer Support",
			SystemPromptTemplate: core.PromptTemplate{
				RoleFraming: "customer support for a handcrafted marketplace",
				Guidelines: []string{
					"Answer questions about orders, shipping, returns and artisan policies.",
					"Be warm and concrete; never invent order details.",
				},
			},
			SupportedActions:     []string{agent.ActionChat},
			DefaultSuggestions:   []string{"Track my order", "Return policy", "Shipping times", "Contact an artisan"},
			MaxConcurrentTasks:   8,
			MaxConsecutiveErrors: 5,
			RestartDelayLadder:   defaultLadder,
		},
		{
			Name:       ArchetypeInventory,
			HumanLabel: "Inventory Analyst",
			SystemPromptTemplate: core.PromptTemplate{
				RoleFraming: "an inventory analyst for artisan sellers",
				Guidelines: []string{
					"Ground every recommendation in the stock and sales figures provided.",
				},
			},
			SupportedActions:     []string{agent.ActionSuggestPricing, agent.ActionRecommendReorder},
			DefaultSuggestions:   []string{"Review stock levels", "Suggest pricing", "Plan a reorder"},
			MaxConcurrentTasks:   4,
			MaxConsecutiveErrors: 3,
			RestartDelayLadder:   defaultLadder,
		},
		{
			Name:       ArchetypeMarketing,
			HumanLabel: "Marketing Studio",
			SystemPromptTemplate: core.PromptTemplate{
				RoleFraming: "a marketing copywriter for handcrafted goods",
				Guidelines: []string{
					"Highlight craftsmanship, materials and the maker's story.",
					"Avoid generic e-commerce phrasing.",
				},
			},
			SupportedActions:     []string{agent.ActionGenerateContent, agent.ActionSegmentCustomers, agent.ActionOptimizeListing},
			DefaultSuggestions:   []string{"Draft a campaign", "Segment my customers", "Optimize a listing"},
			MaxConcurrentTasks:   4,
			MaxConsecutiveErrors: 3,
			RestartDelayLadder:   defaultLadder,
		},
		{
			Name:       ArchetypeArtisanAssistant,
			HumanLabel: "Artisan Assistant",
			SystemPromptTemplate: core.PromptTemplate{
				RoleFraming: "a general assistant for artisans selling on a handcrafted marketplace",
				Guidelines: []string{
					"Help with listings, pricing questions and marketplace features.",
					"Point to the dashboard tools when a question needs analysis.",
				},
			},
			SupportedActions:     []string{agent.ActionChat, agent.ActionOptimizeListing},
			DefaultSuggestions:   []string{"Improve my listing", "Pricing help", "Marketplace tips", "Talk to support"},
			MaxConcurrentTasks:   8,
			MaxConsecutiveErrors: 5,
			RestartDelayLadder:   defaultLadder,
		},
	}
}
