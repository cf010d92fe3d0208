package weave

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crafthaven/weave/agent"
	"github.com/crafthaven/weave/config"
	"github.com/crafthaven/weave/model"
)

func TestDefaultArchetypesAreValid(t *testing.T) {
	archs := DefaultArchetypes()
	require.Len(t, archs, 5)

	names := make(map[string]bool)
	for _, arch := range archs {
		require.NoError(t, arch.Validate(), arch.Name)
		assert.False(t, names[arch.Name], "duplicate archetype %s", arch.Name)
		names[arch.Name] = true
		assert.NotEmpty(t, arch.SupportedActions, arch.Name)
		assert.NotEmpty(t, arch.RestartDelayLadder, arch.Name)
	}

	assert.True(t, names[ArchetypeProductRecommendation])
	assert.True(t, names[ArchetypeCustomerSupport])
	assert.True(t, names[ArchetypeInventory])
	assert.True(t, names[ArchetypeMarketing])
	assert.True(t, names[ArchetypeArtisanAssistant])
}

func TestProductRecommendationSuggestions(t *testing.T) {
	for _, arch := range DefaultArchetypes() {
		if arch.Name != ArchetypeProductRecommendation {
			continue
		}
		assert.Equal(t,
			[]string{"Show me pottery", "Find jewelry", "Cultural artifacts", "Custom orders"},
			arch.DefaultSuggestions)
		assert.True(t, arch.SupportsAction(agent.ActionChat))
		return
	}
	t.Fatal("productRecommendation archetype missing")
}

func TestNewWiresAndStartsAgents(t *testing.T) {
	w, err := New(func(o *Options) {
		o.Provider = model.NewMockProvider()
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.StartAgents())
	for _, arch := range DefaultArchetypes() {
		assert.True(t, w.Registry().IsRunning(arch.Name), arch.Name)
	}
	assert.NotNil(t, w.Dispatcher())
	assert.NotNil(t, w.Hub())
	assert.NotNil(t, w.Gateway())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(func(o *Options) {
		o.Config = &config.Config{Provider: "carrier-pigeon", RateLimitMax: 1, MaxBodyBytes: 1}
	})
	assert.Error(t, err)
}

func TestNewRejectsInvalidArchetype(t *testing.T) {
	archs := DefaultArchetypes()
	archs[0].MaxConsecutiveErrors = 0
	_, err := New(func(o *Options) {
		o.Provider = model.NewMockProvider()
		o.Archetypes = archs
	})
	assert.Error(t, err)
}

func TestCloseIsSafeAfterStart(t *testing.T) {
	w, err := New(func(o *Options) {
		o.Provider = model.NewMockProvider()
	})
	require.NoError(t, err)
	require.NoError(t, w.StartAgents())

	done := make(chan struct{})
	go func() {
		w.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close hung")
	}
	for _, arch := range DefaultArchetypes() {
		assert.False(t, w.Registry().IsRunning(arch.Name))
	}
}
