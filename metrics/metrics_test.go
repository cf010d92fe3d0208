package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TasksSubmitted.WithLabelValues("inventory", "suggestPricing").Inc()
	m.TasksFinished.WithLabelValues("inventory", "Completed").Inc()
	m.EventsPublished.WithLabelValues("taskCompleted").Add(3)
	m.ChannelSessions.Set(2)
	m.AgentRestarts.WithLabelValues("inventory").Inc()
	m.RateLimitRejects.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksSubmitted.WithLabelValues("inventory", "suggestPricing")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("taskCompleted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChannelSessions))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestInstrumentsUseDistinctNames(t *testing.T) {
	// Registering twice on one registry must fail, proving the instruments
	// are actually bound to it.
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
