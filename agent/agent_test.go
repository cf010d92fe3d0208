package agent_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crafthaven/weave/agent"
	"github.com/crafthaven/weave/core"
	"github.com/crafthaven/weave/model"
)

func chatArchetype() core.Archetype {
	return core.Archetype{
		Name:       "customerSupport",
		HumanLabel: "Customer Support",
		SystemPromptTemplate: core.PromptTemplate{
			RoleFraming: "customer support for a handcrafted marketplace",
		},
		SupportedActions:     []string{agent.ActionChat},
		DefaultSuggestions:   []string{"Track my order", "Return policy"},
		MaxConcurrentTasks:   4,
		MaxConsecutiveErrors: 5,
	}
}

func dashboardArchetype() core.Archetype {
	arch := chatArchetype()
	arch.Name = "inventory"
	arch.HumanLabel = "Inventory Analyst"
	arch.SupportedActions = []string{agent.ActionSuggestPricing}
	return arch
}

func newTestClient(provider model.Provider, archs ...core.Archetype) *model.Client {
	return model.NewClient(provider, archs, func(o *model.Options) {
		o.RetryDelays = []time.Duration{time.Millisecond}
		o.CallTimeout = time.Second
	})
}

func newChatTask(arch core.Archetype, payload map[string]any) *core.Task {
	return core.NewTask(arch.Name, agent.ActionChat, payload, "sess-1", "req-1", time.Now().Add(5*time.Second))
}

// collectEvents registers an observer feeding a buffered channel.
func collectEvents(inst *agent.Instance) <-chan agent.Event {
	ch := make(chan agent.Event, 64)
	inst.OnEvent(func(ev agent.Event) { ch <- ev })
	return ch
}

func waitForEvent(t *testing.T, events <-chan agent.Event, typ agent.EventType) agent.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

// blockingProvider parks Complete until released or the context ends.
type blockingProvider struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingProvider() *blockingProvider {
	return &blockingProvider{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (p *blockingProvider) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	p.started <- struct{}{}
	select {
	case <-p.release:
		return model.Response{Text: "released"}, nil
	case <-ctx.Done():
		return model.Response{}, &model.ProviderError{Err: ctx.Err()}
	}
}

func (p *blockingProvider) Info() model.Info {
	return model.Info{Name: "blocking-model", Provider: "mock"}
}

func (p *blockingProvider) Release() { p.once.Do(func() { close(p.release) }) }

// failingProvider always fails without a retryable status.
type failingProvider struct{}

func (failingProvider) Complete(context.Context, model.Request) (model.Response, error) {
	return model.Response{}, &model.ProviderError{StatusCode: 400, Err: assert.AnError}
}

func (failingProvider) Info() model.Info {
	return model.Info{Name: "failing-model", Provider: "mock"}
}

func TestChatTaskCompletes(t *testing.T) {
	arch := chatArchetype()
	mock := model.NewMockProvider()
	mock.AddReply("where is my order?", "It ships tomorrow.")
	inst := agent.New(arch, newTestClient(mock, arch))
	require.NoError(t, inst.Start())
	defer inst.Stop()
	events := collectEvents(inst)

	task := newChatTask(arch, map[string]any{"message": "where is my order?"})
	require.NoError(t, inst.Enqueue(task))

	ev := waitForEvent(t, events, agent.EventTaskCompleted)
	assert.Equal(t, "It ships tomorrow.", ev.Result["text"])
	assert.Equal(t, arch.DefaultSuggestions, ev.Result["suggestions"])
	assert.Equal(t, 1, ev.Result["conversationId"])

	metadata, ok := ev.Result["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, arch.Name, metadata["agent"])
	assert.Equal(t, "mock-model", metadata["model"])

	status := inst.Status()
	assert.Equal(t, 1, status.TasksCompleted)
	assert.Equal(t, 0, status.ConsecutiveErrors)
}

func TestChatWithoutMessageFailsValidation(t *testing.T) {
	arch := chatArchetype()
	inst := agent.New(arch, newTestClient(model.NewMockProvider(), arch))
	require.NoError(t, inst.Start())
	defer inst.Stop()
	events := collectEvents(inst)

	require.NoError(t, inst.Enqueue(newChatTask(arch, map[string]any{})))

	ev := waitForEvent(t, events, agent.EventTaskFailed)
	require.NotNil(t, ev.Err)
	assert.Equal(t, core.ErrKindValidation, ev.Err.Kind)
	assert.Equal(t, "Message is required", ev.Err.Message)
}

func TestStructuredActionEmitsProgressBeforeCompletion(t *testing.T) {
	arch := dashboardArchetype()
	inst := agent.New(arch, newTestClient(model.NewMockProvider(), arch))
	require.NoError(t, inst.Start())
	defer inst.Stop()
	events := collectEvents(inst)

	task := core.NewTask(arch.Name, agent.ActionSuggestPricing,
		map[string]any{"products": []any{map[string]any{"name": "mug", "cost": 12}}},
		"sess-1", "req-1", time.Now().Add(5*time.Second))
	require.NoError(t, inst.Enqueue(task))

	var sawProgress bool
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case agent.EventTaskProgress:
				sawProgress = true
				assert.GreaterOrEqual(t, ev.Progress, 0.0)
				assert.LessOrEqual(t, ev.Progress, 1.0)
				assert.NotEmpty(t, ev.Label)
			case agent.EventTaskCompleted:
				assert.True(t, sawProgress, "expected progress before completion")
				assert.NotNil(t, ev.Result["pricing"])
				assert.Equal(t, agent.ActionSuggestPricing, ev.Result["action"])
				return
			case agent.EventTaskFailed:
				t.Fatalf("task failed: %v", ev.Err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for completion")
		}
	}
}

func TestEnqueueRejectsWhenStopped(t *testing.T) {
	arch := chatArchetype()
	inst := agent.New(arch, newTestClient(model.NewMockProvider(), arch))
	require.NoError(t, inst.Start())
	inst.Stop()

	err := inst.Enqueue(newChatTask(arch, map[string]any{"message": "hi"}))
	te := core.AsTaskError(err)
	require.NotNil(t, te)
	assert.Equal(t, core.ErrKindAgentUnavailable, te.Kind)
}

func TestEnqueueRejectsWhenSaturated(t *testing.T) {
	arch := chatArchetype()
	arch.MaxConcurrentTasks = 1
	provider := newBlockingProvider()
	inst := agent.New(arch, newTestClient(provider, arch))
	require.NoError(t, inst.Start())
	defer inst.Stop()
	defer provider.Release()

	require.NoError(t, inst.Enqueue(newChatTask(arch, map[string]any{"message": "first"})))

	err := inst.Enqueue(newChatTask(arch, map[string]any{"message": "second"}))
	te := core.AsTaskError(err)
	require.NotNil(t, te)
	assert.Equal(t, core.ErrKindAgentUnavailable, te.Kind)
}

func TestCancelDuringModelCall(t *testing.T) {
	arch := chatArchetype()
	provider := newBlockingProvider()
	inst := agent.New(arch, newTestClient(provider, arch))
	require.NoError(t, inst.Start())
	defer inst.Stop()
	events := collectEvents(inst)

	task := newChatTask(arch, map[string]any{"message": "hi"})
	require.NoError(t, inst.Enqueue(task))

	// Wait until the task is suspended inside the provider call.
	select {
	case <-provider.started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider call never started")
	}
	inst.Cancel(task.ID)

	ev := waitForEvent(t, events, agent.EventTaskFailed)
	require.NotNil(t, ev.Err)
	assert.Equal(t, core.ErrKindCancelled, ev.Err.Kind)
	assert.Equal(t, 0, inst.Status().TasksCompleted)
}

func TestDeadlineExceededFailsWithTimeout(t *testing.T) {
	arch := chatArchetype()
	provider := newBlockingProvider()
	inst := agent.New(arch, newTestClient(provider, arch))
	require.NoError(t, inst.Start())
	defer inst.Stop()
	events := collectEvents(inst)

	task := core.NewTask(arch.Name, agent.ActionChat,
		map[string]any{"message": "hi"}, "sess-1", "req-1", time.Now().Add(50*time.Millisecond))
	require.NoError(t, inst.Enqueue(task))

	ev := waitForEvent(t, events, agent.EventTaskFailed)
	require.NotNil(t, ev.Err)
	assert.Equal(t, core.ErrKindTimeout, ev.Err.Kind)
}

func TestConsecutiveErrorsTripFailing(t *testing.T) {
	arch := dashboardArchetype()
	arch.MaxConsecutiveErrors = 2
	inst := agent.New(arch, newTestClient(failingProvider{}, arch))
	require.NoError(t, inst.Start())
	defer inst.Stop()
	events := collectEvents(inst)

	for i := 0; i < 2; i++ {
		task := core.NewTask(arch.Name, agent.ActionSuggestPricing,
			map[string]any{"products": []any{}}, "sess-1", "", time.Now().Add(5*time.Second))
		require.NoError(t, inst.Enqueue(task))
		waitForEvent(t, events, agent.EventTaskFailed)
	}

	waitForEvent(t, events, agent.EventError)
	assert.Equal(t, agent.StateFailing, inst.Status().State)

	err := inst.Enqueue(core.NewTask(arch.Name, agent.ActionSuggestPricing,
		nil, "sess-1", "", time.Now().Add(5*time.Second)))
	te := core.AsTaskError(err)
	require.NotNil(t, te)
	assert.Equal(t, core.ErrKindAgentUnavailable, te.Kind)
}

func TestSuccessResetsConsecutiveErrors(t *testing.T) {
	arch := chatArchetype()
	mock := model.NewMockProvider()
	inst := agent.New(arch, newTestClient(mock, arch))
	require.NoError(t, inst.Start())
	defer inst.Stop()
	events := collectEvents(inst)

	// One validation failure, then a success.
	require.NoError(t, inst.Enqueue(newChatTask(arch, map[string]any{})))
	waitForEvent(t, events, agent.EventTaskFailed)
	assert.Equal(t, 1, inst.Status().ConsecutiveErrors)

	require.NoError(t, inst.Enqueue(newChatTask(arch, map[string]any{"message": "hi"})))
	waitForEvent(t, events, agent.EventTaskCompleted)

	status := inst.Status()
	assert.Equal(t, 0, status.ConsecutiveErrors)
	assert.Equal(t, 1, status.ErrorCount)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	arch := chatArchetype()
	inst := agent.New(arch, newTestClient(model.NewMockProvider(), arch))

	var mu sync.Mutex
	var count int
	sub := inst.OnEvent(func(agent.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	events := collectEvents(inst)

	require.NoError(t, inst.Start())
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	require.NoError(t, inst.Enqueue(newChatTask(arch, map[string]any{"message": "hi"})))
	waitForEvent(t, events, agent.EventTaskCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

// stubResolver records deliveries for inter-agent message tests.
type stubResolver struct {
	mu   sync.Mutex
	msgs []agent.Message
	ok   bool
}

func (r *stubResolver) Deliver(target string, msg agent.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.ok
}

func TestSendMessageUsesResolver(t *testing.T) {
	arch := chatArchetype()
	resolver := &stubResolver{ok: true}
	inst := agent.New(arch, newTestClient(model.NewMockProvider(), arch), func(o *agent.Options) {
		o.Resolver = resolver
	})

	assert.True(t, inst.SendMessage("inventory", agent.Message{Name: "restock", Data: map[string]any{"sku": "mug-1"}}))
	resolver.ok = false
	// Delivery to a missing target returns false; not an error.
	assert.False(t, inst.SendMessage("ghost", agent.Message{Name: "ping"}))

	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	require.Len(t, resolver.msgs, 2)
	assert.Equal(t, arch.Name, resolver.msgs[0].From)
	assert.Equal(t, "restock", resolver.msgs[0].Name)
}

func TestNotifyNeverBlocks(t *testing.T) {
	arch := chatArchetype()
	inst := agent.New(arch, newTestClient(model.NewMockProvider(), arch))

	// Not started yet: delivery is refused, synchronously.
	assert.False(t, inst.Notify(agent.Message{From: "inventory", Name: "ping"}))

	require.NoError(t, inst.Start())
	defer inst.Stop()
	assert.True(t, inst.Notify(agent.Message{From: "inventory", Name: "ping"}))
}

func TestNotifyEmitsMessageEvent(t *testing.T) {
	arch := chatArchetype()
	inst := agent.New(arch, newTestClient(model.NewMockProvider(), arch))
	require.NoError(t, inst.Start())
	defer inst.Stop()
	events := collectEvents(inst)

	require.True(t, inst.Notify(agent.Message{
		From:      "inventory",
		Name:      "restock",
		SessionID: "sess-1",
		Data:      map[string]any{"sku": "mug-1"},
	}))

	ev := waitForEvent(t, events, agent.EventMessage)
	require.NotNil(t, ev.Msg)
	assert.Equal(t, "inventory", ev.Msg.From)
	assert.Equal(t, "restock", ev.Msg.Name)
	assert.Equal(t, "sess-1", ev.Msg.SessionID)
}
