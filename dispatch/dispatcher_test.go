package dispatch_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crafthaven/weave/agent"
	"github.com/crafthaven/weave/core"
	"github.com/crafthaven/weave/dispatch"
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
		DefaultSuggestions:   []string{"Track my order"},
		MaxConcurrentTasks:   4,
		MaxConsecutiveErrors: 5,
	}
}

// stubDirectory serves one archetype and, optionally, one live instance.
type stubDirectory struct {
	mu   sync.Mutex
	arch core.Archetype
	inst *agent.Instance
}

func (d *stubDirectory) KnownArchetype(name string) (core.Archetype, bool) {
	if name != d.arch.Name {
		return core.Archetype{}, false
	}
	return d.arch, true
}

func (d *stubDirectory) Get(name string) (*agent.Instance, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name != d.arch.Name || d.inst == nil {
		return nil, false
	}
	return d.inst, true
}

// capturePublisher records published envelopes.
type capturePublisher struct {
	mu   sync.Mutex
	envs []core.Envelope
}

func (p *capturePublisher) Publish(env core.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
}

func (p *capturePublisher) all() []core.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.Envelope(nil), p.envs...)
}

func (p *capturePublisher) waitFor(t *testing.T, typ core.EventType) core.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, env := range p.all() {
			if env.Type == typ {
				return env
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("envelope of type %s never published", typ)
	return core.Envelope{}
}

func newWiredDispatcher(t *testing.T, withInstance bool) (*dispatch.Dispatcher, *capturePublisher, *stubDirectory) {
	t.Helper()
	arch := chatArchetype()
	dir := &stubDirectory{arch: arch}
	pub := &capturePublisher{}

	d := dispatch.New(dir, pub, func(o *dispatch.Options) {
		o.RedispatchAttempts = 2
		o.RedispatchDelay = time.Millisecond
		o.DefaultDeadline = 5 * time.Second
	})

	if withInstance {
		client := model.NewClient(model.NewMockProvider(), []core.Archetype{arch}, func(o *model.Options) {
			o.RetryDelays = []time.Duration{time.Millisecond}
		})
		inst := agent.New(arch, client)
		inst.OnEvent(d.HandleAgentEvent)
		require.NoError(t, inst.Start())
		t.Cleanup(inst.Stop)
		dir.mu.Lock()
		dir.inst = inst
		dir.mu.Unlock()
	}

	t.Cleanup(d.Close)
	return d, pub, dir
}

func submitChat(d *dispatch.Dispatcher, sessionID, requestID string) (core.TaskSnapshot, error) {
	return d.Submit(dispatch.SubmitRequest{
		Archetype: "customerSupport",
		Action:    agent.ActionChat,
		Payload:   map[string]any{"message": "hello"},
		SessionID: sessionID,
		RequestID: requestID,
	})
}

func TestSubmitValidation(t *testing.T) {
	d, _, _ := newWiredDispatcher(t, false)

	_, err := d.Submit(dispatch.SubmitRequest{Archetype: "ghost", Action: agent.ActionChat, SessionID: "s"})
	te := core.AsTaskError(err)
	require.NotNil(t, te)
	assert.Equal(t, core.ErrKindValidation, te.Kind)

	_, err = d.Submit(dispatch.SubmitRequest{Archetype: "customerSupport", Action: "juggle", SessionID: "s"})
	te = core.AsTaskError(err)
	require.NotNil(t, te)
	assert.Equal(t, core.ErrKindValidation, te.Kind)

	_, err = d.Submit(dispatch.SubmitRequest{Archetype: "customerSupport", Action: agent.ActionChat})
	te = core.AsTaskError(err)
	require.NotNil(t, te)
	assert.Equal(t, core.ErrKindValidation, te.Kind)
}

func TestSubmitRunsTaskAndPublishesInOrder(t *testing.T) {
	d, pub, _ := newWiredDispatcher(t, true)

	snap, err := submitChat(d, "sess-1", "req-1")
	require.NoError(t, err)
	require.NotEmpty(t, snap.ID)

	final := pub.waitFor(t, core.EventTaskCompleted)
	assert.Equal(t, snap.ID, final.TaskID)
	assert.Equal(t, "sess-1", final.SessionID)
	assert.NotNil(t, final.Payload["result"])

	// Per-task seq strictly increases, starting at the accepted event.
	var last uint64
	for _, env := range pub.all() {
		if env.TaskID != snap.ID {
			continue
		}
		assert.Greater(t, env.Seq, last)
		last = env.Seq
	}

	got, ok := d.GetTask(snap.ID)
	require.True(t, ok)
	assert.Equal(t, core.TaskCompleted, got.State)
	assert.Equal(t, 0, d.InflightCount())
}

func TestSubmitIsIdempotentPerSessionRequest(t *testing.T) {
	d, pub, _ := newWiredDispatcher(t, true)

	first, err := submitChat(d, "sess-1", "req-1")
	require.NoError(t, err)
	second, err := submitChat(d, "sess-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// A different session with the same requestId is a distinct task.
	other, err := submitChat(d, "sess-2", "req-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	pub.waitFor(t, core.EventTaskCompleted)
	accepted := 0
	for _, env := range pub.all() {
		if env.Type == core.EventTaskAccepted && env.SessionID == "sess-1" {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted, "duplicate submission must not enqueue again")
}

func TestConcurrentDuplicateSubmissionsYieldOneTask(t *testing.T) {
	d, _, _ := newWiredDispatcher(t, true)

	const n = 8
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := submitChat(d, "sess-1", "req-dup")
			require.NoError(t, err)
			ids <- snap.ID
		}()
	}
	wg.Wait()
	close(ids)

	first := <-ids
	for id := range ids {
		assert.Equal(t, first, id)
	}
}

func TestConcurrentEmittersKeepSeqOrder(t *testing.T) {
	d, pub, _ := newWiredDispatcher(t, false)

	snap, err := submitChat(d, "sess-1", "req-1")
	require.NoError(t, err)

	// Hammer the dispatcher from several goroutines racing the redispatch
	// failure path for the same task.
	taskRef := &core.Task{ID: snap.ID}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				d.HandleAgentEvent(agent.Event{
					Type:      agent.EventTaskProgress,
					Archetype: "customerSupport",
					Task:      taskRef,
					Progress:  0.5,
				})
			}
		}()
	}
	wg.Wait()

	// Envelopes for the task reach the hub gapless and in seq order.
	var last uint64
	for _, env := range pub.all() {
		if env.TaskID != snap.ID {
			continue
		}
		require.Equal(t, last+1, env.Seq)
		last = env.Seq
	}
	require.NotZero(t, last)
}

func TestAgentMessageSurfacesToSession(t *testing.T) {
	d, pub, _ := newWiredDispatcher(t, false)

	d.HandleAgentEvent(agent.Event{
		Type:      agent.EventMessage,
		Archetype: "customerSupport",
		Msg: &agent.Message{
			From:      "inventory",
			Name:      "restock",
			SessionID: "sess-9",
			Data:      map[string]any{"sku": "mug-1"},
		},
	})

	env := pub.waitFor(t, core.EventAgentMessage)
	assert.Equal(t, "sess-9", env.SessionID)
	assert.Empty(t, env.TaskID)
	assert.Equal(t, "inventory", env.Payload["from"])
	assert.Equal(t, "restock", env.Payload["name"])

	// A message without a session stays agent-internal.
	before := len(pub.all())
	d.HandleAgentEvent(agent.Event{
		Type:      agent.EventMessage,
		Archetype: "customerSupport",
		Msg:       &agent.Message{From: "inventory", Name: "ping"},
	})
	assert.Len(t, pub.all(), before)
}

func TestPersistentRejectionFailsAgentUnavailable(t *testing.T) {
	d, pub, _ := newWiredDispatcher(t, false) // no instance registered

	snap, err := submitChat(d, "sess-1", "req-1")
	require.NoError(t, err)

	failed := pub.waitFor(t, core.EventTaskFailed)
	assert.Equal(t, snap.ID, failed.TaskID)
	te, ok := failed.Payload["error"].(*core.TaskError)
	require.True(t, ok)
	assert.Equal(t, core.ErrKindAgentUnavailable, te.Kind)
	assert.True(t, te.Retryable)

	got, ok := d.GetTask(snap.ID)
	require.True(t, ok)
	assert.Equal(t, core.TaskFailed, got.State)
}

func TestCancelOwnershipAndIdempotence(t *testing.T) {
	d, pub, _ := newWiredDispatcher(t, true)

	snap, err := submitChat(d, "sess-1", "req-1")
	require.NoError(t, err)
	pub.waitFor(t, core.EventTaskCompleted)

	// Unknown task.
	err = d.Cancel("no-such-task", "sess-1")
	te := core.AsTaskError(err)
	require.NotNil(t, te)
	assert.Equal(t, core.ErrKindValidation, te.Kind)

	// Wrong session.
	err = d.Cancel(snap.ID, "sess-2")
	te = core.AsTaskError(err)
	require.NotNil(t, te)
	assert.Equal(t, core.ErrKindUnauthorized, te.Kind)

	// Cancelling a terminal task is a no-op success, repeatedly.
	require.NoError(t, d.Cancel(snap.ID, "sess-1"))
	require.NoError(t, d.Cancel(snap.ID, "sess-1"))
}

func TestCancelQueuedTaskSettlesImmediately(t *testing.T) {
	d, pub, _ := newWiredDispatcher(t, false)

	// With no instance, the task stays Queued through the redispatch loop;
	// cancel it before the loop gives up.
	snap, err := submitChat(d, "sess-1", "req-1")
	require.NoError(t, err)

	// Whether cancel wins the race with the redispatch loop or not, the
	// call succeeds and the task settles terminally.
	require.NoError(t, d.Cancel(snap.ID, "sess-1"))

	failed := pub.waitFor(t, core.EventTaskFailed)
	assert.Equal(t, snap.ID, failed.TaskID)

	got, ok := d.GetTask(snap.ID)
	require.True(t, ok)
	assert.True(t, got.State.Terminal())
}
