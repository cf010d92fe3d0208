// Package dispatch owns tasks: admission and validation, idempotent
// submission, routing into agent inboxes with bounded re-dispatch, deadline
// enforcement, and fan-out of agent events to the realtime channel in
// per-task order. Terminal tasks are retained for a grace window so late
// subscribers can still fetch results.
package dispatch

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/crafthaven/weave/agent"
	"github.com/crafthaven/weave/core"
	"github.com/crafthaven/weave/logging"
	"github.com/crafthaven/weave/metrics"
)

// Publisher receives envelopes for delivery to client sessions. Implemented
// by the channel hub.
type Publisher interface {
	Publish(env core.Envelope)
}

// AgentDirectory is the dispatcher's view of the registry.
type AgentDirectory interface {
	KnownArchetype(name string) (core.Archetype, bool)
	Get(name string) (*agent.Instance, bool)
}

// SubmitRequest is one task admission attempt.
type SubmitRequest struct {
	Archetype string
	Action    string
	Payload   map[string]any
	SessionID string
	RequestID string
}

// Options configures a Dispatcher.
type Options struct {
	// DefaultDeadline bounds task wall clock unless overridden per action.
	DefaultDeadline time.Duration
	// ActionDeadlines overrides the deadline for specific actions.
	ActionDeadlines map[string]time.Duration
	// RedispatchAttempts and RedispatchDelay bound the retry loop applied
	// when an agent rejects an enqueue.
	RedispatchAttempts int
	RedispatchDelay    time.Duration
	// RetentionWindow keeps terminal tasks (and their idempotency keys)
	// fetchable after completion.
	RetentionWindow time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// tracked pairs a task with its event sequence counter and deadline timer.
// mu spans both seq assignment and the hub handoff so envelopes for one task
// enter the hub in seq order.
type tracked struct {
	task *core.Task

	mu    sync.Mutex
	seq   uint64
	timer *time.Timer
}

// Dispatcher routes tasks to agents and fans their events out to sessions.
type Dispatcher struct {
	dir  AgentDirectory
	pub  Publisher
	opts Options

	mu       sync.Mutex
	inflight map[string]*tracked
	// retained holds terminal tasks for the grace window.
	retained *lru.LRU[string, *tracked]
	// idem maps (sessionID, requestID) to a task id for the same window.
	idem *lru.LRU[string, string]
}

// New constructs a Dispatcher over the given directory and publisher.
func New(dir AgentDirectory, pub Publisher, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		DefaultDeadline:    30 * time.Second,
		RedispatchAttempts: 3,
		RedispatchDelay:    250 * time.Millisecond,
		RetentionWindow:    5 * time.Minute,
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Dispatcher{
		dir:      dir,
		pub:      pub,
		opts:     opts,
		inflight: make(map[string]*tracked),
		retained: lru.NewLRU[string, *tracked](4096, nil, opts.RetentionWindow),
		idem:     lru.NewLRU[string, string](4096, nil, opts.RetentionWindow),
	}
}

func idemKey(sessionID, requestID string) string {
	return sessionID + "\x00" + requestID
}

// Submit validates and admits a task. Resubmitting the same (sessionID,
// requestID) within the retention window returns the prior task without
// enqueueing again.
func (d *Dispatcher) Submit(req SubmitRequest) (core.TaskSnapshot, error) {
	arch, ok := d.dir.KnownArchetype(req.Archetype)
	if !ok {
		return core.TaskSnapshot{}, core.NewTaskError(core.ErrKindValidation, "unknown archetype %s", req.Archetype)
	}
	if !arch.SupportsAction(req.Action) {
		return core.TaskSnapshot{}, core.NewTaskError(core.ErrKindValidation, "action %s not supported by archetype %s", req.Action, req.Archetype)
	}
	if req.SessionID == "" {
		return core.TaskSnapshot{}, core.NewTaskError(core.ErrKindValidation, "session id is required")
	}

	deadline := d.opts.DefaultDeadline
	if override, ok := d.opts.ActionDeadlines[req.Action]; ok {
		deadline = override
	}

	d.mu.Lock()
	if req.RequestID != "" {
		if priorID, ok := d.idem.Get(idemKey(req.SessionID, req.RequestID)); ok {
			if t := d.lookupLocked(priorID); t != nil {
				d.mu.Unlock()
				return t.task.Snapshot(), nil
			}
		}
	}

	task := core.NewTask(req.Archetype, req.Action, req.Payload, req.SessionID, req.RequestID, time.Now().Add(deadline))
	t := &tracked{task: task}
	d.inflight[task.ID] = t
	if req.RequestID != "" {
		d.idem.Add(idemKey(req.SessionID, req.RequestID), task.ID)
	}
	// The watchdog fires at 2x deadline as a backstop; the agent's context
	// normally reports the timeout well before that.
	t.timer = time.AfterFunc(2*deadline, func() { d.expire(task.ID) })
	d.mu.Unlock()

	if d.opts.Metrics != nil {
		d.opts.Metrics.TasksSubmitted.WithLabelValues(req.Archetype, req.Action).Inc()
	}
	d.publish(t, core.EventTaskAccepted, map[string]any{
		"archetype": req.Archetype,
		"action":    req.Action,
	})

	go d.route(t, arch.Name)
	return task.Snapshot(), nil
}

// lookupLocked finds a tracked task among in-flight or retained entries.
// Caller holds mu.
func (d *Dispatcher) lookupLocked(taskID string) *tracked {
	if t, ok := d.inflight[taskID]; ok {
		return t
	}
	if t, ok := d.retained.Get(taskID); ok {
		return t
	}
	return nil
}

// route places the task into the agent's inbox, retrying rejections a
// bounded number of times before failing the task as agentUnavailable.
func (d *Dispatcher) route(t *tracked, archetypeName string) {
	var lastErr error
	for attempt := 0; attempt < d.opts.RedispatchAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(d.opts.RedispatchDelay)
		}
		if t.task.State().Terminal() {
			return
		}
		inst, ok := d.dir.Get(archetypeName)
		if !ok {
			lastErr = core.NewTaskError(core.ErrKindAgentUnavailable, "no running instance for archetype %s", archetypeName)
			continue
		}
		if err := inst.Enqueue(t.task); err != nil {
			lastErr = err
			continue
		}
		if err := t.task.MarkRunning(); err != nil {
			d.opts.Logger.Debug("task %s already advanced: %v", t.task.ID, err)
		}
		return
	}

	te := core.AsTaskError(lastErr)
	if te == nil {
		te = core.NewTaskError(core.ErrKindAgentUnavailable, "archetype %s unavailable", archetypeName)
	}
	te.Retryable = true
	d.finish(t, core.EventTaskFailed, nil, te)
}

// HandleAgentEvent observes agent events and fans them out. Registered with
// the registry so every instance generation reports here.
func (d *Dispatcher) HandleAgentEvent(ev agent.Event) {
	if ev.Type == agent.EventMessage {
		d.publishAgentMessage(ev)
		return
	}
	if ev.Task == nil {
		return
	}
	d.mu.Lock()
	t := d.lookupLocked(ev.Task.ID)
	d.mu.Unlock()
	if t == nil {
		// Task belongs to a reaped generation; nothing to update.
		return
	}

	switch ev.Type {
	case agent.EventTaskProgress:
		t.task.SetProgress(ev.Progress)
		d.publish(t, core.EventTaskProgress, core.ProgressPayload(ev.Progress, ev.Label))
	case agent.EventTaskCompleted:
		if t.task.Complete(ev.Result) {
			d.finish(t, core.EventTaskCompleted, ev.Result, nil)
		}
	case agent.EventTaskFailed:
		if t.task.Fail(ev.Err) {
			d.finish(t, core.EventTaskFailed, nil, ev.Err)
		}
	}
}

// publishAgentMessage surfaces a delivered inter-agent message on the named
// session's channel. Messages without a session stay agent-internal. The
// envelope is not task-scoped, so it carries no seq.
func (d *Dispatcher) publishAgentMessage(ev agent.Event) {
	if ev.Msg == nil || ev.Msg.SessionID == "" {
		return
	}
	env := core.Envelope{
		SessionID: ev.Msg.SessionID,
		Type:      core.EventAgentMessage,
		Payload: map[string]any{
			"from": ev.Msg.From,
			"to":   ev.Archetype,
			"name": ev.Msg.Name,
			"data": ev.Msg.Data,
		},
		Ts: time.Now().UTC(),
	}
	d.pub.Publish(env)
	if d.opts.Metrics != nil {
		d.opts.Metrics.EventsPublished.WithLabelValues(string(core.EventAgentMessage)).Inc()
	}
}

// Cancel requests cancellation of a task owned by the session. Cancelling a
// terminal task is a no-op success.
func (d *Dispatcher) Cancel(taskID, sessionID string) error {
	d.mu.Lock()
	t := d.lookupLocked(taskID)
	d.mu.Unlock()
	if t == nil {
		return core.NewTaskError(core.ErrKindValidation, "unknown task %s", taskID)
	}
	if t.task.SessionID != sessionID {
		return core.NewTaskError(core.ErrKindUnauthorized, "task %s is not owned by this session", taskID)
	}
	if t.task.State().Terminal() {
		return nil
	}

	if t.task.State() == core.TaskQueued {
		// Not yet picked up; settle it directly.
		te := core.NewTaskError(core.ErrKindCancelled, "task cancelled before execution")
		if t.task.Fail(te) {
			d.finish(t, core.EventTaskFailed, nil, te)
		}
		return nil
	}

	if inst, ok := d.dir.Get(t.task.Archetype); ok {
		inst.Cancel(taskID)
	}
	return nil
}

// GetTask returns a snapshot for in-flight or recently finished tasks.
func (d *Dispatcher) GetTask(taskID string) (core.TaskSnapshot, bool) {
	d.mu.Lock()
	t := d.lookupLocked(taskID)
	d.mu.Unlock()
	if t == nil {
		return core.TaskSnapshot{}, false
	}
	return t.task.Snapshot(), true
}

// InflightCount reports tasks not yet terminal.
func (d *Dispatcher) InflightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// expire is the deadline backstop for tasks whose agent never reported.
func (d *Dispatcher) expire(taskID string) {
	d.mu.Lock()
	t := d.lookupLocked(taskID)
	d.mu.Unlock()
	if t == nil || t.task.State().Terminal() {
		return
	}
	te := core.NewTaskError(core.ErrKindTimeout, "task exceeded its deadline")
	if t.task.Fail(te) {
		if inst, ok := d.dir.Get(t.task.Archetype); ok {
			inst.Cancel(taskID)
		}
		d.finish(t, core.EventTaskFailed, nil, te)
	}
}

// finish moves a task to retention and publishes its terminal event.
func (d *Dispatcher) finish(t *tracked, typ core.EventType, result map[string]any, te *core.TaskError) {
	d.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	delete(d.inflight, t.task.ID)
	d.retained.Add(t.task.ID, t)
	d.mu.Unlock()

	payload := map[string]any{}
	if result != nil {
		payload["result"] = result
	}
	if te != nil {
		payload["error"] = te
	}
	d.publish(t, typ, payload)

	if d.opts.Metrics != nil {
		d.opts.Metrics.TasksFinished.WithLabelValues(t.task.Archetype, string(t.task.State())).Inc()
	}
	d.opts.Logger.Info("task %s finished state=%s archetype=%s", t.task.ID, t.task.State(), t.task.Archetype)
}

// publish assigns the next per-task seq and hands the envelope to the hub
// under one lock, so concurrent emitters cannot reorder a task's stream.
func (d *Dispatcher) publish(t *tracked, typ core.EventType, payload map[string]any) {
	t.mu.Lock()
	t.seq++
	env := core.Envelope{
		Seq:       t.seq,
		TaskID:    t.task.ID,
		SessionID: t.task.SessionID,
		Type:      typ,
		Payload:   payload,
		Ts:        time.Now().UTC(),
	}
	d.pub.Publish(env)
	t.mu.Unlock()

	if d.opts.Metrics != nil {
		d.opts.Metrics.EventsPublished.WithLabelValues(string(typ)).Inc()
	}
}

// Close stops deadline timers for in-flight tasks.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.inflight {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
}
