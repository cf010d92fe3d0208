// Package agent implements the stateful worker bound to one archetype. An
// Instance owns its inbox, status counters and observer set; the registry
// and dispatcher are its only callers. Task results leave the instance
// exclusively through emitted events.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crafthaven/weave/core"
	"github.com/crafthaven/weave/logging"
	"github.com/crafthaven/weave/model"
	"github.com/crafthaven/weave/session"
)

// State enumerates the agent lifecycle.
type State string

const (
	// StateIdle means the instance is constructed but not started.
	StateIdle State = "Idle"
	// StateReady means the run loop is accepting tasks.
	StateReady State = "Ready"
	// StateBusy means at least one task is in flight.
	StateBusy State = "Busy"
	// StateFailing means maxConsecutiveErrors was crossed; the instance
	// rejects new work and awaits a registry decision.
	StateFailing State = "Failing"
	// StateStopped means the run loop has exited.
	StateStopped State = "Stopped"
)

// EventType names an observer event emitted by an Instance.
type EventType string

const (
	// EventTaskProgress reports intermediate progress for a task.
	EventTaskProgress EventType = "taskProgress"
	// EventTaskCompleted reports a task result.
	EventTaskCompleted EventType = "taskCompleted"
	// EventTaskFailed reports a task error.
	EventTaskFailed EventType = "taskFailed"
	// EventError reports the instance crossing its error threshold.
	EventError EventType = "error"
	// EventStopped reports the run loop exiting.
	EventStopped EventType = "stopped"
	// EventMessage reports an inter-agent message accepted by this instance.
	EventMessage EventType = "message"
)

// Event is delivered to registered observers. Task-scoped fields are unset
// on lifecycle events.
type Event struct {
	Type      EventType
	Archetype string
	Task      *core.Task
	Progress  float64
	Label     string
	Result    map[string]any
	Err       *core.TaskError
	Msg       *Message
}

// Handler observes instance events. Handlers must be fast; they run on the
// emitting goroutine.
type Handler func(Event)

// Subscription is the handle returned by OnEvent.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Unsubscribe removes the handler. Safe to call multiple times.
func (s *Subscription) Unsubscribe() { s.once.Do(s.cancel) }

// Message is a fire-and-forget inter-agent notification. SessionID, when
// set, names the session whose realtime channel surfaces the notification;
// empty keeps it agent-internal.
type Message struct {
	From      string         `json:"from"`
	Name      string         `json:"name"`
	SessionID string         `json:"sessionId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Resolver delivers inter-agent messages by archetype name. Implemented by
// the registry; delivery to a missing or stopped target returns false.
type Resolver interface {
	Deliver(target string, msg Message) bool
}

// Options configures an Instance.
type Options struct {
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
	// Conversations backs chat history; defaults to an in-memory store.
	Conversations session.ConversationStore
	// Resolver routes inter-agent messages; nil disables them.
	Resolver Resolver
}

// Instance is the single running worker for one archetype. Counters have a
// single writer (the run loop and its task goroutines under mu); snapshots
// are published by copy.
type Instance struct {
	archetype core.Archetype
	client    *model.Client
	logger    logging.Logger
	convs     session.ConversationStore
	resolver  Resolver

	inbox chan *core.Task
	msgs  chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                sync.Mutex
	state             State
	startedAt         time.Time
	tasksCompleted    int
	errorCount        int
	consecutiveErrors int
	current           map[string]context.CancelFunc
	// pendingCancel marks tasks cancelled between inbox reservation and
	// run-loop pickup, where no cancel func exists yet.
	pendingCancel   map[string]struct{}
	conversationSeq int

	handlersMu sync.Mutex
	handlers   map[int]Handler
	nextID     int
}

// New constructs an Instance for the archetype. The instance is Idle until
// Start is called.
func New(archetype core.Archetype, client *model.Client, optFns ...func(o *Options)) *Instance {
	opts := Options{
		Logger:        logging.NoOpLogger{},
		Conversations: session.NewInMemoryStore(0),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Instance{
		archetype: archetype,
		client:    client,
		logger:    opts.Logger,
		convs:     opts.Conversations,
		resolver:  opts.Resolver,
		inbox:     make(chan *core.Task, archetype.MaxConcurrentTasks),
		msgs:      make(chan Message, 16),
		state:         StateIdle,
		current:       make(map[string]context.CancelFunc),
		pendingCancel: make(map[string]struct{}),
		handlers:      make(map[int]Handler),
	}
}

// Archetype returns the immutable descriptor this instance runs.
func (a *Instance) Archetype() core.Archetype { return a.archetype }

// Start launches the run loop. Calling Start on a non-idle instance is an error.
func (a *Instance) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateIdle {
		return fmt.Errorf("agent %s: cannot start from state %s", a.archetype.Name, a.state)
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.state = StateReady
	a.startedAt = time.Now().UTC()

	a.wg.Add(1)
	go a.runLoop()
	return nil
}

// Stop shuts the instance down: no new tasks are admitted, in-flight tasks
// are cancelled, and a stopped event is emitted once the loop exits.
func (a *Instance) Stop() {
	a.mu.Lock()
	if a.state == StateStopped || a.state == StateIdle {
		a.state = StateStopped
		a.mu.Unlock()
		return
	}
	a.state = StateStopped
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.wg.Wait()
	a.emit(Event{Type: EventStopped, Archetype: a.archetype.Name})
}

// Enqueue admits a task for execution. It rejects when the instance is
// stopped or failing, or when the concurrent task limit is reached.
func (a *Instance) Enqueue(task *core.Task) error {
	a.mu.Lock()
	if a.state == StateStopped || a.state == StateIdle || a.state == StateFailing {
		state := a.state
		a.mu.Unlock()
		return core.NewTaskError(core.ErrKindAgentUnavailable, "agent %s is %s", a.archetype.Name, state)
	}
	if len(a.current) >= a.archetype.MaxConcurrentTasks {
		a.mu.Unlock()
		return core.NewTaskError(core.ErrKindAgentUnavailable, "agent %s is saturated", a.archetype.Name)
	}
	// Reserve the slot before the inbox send so a burst of Enqueue calls
	// cannot overshoot the limit.
	a.current[task.ID] = nil
	a.mu.Unlock()

	select {
	case a.inbox <- task:
		return nil
	case <-a.ctx.Done():
		a.mu.Lock()
		delete(a.current, task.ID)
		delete(a.pendingCancel, task.ID)
		a.mu.Unlock()
		return core.NewTaskError(core.ErrKindAgentUnavailable, "agent %s is stopping", a.archetype.Name)
	}
}

// Cancel requests cooperative cancellation of a task. It is a no-op if the
// task is unknown or already finished. Cancelling a task that is reserved
// but not yet picked up takes effect at pickup.
func (a *Instance) Cancel(taskID string) {
	a.mu.Lock()
	cancel, reserved := a.current[taskID]
	if reserved && cancel == nil {
		a.pendingCancel[taskID] = struct{}{}
	}
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Notify delivers a fire-and-forget inter-agent message to this instance.
// It never blocks; it returns false when the instance cannot accept it.
func (a *Instance) Notify(msg Message) bool {
	a.mu.Lock()
	if a.state != StateReady && a.state != StateBusy {
		a.mu.Unlock()
		return false
	}
	a.mu.Unlock()

	select {
	case a.msgs <- msg:
		return true
	default:
		return false
	}
}

// Status is a copied snapshot of the instance's counters and state.
type Status struct {
	Archetype         string    `json:"archetype"`
	State             State     `json:"state"`
	StartedAt         time.Time `json:"started_at"`
	TasksCompleted    int       `json:"tasks_completed"`
	ErrorCount        int       `json:"error_count"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	CurrentTaskIDs    []string  `json:"current_task_ids"`
}

// Status returns a snapshot of counters and state.
func (a *Instance) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.current))
	for id := range a.current {
		ids = append(ids, id)
	}
	return Status{
		Archetype:         a.archetype.Name,
		State:             a.state,
		StartedAt:         a.startedAt,
		TasksCompleted:    a.tasksCompleted,
		ErrorCount:        a.errorCount,
		ConsecutiveErrors: a.consecutiveErrors,
		CurrentTaskIDs:    ids,
	}
}

// SeedCounters restores historical counters on a supervised restart so
// flapping agents stay detectable across instance generations.
func (a *Instance) SeedCounters(tasksCompleted, errorCount int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasksCompleted = tasksCompleted
	a.errorCount = errorCount
}

// OnEvent registers an observer and returns an unsubscribe handle.
// Registration is per instance, so a restart never leaks handlers from the
// previous generation.
func (a *Instance) OnEvent(h Handler) *Subscription {
	a.handlersMu.Lock()
	id := a.nextID
	a.nextID++
	a.handlers[id] = h
	a.handlersMu.Unlock()
	return &Subscription{cancel: func() {
		a.handlersMu.Lock()
		delete(a.handlers, id)
		a.handlersMu.Unlock()
	}}
}

func (a *Instance) emit(ev Event) {
	a.handlersMu.Lock()
	hs := make([]Handler, 0, len(a.handlers))
	for _, h := range a.handlers {
		hs = append(hs, h)
	}
	a.handlersMu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// runLoop drains the inbox and message channel until the instance context is
// cancelled. Each task executes in its own goroutine up to the concurrency
// limit enforced at Enqueue time.
func (a *Instance) runLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			a.failRemaining()
			return
		case msg := <-a.msgs:
			a.logger.Debug("agent %s received message %s from %s", a.archetype.Name, msg.Name, msg.From)
			a.emit(Event{Type: EventMessage, Archetype: a.archetype.Name, Msg: &msg})
		case task := <-a.inbox:
			taskCtx, cancel := context.WithDeadline(a.ctx, task.Deadline)
			a.mu.Lock()
			a.current[task.ID] = cancel
			if _, cancelled := a.pendingCancel[task.ID]; cancelled {
				delete(a.pendingCancel, task.ID)
				cancel()
			}
			a.state = StateBusy
			a.mu.Unlock()

			a.wg.Add(1)
			go func(t *core.Task) {
				defer a.wg.Done()
				a.execute(taskCtx, t)
				cancel()
			}(task)
		}
	}
}

// failRemaining drains queued tasks after shutdown so no task is silently lost.
func (a *Instance) failRemaining() {
	for {
		select {
		case task := <-a.inbox:
			a.mu.Lock()
			delete(a.current, task.ID)
			delete(a.pendingCancel, task.ID)
			a.mu.Unlock()
			a.emit(Event{
				Type:      EventTaskFailed,
				Archetype: a.archetype.Name,
				Task:      task,
				Err:       core.NewTaskError(core.ErrKindAgentUnavailable, "agent %s stopped before execution", a.archetype.Name),
			})
		default:
			return
		}
	}
}

// execute runs one task end to end, routing by action and applying error
// accounting to the shared counters.
func (a *Instance) execute(ctx context.Context, task *core.Task) {
	start := time.Now()
	result, err := a.runAction(ctx, task)
	a.finishTask(task, result, err)
	a.logTask(task, time.Since(start), err)
}

func (a *Instance) runAction(ctx context.Context, task *core.Task) (map[string]any, error) {
	switch task.Action {
	case ActionChat:
		return a.runChat(ctx, task)
	case ActionSuggestPricing, ActionOptimizeListing, ActionGenerateContent, ActionSegmentCustomers, ActionRecommendReorder:
		return a.runStructured(ctx, task)
	default:
		return nil, core.NewTaskError(core.ErrKindValidation, "action %s not supported by %s", task.Action, a.archetype.Name)
	}
}

// finishTask updates counters, removes the task from the in-flight set and
// emits the terminal observer event. Crossing maxConsecutiveErrors emits a
// final error event and parks the instance in Failing.
func (a *Instance) finishTask(task *core.Task, result map[string]any, err error) {
	if err != nil {
		te := a.classify(err)

		a.mu.Lock()
		delete(a.current, task.ID)
		tripped := false
		if te.Kind != core.ErrKindCancelled {
			a.errorCount++
			a.consecutiveErrors++
			tripped = a.consecutiveErrors >= a.archetype.MaxConsecutiveErrors && a.state != StateStopped
			if tripped {
				a.state = StateFailing
			}
		}
		a.settleStateLocked()
		consecutive := a.consecutiveErrors
		a.mu.Unlock()

		a.emit(Event{Type: EventTaskFailed, Archetype: a.archetype.Name, Task: task, Err: te})
		if tripped {
			a.emit(Event{
				Type:      EventError,
				Archetype: a.archetype.Name,
				Err:       core.NewTaskError(core.ErrKindInternal, "agent %s exceeded %d consecutive errors", a.archetype.Name, consecutive),
			})
		}
		return
	}

	a.mu.Lock()
	delete(a.current, task.ID)
	a.tasksCompleted++
	a.consecutiveErrors = 0
	a.settleStateLocked()
	a.mu.Unlock()

	a.emit(Event{Type: EventTaskCompleted, Archetype: a.archetype.Name, Task: task, Result: result})
}

// settleStateLocked flips Busy back to Ready once the in-flight set drains.
// Caller holds mu.
func (a *Instance) settleStateLocked() {
	if a.state == StateBusy && len(a.current) == 0 {
		a.state = StateReady
	}
}

// classify maps an execution error to the client-visible task error,
// translating context outcomes into cancelled/timeout kinds.
func (a *Instance) classify(err error) *core.TaskError {
	var te *core.TaskError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewTaskError(core.ErrKindTimeout, "task exceeded its deadline")
	}
	if errors.Is(err, context.Canceled) {
		return core.NewTaskError(core.ErrKindCancelled, "task cancelled")
	}
	return core.AsTaskError(err)
}

// emitProgress records and publishes one progress increment.
func (a *Instance) emitProgress(task *core.Task, value float64, label string) {
	task.SetProgress(value)
	a.emit(Event{Type: EventTaskProgress, Archetype: a.archetype.Name, Task: task, Progress: value, Label: label})
}

// SendMessage delivers a message to another archetype via the resolver,
// stamping this instance as the sender. Fire-and-forget; false means the
// target is missing or stopped, which is not an error.
func (a *Instance) SendMessage(target string, msg Message) bool {
	if a.resolver == nil {
		return false
	}
	msg.From = a.archetype.Name
	return a.resolver.Deliver(target, msg)
}

func (a *Instance) logTask(task *core.Task, dur time.Duration, err error) {
	if wl, ok := a.logger.(*logging.WeaveLogger); ok {
		wl.WithTask(task.ID).LogTaskExecution(a.archetype.Name, task.Action, dur, err == nil, err)
		return
	}
	if err != nil {
		a.logger.Error("agent %s task %s failed: %v", a.archetype.Name, task.ID, err)
	} else {
		a.logger.Debug("agent %s task %s completed in %s", a.archetype.Name, task.ID, dur)
	}
}
