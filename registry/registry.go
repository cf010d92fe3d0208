// Package registry owns agent instances: at most one per archetype, with
// idempotent start/stop/restart, supervised restarts driven by the
// archetype's delay ladder, and quarantine once the ladder is exhausted.
// The registry is a constructed composition root passed to its callers;
// there is no package-level singleton.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/crafthaven/weave/agent"
	"github.com/crafthaven/weave/core"
	"github.com/crafthaven/weave/logging"
)

// Result names the idempotent outcome of a lifecycle operation.
type Result string

const (
	// ResultStarted means a new instance was created.
	ResultStarted Result = "started"
	// ResultAlreadyRunning means start found a live instance.
	ResultAlreadyRunning Result = "alreadyRunning"
	// ResultStopped means a live instance was shut down.
	ResultStopped Result = "stopped"
	// ResultNotRunning means stop found no live instance.
	ResultNotRunning Result = "notRunning"
)

// HealthEventKind categorizes supervisory events.
type HealthEventKind string

const (
	// HealthRestartScheduled means a supervised restart was queued.
	HealthRestartScheduled HealthEventKind = "restartScheduled"
	// HealthQuarantined means the restart ladder is exhausted.
	HealthQuarantined HealthEventKind = "quarantined"
	// HealthAgentStopped means an instance shut down.
	HealthAgentStopped HealthEventKind = "agentStopped"
)

// HealthEvent is surfaced to system-health observers.
type HealthEvent struct {
	Kind      HealthEventKind `json:"kind"`
	Archetype string          `json:"archetype"`
	Detail    string          `json:"detail,omitempty"`
	Ts        time.Time       `json:"ts"`
}

// Factory builds a fresh instance for an archetype. Injected so the
// registry stays decoupled from model wiring and trivial to test.
type Factory func(arch core.Archetype) *agent.Instance

// history preserves counters across instance generations so flapping agents
// are detectable.
type history struct {
	tasksCompleted int
	errorCount     int
	restarts       int
}

// Options configures a Registry.
type Options struct {
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Registry maps archetype name to the single running instance. Lifecycle
// operations are serialized per archetype; operations on distinct
// archetypes are independent.
type Registry struct {
	factory Factory
	logger  logging.Logger

	mu          sync.Mutex
	active      map[string]*agent.Instance
	archetypes  map[string]core.Archetype
	histories   map[string]*history
	quarantined map[string]bool
	nameLocks   map[string]*sync.Mutex
	closed      bool

	agentHandlersMu sync.Mutex
	agentHandlers   []agent.Handler

	healthMu       sync.Mutex
	healthHandlers []func(HealthEvent)
}

// New constructs a Registry over the given instance factory.
func New(factory Factory, optFns ...func(o *Options)) *Registry {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{
		factory:     factory,
		logger:      opts.Logger,
		active:      make(map[string]*agent.Instance),
		archetypes:  make(map[string]core.Archetype),
		histories:   make(map[string]*history),
		quarantined: make(map[string]bool),
		nameLocks:   make(map[string]*sync.Mutex),
	}
}

// OnAgentEvent registers a handler attached to every instance the registry
// starts, including instances created by supervised restarts. The dispatcher
// uses this to observe task events without tracking restarts itself.
func (r *Registry) OnAgentEvent(h agent.Handler) {
	r.agentHandlersMu.Lock()
	r.agentHandlers = append(r.agentHandlers, h)
	r.agentHandlersMu.Unlock()
}

// OnHealthEvent registers a system-health observer.
func (r *Registry) OnHealthEvent(h func(HealthEvent)) {
	r.healthMu.Lock()
	r.healthHandlers = append(r.healthHandlers, h)
	r.healthMu.Unlock()
}

func (r *Registry) emitHealth(ev HealthEvent) {
	ev.Ts = time.Now().UTC()
	r.healthMu.Lock()
	hs := append(([]func(HealthEvent))(nil), r.healthHandlers...)
	r.healthMu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// lockName returns the serialization mutex for one archetype name.
func (r *Registry) lockName(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.nameLocks[name]
	if !ok {
		l = &sync.Mutex{}
		r.nameLocks[name] = l
	}
	return l
}

// Start launches an instance for the archetype. Starting a running archetype
// returns ResultAlreadyRunning. A manual start clears quarantine.
func (r *Registry) Start(arch core.Archetype) (Result, error) {
	if err := arch.Validate(); err != nil {
		return "", err
	}
	l := r.lockName(arch.Name)
	l.Lock()
	defer l.Unlock()
	return r.startLocked(arch)
}

// startLocked runs under the archetype's name lock.
func (r *Registry) startLocked(arch core.Archetype) (Result, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", fmt.Errorf("registry is closed")
	}
	if _, ok := r.active[arch.Name]; ok {
		r.mu.Unlock()
		return ResultAlreadyRunning, nil
	}
	r.archetypes[arch.Name] = arch
	delete(r.quarantined, arch.Name)
	hist, ok := r.histories[arch.Name]
	if !ok {
		hist = &history{}
		r.histories[arch.Name] = hist
	}
	r.mu.Unlock()

	inst := r.factory(arch)
	inst.SeedCounters(hist.tasksCompleted, hist.errorCount)

	r.agentHandlersMu.Lock()
	handlers := append([]agent.Handler(nil), r.agentHandlers...)
	r.agentHandlersMu.Unlock()
	for _, h := range handlers {
		inst.OnEvent(h)
	}
	inst.OnEvent(r.superviseHandler(arch))

	if err := inst.Start(); err != nil {
		return "", fmt.Errorf("start agent %s: %w", arch.Name, err)
	}

	r.mu.Lock()
	r.active[arch.Name] = inst
	r.mu.Unlock()

	r.logger.Info("agent %s started", arch.Name)
	return ResultStarted, nil
}

// Stop shuts down the archetype's instance. Stopping an absent archetype
// returns ResultNotRunning.
func (r *Registry) Stop(name string) Result {
	l := r.lockName(name)
	l.Lock()
	defer l.Unlock()
	return r.stopLocked(name)
}

func (r *Registry) stopLocked(name string) Result {
	r.mu.Lock()
	inst, ok := r.active[name]
	if !ok {
		r.mu.Unlock()
		return ResultNotRunning
	}
	delete(r.active, name)
	r.mu.Unlock()

	inst.Stop()
	r.recordCounters(name, inst.Status())
	r.emitHealth(HealthEvent{Kind: HealthAgentStopped, Archetype: name})
	r.logger.Info("agent %s stopped", name)
	return ResultStopped
}

// Restart stops (if running) and starts the archetype with a fresh instance.
// Historical counters survive; state and the in-flight task set do not.
func (r *Registry) Restart(name string) (Result, error) {
	l := r.lockName(name)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	arch, ok := r.archetypes[name]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown archetype %s", name)
	}

	r.stopLocked(name)
	return r.startLocked(arch)
}

// IsRunning reports whether a live instance exists for the archetype.
func (r *Registry) IsRunning(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[name]
	return ok
}

// IsQuarantined reports whether the archetype exhausted its restart ladder.
func (r *Registry) IsQuarantined(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quarantined[name]
}

// Get returns the live instance for the archetype, if any.
func (r *Registry) Get(name string) (*agent.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.active[name]
	return inst, ok
}

// KnownArchetype returns the descriptor registered under name, whether or
// not an instance is currently running.
func (r *Registry) KnownArchetype(name string) (core.Archetype, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	arch, ok := r.archetypes[name]
	return arch, ok
}

// SnapshotAll returns a status snapshot per running archetype.
func (r *Registry) SnapshotAll() map[string]agent.Status {
	r.mu.Lock()
	instances := make(map[string]*agent.Instance, len(r.active))
	for name, inst := range r.active {
		instances[name] = inst
	}
	r.mu.Unlock()

	out := make(map[string]agent.Status, len(instances))
	for name, inst := range instances {
		out[name] = inst.Status()
	}
	return out
}

// Deliver implements agent.Resolver: fire-and-forget inter-agent messages.
// Delivery to a missing or stopped target returns false, which is not an error.
func (r *Registry) Deliver(target string, msg agent.Message) bool {
	inst, ok := r.Get(target)
	if !ok {
		return false
	}
	return inst.Notify(msg)
}

// Close stops all instances. The registry accepts no further starts.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	names := make([]string, 0, len(r.active))
	for name := range r.active {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.Stop(name)
	}
}

// recordCounters folds an instance's final status into the archetype history.
func (r *Registry) recordCounters(name string, st agent.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hist, ok := r.histories[name]
	if !ok {
		hist = &history{}
		r.histories[name] = hist
	}
	hist.tasksCompleted = st.TasksCompleted
	hist.errorCount = st.ErrorCount
}

// superviseHandler reacts to an instance crossing its error threshold: the
// instance is removed and either scheduled for a delayed restart (ladder
// indexed by restarts so far) or quarantined.
func (r *Registry) superviseHandler(arch core.Archetype) agent.Handler {
	return func(ev agent.Event) {
		if ev.Type != agent.EventError {
			return
		}
		go r.handleFailing(arch)
	}
}

func (r *Registry) handleFailing(arch core.Archetype) {
	l := r.lockName(arch.Name)
	l.Lock()

	r.mu.Lock()
	inst, ok := r.active[arch.Name]
	if ok {
		delete(r.active, arch.Name)
	}
	hist := r.histories[arch.Name]
	if hist == nil {
		hist = &history{}
		r.histories[arch.Name] = hist
	}
	attempt := hist.restarts
	r.mu.Unlock()

	if ok {
		inst.Stop()
		r.recordCounters(arch.Name, inst.Status())
	}

	if attempt >= len(arch.RestartDelayLadder) {
		r.mu.Lock()
		r.quarantined[arch.Name] = true
		r.mu.Unlock()
		l.Unlock()
		r.emitHealth(HealthEvent{
			Kind:      HealthQuarantined,
			Archetype: arch.Name,
			Detail:    fmt.Sprintf("restart ladder exhausted after %d restarts", attempt),
		})
		r.logger.Error("agent %s quarantined", arch.Name)
		return
	}

	delay := arch.RestartDelayLadder[attempt]
	r.mu.Lock()
	hist.restarts++
	r.mu.Unlock()
	l.Unlock()

	r.emitHealth(HealthEvent{
		Kind:      HealthRestartScheduled,
		Archetype: arch.Name,
		Detail:    fmt.Sprintf("restart %d in %s", attempt+1, delay),
	})
	r.logger.Warn("agent %s failing; supervised restart in %s", arch.Name, delay)

	time.AfterFunc(delay, func() {
		if _, err := r.Start(arch); err != nil {
			r.logger.Error("supervised restart of %s failed: %v", arch.Name, err)
		}
	})
}
