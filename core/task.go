package core

import (
	"fmt"
	"sync"
	"time"
)

// TaskState enumerates the task lifecycle. Transitions are monotone:
// Queued -> Running -> {Completed | Failed | Cancelled}. Terminal states
// never change again.
type TaskState string

const (
	// TaskQueued means the task is admitted but not yet picked up.
	TaskQueued TaskState = "Queued"
	// TaskRunning means an agent is executing the task.
	TaskRunning TaskState = "Running"
	// TaskCompleted means the task finished and carries a result.
	TaskCompleted TaskState = "Completed"
	// TaskFailed means the task finished and carries an error.
	TaskFailed TaskState = "Failed"
	// TaskCancelled means the task was cancelled before completing.
	TaskCancelled TaskState = "Cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is one unit of work submitted by a client and executed by an agent
// instance. The identifying fields are immutable after creation; lifecycle
// fields are guarded by an internal mutex with the dispatcher as the only
// writer. Readers take snapshots via Snapshot.
type Task struct {
	ID        string         `json:"task_id"`
	Archetype string         `json:"archetype"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
	SessionID string         `json:"session_id"`
	RequestID string         `json:"request_id"`
	CreatedAt time.Time      `json:"created_at"`
	Deadline  time.Time      `json:"deadline"`

	mu          sync.Mutex
	state       TaskState
	progress    float64
	lastEventAt time.Time
	result      map[string]any
	taskErr     *TaskError
}

// NewTask creates a queued task with the given identity and deadline.
func NewTask(archetype, action string, payload map[string]any, sessionID, requestID string, deadline time.Time) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          NewID(),
		Archetype:   archetype,
		Action:      action,
		Payload:     payload,
		SessionID:   sessionID,
		RequestID:   requestID,
		CreatedAt:   now,
		Deadline:    deadline,
		state:       TaskQueued,
		lastEventAt: now,
	}
}

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// MarkRunning transitions Queued -> Running. It is a no-op error for any
// other starting state so redundant dispatch retries stay harmless.
func (t *Task) MarkRunning() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TaskQueued {
		return fmt.Errorf("task %s: cannot run from state %s", t.ID, t.state)
	}
	t.state = TaskRunning
	t.lastEventAt = time.Now().UTC()
	return nil
}

// SetProgress records a progress value. Progress is clamped to [0,1] and is
// non-decreasing; a lower value than previously recorded is ignored.
func (t *Task) SetProgress(p float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	if p > t.progress {
		t.progress = p
	}
	t.lastEventAt = time.Now().UTC()
}

// Complete transitions to Completed with a result. Returns false if the task
// was already terminal.
func (t *Task) Complete(result map[string]any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = TaskCompleted
	t.progress = 1
	t.result = result
	t.lastEventAt = time.Now().UTC()
	return true
}

// Fail transitions to Failed (or Cancelled for ErrKindCancelled) carrying
// the task error. Returns false if the task was already terminal.
func (t *Task) Fail(te *TaskError) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	if te != nil && te.Kind == ErrKindCancelled {
		t.state = TaskCancelled
	} else {
		t.state = TaskFailed
	}
	t.taskErr = te
	t.lastEventAt = time.Now().UTC()
	return true
}

// TaskSnapshot is an immutable copy of a task's observable state.
type TaskSnapshot struct {
	ID          string         `json:"task_id"`
	Archetype   string         `json:"archetype"`
	Action      string         `json:"action"`
	SessionID   string         `json:"session_id"`
	RequestID   string         `json:"request_id"`
	State       TaskState      `json:"state"`
	Progress    float64        `json:"progress"`
	CreatedAt   time.Time      `json:"created_at"`
	LastEventAt time.Time      `json:"last_event_at"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *TaskError     `json:"error,omitempty"`
}

// Snapshot returns a copy of the task safe for concurrent readers. The
// result map is shared by reference; callers must treat it as read-only.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskSnapshot{
		ID:          t.ID,
		Archetype:   t.Archetype,
		Action:      t.Action,
		SessionID:   t.SessionID,
		RequestID:   t.RequestID,
		State:       t.state,
		Progress:    t.progress,
		CreatedAt:   t.CreatedAt,
		LastEventAt: t.lastEventAt,
		Result:      t.result,
		Error:       t.taskErr,
	}
}
