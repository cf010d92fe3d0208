// Package channel delivers task events to client sessions. One hub serves
// both transports: the websocket path subscribes to a live queue, the
// degraded path polls a cursor over the same per-session history, and both
// see identical envelopes. Sessions are owned here and reaped after an idle
// window.
package channel

import (
	"sync"
	"time"

	"github.com/crafthaven/weave/core"
	"github.com/crafthaven/weave/logging"
)

// Options configures a Hub.
type Options struct {
	// HistorySize caps the per-session envelope history backing the
	// polling transport.
	HistorySize int
	// SubscriberQueue caps a live subscriber's pending queue before
	// progress coalescing kicks in.
	SubscriberQueue int
	// IdleWindow is how long a session may go unseen before it is reaped.
	IdleWindow time.Duration
	// ReapInterval is how often the reaper scans. Zero disables the reaper
	// (tests drive ReapIdle directly).
	ReapInterval time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Hub fans envelopes out to per-session subscribers and keeps the polling
// history. Safe for concurrent use.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*clientSession
	opts     Options
	stop     chan struct{}
	stopOnce sync.Once
}

// clientSession is the hub-owned state for one client session.
type clientSession struct {
	id          string
	history     []cursored
	nextCursor  uint64
	subscribers map[int]*subscriber
	nextSubID   int
	lastSeenAt  time.Time
}

// cursored pairs an envelope with its session-scoped poll cursor.
type cursored struct {
	cursor uint64
	env    core.Envelope
}

// NewHub constructs a Hub and starts the idle reaper if configured.
func NewHub(optFns ...func(o *Options)) *Hub {
	opts := Options{
		HistorySize:     256,
		SubscriberQueue: 64,
		IdleWindow:      30 * time.Minute,
		ReapInterval:    time.Minute,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &Hub{
		sessions: make(map[string]*clientSession),
		opts:     opts,
		stop:     make(chan struct{}),
	}
	if opts.ReapInterval > 0 {
		go h.reapLoop()
	}
	return h
}

// Close stops the reaper and closes every subscriber.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sess := range h.sessions {
		for _, sub := range sess.subscribers {
			sub.close()
		}
	}
	h.sessions = make(map[string]*clientSession)
}

func (h *Hub) sessionLocked(sessionID string) *clientSession {
	sess, ok := h.sessions[sessionID]
	if !ok {
		sess = &clientSession{
			id:          sessionID,
			subscribers: make(map[int]*subscriber),
			lastSeenAt:  time.Now().UTC(),
		}
		h.sessions[sessionID] = sess
	}
	return sess
}

// Publish delivers an envelope to the session's live subscribers and appends
// it to the polling history. At-least-once: a subscriber may see an envelope
// that polling later replays; seq lets clients deduplicate.
func (h *Hub) Publish(env core.Envelope) {
	h.mu.Lock()
	sess := h.sessionLocked(env.SessionID)
	env2 := env
	sess.history = append(sess.history, cursored{cursor: sess.nextCursor, env: env2})
	sess.nextCursor++
	if len(sess.history) > h.opts.HistorySize {
		sess.history = sess.history[len(sess.history)-h.opts.HistorySize:]
	}
	subs := make([]*subscriber, 0, len(sess.subscribers))
	for _, sub := range sess.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		if !sub.push(env2) {
			h.opts.Logger.Debug("channel coalesced progress event session=%s task=%s", env.SessionID, env.TaskID)
		}
	}
}

// Subscribe attaches a live subscriber to the session and returns it. The
// caller must Close the subscriber when the transport ends.
func (h *Hub) Subscribe(sessionID string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess := h.sessionLocked(sessionID)
	sess.lastSeenAt = time.Now().UTC()

	sub := newSubscriber(h.opts.SubscriberQueue)
	id := sess.nextSubID
	sess.nextSubID++
	sess.subscribers[id] = sub

	return &Subscriber{
		sub: sub,
		detach: func() {
			h.mu.Lock()
			if s, ok := h.sessions[sessionID]; ok {
				delete(s.subscribers, id)
			}
			h.mu.Unlock()
			sub.close()
		},
	}
}

// Poll returns envelopes with cursor > sinceCursor for the session, plus the
// cursor to resume from. It also refreshes the session's idle clock.
func (h *Hub) Poll(sessionID string, sinceCursor uint64) ([]core.Envelope, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess := h.sessionLocked(sessionID)
	sess.lastSeenAt = time.Now().UTC()

	out := make([]core.Envelope, 0, len(sess.history))
	next := sinceCursor
	for _, c := range sess.history {
		if c.cursor >= sinceCursor {
			out = append(out, c.env)
			next = c.cursor + 1
		}
	}
	return out, next
}

// Touch refreshes a session's idle clock, creating it on first contact.
func (h *Hub) Touch(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionLocked(sessionID).lastSeenAt = time.Now().UTC()
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// ReapIdle removes sessions unseen for longer than the idle window and
// closes their subscribers. Returns the number reaped.
func (h *Hub) ReapIdle(now time.Time) int {
	h.mu.Lock()
	var doomed []*clientSession
	for id, sess := range h.sessions {
		if now.Sub(sess.lastSeenAt) > h.opts.IdleWindow {
			doomed = append(doomed, sess)
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()

	for _, sess := range doomed {
		for _, sub := range sess.subscribers {
			sub.close()
		}
	}
	return len(doomed)
}

func (h *Hub) reapLoop() {
	ticker := time.NewTicker(h.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			if n := h.ReapIdle(now); n > 0 {
				h.opts.Logger.Info("reaped %d idle sessions", n)
			}
		}
	}
}

// Subscriber is the live view handed to a transport. Events() yields
// envelopes in publish order for the session; the channel closes when the
// subscriber is detached or the session is reaped.
type Subscriber struct {
	sub    *subscriber
	detach func()
	once   sync.Once
}

// Events returns the envelope stream.
func (s *Subscriber) Events() <-chan core.Envelope { return s.sub.out }

// Close detaches the subscriber from the hub.
func (s *Subscriber) Close() { s.once.Do(s.detach) }

// subscriber buffers pending envelopes between the hub and a transport.
// When the queue is full, progress events coalesce (latest wins per task);
// terminal events always append. A pump goroutine drains the queue into the
// out channel so a slow transport never blocks Publish.
type subscriber struct {
	mu     sync.Mutex
	queue  []core.Envelope
	max    int
	closed bool
	wake   chan struct{}
	done   chan struct{}
	out    chan core.Envelope
}

func newSubscriber(max int) *subscriber {
	s := &subscriber{
		max:  max,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan core.Envelope),
	}
	go s.pump()
	return s
}

// push enqueues an envelope. Returns false when a progress event was
// coalesced or dropped under backpressure.
func (s *subscriber) push(env core.Envelope) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.max && env.Type == core.EventTaskProgress {
		// Keep latest: replace the most recent pending progress event for
		// the same task, or drop this one if none is pending.
		for i := len(s.queue) - 1; i >= 0; i-- {
			if s.queue[i].TaskID == env.TaskID && s.queue[i].Type == core.EventTaskProgress {
				s.queue[i] = env
				s.mu.Unlock()
				s.signal()
				return false
			}
		}
		s.mu.Unlock()
		return false
	}
	// Terminal and admission events append regardless of queue depth.
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
			case <-s.done:
				return
			}
			continue
		}
		env := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.out <- env:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.signal()
}
