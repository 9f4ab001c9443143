// Package approval holds tool calls pending a human decision. The
// submitting handler blocks on a one-shot signal until the entry is
// approved, denied, or times out.
package approval

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"
)

// EntryState is monotonic: pending is the only non-terminal state.
type EntryState string

const (
	StatePending  EntryState = "pending"
	StateApproved EntryState = "approved"
	StateDenied   EntryState = "denied"
	StateExpired  EntryState = "expired"
)

// Entry is one pending call. Once the state leaves pending the entry is
// read-only and is purged after the waiter observes it.
type Entry struct {
	ID        string                 `json:"id"`
	Tool      string                 `json:"tool"`
	Args      map[string]interface{} `json:"args"`
	SessionID string                 `json:"session_id,omitempty"`
	Actor     string                 `json:"actor"`
	Risk      string                 `json:"risk"`
	State     EntryState             `json:"state"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
	DecidedBy string                 `json:"decided_by,omitempty"`

	// Waited marks entries whose submitter blocks in WaitForDecision.
	// The waiter owns dispatch for these; deciders must not dispatch.
	Waited bool `json:"-"`

	// signal is closed exactly once when the entry reaches a terminal
	// state. The closing write to State happens-before the waiter's read.
	signal chan struct{}
}

// Filter narrows ListPending. Zero value matches everything.
type Filter struct {
	SessionID string
	Actor     string
}

// Queue is the approval queue. The supervisor is the only writer.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*Entry

	timeout time.Duration
	emit    func(eventType string, data map[string]interface{})
	logger  *log.Logger

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// Option configures the queue.
type Option func(*Queue)

// WithTimeout overrides the default 60 s decision window.
func WithTimeout(d time.Duration) Option {
	return func(q *Queue) { q.timeout = d }
}

// WithEmitter wires lifecycle events (approval_pending, approval_decided).
func WithEmitter(emit func(eventType string, data map[string]interface{})) Option {
	return func(q *Queue) { q.emit = emit }
}

func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		entries:   make(map[string]*Entry),
		timeout:   60 * time.Second,
		emit:      func(string, map[string]interface{}) {},
		logger:    log.New(log.Writer(), "[APPROVAL] ", log.LstdFlags),
		sweepStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.sweep()
	return q
}

// Submit creates a pending entry and returns it. wait records whether
// the submitter will block in WaitForDecision; it must be set before the
// entry becomes visible so a racing decider sees it.
func (q *Queue) Submit(tool string, args map[string]interface{}, sessionID, actor, riskLevel string, wait bool) *Entry {
	now := time.Now().UTC()
	entry := &Entry{
		ID:        newID(),
		Tool:      tool,
		Args:      args,
		SessionID: sessionID,
		Actor:     actor,
		Risk:      riskLevel,
		State:     StatePending,
		CreatedAt: now,
		ExpiresAt: now.Add(q.timeout),
		Waited:    wait,
		signal:    make(chan struct{}),
	}

	q.mu.Lock()
	q.entries[entry.ID] = entry
	q.mu.Unlock()

	q.logger.Printf("⏸️  Pending approval %s: tool=%s actor=%s risk=%s", entry.ID, tool, actor, riskLevel)
	q.emit("approval_pending", map[string]interface{}{
		"id": entry.ID, "tool": tool, "actor": actor, "risk": riskLevel,
	})
	return entry
}

// Approve transitions the entry to approved. Idempotent: deciding an
// already-terminal entry is a no-op that returns the previous state with
// performed=false, so only the winning call acts on the transition.
func (q *Queue) Approve(id, decidedBy string) (EntryState, bool, error) {
	return q.decide(id, StateApproved, decidedBy)
}

// Deny transitions the entry to denied. Same idempotence as Approve.
func (q *Queue) Deny(id, decidedBy string) (EntryState, bool, error) {
	return q.decide(id, StateDenied, decidedBy)
}

func (q *Queue) decide(id string, state EntryState, decidedBy string) (EntryState, bool, error) {
	q.mu.Lock()
	entry, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return "", false, fmt.Errorf("approval %s not found", id)
	}
	if entry.State != StatePending {
		prev := entry.State
		q.mu.Unlock()
		return prev, false, nil
	}
	entry.State = state
	entry.DecidedBy = decidedBy
	close(entry.signal)
	q.mu.Unlock()

	q.logger.Printf("Decision %s: %s by=%s", id, state, decidedBy)
	q.emit("approval_decided", map[string]interface{}{
		"id": id, "decision": string(state), "decided_by": decidedBy,
	})
	return state, true, nil
}

// WaitForDecision blocks the submitter until the entry is decided or the
// timeout expires, and returns the terminal state. The entry is purged
// on the way out so terminal entries live exactly until observed.
func (q *Queue) WaitForDecision(id string, timeout time.Duration) EntryState {
	q.mu.Lock()
	entry, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return StateExpired
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-entry.signal:
		q.mu.Lock()
		state := entry.State
		delete(q.entries, id)
		q.mu.Unlock()
		return state
	case <-timer.C:
		// Expire the entry unless a decision raced in.
		q.mu.Lock()
		if entry.State == StatePending {
			entry.State = StateExpired
			close(entry.signal)
		}
		state := entry.State
		delete(q.entries, id)
		q.mu.Unlock()

		if state == StateExpired {
			q.logger.Printf("⌛ Approval %s expired after %s", id, timeout)
			q.emit("approval_decided", map[string]interface{}{
				"id": id, "decision": string(StateExpired),
			})
		}
		return state
	}
}

// ListPending returns a snapshot of pending entries, optionally filtered
// by session or actor. Terminal entries are never returned.
func (q *Queue) ListPending(filter Filter) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Entry
	for _, e := range q.entries {
		if e.State != StatePending {
			continue
		}
		if filter.SessionID != "" && e.SessionID != filter.SessionID {
			continue
		}
		if filter.Actor != "" && e.Actor != filter.Actor {
			continue
		}
		snapshot := *e
		out = append(out, &snapshot)
	}
	return out
}

// Get returns a snapshot of one entry, pending or not.
func (q *Queue) Get(id string) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return nil, false
	}
	snapshot := *e
	return &snapshot, true
}

// Close stops the timeout sweeper.
func (q *Queue) Close() {
	q.sweepOnce.Do(func() { close(q.sweepStop) })
}

// sweep removes entries nobody will observe: pending entries whose
// deadline passed without a waiter (e.g. the submitting connection died
// before waiting) and decided fire-and-forget entries, which have no
// waiter to purge them.
func (q *Queue) sweep() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.sweepStop:
			return
		case now := <-ticker.C:
			q.mu.Lock()
			for id, e := range q.entries {
				switch {
				case e.State == StatePending && now.After(e.ExpiresAt.Add(q.timeout)):
					e.State = StateExpired
					close(e.signal)
					delete(q.entries, id)
					q.logger.Printf("🧹 Swept abandoned approval %s", id)
				case e.State != StatePending && now.After(e.ExpiresAt):
					delete(q.entries, id)
				}
			}
			q.mu.Unlock()
		}
	}
}

// newID returns an 8-hex-char unique id.
func newID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fallback keeps ids unique enough for an in-memory queue.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}
