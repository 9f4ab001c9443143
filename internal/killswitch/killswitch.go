// Package killswitch provides the process-wide emergency halt gate.
// While active, every tool call short-circuits before any other check so
// an operator can stop a runaway agent instantly.
package killswitch

import (
	"log"
	"sync"
	"time"
)

// State is a snapshot of the switch.
type State struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	TriggeredBy string    `json:"triggered_by,omitempty"`
	TriggeredAt time.Time `json:"triggered_at,omitempty"`
}

// Switch is the global halt gate. IsActive sits in the hot path of every
// tool call, ahead of rate limiting.
type Switch struct {
	mu     sync.RWMutex
	state  State
	logger *log.Logger

	// onChange is notified after every activation or clear.
	onChange func(State)
}

func New() *Switch {
	return &Switch{
		logger: log.New(log.Writer(), "[KILL-SWITCH] ", log.LstdFlags),
	}
}

// OnChange registers a callback invoked after every state transition.
// The supervisor uses this to emit kill_switch_changed events.
func (ks *Switch) OnChange(fn func(State)) {
	ks.mu.Lock()
	ks.onChange = fn
	ks.mu.Unlock()
}

// Activate halts the gateway with the given reason.
func (ks *Switch) Activate(reason, triggeredBy string) State {
	ks.mu.Lock()
	ks.state = State{
		Active:      true,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		TriggeredAt: time.Now().UTC(),
	}
	state := ks.state
	fn := ks.onChange
	ks.mu.Unlock()

	ks.logger.Printf("🛑 ACTIVATED: reason=%q by=%s", reason, triggeredBy)
	if fn != nil {
		fn(state)
	}
	return state
}

// Clear releases the halt. No-op when already inactive.
func (ks *Switch) Clear(triggeredBy string) State {
	ks.mu.Lock()
	wasActive := ks.state.Active
	ks.state = State{}
	state := ks.state
	fn := ks.onChange
	ks.mu.Unlock()

	if wasActive {
		ks.logger.Printf("✅ CLEARED by=%s", triggeredBy)
		if fn != nil {
			fn(state)
		}
	}
	return state
}

// IsActive reports whether the gateway is halted, with the reason.
func (ks *Switch) IsActive() (bool, string) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.state.Active, ks.state.Reason
}

// Snapshot returns the full current state for health/admin endpoints.
func (ks *Switch) Snapshot() State {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.state
}
