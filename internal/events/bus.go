// Package events is the in-process lifecycle event bus. SSE handlers and
// webhook dispatch subscribe here; publishers never block on a slow
// subscriber — a full queue drops the event and bumps a drop counter.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/intelli/agent-gateway/internal/monitoring"
)

// Lifecycle event types emitted by the gateway core.
const (
	TypeApprovalPending      = "approval_pending"
	TypeApprovalDecided      = "approval_decided"
	TypeToolCallAccepted     = "tool_call_accepted"
	TypeToolCallDenied       = "tool_call_denied"
	TypeWorkerUnhealthy      = "worker_unhealthy"
	TypeValidationErrorBurst = "validation_error_burst"
	TypeKillSwitchChanged    = "kill_switch_changed"
)

// Event is a small envelope broadcast to subscribers.
type Event struct {
	ID   string                 `json:"id"`
	Type string                 `json:"type"`
	TS   time.Time              `json:"ts"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// SSEFormat renders the event as a Server-Sent Events frame.
func (e *Event) SSEFormat() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, data))
}

// subscriberQueueSize bounds each subscriber's buffer. Subscribers that
// fall behind lose events rather than back-pressuring the supervisor.
const subscriberQueueSize = 64

// Subscriber is one registered consumer.
type Subscriber struct {
	C      chan *Event
	types  map[string]bool // nil = all types
	drops  atomic.Int64
	closed atomic.Bool
}

// Drops reports how many events were dropped because the queue was full.
func (s *Subscriber) Drops() int64 { return s.drops.Load() }

// Bus fans events out to subscribers and, optionally, a mirror (Redis).
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	mirror Mirror
	logger *log.Logger
}

// Mirror receives every published event in addition to local subscribers.
// Mirror failures are counted but never surfaced to publishers.
type Mirror interface {
	Publish(event *Event) error
}

func NewBus() *Bus {
	return &Bus{
		subs:   make(map[*Subscriber]struct{}),
		logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// SetMirror attaches an external mirror (e.g. Redis pub/sub).
func (b *Bus) SetMirror(m Mirror) {
	b.mu.Lock()
	b.mirror = m
	b.mu.Unlock()
}

// Subscribe registers a consumer for the given event types. Empty types
// means all events.
func (b *Bus) Subscribe(types ...string) *Subscriber {
	sub := &Subscriber{C: make(chan *Event, subscriberQueueSize)}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the consumer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()

	if ok && sub.closed.CompareAndSwap(false, true) {
		close(sub.C)
	}
}

// Emit creates and publishes an event. Never blocks.
func (b *Bus) Emit(eventType string, data map[string]interface{}) {
	b.Publish(&Event{
		ID:   uuid.New().String(),
		Type: eventType,
		TS:   time.Now().UTC(),
		Data: data,
	})
}

// Publish delivers to every matching subscriber with a non-blocking
// enqueue. Per-subscriber delivery is FIFO; ordering across subscribers
// is not guaranteed.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	mirror := b.mirror
	for sub := range b.subs {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.C <- event:
		default:
			sub.drops.Add(1)
			monitoring.EventDrops.Inc()
		}
	}
	b.mu.RUnlock()

	if mirror != nil {
		if err := mirror.Publish(event); err != nil {
			b.logger.Printf("⚠️  Mirror publish failed: %v", err)
		}
	}
}

// Stats reports subscriber count and total drops for health endpoints.
func (b *Bus) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var drops int64
	for sub := range b.subs {
		drops += sub.Drops()
	}
	return map[string]interface{}{
		"subscribers":    len(b.subs),
		"dropped_events": drops,
	}
}
