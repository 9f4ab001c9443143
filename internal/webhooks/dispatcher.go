package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/intelli/agent-gateway/internal/events"
)

const (
	deliveryTimeout = 5 * time.Second
	maxAttempts     = 3
	failureLogCap   = 100
)

// retryDelays are the waits before attempt 2 and 3 (and would-be 4).
var retryDelays = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}

// DeliveryFailure is one failed delivery attempt kept for diagnostics.
type DeliveryFailure struct {
	EndpointID string    `json:"endpoint_id"`
	URL        string    `json:"url"`
	EventType  string    `json:"event_type"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	FailedAt   time.Time `json:"failed_at"`
}

// Dispatcher subscribes to the event bus and pushes signed payloads to
// matching endpoints. Delivery is fire-and-forget: a dead endpoint never
// slows down the supervisor.
type Dispatcher struct {
	registry *Registry
	bus      *events.Bus
	client   *http.Client
	logger   *log.Logger

	mu       sync.Mutex
	failures []DeliveryFailure

	onDelivery func(success bool) // metrics hook, may be nil

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDispatcher(registry *Registry, bus *events.Bus) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		bus:      bus,
		client:   &http.Client{Timeout: deliveryTimeout},
		logger:   log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
		stop:     make(chan struct{}),
	}
}

// OnDelivery registers a per-delivery callback (success or final failure).
func (d *Dispatcher) OnDelivery(fn func(success bool)) { d.onDelivery = fn }

// Start consumes the event bus until Stop is called.
func (d *Dispatcher) Start() {
	sub := d.bus.Subscribe()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.bus.Unsubscribe(sub)
		for {
			select {
			case <-d.stop:
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				d.fanOut(ev)
			}
		}
	}()
	d.logger.Printf("Dispatcher started")
}

// Stop halts event consumption. In-flight deliveries finish on their own.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Dispatcher) fanOut(ev *events.Event) {
	targets := d.registry.Matching(ev.Type)
	if len(targets) == 0 {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		d.logger.Printf("⚠️  Marshal event %s failed: %v", ev.ID, err)
		return
	}
	for _, ep := range targets {
		go d.deliver(ep, ev.Type, payload)
	}
}

// deliver posts the payload with up to maxAttempts tries and exponential
// backoff between them.
func (d *Dispatcher) deliver(ep *Endpoint, eventType string, payload []byte) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-d.stop:
				return
			case <-time.After(retryDelays[attempt-1]):
			}
		}
		if lastErr = d.post(ep, payload); lastErr == nil {
			if d.onDelivery != nil {
				d.onDelivery(true)
			}
			return
		}
	}

	d.logger.Printf("🚫 Delivery to %s failed after %d attempts: %v", ep.URL, maxAttempts, lastErr)
	if d.onDelivery != nil {
		d.onDelivery(false)
	}
	d.recordFailure(DeliveryFailure{
		EndpointID: ep.ID,
		URL:        ep.URL,
		EventType:  eventType,
		Error:      lastErr.Error(),
		Attempts:   maxAttempts,
		FailedAt:   time.Now().UTC(),
	})
}

func (d *Dispatcher) post(ep *Endpoint, payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", SignPayload(ep.Secret, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// recordFailure appends to the bounded failure log, evicting the oldest.
func (d *Dispatcher) recordFailure(f DeliveryFailure) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, f)
	if len(d.failures) > failureLogCap {
		d.failures = d.failures[len(d.failures)-failureLogCap:]
	}
}

// Failures returns a snapshot of the recent delivery failure log.
func (d *Dispatcher) Failures() []DeliveryFailure {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeliveryFailure, len(d.failures))
	copy(out, d.failures)
	return out
}
