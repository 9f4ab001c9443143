// Package webhooks delivers gateway lifecycle events to registered HTTP
// endpoints with HMAC-SHA256 signed payloads.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Endpoint is one registered webhook target.
type Endpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"` // empty = all event types
	Secret    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// wants reports whether the endpoint subscribes to the event type.
func (e *Endpoint) wants(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, t := range e.Events {
		if t == eventType {
			return true
		}
	}
	return false
}

// Registry is the in-memory set of webhook endpoints.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]*Endpoint)}
}

// Register adds an endpoint and returns its generated id.
func (r *Registry) Register(rawURL string, events []string, secret string) (*Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url: %q", rawURL)
	}
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}

	ep := &Endpoint{
		ID:        uuid.New().String(),
		URL:       rawURL,
		Events:    events,
		Secret:    secret,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.endpoints[ep.ID] = ep
	r.mu.Unlock()
	return ep, nil
}

// Unregister removes an endpoint. Returns false if it does not exist.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[id]; !ok {
		return false
	}
	delete(r.endpoints, id)
	return true
}

// List returns a snapshot of all endpoints.
func (r *Registry) List() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		snapshot := *ep
		out = append(out, &snapshot)
	}
	return out
}

// Matching returns snapshots of endpoints subscribed to the event type.
func (r *Registry) Matching(eventType string) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Endpoint
	for _, ep := range r.endpoints {
		if ep.wants(eventType) {
			snapshot := *ep
			out = append(out, &snapshot)
		}
	}
	return out
}

// SignPayload computes the signature header value for a payload:
// "sha256=" + hex(HMAC-SHA256(secret, payload)).
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header in constant time.
func VerifySignature(secret string, payload []byte, signature string) bool {
	expected := SignPayload(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
