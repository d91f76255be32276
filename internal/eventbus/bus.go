// Package eventbus is the publish/subscribe fabric every other Descartes
// component uses to announce state changes: agent transitions, task
// status, lease grants, workflow stage advances, loop iteration results.
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// callers never need guard checks before publishing.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Category groups events the way Source grouped them in the teacher's
// bus: one string per producing subsystem.
const (
	CategoryAgent    = "agent"
	CategoryTask     = "task"
	CategoryLease    = "lease"
	CategoryWorkflow = "workflow"
	CategoryLoop     = "loop"
	CategorySystem   = "system"
)

// ActorKind classifies who/what produced an event.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorAgent  ActorKind = "agent"
	ActorSystem ActorKind = "system"
)

// Event is a single published occurrence.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Timestamp     time.Time      `json:"ts"`
	Category      string         `json:"category"`
	Kind          string         `json:"kind"`
	ActorKind     ActorKind      `json:"actor_kind,omitempty"`
	ActorID       string         `json:"actor_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	ParentEventID string         `json:"parent_event_id,omitempty"`
}

// Filter narrows which events a subscriber receives. Zero-value fields
// match everything; a non-empty slice/map must contain the event's
// corresponding value to match.
type Filter struct {
	Categories   []string
	ActorIDs     []string
	SessionIDs   []string
	PayloadEquals map[string]any
}

func (f Filter) matches(e Event) bool {
	if len(f.Categories) > 0 && !contains(f.Categories, e.Category) {
		return false
	}
	if len(f.ActorIDs) > 0 && !contains(f.ActorIDs, e.ActorID) {
		return false
	}
	if len(f.SessionIDs) > 0 && !contains(f.SessionIDs, e.SessionID) {
		return false
	}
	for k, v := range f.PayloadEquals {
		if e.Payload == nil {
			return false
		}
		pv, ok := e.Payload[k]
		if !ok || pv != v {
			return false
		}
	}
	return true
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Policy controls what a subscriber's queue does when full.
type Policy int

const (
	// PolicyDrop drops the event for this subscriber and emits a
	// subscriber-dropped event through the same bus (never for itself,
	// to avoid a feedback loop).
	PolicyDrop Policy = iota
	// PolicyBlock blocks the publisher until the subscriber has room.
	// Intended only for low-volume, latency-insensitive subscribers
	// (e.g. the attach WebSocket for a single session); a blocking
	// subscriber on a hot category can stall every publisher.
	PolicyBlock
)

type subscription struct {
	ch     chan Event
	filter Filter
	policy Policy
}

// Bus is the process-wide event fabric.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}

	ringMu sync.Mutex
	ring   []Event
	ringCap int

	dropped prometheus.Counter
}

// New creates a Bus with a replay ring holding up to ringCap recent
// events (0 disables replay).
func New(ringCap int) *Bus {
	if ringCap < 0 {
		ringCap = 0
	}
	return &Bus{
		subs:    make(map[*subscription]struct{}),
		ringCap: ringCap,
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "descartes_eventbus_dropped_total",
			Help: "Events dropped because a drop-policy subscriber's queue was full.",
		}),
	}
}

// Collector exposes the bus's internal Prometheus counter so the daemon
// can register it once with the shared registry.
func (b *Bus) Collector() prometheus.Collector { return b.dropped }

// Publish sends e to every matching subscriber, and appends it to the
// replay ring. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.ringMu.Lock()
	if b.ringCap > 0 {
		b.ring = append(b.ring, e)
		if len(b.ring) > b.ringCap {
			b.ring = b.ring[len(b.ring)-b.ringCap:]
		}
	}
	b.ringMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.filter.matches(e) {
			continue
		}
		switch sub.policy {
		case PolicyBlock:
			sub.ch <- e
		default:
			select {
			case sub.ch <- e:
			default:
				b.dropped.Inc()
				if e.Category != CategorySystem || e.Kind != "subscriber-dropped" {
					go b.Publish(Event{
						Category: CategorySystem,
						Kind:     "subscriber-dropped",
						Payload:  map[string]any{"original_category": e.Category, "original_kind": e.Kind},
					})
				}
			}
		}
	}
}

// Subscribe returns a channel receiving events matching filter (and,
// when since is non-zero, replays matching events newer than since from
// the ring first). The caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(filter Filter, policy Policy, bufSize int, since time.Time) <-chan Event {
	if bufSize <= 0 {
		bufSize = 64
	}
	sub := &subscription{ch: make(chan Event, bufSize), filter: filter, policy: policy}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	if !since.IsZero() {
		b.ringMu.Lock()
		for _, e := range b.ring {
			if e.Timestamp.After(since) && filter.matches(e) {
				select {
				case sub.ch <- e:
				default:
				}
			}
		}
		b.ringMu.Unlock()
	}

	return sub.ch
}

// UpdateFilter replaces the filter on the subscription owning ch,
// reporting whether a matching subscription was found. It's how a
// long-lived WebSocket subscriber narrows or widens what it receives
// without tearing down and recreating its channel.
func (b *Bus) UpdateFilter(ch <-chan Event, filter Filter) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.ch == ch {
			sub.filter = filter
			return true
		}
	}
	return false
}

// Unsubscribe removes a subscription and closes its channel. Safe to
// call with a channel that is already unsubscribed (no-op); O(n) in the
// subscriber count, which is acceptable since subscriber churn is rare
// compared to publish volume.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.ch == ch {
			delete(b.subs, sub)
			close(sub.ch)
			return
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
