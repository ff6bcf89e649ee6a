// Package events fans mirror deltas out to SSE subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/nsmirror/internal/metrics"
	"github.com/fruitsalade/nsmirror/internal/model"
)

const (
	EventAdded   = "added"
	EventUpdated = "updated"
	EventRemoved = "removed"
)

// Event is one changed entry as seen by subscribers.
type Event struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	IsDir     bool   `json:"is_dir,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func fromEntry(typ string, e model.Entry, now int64) Event {
	return Event{
		Type:      typ,
		Path:      e.Path,
		IsDir:     e.IsDir,
		Size:      e.Size,
		Checksum:  e.Checksum,
		Timestamp: now,
	}
}

// FromDelta flattens one delta into events, removals first.
func FromDelta(updated, added, removed []model.Entry) []Event {
	now := time.Now().Unix()
	out := make([]Event, 0, len(updated)+len(added)+len(removed))
	for _, e := range removed {
		out = append(out, fromEntry(EventRemoved, e, now))
	}
	for _, e := range updated {
		out = append(out, fromEntry(EventUpdated, e, now))
	}
	for _, e := range added {
		out = append(out, fromEntry(EventAdded, e, now))
	}
	return out
}

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	buffer      int
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to 64
// events.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
		buffer:      64,
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish sends an event to all subscribers. Non-blocking: a subscriber
// whose buffer is full misses the event.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// OnChange publishes every entry of a delta. It lets the broadcaster be
// registered as the orchestrator's observer.
func (b *Broadcaster) OnChange(updated, added, removed []model.Entry) {
	for _, ev := range FromDelta(updated, added, removed) {
		b.Publish(ev)
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
