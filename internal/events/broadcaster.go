// Package events provides an SSE event broadcaster for upload progress and
// tree changes.
package events

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/metrics"
	"github.com/Imrankhan9559/morganxmystic/internal/protocol"
)

const (
	EventUploadQueued    = "upload.queued"
	EventUploadStarted   = "upload.started"
	EventUploadProgress  = "upload.progress"
	EventUploadCompleted = "upload.completed"
	EventUploadFailed    = "upload.failed"
)

// Event is a change notification. Audience lists the identities allowed to
// receive it and is never serialized.
type Event struct {
	protocol.SSEEvent
	Audience []string `json:"-"`
}

type subscriber struct {
	identity string
}

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]subscriber
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]subscriber),
	}
}

// Subscribe adds a subscriber for identity and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(identity string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = subscriber{identity: identity}
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

// Publish sends an event to every subscriber in its audience. Non-blocking:
// drops events for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, sub := range b.subscribers {
		if !slices.Contains(event.Audience, sub.identity) {
			continue
		}
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// TreeObserver returns a metadata observer that publishes tree changes to
// the item owner and the acting identity.
func (b *Broadcaster) TreeObserver() metadata.Observer {
	return func(c metadata.Change) {
		audience := []string{c.Owner}
		if c.Actor != "" && c.Actor != c.Owner {
			audience = append(audience, c.Actor)
		}
		b.Publish(Event{
			SSEEvent: protocol.SSEEvent{
				Type:     c.Kind,
				ItemID:   c.ItemID,
				ParentID: c.ParentID,
			},
			Audience: audience,
		})
	}
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e.SSEEvent)
}
