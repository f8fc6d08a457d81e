package transport

import (
	"sync"
	"time"

	"github.com/foursight/biolink/server/models"
)

// EventType discriminates bus events.
type EventType string

const (
	EventDeviceDiscovered EventType = "device_discovered"
	EventStateChanged     EventType = "state_changed"
	EventStatusUpdated    EventType = "status_updated"
	EventQueueUpdated     EventType = "queue_updated"
	EventDownloadComplete EventType = "download_complete"
	EventDownloadPartial  EventType = "download_partial"
	EventDownloadFailed   EventType = "download_failed"
	EventSyncStarted      EventType = "sync_started"
	EventSyncProgress     EventType = "sync_progress"
	EventSyncComplete     EventType = "sync_complete"
	EventWindowResult     EventType = "window_result"
	EventError            EventType = "error"
)

// Event is one bus message. Only the fields relevant to its type are set.
type Event struct {
	Type      EventType             `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	State     string                `json:"state,omitempty"`
	DeviceID  string                `json:"deviceId,omitempty"`
	WindowID  string                `json:"windowId,omitempty"`
	Status    *models.DeviceStatus  `json:"status,omitempty"`
	Queue     []string              `json:"queue,omitempty"`
	Payload   *models.WindowPayload `json:"payload,omitempty"`
	Result    *models.WindowResult  `json:"result,omitempty"`
	Reason    string                `json:"reason,omitempty"`
	Err       string                `json:"error,omitempty"`
}

// EventBus fans events out to subscribers. A slow subscriber loses events
// rather than blocking the session goroutines or its peers.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	buffer int
}

func NewEventBus(buffer int) *EventBus {
	if buffer < 1 {
		buffer = 64
	}
	return &EventBus{
		subs:   make(map[chan Event]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new consumer channel.
func (b *EventBus) Subscribe() chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a consumer channel.
func (b *EventBus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers an event to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *EventBus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
