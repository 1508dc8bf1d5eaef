package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shardkeep/shardkeep/pkg/metrics"
)

// EventType names one progress event kind.
type EventType string

const (
	EventSegmentPosted    EventType = "segment.posted"
	EventSegmentFailed    EventType = "segment.failed"
	EventFileUploaded     EventType = "file.uploaded"
	EventFileFailed       EventType = "file.failed"
	EventFolderPublished  EventType = "folder.published"
	EventSegmentFetched   EventType = "segment.fetched"
	EventFileDownloaded   EventType = "file.downloaded"
	EventFileIntegrity    EventType = "file.integrity_failure"
	EventSessionCompleted EventType = "session.completed"
	EventSessionFailed    EventType = "session.failed"
)

// DefaultCapacity is the per-subscriber buffer used when NewBroker is
// given a non-positive capacity.
const DefaultCapacity = 64

// Event is one progress notification from the Uploader, Downloader or
// Publisher.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Newf builds a stamped event from a format string, so publish sites
// don't repeat the ID/timestamp boilerplate.
func Newf(typ EventType, format string, args ...interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now(),
		Message:   fmt.Sprintf(format, args...),
	}
}

// Subscriber is the channel a drain reads events from. It is closed by
// Unsubscribe or Broker.Close, so a range loop over it terminates.
type Subscriber chan *Event

// Broker fans published events out to every subscriber. There is no
// pump goroutine and no shared queue: Publish delivers synchronously
// into each subscriber's own buffer and drops on overflow, so a stalled
// front-end can never apply backpressure to a posting worker.
type Broker struct {
	mu       sync.RWMutex
	capacity int
	subs     map[Subscriber]struct{}
	closed   bool
}

// NewBroker builds a broker whose subscribers each buffer capacity
// events; a non-positive capacity selects DefaultCapacity.
func NewBroker(capacity int) *Broker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broker{capacity: capacity, subs: map[Subscriber]struct{}{}}
}

// Subscribe registers a new drain. Subscribing to a closed broker
// returns an already-closed channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, b.capacity)
	if b.closed {
		close(sub)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes and closes sub. Safe to call twice.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub)
	}
}

// Publish delivers event to every subscriber with buffer room and
// counts a drop for every one without.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			metrics.EventsDroppedTotal.Inc()
		}
	}
}

// Close closes every subscriber channel and turns any later Publish
// into a no-op.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub)
	}
	b.subs = map[Subscriber]struct{}{}
}
