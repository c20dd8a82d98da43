package events

import (
	"sync"
	"time"
)

// EventType is the type of a control-plane event.
type EventType string

const (
	EventSVMCreated      EventType = "svm.created"
	EventSVMDeleted      EventType = "svm.deleted"
	EventSVMDegraded     EventType = "svm.degraded"
	EventVolumeCreated   EventType = "volume.created"
	EventVolumeResized   EventType = "volume.resized"
	EventVolumeDeleted   EventType = "volume.deleted"
	EventExportCreated   EventType = "export.created"
	EventExportDeleted   EventType = "export.deleted"
	EventSnapshotCreated EventType = "snapshot.created"
	EventSnapshotDeleted EventType = "snapshot.deleted"
	EventGroupFailedOver EventType = "group.failed_over"
)

// Event is a single control-plane event.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker distributes published events to every active subscriber.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker constructs a Broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution. Subscriber channels remain open until
// individually unsubscribed.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscription.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues event for broadcast to every subscriber. It waits for
// room in the broker's 100-event queue unless the broker is stopped;
// delivery never waits on a subscriber: a full subscriber buffer skips
// that subscriber.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
