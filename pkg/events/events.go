package events

import (
	"sync"
	"sync/atomic"

	"github.com/ttheew/symphony/pkg/types"
)

// EventType represents the type of cluster event
type EventType string

const (
	EventDeploymentCreated EventType = "deployment.created"
	EventDeploymentUpdated EventType = "deployment.updated"
	EventDeploymentDeleted EventType = "deployment.deleted"
	EventDeploymentPlaced  EventType = "deployment.placed"
	EventDeploymentFailed  EventType = "deployment.failed"
	EventNodeConnected     EventType = "node.connected"
	EventNodeStale         EventType = "node.stale"
	EventNodeLost          EventType = "node.lost"
)

// Event is a cluster state change published to snapshot stream subscribers.
type Event struct {
	Type         EventType         `json:"type"`
	TimestampMs  int64             `json:"timestamp_ms"`
	DeploymentID string            `json:"deployment_id,omitempty"`
	NodeID       string            `json:"node_id,omitempty"`
	Message      string            `json:"message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans cluster events out to subscribers. Delivery is best-effort: a
// subscriber whose buffer is full misses the event and resynchronizes from a
// fresh snapshot.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	dropped     atomic.Int64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.TimestampMs == 0 {
		event.TimestampMs = types.NowMs()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Dropped returns the number of events skipped for slow subscribers.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
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
			b.dropped.Add(1)
		}
	}
}
