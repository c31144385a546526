package audit

import (
	"sync"
	"time"
)

// Notification event types fanned out to in-process subscribers. Webhook
// event names reuse these strings verbatim.
const (
	EventAgentRegistered   = "agent.registered"
	EventAgentUnregistered = "agent.unregistered"
	EventAgentClaimed      = "agent.claimed"
	EventAgentOffline      = "agent.offline"
	EventTaskCreated       = "task.created"
	EventTaskAccepted      = "task.accepted"
	EventTaskSubmitted     = "task.submitted"
	EventTaskCompleted     = "task.completed"
	EventTaskRejected      = "task.rejected"
	EventTaskCancelled     = "task.cancelled"
	EventPaymentSent       = "payment.sent"
	EventMessageFailed     = "message.failed"
	EventTunnelOpened      = "tunnel.opened"
	EventTunnelClosed      = "tunnel.closed"

	EventPaymentTaskCreated = "payment_task.created"
	EventPaymentTaskUpdated = "payment_task.updated"
)

// Event is the in-process notification delivered to subscribers. Durable
// Activity and AuditEvent rows are written separately by the Recorder.
type Event struct {
	Type      string
	Timestamp time.Time
	Payload   map[string]interface{}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
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

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
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
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
