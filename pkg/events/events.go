package events

import (
	"sync"
	"time"
)

// EventType represents the type of occurrence the coordinator publishes to
// the deployment layer and other observers.
type EventType string

const (
	EventSharedPlanCreated   EventType = "shared_plan.created"
	EventSharedPlanUpdated   EventType = "shared_plan.updated"
	EventSharedPlanDeployed  EventType = "shared_plan.deployed"
	EventSharedPlanStopped   EventType = "shared_plan.stopped"
	EventSharedPlanFailed    EventType = "shared_plan.failed"
	EventSharedPlanRemoved   EventType = "shared_plan.removed"
	EventAmendmentCommitted  EventType = "amendment.committed"
	EventAmendmentOptimizing EventType = "amendment.optimizing"
	EventBatchRejected       EventType = "batch.rejected"
)

// Event is one coordinator-level occurrence. The deployment layer subscribes
// to learn which shared plans just gained a change-log entry and need
// re-deployment; it is told which plan and change-log window to look at, not
// how to translate operators into worker RPCs.
type Event struct {
	ID           string
	Type         EventType
	Timestamp    time.Time
	SharedPlanID string
	Message      string
	Metadata     map[string]string
}

// Subscriber is a channel that receives events matching a subscription's
// filter.
type Subscriber chan *Event

// filter narrows a subscription to a subset of events. A nil types set or
// empty planID matches anything in that dimension, so Subscribe (no filter
// args) behaves as "every event" while SubscribePlan narrows delivery to one
// shared plan's lifecycle, which is what a deployment worker actually wants:
// it re-deploys one plan at a time and has no use for another plan's
// traffic, let alone batch-level rejections.
type filter struct {
	types  map[EventType]bool
	planID string
}

func (f filter) matches(e *Event) bool {
	if len(f.types) > 0 && !f.types[e.Type] {
		return false
	}
	if f.planID != "" && e.SharedPlanID != f.planID {
		return false
	}
	return true
}

// Broker fans out events to any number of subscribers without blocking the
// publisher on a slow or absent reader. Each subscriber's filter is checked
// at broadcast time, so a subscription to one plan's events costs no more
// than reading from an unfiltered channel would.
type Broker struct {
	subscribers map[Subscriber]filter
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]filter),
		eventCh:     make(chan *Event, 100), // buffer up to 100 pending events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a subscription delivering every event whose type is in
// types, or every event at all if types is empty.
func (b *Broker) Subscribe(types ...EventType) Subscriber {
	return b.subscribe(filter{types: typeSet(types)})
}

// SubscribePlan creates a subscription narrowed to one shared plan's events,
// optionally further narrowed to types. This is the filter a deployment
// worker tracking a single plan's change-log actually wants: it only learns
// about the plan it is responsible for, never another plan's traffic or a
// batch-level rejection with no SharedPlanID at all.
func (b *Broker) SubscribePlan(planID string, types ...EventType) Subscriber {
	return b.subscribe(filter{types: typeSet(types), planID: planID})
}

func (b *Broker) subscribe(f filter) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // buffer per subscriber
	b.subscribers[sub] = f
	return sub
}

func typeSet(types []EventType) map[EventType]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to every subscriber whose filter matches it.
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

	for sub, f := range b.subscribers {
		if !f.matches(event) {
			continue
		}
		select {
		case sub <- event:
		default:
			// subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
