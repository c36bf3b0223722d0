package events

import (
	"sync"
	"time"

	"github.com/cuemby/dsengine/pkg/types"
)

// Kind identifies the lifecycle event.
type Kind string

const (
	KindGenerationAdded   Kind = "generation.added"
	KindGenerationDropped Kind = "generation.dropped"
	KindBatchCommitted    Kind = "batch.committed"
	KindTrieLearned       Kind = "trie.learned"
)

// Event is a generation-tagged lifecycle notification (spec §9).
type Event struct {
	ID        string
	Kind      Kind
	DB        string
	Shard     types.Shard
	Gen       types.GenID
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers. Non-blocking once queued.
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
			// Subscriber buffer full; drop rather than block the broker.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// IsKnownGeneration reports whether gen is still a generation the caller
// recognizes for (db, shard) — typically backed by a generation.Manager's
// Get, answering false once the generation has been dropped.
type IsKnownGeneration func(db string, shard types.Shard, gen types.GenID) bool

// FilterDropped wraps sub, forwarding every event except a stale one: a
// non-generation.dropped event whose Gen no longer satisfies isKnown,
// e.g. a batch.committed notification that was queued before a
// concurrent drop_generation call and delivered after. This is the
// subscriber-side half of spec §9's "events stamped with a generation
// id" design note — the broker itself fans out undifferentiated, and a
// consumer that cares about generation lifetime wraps its own
// subscription with FilterDropped. The returned channel closes once sub
// is unsubscribed (its underlying channel closed).
func FilterDropped(sub Subscriber, isKnown IsKnownGeneration) <-chan *Event {
	out := make(chan *Event, cap(sub))
	go func() {
		defer close(out)
		for ev := range sub {
			if ev.Kind != KindGenerationDropped && !isKnown(ev.DB, ev.Shard, ev.Gen) {
				continue
			}
			out <- ev
		}
	}()
	return out
}
