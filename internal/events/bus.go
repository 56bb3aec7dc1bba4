package events

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler processes one event. A returned error is logged and counted
// as a run warning; it never stops delivery to later handlers.
type Handler func(Event) error

// Subscription ties a handler to an event type.
type Subscription struct {
	ID      string
	Type    EventType
	handler Handler
}

// BusConfig tunes the bus.
type BusConfig struct {
	// LogCapacity bounds the append-only event log. Zero keeps every
	// event of the run.
	LogCapacity int
}

// Bus is a synchronous publish/subscribe dispatcher. Publish delivers
// to handlers in subscription order on the caller's stack; handlers may
// publish further events, which complete depth-first before the outer
// Publish returns. A fresh bus (or one after Reset) carries no
// subscriptions, an empty log, and a zero sequence counter.
type Bus struct {
	mu     sync.Mutex
	logger *zap.Logger
	config BusConfig

	subscriptions map[EventType][]*Subscription
	log           []Event
	sequence      uint64

	published atomic.Uint64
	warnings  atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger, config BusConfig) *Bus {
	return &Bus{
		logger:        logger,
		config:        config,
		subscriptions: make(map[EventType][]*Subscription),
	}
}

// Subscribe registers a handler for an event type and returns the
// subscription ID. Handlers for one type run in subscription order.
func (b *Bus) Subscribe(eventType EventType, handler Handler) (string, error) {
	if handler == nil {
		return "", errors.New("nil handler")
	}

	sub := &Subscription{
		ID:      uuid.New().String(),
		Type:    eventType,
		handler: handler,
	}

	b.mu.Lock()
	b.subscriptions[eventType] = append(b.subscriptions[eventType], sub)
	b.mu.Unlock()

	b.logger.Debug("subscribed",
		zap.String("eventType", string(eventType)),
		zap.String("subscriptionId", sub.ID),
	)

	return sub.ID, nil
}

// Unsubscribe removes a subscription by ID. Returns false when the ID
// is unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.ID == id {
				b.subscriptions[eventType] = append(subs[:i:i], subs[i+1:]...)
				if len(b.subscriptions[eventType]) == 0 {
					delete(b.subscriptions, eventType)
				}
				return true
			}
		}
	}
	return false
}

// Publish stamps the event with the next sequence number, appends it to
// the log, and delivers it synchronously to every handler registered
// for its type, in subscription order. Nested publishes from handlers
// complete before Publish returns. Handler errors and panics are
// contained at the dispatch site: they are logged, counted as warnings,
// and do not stop delivery to remaining handlers.
func (b *Bus) Publish(event Event) error {
	if event == nil {
		return errors.New("nil event")
	}
	seq, ok := event.(sequencer)
	if !ok {
		return errors.New("event does not embed BaseEvent")
	}

	b.mu.Lock()
	b.sequence++
	seq.setSequence(b.sequence)
	b.log = append(b.log, event)
	if b.config.LogCapacity > 0 && len(b.log) > b.config.LogCapacity {
		b.log = b.log[len(b.log)-b.config.LogCapacity:]
	}
	// Snapshot handlers so dispatch runs without the lock; nested
	// publishes re-enter Publish on the same goroutine.
	subs := append([]*Subscription(nil), b.subscriptions[event.GetType()]...)
	b.mu.Unlock()

	for _, sub := range subs {
		b.dispatch(sub, event)
	}

	b.published.Add(1)
	return nil
}

// dispatch runs one handler with panic containment.
func (b *Bus) dispatch(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.warnings.Add(1)
			b.logger.Error("event handler panicked",
				zap.String("eventType", string(event.GetType())),
				zap.Uint64("sequence", event.GetSequence()),
				zap.String("subscriptionId", sub.ID),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.handler(event); err != nil {
		b.warnings.Add(1)
		b.logger.Warn("event handler error",
			zap.String("eventType", string(event.GetType())),
			zap.Uint64("sequence", event.GetSequence()),
			zap.Error(err),
		)
	}
}

// Reset clears all subscriptions, the log, the sequence counter, and
// the counters, leaving the bus indistinguishable from a fresh one. It
// must be called between runs.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.subscriptions = make(map[EventType][]*Subscription)
	b.log = nil
	b.sequence = 0
	b.mu.Unlock()

	b.published.Store(0)
	b.warnings.Store(0)

	b.logger.Debug("event bus reset")
}

// Sequence returns the last assigned sequence number.
func (b *Bus) Sequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequence
}

// Published returns the number of events published since construction
// or the last Reset.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Warnings returns the number of handler errors and panics contained
// since construction or the last Reset.
func (b *Bus) Warnings() int {
	return int(b.warnings.Load())
}

// SubscriberCount returns the total number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}

// LogLen returns the number of events retained in the log.
func (b *Bus) LogLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.log)
}

// Log returns a copy of the retained event log in publish order.
func (b *Bus) Log() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.log...)
}
