package eventbus

import (
	"errors"
	"sync"
	"time"
)

// Base is an integer event namespace owned by one subsystem.
type Base int

// Event bases. Each subsystem posts only within its own base.
const (
	BaseSystem Base = iota
	BaseStorage
	BasePower
	BaseNet
	BaseConfig
	BaseService
	BaseSecurity
)

var baseNames = map[Base]string{
	BaseSystem:   "system",
	BaseStorage:  "storage",
	BasePower:    "power",
	BaseNet:      "net",
	BaseConfig:   "config",
	BaseService:  "service",
	BaseSecurity: "security",
}

// String returns the lowercase base name.
func (b Base) String() string {
	if name, ok := baseNames[b]; ok {
		return name
	}
	return "unknown"
}

// ID identifies an event within a base.
type ID int32

// AnyID subscribes to every event in a base.
const AnyID ID = -1

// DefaultQueueSize is the async queue depth when none is given.
const DefaultQueueSize = 32

// ErrQueueFull is returned by Post when the async queue is full. Callers
// may fall back to PostSync or drop the event.
var ErrQueueFull = errors.New("eventbus: queue full")

// ErrStopped is returned by Post after the bus has been stopped.
var ErrStopped = errors.New("eventbus: stopped")

// Event is a single bus notification.
type Event struct {
	Base      Base
	ID        ID
	Payload   any
	Timestamp time.Time
}

// Handler receives delivered events. Handlers run on the dispatcher
// goroutine (or the caller's goroutine for PostSync) and must not block.
type Handler func(Event)

// Subscription identifies a registered handler for unsubscribe.
type Subscription struct {
	base    Base
	id      ID
	seq     uint64
	handler Handler
}

// Stats reports bus counters since start (or the last Reset).
type Stats struct {
	Posted        uint64
	Delivered     uint64
	Dropped       uint64
	Subscribers   int
	HighWatermark int
}

// Bus is the event fabric. The zero value is not usable; construct with New.
type Bus struct {
	mu      sync.Mutex
	subs    map[Base][]*Subscription
	nextSeq uint64
	stats   Stats
	queue   chan Event
	stopped bool
	done    chan struct{}
}

// New creates a bus with the given async queue depth and starts its
// dispatcher goroutine. A queueSize of 0 uses DefaultQueueSize.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b := &Bus{
		subs:  make(map[Base][]*Subscription),
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Subscribe registers a handler for (base, id). Use AnyID to receive
// every event in the base.
func (b *Bus) Subscribe(base Base, id ID, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	sub := &Subscription{base: base, id: id, seq: b.nextSeq, handler: handler}
	b.subs[base] = append(b.subs[base], sub)
	b.stats.Subscribers++
	return sub
}

// SubscribeAll registers a handler for every event in a base.
func (b *Bus) SubscribeAll(base Base, handler Handler) *Subscription {
	return b.Subscribe(base, AnyID, handler)
}

// Unsubscribe removes a subscription. Removing twice is harmless.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.base]
	for i, s := range list {
		if s.seq == sub.seq {
			b.subs[sub.base] = append(list[:i], list[i+1:]...)
			b.stats.Subscribers--
			return
		}
	}
}

// Post queues an event for asynchronous delivery. It never blocks: a full
// queue returns ErrQueueFull and the event is dropped.
func (b *Bus) Post(base Base, id ID, payload any) error {
	ev := Event{Base: base, ID: id, Payload: payload, Timestamp: time.Now()}

	// The stopped check and the send stay under one critical section:
	// Stop closes the queue, and a send racing that close would panic.
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrStopped
	}

	select {
	case b.queue <- ev:
		b.stats.Posted++
		if depth := len(b.queue); depth > b.stats.HighWatermark {
			b.stats.HighWatermark = depth
		}
		return nil
	default:
		b.stats.Dropped++
		return ErrQueueFull
	}
}

// PostSync delivers an event inline on the caller's goroutine, returning
// after every matching handler has run.
func (b *Bus) PostSync(base Base, id ID, payload any) {
	ev := Event{Base: base, ID: id, Payload: payload, Timestamp: time.Now()}

	b.mu.Lock()
	b.stats.Posted++
	b.mu.Unlock()

	b.dispatch(ev)
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// ResetStats clears all counters except the subscriber count.
func (b *Bus) ResetStats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.stats.Subscribers
	b.stats = Stats{Subscribers: subs}
}

// QueueDepth returns the number of undelivered async events.
func (b *Bus) QueueDepth() int {
	return len(b.queue)
}

// Stop shuts down the dispatcher after draining queued events. Post
// returns ErrStopped afterwards; PostSync remains usable.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.queue)
	<-b.done
}

func (b *Bus) dispatchLoop() {
	defer close(b.done)
	for ev := range b.queue {
		b.dispatch(ev)
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	matched := make([]Handler, 0, 4)
	for _, sub := range b.subs[ev.Base] {
		if sub.id == AnyID || sub.id == ev.ID {
			matched = append(matched, sub.handler)
		}
	}
	b.stats.Delivered += uint64(len(matched))
	b.mu.Unlock()

	// Handlers run outside the lock so they may subscribe or post.
	for _, h := range matched {
		h(ev)
	}
}
