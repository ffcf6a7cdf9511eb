package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tianshanos/tianshan-core/internal/eventbus"
	"github.com/tianshanos/tianshan-core/internal/infrastructure/mqtt"
)

// queueSize bounds events waiting for the broker. Events beyond this
// are dropped and counted, never blocking the bus dispatcher.
const queueSize = 128

// Publisher is the broker-side surface the bridge needs. Satisfied by
// *mqtt.Client.
type Publisher interface {
	PublishEvent(topic string, payload []byte) error
	IsConnected() bool
}

// Namer renders an event ID as a topic segment. Unknown IDs should
// fall back to a numeric form.
type Namer func(base eventbus.Base, id eventbus.ID) string

// Logger is the minimal logging interface the bridge needs.
type Logger interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Debug(string, ...any) {}

// defaultBases are the namespaces worth exporting off the sled.
var defaultBases = []eventbus.Base{
	eventbus.BaseSystem,
	eventbus.BaseStorage,
	eventbus.BasePower,
	eventbus.BaseService,
	eventbus.BaseSecurity,
}

// wireEvent is the JSON shape published per event.
type wireEvent struct {
	Base      string `json:"base"`
	ID        int32  `json:"id"`
	Name      string `json:"name"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Bridge forwards bus events to the broker.
type Bridge struct {
	bus    *eventbus.Bus
	pub    Publisher
	topics mqtt.Topics
	namer  Namer
	bases  []eventbus.Base
	log    Logger

	mu      sync.Mutex
	subs    []*eventbus.Subscription
	queue   chan eventbus.Event
	done    chan struct{}
	running bool
	dropped uint64
}

// Option configures the bridge.
type Option func(*Bridge)

// WithNamer sets the event ID naming function.
func WithNamer(n Namer) Option {
	return func(b *Bridge) { b.namer = n }
}

// WithBases overrides the set of exported event bases.
func WithBases(bases ...eventbus.Base) Option {
	return func(b *Bridge) { b.bases = bases }
}

// WithLogger sets the bridge logger.
func WithLogger(log Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// New creates a bridge. Call Start to begin forwarding.
func New(bus *eventbus.Bus, pub Publisher, topics mqtt.Topics, opts ...Option) *Bridge {
	b := &Bridge{
		bus:    bus,
		pub:    pub,
		topics: topics,
		bases:  defaultBases,
		log:    noopLogger{},
		namer: func(_ eventbus.Base, id eventbus.ID) string {
			return fmt.Sprintf("evt_%d", id)
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name identifies the bridge to the service orchestrator.
func (b *Bridge) Name() string { return "telemetry" }

// Start subscribes to the configured bases and launches the publish
// worker.
func (b *Bridge) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	b.queue = make(chan eventbus.Event, queueSize)
	b.done = make(chan struct{})
	for _, base := range b.bases {
		b.subs = append(b.subs, b.bus.SubscribeAll(base, b.enqueue))
	}
	b.running = true

	go b.publishLoop(b.queue, b.done)
	return nil
}

// Stop unsubscribes and drains the worker.
func (b *Bridge) Stop(_ context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	for _, sub := range b.subs {
		b.bus.Unsubscribe(sub)
	}
	b.subs = nil
	b.running = false
	queue, done := b.queue, b.done
	b.mu.Unlock()

	close(queue)
	<-done
	return nil
}

// Dropped reports how many events were discarded because the queue was
// full.
func (b *Bridge) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// enqueue runs on the bus dispatcher goroutine and must not block.
func (b *Bridge) enqueue(ev eventbus.Event) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	queue := b.queue
	b.mu.Unlock()

	select {
	case queue <- ev:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

func (b *Bridge) publishLoop(queue <-chan eventbus.Event, done chan<- struct{}) {
	defer close(done)

	for ev := range queue {
		if !b.pub.IsConnected() {
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			continue
		}

		name := b.namer(ev.Base, ev.ID)
		payload, err := json.Marshal(wireEvent{
			Base:      ev.Base.String(),
			ID:        int32(ev.ID),
			Name:      name,
			Payload:   ev.Payload,
			Timestamp: ev.Timestamp.UnixMilli(),
		})
		if err != nil {
			b.log.Warn("telemetry event not serializable", "base", ev.Base.String(), "id", ev.ID)
			continue
		}

		topic := b.topics.Event(ev.Base.String(), name)
		if err := b.pub.PublishEvent(topic, payload); err != nil {
			b.log.Debug("telemetry publish failed", "topic", topic, "error", err)
		}
	}
}
