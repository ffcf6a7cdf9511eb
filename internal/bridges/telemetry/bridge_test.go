package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tianshanos/tianshan-core/internal/eventbus"
	"github.com/tianshanos/tianshan-core/internal/infrastructure/mqtt"
)

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	msgs      []published
}

func (f *fakePublisher) PublishEvent(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, payload: payload})
	return nil
}

func (f *fakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePublisher) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBridgeRepublishesEvents(t *testing.T) {
	bus := eventbus.New(0)
	defer bus.Stop()

	pub := &fakePublisher{connected: true}
	topics := mqtt.Topics{NodeID: "sled-test"}
	namer := func(_ eventbus.Base, id eventbus.ID) string {
		if id == 3 {
			return "alert"
		}
		return "other"
	}

	b := New(bus, pub, topics, WithNamer(namer), WithBases(eventbus.BasePower))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop(context.Background()) //nolint:errcheck // test teardown

	bus.PostSync(eventbus.BasePower, 3, map[string]any{"rail": "agx"})

	waitFor(t, func() bool { return len(pub.snapshot()) == 1 })
	msg := pub.snapshot()[0]
	if msg.topic != "tianshan/sled-test/event/power/alert" {
		t.Fatalf("topic = %q", msg.topic)
	}

	var ev wireEvent
	if err := json.Unmarshal(msg.payload, &ev); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if ev.Base != "power" || ev.ID != 3 || ev.Name != "alert" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Timestamp == 0 {
		t.Fatal("timestamp missing")
	}
}

func TestBridgeIgnoresOtherBases(t *testing.T) {
	bus := eventbus.New(0)
	defer bus.Stop()

	pub := &fakePublisher{connected: true}
	b := New(bus, pub, mqtt.Topics{NodeID: "n"}, WithBases(eventbus.BasePower))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop(context.Background()) //nolint:errcheck // test teardown

	bus.PostSync(eventbus.BaseConfig, 0, nil)
	bus.PostSync(eventbus.BasePower, 0, nil)

	waitFor(t, func() bool { return len(pub.snapshot()) == 1 })
	if got := pub.snapshot()[0].topic; got != "tianshan/n/event/power/evt_0" {
		t.Fatalf("topic = %q", got)
	}
}

func TestBridgeDropsWhenDisconnected(t *testing.T) {
	bus := eventbus.New(0)
	defer bus.Stop()

	pub := &fakePublisher{connected: false}
	b := New(bus, pub, mqtt.Topics{NodeID: "n"}, WithBases(eventbus.BasePower))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	bus.PostSync(eventbus.BasePower, 1, nil)
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := len(pub.snapshot()); got != 0 {
		t.Fatalf("published %d messages while disconnected", got)
	}
	if b.Dropped() == 0 {
		t.Fatal("dropped counter not incremented")
	}
}

func TestBridgeStopUnsubscribes(t *testing.T) {
	bus := eventbus.New(0)
	defer bus.Stop()

	pub := &fakePublisher{connected: true}
	b := New(bus, pub, mqtt.Topics{NodeID: "n"}, WithBases(eventbus.BasePower))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	bus.PostSync(eventbus.BasePower, 1, nil)
	time.Sleep(20 * time.Millisecond)
	if got := len(pub.snapshot()); got != 0 {
		t.Fatalf("published %d messages after Stop", got)
	}
}
