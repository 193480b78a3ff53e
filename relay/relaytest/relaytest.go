// Package relaytest holds a backend-agnostic conformance suite for
// relay.Relay implementations. Both the Redis and in-memory backends run
// the same suite.
package relaytest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shoplist/listsyncd/relay"
)

// Factory creates a connected pair of relay instances sharing one
// broadcast channel, standing in for two process instances.
type Factory func(t *testing.T) (a, b relay.Relay)

// Run executes the conformance suite against the provided factory.
func Run(t *testing.T, factory Factory) {
	t.Run("DeliversToOtherInstance", func(t *testing.T) {
		testDeliversToOtherInstance(t, factory)
	})
	t.Run("FiltersOwnEcho", func(t *testing.T) {
		testFiltersOwnEcho(t, factory)
	})
	t.Run("HealthTracksSubscription", func(t *testing.T) {
		testHealthTracksSubscription(t, factory)
	})
	t.Run("PublishAfterCloseFails", func(t *testing.T) {
		testPublishAfterCloseFails(t, factory)
	})
	t.Run("PayloadRoundTrips", func(t *testing.T) {
		testPayloadRoundTrips(t, factory)
	})
}

// collector gathers events delivered to a subscriber.
type collector struct {
	mu     sync.Mutex
	events []relay.Event
	got    chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 16)}
}

func (c *collector) handler(ctx context.Context, ev relay.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
}

func (c *collector) snapshot() []relay.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]relay.Event(nil), c.events...)
}

// subscribe runs r.Subscribe on a goroutine and waits for it to report
// healthy so publishes cannot race the subscription setup.
func subscribe(t *testing.T, ctx context.Context, r relay.Relay, h relay.Handler) {
	t.Helper()
	go func() {
		if err := r.Subscribe(ctx, h); err != nil && ctx.Err() == nil {
			t.Errorf("subscribe returned error: %v", err)
		}
	}()
	deadline := time.Now().Add(5 * time.Second)
	for !r.Healthy() {
		if time.Now().After(deadline) {
			t.Fatal("relay never became healthy")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testDeliversToOtherInstance(t *testing.T, factory Factory) {
	a, b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	col := newCollector()
	subscribe(t, ctx, b, col.handler)

	ev := relay.Event{Kind: relay.KindProductAdded, ListID: "l1", UserID: "u1", UserName: "User One"}
	if err := a.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-col.got:
	case <-ctx.Done():
		t.Fatal("event never reached the other instance")
	}

	events := col.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	got := events[0]
	if got.Kind != ev.Kind || got.ListID != ev.ListID || got.UserID != ev.UserID || got.UserName != ev.UserName {
		t.Fatalf("event mangled in transit: %+v", got)
	}
	if got.Origin == "" {
		t.Fatal("publish must stamp an origin id")
	}
}

func testFiltersOwnEcho(t *testing.T, factory Factory) {
	a, b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aCol := newCollector()
	bCol := newCollector()
	subscribe(t, ctx, a, aCol.handler)
	subscribe(t, ctx, b, bCol.handler)

	if err := a.Publish(ctx, relay.Event{Kind: relay.KindNotification, ListID: "l1", UserID: "u1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Wait for b to see it, then give a's subscription a moment to
	// (wrongly) deliver the echo.
	select {
	case <-bCol.got:
	case <-ctx.Done():
		t.Fatal("event never reached the other instance")
	}
	time.Sleep(100 * time.Millisecond)

	if events := aCol.snapshot(); len(events) != 0 {
		t.Fatalf("publisher received its own event: %+v", events)
	}
}

func testHealthTracksSubscription(t *testing.T, factory Factory) {
	a, _ := factory(t)

	if a.Healthy() {
		t.Fatal("relay must not report healthy before subscribing")
	}

	ctx, cancel := context.WithCancel(context.Background())
	col := newCollector()
	subscribe(t, ctx, a, col.handler)

	if !a.Healthy() {
		t.Fatal("relay must report healthy while subscribed")
	}

	cancel()
	deadline := time.Now().Add(5 * time.Second)
	for a.Healthy() {
		if time.Now().After(deadline) {
			t.Fatal("relay still healthy after subscription ended")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testPublishAfterCloseFails(t *testing.T, factory Factory) {
	a, _ := factory(t)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Publish(context.Background(), relay.Event{Kind: relay.KindNotification, UserID: "u1"}); err == nil {
		t.Fatal("publish after close must fail")
	}
}

func testPayloadRoundTrips(t *testing.T, factory Factory) {
	a, b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	col := newCollector()
	subscribe(t, ctx, b, col.handler)

	payload, _ := json.Marshal(map[string]any{"id": "p1", "name": "milk", "quantity": 2})
	ev := relay.Event{Kind: relay.KindProductAdded, ListID: "l1", UserID: "u1", Payload: payload}
	if err := a.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-col.got:
	case <-ctx.Done():
		t.Fatal("event never arrived")
	}

	var decoded struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Quantity int    `json:"quantity"`
	}
	if err := json.Unmarshal(col.snapshot()[0].Payload, &decoded); err != nil {
		t.Fatalf("payload failed to decode: %v", err)
	}
	if decoded.Name != "milk" || decoded.Quantity != 2 {
		t.Fatalf("payload mangled: %+v", decoded)
	}
}
