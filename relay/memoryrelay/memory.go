// Package memoryrelay implements the cross-instance relay over in-process
// channels. A Bus stands in for the shared broadcast topic; every Relay
// attached to the same Bus behaves like one process instance. Used for
// single-node deployments (no Redis configured) and for tests.
package memoryrelay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/shoplist/listsyncd/relay"
)

// Bus is the shared topic connecting Relays.
type Bus struct {
	mu     sync.Mutex
	relays map[*Relay]struct{}
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{relays: make(map[*Relay]struct{})}
}

// Relay attaches a new instance to the bus.
func (b *Bus) Relay() *Relay {
	r := &Relay{bus: b, id: uuid.NewString(), inbox: make(chan relay.Event, 64)}
	b.mu.Lock()
	b.relays[r] = struct{}{}
	b.mu.Unlock()
	return r
}

func (b *Bus) broadcast(ev relay.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for r := range b.relays {
		if r.id == ev.Origin {
			continue
		}
		select {
		case r.inbox <- ev:
		default:
			// Best effort: a full inbox drops the event, matching the
			// at-most-once contract of the shared channel.
		}
	}
}

func (b *Bus) detach(r *Relay) {
	b.mu.Lock()
	delete(b.relays, r)
	b.mu.Unlock()
}

// Relay is one attached instance.
type Relay struct {
	bus     *Bus
	id      string
	inbox   chan relay.Event
	healthy atomic.Bool
	closed  atomic.Bool
}

// Publish implements relay.Relay.
func (r *Relay) Publish(ctx context.Context, ev relay.Event) error {
	if r.closed.Load() {
		return fmt.Errorf("memoryrelay: closed")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	ev.Origin = r.id
	r.bus.broadcast(ev)
	return nil
}

// Subscribe implements relay.Relay.
func (r *Relay) Subscribe(ctx context.Context, h relay.Handler) error {
	r.healthy.Store(true)
	defer r.healthy.Store(false)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.inbox:
			h(ctx, ev)
		}
	}
}

// Healthy implements relay.Relay.
func (r *Relay) Healthy() bool { return r.healthy.Load() }

// Close implements relay.Relay.
func (r *Relay) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		r.bus.detach(r)
	}
	r.healthy.Store(false)
	return nil
}

var _ relay.Relay = (*Relay)(nil)
