// Package relay carries events between process instances over a single
// shared broadcast channel, so that an event originating on one instance
// reaches room members whose sockets live on another.
//
// Delivery is best effort, at most once per subscribing instance, with no
// ordering guarantee. A degraded relay only degrades cross-instance
// fan-out: locally co-located users keep working.
package relay

import (
	"context"
	"encoding/json"
)

// Event kinds carried on the broadcast channel.
const (
	KindProductAdded   = "product:added"
	KindProductToggled = "product:toggled"
	KindProductDeleted = "product:deleted"
	KindNotification   = "notification:new"
	// KindUserDeleted forces disconnection of all of one user's
	// connections on every instance; emitted when the account is deleted
	// elsewhere in the system.
	KindUserDeleted = "user:deleted"
)

// Event is the transient message exchanged between instances.
type Event struct {
	Kind     string          `json:"kind"`
	ListID   string          `json:"listId,omitempty"`
	UserID   string          `json:"userId"`
	UserName string          `json:"userName,omitempty"`
	// Origin identifies the publishing instance so subscribers can drop
	// their own echoes. Stamped by Publish; callers leave it empty.
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler consumes one inbound cross-instance event. Handlers must not
// block; slow work belongs on the handler's own goroutines.
type Handler func(ctx context.Context, ev Event)

// Relay publishes local events to the shared channel and dispatches
// events published by other instances.
type Relay interface {
	// Publish sends ev to every other subscribing instance. The event is
	// stamped with this instance's origin id before encoding.
	Publish(ctx context.Context, ev Event) error

	// Subscribe blocks delivering inbound events to h until ctx is done.
	// Events published by this instance are filtered out.
	Subscribe(ctx context.Context, h Handler) error

	// Healthy reports whether the subscription is currently established.
	// Diagnostic only; never gates functionality.
	Healthy() bool

	// Close tears down the relay. Publish fails after Close; a blocked
	// Subscribe ends through its own context.
	Close() error
}
