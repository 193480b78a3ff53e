// Package redisrelay implements the cross-instance relay over a Redis
// Pub/Sub channel. Every instance publishes to and subscribes from one
// named topic; self-published messages are dropped by origin id.
package redisrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shoplist/listsyncd/relay"
)

// Config for the Redis relay.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// Channel is the shared broadcast topic. Defaults to "listsync:events".
	Channel string
	// Logger for subscription diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Relay is a relay.Relay backed by Redis Pub/Sub.
type Relay struct {
	client  redis.UniversalClient
	channel string
	id      string
	log     *slog.Logger

	healthy atomic.Bool
	closed  atomic.Bool
}

// New constructs a Relay with a fresh instance id.
func New(cfg Config) (*Relay, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redisrelay: client is required")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "listsync:events"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		client:  cfg.Client,
		channel: channel,
		id:      uuid.NewString(),
		log:     log,
	}, nil
}

// Publish implements relay.Relay.
func (r *Relay) Publish(ctx context.Context, ev relay.Event) error {
	if r.closed.Load() {
		return fmt.Errorf("redisrelay: closed")
	}
	ev.Origin = r.id
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redisrelay: encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redisrelay: publish: %w", err)
	}
	return nil
}

// Subscribe implements relay.Relay. It blocks until ctx is done or the
// relay is closed, flipping the health flag across subscribe/error/close
// transitions.
func (r *Relay) Subscribe(ctx context.Context, h relay.Handler) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()
	defer r.healthy.Store(false)

	// Wait for the subscription confirmation before reporting healthy.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redisrelay: subscribe %s: %w", r.channel, err)
	}
	r.healthy.Store(true)
	r.log.InfoContext(ctx, "relay subscribed", slog.String("channel", r.channel))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if r.closed.Load() || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("redisrelay: subscription closed unexpectedly")
			}
			var ev relay.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.WarnContext(ctx, "relay: dropping undecodable message", slog.String("error", err.Error()))
				continue
			}
			if ev.Origin == r.id {
				continue
			}
			h(ctx, ev)
		}
	}
}

// Healthy implements relay.Relay.
func (r *Relay) Healthy() bool { return r.healthy.Load() }

// Close implements relay.Relay. The Redis client is owned by the caller
// and stays open.
func (r *Relay) Close() error {
	r.closed.Store(true)
	r.healthy.Store(false)
	return nil
}

var _ relay.Relay = (*Relay)(nil)
