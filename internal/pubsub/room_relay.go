// Package pubsub relays room broadcasts between gateway instances over
// Redis Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/observability"
)

const DefaultRoomChannel = "chat:rooms:broadcast"

const (
	minReconnectBackoff = time.Second
	maxReconnectBackoff = 30 * time.Second
)

// RoomEvent is the relay frame. InstanceID identifies the publisher so an
// instance never re-delivers its own broadcasts.
type RoomEvent struct {
	InstanceID string          `json:"instance_id"`
	SessionID  string          `json:"session_id"`
	Payload    json.RawMessage `json:"payload"`
}

type DeliverFunc func(sessionID string, payload []byte)

type RedisRoomRelay struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
	logger     *slog.Logger
}

func NewRedisRoomRelay(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisRoomRelay {
	if channel == "" {
		channel = DefaultRoomChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRoomRelay{
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
		logger:     logger.With("component", "room_relay"),
	}
}

func (r *RedisRoomRelay) InstanceID() string { return r.instanceID }

func (r *RedisRoomRelay) Publish(ctx context.Context, sessionID string, payload []byte) error {
	if r == nil || r.client == nil {
		return nil
	}
	data, err := json.Marshal(RoomEvent{
		InstanceID: r.instanceID,
		SessionID:  sessionID,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("marshal room event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		observability.RecordRelayEvent(ctx, "publish", "error")
		return fmt.Errorf("publish room event: %w", err)
	}
	observability.RecordRelayEvent(ctx, "publish", "ok")
	return nil
}

// Run subscribes until ctx is done, reconnecting with exponential backoff.
// Events published by this instance are skipped.
func (r *RedisRoomRelay) Run(ctx context.Context, deliver DeliverFunc) error {
	if r == nil || r.client == nil {
		<-ctx.Done()
		return nil
	}
	var backoff reconnectBackoff
	for {
		subscribed, err := r.subscribe(ctx, deliver)
		if ctx.Err() != nil {
			return nil
		}
		delay := backoff.next(subscribed)
		r.logger.Warn("room relay subscription lost, reconnecting",
			"channel", r.channel,
			"error", err,
			"backoff", delay,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// reconnectBackoff doubles the delay across consecutive failed subscribes
// and starts over once a subscribe has succeeded.
type reconnectBackoff struct {
	current time.Duration
}

func (b *reconnectBackoff) next(subscribed bool) time.Duration {
	if subscribed || b.current == 0 {
		b.current = minReconnectBackoff
		return b.current
	}
	b.current = nextBackoff(b.current)
	return b.current
}

func nextBackoff(current time.Duration) time.Duration {
	return min(current*2, maxReconnectBackoff)
}

var errChannelClosed = errors.New("subscription channel closed")

// subscribe reports whether the subscription was established before it
// ended.
func (r *RedisRoomRelay) subscribe(ctx context.Context, deliver DeliverFunc) (bool, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("room relay subscribed", "channel", r.channel, "instance_id", r.instanceID)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return true, errChannelClosed
			}
			r.handle(ctx, msg.Payload, deliver)
		}
	}
}

func (r *RedisRoomRelay) handle(ctx context.Context, raw string, deliver DeliverFunc) {
	var event RoomEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		observability.RecordRelayEvent(ctx, "receive", "malformed")
		r.logger.Warn("malformed room event", "error", err)
		return
	}
	if event.InstanceID == r.instanceID {
		return
	}
	if event.SessionID == "" || len(event.Payload) == 0 {
		observability.RecordRelayEvent(ctx, "receive", "malformed")
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("room relay delivery panicked",
				"session_id", event.SessionID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()
	deliver(event.SessionID, event.Payload)
	observability.RecordRelayEvent(ctx, "receive", "ok")
}
