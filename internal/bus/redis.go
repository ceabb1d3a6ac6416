package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ensure RedisBus implements both sides of the bus at compile time.
var (
	_ Publisher = (*RedisBus)(nil)
	_ Consumer  = (*RedisBus)(nil)
)

// turnField is the stream entry field carrying the JSON-encoded turn.
const turnField = "turn"

// RedisConfig configures a [RedisBus].
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string

	// Password is the Redis AUTH password. Empty means no auth.
	Password string

	// DB is the Redis logical database number.
	DB int

	// Stream is the stream turns are published to.
	// Defaults to "conversation-turns".
	Stream string

	// Group is the consumer group extraction workers read from.
	// Defaults to "memory-extractors".
	Group string

	// DeadLetterStream receives turns that exhausted their retry budget or
	// failed permanently. Defaults to Stream + ".dead".
	DeadLetterStream string

	// MaxDeliveries is the per-turn delivery budget before dead-lettering.
	// Defaults to 5.
	MaxDeliveries int

	// BlockTimeout bounds each blocking read so consumers notice context
	// cancellation. Defaults to 5s.
	BlockTimeout time.Duration

	// ClaimMinIdle is how long a pending delivery must sit idle before
	// another consumer may reclaim it. Defaults to 1m.
	ClaimMinIdle time.Duration
}

// withDefaults fills unset fields with their default values.
func (c RedisConfig) withDefaults() RedisConfig {
	if c.Stream == "" {
		c.Stream = "conversation-turns"
	}
	if c.Group == "" {
		c.Group = "memory-extractors"
	}
	if c.DeadLetterStream == "" {
		c.DeadLetterStream = c.Stream + ".dead"
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = time.Minute
	}
	return c
}

// RedisBus is a conversation bus backed by a Redis Stream with a consumer
// group. Delivery is at-least-once and unordered across consumers.
type RedisBus struct {
	client *redis.Client
	cfg    RedisConfig
	logger *slog.Logger

	// onDeadLetter, if set, is invoked once per dead-lettered turn with the
	// reason. Used for metrics.
	onDeadLetter func(reason string)
}

// RedisOption is a functional option for RedisBus.
type RedisOption func(*RedisBus)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) RedisOption {
	return func(b *RedisBus) {
		b.logger = l
	}
}

// WithDeadLetterHook registers a callback invoked once per dead-lettered turn.
func WithDeadLetterHook(fn func(reason string)) RedisOption {
	return func(b *RedisBus) {
		b.onDeadLetter = fn
	}
}

// NewRedisBus connects to Redis, verifies the connection and creates the
// consumer group if it does not exist yet.
func NewRedisBus(ctx context.Context, cfg RedisConfig, opts ...RedisOption) (*RedisBus, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("bus: redis addr must not be empty")
	}
	cfg = cfg.withDefaults()

	b := &RedisBus{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}

	if err := b.client.Ping(ctx).Err(); err != nil {
		b.client.Close()
		return nil, fmt.Errorf("bus: ping redis: %w", err)
	}

	// Group creation races with other instances; BUSYGROUP means someone
	// else won and the group already exists.
	err := b.client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		b.client.Close()
		return nil, fmt.Errorf("bus: create consumer group: %w", err)
	}

	return b, nil
}

// Publish implements [Publisher].
func (b *RedisBus) Publish(ctx context.Context, turn ConversationTurn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("bus: marshal turn: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]any{turnField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("bus: publish turn: %w", err)
	}
	return nil
}

// Consume implements [Consumer]. It alternates between reading fresh
// deliveries and reclaiming deliveries abandoned by crashed consumers, and
// returns nil once ctx is cancelled.
func (b *RedisBus) Consume(ctx context.Context, consumerName string, h Handler) error {
	if consumerName == "" {
		return fmt.Errorf("bus: consumer name must not be empty")
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := b.reclaim(ctx, consumerName, h); err != nil {
			b.logger.Warn("reclaim pending turns failed", "error", err, "consumer", consumerName)
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: consumerName,
			Streams:  []string{b.cfg.Stream, ">"},
			Count:    1,
			Block:    b.cfg.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("read from stream failed", "error", err, "consumer", consumerName)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.process(ctx, msg, 1, h)
			}
		}
	}
}

// reclaim takes over deliveries whose consumer went silent and either retries
// or dead-letters them depending on the remaining budget.
func (b *RedisBus) reclaim(ctx context.Context, consumerName string, h Handler) error {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.cfg.Stream,
		Group:    b.cfg.Group,
		Consumer: consumerName,
		MinIdle:  b.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("bus: autoclaim: %w", err)
	}

	for _, msg := range msgs {
		b.process(ctx, msg, b.deliveryCount(ctx, msg.ID), h)
	}
	return nil
}

// deliveryCount looks up how many times a pending entry has been delivered.
// Falls back to 1 when the lookup fails so the turn keeps its retry budget.
func (b *RedisBus) deliveryCount(ctx context.Context, id string) int {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.cfg.Stream,
		Group:  b.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return int(pending[0].RetryCount)
}

// process runs the handler on one delivery and settles it: ack on success,
// dead-letter on permanent failure or exhausted budget, leave pending
// otherwise.
func (b *RedisBus) process(ctx context.Context, msg redis.XMessage, deliveries int, h Handler) {
	raw, ok := msg.Values[turnField].(string)
	if !ok {
		b.deadLetter(ctx, msg, "missing turn field")
		return
	}

	var turn ConversationTurn
	if err := json.Unmarshal([]byte(raw), &turn); err != nil {
		b.deadLetter(ctx, msg, fmt.Sprintf("malformed turn: %v", err))
		return
	}

	err := h(ctx, turn)
	switch {
	case err == nil:
		if ackErr := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, msg.ID).Err(); ackErr != nil {
			b.logger.Warn("ack failed", "error", ackErr, "message_id", msg.ID)
		}
	case errors.Is(err, ErrPermanent):
		b.deadLetter(ctx, msg, err.Error())
	case deliveries >= b.cfg.MaxDeliveries:
		b.deadLetter(ctx, msg, fmt.Sprintf("retry budget exhausted after %d deliveries: %v", deliveries, err))
	default:
		// Leave the entry pending; XAUTOCLAIM re-delivers it after
		// ClaimMinIdle.
		b.logger.Warn("turn processing failed, will retry",
			"error", err, "message_id", msg.ID, "delivery", deliveries)
	}
}

// deadLetter copies the entry to the dead-letter stream and acks the original
// so it is never re-delivered.
func (b *RedisBus) deadLetter(ctx context.Context, msg redis.XMessage, reason string) {
	values := map[string]any{
		"origin_id": msg.ID,
		"reason":    reason,
	}
	if raw, ok := msg.Values[turnField]; ok {
		values[turnField] = raw
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.DeadLetterStream,
		Values: values,
	}).Err(); err != nil {
		// Keep the entry pending rather than lose it.
		b.logger.Error("dead-letter write failed", "error", err, "message_id", msg.ID)
		return
	}
	if err := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, msg.ID).Err(); err != nil {
		b.logger.Warn("ack after dead-letter failed", "error", err, "message_id", msg.ID)
	}
	b.logger.Warn("turn dead-lettered", "message_id", msg.ID, "reason", reason)
	if b.onDeadLetter != nil {
		b.onDeadLetter(reason)
	}
}

// PendingCount returns the number of deliveries awaiting acknowledgement.
// The bus-lag gauge samples this.
func (b *RedisBus) PendingCount(ctx context.Context) (int64, error) {
	pending, err := b.client.XPending(ctx, b.cfg.Stream, b.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("bus: pending count: %w", err)
	}
	return pending.Count, nil
}

// Ping verifies the Redis connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("bus: ping redis: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
