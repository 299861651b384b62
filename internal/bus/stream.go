// Package bus carries produced events from the API to the delivery workers
// over a Redis stream consumed through a consumer group.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zachbroad/webhook-engine/internal/metrics"
	"github.com/zachbroad/webhook-engine/internal/model"
)

const (
	DefaultStream = "webhook-events"
	DefaultGroup  = "dispatchers"

	fieldEvent = "event"
	fieldID    = "event_id"
	fieldType  = "event_type"

	// approximate cap on stream length; acknowledged history is trimmed
	defaultMaxLen = 100_000
)

// Publisher appends events to the stream.
type Publisher struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64
}

func NewPublisher(rdb redis.UniversalClient, stream string) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{rdb: rdb, stream: stream, maxLen: defaultMaxLen}
}

// Publish enqueues event and returns its stream message ID.
func (p *Publisher) Publish(ctx context.Context, event model.Event) (string, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			fieldEvent: string(body),
			fieldID:    event.ID,
			fieldType:  event.Type,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish event %s: %w", event.ID, err)
	}
	return id, nil
}

// Handler processes one event. Returning an error leaves the message pending
// so it is redelivered by Reclaim.
type Handler func(ctx context.Context, event model.Event) error

// Consumer reads the stream as one member of a consumer group.
type Consumer struct {
	rdb    redis.UniversalClient
	stream string
	group  string
	name   string
	block  time.Duration
	log    *zap.Logger
}

type ConsumerOption func(*Consumer)

// WithBlock sets how long a read waits for new messages.
func WithBlock(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.block = d }
}

func NewConsumer(rdb redis.UniversalClient, stream, group, name string, log *zap.Logger, opts ...ConsumerOption) *Consumer {
	if stream == "" {
		stream = DefaultStream
	}
	if group == "" {
		group = DefaultGroup
	}
	c := &Consumer{
		rdb:    rdb,
		stream: stream,
		group:  group,
		name:   name,
		block:  5 * time.Second,
		log:    log.With(zap.String("consumer", name)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ensure creates the stream and consumer group if they do not exist.
func (c *Consumer) Ensure(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Run reads new messages until ctx is done.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.Poll(ctx, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("xreadgroup error", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// Poll blocks for at most the consumer's block interval and handles whatever
// arrives. It returns the number of messages acknowledged.
func (c *Consumer) Poll(ctx context.Context, h Handler) (int, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    10,
		Block:    c.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if c.handle(ctx, msg, h) {
				acked++
			}
		}
	}
	return acked, nil
}

// Reclaim takes over messages another consumer left pending for longer than
// minIdle and handles them.
func (c *Consumer) Reclaim(ctx context.Context, minIdle time.Duration, h Handler) (int, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xautoclaim: %w", err)
	}

	acked := 0
	for _, msg := range msgs {
		if c.handle(ctx, msg, h) {
			acked++
		}
	}
	return acked, nil
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage, h Handler) bool {
	metrics.EventsConsumedTotal.Inc()

	event, err := decode(msg)
	if err != nil {
		// a malformed message will never decode, so drop it
		c.log.Error("invalid event in stream message", zap.String("msg_id", msg.ID), zap.Error(err))
		c.ack(ctx, msg.ID)
		return true
	}

	if err := h(ctx, event); err != nil {
		c.log.Warn("event handling failed, leaving pending",
			zap.String("msg_id", msg.ID),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		return false
	}
	c.ack(ctx, msg.ID)
	return true
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.rdb.XAck(context.WithoutCancel(ctx), c.stream, c.group, id).Err(); err != nil {
		c.log.Error("xack failed", zap.String("msg_id", id), zap.Error(err))
	}
}

func decode(msg redis.XMessage) (model.Event, error) {
	raw, ok := msg.Values[fieldEvent].(string)
	if !ok {
		return model.Event{}, fmt.Errorf("missing %q field", fieldEvent)
	}
	var event model.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return model.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if event.Type == "" {
		return model.Event{}, errors.New("event has no type")
	}
	return event, nil
}
