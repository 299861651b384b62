package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zachbroad/webhook-engine/internal/model"
)

func setup(t *testing.T) (*redis.Client, *Publisher, *Consumer) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := NewConsumer(rdb, "", "", "worker-0", zaptest.NewLogger(t), WithBlock(50*time.Millisecond))
	require.NoError(t, c.Ensure(context.Background()))
	return rdb, NewPublisher(rdb, ""), c
}

func sampleEvent() model.Event {
	return model.Event{
		ID:             "evt_1",
		Type:           "invoice.paid",
		TenantID:       "tenant-1",
		OrganizationID: "org-1",
		Data:           map[string]any{"invoice": "inv_9"},
		ProducedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func pending(t *testing.T, rdb *redis.Client) int64 {
	t.Helper()
	p, err := rdb.XPending(context.Background(), DefaultStream, DefaultGroup).Result()
	require.NoError(t, err)
	return p.Count
}

func TestEnsure_Idempotent(t *testing.T) {
	_, _, c := setup(t)
	require.NoError(t, c.Ensure(context.Background()))
}

func TestPublishAndPoll(t *testing.T) {
	rdb, pub, c := setup(t)
	ctx := context.Background()

	id, err := pub.Publish(ctx, sampleEvent())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	var got []model.Event
	n, err := c.Poll(ctx, func(_ context.Context, e model.Event) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, sampleEvent(), got[0])
	assert.Zero(t, pending(t, rdb))
}

func TestPoll_Empty(t *testing.T) {
	_, _, c := setup(t)

	n, err := c.Poll(context.Background(), func(context.Context, model.Event) error {
		t.Fatal("handler called without messages")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandlerError_LeavesPendingForReclaim(t *testing.T) {
	rdb, pub, c := setup(t)
	ctx := context.Background()

	_, err := pub.Publish(ctx, sampleEvent())
	require.NoError(t, err)

	n, err := c.Poll(ctx, func(context.Context, model.Event) error {
		return errors.New("store unavailable")
	})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 1, pending(t, rdb))

	calls := 0
	n, err = c.Reclaim(ctx, 0, func(_ context.Context, e model.Event) error {
		calls++
		assert.Equal(t, "evt_1", e.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
	assert.Zero(t, pending(t, rdb))
}

func TestMalformedMessageIsAcked(t *testing.T) {
	rdb, _, c := setup(t)
	ctx := context.Background()

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DefaultStream,
		Values: map[string]any{"event": "{not json"},
	}).Err())

	n, err := c.Poll(ctx, func(context.Context, model.Event) error {
		t.Fatal("handler called for malformed message")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, pending(t, rdb))
}

func TestRun_StopsOnCancel(t *testing.T) {
	_, pub, c := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := pub.Publish(ctx, sampleEvent())
	require.NoError(t, err)

	handled := make(chan model.Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(_ context.Context, e model.Event) error {
			handled <- e
			return nil
		})
	}()

	select {
	case e := <-handled:
		assert.Equal(t, "evt_1", e.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not consumed")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
