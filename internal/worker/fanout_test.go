package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zachbroad/webhook-engine/internal/bus"
	"github.com/zachbroad/webhook-engine/internal/delivery"
	"github.com/zachbroad/webhook-engine/internal/model"
	"github.com/zachbroad/webhook-engine/internal/registry"
	"github.com/zachbroad/webhook-engine/internal/signing"
	"github.com/zachbroad/webhook-engine/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	rdb    *redis.Client
	store  store.Store
	reg    *registry.Registry
	exec   *delivery.Executor
	worker *FanoutWorker
	clock  *clock
	hits   *atomic.Int32
	status *atomic.Int32
	url    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		rdb:    rdb,
		store:  store.NewMemoryStore(),
		clock:  &clock{now: time.Date(2026, 5, 6, 7, 0, 0, 0, time.UTC)},
		hits:   new(atomic.Int32),
		status: new(atomic.Int32),
	}
	f.status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		w.WriteHeader(int(f.status.Load()))
	}))
	t.Cleanup(srv.Close)
	f.url = srv.URL

	log := zaptest.NewLogger(t)
	f.reg = registry.New(f.store, log, registry.WithClock(f.clock.Now))
	f.exec = delivery.NewExecutor(f.store, signing.NewProvider(nil), log,
		delivery.WithClock(f.clock.Now),
		delivery.WithRand(func() float64 { return 0.5 }),
	)
	d := delivery.NewDispatcher(f.reg, f.exec, log, 4)
	f.worker = New(rdb, d, f.exec, f.store, log, Options{
		Concurrency:   2,
		SweepInterval: 20 * time.Millisecond,
		Block:         50 * time.Millisecond,
		ClaimIdle:     time.Second,
	})
	return f
}

func (f *fixture) register(t *testing.T) *model.Subscription {
	t.Helper()
	sub, err := f.reg.Register(context.Background(), registry.Config{
		TenantID:       "tenant-1",
		OrganizationID: "org-1",
		Name:           "billing",
		TargetURL:      f.url,
		Events:         model.EventFilter{Subscribed: []string{"invoice.paid"}},
	})
	require.NoError(t, err)
	return sub
}

func invoiceEvent(id string) model.Event {
	return model.Event{
		ID:             id,
		Type:           "invoice.paid",
		TenantID:       "tenant-1",
		OrganizationID: "org-1",
		Data:           map[string]any{"invoice_id": "inv_1"},
	}
}

func TestRun_ConsumesPublishedEvents(t *testing.T) {
	f := newFixture(t)
	sub := f.register(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	// the group reads from the start of the stream, so ordering with Run's
	// group creation does not matter
	_, err := bus.NewPublisher(f.rdb, "").Publish(context.Background(), invoiceEvent("evt_1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), sub.ID)
		return err == nil && got.Statistics.SuccessfulDeliveries == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 1, f.hits.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestSweep_RetriesDueEntries(t *testing.T) {
	f := newFixture(t)
	sub := f.register(t)
	ctx := context.Background()

	f.status.Store(http.StatusServiceUnavailable)
	res, err := f.exec.Deliver(ctx, sub.ID, invoiceEvent("evt_1"))
	require.NoError(t, err)
	require.True(t, res.Queued)

	stats, err := f.worker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queues)
	assert.Zero(t, stats.Attempted, "entry not due yet")

	f.status.Store(http.StatusOK)
	f.clock.Advance(2 * time.Second)
	stats, err = f.worker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Attempted)

	got, err := f.store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Queue.Items)
	assert.EqualValues(t, 2, f.hits.Load())
}

func TestSweep_ResumesExpiredSuspension(t *testing.T) {
	f := newFixture(t)
	sub := f.register(t)
	ctx := context.Background()

	until := f.clock.Now().Add(time.Minute)
	_, err := f.reg.Suspend(ctx, sub.ID, "maintenance window", &until)
	require.NoError(t, err)

	stats, err := f.worker.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Resumed)

	f.clock.Advance(2 * time.Minute)
	stats, err = f.worker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resumed)

	got, err := f.store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, got.Status.State)
	assert.False(t, got.Status.Suspension.Suspended)
}

func TestSweep_ProbesOpenCircuit(t *testing.T) {
	f := newFixture(t)
	sub, err := f.reg.Register(context.Background(), registry.Config{
		TenantID:       "tenant-1",
		OrganizationID: "org-1",
		Name:           "flaky",
		TargetURL:      f.url,
		Events:         model.EventFilter{Subscribed: []string{"invoice.paid"}},
		CircuitBreaker: &registry.BreakerSettings{FailureThreshold: 1, TimeoutMs: 30_000},
	})
	require.NoError(t, err)
	ctx := context.Background()

	f.status.Store(http.StatusInternalServerError)
	_, err = f.exec.Deliver(ctx, sub.ID, invoiceEvent("evt_1"))
	require.NoError(t, err)

	got, err := f.store.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, model.CircuitOpen, got.CircuitBreaker.State)

	f.status.Store(http.StatusOK)
	f.clock.Advance(30 * time.Second)
	stats, err := f.worker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Attempted)

	got, err = f.store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CircuitClosed, got.CircuitBreaker.State)
	assert.Empty(t, got.Queue.Items)
}

func TestHandle_AcksUnscopedEvent(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	event := invoiceEvent("evt_1")
	event.OrganizationID = ""
	require.NoError(t, f.worker.handle(context.Background(), event))
	assert.Zero(t, f.hits.Load())
}
