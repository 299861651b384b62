package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachbroad/webhook-engine/internal/model"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func attempt(success bool, latency time.Duration) model.DeliveryAttempt {
	a := model.DeliveryAttempt{
		EventID:       "evt_1",
		EventType:     "payment.succeeded",
		AttemptNumber: 1,
		Success:       success,
		Latency:       latency,
		Timestamp:     t0,
	}
	if success {
		a.StatusCode = 200
	} else {
		a.StatusCode = 500
		a.Error = "HTTP 500"
	}
	return a
}

func newSub() *model.Subscription {
	return &model.Subscription{
		Status:         model.Status{State: model.StateActive, Health: model.Health{Status: model.HealthHealthy}},
		CircuitBreaker: model.CircuitBreakerPolicy{Enabled: false, State: model.CircuitClosed},
	}
}

func TestRecord_Statistics(t *testing.T) {
	sub := newSub()
	assert.Equal(t, 1.0, SuccessRate(sub.Statistics))

	Record(sub, attempt(true, 100*time.Millisecond), t0)
	Record(sub, attempt(true, 200*time.Millisecond), t0)
	Record(sub, attempt(false, 300*time.Millisecond), t0)

	s := sub.Statistics
	assert.EqualValues(t, 3, s.TotalDeliveries)
	assert.EqualValues(t, 2, s.SuccessfulDeliveries)
	assert.EqualValues(t, 1, s.FailedDeliveries)
	assert.InDelta(t, 200.0, s.AverageResponseMs, 0.001)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 0.0001)
	assert.Equal(t, model.EventTypeStats{Total: 3, Successful: 2, Failed: 1}, s.ByEventType["payment.succeeded"])

	require.NotNil(t, sub.LastDelivery.FailedAt)
	require.NotNil(t, sub.LastDelivery.SucceededAt)
	assert.Equal(t, 500, sub.LastDelivery.StatusCode)
	assert.Len(t, sub.History, 3)
}

func TestRecord_SuccessRateBounds(t *testing.T) {
	sub := newSub()
	outcomes := []bool{true, false, false, true, false, true, true, false}
	for _, ok := range outcomes {
		Record(sub, attempt(ok, time.Millisecond), t0)
		s := sub.Statistics
		assert.GreaterOrEqual(t, s.SuccessRate, 0.0)
		assert.LessOrEqual(t, s.SuccessRate, 1.0)
		assert.InDelta(t, float64(s.SuccessfulDeliveries)/float64(s.TotalDeliveries), s.SuccessRate, 1e-9)
	}
}

func TestRecord_RetriesCounted(t *testing.T) {
	sub := newSub()
	a := attempt(false, 0)
	a.AttemptNumber = 2
	Record(sub, a, t0)
	assert.EqualValues(t, 1, sub.Statistics.TotalRetries)
}

func TestRecord_HistoryBounded(t *testing.T) {
	sub := newSub()
	for i := range HistoryLimit + 20 {
		a := attempt(true, 0)
		a.AttemptNumber = i + 1
		Record(sub, a, t0)
	}
	require.Len(t, sub.History, HistoryLimit)
	assert.Equal(t, 21, sub.History[0].Attempt, "oldest records evicted first")
	assert.Equal(t, HistoryLimit+20, sub.History[HistoryLimit-1].Attempt)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		cf   int
		rate float64
		want model.HealthStatus
	}{
		{0, 0, model.HealthHealthy},
		{2, 0.25, model.HealthHealthy},
		{3, 0, model.HealthDegraded},
		{0, 0.26, model.HealthDegraded},
		{5, 0, model.HealthUnhealthy},
		{0, 0.51, model.HealthUnhealthy},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.cf, tt.rate), "cf=%d rate=%v", tt.cf, tt.rate)
	}
}

func TestRecord_HealthAndStreak(t *testing.T) {
	sub := newSub()
	for range 9 {
		Record(sub, attempt(true, 0), t0)
	}
	for range 3 {
		Record(sub, attempt(false, 0), t0)
	}
	assert.Equal(t, 3, sub.Status.Health.ConsecutiveFailures)
	assert.Equal(t, model.HealthDegraded, sub.Status.Health.Status)

	Record(sub, attempt(true, 0), t0)
	assert.Zero(t, sub.Status.Health.ConsecutiveFailures)
	assert.Equal(t, model.HealthHealthy, sub.Status.Health.Status, "error rate 3/13 is under the degraded threshold")
}

func TestRecord_FeedsCircuitBreaker(t *testing.T) {
	sub := newSub()
	sub.CircuitBreaker = model.CircuitBreakerPolicy{Enabled: true, FailureThreshold: 2, TimeoutMs: 1000, State: model.CircuitClosed}

	out := Record(sub, attempt(false, 0), t0)
	assert.False(t, out.CircuitChanged())

	out = Record(sub, attempt(false, 0), t0)
	assert.True(t, out.CircuitChanged())
	assert.Equal(t, model.CircuitOpen, out.CircuitTo)
	assert.Equal(t, 2, sub.CircuitBreaker.FailureCount)
}

func TestRecord_AutoSuspend(t *testing.T) {
	sub := newSub()
	var suspended int
	for i := 1; i <= SuspendAfter; i++ {
		if Record(sub, attempt(false, 0), t0).Suspended {
			suspended = i
		}
	}
	assert.Equal(t, SuspendAfter, suspended)

	sp := sub.Status.Suspension
	assert.True(t, sp.Suspended)
	assert.True(t, sp.AutoResume)
	require.NotNil(t, sp.SuspendedUntil)
	assert.Equal(t, t0.Add(SuspendFor), *sp.SuspendedUntil)
	assert.Equal(t, model.StateSuspended, sub.Status.State)
	assert.True(t, sub.IsSuspended(t0.Add(59*time.Minute)))

	// an eleventh failure does not re-suspend
	assert.False(t, Record(sub, attempt(false, 0), t0).Suspended)
}

func TestResumeIfDue(t *testing.T) {
	sub := newSub()
	until := t0.Add(time.Hour)
	Suspend(sub, "manual", &until, true, t0)
	sub.Status.Health.ConsecutiveFailures = 10

	assert.False(t, ResumeIfDue(sub, t0.Add(30*time.Minute)))
	assert.True(t, ResumeIfDue(sub, t0.Add(time.Hour)))
	assert.False(t, sub.Status.Suspension.Suspended)
	assert.Equal(t, model.StateActive, sub.Status.State)
	assert.Zero(t, sub.Status.Health.ConsecutiveFailures)
}

func TestSuspend_Indefinite(t *testing.T) {
	sub := newSub()
	Suspend(sub, "manual", nil, true, t0)
	assert.False(t, sub.Status.Suspension.AutoResume)
	assert.True(t, sub.IsSuspended(t0.Add(1000*time.Hour)))
	assert.False(t, ResumeIfDue(sub, t0.Add(1000*time.Hour)))
}

func TestAvailable(t *testing.T) {
	sub := newSub()
	assert.True(t, Available(sub, t0))

	until := t0.Add(time.Hour)
	Suspend(sub, "auto", &until, true, t0)
	assert.False(t, Available(sub, t0.Add(time.Minute)))
	assert.True(t, Available(sub, t0.Add(time.Hour)))

	sub.Status = model.Status{State: model.StatePaused}
	assert.False(t, Available(sub, t0))
}
