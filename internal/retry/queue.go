package retry

import (
	"time"

	"github.com/google/uuid"

	"github.com/zachbroad/webhook-engine/internal/model"
)

const DefaultMaxQueueSize = 1000

// EnqueueResult describes what Enqueue did with the failed event.
type EnqueueResult struct {
	// Entry is the queued entry, nil when the event was not (re)queued.
	Entry *model.QueueEntry
	// Exhausted is set when the event ran out of retries and left the queue.
	Exhausted bool
	// Trimmed is the number of oldest entries dropped to respect the size cap.
	Trimmed int
}

// Enqueue schedules another attempt for event after a failure. An event
// already queued has its attempt count bumped and is rescheduled, or removed
// once the count passes MaxRetries. A new event starts at attempt count 1.
func Enqueue(q *model.DeliveryQueue, p model.RetryPolicy, event model.Event, lastErr string, now time.Time, rnd Rand) EnqueueResult {
	if i := indexOf(q, event.ID); i >= 0 {
		entry := &q.Items[i]
		entry.AttemptCount++
		entry.LastError = lastErr
		if entry.AttemptCount > p.MaxRetries {
			removeAt(q, i)
			return EnqueueResult{Exhausted: true}
		}
		entry.NextAttempt = now.Add(Backoff(p, entry.AttemptCount, rnd))
		e := *entry
		return EnqueueResult{Entry: &e}
	}

	if p.MaxRetries < 1 {
		return EnqueueResult{Exhausted: true}
	}

	entry := model.QueueEntry{
		ID:           uuid.New(),
		Event:        event,
		AttemptCount: 1,
		NextAttempt:  now.Add(Backoff(p, 1, rnd)),
		LastError:    lastErr,
		EnqueuedAt:   now,
	}
	q.Items = append(q.Items, entry)
	trimmed := trim(q)
	if indexOf(q, event.ID) < 0 {
		return EnqueueResult{Trimmed: trimmed}
	}
	return EnqueueResult{Entry: &entry, Trimmed: trimmed}
}

// Remove drops the entry for eventID, reporting whether one existed.
func Remove(q *model.DeliveryQueue, eventID string) bool {
	i := indexOf(q, eventID)
	if i < 0 {
		return false
	}
	removeAt(q, i)
	return true
}

// Find returns a copy of the entry for eventID.
func Find(q model.DeliveryQueue, eventID string) (model.QueueEntry, bool) {
	i := indexOf(&q, eventID)
	if i < 0 {
		return model.QueueEntry{}, false
	}
	return q.Items[i], true
}

// Ready returns copies of the entries due at now, oldest first.
func Ready(q model.DeliveryQueue, now time.Time) []model.QueueEntry {
	var due []model.QueueEntry
	for _, e := range q.Items {
		if !e.NextAttempt.After(now) {
			due = append(due, e)
		}
	}
	return due
}

// Acquire marks the queue as being drained. It fails while another drain
// holds a lease younger than lease.
func Acquire(q *model.DeliveryQueue, now time.Time, lease time.Duration) bool {
	if q.Processing && q.ProcessingSince != nil && now.Sub(*q.ProcessingSince) < lease {
		return false
	}
	at := now
	q.Processing = true
	q.ProcessingSince = &at
	return true
}

func Release(q *model.DeliveryQueue) {
	q.Processing = false
	q.ProcessingSince = nil
}

func maxSize(q *model.DeliveryQueue) int {
	if q.MaxQueueSize <= 0 {
		return DefaultMaxQueueSize
	}
	return q.MaxQueueSize
}

func trim(q *model.DeliveryQueue) int {
	over := len(q.Items) - maxSize(q)
	if over <= 0 {
		return 0
	}
	q.Items = append(q.Items[:0:0], q.Items[over:]...)
	return over
}

func indexOf(q *model.DeliveryQueue, eventID string) int {
	for i := range q.Items {
		if q.Items[i].Event.ID == eventID {
			return i
		}
	}
	return -1
}

func removeAt(q *model.DeliveryQueue, i int) {
	q.Items = append(q.Items[:i:i], q.Items[i+1:]...)
}
