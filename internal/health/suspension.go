package health

import (
	"time"

	"github.com/zachbroad/webhook-engine/internal/model"
)

// Suspend takes sub out of delivery. A nil until suspends indefinitely.
func Suspend(sub *model.Subscription, reason string, until *time.Time, autoResume bool, now time.Time) {
	at := now
	sub.Status.Suspension = model.Suspension{
		Suspended:      true,
		SuspendedAt:    &at,
		SuspendedUntil: until,
		Reason:         reason,
		AutoResume:     autoResume && until != nil,
	}
	sub.Status.State = model.StateSuspended
}

// Resume clears the suspension and the failure streak that caused it.
func Resume(sub *model.Subscription) {
	sub.Status.Suspension = model.Suspension{}
	sub.Status.Health.ConsecutiveFailures = 0
	if sub.Status.State == model.StateSuspended {
		sub.Status.State = model.StateActive
	}
}

// ResumeIfDue lifts an auto-resuming suspension whose cool-down has ended.
func ResumeIfDue(sub *model.Subscription, now time.Time) bool {
	if !sub.Status.Suspension.Suspended || sub.IsSuspended(now) {
		return false
	}
	Resume(sub)
	return true
}

// Available reports whether sub can take deliveries at now. A suspension
// whose auto-resume time has passed counts as lifted.
func Available(sub *model.Subscription, now time.Time) bool {
	switch sub.Status.State {
	case model.StateActive:
		return !sub.IsSuspended(now)
	case model.StateSuspended:
		return sub.Status.Suspension.Suspended && !sub.IsSuspended(now)
	default:
		return false
	}
}
