package models

import (
	"fmt"
	"time"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusProcessing: true, // Queued → Processing (worker claims job)
		JobStatusCancelled:  true, // Queued → Cancelled (user cancels before start)
	},
	JobStatusProcessing: {
		JobStatusCompleted: true, // Processing → Completed (artifact published)
		JobStatusFailed:    true, // Processing → Failed (retries exhausted or non-retryable)
		JobStatusCancelled: true, // Processing → Cancelled (user cancels, cleanup done)
		JobStatusQueued:    true, // Processing → Queued (recovery requeues orphaned job)
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed || state == JobStatusCancelled
}

// IsActiveState returns true if a worker currently owns the job
func IsActiveState(state JobStatus) bool {
	return state == JobStatusProcessing
}

// RetryPolicy defines retry behavior for transient render failures
type RetryPolicy struct {
	MaxAttempts       int           // Total attempts including the first
	InitialBackoff    time.Duration // Backoff before the second attempt
	MaxBackoff        time.Duration // Backoff ceiling
	BackoffMultiplier float64       // Multiplier for exponential backoff
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// BackoffFor calculates the backoff before retrying after the given attempt
// number (1-based: attempt 1 failed → InitialBackoff).
func (rp RetryPolicy) BackoffFor(attempt int) time.Duration {
	backoff := float64(rp.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= rp.BackoffMultiplier
	}
	d := time.Duration(backoff)
	if d > rp.MaxBackoff {
		return rp.MaxBackoff
	}
	return d
}

// ShouldRetry reports whether another attempt is allowed after the given
// error on the given 1-based attempt number. Validation errors are never
// retried; publish errors get their own upload retries and never re-render.
func (rp RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if attempt >= rp.MaxAttempts {
		return false
	}
	return IsRetryable(err)
}

// TimeoutPolicy computes per-invocation deadlines for the media tool,
// proportional to the content duration with a floor for short scenes.
type TimeoutPolicy struct {
	Floor  time.Duration // Minimum timeout regardless of duration
	Factor float64       // Seconds of timeout per second of content
}

// DefaultTimeoutPolicy returns the default timeout policy: max(60s, duration*10)
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		Floor:  60 * time.Second,
		Factor: 10.0,
	}
}

// For returns the timeout for rendering the given content duration in seconds
func (tp TimeoutPolicy) For(durationSeconds float64) time.Duration {
	d := time.Duration(durationSeconds * tp.Factor * float64(time.Second))
	if d < tp.Floor {
		return tp.Floor
	}
	return d
}

// AgingPolicy boosts the effective priority of jobs that have waited in the
// queue, so sustained high-priority load cannot starve low-priority jobs.
type AgingPolicy struct {
	Interval time.Duration // Wait time per +1 priority boost
	MaxBoost int           // Boost ceiling
}

/// DefaultAgingPolicy returns the default aging policy: +1 per 5 minutes, cap 3
func DefaultAgingPolicy() AgingPolicy {
	return AgingPolicy{
		Interval: 5 * time.Minute,
		MaxBoost: 3,
	}
}

// Boost returns the priority boost earned by a job created at the given time
func (ap AgingPolicy) Boost(createdAt, now time.Time) int {
	if ap.Interval <= 0 {
		return 0
	}
	boost := int(now.Sub(createdAt) / ap.Interval)
	if boost < 0 {
		boost = 0
	}
	if boost > ap.MaxBoost {
		boost = ap.MaxBoost
	}
	return boost
}

// EffectivePriority returns the job's claim-ordering priority including aging
func (ap AgingPolicy) EffectivePriority(j *RenderJob, now time.Time) int {
	return j.Priority + ap.Boost(j.CreatedAt, now)
}
