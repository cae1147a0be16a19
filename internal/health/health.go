package health

import (
	"fmt"
	"time"
)

// Defaults for upload failure handling
const (
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = 15 * time.Minute
	DefaultAuthBlock   = 30 * time.Minute
)

// Uploads tracks the failure state of location uploads: consecutive
// transient failures with their backoff, and the auth block window.
type Uploads struct {
	ConsecutiveFailures int
	LastFailureTime     time.Time
	AuthBlockedUntil    time.Time

	BackoffBase time.Duration
	BackoffMax  time.Duration
	AuthBlock   time.Duration
}

// New creates an Uploads tracker; zero durations fall back to the defaults.
func New(backoffBase, backoffMax, authBlock time.Duration) *Uploads {
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	if backoffMax < backoffBase {
		backoffMax = max(DefaultBackoffMax, backoffBase)
	}
	if authBlock <= 0 {
		authBlock = DefaultAuthBlock
	}
	return &Uploads{
		BackoffBase: backoffBase,
		BackoffMax:  backoffMax,
		AuthBlock:   authBlock,
	}
}

// Backoff returns the delay after n consecutive failures: zero for none,
// then base doubling per failure, capped at limit.
func Backoff(n int, base, limit time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

// MarkSuccess resets failures and clears the backoff.
func (u *Uploads) MarkSuccess() {
	u.ConsecutiveFailures = 0
	u.LastFailureTime = time.Time{}
}

// MarkTransientFailure records a retryable failure at now.
func (u *Uploads) MarkTransientFailure(now time.Time) {
	u.ConsecutiveFailures++
	u.LastFailureTime = now
}

// MarkAuthFailure suppresses uploads for the auth block window.
func (u *Uploads) MarkAuthFailure(now time.Time) {
	u.AuthBlockedUntil = now.Add(u.AuthBlock)
}

// Backoff returns the delay for the current failure count.
func (u *Uploads) Backoff() time.Duration {
	return Backoff(u.ConsecutiveFailures, u.BackoffBase, u.BackoffMax)
}

// InBackoff returns true while now is inside the backoff window.
func (u *Uploads) InBackoff(now time.Time) bool {
	if u.ConsecutiveFailures == 0 || u.LastFailureTime.IsZero() {
		return false
	}
	return now.Sub(u.LastFailureTime) < u.Backoff()
}

// AuthBlocked returns true while uploads are suppressed after an auth failure.
func (u *Uploads) AuthBlocked(now time.Time) bool {
	return now.Before(u.AuthBlockedUntil)
}

// CanUpload returns true when neither the auth block nor backoff applies.
func (u *Uploads) CanUpload(now time.Time) bool {
	return !u.AuthBlocked(now) && !u.InBackoff(now)
}

// ClearExpiredAuthBlock drops an elapsed auth block and reports whether it did.
func (u *Uploads) ClearExpiredAuthBlock(now time.Time) bool {
	if u.AuthBlockedUntil.IsZero() || u.AuthBlocked(now) {
		return false
	}
	u.AuthBlockedUntil = time.Time{}
	return true
}

func (u *Uploads) String() string {
	return fmt.Sprintf("Uploads{Failures: %d, LastFailure: %s, AuthBlockedUntil: %s}",
		u.ConsecutiveFailures, u.LastFailureTime.Format(time.RFC3339), u.AuthBlockedUntil.Format(time.RFC3339))
}
