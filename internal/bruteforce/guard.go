package bruteforce

import (
	"context"
	"math"
	"time"
)

// Lockout tiers per (identifier, ip) pair. Counts below the short tier never
// lock; only an active window blocks, never the raw count.
const (
	tierShortAttempts  = 5
	tierMediumAttempts = 10
	tierLongAttempts   = 20

	tierShortWindow  = 15 * time.Minute
	tierMediumWindow = time.Hour
	tierLongWindow   = 24 * time.Hour

	maxIPAttempts            = 10
	maxIPDistinctIdentifiers = 5
	ipLockWindow             = 15 * time.Minute
)

// LockedError carries the lockout deadline so handlers can populate
// Retry-After without revealing which guard tripped.
type LockedError struct {
	Until time.Time
}

func (e LockedError) Error() string {
	return "too many failed login attempts"
}

func (e LockedError) RetryAfterSeconds() int {
	return RemainingLockoutSeconds(&e.Until, time.Now().UTC())
}

type attemptSource interface {
	Get(ctx context.Context, identifier, ip string) (*Attempt, error)
	GetIP(ctx context.Context, ip string) (*IPAttempt, error)
	RecordFailure(ctx context.Context, identifier, ip, userAgent string, now time.Time) (Attempt, error)
	RecordIPFailure(ctx context.Context, ip, identifier string, now time.Time) (IPAttempt, error)
	Reset(ctx context.Context, identifier, ip string) error
}

// Guard gates login attempts before password verification. It is advisory:
// a pass here never substitutes for the credential check behind it.
type Guard struct {
	store attemptSource
}

func NewGuard(store attemptSource) *Guard {
	return &Guard{store: store}
}

// Check fails with LockedError when either the pair guard or the per-IP
// guard holds an active window. Both locked picks the later deadline.
func (g *Guard) Check(ctx context.Context, identifier, ip string) error {
	now := time.Now().UTC()

	var until time.Time
	pair, err := g.store.Get(ctx, identifier, ip)
	if err != nil {
		return err
	}
	if pair != nil && IsLocked(pair.LockedUntil, now) {
		until = *pair.LockedUntil
	}

	byIP, err := g.store.GetIP(ctx, ip)
	if err != nil {
		return err
	}
	if byIP != nil && IsLocked(byIP.LockedUntil, now) && byIP.LockedUntil.After(until) {
		until = *byIP.LockedUntil
	}

	if !until.IsZero() {
		return LockedError{Until: until}
	}

	return nil
}

// RecordFailure writes both counters and reports the pair lock deadline when
// this failure started or extended a window.
func (g *Guard) RecordFailure(ctx context.Context, identifier, ip, userAgent string) (*time.Time, error) {
	now := time.Now().UTC()

	attempt, err := g.store.RecordFailure(ctx, identifier, ip, userAgent, now)
	if err != nil {
		return nil, err
	}

	ipAttempt, err := g.store.RecordIPFailure(ctx, ip, identifier, now)
	if err != nil {
		return nil, err
	}

	if IsLocked(attempt.LockedUntil, now) {
		if IsLocked(ipAttempt.LockedUntil, now) && ipAttempt.LockedUntil.After(*attempt.LockedUntil) {
			return ipAttempt.LockedUntil, nil
		}
		return attempt.LockedUntil, nil
	}
	if IsLocked(ipAttempt.LockedUntil, now) {
		return ipAttempt.LockedUntil, nil
	}

	return nil, nil
}

func (g *Guard) Reset(ctx context.Context, identifier, ip string) error {
	return g.store.Reset(ctx, identifier, ip)
}

func IsLocked(lockedUntil *time.Time, now time.Time) bool {
	return lockedUntil != nil && now.Before(*lockedUntil)
}

func RemainingLockoutSeconds(lockedUntil *time.Time, now time.Time) int {
	if lockedUntil == nil {
		return 0
	}
	remaining := lockedUntil.Sub(now).Seconds()
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining))
}
