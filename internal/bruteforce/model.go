package bruteforce

import "time"

// Attempt tracks failures for one (identifier, ip) pair.
type Attempt struct {
	Identifier     string
	IP             string
	UserAgent      string
	Count          int
	LockedUntil    *time.Time
	FirstAttemptAt time.Time
	LastAttemptAt  time.Time
}

// IPAttempt aggregates failures across accounts from a single address, the
// credential-stuffing signal the per-pair counter cannot see.
type IPAttempt struct {
	IP                  string
	DistinctIdentifiers int
	TotalAttempts       int
	LockedUntil         *time.Time
	FirstAttemptAt      time.Time
	LastAttemptAt       time.Time
}
