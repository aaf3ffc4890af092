package bruteforce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memoryStore mirrors the SQL upsert semantics for guard-level tests.
type memoryStore struct {
	pairs map[string]*Attempt
	ips   map[string]*IPAttempt
	seen  map[string]map[string]bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		pairs: make(map[string]*Attempt),
		ips:   make(map[string]*IPAttempt),
		seen:  make(map[string]map[string]bool),
	}
}

func pairKey(identifier, ip string) string { return identifier + "|" + ip }

func (m *memoryStore) RecordFailure(_ context.Context, identifier, ip, userAgent string, now time.Time) (Attempt, error) {
	key := pairKey(identifier, ip)
	attempt, ok := m.pairs[key]
	if !ok {
		attempt = &Attempt{Identifier: identifier, IP: ip, FirstAttemptAt: now}
		m.pairs[key] = attempt
	}

	attempt.Count++
	attempt.UserAgent = userAgent
	attempt.LastAttemptAt = now

	switch {
	case attempt.Count >= tierLongAttempts:
		until := now.Add(tierLongWindow)
		attempt.LockedUntil = &until
	case attempt.Count >= tierMediumAttempts:
		until := now.Add(tierMediumWindow)
		attempt.LockedUntil = &until
	case attempt.Count >= tierShortAttempts:
		until := now.Add(tierShortWindow)
		attempt.LockedUntil = &until
	default:
		attempt.LockedUntil = nil
	}

	return *attempt, nil
}

func (m *memoryStore) RecordIPFailure(_ context.Context, ip, identifier string, now time.Time) (IPAttempt, error) {
	attempt, ok := m.ips[ip]
	if !ok {
		attempt = &IPAttempt{IP: ip, FirstAttemptAt: now}
		m.ips[ip] = attempt
		m.seen[ip] = make(map[string]bool)
	}

	if !m.seen[ip][identifier] {
		m.seen[ip][identifier] = true
		attempt.DistinctIdentifiers++
	}
	attempt.TotalAttempts++
	attempt.LastAttemptAt = now

	if attempt.TotalAttempts >= maxIPAttempts || attempt.DistinctIdentifiers >= maxIPDistinctIdentifiers {
		until := now.Add(ipLockWindow)
		attempt.LockedUntil = &until
	}

	return *attempt, nil
}

func (m *memoryStore) Get(_ context.Context, identifier, ip string) (*Attempt, error) {
	attempt, ok := m.pairs[pairKey(identifier, ip)]
	if !ok {
		return nil, nil
	}
	copied := *attempt
	return &copied, nil
}

func (m *memoryStore) GetIP(_ context.Context, ip string) (*IPAttempt, error) {
	attempt, ok := m.ips[ip]
	if !ok {
		return nil, nil
	}
	copied := *attempt
	return &copied, nil
}

func (m *memoryStore) Reset(_ context.Context, identifier, ip string) error {
	delete(m.pairs, pairKey(identifier, ip))
	return nil
}

func TestNoLockBelowThreshold(t *testing.T) {
	ctx := context.Background()
	guard := NewGuard(newMemoryStore())

	for i := 0; i < tierShortAttempts-1; i++ {
		until, err := guard.RecordFailure(ctx, "alice@example.com", "1.2.3.4", "ua")
		require.NoError(t, err)
		require.Nil(t, until)
		require.NoError(t, guard.Check(ctx, "alice@example.com", "1.2.3.4"))
	}
}

func TestLockTiers(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	guard := NewGuard(store)

	cases := []struct {
		count  int
		window time.Duration
	}{
		{5, tierShortWindow},
		{9, tierShortWindow},
		{10, tierMediumWindow},
		{19, tierMediumWindow},
		{20, tierLongWindow},
		{25, tierLongWindow},
	}

	failures := 0
	for _, tc := range cases {
		for failures < tc.count {
			_, err := guard.RecordFailure(ctx, "alice@example.com", "9.9.9.9", "ua")
			require.NoError(t, err)
			failures++
		}

		attempt, err := store.Get(ctx, "alice@example.com", "9.9.9.9")
		require.NoError(t, err)
		require.NotNil(t, attempt.LockedUntil)
		require.WithinDuration(t, attempt.LastAttemptAt.Add(tc.window), *attempt.LockedUntil, time.Second)
	}
}

func TestCheckFailsClosedWhileLocked(t *testing.T) {
	ctx := context.Background()
	guard := NewGuard(newMemoryStore())

	var until *time.Time
	for i := 0; i < tierShortAttempts; i++ {
		var err error
		until, err = guard.RecordFailure(ctx, "alice@example.com", "1.2.3.4", "ua")
		require.NoError(t, err)
	}
	require.NotNil(t, until)

	err := guard.Check(ctx, "alice@example.com", "1.2.3.4")
	var locked LockedError
	require.ErrorAs(t, err, &locked)
	require.WithinDuration(t, *until, locked.Until, time.Second)
	require.Greater(t, locked.RetryAfterSeconds(), 0)
}

func TestResetRemovesRow(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	guard := NewGuard(store)

	_, err := guard.RecordFailure(ctx, "alice@example.com", "1.2.3.4", "ua")
	require.NoError(t, err)

	require.NoError(t, guard.Reset(ctx, "alice@example.com", "1.2.3.4"))

	attempt, err := store.Get(ctx, "alice@example.com", "1.2.3.4")
	require.NoError(t, err)
	require.Nil(t, attempt)
}

func TestIPGuardTripsOnDistinctIdentifierSpread(t *testing.T) {
	ctx := context.Background()
	guard := NewGuard(newMemoryStore())

	// One failure each against several accounts: no pair crosses its own
	// threshold, but the address does.
	identifiers := []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com"}
	for _, identifier := range identifiers {
		until, err := guard.RecordFailure(ctx, identifier, "6.6.6.6", "ua")
		require.NoError(t, err)
		require.Nil(t, until)
	}

	until, err := guard.RecordFailure(ctx, "e@x.com", "6.6.6.6", "ua")
	require.NoError(t, err)
	require.NotNil(t, until)

	err = guard.Check(ctx, "fresh@x.com", "6.6.6.6")
	var locked LockedError
	require.ErrorAs(t, err, &locked)
}

func TestIsLockedAndRemaining(t *testing.T) {
	now := time.Now().UTC()

	require.False(t, IsLocked(nil, now))

	past := now.Add(-time.Minute)
	require.False(t, IsLocked(&past, now))
	require.Equal(t, 0, RemainingLockoutSeconds(&past, now))

	future := now.Add(90 * time.Second)
	require.True(t, IsLocked(&future, now))
	require.Equal(t, 90, RemainingLockoutSeconds(&future, now))

	justOver := now.Add(100 * time.Millisecond)
	require.Equal(t, 1, RemainingLockoutSeconds(&justOver, now))
}
