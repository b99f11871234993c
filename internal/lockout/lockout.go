// Package lockout throttles password guessing per username.
//
// A username collects failures until the threshold is reached. At that
// point the counter is replaced by an expiry timestamp and every attempt
// is refused until it passes. Unknown usernames are tracked the same way
// so a caller cannot tell which accounts exist.
package lockout

import (
	"fmt"
	"strconv"
	"time"
)

const (
	DefaultThreshold = 5
	DefaultDuration  = 300 * time.Second

	failuresPrefix = "lockout.failures."
	untilPrefix    = "lockout.until."
)

// Settings is the key/value store the guard keeps its state in.
type Settings interface {
	GetSetting(key string) (string, bool, error)
	UpdateSettings(set map[string]string, del []string) error
}

// Guard implements the failure counter and timed lockout.
type Guard struct {
	settings  Settings
	threshold int
	duration  time.Duration
	now       func() time.Time
}

// Option configures a Guard
type Option func(*Guard)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New returns a Guard. Non-positive threshold or duration use the defaults.
func New(settings Settings, threshold int, duration time.Duration, opts ...Option) *Guard {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if duration <= 0 {
		duration = DefaultDuration
	}
	g := &Guard{settings: settings, threshold: threshold, duration: duration, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Threshold returns the number of failures that triggers a lockout
func (g *Guard) Threshold() int {
	return g.threshold
}

// CheckLocked reports whether username is locked and for how much longer.
// An expired lockout is cleared as a side effect.
func (g *Guard) CheckLocked(username string) (bool, time.Duration, error) {
	raw, found, err := g.settings.GetSetting(untilPrefix + username)
	if err != nil {
		return false, 0, fmt.Errorf("failed to read lockout state: %w", err)
	}
	if !found {
		return false, 0, nil
	}

	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Unreadable state is dropped rather than locking the account forever.
		return false, 0, g.settings.UpdateSettings(nil, []string{untilPrefix + username})
	}

	remaining := time.Unix(0, until).Sub(g.now())
	if remaining <= 0 {
		if err := g.settings.UpdateSettings(nil, []string{untilPrefix + username}); err != nil {
			return false, 0, fmt.Errorf("failed to clear expired lockout: %w", err)
		}
		return false, 0, nil
	}
	return true, remaining, nil
}

// RecordFailure counts one failed attempt. attemptsLeft is computed from the
// failures including this one, before any lockout transition, so the attempt
// that triggers the lockout reports zero. lockedFor is non-zero only for
// that attempt.
func (g *Guard) RecordFailure(username string) (attemptsLeft int, lockedFor time.Duration, err error) {
	raw, found, err := g.settings.GetSetting(failuresPrefix + username)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read failure count: %w", err)
	}
	failures := 0
	if found {
		failures, _ = strconv.Atoi(raw)
	}
	failures++

	attemptsLeft = g.threshold - failures
	if attemptsLeft < 0 {
		attemptsLeft = 0
	}

	if failures >= g.threshold {
		until := g.now().Add(g.duration)
		err = g.settings.UpdateSettings(
			map[string]string{untilPrefix + username: strconv.FormatInt(until.UnixNano(), 10)},
			[]string{failuresPrefix + username},
		)
		if err != nil {
			return attemptsLeft, 0, fmt.Errorf("failed to store lockout: %w", err)
		}
		return attemptsLeft, g.duration, nil
	}

	err = g.settings.UpdateSettings(map[string]string{failuresPrefix + username: strconv.Itoa(failures)}, nil)
	if err != nil {
		return attemptsLeft, 0, fmt.Errorf("failed to store failure count: %w", err)
	}
	return attemptsLeft, 0, nil
}

// ClearFailures forgets every failure and lockout for username.
func (g *Guard) ClearFailures(username string) error {
	return g.settings.UpdateSettings(nil, []string{failuresPrefix + username, untilPrefix + username})
}
