package lockout

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSettings struct {
	values map[string]string
	fail   bool
}

func newMemSettings() *memSettings {
	return &memSettings{values: map[string]string{}}
}

func (m *memSettings) GetSetting(key string) (string, bool, error) {
	if m.fail {
		return "", false, errors.New("disk on fire")
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memSettings) UpdateSettings(set map[string]string, del []string) error {
	if m.fail {
		return errors.New("disk on fire")
	}
	for k, v := range set {
		m.values[k] = v
	}
	for _, k := range del {
		delete(m.values, k)
	}
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLockoutAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	settings := newMemSettings()
	g := New(settings, 5, 300*time.Second, WithClock(clock.Now))

	for i := 1; i <= 4; i++ {
		left, lockedFor, err := g.RecordFailure("alice")
		require.NoError(t, err)
		assert.Equal(t, 5-i, left)
		assert.Zero(t, lockedFor)

		locked, _, err := g.CheckLocked("alice")
		require.NoError(t, err)
		assert.False(t, locked)
	}

	left, lockedFor, err := g.RecordFailure("alice")
	require.NoError(t, err)
	assert.Equal(t, 0, left)
	assert.Equal(t, 300*time.Second, lockedFor)
	_, hasCounter := settings.values[failuresPrefix+"alice"]
	assert.False(t, hasCounter, "counter must be reset when the lockout is set")

	clock.Advance(100 * time.Second)
	locked, remaining, err := g.CheckLocked("alice")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, 200*time.Second, remaining)

	clock.Advance(200 * time.Second)
	locked, _, err = g.CheckLocked("alice")
	require.NoError(t, err)
	assert.False(t, locked)
	_, hasUntil := settings.values[untilPrefix+"alice"]
	assert.False(t, hasUntil, "expired lockout must be cleared")
}

func TestUsernamesAreIndependent(t *testing.T) {
	g := New(newMemSettings(), 2, time.Minute)

	_, _, err := g.RecordFailure("ghost")
	require.NoError(t, err)
	_, lockedFor, err := g.RecordFailure("ghost")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, lockedFor)

	locked, _, err := g.CheckLocked("bob")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestClearFailures(t *testing.T) {
	g := New(newMemSettings(), 3, time.Minute)

	_, _, _ = g.RecordFailure("alice")
	_, _, _ = g.RecordFailure("alice")
	require.NoError(t, g.ClearFailures("alice"))

	left, _, err := g.RecordFailure("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, left, "cleared counter starts over")
}

func TestCorruptExpiryIsDropped(t *testing.T) {
	settings := newMemSettings()
	settings.values[untilPrefix+"alice"] = "not-a-number"
	g := New(settings, 5, time.Minute)

	locked, _, err := g.CheckLocked("alice")
	require.NoError(t, err)
	assert.False(t, locked)
	assert.Empty(t, settings.values)
}

func TestStoreErrorsSurface(t *testing.T) {
	settings := newMemSettings()
	settings.fail = true
	g := New(settings, 5, time.Minute)

	_, _, err := g.CheckLocked("alice")
	assert.Error(t, err)
	_, _, err = g.RecordFailure("alice")
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	g := New(newMemSettings(), 0, 0)
	assert.Equal(t, DefaultThreshold, g.Threshold())
	assert.Equal(t, DefaultDuration, g.duration)
}
