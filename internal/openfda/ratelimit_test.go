package openfda

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukuqala/medguard/internal/domain/safety"
)

func TestLimiterPerMinuteCeiling(t *testing.T) {
	now := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	l := newLimiter(3, 100)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		require.NoError(t, l.allow(), "call %d should be admitted", i)
	}

	err := l.allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, safety.ErrRateLimited))

	// Still inside the window 30s later.
	now = now.Add(30 * time.Second)
	assert.Error(t, l.allow())

	// A full minute after the first call the window resets.
	now = now.Add(31 * time.Second)
	assert.NoError(t, l.allow())
}

func TestLimiterPerDayCeiling(t *testing.T) {
	now := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	l := newLimiter(100, 2)
	l.now = func() time.Time { return now }

	require.NoError(t, l.allow())
	require.NoError(t, l.allow())

	err := l.allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, safety.ErrRateLimited))

	// The minute window resetting must not touch the day counter.
	now = now.Add(2 * time.Minute)
	assert.Error(t, l.allow())

	now = now.Add(24 * time.Hour)
	assert.NoError(t, l.allow())
}

func TestLimiterWindowSlidesFromFirstCall(t *testing.T) {
	now := time.Date(2026, 8, 31, 10, 0, 45, 0, time.UTC) // not a clock boundary
	l := newLimiter(1, 100)
	l.now = func() time.Time { return now }

	require.NoError(t, l.allow())
	require.Error(t, l.allow())

	// 59s after the first call: still inside the sliding window even though
	// the wall-clock minute rolled over.
	now = now.Add(59 * time.Second)
	assert.Error(t, l.allow())

	now = now.Add(time.Second)
	assert.NoError(t, l.allow())
}

func TestLimiterRemaining(t *testing.T) {
	l := newLimiter(10, 20)
	minute, day := l.remaining()
	assert.Equal(t, 10, minute)
	assert.Equal(t, 20, day)

	require.NoError(t, l.allow())
	minute, day = l.remaining()
	assert.Equal(t, 9, minute)
	assert.Equal(t, 19, day)
}
