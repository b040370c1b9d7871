package openfda

import (
	"fmt"
	"sync"
	"time"

	"github.com/ukuqala/medguard/internal/domain/safety"
)

// limiter enforces the upstream's per-minute and per-day ceilings with two
// independent counters. Windows slide from the first call after each reset
// (last-reset timestamps), not from fixed clock boundaries. It is the single
// admission-control point for the whole pipeline, so updates are serialized
// under one mutex no matter how much calling-side fan-out exists.
type limiter struct {
	mu sync.Mutex

	perMinute int
	perDay    int

	minuteCount int
	dayCount    int
	minuteReset time.Time
	dayReset    time.Time

	now func() time.Time // test hook
}

func newLimiter(perMinute, perDay int) *limiter {
	return &limiter{
		perMinute: perMinute,
		perDay:    perDay,
		now:       time.Now,
	}
}

// allow admits one request or fails with safety.ErrRateLimited. Requests are
// never queued; the caller must back off.
func (l *limiter) allow() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if l.minuteReset.IsZero() || now.Sub(l.minuteReset) >= time.Minute {
		l.minuteCount = 0
		l.minuteReset = now
	}
	if l.dayReset.IsZero() || now.Sub(l.dayReset) >= 24*time.Hour {
		l.dayCount = 0
		l.dayReset = now
	}

	if l.minuteCount >= l.perMinute {
		return fmt.Errorf("%w: per-minute ceiling %d reached", safety.ErrRateLimited, l.perMinute)
	}
	if l.dayCount >= l.perDay {
		return fmt.Errorf("%w: per-day ceiling %d reached", safety.ErrRateLimited, l.perDay)
	}

	l.minuteCount++
	l.dayCount++
	return nil
}

// remaining returns the calls left in each window; used by the status surface.
func (l *limiter) remaining() (minute, day int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	minute = l.perMinute
	if !l.minuteReset.IsZero() && now.Sub(l.minuteReset) < time.Minute {
		minute = l.perMinute - l.minuteCount
	}
	day = l.perDay
	if !l.dayReset.IsZero() && now.Sub(l.dayReset) < 24*time.Hour {
		day = l.perDay - l.dayCount
	}
	return minute, day
}
