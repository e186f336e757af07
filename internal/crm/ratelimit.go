package crm

import (
	"context"
	"sync"
	"time"

	"crmbridge.io/internal/obs"
)

// Limits bound one scope key's upstream call budget.
type Limits struct {
	Burst  int           // max calls per sliding window
	Window time.Duration // sliding window span
	Daily  int           // max calls per rolling day
}

func (l Limits) withDefaults() Limits {
	if l.Burst <= 0 {
		l.Burst = 100
	}
	if l.Window <= 0 {
		l.Window = 10 * time.Second
	}
	if l.Daily <= 0 {
		l.Daily = 200000
	}
	return l
}

// Limiter enforces a sliding burst window plus a rolling daily ceiling per
// scope key. A full window blocks the caller until the oldest call ages out;
// a spent daily budget fails fast with ErrDailyQuota.
type Limiter struct {
	mu     sync.Mutex
	limits Limits
	states map[string]*limiterState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Call timestamps ordered oldest first.
type limiterState struct {
	window []time.Time
	daily  []time.Time
}

func NewLimiter(limits Limits) *Limiter {
	return &Limiter{
		limits: limits.withDefaults(),
		states: make(map[string]*limiterState),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Acquire blocks until key may perform one upstream call, records the call
// and returns. Returns ErrDailyQuota when the rolling daily ceiling is spent
// and the context error when cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	for {
		l.mu.Lock()
		st := l.states[key]
		if st == nil {
			st = &limiterState{}
			l.states[key] = st
		}
		now := l.now()
		st.prune(now, l.limits.Window)

		if len(st.daily) >= l.limits.Daily {
			l.mu.Unlock()
			return ErrDailyQuota
		}
		if len(st.window) < l.limits.Burst {
			st.window = append(st.window, now)
			st.daily = append(st.daily, now)
			l.mu.Unlock()
			return nil
		}
		wait := st.window[0].Add(l.limits.Window).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		obs.ObserveRateLimitWait()
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (st *limiterState) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(st.window) && !st.window[i].After(cutoff) {
		i++
	}
	st.window = st.window[i:]

	dayCutoff := now.Add(-24 * time.Hour)
	j := 0
	for j < len(st.daily) && !st.daily[j].After(dayCutoff) {
		j++
	}
	st.daily = st.daily[j:]
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
