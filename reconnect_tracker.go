package main

import (
	"sync"
	"time"
)

const (
	poolReconnectMinDelay = time.Second
	poolReconnectMaxDelay = time.Minute
	poolReconnectWindow   = 5 * time.Minute
)

// reconnectTracker counts pool reconnects over a sliding window and turns the
// count into a doubling delay. A quiet window resets it.
type reconnectTracker struct {
	mu       sync.Mutex
	count    int
	reset    time.Time
	window   time.Duration
	minDelay time.Duration
	maxDelay time.Duration
}

func newReconnectTracker(minDelay, maxDelay, window time.Duration) *reconnectTracker {
	if minDelay <= 0 {
		minDelay = poolReconnectMinDelay
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &reconnectTracker{
		window:   window,
		minDelay: minDelay,
		maxDelay: maxDelay,
	}
}

// next records a reconnect at now and returns how long to wait before it.
func (rt *reconnectTracker) next(now time.Time) time.Duration {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.reset.IsZero() || now.After(rt.reset) {
		rt.count = 0
		rt.reset = now.Add(rt.window)
	}
	rt.count++

	delay := rt.minDelay
	for i := 1; i < rt.count && delay < rt.maxDelay; i++ {
		delay *= 2
	}
	return min(delay, rt.maxDelay)
}

// calm forgets earlier reconnects, e.g. after a session that ran long enough
// to count as healthy.
func (rt *reconnectTracker) calm() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.count = 0
	rt.reset = time.Time{}
}
