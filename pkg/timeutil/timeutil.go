package timeutil

import (
	"sync"
	"time"
)

var (
	mu  sync.RWMutex
	now = func() time.Time { return time.Now().UTC() }
)

// Now returns the current UTC time from the package clock.
func Now() time.Time {
	mu.RLock()
	f := now
	mu.RUnlock()
	return f()
}

// NowMillis returns Now as epoch milliseconds.
func NowMillis() int64 {
	return Now().UnixMilli()
}

// SetClock swaps the package clock and returns a func restoring the previous one.
// Intended for tests.
func SetClock(f func() time.Time) (restore func()) {
	mu.Lock()
	prev := now
	now = f
	mu.Unlock()
	return func() {
		mu.Lock()
		now = prev
		mu.Unlock()
	}
}
