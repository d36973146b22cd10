package admission

import (
	"sync"
	"time"
)

const (
	DefaultRateCeiling = 15
	DefaultRateWindow  = 60 * time.Second
)

// RateWindow is the process-wide fixed window shared by every model call.
type RateWindow struct {
	mu       sync.Mutex
	ceiling  int
	duration time.Duration
	now      func() time.Time

	start time.Time
	count int
}

func NewRateWindow(ceiling int, duration time.Duration, now func() time.Time) *RateWindow {
	if ceiling <= 0 {
		ceiling = DefaultRateCeiling
	}
	if duration <= 0 {
		duration = DefaultRateWindow
	}
	if now == nil {
		now = time.Now
	}
	return &RateWindow{ceiling: ceiling, duration: duration, now: now, start: now()}
}

// Allow admits one call, resetting the window first when it has elapsed.
// A rejection leaves the count untouched.
func (w *RateWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if now.Sub(w.start) > w.duration {
		w.count = 0
		w.start = now
	}
	if w.count >= w.ceiling {
		return false
	}
	w.count++
	return true
}

// Snapshot returns the current count and window start.
func (w *RateWindow) Snapshot() (int, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count, w.start
}

func (w *RateWindow) Ceiling() int { return w.ceiling }
