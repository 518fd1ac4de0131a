package notify

import (
	"sync"
	"time"
)

// windowLimiter is a sliding-window admission counter shared across all
// channels: at most max deliveries per window, globally. Denial is not an
// error; the dispatcher skips or defers the send.
type windowLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time

	now func() time.Time // injectable for tests
}

func newWindowLimiter(max int, window time.Duration) *windowLimiter {
	if max <= 0 {
		max = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &windowLimiter{max: max, window: window, now: time.Now}
}

// Admit records and allows one delivery if the window has capacity.
func (l *windowLimiter) Admit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	// Prune entries that slid out of the window.
	keep := l.stamps[:0]
	for _, t := range l.stamps {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	l.stamps = keep

	if len(l.stamps) >= l.max {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// Force records a delivery without asking for capacity. Critical sends use
// this after a denied Admit: they bypass the window but still consume budget,
// so routine traffic right after a burst of criticals stays throttled.
func (l *windowLimiter) Force() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stamps = append(l.stamps, l.now())
}

// Reconfigure swaps the limits in place; the recorded window is kept so a
// live config change cannot be used to burst past the old budget.
func (l *windowLimiter) Reconfigure(max int, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if max > 0 {
		l.max = max
	}
	if window > 0 {
		l.window = window
	}
}
