package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// batchWindow accumulates non-critical events for one batching channel.
// It flushes as one digest when the delay elapses or maxCount is reached,
// whichever comes first. Flush and enqueue are mutually exclusive
// (single mutex) so a timer flush cannot race a count flush.
type batchWindow struct {
	mu       sync.Mutex
	delay    time.Duration
	maxCount int
	pending  []Event
	timer    *time.Timer

	// flush receives the drained batch outside the lock.
	flush func([]Event)
}

func newBatchWindow(delay time.Duration, maxCount int, flush func([]Event)) *batchWindow {
	if delay <= 0 {
		delay = 5 * time.Minute
	}
	if maxCount <= 0 {
		maxCount = 10
	}
	return &batchWindow{delay: delay, maxCount: maxCount, flush: flush}
}

// Add appends an event; the window is created lazily (the deadline timer
// starts on the first pending event since the last flush).
func (w *batchWindow) Add(ev Event) {
	w.mu.Lock()
	w.pending = append(w.pending, ev)
	var batch []Event
	if len(w.pending) >= w.maxCount {
		batch = w.takeLocked()
	} else if w.timer == nil {
		w.timer = time.AfterFunc(w.delay, w.FlushNow)
	}
	w.mu.Unlock()

	if len(batch) > 0 {
		w.flush(batch)
	}
}

// FlushNow drains and delivers whatever is pending. Called on deadline,
// on critical-event preemption, and on shutdown.
func (w *batchWindow) FlushNow() {
	w.mu.Lock()
	batch := w.takeLocked()
	w.mu.Unlock()

	if len(batch) > 0 {
		w.flush(batch)
	}
}

func (w *batchWindow) takeLocked() []Event {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	batch := w.pending
	w.pending = nil
	return batch
}

// Len reports the number of pending events.
func (w *batchWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// digestEvent aggregates a drained batch into one delivery.
func digestEvent(events []Event) Event {
	sev := SeverityInfo
	var b strings.Builder
	fmt.Fprintf(&b, "%d update(s):\n", len(events))
	for _, ev := range events {
		if ev.Severity > sev {
			sev = ev.Severity
		}
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", ev.Severity, ev.Message, humanize.Time(ev.CreatedAt))
	}
	digest := NewEvent(sev, strings.TrimRight(b.String(), "\n"), map[string]string{"kind": "digest"})
	if len(events) > 0 {
		if rid := events[len(events)-1].Meta["run_id"]; rid != "" {
			digest.Meta["run_id"] = rid
		}
	}
	return digest
}
