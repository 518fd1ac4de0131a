package notify

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type flushCapture struct {
	mu      sync.Mutex
	batches [][]Event
}

func (c *flushCapture) flush(batch []Event) {
	c.mu.Lock()
	c.batches = append(c.batches, batch)
	c.mu.Unlock()
}

func (c *flushCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *flushCapture) last() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) == 0 {
		return nil
	}
	return c.batches[len(c.batches)-1]
}

func TestBatchStaysPendingBelowThresholds(t *testing.T) {
	t.Parallel()
	var cap flushCapture
	w := newBatchWindow(5*time.Minute, 10, cap.flush)

	for i := 0; i < 3; i++ {
		w.Add(NewEvent(SeverityProgress, "tick", nil))
	}
	if cap.count() != 0 {
		t.Fatalf("flushed early: %d batches", cap.count())
	}
	if w.Len() != 3 {
		t.Fatalf("pending = %d, want 3", w.Len())
	}
}

func TestBatchFlushesAtMaxCount(t *testing.T) {
	t.Parallel()
	var cap flushCapture
	w := newBatchWindow(5*time.Minute, 10, cap.flush)

	for i := 0; i < 10; i++ {
		w.Add(NewEvent(SeverityInfo, "tick", nil))
	}
	if cap.count() != 1 {
		t.Fatalf("batches = %d, want 1", cap.count())
	}
	if got := len(cap.last()); got != 10 {
		t.Fatalf("batch size = %d, want 10", got)
	}
	if w.Len() != 0 {
		t.Fatalf("pending after flush = %d", w.Len())
	}
}

func TestBatchFlushesOnDeadline(t *testing.T) {
	t.Parallel()
	var cap flushCapture
	w := newBatchWindow(50*time.Millisecond, 10, cap.flush)

	w.Add(NewEvent(SeverityInfo, "one", nil))
	w.Add(NewEvent(SeverityInfo, "two", nil))

	deadline := time.Now().Add(2 * time.Second)
	for cap.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if cap.count() != 1 {
		t.Fatal("deadline flush did not happen")
	}
	if got := len(cap.last()); got != 2 {
		t.Fatalf("batch size = %d, want 2", got)
	}
}

func TestFlushNowEmptyIsNoop(t *testing.T) {
	t.Parallel()
	var cap flushCapture
	w := newBatchWindow(time.Minute, 10, cap.flush)
	w.FlushNow()
	if cap.count() != 0 {
		t.Fatal("empty window produced a flush")
	}
}

func TestDigestEvent(t *testing.T) {
	t.Parallel()
	events := []Event{
		NewEvent(SeverityInfo, "started", map[string]string{"run_id": "r1"}),
		NewEvent(SeverityProgress, "3/7 tasks complete", map[string]string{"run_id": "r1"}),
	}
	d := digestEvent(events)
	if d.Meta["kind"] != "digest" {
		t.Fatalf("kind = %q", d.Meta["kind"])
	}
	if d.Meta["run_id"] != "r1" {
		t.Fatalf("run_id = %q", d.Meta["run_id"])
	}
	if d.Severity != SeverityProgress {
		t.Fatalf("severity = %v", d.Severity)
	}
	if !strings.Contains(d.Message, "2 update(s)") || !strings.Contains(d.Message, "3/7 tasks complete") {
		t.Fatalf("digest body: %q", d.Message)
	}
}

func TestCriticalClassification(t *testing.T) {
	t.Parallel()
	if NewEvent(SeverityInfo, "x", nil).Critical() {
		t.Fatal("info is not critical")
	}
	if !NewEvent(SeverityWarning, "x", nil).Critical() {
		t.Fatal("warning is critical")
	}
	if !NewEvent(SeverityError, "x", nil).Critical() {
		t.Fatal("error is critical")
	}
	if !NewEvent(SeverityInfo, "done", map[string]string{"kind": "terminal"}).Critical() {
		t.Fatal("terminal events are critical")
	}
}
