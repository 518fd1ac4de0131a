package notify

import (
	"testing"
	"time"
)

func TestWindowLimiterBoundary(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	l := newWindowLimiter(60, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 60; i++ {
		if !l.Admit() {
			t.Fatalf("admission %d denied inside budget", i+1)
		}
	}
	if l.Admit() {
		t.Fatal("61st admission allowed within the window")
	}

	// After the window slides past the old entries, capacity returns.
	now = now.Add(61 * time.Second)
	if !l.Admit() {
		t.Fatal("admission denied after window elapsed")
	}
}

func TestWindowLimiterSlides(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	l := newWindowLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	if !l.Admit() || !l.Admit() {
		t.Fatal("initial admissions denied")
	}
	// 30s later the window is still full.
	now = now.Add(30 * time.Second)
	if l.Admit() {
		t.Fatal("admission allowed while window full")
	}
	// 31 more seconds: the first two slid out.
	now = now.Add(31 * time.Second)
	if !l.Admit() {
		t.Fatal("admission denied after slide")
	}
}

func TestWindowLimiterForceConsumesBudget(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	l := newWindowLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	if !l.Admit() {
		t.Fatal("first admission denied")
	}
	// A forced send fills the remaining slot.
	l.Force()
	if l.Admit() {
		t.Fatal("admission allowed after a forced send used the budget")
	}
	// Forced entries slide out like admitted ones.
	now = now.Add(61 * time.Second)
	if !l.Admit() {
		t.Fatal("admission denied after forced entry slid out")
	}
}

func TestWindowLimiterReconfigure(t *testing.T) {
	t.Parallel()
	l := newWindowLimiter(1, time.Hour)
	if !l.Admit() {
		t.Fatal("first admission denied")
	}
	if l.Admit() {
		t.Fatal("over-budget admission allowed")
	}
	l.Reconfigure(2, time.Hour)
	if !l.Admit() {
		t.Fatal("admission denied after raising the limit")
	}
}
