package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "ralph/pkg/logx"
)

func TestRetryDelayShape(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: 2 * time.Second}.withDefaults()

	// Jittered delays stay within 0.7..1.3 of the exponential curve and
	// never exceed the cap.
	for attempt := 1; attempt <= 8; attempt++ {
		base := 100 * time.Millisecond
		for i := 1; i < attempt; i++ {
			base *= 2
			if base >= cfg.RetryMaxDelay {
				base = cfg.RetryMaxDelay
				break
			}
		}
		for run := 0; run < 20; run++ {
			d := retryDelay(cfg, attempt)
			if d > cfg.RetryMaxDelay {
				t.Fatalf("attempt %d: delay %v exceeds cap", attempt, d)
			}
			lo := time.Duration(float64(base) * 0.69)
			hi := time.Duration(float64(base) * 1.31)
			if hi > cfg.RetryMaxDelay {
				hi = cfg.RetryMaxDelay
			}
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestRetryDelayJitterVaries(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: time.Hour}.withDefaults()
	seen := map[time.Duration]bool{}
	for i := 0; i < 50; i++ {
		seen[retryDelay(cfg, 3)] = true
		time.Sleep(time.Microsecond)
	}
	if len(seen) < 2 {
		t.Fatal("jitter produced identical delays across 50 runs")
	}
}

// flakyChannel fails a fixed number of times before succeeding.
type flakyChannel struct {
	mu       sync.Mutex
	name     string
	failures int
	fatal    bool
	calls    int
}

func (c *flakyChannel) Name() string   { return c.name }
func (c *flakyChannel) Batching() bool { return false }
func (c *flakyChannel) Send(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failures {
		if c.fatal {
			return Fatal(errors.New("bad credentials"))
		}
		return errors.New("connection reset")
	}
	return nil
}

func (c *flakyChannel) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestSendWithRetryTransientRecovers(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}.withDefaults()
	ch := &flakyChannel{name: "flaky", failures: 2}

	attempts, err := sendWithRetry(context.Background(), cfg, ch, NewEvent(SeverityInfo, "x", nil), logx.Nop())
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if attempts != 3 || ch.callCount() != 3 {
		t.Fatalf("attempts = %d, calls = %d, want 3", attempts, ch.callCount())
	}
}

func TestSendWithRetryFatalStopsImmediately(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryMax: 5, RetryBase: time.Millisecond}.withDefaults()
	ch := &flakyChannel{name: "auth", failures: 100, fatal: true}

	attempts, err := sendWithRetry(context.Background(), cfg, ch, NewEvent(SeverityInfo, "x", nil), logx.Nop())
	if !IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
	if attempts != 1 || ch.callCount() != 1 {
		t.Fatalf("fatal error was retried: attempts=%d calls=%d", attempts, ch.callCount())
	}
}

func TestSendWithRetryExhaustsTransient(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}.withDefaults()
	ch := &flakyChannel{name: "down", failures: 100}

	attempts, err := sendWithRetry(context.Background(), cfg, ch, NewEvent(SeverityInfo, "x", nil), logx.Nop())
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (1 + 2 retries)", attempts)
	}
}
