package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ralph/internal/eventbus"
	logx "ralph/pkg/logx"
)

// recordChannel captures every event it is asked to send.
type recordChannel struct {
	mu       sync.Mutex
	name     string
	batching bool
	fail     error
	delay    time.Duration
	events   []Event
}

func (c *recordChannel) Name() string   { return c.name }
func (c *recordChannel) Batching() bool { return c.batching }
func (c *recordChannel) Send(ctx context.Context, ev Event) error {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *recordChannel) sent() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func testConfig() Config {
	return Config{
		RetryMax:  0,
		RetryBase: time.Millisecond,
		QueueSize: 32,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDispatchFansOutToAllChannels(t *testing.T) {
	t.Parallel()
	a := &recordChannel{name: "a"}
	b := &recordChannel{name: "b"}
	d := New(testConfig(), []Channel{a, b}, logx.Nop(), nil)
	d.Start(context.Background())
	defer d.Close(context.Background())

	d.Dispatch(NewEvent(SeverityInfo, "hello", nil))
	waitFor(t, func() bool { return len(a.sent()) == 1 && len(b.sent()) == 1 })
}

func TestFailingChannelDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	bad := &recordChannel{name: "bad", fail: errors.New("boom")}
	good := &recordChannel{name: "good"}
	d := New(testConfig(), []Channel{bad, good}, logx.Nop(), nil)
	d.Start(context.Background())
	defer d.Close(context.Background())

	for i := 0; i < 5; i++ {
		d.Dispatch(NewEvent(SeverityInfo, "evt", nil))
	}
	waitFor(t, func() bool { return len(good.sent()) == 5 })
}

func TestCriticalNeverBatched(t *testing.T) {
	t.Parallel()
	email := &recordChannel{name: "email", batching: true}
	d := New(testConfig(), []Channel{email}, logx.Nop(), nil)
	d.Start(context.Background())
	defer d.Close(context.Background())

	// Non-critical events accumulate.
	d.Dispatch(NewEvent(SeverityInfo, "quiet-1", nil))
	d.Dispatch(NewEvent(SeverityProgress, "quiet-2", nil))
	time.Sleep(50 * time.Millisecond)
	if got := len(email.sent()); got != 0 {
		t.Fatalf("non-critical events sent directly: %d", got)
	}

	// A critical event flushes the pending digest, then goes out alone.
	d.Dispatch(NewEvent(SeverityError, "on fire", nil))
	waitFor(t, func() bool { return len(email.sent()) == 2 })

	sent := email.sent()
	if sent[0].Meta["kind"] != "digest" {
		t.Fatalf("first send kind = %q, want digest", sent[0].Meta["kind"])
	}
	if strings.Contains(sent[0].Message, "on fire") {
		t.Fatal("critical event appeared inside a digest")
	}
	if sent[1].Message != "on fire" {
		t.Fatalf("critical event not sent on its own: %q", sent[1].Message)
	}
}

func TestCloseFlushesPendingWindow(t *testing.T) {
	t.Parallel()
	email := &recordChannel{name: "email", batching: true}
	d := New(testConfig(), []Channel{email}, logx.Nop(), nil)
	d.Start(context.Background())

	d.Dispatch(NewEvent(SeverityInfo, "pending-1", nil))
	d.Dispatch(NewEvent(SeverityInfo, "pending-2", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Close(ctx)

	sent := email.sent()
	if len(sent) != 1 || sent[0].Meta["kind"] != "digest" {
		t.Fatalf("shutdown flush missing: %+v", sent)
	}
	if !strings.Contains(sent[0].Message, "pending-1") || !strings.Contains(sent[0].Message, "pending-2") {
		t.Fatalf("digest incomplete: %q", sent[0].Message)
	}
}

func TestCancelledContextStillDrainsOnClose(t *testing.T) {
	t.Parallel()
	email := &recordChannel{name: "email", batching: true}
	direct := &recordChannel{name: "direct"}
	d := New(testConfig(), []Channel{email, direct}, logx.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	// An operator interrupt lands between a batched progress update and the
	// terminal event; both must still reach the channels during Close.
	d.Dispatch(NewEvent(SeverityProgress, "iteration 5: 2/8 tasks done", nil))
	cancel()
	d.Dispatch(NewEvent(SeverityWarning, "run cancelled after 5 iteration(s)", map[string]string{"kind": "terminal"}))

	closeCtx, stop := context.WithTimeout(context.Background(), 3*time.Second)
	defer stop()
	d.Close(closeCtx)

	sent := email.sent()
	if len(sent) != 2 {
		t.Fatalf("email sends after cancelled run = %d, want 2 (digest + terminal)", len(sent))
	}
	if sent[0].Meta["kind"] != "digest" || !strings.Contains(sent[0].Message, "2/8 tasks done") {
		t.Fatalf("flushed digest missing or wrong: %+v", sent[0])
	}
	if sent[1].Message != "run cancelled after 5 iteration(s)" {
		t.Fatalf("terminal event not delivered: %+v", sent[1])
	}
	if got := direct.sent(); len(got) != 2 {
		t.Fatalf("direct channel sends = %d, want 2", len(got))
	}
}

func TestCriticalBypassesExhaustedWindow(t *testing.T) {
	t.Parallel()
	ch := &recordChannel{name: "a"}
	cfg := testConfig()
	cfg.RateMax = 1
	cfg.RateWindow = time.Hour
	d := New(cfg, []Channel{ch}, logx.Nop(), nil)
	d.Start(context.Background())
	defer d.Close(context.Background())

	d.Dispatch(NewEvent(SeverityInfo, "routine-1", nil))
	d.Dispatch(NewEvent(SeverityInfo, "routine-2", nil))
	d.Dispatch(NewEvent(SeverityError, "run aborted", map[string]string{"kind": "terminal"}))
	waitFor(t, func() bool { return len(ch.sent()) == 2 })

	sent := ch.sent()
	if sent[0].Message != "routine-1" || sent[1].Message != "run aborted" {
		t.Fatalf("sends = %q, %q; want routine-1 then the terminal event", sent[0].Message, sent[1].Message)
	}
	time.Sleep(30 * time.Millisecond)
	if len(ch.sent()) != 2 {
		t.Fatal("rate-limited routine event was delivered anyway")
	}
}

func TestDispatchAfterCloseIsNoop(t *testing.T) {
	t.Parallel()
	a := &recordChannel{name: "a"}
	d := New(testConfig(), []Channel{a}, logx.Nop(), nil)
	d.Start(context.Background())
	d.Close(context.Background())

	d.Dispatch(NewEvent(SeverityError, "late", nil))
	time.Sleep(30 * time.Millisecond)
	if len(a.sent()) != 0 {
		t.Fatal("event delivered after Close")
	}
}

func TestTestReportsOnlyTotalFailure(t *testing.T) {
	t.Parallel()
	bad := &recordChannel{name: "bad", fail: Fatal(errors.New("401 unauthorized"))}
	good := &recordChannel{name: "good"}

	// One healthy channel: overall success.
	d := New(testConfig(), []Channel{bad, good}, logx.Nop(), nil)
	if err := d.Test(context.Background()); err != nil {
		t.Fatalf("Test with one healthy channel: %v", err)
	}

	// Every channel failing: non-nil outcome.
	d2 := New(testConfig(), []Channel{bad}, logx.Nop(), nil)
	if err := d2.Test(context.Background()); err == nil {
		t.Fatal("Test with all channels failing returned nil")
	}

	// Nothing configured: operator should hear about it.
	d3 := New(testConfig(), nil, logx.Nop(), nil)
	if err := d3.Test(context.Background()); err == nil {
		t.Fatal("Test with no channels returned nil")
	}
}

func TestDeliveryPublishedOnBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	a := &recordChannel{name: "a"}
	d := New(testConfig(), []Channel{a}, logx.Nop(), bus)
	d.Start(context.Background())
	defer d.Close(context.Background())

	d.Dispatch(NewEvent(SeverityInfo, "hello", map[string]string{"run_id": "r42"}))

	select {
	case e := <-ch:
		if e.Type != EventDelivery {
			t.Fatalf("event type = %q", e.Type)
		}
		del, ok := e.Data.(Delivery)
		if !ok {
			t.Fatalf("event data = %T", e.Data)
		}
		if del.Channel != "a" || del.Outcome != "success" || del.RunID != "r42" {
			t.Fatalf("unexpected delivery: %+v", del)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no delivery event on bus")
	}
}

func TestSecretsMaskedInErrors(t *testing.T) {
	t.Parallel()
	secret := "1234567890ABCDEFGHIJKLMNOP"
	bad := &recordChannel{name: "bad", fail: Fatal(errors.New("post https://api.example.com/bot" + secret + ": 401"))}

	cfg := testConfig()
	cfg.Secrets = []string{secret}
	d := New(cfg, []Channel{bad}, logx.Nop(), nil)

	err := d.Test(context.Background())
	if err == nil {
		t.Fatal("expected failure")
	}
	if strings.Contains(err.Error(), "KLMNOP") {
		t.Fatalf("secret leaked in error: %v", err)
	}
}
