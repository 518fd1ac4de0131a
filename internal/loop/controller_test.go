package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ralph/internal/lock"
	"ralph/internal/notify"
	"ralph/internal/plan"
	logx "ralph/pkg/logx"
)

// fakeInvoker scripts worker behavior per iteration.
type fakeInvoker struct {
	mu    sync.Mutex
	calls int
	run   func(iteration int, req Request) (Response, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return f.run(n, req)
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type eventSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *eventSink) Dispatch(ev notify.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) byKind(kind string) []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Event
	for _, ev := range s.events {
		if ev.Meta["kind"] == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testIdentity(t *testing.T) plan.Identity {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.md")
	if err := os.WriteFile(path, []byte("# test plan\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := plan.Resolve(path)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func writeProgress(t *testing.T, id plan.Identity, body string) {
	t.Helper()
	path := id.ProgressPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testOptions(t *testing.T) Options {
	return Options{
		IterationDelay: time.Millisecond,
		LockDir:        t.TempDir(),
	}
}

func TestRunCompletesOnMarker(t *testing.T) {
	t.Parallel()
	id := testIdentity(t)
	inv := &fakeInvoker{run: func(n int, req Request) (Response, error) {
		body := "Status: in_progress\n- [x] first\n- [ ] second\n"
		if n >= 3 {
			body = "Status: done\n- [x] first\n- [x] second\n" + plan.DoneMarker + "\n"
		}
		writeProgress(t, id, body)
		return Response{}, nil
	}}
	sink := &eventSink{}
	c := New(inv, sink, nil, logx.Nop(), testOptions(t))

	res, err := c.Run(context.Background(), id, ModeBuild, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomeDone || res.Iterations != 3 {
		t.Fatalf("result = %+v", res)
	}
	if res.RunID == "" {
		t.Fatal("missing run id")
	}

	term := sink.byKind("terminal")
	if len(term) != 1 || term[0].Severity != notify.SeverityInfo {
		t.Fatalf("terminal events: %+v", term)
	}
	if len(sink.byKind("start")) != 1 {
		t.Fatal("missing start event")
	}

	// Lock released on the way out.
	if _, err := os.Stat(id.LockPath(c.opts.LockDir)); !os.IsNotExist(err) {
		t.Fatal("lock file survived the run")
	}
}

func TestRunStopsAtIterationLimit(t *testing.T) {
	t.Parallel()
	id := testIdentity(t)
	inv := &fakeInvoker{run: func(n int, req Request) (Response, error) {
		writeProgress(t, id, "Status: in_progress\n- [ ] stuck\n")
		return Response{}, nil
	}}
	sink := &eventSink{}
	c := New(inv, sink, nil, logx.Nop(), testOptions(t))

	res, err := c.Run(context.Background(), id, ModeBuild, 4)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomeLimit || res.Iterations != 4 {
		t.Fatalf("result = %+v", res)
	}
	term := sink.byKind("terminal")
	if len(term) != 1 || term[0].Severity != notify.SeverityWarning {
		t.Fatalf("terminal events: %+v", term)
	}
}

func TestRunFailFastOnHeldLock(t *testing.T) {
	t.Parallel()
	id := testIdentity(t)
	opts := testOptions(t)

	h, err := lock.Acquire(id.LockPath(opts.LockDir), lock.Options{}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	inv := &fakeInvoker{run: func(n int, req Request) (Response, error) {
		t.Fatal("worker invoked despite held lock")
		return Response{}, nil
	}}
	c := New(inv, &eventSink{}, nil, logx.Nop(), opts)

	_, err = c.Run(context.Background(), id, ModeBuild, 0)
	if !errors.Is(err, lock.ErrHeld) {
		t.Fatalf("err = %v, want ErrHeld", err)
	}
}

func TestRunAbortsOnFailureStreak(t *testing.T) {
	t.Parallel()
	id := testIdentity(t)
	inv := &fakeInvoker{run: func(n int, req Request) (Response, error) {
		return Response{ExitCode: 9, Output: "boom"}, nil
	}}
	sink := &eventSink{}
	c := New(inv, sink, nil, logx.Nop(), testOptions(t))

	res, err := c.Run(context.Background(), id, ModeBuild, 0)
	if !errors.Is(err, ErrWorkerFailing) {
		t.Fatalf("err = %v, want ErrWorkerFailing", err)
	}
	if res.Outcome != OutcomeError || res.Iterations != 3 {
		t.Fatalf("result = %+v", res)
	}
	term := sink.byKind("terminal")
	if len(term) != 1 || term[0].Severity != notify.SeverityError {
		t.Fatalf("terminal events: %+v", term)
	}
}

func TestRunDistinctFailuresDoNotTrip(t *testing.T) {
	t.Parallel()
	id := testIdentity(t)
	inv := &fakeInvoker{run: func(n int, req Request) (Response, error) {
		if n <= 4 {
			// Each failure differs, so no identical streak forms.
			return Response{ExitCode: n}, nil
		}
		writeProgress(t, id, plan.DoneMarker+"\n")
		return Response{}, nil
	}}
	c := New(inv, &eventSink{}, nil, logx.Nop(), testOptions(t))

	res, err := c.Run(context.Background(), id, ModeBuild, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomeDone {
		t.Fatalf("result = %+v", res)
	}
}

func TestNegativeOverrideLiftsConfiguredLimit(t *testing.T) {
	t.Parallel()
	id := testIdentity(t)
	inv := &fakeInvoker{run: func(n int, req Request) (Response, error) {
		body := "Status: in_progress\n- [ ] grind\n"
		if n >= 5 {
			body = "Status: done\n- [x] grind\n" + plan.DoneMarker + "\n"
		}
		writeProgress(t, id, body)
		return Response{}, nil
	}}
	opts := testOptions(t)
	opts.MaxIterations = 3
	c := New(inv, &eventSink{}, nil, logx.Nop(), opts)

	res, err := c.Run(context.Background(), id, ModeBuild, -1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomeDone || res.Iterations != 5 {
		t.Fatalf("result = %+v, want done after 5 iterations past the configured cap", res)
	}
}

func TestPlanModeSingleInvocation(t *testing.T) {
	t.Parallel()
	id := testIdentity(t)
	inv := &fakeInvoker{run: func(n int, req Request) (Response, error) {
		if req.Mode != ModePlan {
			t.Errorf("mode = %v, want plan", req.Mode)
		}
		writeProgress(t, id, "Status: planning\n- [ ] a\n- [ ] b\n- [ ] c\n")
		return Response{}, nil
	}}
	sink := &eventSink{}
	c := New(inv, sink, nil, logx.Nop(), testOptions(t))

	res, err := c.Run(context.Background(), id, ModePlan, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomePlanned || res.Iterations != 1 || inv.callCount() != 1 {
		t.Fatalf("result = %+v, calls = %d", res, inv.callCount())
	}
}

func TestRunCancelledMidway(t *testing.T) {
	t.Parallel()
	id := testIdentity(t)
	ctx, cancel := context.WithCancel(context.Background())
	inv := &fakeInvoker{run: func(n int, req Request) (Response, error) {
		writeProgress(t, id, "Status: in_progress\n- [ ] slow\n")
		if n == 2 {
			cancel()
		}
		return Response{}, nil
	}}
	sink := &eventSink{}
	c := New(inv, sink, nil, logx.Nop(), testOptions(t))

	res, err := c.Run(ctx, id, ModeBuild, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("result = %+v", res)
	}
	term := sink.byKind("terminal")
	if len(term) != 1 {
		t.Fatalf("terminal events: %+v", term)
	}
}

func TestProgressEventEveryNth(t *testing.T) {
	t.Parallel()
	id := testIdentity(t)
	inv := &fakeInvoker{run: func(n int, req Request) (Response, error) {
		body := fmt.Sprintf("Status: in_progress\nIteration: %d\n- [ ] grind\n", n)
		if n >= 12 {
			body += plan.DoneMarker + "\n"
		}
		writeProgress(t, id, body)
		return Response{}, nil
	}}
	sink := &eventSink{}
	c := New(inv, sink, nil, logx.Nop(), testOptions(t))

	if _, err := c.Run(context.Background(), id, ModeBuild, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	// Iterations 5 and 10 report progress; 12 ends the run before its turn.
	if got := len(sink.byKind("progress")); got != 2 {
		t.Fatalf("progress events = %d, want 2", got)
	}
}
