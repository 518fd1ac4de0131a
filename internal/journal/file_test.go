package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ralph/internal/eventbus"
	"ralph/internal/notify"
	logx "ralph/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "journal.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: store=%v err=%v, want nil/nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestFileAppendAndRecent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := Entry{
			At:      time.Now(),
			RunID:   "r1",
			Channel: "slack",
			Kind:    "progress",
			Outcome: "success",
		}
		if i == 4 {
			e.Outcome = "failed"
			e.Error = "HTTP 500"
		}
		if err := st.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.Recent(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("recent = %d entries, want 3", len(got))
	}
	// Newest first.
	if got[0].Outcome != "failed" || got[0].Error != "HTTP 500" {
		t.Fatalf("newest entry = %+v", got[0])
	}
}

func TestFileRecentLargerLimitThanEntries(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	_ = st.Append(ctx, Entry{Channel: "a", Outcome: "success"})
	_ = st.Append(ctx, Entry{Channel: "b", Outcome: "success"})

	got, err := st.Recent(ctx, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Channel != "b" || got[1].Channel != "a" {
		t.Fatalf("recent = %+v", got)
	}
}

func TestFileRecentMissingFile(t *testing.T) {
	t.Parallel()
	st := &fileStore{path: filepath.Join(t.TempDir(), "nope.jsonl"), log: logx.Nop()}
	got, err := st.Recent(context.Background(), 10)
	if err != nil || got != nil {
		t.Fatalf("missing file: got=%v err=%v", got, err)
	}
}

func TestRecorderPersistsDeliveries(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Record(ctx, bus, st, logx.Nop())
		close(done)
	}()

	bus.Publish(eventbus.Event{Type: notify.EventDelivery, Data: notify.Delivery{
		At: time.Now(), RunID: "r9", Channel: "telegram", Kind: "terminal",
		Severity: "info", Outcome: "success", Attempts: 1,
	}})
	bus.Publish(eventbus.Event{Type: "loop.started", Data: "unrelated"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := st.Recent(context.Background(), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) == 1 {
			if got[0].RunID != "r9" || got[0].Channel != "telegram" {
				t.Fatalf("entry = %+v", got[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("delivery never journaled")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop on cancel")
	}
}
