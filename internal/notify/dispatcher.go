package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ralph/internal/eventbus"
	rtsup "ralph/internal/runtime/supervisor"
	"ralph/internal/sched"
	"ralph/internal/validate"
	logx "ralph/pkg/logx"
)

// Config carries the dispatch tunables. Built once at startup from the
// immutable configuration; Apply() may swap the live-adjustable subset.
type Config struct {
	RateMax    int           // sliding-window admissions (default 60)
	RateWindow time.Duration // default 60s

	BatchDelay time.Duration // digest window (default 300s)
	BatchMax   int           // digest max events (default 10)

	RetryMax      int           // retries after the first attempt (default 3)
	RetryBase     time.Duration // default 500ms
	RetryMaxDelay time.Duration // default 10s

	QueueSize   int           // per-channel queue (default 64)
	SendTimeout time.Duration // per-attempt bound (default 10s)

	// DigestSchedule, when set, forces an early flush of all batch windows
	// on each trigger (morning-digest behavior).
	DigestSchedule *sched.Spec

	// Secrets are masked out of any error text before logging or journaling.
	Secrets []string
}

func (c Config) withDefaults() Config {
	if c.RateMax <= 0 {
		c.RateMax = 60
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 5 * time.Minute
	}
	if c.BatchMax <= 0 {
		c.BatchMax = 10
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Dispatcher fans one logical event out to every configured channel.
//
// Contract with the task loop: Dispatch never blocks materially and never
// returns an error. Each channel gets one sender goroutine (channels are
// I/O-independent); the rate-limiter counter and batch windows are the
// shared mutable state, protected here.
type Dispatcher struct {
	mu  sync.Mutex
	cfg Config

	log logx.Logger
	bus eventbus.Bus

	channels []Channel
	limiter  *windowLimiter
	windows  map[string]*batchWindow
	queues   map[string]chan Event

	sup       *rtsup.Supervisor
	stop      chan struct{}
	accepting bool
}

func New(cfg Config, channels []Channel, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		channels: channels,
		limiter:  newWindowLimiter(cfg.RateMax, cfg.RateWindow),
		windows:  map[string]*batchWindow{},
		queues:   map[string]chan Event{},
	}
	return d
}

// Channels returns the configured channel names (for status output).
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Apply swaps the live-adjustable tunables (rate limit, retry shape).
// Queue sizes and batch windows keep their startup values.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg.RateMax = cfg.RateMax
	d.cfg.RateWindow = cfg.RateWindow
	d.cfg.RetryMax = cfg.RetryMax
	d.cfg.RetryBase = cfg.RetryBase
	d.cfg.RetryMaxDelay = cfg.RetryMaxDelay
	d.cfg.SendTimeout = cfg.SendTimeout
	d.mu.Unlock()
	d.limiter.Reconfigure(cfg.RateMax, cfg.RateWindow)
}

// Start spins up one sender goroutine per channel plus the optional digest
// schedule loop. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.sup != nil {
		d.mu.Unlock()
		return
	}
	// Senders outlive the caller's context: an operator interrupt cancels
	// the loop, but the flushed windows and the terminal event still have
	// to go out during Close's bounded drain. Sender goroutines end when
	// their queue closes; Close cancels whatever the drain deadline cuts off.
	d.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(d.log.With(logx.String("comp", "notify"))),
		// dispatch failures must never take down the loop; best-effort only.
		rtsup.WithCancelOnError(false),
	)
	sup := d.sup
	d.stop = make(chan struct{})
	stop := d.stop
	d.accepting = true

	for _, ch := range d.channels {
		ch := ch
		q := make(chan Event, d.cfg.QueueSize)
		d.queues[ch.Name()] = q
		if ch.Batching() {
			d.windows[ch.Name()] = newBatchWindow(d.cfg.BatchDelay, d.cfg.BatchMax, func(batch []Event) {
				d.enqueue(ch.Name(), q, digestEvent(batch))
			})
		}
		sup.Go0("send."+ch.Name(), func(c context.Context) {
			d.senderLoop(c, ch, q)
		})
	}

	if d.cfg.DigestSchedule != nil {
		spec := *d.cfg.DigestSchedule
		sup.GoRestart("digest.schedule", func(c context.Context) error {
			return d.digestLoop(c, stop, spec)
		})
	}
	d.mu.Unlock()
}

// Dispatch routes one event. Fire-and-forget: failures are logged and
// journaled, never surfaced to the caller.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.Lock()
	if !d.accepting {
		d.mu.Unlock()
		return
	}
	chans := d.channels
	d.mu.Unlock()

	for _, ch := range chans {
		name := ch.Name()
		d.mu.Lock()
		q := d.queues[name]
		w := d.windows[name]
		d.mu.Unlock()
		if q == nil {
			continue
		}

		if w != nil {
			if !ev.Critical() {
				w.Add(ev)
				continue
			}
			// Critical event: drain the pending window first so nothing is
			// reordered past it, then send the event on its own.
			w.FlushNow()
		}
		d.enqueue(name, q, ev)
	}
}

func (d *Dispatcher) enqueue(channel string, q chan Event, ev Event) {
	// A window timer may fire after Close has closed the queue; treat that
	// send-on-closed as a drop rather than a crash.
	defer func() { _ = recover() }()
	select {
	case q <- ev:
	default:
		d.log.Warn("channel queue full; event dropped",
			logx.String("channel", channel), logx.String("kind", ev.Kind()))
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: EventDropped, Data: Delivery{
				At: time.Now(), Channel: channel, Kind: ev.Kind(),
				Severity: ev.Severity.String(), Outcome: "skipped", Error: "queue full",
			}})
		}
	}
}

func (d *Dispatcher) senderLoop(ctx context.Context, ch Channel, q <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q:
			if !ok {
				return
			}
			d.deliver(ctx, ch, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, ev Event) {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	// Admission control. Criticals go out regardless (still charged against
	// the window), digests are deferred (their events already waited in the
	// window), direct sends are skipped.
	if !d.limiter.Admit() {
		switch {
		case ev.Critical():
			d.limiter.Force()
		case ev.Kind() == "digest":
			if !d.awaitAdmission(ctx) {
				d.report(ch, ev, 0, 0, errors.New("rate limit exceeded"))
				return
			}
		default:
			d.log.Debug("rate limit exceeded; send skipped",
				logx.String("channel", ch.Name()), logx.String("kind", ev.Kind()))
			d.report(ch, ev, 0, 0, errors.New("rate limit exceeded"))
			return
		}
	}

	start := time.Now()
	attempts, err := sendWithRetry(ctx, cfg, ch, ev, d.log)
	d.report(ch, ev, attempts, time.Since(start), err)
}

// awaitAdmission polls the limiter until a slot frees up or ctx ends.
// Only digest deliveries wait; everything else is skip-on-deny.
func (d *Dispatcher) awaitAdmission(ctx context.Context) bool {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			if d.limiter.Admit() {
				return true
			}
		}
	}
}

func (d *Dispatcher) report(ch Channel, ev Event, attempts int, took time.Duration, err error) {
	outcome := "success"
	errText := ""
	if err != nil {
		errText = d.maskSecrets(err.Error())
		outcome = "failed"
		if attempts == 0 {
			outcome = "skipped"
		}
	}

	del := Delivery{
		At:       time.Now(),
		RunID:    ev.Meta["run_id"],
		Channel:  ch.Name(),
		Kind:     ev.Kind(),
		Severity: ev.Severity.String(),
		Outcome:  outcome,
		Attempts: attempts,
		Error:    errText,
		TookMS:   took.Milliseconds(),
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: EventDelivery, Data: del})
	}

	switch outcome {
	case "success":
		d.log.Debug("notification delivered",
			logx.String("channel", del.Channel), logx.String("kind", del.Kind),
			logx.Int("attempts", attempts), logx.Int64("took_ms", del.TookMS))
	case "skipped":
		// already logged at decision point
	default:
		d.log.Warn("notification delivery failed",
			logx.String("channel", del.Channel), logx.String("kind", del.Kind),
			logx.Int("attempts", attempts), logx.String("err", errText))
	}
}

// maskSecrets removes credential material from text before it reaches a log
// or the journal.
func (d *Dispatcher) maskSecrets(text string) string {
	d.mu.Lock()
	secrets := d.cfg.Secrets
	d.mu.Unlock()
	for _, s := range secrets {
		if s == "" {
			continue
		}
		text = strings.ReplaceAll(text, s, validate.MaskToken(s, 4))
	}
	return text
}

func (d *Dispatcher) digestLoop(ctx context.Context, stop <-chan struct{}, spec sched.Spec) error {
	for {
		next := spec.Next(time.Now())
		if next.IsZero() {
			return nil
		}
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-stop:
			t.Stop()
			return nil
		case <-t.C:
		}
		d.FlushAll()
	}
}

// FlushAll forces every batch window to deliver its pending digest.
func (d *Dispatcher) FlushAll() {
	d.mu.Lock()
	ws := make([]*batchWindow, 0, len(d.windows))
	for _, w := range d.windows {
		ws = append(ws, w)
	}
	d.mu.Unlock()
	for _, w := range ws {
		w.FlushNow()
	}
}

// Close stops intake, flushes all pending batch windows, and waits for
// in-flight sends bounded by ctx. Guaranteed cleanup on every exit path:
// the loop calls this before releasing the plan lock.
func (d *Dispatcher) Close(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.sup == nil {
		d.mu.Unlock()
		return
	}
	d.accepting = false
	sup := d.sup
	d.sup = nil
	queues := d.queues
	d.queues = map[string]chan Event{}
	close(d.stop)
	d.mu.Unlock()

	// Pending digests go out before the queues close.
	d.FlushAll()

	for _, q := range queues {
		close(q)
	}
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		d.log.Warn("dispatcher close timed out; sends abandoned", logx.Err(err))
	}
}

// Test sends one synthetic event through the full per-channel path,
// synchronously, and reports failure only if every configured channel
// failed. This is the single operator-facing entry point that surfaces a
// non-zero outcome; the main loop path never does.
func (d *Dispatcher) Test(ctx context.Context) error {
	d.mu.Lock()
	cfg := d.cfg
	chans := d.channels
	d.mu.Unlock()

	if len(chans) == 0 {
		return errors.New("no notification channels configured")
	}

	ev := NewEvent(SeverityInfo, "ralph test notification", map[string]string{"kind": "test"})
	failures := 0
	var firstErr error
	for _, ch := range chans {
		start := time.Now()
		attempts, err := sendWithRetry(ctx, cfg, ch, ev, d.log)
		d.report(ch, ev, attempts, time.Since(start), err)
		if err != nil {
			failures++
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %s", ch.Name(), d.maskSecrets(err.Error()))
			}
		}
	}
	if failures == len(chans) {
		return fmt.Errorf("all %d channel(s) failed; first error: %w", failures, firstErr)
	}
	return nil
}
