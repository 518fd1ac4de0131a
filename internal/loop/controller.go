package loop

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"ralph/internal/eventbus"
	"ralph/internal/lock"
	"ralph/internal/notify"
	"ralph/internal/plan"
	rtsup "ralph/internal/runtime/supervisor"
	logx "ralph/pkg/logx"
)

// ErrWorkerFailing is returned when the worker hits the consecutive
// identical-failure streak: more iterations would just repeat the error.
var ErrWorkerFailing = errors.New("worker failing repeatedly")

// Bus event types published around a run.
const (
	EventStarted  = "loop.started"
	EventFinished = "loop.finished"
)

// Outcome is the terminal state of one run.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomePlanned   Outcome = "planned"
	OutcomeLimit     Outcome = "limit"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeError     Outcome = "error"
)

// Result summarizes a finished run.
type Result struct {
	Outcome    Outcome
	RunID      string
	Iterations int
}

// Options tunes the loop. Zero values take the documented defaults.
type Options struct {
	MaxIterations  int // 0 = unlimited
	IterationDelay time.Duration
	ProgressEvery  int
	FailureStreak  int

	LockDir        string
	LockTimeout    time.Duration // 0 = fail fast on contention
	LockStaleAfter time.Duration
	Heartbeat      time.Duration
}

func (o Options) withDefaults() Options {
	if o.IterationDelay <= 0 {
		o.IterationDelay = 2 * time.Second
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = 5
	}
	if o.FailureStreak <= 0 {
		o.FailureStreak = 3
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 30 * time.Second
	}
	return o
}

// Notifier is the slice of the dispatcher the loop needs. Dispatch is
// fire-and-forget; the loop never learns about delivery failures.
type Notifier interface {
	Dispatch(ev notify.Event)
}

// Controller runs the single-threaded iteration loop for one plan.
// Cross-process exclusion comes from the plan lock; in-process helpers
// (heartbeat) run under the supervisor.
type Controller struct {
	inv  Invoker
	noti Notifier
	bus  eventbus.Bus
	log  logx.Logger
	opts Options
}

func New(inv Invoker, noti Notifier, bus eventbus.Bus, log logx.Logger, opts Options) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{inv: inv, noti: noti, bus: bus, log: log, opts: opts.withDefaults()}
}

// Run executes the loop for id until completion, iteration limit, or
// cancellation. The lock is released on every exit path.
func (c *Controller) Run(ctx context.Context, id plan.Identity, mode Mode, maxIterations int) (Result, error) {
	opts := c.opts
	switch {
	case maxIterations > 0:
		opts.MaxIterations = maxIterations
	case maxIterations < 0:
		// Explicit unlimited override, regardless of the configured cap.
		opts.MaxIterations = 0
	}
	runID := uuid.NewString()
	res := Result{RunID: runID}
	log := c.log.With(logx.String("run_id", runID), logx.String("plan", id.Key))

	h, err := lock.Acquire(id.LockPath(opts.LockDir), lock.Options{
		Timeout:    opts.LockTimeout,
		StaleAfter: opts.LockStaleAfter,
	}, log)
	if err != nil {
		return res, err
	}
	defer func() { _ = h.Release() }()

	sup := rtsup.New(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(false))
	sup.GoRestart("lock.heartbeat", func(hctx context.Context) error {
		return c.heartbeat(hctx, h, opts.Heartbeat)
	})
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = sup.Wait(wctx)
		cancel()
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	defer func() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }()

	c.publish(EventStarted, id, res)
	c.emit(notify.SeverityInfo, fmt.Sprintf("run started: %s (%s mode)", id.CanonicalPath, mode), runID, "start")
	log.Info("loop started",
		logx.String("mode", mode.String()),
		logx.Int("max_iterations", opts.MaxIterations))

	defer func() { c.publish(EventFinished, id, res) }()

	if mode == ModePlan {
		return c.runPlan(ctx, id, runID, res, log)
	}
	return c.runBuild(ctx, id, opts, runID, res, log)
}

// runPlan does exactly one worker invocation. Planning never reaches a
// Done outcome on its own.
func (c *Controller) runPlan(ctx context.Context, id plan.Identity, runID string, res Result, log logx.Logger) (Result, error) {
	resp, err := c.invoke(ctx, id, ModePlan, 1, runID)
	res.Iterations = 1
	if err != nil || resp.ExitCode != 0 {
		res.Outcome = OutcomeError
		c.emitTerminal(notify.SeverityError, "planning pass failed", runID)
		if err == nil {
			err = fmt.Errorf("worker exited with code %d", resp.ExitCode)
		}
		return res, err
	}

	p, _ := plan.ReadProgress(id.ProgressPath())
	res.Outcome = OutcomePlanned
	c.emitTerminal(notify.SeverityInfo,
		fmt.Sprintf("planning pass complete: %d task(s) identified", len(p.Tasks)), runID)
	log.Info("planning pass complete", logx.Int("tasks", len(p.Tasks)))
	return res, nil
}

func (c *Controller) runBuild(ctx context.Context, id plan.Identity, opts Options, runID string, res Result, log logx.Logger) (Result, error) {
	streak := 0
	lastFailure := ""

	for iteration := 1; ; iteration++ {
		if ctx.Err() != nil {
			res.Outcome = OutcomeCancelled
			c.emitTerminal(notify.SeverityWarning,
				fmt.Sprintf("run cancelled after %d iteration(s)", res.Iterations), runID)
			return res, ctx.Err()
		}
		if opts.MaxIterations > 0 && iteration > opts.MaxIterations {
			res.Outcome = OutcomeLimit
			c.emitTerminal(notify.SeverityWarning,
				fmt.Sprintf("iteration limit (%d) reached without completion", opts.MaxIterations), runID)
			return res, nil
		}

		resp, err := c.invoke(ctx, id, ModeBuild, iteration, runID)
		res.Iterations = iteration
		_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)

		if err != nil || resp.ExitCode != 0 {
			failure := describeFailure(resp, err)
			if failure == lastFailure {
				streak++
			} else {
				streak = 1
				lastFailure = failure
			}
			log.Warn("worker iteration failed",
				logx.Int("iteration", iteration),
				logx.Int("streak", streak),
				logx.String("failure", failure))
			if streak >= opts.FailureStreak {
				res.Outcome = OutcomeError
				c.emitTerminal(notify.SeverityError,
					fmt.Sprintf("run aborted: %d consecutive identical worker failures (%s)", streak, failure), runID)
				return res, fmt.Errorf("%w: %s", ErrWorkerFailing, failure)
			}
		} else {
			streak = 0
			lastFailure = ""
		}

		p, perr := plan.ReadProgress(id.ProgressPath())
		if perr != nil {
			log.Warn("progress file unreadable", logx.Err(perr))
		}
		if plan.IsComplete(p) {
			res.Outcome = OutcomeDone
			c.emitTerminal(notify.SeverityInfo,
				fmt.Sprintf("plan complete after %d iteration(s): %d/%d tasks done",
					iteration, p.CompletedTasks(), len(p.Tasks)), runID)
			log.Info("completion marker found", logx.Int("iterations", iteration))
			return res, nil
		}

		if iteration%opts.ProgressEvery == 0 {
			c.emit(notify.SeverityProgress,
				fmt.Sprintf("iteration %d: %d/%d tasks done", iteration, p.CompletedTasks(), len(p.Tasks)),
				runID, "progress")
		}

		select {
		case <-ctx.Done():
		case <-time.After(opts.IterationDelay):
		}
	}
}

func (c *Controller) invoke(ctx context.Context, id plan.Identity, mode Mode, iteration int, runID string) (Response, error) {
	return c.inv.Invoke(ctx, Request{
		PlanPath:     id.CanonicalPath,
		ProgressPath: id.ProgressPath(),
		Mode:         mode,
		Iteration:    iteration,
		RunID:        runID,
	})
}

func (c *Controller) heartbeat(ctx context.Context, h *lock.Handle, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := h.Refresh(); err != nil {
				c.log.Warn("lock heartbeat failed", logx.Err(err))
			}
		}
	}
}

func (c *Controller) emit(sev notify.Severity, msg, runID, kind string) {
	if c.noti == nil {
		return
	}
	c.noti.Dispatch(notify.NewEvent(sev, msg, map[string]string{"kind": kind, "run_id": runID}))
}

func (c *Controller) emitTerminal(sev notify.Severity, msg, runID string) {
	c.emit(sev, msg, runID, "terminal")
}

func (c *Controller) publish(typ string, id plan.Identity, res Result) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: map[string]string{
		"run_id":     res.RunID,
		"plan":       id.Key,
		"outcome":    string(res.Outcome),
		"iterations": strconv.Itoa(res.Iterations),
	}})
}

func describeFailure(resp Response, err error) string {
	if err != nil {
		return err.Error()
	}
	return "exit code " + strconv.Itoa(resp.ExitCode)
}
