// Package loop drives the worker-invocation cycle for one plan: acquire
// the plan lock, invoke the external worker until the progress file says
// the work is done, and emit notification events along the way.
package loop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	logx "ralph/pkg/logx"
)

type Mode int

const (
	ModeBuild Mode = iota
	ModePlan
)

func (m Mode) String() string {
	if m == ModePlan {
		return "plan"
	}
	return "build"
}

// Request describes one worker invocation.
type Request struct {
	PlanPath     string
	ProgressPath string
	Mode         Mode
	Iteration    int
	RunID        string
}

// Response is the invocation outcome. ExitCode is meaningful only when
// the process actually ran; start failures surface as errors instead.
type Response struct {
	Output   string // bounded tail of combined stdout+stderr
	ExitCode int
}

// Invoker runs the external worker once per call.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

const defaultWorkerCommand = "claude"

// ExecInvoker invokes a worker command with the iteration prompt on
// stdin and the run context in RALPH_* environment variables. The
// worker owns the progress file; this process only reads it back.
type ExecInvoker struct {
	Command string
	Args    []string
	// Timeout bounds one invocation. 0 means unbounded (workers can
	// legitimately run for a long time).
	Timeout time.Duration
	Log     logx.Logger
}

func (e *ExecInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	command := e.Command
	if command == "" {
		command = defaultWorkerCommand
	}
	log := e.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	tail := newTailWriter(4096)
	cmd := exec.CommandContext(ctx, command, e.Args...)
	cmd.Dir = filepath.Dir(req.PlanPath)
	cmd.Stdin = bytes.NewReader([]byte(iterationPrompt(req)))
	cmd.Stdout = tail
	cmd.Stderr = tail
	cmd.WaitDelay = 5 * time.Second
	cmd.Env = append(os.Environ(),
		"RALPH_PLAN_PATH="+req.PlanPath,
		"RALPH_PROGRESS_PATH="+req.ProgressPath,
		"RALPH_MODE="+req.Mode.String(),
		"RALPH_ITERATION="+strconv.Itoa(req.Iteration),
		"RALPH_RUN_ID="+req.RunID,
	)

	log.Debug("invoking worker",
		logx.String("command", command),
		logx.String("mode", req.Mode.String()),
		logx.Int("iteration", req.Iteration))

	start := time.Now()
	err := cmd.Run()
	resp := Response{Output: tail.String()}

	var exit *exec.ExitError
	switch {
	case err == nil:
		resp.ExitCode = 0
	case errors.As(err, &exit):
		resp.ExitCode = exit.ExitCode()
	default:
		// The worker never started (missing binary, exec failure).
		return resp, fmt.Errorf("worker %q: %w", command, err)
	}

	log.Debug("worker finished",
		logx.Int("exit_code", resp.ExitCode),
		logx.Duration("took", time.Since(start)))
	return resp, nil
}

// iterationPrompt is what the worker reads on stdin. The contract: keep
// the progress file current, and append the completion marker as its own
// line once nothing is left to do.
func iterationPrompt(req Request) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "You are executing the plan at %s.\n", req.PlanPath)
	fmt.Fprintf(&b, "The progress file is %s. Keep it up to date: a Status: line, an Iteration: line, and one '- [ ]'/'- [x]' checklist item per task.\n", req.ProgressPath)
	if req.Mode == ModePlan {
		b.WriteString("Planning pass: read the plan, write or refresh the task checklist in the progress file, and stop. Do not implement anything yet.\n")
	} else {
		fmt.Fprintf(&b, "Iteration %d: pick the next unchecked task, complete it, and mark it done in the progress file.\n", req.Iteration)
		b.WriteString("When every task is complete and verified, append a final line to the progress file containing exactly:\nRALPH_DONE\n")
		b.WriteString("Never write that marker line for any other reason.\n")
	}
	return b.String()
}

// tailWriter keeps the last limit bytes written to it. Worker output can
// be arbitrarily large; only the tail is useful for failure logs.
type tailWriter struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailWriter(limit int) *tailWriter {
	return &tailWriter{limit: limit}
}

var _ io.Writer = (*tailWriter)(nil)

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.limit {
		w.buf = w.buf[len(w.buf)-w.limit:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
