package channel

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"ralph/internal/notify"
	"ralph/internal/validate"
	logx "ralph/pkg/logx"
)

const defaultScriptTimeout = 30 * time.Second

// Script invokes an operator-supplied executable with the rendered
// event text as its single argument. Script failures are an operator
// concern, not a delivery failure: non-zero exits and timeouts are
// logged and swallowed so a broken hook never triggers retries.
type Script struct {
	path    string
	timeout time.Duration
	log     logx.Logger
}

func NewScript(path string, timeout time.Duration, log logx.Logger) *Script {
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}
	return &Script{path: path, timeout: timeout, log: log}
}

func (s *Script) Name() string   { return "script" }
func (s *Script) Batching() bool { return false }

func (s *Script) Send(ctx context.Context, ev notify.Event) error {
	// Re-validate at every invocation: the file may have been replaced
	// or had its mode changed since startup.
	path, err := validate.CheckPath(s.path, validate.PathExecute, "")
	if err != nil {
		return notify.Fatal(err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(cctx, path, sanitizeArg(ev.Render()))
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 2 * time.Second

	err = cmd.Run()
	switch {
	case err == nil:
		return nil
	case cctx.Err() == context.DeadlineExceeded:
		s.log.Warn("notification script timed out",
			logx.String("path", path),
			logx.Duration("timeout", s.timeout))
		return nil
	default:
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			s.log.Warn("notification script exited non-zero",
				logx.String("path", path),
				logx.Int("code", exit.ExitCode()),
				logx.String("output", tail(out.String(), 512)))
			return nil
		}
		// The script could not be started at all.
		return notify.Fatal(err)
	}
}

// sanitizeArg strips control characters so the event text is safe to
// pass as a process argument.
func sanitizeArg(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return ' '
		case r < 0x20 || r == 0x7f:
			return -1
		default:
			return r
		}
	}, s)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
