// Package cli wires the configuration, logging, notification, and loop
// components into the ralph command tree.
package cli

import (
	"errors"
	"fmt"
	"time"

	"ralph/internal/config"
	"ralph/internal/lock"
	"ralph/internal/loop"
	"ralph/internal/notify"
	"ralph/internal/notify/channel"
	"ralph/internal/sched"
	logx "ralph/pkg/logx"
)

// usageError marks operator input problems (missing plan, bad config)
// so main can map them to a distinct exit code.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func badInput(err error) error {
	if err == nil {
		return nil
	}
	return usageError{err: err}
}

// Process exit codes.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitBadInput   = 2
	ExitContention = 3
)

// ExitCode maps a command error onto the documented exit codes.
func ExitCode(err error) int {
	var ue usageError
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, lock.ErrHeld):
		return ExitContention
	case errors.As(err, &ue):
		return ExitBadInput
	default:
		return ExitFailure
	}
}

// app carries the state shared by all commands: global flags, the
// loaded config, and the logging service.
type app struct {
	configPath string
	logLevel   string
	logFile    string
	quiet      bool

	cfg    *config.Config
	mgr    *config.Manager
	logSvc *logx.Service
	log    logx.Logger
}

// init loads config and stands up logging. Runs once per invocation
// from the root command's PersistentPreRunE.
func (a *app) init() error {
	if a.configPath != "" {
		a.mgr = config.NewManager(a.configPath)
		cfg, err := a.mgr.Load()
		if err != nil {
			return badInput(fmt.Errorf("load config: %w", err))
		}
		a.cfg = cfg
	} else {
		a.cfg = &config.Config{}
		config.ApplyEnvDefaults(a.cfg)
	}

	lc := logx.Config{
		Level:   a.cfg.Logging.Level,
		Console: a.cfg.Logging.Console || a.cfg.Logging.Level == "",
		File: logx.FileConfig{
			Enabled: a.cfg.Logging.File.Enabled,
			Path:    a.cfg.Logging.File.Path,
		},
	}
	if a.logLevel != "" {
		lc.Level = a.logLevel
	}
	if a.logFile != "" {
		lc.File = logx.FileConfig{Enabled: true, Path: a.logFile}
	}
	if a.quiet {
		lc.Level = "error"
	}

	svc, log := logx.New(lc)
	a.logSvc = svc
	a.log = log
	if a.mgr != nil {
		a.mgr.SetLogger(log)
	}
	return nil
}

func (a *app) close() {
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
}

// loopOptions maps the config's loop section onto loop.Options.
func (a *app) loopOptions() (loop.Options, error) {
	lc := a.cfg.Loop
	delay, err := config.ParseDurationOrDefault("loop.iteration_delay", lc.IterationDelay, 2*time.Second)
	if err != nil {
		return loop.Options{}, badInput(err)
	}
	stale, err := config.ParseDurationOrDefault("loop.lock_stale_after", lc.LockStaleAfter, 10*time.Minute)
	if err != nil {
		return loop.Options{}, badInput(err)
	}
	heartbeat, err := config.ParseDurationOrDefault("loop.heartbeat_interval", lc.HeartbeatInterval, 30*time.Second)
	if err != nil {
		return loop.Options{}, badInput(err)
	}

	// 0 or unset means unlimited: the completion marker, the failure
	// streak, and the operator are the stop conditions.
	maxIter := lc.MaxIterations
	if maxIter < 0 {
		maxIter = 0
	}
	return loop.Options{
		MaxIterations:  maxIter,
		IterationDelay: delay,
		ProgressEvery:  lc.ProgressEvery,
		FailureStreak:  lc.FailureStreak,
		LockDir:        lc.LockDir,
		LockStaleAfter: stale,
		Heartbeat:      heartbeat,
	}, nil
}

// invoker builds the worker invoker from config.
func (a *app) invoker() (*loop.ExecInvoker, error) {
	lc := a.cfg.Loop
	timeout, err := config.ParseDurationField("loop.worker_timeout", lc.WorkerTimeout)
	if err != nil {
		return nil, badInput(err)
	}
	return &loop.ExecInvoker{
		Command: lc.WorkerCommand,
		Args:    lc.WorkerArgs,
		Timeout: timeout,
		Log:     a.log.With(logx.String("comp", "worker")),
	}, nil
}

// notifyConfig maps the config's notify section onto dispatcher tunables.
func notifyConfig(cfg *config.Config, secrets []string) (notify.Config, error) {
	nc := cfg.Notify
	out := notify.Config{
		RateMax:   nc.RateMax,
		BatchMax:  nc.BatchMax,
		RetryMax:  nc.RetryMax,
		QueueSize: nc.QueueSize,
		Secrets:   secrets,
	}

	var err error
	if out.RateWindow, err = config.ParseDurationField("notify.rate_window", nc.RateWindow); err != nil {
		return out, badInput(err)
	}
	if out.BatchDelay, err = config.ParseDurationField("notify.batch_delay", nc.BatchDelay); err != nil {
		return out, badInput(err)
	}
	if out.RetryBase, err = config.ParseDurationField("notify.retry_base", nc.RetryBase); err != nil {
		return out, badInput(err)
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notify.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return out, badInput(err)
	}
	if out.SendTimeout, err = config.ParseDurationField("notify.send_timeout", nc.SendTimeout); err != nil {
		return out, badInput(err)
	}
	if nc.DigestSchedule != "" {
		spec, err := sched.Parse(nc.DigestSchedule)
		if err != nil {
			return out, badInput(fmt.Errorf("notify.digest_schedule: %w", err))
		}
		out.DigestSchedule = &spec
	}
	return out, nil
}

// channelConfig maps the config's channel section for the registry.
func channelConfig(cfg *config.Config) (channel.Config, error) {
	ch := cfg.Notify.Channels
	scriptTimeout, err := config.ParseDurationField("notify.channels.script.timeout", ch.Script.Timeout)
	if err != nil {
		return channel.Config{}, badInput(err)
	}
	return channel.Config{
		SlackWebhookURL:   ch.SlackWebhookURL,
		DiscordWebhookURL: ch.DiscordWebhookURL,
		TelegramToken:     ch.Telegram.Token,
		TelegramChatID:    ch.Telegram.ChatID,
		Email: channel.EmailConfig{
			Transport: ch.Email.Transport,
			From:      ch.Email.From,
			To:        ch.Email.To,
			Subject:   ch.Email.Subject,
			SMTPAddr:  ch.Email.SMTPAddr,
			SMTPUser:  ch.Email.SMTPUser,
			SMTPPass:  ch.Email.SMTPPass,
			APIKey:    ch.Email.APIKey,
			Domain:    ch.Email.Domain,
		},
		ScriptPath:    ch.Script.Path,
		ScriptTimeout: scriptTimeout,
	}, nil
}
