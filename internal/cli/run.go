package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ralph/internal/config"
	"ralph/internal/eventbus"
	"ralph/internal/journal"
	"ralph/internal/loop"
	"ralph/internal/notify"
	"ralph/internal/notify/channel"
	"ralph/internal/plan"
	rtsup "ralph/internal/runtime/supervisor"
	logx "ralph/pkg/logx"
)

func newRunCmd(a *app) *cobra.Command {
	var maxIterations int
	cmd := &cobra.Command{
		Use:   "run <plan.md>",
		Short: "Run the build loop until the plan is complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLoop(cmd.Context(), args[0], loop.ModeBuild, maxIterations)
		},
	}
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration cap for this run (0 = config value, -1 = unlimited)")
	return cmd
}

func newPlanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <plan.md>",
		Short: "Run a single planning pass (no implementation work)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLoop(cmd.Context(), args[0], loop.ModePlan, 0)
		},
	}
}

// runLoop is the composition root for run/plan: plan identity, channel
// registry, dispatcher, journal recorder, config watcher, controller.
func (a *app) runLoop(ctx context.Context, planPath string, mode loop.Mode, maxIterations int) error {
	id, err := plan.Resolve(planPath)
	if err != nil {
		return badInput(err)
	}

	chCfg, err := channelConfig(a.cfg)
	if err != nil {
		return err
	}
	channels, secrets := channel.Build(chCfg, a.log)
	ncfg, err := notifyConfig(a.cfg, secrets)
	if err != nil {
		return err
	}
	opts, err := a.loopOptions()
	if err != nil {
		return err
	}
	inv, err := a.invoker()
	if err != nil {
		return err
	}

	var store journal.Store
	if a.cfg.Journal != nil {
		busy, derr := config.ParseDurationField("journal.busy_timeout", a.cfg.Journal.BusyTimeout)
		if derr != nil {
			return badInput(derr)
		}
		store, err = journal.Open(journal.Config{
			Driver:      a.cfg.Journal.Driver,
			Path:        a.cfg.Journal.Path,
			BusyTimeout: busy,
		}, a.log)
		if err != nil {
			return badInput(fmt.Errorf("open journal: %w", err))
		}
	}
	if store != nil {
		defer func() { _ = store.Close() }()
	}

	bus := eventbus.New()
	dispatcher := notify.New(ncfg, channels, a.log, bus)
	dispatcher.Start(ctx)

	// Detached from the signal context: the recorder has to keep journaling
	// delivery reports while the dispatcher drains after a cancelled run.
	// Stopped explicitly once Close returns.
	sup := rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	sup.Go0("journal.record", func(c context.Context) {
		journal.Record(c, bus, store, a.log)
	})
	if a.mgr != nil {
		a.watchConfig(sup, dispatcher, secrets)
	}

	ctrl := loop.New(inv, dispatcher, bus, a.log, opts)
	res, runErr := ctrl.Run(ctx, id, mode, maxIterations)

	// Pending digests and in-flight sends go out before the process ends,
	// bounded so a dead webhook cannot hang shutdown.
	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	dispatcher.Close(closeCtx)
	cancel()
	sup.Cancel()
	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = sup.Wait(waitCtx)
	cancel()

	if !a.quiet {
		fmt.Printf("run %s: %s after %d iteration(s)\n", res.RunID, res.Outcome, res.Iterations)
	}
	if runErr != nil && errors.Is(runErr, context.Canceled) {
		a.log.Info("run cancelled by operator")
	}
	return runErr
}

// watchConfig reloads the config file while the loop runs and re-applies
// the live-adjustable notify tunables.
func (a *app) watchConfig(sup *rtsup.Supervisor, dispatcher *notify.Dispatcher, secrets []string) {
	sub := a.mgr.Subscribe(2)
	sup.GoRestart("config.watch", func(c context.Context) error {
		return a.mgr.Watch(c)
	})
	sup.Go0("config.apply", func(c context.Context) {
		defer a.mgr.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				ncfg, err := notifyConfig(cfg, secrets)
				if err != nil {
					a.log.Warn("reloaded notify tunables rejected", logx.Err(err))
					continue
				}
				dispatcher.Apply(ncfg)
				a.log.Info("notify tunables reloaded",
					logx.Int("rate_max", ncfg.RateMax),
					logx.Int("retry_max", ncfg.RetryMax))
			}
		}
	})
}
