package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRoot builds the ralph command tree.
func NewRoot() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "ralph",
		Short: "Autonomous task-loop controller",
		Long: `ralph drives an external AI worker against a plan file, iteration by
iteration, until the worker marks the plan complete. Progress is tracked
in a worker-maintained progress file; runs are serialized per plan via a
lock file, and loop events fan out to the configured notification
channels (Slack, Discord, Telegram, email, script).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (JSON or YAML)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level (trace|debug|info|warn|error)")
	pf.StringVar(&a.logFile, "log-file", "", "also log to this file")
	pf.BoolVar(&a.quiet, "quiet", false, "suppress all output except errors")

	root.AddCommand(
		newRunCmd(a),
		newPlanCmd(a),
		newStatusCmd(a),
		newUnlockCmd(a),
		newNotifyCmd(a),
		newHistoryCmd(a),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context) int {
	root := NewRoot()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ralph:", err)
		return ExitCode(err)
	}
	return ExitOK
}
