package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ralph/internal/lock"
	"ralph/internal/plan"
)

func newUnlockCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "unlock <plan.md>",
		Short: "Remove a plan's lock file after its owner died",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := plan.Resolve(args[0])
			if err != nil {
				return badInput(err)
			}
			lockPath := id.LockPath(a.cfg.Loop.LockDir)

			rec, lerr := lock.Read(lockPath)
			if os.IsNotExist(lerr) {
				fmt.Println("no lock to remove")
				return nil
			}
			if lerr == nil && lock.Alive(rec.OwnerPID) && !force {
				return fmt.Errorf("lock is held by a live process (%s); use --force to override", lock.Describe(rec))
			}

			if err := lock.ForceRelease(lockPath); err != nil {
				return fmt.Errorf("remove lock: %w", err)
			}
			fmt.Println("lock removed")
			return nil
		},
		Args: cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove the lock even if its owner is alive")
	return cmd
}
