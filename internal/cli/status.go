package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ralph/internal/lock"
	"ralph/internal/plan"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <plan.md>",
		Short: "Show lock ownership and progress for a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := plan.Resolve(args[0])
			if err != nil {
				return badInput(err)
			}

			fmt.Printf("plan:     %s\n", id.CanonicalPath)
			fmt.Printf("key:      %s\n", id.Key)

			lockPath := id.LockPath(a.cfg.Loop.LockDir)
			rec, lerr := lock.Read(lockPath)
			switch {
			case os.IsNotExist(lerr):
				fmt.Println("lock:     free")
			case lerr != nil:
				fmt.Printf("lock:     unreadable (%v)\n", lerr)
			default:
				fmt.Printf("lock:     held by %s\n", lock.Describe(rec))
			}

			p, perr := plan.ReadProgress(id.ProgressPath())
			if perr != nil {
				return fmt.Errorf("read progress: %w", perr)
			}
			fmt.Printf("status:   %s\n", p.Status)
			fmt.Printf("tasks:    %d/%d complete\n", p.CompletedTasks(), len(p.Tasks))
			if p.Iteration > 0 {
				fmt.Printf("iteration: %d\n", p.Iteration)
			}
			if p.MarkerFound {
				fmt.Println("marker:   found (plan complete)")
			}
			return nil
		},
	}
}
