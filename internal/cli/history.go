package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ralph/internal/config"
	"ralph/internal/journal"
)

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent delivery journal entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Journal == nil {
				fmt.Println("journal is not configured")
				return nil
			}
			busy, err := config.ParseDurationField("journal.busy_timeout", a.cfg.Journal.BusyTimeout)
			if err != nil {
				return badInput(err)
			}
			store, err := journal.Open(journal.Config{
				Driver:      a.cfg.Journal.Driver,
				Path:        a.cfg.Journal.Path,
				BusyTimeout: busy,
			}, a.log)
			if err != nil {
				return badInput(fmt.Errorf("open journal: %w", err))
			}
			if store == nil {
				fmt.Println("journal is disabled")
				return nil
			}
			defer func() { _ = store.Close() }()

			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}
			if len(entries) == 0 {
				fmt.Println("no deliveries recorded")
				return nil
			}
			for _, e := range entries {
				line := fmt.Sprintf("%-14s %-10s %-9s %-8s attempts=%d %dms",
					humanize.Time(e.At), e.Channel, e.Severity, e.Outcome, e.Attempts, e.TookMS)
				if e.Error != "" {
					line += "  " + e.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")
	return cmd
}
