package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ralph/internal/notify"
	"ralph/internal/notify/channel"
)

func newNotifyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Notification utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Send a synthetic event through every configured channel",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			chCfg, err := channelConfig(a.cfg)
			if err != nil {
				return err
			}
			channels, secrets := channel.Build(chCfg, a.log)
			ncfg, err := notifyConfig(a.cfg, secrets)
			if err != nil {
				return err
			}

			d := notify.New(ncfg, channels, a.log, nil)
			if err := d.Test(c.Context()); err != nil {
				return err
			}
			if !a.quiet {
				fmt.Printf("test event delivered (channels: %v)\n", d.Channels())
			}
			return nil
		},
	})
	return cmd
}
