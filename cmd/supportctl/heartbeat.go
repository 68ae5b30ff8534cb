package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var heartbeatEvery time.Duration

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Mark an agent online without opening a push connection",
	Long: `Send an agent heartbeat over HTTP. With --every the heartbeat repeats
until interrupted; agents go offline two minutes after the last one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireAdmin(); err != nil {
			return err
		}
		ctx := cmd.Context()
		a := newAPI()
		for {
			if err := a.Heartbeat(ctx, adminID); err != nil {
				return err
			}
			online, err := a.OnlineAdmins(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s heartbeat sent, %d agents online\n",
				timestampStyle.Render(time.Now().Format("15:04:05")), len(online))
			if heartbeatEvery <= 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(heartbeatEvery):
			}
		}
	},
}

func init() {
	heartbeatCmd.Flags().StringVar(&adminID, "admin", os.Getenv("SUPPORT_ADMIN_ID"), "Your agent id (env SUPPORT_ADMIN_ID)")
	heartbeatCmd.Flags().DurationVar(&heartbeatEvery, "every", 0, "Repeat at this interval, e.g. 30s")
	rootCmd.AddCommand(heartbeatCmd)
}
