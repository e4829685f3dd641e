package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Abandon idle sessions once and exit",
	Long:  `Runs a single expiry pass: every active session idle for longer than the threshold is abandoned.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stack, err := openStack(cmd)
		if err != nil {
			return err
		}
		defer stack.Close()

		threshold := stack.Config.Sweeper.IdleThreshold
		if cmd.Flags().Changed("idle-threshold") {
			threshold, _ = cmd.Flags().GetDuration("idle-threshold")
		}
		n, err := stack.Sweeper.Sweep(cmd.Context(), threshold)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Abandoned %d idle session(s) (threshold %s)\n", n, threshold)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().Duration("idle-threshold", 0, "Idle time after which a session is abandoned (overrides sweeper.idle_threshold)")
}
