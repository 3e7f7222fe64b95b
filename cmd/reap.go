package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/palcome/scoring-worker/internal/queue"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Return stale running jobs to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		co := queue.NewCoordinator(st, zap.L())
		n, err := co.Reap(ctx, leaseTimeout())
		if err != nil {
			return err
		}

		fmt.Printf("reaped %d stale job(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reapCmd)
}
