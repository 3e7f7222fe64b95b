package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	enqueueBrand   string
	enqueueProduct string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Add a pending scoring job for a product",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if enqueueBrand == "" || enqueueProduct == "" {
			return eris.New("--brand and --product are required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		job, err := st.InsertJob(ctx, enqueueBrand, enqueueProduct)
		if err != nil {
			return err
		}

		zap.L().Info("job enqueued",
			zap.String("job_id", job.ID),
			zap.String("brand", job.BrandName),
			zap.String("product", job.ProductName),
		)
		fmt.Println(job.ID)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueBrand, "brand", "", "brand name")
	enqueueCmd.Flags().StringVar(&enqueueProduct, "product", "", "product name")
	rootCmd.AddCommand(enqueueCmd)
}
