package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/palcome/scoring-worker/internal/model"
	"github.com/palcome/scoring-worker/internal/pipeline"
	"github.com/palcome/scoring-worker/internal/queue"
	"github.com/palcome/scoring-worker/pkg/openaiapi"
)

var (
	workOnce     bool
	workInterval int
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Poll the queue and process scoring jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		if cfg.LLM.Key == "" {
			return eris.New("llm key is required (PALCOME_LLM_KEY)")
		}
		llmOpts := []openaiapi.Option{
			openaiapi.WithBaseURL(cfg.LLM.BaseURL),
			openaiapi.WithModel(cfg.LLM.Model),
		}
		if cfg.LLM.RequestsPerSecond > 0 {
			llmOpts = append(llmOpts, openaiapi.WithRequestsPerSecond(cfg.LLM.RequestsPerSecond))
		}
		llm := openaiapi.NewClient(cfg.LLM.Key, llmOpts...)

		co := queue.NewCoordinator(st, zap.L())
		runner := pipeline.NewRunner(co, llm, zap.L())

		interval := time.Duration(workInterval) * time.Second
		if workInterval <= 0 {
			interval = time.Duration(cfg.Worker.PollIntervalSecs) * time.Second
		}

		zap.L().Info("worker started",
			zap.String("store", cfg.Store.Driver),
			zap.String("model", cfg.LLM.Model),
			zap.Duration("poll_interval", interval),
			zap.Bool("once", workOnce),
		)

		for {
			processed := tick(ctx, co, runner)

			if workOnce {
				return nil
			}
			if ctx.Err() != nil {
				zap.L().Info("worker stopping")
				return nil
			}
			// Back-to-back jobs drain the queue without sleeping; the
			// interval only applies to an empty poll.
			if !processed {
				select {
				case <-ctx.Done():
					zap.L().Info("worker stopping")
					return nil
				case <-time.After(interval):
				}
			}
		}
	},
}

// tick runs one poll cycle: reap stale leases, claim at most one job, and
// process it to a terminal status. Returns whether a job was processed.
func tick(ctx context.Context, co *queue.Coordinator, runner *pipeline.Runner) bool {
	if _, err := co.Reap(ctx, leaseTimeout()); err != nil {
		zap.L().Error("reap failed", zap.Error(err))
	}

	job, err := co.Claim(ctx)
	if err != nil {
		zap.L().Error("claim failed", zap.Error(err))
		return false
	}
	if job == nil {
		return false
	}

	processJob(ctx, co, runner, job)
	return true
}

// processJob runs the pipeline for one job. A panic is contained here: the
// job is marked failed and the loop keeps polling.
func processJob(ctx context.Context, co *queue.Coordinator, runner *pipeline.Runner, job *model.Job) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("panic while processing job",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			if err := co.SetError(ctx, job.ID, pipeline.ErrorCodeJobFailed, map[string]any{
				"message": eris.Errorf("panic: %v", r).Error(),
			}); err != nil {
				zap.L().Error("could not persist panic failure", zap.Error(err))
			}
		}
	}()

	if err := runner.Run(ctx, job); err != nil {
		zap.L().Error("job failed",
			zap.String("job_id", job.ID),
			zap.String("error", eris.ToString(err, true)),
		)
	}
}

func init() {
	workCmd.Flags().BoolVar(&workOnce, "once", false, "run a single poll cycle and exit")
	workCmd.Flags().IntVar(&workInterval, "interval", 0, "seconds between empty polls (default from config)")
	rootCmd.AddCommand(workCmd)
}
