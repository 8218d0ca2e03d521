// cmd/cron runs the periodic passes from the command line, either once per
// invocation for an external scheduler or continuously with "serve".
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/app"
	"github.com/unclebandit/broadcast-pipeline/internal/config"
	"github.com/unclebandit/broadcast-pipeline/internal/cronjob"
	"github.com/unclebandit/broadcast-pipeline/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type bootstrap func(ctx context.Context, cfg config.Config, log *zap.Logger) (*app.App, error)

func defaultBootstrap(ctx context.Context, cfg config.Config, log *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, log)
}

func newRootCmd() *cobra.Command {
	return buildRootCmd(config.Load, defaultBootstrap)
}

func buildRootCmd(load func() config.Config, boot bootstrap) *cobra.Command {
	root := &cobra.Command{
		Use:          "cron",
		Short:        "Run the broadcast scheduler and webhook ingestion passes",
		SilenceUsage: true,
	}

	withApp := func(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
		cfg := load()
		log, err := logger.New(cfg.LogLevel, cfg.AppName+"-cron")
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := boot(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a)
	}

	printResult := func(cmd *cobra.Command, v any, failure string) error {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return err
		}
		if failure != "" {
			return errors.New(failure)
		}
		return nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "send-broadcasts",
		Short: "Claim one queued broadcast and dispatch its pending contacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res := a.Scheduler.RunOnce(ctx)
				return printResult(cmd, res, res.Error)
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "process-webhooks",
		Short: "Process one batch of stored webhook events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res := a.Ingestor.RunOnce(ctx)
				return printResult(cmd, res, res.Error)
			})
		},
	})

	var schedule string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run both passes on a schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if schedule != "" {
					a.Config.CronSchedule = schedule
				}
				runner := cronjob.New(a.Log)
				if err := a.Schedule(runner); err != nil {
					return err
				}
				runner.Start()
				fmt.Fprintf(cmd.OutOrStdout(), "cron running with schedule %q\n", a.Config.CronSchedule)

				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				runner.Stop(stopCtx)
				return nil
			})
		},
	}
	serve.Flags().StringVar(&schedule, "schedule", "", "cron spec overriding CRON_SCHEDULE")
	root.AddCommand(serve)

	return root
}
