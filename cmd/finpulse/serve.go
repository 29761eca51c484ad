package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/finpulse/finpulse/internal/httpapi"
	"github.com/finpulse/finpulse/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and admin API",
		Long:  "Starts the cron scheduler and the HTTP admin surface, and runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	a, err := buildApp(ctx, flagConfig)
	if err != nil {
		return err
	}
	defer a.close()

	var sched *scheduler.Scheduler
	var jobs httpapi.JobManager
	if a.cfg.Scheduler.Enabled {
		sched = scheduler.New(a.pipeline, a.quotas, a.runConfig(), a.cfg.Scheduler.StateDir)
		if err := sched.Start(); err != nil {
			return err
		}
		jobs = sched
	} else {
		log.Info().Msg("scheduler disabled, serving admin API only")
	}

	server := httpapi.New(httpapi.Config{
		Addr:         a.cfg.HTTP.Addr,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}, a.pipeline, jobs, a.quotas, a.limiter, a.httpClient, a.metrics, a.runConfig())

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	if sched != nil {
		sched.Stop()
	}
	a.pipeline.Cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("admin API shutdown timed out")
	}
	return nil
}
