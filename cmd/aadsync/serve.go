package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unicef/INVENT/internal/aadsync"
	"github.com/unicef/INVENT/internal/config"
	"github.com/unicef/INVENT/internal/httpapi"
	"github.com/unicef/INVENT/internal/jobqueue"
	"github.com/unicef/INVENT/internal/logging"
	"github.com/unicef/INVENT/internal/userstore"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, the job workers and the scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "HTTP listen address (overrides http.addr)",
			},
		},
		Action: command(runServe),
	}
}

func runServe(c *cli.Context, env *environment) error {
	cfg := env.cfg
	if c.IsSet("addr") {
		cfg.HTTP.Addr = c.String("addr")
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	events := aadsync.NewBroker()
	syncer, err := env.buildSyncer(ctx, registry, events)
	if err != nil {
		return err
	}

	_, queueDSN, err := cfg.ResolveDSNs()
	if err != nil {
		return err
	}
	queue, err := jobqueue.BuildQueueFromDSN(queueDSN, cfg.Queue.Capacity)
	if err != nil {
		return fmt.Errorf("open job queue: %w", err)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			env.logger.Warn("close job queue", zap.Error(err))
		}
	}()

	pool, err := jobqueue.NewPool(queue, syncHandler(syncer, env.logger), jobqueue.PoolOptions{
		Workers:     cfg.Worker.Count,
		MaxAttempts: cfg.Worker.MaxAttempts,
		RetryDelay:  cfg.Worker.RetryDelay,
		Logger:      env.logger,
		Metrics:     jobqueue.NewMetrics(registry, queue),
	})
	if err != nil {
		return err
	}
	scheduler, err := jobqueue.NewScheduler(queue, jobqueue.SchedulerOptions{
		DailyAt:  cfg.Schedule.DailyAt,
		Interval: cfg.Schedule.Interval,
		Jitter:   cfg.Schedule.Jitter,
		Logger:   env.logger,
	})
	if err != nil {
		return err
	}

	api := httpapi.NewServerWithConfig(env.store, queue, httpapi.ServerConfig{
		JWTSecret:      cfg.Auth.JWTSecret,
		RateLimit:      cfg.HTTP.RateLimit,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
		Events:         events,
		Gatherer:       registry,
		Logger:         env.logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	pool.Start()
	defer pool.Stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		env.logger.Info("http api listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		api.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return scheduler.Run(groupCtx)
	})
	if env.loader.FilePath() != "" {
		watcher, err := config.NewWatcher(env.loader, reloadHandler(syncer, env), env.logger)
		if err != nil {
			return err
		}
		group.Go(func() error {
			return watcher.Run(groupCtx)
		})
	}

	err = group.Wait()
	env.logger.Info("shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// syncHandler runs one directory sync per job. A run refused because another
// one holds the lock is not retried; the holder will pick up the same pages.
func syncHandler(syncer *aadsync.Syncer, logger *zap.Logger) jobqueue.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, job jobqueue.Job) error {
		report, err := syncer.Run(ctx, aadsync.RunRequest{
			MaxUsers: job.MaxUsers,
			Trigger:  job.Reason,
			RunID:    job.ID,
		})
		switch {
		case errors.Is(err, userstore.ErrLocked):
			logger.Info("sync already running, dropping job", zap.String("job_id", job.ID))
			return fmt.Errorf("%w: %v", jobqueue.ErrPermanent, err)
		case err != nil:
			return err
		}
		logger.Debug("sync job finished",
			zap.String("job_id", job.ID),
			zap.String("stop_reason", string(report.StopReason)),
		)
		return nil
	}
}

// reloadHandler applies the settings that can change without a restart.
func reloadHandler(syncer *aadsync.Syncer, env *environment) func(config.Config) {
	return func(cfg config.Config) {
		syncer.SetDefaultMaxUsers(cfg.Sync.MaxUsers)
		syncer.SetAllowedDomains(cfg.Sync.AllowedDomains)
		if err := logging.SetLevel(env.level, cfg.Log.Level); err != nil {
			env.logger.Warn("ignoring log level", zap.Error(err))
		}
		env.logger.Info("configuration reloaded",
			zap.Int("max_users", cfg.Sync.MaxUsers),
			zap.Strings("allowed_domains", cfg.Sync.AllowedDomains),
			zap.String("log_level", cfg.Log.Level),
		)
	}
}
