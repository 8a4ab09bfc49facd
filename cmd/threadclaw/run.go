package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/threadclaw/internal/channels"
	"github.com/basket/threadclaw/internal/config"
	"github.com/basket/threadclaw/internal/cron"
	"github.com/basket/threadclaw/internal/gateway"
	"github.com/basket/threadclaw/internal/observability"
	"github.com/basket/threadclaw/internal/policy"
	"github.com/basket/threadclaw/internal/recovery"
)

func newRunCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon: intake, approvals, workers, gateway and maintenance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
}

func newOnceCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Recover, poll intake once, run queued tasks until idle, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), opts)
		},
	}
}

// startRecovery runs crash recovery, re-posts approval requests that were
// never delivered and flushes reports that a previous process never sent.
// It must finish before any worker starts.
func startRecovery(ctx context.Context, a *app, rt *runtime) error {
	if err := a.claimDatabase(); err != nil {
		return err
	}
	res, err := recovery.Run(ctx, a.store, a.logger)
	if err != nil {
		return fatalStartup(a.logger, "E_TASK_RECOVERY", exitFailure, err)
	}
	resubmitted, err := recovery.ResumeApprovals(ctx, a.store, rt.approvals, a.logger)
	if err != nil {
		a.logger.Warn("approval resume failed", "error", err)
	}
	flushed, err := recovery.FlushReports(ctx, a.store, rt.reporter, a.logger)
	if err != nil {
		a.logger.Warn("report flush failed", "error", err)
	}
	a.logger.Info("startup phase", "phase", "recovery_completed",
		"aborted", len(res.Aborted),
		"locks_cleared", res.LocksCleared,
		"approvals_resubmitted", resubmitted,
		"reports_flushed", flushed,
	)
	return nil
}

func logStartup(a *app, rt *runtime, mode string) {
	a.logger.Info("startup",
		"event", "startup",
		"mode", mode,
		"version", Version,
		"source", rt.source.Name(),
		"config_fingerprint", a.cfg.Fingerprint(),
		"policy_version", a.policy.PolicyVersion(),
		"dry_run", a.cfg.DryRun,
		"workers", a.cfg.Dispatcher.WorkerCount,
		"approval_mode", a.cfg.Approval.Mode,
	)
}

func runDaemon(ctx context.Context, opts *globalOptions) error {
	a, err := bootstrap(ctx, bootstrapOptions{quiet: opts.quiet, strict: true})
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	rt, err := a.buildRuntime(ctx)
	if err != nil {
		return err
	}
	logStartup(a, rt, "run")
	if err := startRecovery(ctx, a, rt); err != nil {
		return err
	}

	// runCtx stops workers, intake and the side services together, whether
	// on a signal or on a fatal source error. Running tasks are not
	// canceled by it.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	prom := observability.NewMetrics()
	go observability.NewRecorder(prom, a.store, a.bus, logger.With("component", "metrics")).Run(runCtx)

	watchConfig(runCtx, a)

	sched := cron.NewScheduler(cron.Config{Store: a.store, Logger: logger.With("component", "cron")})
	for _, job := range cron.MaintenanceJobs(a.cfg, a.store, rt.downloader, logger.With("component", "maintenance")) {
		if err := sched.Add(job); err != nil {
			return fatalStartup(logger, "E_CRON_INIT", exitConfig, err)
		}
	}
	sched.Start(runCtx)
	defer sched.Stop()

	gatewayErr := make(chan error, 1)
	gatewayRunning := false
	if addr := a.cfg.Gateway.Addr; addr != "" {
		limiter := gateway.NewRateLimiter(a.cfg.Gateway.RateLimitPerMinute, a.cfg.Gateway.RateLimitBurst)
		limiter.StartEviction(runCtx, time.Minute, 10*time.Minute)
		gw := gateway.New(gateway.Config{
			Store:             a.store,
			Approvals:         rt.processor,
			Status:            rt.dispatcher.Status,
			Metrics:           prom.Handler(),
			Policy:            a.policy,
			AuthToken:         a.cfg.Gateway.AuthToken,
			RateLimiter:       limiter,
			ConfigFingerprint: a.cfg.Fingerprint(),
			Logger:            logger.With("component", "gateway"),
			Tracer:            a.tracer(),
		})
		gatewayRunning = true
		go func() { gatewayErr <- gw.Serve(runCtx, addr) }()
	}

	rt.dispatcher.Start(runCtx)
	logger.Info("startup phase", "phase", "workers_started")

	sourceErr := make(chan error, 1)
	go func() { sourceErr <- rt.source.Run(runCtx, rt.processor) }()

	var exitErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-sourceErr:
		if err != nil {
			exitErr = sourceFailure(a, err)
		}
	case err := <-gatewayErr:
		gatewayRunning = false
		if err != nil {
			logger.Error("gateway stopped", "error", err)
			exitErr = &exitError{code: exitFailure, reason: "E_GATEWAY", err: err}
		}
	}
	cancel()
	rt.dispatcher.Drain(a.cfg.DrainTimeout())
	if gatewayRunning {
		if err := <-gatewayErr; err != nil {
			logger.Warn("gateway shutdown", "error", err)
		}
	}
	logger.Info("shutdown complete", "event", "cycle_finished", "status", rt.dispatcher.Status())
	return exitErr
}

func sourceFailure(a *app, err error) error {
	if channels.IsAuthError(err) {
		return fatalStartup(a.logger, "E_CHANNEL_AUTH", exitAuth, err)
	}
	a.logger.Error("intake source stopped", "error", err)
	return &exitError{code: exitFailure, reason: "E_INTAKE", err: err}
}

// watchConfig hot-reloads policy.yaml. A config.yaml change only warns,
// since most settings are bound at startup.
func watchConfig(ctx context.Context, a *app) {
	w := config.NewWatcher(a.cfg.HomeDir, a.logger.With("component", "watcher"))
	if err := w.Start(ctx); err != nil {
		a.logger.Warn("config watcher unavailable", "error", err)
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events():
				if !ok {
					return
				}
				if !ev.IsPolicy() {
					a.logger.Warn("config.yaml changed; restart to apply", "path", ev.Path)
					continue
				}
				before := a.policy.PolicyVersion()
				if err := policy.ReloadFromFile(a.policy, ev.Path); err != nil {
					a.logger.Error("policy reload failed, keeping previous policy", "error", err, "policy_version", before)
					continue
				}
				a.logger.Info("policy reloaded", "from", before, "to", a.policy.PolicyVersion())
			}
		}
	}()
}

func runOnce(ctx context.Context, opts *globalOptions) error {
	a, err := bootstrap(ctx, bootstrapOptions{quiet: opts.quiet, strict: true})
	if err != nil {
		return err
	}
	defer a.Close()

	rt, err := a.buildRuntime(ctx)
	if err != nil {
		return err
	}
	logStartup(a, rt, "once")
	if err := startRecovery(ctx, a, rt); err != nil {
		return err
	}

	if err := rt.source.PollOnce(ctx, rt.processor); err != nil {
		if channels.IsAuthError(err) {
			return fatalStartup(a.logger, "E_CHANNEL_AUTH", exitAuth, err)
		}
		if !errors.Is(err, context.Canceled) {
			a.logger.Error("intake poll failed", "error", err)
		}
	}
	ran, err := rt.dispatcher.RunUntilIdle(ctx)
	a.logger.Info("cycle finished", "event", "cycle_finished", "tasks_run", ran)
	return err
}
