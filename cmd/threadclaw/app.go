package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/threadclaw/internal/approval"
	"github.com/basket/threadclaw/internal/attachments"
	"github.com/basket/threadclaw/internal/audit"
	"github.com/basket/threadclaw/internal/bus"
	"github.com/basket/threadclaw/internal/channels"
	"github.com/basket/threadclaw/internal/config"
	"github.com/basket/threadclaw/internal/decider"
	"github.com/basket/threadclaw/internal/dispatcher"
	"github.com/basket/threadclaw/internal/executor"
	"github.com/basket/threadclaw/internal/intake"
	tcotel "github.com/basket/threadclaw/internal/otel"
	"github.com/basket/threadclaw/internal/persistence"
	"github.com/basket/threadclaw/internal/policy"
	"github.com/basket/threadclaw/internal/report"
	"github.com/basket/threadclaw/internal/telemetry"
)

// app holds the process-wide pieces every command shares.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	store   *persistence.Store
	policy  *policy.LivePolicy
	otel    *tcotel.Provider
	metrics *tcotel.Metrics

	closers []func()
}

type bootstrapOptions struct {
	quiet bool
	// strict fails on an invalid config. Local inspection commands only
	// need the home directory and database, so they tolerate it.
	strict bool
}

func bootstrap(ctx context.Context, opts bootstrapOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		if opts.strict || !errors.Is(err, config.ErrInvalid) || cfg.HomeDir == "" {
			return nil, fatalStartup(nil, "E_CONFIG_LOAD", exitConfig, err)
		}
	}

	a := &app{cfg: cfg}
	fail := func(logger *slog.Logger, reason string, code int, cause error) error {
		e := fatalStartup(logger, reason, code, cause)
		a.Close()
		return e
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fatalStartup(nil, "E_AUDIT_INIT", exitFailure, err)
	}
	a.closers = append(a.closers, func() { _ = audit.Close() })

	logger, closer, lerr := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quiet)
	if lerr != nil {
		return nil, fail(nil, "E_LOGGER_INIT", exitFailure, lerr)
	}
	a.closers = append(a.closers, func() { _ = closer.Close() })
	slog.SetDefault(logger)
	a.logger = logger
	if err != nil {
		logger.Warn("config invalid, continuing for local command", "error", err)
	}

	a.bus = bus.New()
	store, err := persistence.Open(a.dbPath(), a.bus)
	if err != nil {
		return nil, fail(logger, "E_STORE_OPEN", exitFailure, err)
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })
	audit.SetDB(store.DB())

	policyPath := config.PolicyPath(cfg.HomeDir)
	pol, err := policy.Load(policyPath)
	if err != nil {
		return nil, fail(logger, "E_POLICY_LOAD", exitConfig, err)
	}
	a.policy = policy.NewLivePolicy(pol, policyPath)

	provider, err := tcotel.Init(ctx, tcotel.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		return nil, fail(logger, "E_OTEL_INIT", exitConfig, err)
	}
	a.otel = provider
	a.closers = append(a.closers, func() { _ = provider.Shutdown(context.Background()) })
	if a.metrics, err = tcotel.NewMetrics(provider.Meter); err != nil {
		logger.Warn("otel metrics unavailable", "error", err)
		a.metrics = nil
	}
	return a, nil
}

func (a *app) dbPath() string {
	if a.cfg.DBPath != "" {
		return a.cfg.DBPath
	}
	return config.DefaultDBPath(a.cfg.HomeDir)
}

// claimDatabase takes the owner lock for commands that abort running
// tasks, so they never run beside a live daemon.
func (a *app) claimDatabase() error {
	owner, err := persistence.AcquireOwner(a.dbPath())
	if errors.Is(err, persistence.ErrOwned) {
		return fatalStartup(a.logger, "E_DB_OWNED", exitFailure, fmt.Errorf("%w; lock file %s", err, persistence.OwnerPath(a.dbPath())))
	}
	if err != nil {
		return fatalStartup(a.logger, "E_DB_OWNED", exitFailure, err)
	}
	a.closers = append(a.closers, func() { _ = owner.Release() })
	return nil
}

func (a *app) tracer() trace.Tracer {
	if a.otel == nil {
		return nil
	}
	return a.otel.Tracer
}

// Close releases resources in reverse acquisition order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// runtime is the task pipeline: intake, approvals, dispatch, reporting.
type runtime struct {
	source     channels.Source
	processor  *intake.Processor
	dispatcher *dispatcher.Dispatcher
	approvals  *approval.Machine
	reporter   report.Reporter
	downloader *attachments.Downloader
}

// platform bundles what a chat platform contributes to the pipeline.
type platform struct {
	source   channels.Source
	notifier approval.Notifier
	reporter report.Reporter
	auth     attachments.Authorizer
}

func (a *app) reportLimits() report.Limits {
	limits := report.DefaultLimits()
	if a.cfg.Report.InputMaxChars > 0 {
		limits.InputMaxChars = a.cfg.Report.InputMaxChars
	}
	if a.cfg.Report.SummaryMaxChars > 0 {
		limits.SummaryMaxChars = a.cfg.Report.SummaryMaxChars
	}
	if a.cfg.Report.DetailsMaxChars > 0 {
		limits.DetailsMaxChars = a.cfg.Report.DetailsMaxChars
	}
	return limits
}

func (a *app) approvalConfig() approval.Config {
	return approval.Config{
		Mode:            a.cfg.Approval.Mode,
		ApproveReaction: a.cfg.Approval.ApproveReaction,
		RejectReaction:  a.cfg.Approval.RejectReaction,
	}
}

// connectPlatform authenticates against the configured chat platform. Auth
// failures exit with exitAuth, anything else with exitIntakeInit.
func (a *app) connectPlatform(ctx context.Context) (platform, error) {
	cfg := a.cfg
	limits := a.reportLimits()
	platformErr := func(err error) error {
		if channels.IsAuthError(err) {
			return fatalStartup(a.logger, "E_CHANNEL_AUTH", exitAuth, err)
		}
		return fatalStartup(a.logger, "E_INTAKE_INIT", exitIntakeInit, err)
	}

	switch cfg.Intake.Source {
	case config.SourceSlackPoll, config.SourceSlackSocket:
		client := channels.NewSlackClient(cfg.Slack.BotToken, cfg.Slack.AppToken, cfg.Slack.APIBase, nil)
		botUserID, err := client.AuthTest(ctx)
		if err != nil {
			return platform{}, platformErr(err)
		}
		if a.cfg.Trigger.BotUserID == "" {
			a.cfg.Trigger.BotUserID = botUserID
		}
		pollCfg := channels.SlackPollConfig{
			ChannelID: cfg.Intake.CommandChannelID,
			BatchSize: cfg.Intake.PollBatchSize,
			Interval:  cfg.PollInterval(),
			Approval:  a.approvalConfig(),
		}
		var src channels.Source = channels.NewSlackPollSource(client, a.store, pollCfg, a.logger)
		if cfg.Intake.Source == config.SourceSlackSocket {
			src = channels.NewSlackSocketSource(client, a.store, pollCfg, a.logger)
		}
		return platform{
			source:   src,
			notifier: channels.SlackNotifier{Client: client},
			reporter: channels.SlackReporter{Client: client, ChannelID: cfg.Intake.ReportChannelID, Limits: limits},
			auth:     attachments.BearerAuth(cfg.Slack.BotToken),
		}, nil

	case config.SourceTelegram:
		bot, err := channels.NewTelegramBot(cfg.Telegram.Token, "")
		if err != nil {
			return platform{}, platformErr(err)
		}
		return platform{
			source:   channels.NewTelegramSource(bot, cfg.Telegram.AllowedIDs, a.store, a.logger),
			notifier: channels.TelegramNotifier{Bot: bot},
			reporter: channels.TelegramReporter{Bot: bot, Limits: limits},
			auth:     attachments.NoAuth{},
		}, nil
	}
	return platform{}, fatalStartup(a.logger, "E_INTAKE_INIT", exitIntakeInit, fmt.Errorf("unknown intake source %q", cfg.Intake.Source))
}

func (a *app) shellBackend(ctx context.Context) (executor.ShellBackend, error) {
	if a.cfg.Executor.ShellBackend != "docker" {
		return executor.HostShell{}, nil
	}
	d := a.cfg.Executor.Docker
	shell, err := executor.NewDockerShell(d.Image, d.MemoryMB, d.Network, a.cfg.AttachmentsDir())
	if err != nil {
		return nil, fatalStartup(a.logger, "E_DOCKER_INIT", exitFailure, err)
	}
	if err := shell.Ping(ctx); err != nil {
		_ = shell.Close()
		return nil, fatalStartup(a.logger, "E_DOCKER_INIT", exitFailure, fmt.Errorf("docker daemon unreachable: %w", err))
	}
	a.closers = append(a.closers, func() { _ = shell.Close() })
	return shell, nil
}

// buildRuntime wires the pipeline on top of the connected platform.
func (a *app) buildRuntime(ctx context.Context) (*runtime, error) {
	plat, err := a.connectPlatform(ctx)
	if err != nil {
		return nil, err
	}
	shell, err := a.shellBackend(ctx)
	if err != nil {
		return nil, err
	}
	cfg := a.cfg

	exec := executor.New(executor.Config{
		DryRun:              cfg.DryRun,
		Workdir:             cfg.Executor.Workdir,
		ResponseInstruction: cfg.Executor.ResponseInstruction,
		Codex:               executor.AgentConfig(cfg.Executor.Codex),
		Claude:              executor.AgentConfig(cfg.Executor.Claude),
		Kimi:                executor.AgentConfig(cfg.Executor.Kimi),
	}, shell, a.logger.With("component", "executor"))

	reporter := report.Multi{report.LogReporter{Logger: a.logger}, plat.reporter}

	disp := dispatcher.New(dispatcher.Config{
		WorkerCount:     cfg.Dispatcher.WorkerCount,
		PollInterval:    cfg.DispatchInterval(),
		TaskTimeout:     cfg.ExecTimeout(),
		ContextMaxChars: cfg.Context.MaxChars,
	}, a.store, exec, reporter, a.logger.With("component", "dispatcher"), a.bus, a.metrics, a.tracer())

	machine := approval.NewMachine(a.approvalConfig(), a.store, plat.notifier, a.policy, a.logger.With("component", "approval"), a.bus)
	machine.SetWaker(disp.Wake)

	rt := &runtime{source: plat.source, dispatcher: disp, approvals: machine, reporter: reporter}
	opts := intake.Options{
		Decider: decider.Config{
			Mode:      cfg.Trigger.Mode,
			Prefix:    cfg.Trigger.Prefix,
			BotUserID: a.cfg.Trigger.BotUserID,
		},
		Store:    a.store,
		Approval: machine,
		Waker:    disp,
		Reporter: reporter,
		Logger:   a.logger.With("component", "intake"),
		Bus:      a.bus,
		Metrics:  a.metrics,
		Tracer:   a.tracer(),
	}
	if cfg.Attachments.MaxFiles > 0 {
		rt.downloader = attachments.NewDownloader(cfg.AttachmentsDir(), cfg.Attachments.MaxFiles, cfg.Attachments.MaxBytes, plat.auth, a.logger.With("component", "attachments"))
		opts.Fetcher = rt.downloader
	}
	rt.processor = intake.NewProcessor(opts)
	return rt, nil
}

// localApprovals resolves approvals straight against the store, for the
// approve/reject commands. No notifier is needed to resolve.
func (a *app) localApprovals() *approval.Machine {
	return approval.NewMachine(a.approvalConfig(), a.store, nil, a.policy, a.logger.With("component", "approval"), a.bus)
}
