package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Intake sources.
const (
	SourceSlackPoll   = "slack_poll"
	SourceSlackSocket = "slack_socket"
	SourceTelegram    = "telegram"
)

// Trigger and approval modes.
const (
	TriggerPrefix  = "prefix"
	TriggerMention = "mention"

	ApprovalOff      = "off"
	ApprovalReaction = "reaction"
)

// ErrInvalid wraps every validation failure so callers can map it to the
// config exit code.
var ErrInvalid = errors.New("invalid config")

type IntakeConfig struct {
	Source                string `yaml:"source"`
	CommandChannelID      string `yaml:"command_channel_id"`
	ReportChannelID       string `yaml:"report_channel_id"`
	PollIntervalMS        int    `yaml:"poll_interval_ms"`
	PollBatchSize         int    `yaml:"poll_batch_size"`
	SocketReadTimeoutSecs int    `yaml:"socket_read_timeout_sec"`
}

type TriggerConfig struct {
	Mode      string `yaml:"mode"`
	Prefix    string `yaml:"prefix"`
	BotUserID string `yaml:"bot_user_id"`
}

type ApprovalConfig struct {
	Mode            string `yaml:"mode"`
	ApproveReaction string `yaml:"approve_reaction"`
	RejectReaction  string `yaml:"reject_reaction"`
}

type DispatcherConfig struct {
	WorkerCount         int `yaml:"worker_count"`
	PollIntervalMS      int `yaml:"poll_interval_ms"`
	ExecTimeoutSeconds  int `yaml:"exec_timeout_sec"`
	DrainTimeoutSeconds int `yaml:"drain_timeout_sec"`
}

type DockerConfig struct {
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb"`
	Network  string `yaml:"network"`
}

type AgentCLIConfig struct {
	Binary         string `yaml:"binary"`
	PermissionMode string `yaml:"permission_mode"`
	SandboxMode    string `yaml:"sandbox_mode,omitempty"`
}

type ExecutorConfig struct {
	Workdir             string         `yaml:"workdir"`
	ShellBackend        string         `yaml:"shell_backend"`
	Docker              DockerConfig   `yaml:"docker"`
	ResponseInstruction string         `yaml:"response_instruction"`
	Codex               AgentCLIConfig `yaml:"codex"`
	Claude              AgentCLIConfig `yaml:"claude"`
	Kimi                AgentCLIConfig `yaml:"kimi"`
}

type ContextConfig struct {
	MaxChars int `yaml:"max_chars"`
}

type AttachmentsConfig struct {
	MaxFiles int   `yaml:"max_files"`
	MaxBytes int64 `yaml:"max_bytes"`
}

type ReportConfig struct {
	InputMaxChars   int `yaml:"input_max_chars"`
	SummaryMaxChars int `yaml:"summary_max_chars"`
	DetailsMaxChars int `yaml:"details_max_chars"`
}

type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
	APIBase  string `yaml:"api_base"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

type GatewayConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
	// RateLimitPerMinute caps approval API calls per client. 0 disables it.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int `yaml:"rate_limit_burst"`
}

type RetentionConfig struct {
	TaskEventsDays int `yaml:"task_events_days"`
	AuditLogDays   int `yaml:"audit_log_days"`
	ProcessedDays  int `yaml:"processed_days"`
}

type MaintenanceConfig struct {
	RetentionCron         string `yaml:"retention_cron"`
	AttachmentCleanupCron string `yaml:"attachment_cleanup_cron"`
	AttachmentMaxAgeHours int    `yaml:"attachment_max_age_hours"`
	BackupCron            string `yaml:"backup_cron"`
}

// TelemetryConfig maps onto otel.Config at startup.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`
	DryRun   bool   `yaml:"dry_run"`

	Intake      IntakeConfig      `yaml:"intake"`
	Trigger     TriggerConfig     `yaml:"trigger"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Context     ContextConfig     `yaml:"context"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Report      ReportConfig      `yaml:"report"`
	Slack       SlackConfig       `yaml:"slack"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Retention   RetentionConfig   `yaml:"retention"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Telemetry   TelemetryConfig   `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Intake.PollIntervalMS) * time.Millisecond
}

func (c Config) ExecTimeout() time.Duration {
	return time.Duration(c.Dispatcher.ExecTimeoutSeconds) * time.Second
}

func (c Config) DispatchInterval() time.Duration {
	return time.Duration(c.Dispatcher.PollIntervalMS) * time.Millisecond
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Dispatcher.DrainTimeoutSeconds) * time.Second
}

// AttachmentsDir is where downloaded chat attachments are stored.
func (c Config) AttachmentsDir() string {
	return filepath.Join(c.HomeDir, "attachments")
}

func (c Config) BackupsDir() string {
	return filepath.Join(c.HomeDir, "backups")
}

// Fingerprint identifies the behaviour-relevant settings in logs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "src=%s|trigger=%s:%s|approval=%s|workers=%d|timeout=%d|dry=%t|shell=%s|ctx=%d",
		c.Intake.Source, c.Trigger.Mode, c.Trigger.Prefix, c.Approval.Mode,
		c.Dispatcher.WorkerCount, c.Dispatcher.ExecTimeoutSeconds, c.DryRun,
		c.Executor.ShellBackend, c.Context.MaxChars)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, configFileName)
}

func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, policyFileName)
}

func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "threadclaw.db")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		DryRun:   true,
		Intake: IntakeConfig{
			Source:                SourceSlackPoll,
			PollIntervalMS:        3000,
			PollBatchSize:         100,
			SocketReadTimeoutSecs: 1,
		},
		Trigger: TriggerConfig{
			Mode:   TriggerPrefix,
			Prefix: "!do",
		},
		Approval: ApprovalConfig{
			Mode:            ApprovalOff,
			ApproveReaction: "white_check_mark",
			RejectReaction:  "x",
		},
		Dispatcher: DispatcherConfig{
			WorkerCount:         1,
			PollIntervalMS:      500,
			ExecTimeoutSeconds:  120,
			DrainTimeoutSeconds: 10,
		},
		Executor: ExecutorConfig{
			ShellBackend: "host",
			Docker: DockerConfig{
				Image:    "alpine:3.20",
				MemoryMB: 512,
				Network:  "none",
			},
			Codex:  AgentCLIConfig{Binary: "codex", PermissionMode: "full-auto", SandboxMode: "workspace-write"},
			Claude: AgentCLIConfig{Binary: "claude", PermissionMode: "acceptEdits"},
			Kimi:   AgentCLIConfig{Binary: "kimi", PermissionMode: "yolo"},
		},
		Context:     ContextConfig{MaxChars: 12000},
		Attachments: AttachmentsConfig{MaxFiles: 4, MaxBytes: 20 * 1024 * 1024},
		Report: ReportConfig{
			InputMaxChars:   500,
			SummaryMaxChars: 1200,
			DetailsMaxChars: 4000,
		},
		Slack:   SlackConfig{APIBase: "https://slack.com/api"},
		Gateway: GatewayConfig{Addr: "127.0.0.1:18790", RateLimitPerMinute: 60, RateLimitBurst: 10},
		Retention: RetentionConfig{
			TaskEventsDays: 30,
			AuditLogDays:   90,
			ProcessedDays:  0,
		},
		Maintenance: MaintenanceConfig{
			RetentionCron:         "17 3 * * *",
			AttachmentCleanupCron: "0 * * * *",
			AttachmentMaxAgeHours: 72,
		},
	}
}

// HomeDir resolves THREADCLAW_HOME, falling back to ~/.threadclaw.
func HomeDir() string {
	if override := os.Getenv("THREADCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".threadclaw")
}

// LoadDotEnv loads .env files without overriding variables that are
// already set. Missing files are ignored.
func LoadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create threadclaw home: %w", err)
	}
	LoadDotEnv(".env", filepath.Join(cfg.HomeDir, ".env"))

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsGenesis = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse config.yaml: %v", ErrInvalid, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if raw := os.Getenv("THREADCLAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("THREADCLAW_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("THREADCLAW_DRY_RUN"); raw != "" {
		v, err := ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: THREADCLAW_DRY_RUN: %v", ErrInvalid, err)
		}
		cfg.DryRun = v
	}
	if raw := os.Getenv("THREADCLAW_INTAKE_SOURCE"); raw != "" {
		cfg.Intake.Source = raw
	}
	if raw := os.Getenv("THREADCLAW_COMMAND_CHANNEL_ID"); raw != "" {
		cfg.Intake.CommandChannelID = raw
	}
	if raw := os.Getenv("THREADCLAW_REPORT_CHANNEL_ID"); raw != "" {
		cfg.Intake.ReportChannelID = raw
	}
	if raw := os.Getenv("THREADCLAW_TRIGGER_MODE"); raw != "" {
		cfg.Trigger.Mode = raw
	}
	if raw := os.Getenv("THREADCLAW_TRIGGER_PREFIX"); raw != "" {
		cfg.Trigger.Prefix = raw
	}
	if raw := os.Getenv("THREADCLAW_BOT_USER_ID"); raw != "" {
		cfg.Trigger.BotUserID = raw
	}
	if raw := os.Getenv("THREADCLAW_APPROVAL_MODE"); raw != "" {
		cfg.Approval.Mode = raw
	}
	if raw := os.Getenv("THREADCLAW_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Dispatcher.WorkerCount = v
		}
	}
	if raw := os.Getenv("THREADCLAW_EXEC_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Dispatcher.ExecTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("THREADCLAW_GATEWAY_ADDR"); raw != "" {
		cfg.Gateway.Addr = raw
	}
	if raw := os.Getenv("THREADCLAW_GATEWAY_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("AGENT_WORKDIR"); raw != "" {
		cfg.Executor.Workdir = raw
	}
	if raw := os.Getenv("SLACK_BOT_TOKEN"); raw != "" {
		cfg.Slack.BotToken = raw
	}
	if raw := os.Getenv("SLACK_APP_TOKEN"); raw != "" {
		cfg.Slack.AppToken = raw
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath(cfg.HomeDir)
	}
	cfg.Intake.Source = strings.ToLower(strings.TrimSpace(cfg.Intake.Source))
	if cfg.Intake.ReportChannelID == "" {
		cfg.Intake.ReportChannelID = cfg.Intake.CommandChannelID
	}
	if cfg.Intake.PollIntervalMS <= 0 {
		cfg.Intake.PollIntervalMS = 3000
	}
	if cfg.Intake.SocketReadTimeoutSecs <= 0 {
		cfg.Intake.SocketReadTimeoutSecs = 1
	}
	cfg.Trigger.Mode = strings.ToLower(strings.TrimSpace(cfg.Trigger.Mode))
	cfg.Trigger.Prefix = strings.TrimSpace(cfg.Trigger.Prefix)
	if cfg.Trigger.Prefix == "" {
		cfg.Trigger.Prefix = "!do"
	}
	cfg.Approval.Mode = strings.ToLower(strings.TrimSpace(cfg.Approval.Mode))
	if cfg.Approval.Mode == "" || cfg.Approval.Mode == "none" {
		cfg.Approval.Mode = ApprovalOff
	}
	cfg.Approval.ApproveReaction = strings.Trim(cfg.Approval.ApproveReaction, ": ")
	cfg.Approval.RejectReaction = strings.Trim(cfg.Approval.RejectReaction, ": ")
	if cfg.Dispatcher.WorkerCount <= 0 {
		cfg.Dispatcher.WorkerCount = 1
	}
	if cfg.Dispatcher.PollIntervalMS <= 0 {
		cfg.Dispatcher.PollIntervalMS = 500
	}
	if cfg.Dispatcher.DrainTimeoutSeconds <= 0 {
		cfg.Dispatcher.DrainTimeoutSeconds = 10
	}
	if cfg.Executor.ShellBackend == "" {
		cfg.Executor.ShellBackend = "host"
	}
	if cfg.Context.MaxChars <= 0 {
		cfg.Context.MaxChars = 12000
	}
	if cfg.Slack.APIBase == "" {
		cfg.Slack.APIBase = "https://slack.com/api"
	}
}

// Validate reports the first invalid setting. All errors wrap ErrInvalid.
func Validate(cfg Config) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}
	switch cfg.Intake.Source {
	case SourceSlackPoll, SourceSlackSocket:
		if cfg.Slack.BotToken == "" {
			return invalid("SLACK_BOT_TOKEN is required for intake source %s", cfg.Intake.Source)
		}
		if cfg.Intake.CommandChannelID == "" {
			return invalid("intake.command_channel_id is required for intake source %s", cfg.Intake.Source)
		}
		if cfg.Intake.Source == SourceSlackSocket && cfg.Slack.AppToken == "" {
			return invalid("SLACK_APP_TOKEN is required for slack_socket intake")
		}
	case SourceTelegram:
		if cfg.Telegram.Token == "" {
			return invalid("TELEGRAM_BOT_TOKEN is required for telegram intake")
		}
	default:
		return invalid("intake.source must be one of slack_poll, slack_socket, telegram (got %q)", cfg.Intake.Source)
	}
	if cfg.Intake.PollBatchSize <= 0 || cfg.Intake.PollBatchSize > 200 {
		return invalid("intake.poll_batch_size must be between 1 and 200 (got %d)", cfg.Intake.PollBatchSize)
	}
	switch cfg.Trigger.Mode {
	case TriggerPrefix:
	case TriggerMention:
		if cfg.Trigger.BotUserID == "" {
			return invalid("trigger.bot_user_id is required when trigger.mode=mention")
		}
	default:
		return invalid("trigger.mode must be prefix or mention (got %q)", cfg.Trigger.Mode)
	}
	switch cfg.Approval.Mode {
	case ApprovalOff, ApprovalReaction:
	default:
		return invalid("approval.mode must be off or reaction (got %q)", cfg.Approval.Mode)
	}
	if cfg.Approval.Mode == ApprovalReaction && cfg.Approval.ApproveReaction == cfg.Approval.RejectReaction {
		return invalid("approve and reject reactions must differ")
	}
	if cfg.Dispatcher.ExecTimeoutSeconds <= 0 {
		return invalid("dispatcher.exec_timeout_sec must be positive")
	}
	switch cfg.Executor.ShellBackend {
	case "host", "docker":
	default:
		return invalid("executor.shell_backend must be host or docker (got %q)", cfg.Executor.ShellBackend)
	}
	if cfg.Attachments.MaxFiles < 0 || cfg.Attachments.MaxBytes < 0 {
		return invalid("attachment limits must not be negative")
	}
	return nil
}

// ParseBool accepts the usual truthy/falsy words.
func ParseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", raw)
}
