package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/threadclaw/internal/config"
	"github.com/basket/threadclaw/internal/executor"
	"github.com/basket/threadclaw/internal/persistence"
	"github.com/basket/threadclaw/internal/policy"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Options lets tests stub the environment probes.
type Options struct {
	LookPath   func(string) (string, error)
	PingDocker func(ctx context.Context, cfg *config.Config) error
}

func (o Options) withDefaults() Options {
	if o.LookPath == nil {
		o.LookPath = exec.LookPath
	}
	if o.PingDocker == nil {
		o.PingDocker = pingDocker
	}
	return o
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	return RunWith(ctx, cfg, version, Options{})
}

func RunWith(ctx context.Context, cfg *config.Config, version string, opts Options) Diagnosis {
	opts = opts.withDefaults()
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results,
		checkPermissions(cfg),
		checkConfig(cfg),
		checkPolicy(cfg),
		checkCredentials(cfg),
	)
	d.Results = append(d.Results, checkDatabase(ctx, cfg)...)
	d.Results = append(d.Results,
		checkAgents(cfg, opts.LookPath),
		checkDocker(ctx, cfg, opts.PingDocker),
	)
	return d
}

func checkPermissions(cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable", Detail: cfg.HomeDir}
}

func checkConfig(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if err := config.Validate(*cfg); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: err.Error()}
	}
	msg := fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))
	if cfg.NeedsGenesis {
		msg = "No config file, using defaults and environment"
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: msg, Detail: cfg.Fingerprint()}
}

func checkPolicy(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	path := config.PolicyPath(cfg.HomeDir)
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: err.Error(), Detail: path}
	}
	return CheckResult{Name: "Policy", Status: StatusPass, Message: "Policy " + p.PolicyVersion(), Detail: path}
}

func checkCredentials(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Credentials", Status: StatusSkip, Message: "Config missing"}
	}
	var missing []string
	switch cfg.Intake.Source {
	case config.SourceSlackPoll, config.SourceSlackSocket:
		if cfg.Slack.BotToken == "" {
			missing = append(missing, "SLACK_BOT_TOKEN")
		}
		if cfg.Intake.Source == config.SourceSlackSocket && cfg.Slack.AppToken == "" {
			missing = append(missing, "SLACK_APP_TOKEN")
		}
	case config.SourceTelegram:
		if cfg.Telegram.Token == "" {
			missing = append(missing, "TELEGRAM_BOT_TOKEN")
		}
	default:
		return CheckResult{Name: "Credentials", Status: StatusSkip, Message: fmt.Sprintf("Unknown intake source %q", cfg.Intake.Source)}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Credentials",
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not set (required for %s)", strings.Join(missing, ", "), cfg.Intake.Source),
			Detail:  "Set them in the environment or in .env under the home directory",
		}
	}
	return CheckResult{Name: "Credentials", Status: StatusPass, Message: "Tokens present for " + cfg.Intake.Source}
}

func dbPath(cfg *config.Config) string {
	if cfg.DBPath != "" {
		return cfg.DBPath
	}
	return config.DefaultDBPath(cfg.HomeDir)
}

// checkDatabase opens the store and reports on its integrity, held locks
// and running tasks. The daemon should be stopped while it runs, so any
// running task or held lock is left over from a previous process.
func checkDatabase(ctx context.Context, cfg *config.Config) []CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return []CheckResult{{Name: "Database", Status: StatusSkip, Message: "Config missing"}}
	}
	path := dbPath(cfg)
	store, err := persistence.Open(path, nil)
	if err != nil {
		return []CheckResult{{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: path}}
	}
	defer store.Close()

	var out []CheckResult
	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		out = append(out, CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Schema read failed: %v", err), Detail: path})
		return out
	}
	integrity, err := store.QuickCheck(ctx)
	switch {
	case err != nil:
		out = append(out, CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("quick_check failed: %v", err), Detail: path})
	case integrity != "ok":
		out = append(out, CheckResult{Name: "Database", Status: StatusFail, Message: "quick_check: " + integrity, Detail: path})
	default:
		out = append(out, CheckResult{
			Name:    "Database",
			Status:  StatusPass,
			Message: fmt.Sprintf("Schema v%d, integrity ok", version),
			Detail:  fmt.Sprintf("path=%s checksum=%s", path, checksum),
		})
	}

	orphans, err := store.CountOrphanLocks(ctx)
	switch {
	case err != nil:
		out = append(out, CheckResult{Name: "Locks", Status: StatusFail, Message: err.Error()})
	case orphans > 0:
		out = append(out, CheckResult{
			Name:    "Locks",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d orphan lock(s)", orphans),
			Detail:  "Run `threadclaw recover` or restart the daemon to release them",
		})
	default:
		out = append(out, CheckResult{Name: "Locks", Status: StatusPass, Message: "No orphan locks"})
	}

	running, err := store.ListRunning(ctx)
	if err != nil {
		out = append(out, CheckResult{Name: "Running Tasks", Status: StatusFail, Message: err.Error()})
		return out
	}
	out = append(out, stuckTasks(running, cfg.ExecTimeout(), time.Now()))
	return out
}

// stuckTasks flags running tasks older than the exec timeout.
func stuckTasks(running []persistence.Task, timeout time.Duration, now time.Time) CheckResult {
	var stuck []string
	for _, t := range running {
		started := t.UpdatedAt
		if t.StartedAt != nil {
			started = *t.StartedAt
		}
		if timeout > 0 && now.Sub(started) > timeout {
			stuck = append(stuck, t.ID)
		}
	}
	if len(stuck) == 0 {
		return CheckResult{Name: "Running Tasks", Status: StatusPass, Message: fmt.Sprintf("%d running, none stuck", len(running))}
	}
	return CheckResult{
		Name:    "Running Tasks",
		Status:  StatusWarn,
		Message: fmt.Sprintf("%d task(s) running longer than %s", len(stuck), timeout),
		Detail:  strings.Join(stuck, ", "),
	}
}

func checkAgents(cfg *config.Config, lookPath func(string) (string, error)) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent Binaries", Status: StatusSkip, Message: "Config missing"}
	}
	agents := []struct {
		name, binary string
	}{
		{"codex", cfg.Executor.Codex.Binary},
		{"claude", cfg.Executor.Claude.Binary},
		{"kimi", cfg.Executor.Kimi.Binary},
	}
	var details, missing []string
	for _, a := range agents {
		if a.binary == "" {
			continue
		}
		if _, err := lookPath(a.binary); err != nil {
			missing = append(missing, a.name)
			details = append(details, a.name+": missing ("+a.binary+")")
			continue
		}
		details = append(details, a.name+": ok")
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Agent Binaries",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s not on PATH; those task kinds will fail", strings.Join(missing, ", ")),
			Detail:  strings.Join(details, "; "),
		}
	}
	return CheckResult{Name: "Agent Binaries", Status: StatusPass, Message: "All agent binaries found", Detail: strings.Join(details, "; ")}
}

func checkDocker(ctx context.Context, cfg *config.Config, ping func(context.Context, *config.Config) error) CheckResult {
	if cfg == nil || cfg.Executor.ShellBackend != "docker" {
		return CheckResult{Name: "Docker", Status: StatusSkip, Message: "Shell backend is not docker"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ping(pingCtx, cfg); err != nil {
		return CheckResult{Name: "Docker", Status: StatusFail, Message: fmt.Sprintf("Daemon unreachable: %v", err)}
	}
	return CheckResult{Name: "Docker", Status: StatusPass, Message: "Daemon reachable", Detail: "image=" + cfg.Executor.Docker.Image}
}

func pingDocker(ctx context.Context, cfg *config.Config) error {
	shell, err := executor.NewDockerShell(cfg.Executor.Docker.Image, cfg.Executor.Docker.MemoryMB, cfg.Executor.Docker.Network, cfg.AttachmentsDir())
	if err != nil {
		return err
	}
	defer shell.Close()
	if err := shell.Ping(ctx); err != nil {
		return errors.Join(errors.New("docker ping"), err)
	}
	return nil
}
