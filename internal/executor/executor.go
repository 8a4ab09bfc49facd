// Package executor runs one task command and classifies the outcome. Each
// command kind has exactly one binding: a shell backend, one of the agent
// CLIs, or the no-op acknowledgement.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/basket/threadclaw/internal/persistence"
)

// DefaultResponseInstruction is appended to agent prompts unless the
// configured instruction is "none".
const DefaultResponseInstruction = "Format the final answer for chat Markdown.\n" +
	"- Start with a one-line summary.\n" +
	"- Use short sections with bullets.\n" +
	"- Put commands/code in fenced code blocks.\n" +
	"- Skip CLI metadata/log headers."

// Runner is the executor contract the dispatcher depends on.
type Runner interface {
	Execute(ctx context.Context, req Request) Result
}

type Request struct {
	TaskID          string
	Kind            persistence.CommandKind
	CommandText     string
	Payload         string
	AttachmentPaths []string
	PriorContext    string
	SessionHandle   string
	Timeout         time.Duration
}

type Result struct {
	Succeeded bool
	Summary   string
	Details   string
	// Response is the agent's answer, appended to the thread context.
	Response string
	// SessionHandle is the agent session to reuse on the next turn.
	SessionHandle string
	TimedOut      bool
}

type AgentConfig struct {
	Binary         string
	PermissionMode string
	SandboxMode    string
}

type Config struct {
	DryRun              bool
	Workdir             string
	ResponseInstruction string
	Codex               AgentConfig
	Claude              AgentConfig
	Kimi                AgentConfig
}

type Executor struct {
	cfg    Config
	shell  ShellBackend
	logger *slog.Logger
}

func New(cfg Config, shell ShellBackend, logger *slog.Logger) *Executor {
	if shell == nil {
		shell = HostShell{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Codex.Binary == "" {
		cfg.Codex.Binary = "codex"
	}
	if cfg.Claude.Binary == "" {
		cfg.Claude.Binary = "claude"
	}
	if cfg.Kimi.Binary == "" {
		cfg.Kimi.Binary = "kimi"
	}
	switch strings.TrimSpace(cfg.ResponseInstruction) {
	case "":
		cfg.ResponseInstruction = DefaultResponseInstruction
	case "none":
		cfg.ResponseInstruction = ""
	}
	return &Executor{cfg: cfg, shell: shell, logger: logger}
}

func (e *Executor) Execute(ctx context.Context, req Request) Result {
	if e.cfg.DryRun {
		return Result{
			Succeeded: true,
			Summary:   "dry-run only, no command executed for " + req.TaskID,
			Details:   "planned command: " + req.CommandText,
		}
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	payload := strings.TrimSpace(req.Payload)
	switch req.Kind {
	case persistence.KindShell:
		if payload == "" {
			return invalid("shell", "payload", "sh:<command>")
		}
		return e.runShell(ctx, req, payload)
	case persistence.KindCodex, persistence.KindClaude, persistence.KindKimi:
		if payload == "" {
			return invalid(string(req.Kind), "prompt", string(req.Kind)+":<prompt>")
		}
		return e.runAgent(ctx, req, payload)
	default:
		return Result{
			Succeeded: true,
			Summary:   "no-op executor completed for " + req.TaskID,
			Details:   "received command text: " + req.CommandText,
		}
	}
}

func invalid(kind, what, format string) Result {
	return Result{
		Summary: fmt.Sprintf("invalid %s command: empty %s", kind, what),
		Details: "use format: " + format,
	}
}

func (e *Executor) runShell(ctx context.Context, req Request, command string) Result {
	var env []string
	if len(req.AttachmentPaths) > 0 {
		env = append(env,
			"THREADCLAW_IMAGE_PATHS="+strings.Join(req.AttachmentPaths, "\n"),
			fmt.Sprintf("THREADCLAW_IMAGE_COUNT=%d", len(req.AttachmentPaths)),
		)
	}
	started := time.Now()
	stdout, stderr, code, err := e.shell.Exec(ctx, command, e.workdir(), env)
	if ctx.Err() == context.DeadlineExceeded {
		return Result{
			Summary:  fmt.Sprintf("shell command timed out after %s", timeoutLabel(req.Timeout, started)),
			Details:  command,
			TimedOut: true,
		}
	}
	if err != nil {
		return Result{Summary: "shell execution failed: " + err.Error(), Details: command}
	}
	details := joinOutput(stdout, stderr)
	if code == 0 {
		return Result{Succeeded: true, Summary: "shell command completed", Details: orNoOutput(details)}
	}
	return Result{Summary: fmt.Sprintf("shell command exited with code %d", code), Details: orNoOutput(details)}
}

// workdir returns the configured working directory when it exists.
func (e *Executor) workdir() string {
	dir := strings.TrimSpace(e.cfg.Workdir)
	if dir == "" {
		return ""
	}
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir
	}
	return ""
}

// ComposePrompt wraps an agent prompt with the prior thread context, the
// attachment paths and the response format instruction.
func ComposePrompt(prompt, priorContext string, attachments []string, instruction string) string {
	out := prompt
	if c := strings.TrimSpace(priorContext); c != "" {
		out = "Shared thread context from previous agent runs:\n" + c + "\n\nCurrent request:\n" + prompt
	}
	if len(attachments) > 0 {
		lines := make([]string, len(attachments))
		for i, p := range attachments {
			lines[i] = "- " + p
		}
		out += "\n\nAttached image file paths available on local disk:\n" + strings.Join(lines, "\n")
	}
	if instruction = strings.TrimSpace(instruction); instruction != "" {
		out += "\n\nResponse format requirements:\n" + instruction
	}
	return out
}

func joinOutput(stdout, stderr string) string {
	var parts []string
	for _, p := range []string{strings.TrimSpace(stdout), strings.TrimSpace(stderr)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n")
}

func orNoOutput(s string) string {
	if s == "" {
		return "<no output>"
	}
	return s
}

func timeoutLabel(timeout time.Duration, started time.Time) string {
	if timeout <= 0 {
		timeout = time.Since(started)
	}
	secs := int(timeout.Round(time.Second) / time.Second)
	if secs < 1 {
		return timeout.String()
	}
	return fmt.Sprintf("%ds", secs)
}
