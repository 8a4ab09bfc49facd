package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/threadclaw/internal/persistence"
)

var codexDangerModes = map[string]bool{
	"dangerous": true,
	"bypass":    true,
	"dangerously-bypass-approvals-and-sandbox": true,
}

func (e *Executor) runAgent(ctx context.Context, req Request, prompt string) Result {
	kind := string(req.Kind)
	full := ComposePrompt(prompt, req.PriorContext, req.AttachmentPaths, e.cfg.ResponseInstruction)
	workdir := e.workdir()

	var (
		binary string
		args   []string
		handle = strings.TrimSpace(req.SessionHandle)
	)
	switch req.Kind {
	case persistence.KindCodex:
		binary = e.cfg.Codex.Binary
		args = e.codexArgs(handle, full, workdir)
	case persistence.KindClaude:
		binary = e.cfg.Claude.Binary
		args = e.claudeArgs(full, workdir)
		handle = ""
	case persistence.KindKimi:
		if handle == "" {
			handle = uuid.NewString()
		}
		binary = e.cfg.Kimi.Binary
		args = e.kimiArgs(handle, full, workdir)
	default:
		return Result{Summary: "unsupported agent kind " + kind}
	}

	started := time.Now()
	stdout, stderr, code, err := runProcess(ctx, workdir, nil, binary, args...)
	e.logger.Debug("agent process finished", "kind", kind, "task_id", req.TaskID, "exit_code", code, "duration_ms", time.Since(started).Milliseconds())
	if ctx.Err() == context.DeadlineExceeded {
		return Result{
			Summary:  fmt.Sprintf("%s command timed out after %s", kind, timeoutLabel(req.Timeout, started)),
			Details:  prompt,
			TimedOut: true,
		}
	}
	if err != nil {
		return Result{Summary: fmt.Sprintf("%s execution failed: %v", kind, err), Details: prompt}
	}

	var response string
	if req.Kind == persistence.KindCodex {
		events := ParseCodexEvents(stdout, e.logger)
		if id := events.ThreadID(); id != "" {
			handle = id
		}
		stderr = StripCodexNoise(stderr)
		response = events.LastAgentMessage()
		if response == "" {
			response = fallbackOutput(stdout, stderr)
		}
	} else {
		response = strings.TrimSpace(stdout)
		if response == "" {
			response = joinOutput(stdout, stderr)
		}
	}

	details := response
	if req.Kind != persistence.KindCodex {
		details = joinOutput(stdout, stderr)
	}
	if code != 0 {
		return Result{
			Summary: fmt.Sprintf("%s command exited with code %d", kind, code),
			Details: orNoOutput(details),
		}
	}
	return Result{
		Succeeded:     true,
		Summary:       kind + " command completed",
		Details:       orNoOutput(details),
		Response:      response,
		SessionHandle: handle,
	}
}

func (e *Executor) codexArgs(session, prompt, workdir string) []string {
	args := []string{"exec"}
	if session != "" {
		args = append(args, "resume")
	}
	mode := strings.ToLower(strings.TrimSpace(e.cfg.Codex.PermissionMode))
	switch {
	case codexDangerModes[mode]:
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	case mode == "full-auto":
		args = append(args, "--full-auto")
	}
	if session == "" && !codexDangerModes[mode] {
		switch sandbox := strings.ToLower(strings.TrimSpace(e.cfg.Codex.SandboxMode)); sandbox {
		case "read-only", "workspace-write", "danger-full-access":
			args = append(args, "--sandbox", sandbox)
		}
		if workdir != "" {
			args = append(args, "-C", workdir)
		}
	}
	args = append(args, "--skip-git-repo-check", "--json")
	if session != "" {
		args = append(args, session)
	}
	return append(args, prompt)
}

func (e *Executor) claudeArgs(prompt, workdir string) []string {
	args := []string{"-p"}
	if mode := strings.TrimSpace(e.cfg.Claude.PermissionMode); mode != "" {
		args = append(args, "--permission-mode", mode)
	}
	if workdir != "" {
		args = append(args, "--add-dir", workdir)
	}
	return append(args, "--", prompt)
}

func (e *Executor) kimiArgs(session, prompt, workdir string) []string {
	args := []string{"--quiet"}
	if workdir != "" {
		args = append(args, "-w", workdir)
	}
	switch strings.ToLower(strings.TrimSpace(e.cfg.Kimi.PermissionMode)) {
	case "yolo", "auto", "yes":
		args = append(args, "--yolo")
	}
	return append(args, "-S", session, "-p", prompt)
}

// StripCodexNoise drops a known harmless codex warning from stderr.
func StripCodexNoise(stderr string) string {
	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		if strings.Contains(line, "state db missing rollout path for thread") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// fallbackOutput is used when codex produced no agent message: non-JSON
// stdout first, then stderr.
func fallbackOutput(stdout, stderr string) string {
	var lines []string
	for _, line := range strings.Split(stdout, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "{") {
			continue
		}
		lines = append(lines, line)
	}
	if s := strings.TrimSpace(strings.Join(lines, "\n")); s != "" {
		return s
	}
	return strings.TrimSpace(stderr)
}
