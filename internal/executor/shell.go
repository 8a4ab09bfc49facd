package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

// ShellBackend runs a shell command line and reports its exit code. A
// non-zero exit is not an error; err is reserved for failures to run.
type ShellBackend interface {
	Exec(ctx context.Context, cmd, workDir string, env []string) (stdout, stderr string, exitCode int, err error)
}

// HostShell runs commands with the local sh.
type HostShell struct{}

func (HostShell) Exec(ctx context.Context, cmd, workDir string, env []string) (string, string, int, error) {
	return runProcess(ctx, workDir, env, "sh", "-c", cmd)
}

// runProcess runs name with args, killing the whole process group when ctx
// ends so grandchildren cannot hold the output pipes open.
func runProcess(ctx context.Context, workDir string, env []string, name string, args ...string) (string, string, int, error) {
	c := exec.CommandContext(ctx, name, args...)
	if workDir != "" {
		c.Dir = workDir
	}
	if len(env) > 0 {
		c.Env = append(os.Environ(), env...)
	}
	setProcessGroup(c)
	c.WaitDelay = 2 * time.Second

	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	err := c.Run()
	if err == nil {
		return outBuf.String(), errBuf.String(), 0, nil
	}
	if ctx.Err() != nil {
		return outBuf.String(), errBuf.String(), -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return outBuf.String(), errBuf.String(), exitErr.ExitCode(), nil
	}
	return outBuf.String(), errBuf.String(), -1, err
}
