package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/threadclaw/internal/audit"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// Process exit codes.
const (
	exitFailure    = 1
	exitConfig     = 2
	exitAuth       = 3
	exitIntakeInit = 4
)

// exitError carries a stable exit code out of a cobra command.
type exitError struct {
	code   int
	reason string
	err    error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return e.reason + ": " + e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

type globalOptions struct {
	quiet bool
}

func newRootCommand(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "threadclaw",
		Short:         "Chat-driven task orchestrator",
		Long:          "threadclaw turns chat messages into deduplicated tasks, gates risky ones behind approvals and runs them under per-key locks.",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "log to the home directory only, not stdout")

	root.AddCommand(
		newRunCommand(opts),
		newOnceCommand(opts),
		newDoctorCommand(),
		newStatusCommand(opts),
		newTopCommand(opts),
		newBackupCommand(opts),
		newRecoverCommand(opts),
		newDecisionCommand(opts, "approve"),
		newDecisionCommand(opts, "reject"),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := &globalOptions{}
	err := newRootCommand(opts).ExecuteContext(ctx)
	if err != nil {
		var ee *exitError
		if !errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
	stop()
	os.Exit(exitCode(err))
}

// fatalStartup records a structured fatal event with a reason code and
// returns the error that carries the process exit code.
func fatalStartup(logger *slog.Logger, reasonCode string, code int, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.DecisionFatal, "runtime.startup", reasonCode, "", message, "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "exit_code", code, "error", message)
	} else {
		writeFatalJSON(os.Stderr, reasonCode, message)
	}
	return &exitError{code: code, reason: reasonCode, err: err}
}

func writeFatalJSON(w io.Writer, reasonCode, message string) {
	fmt.Fprintf(
		w,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
}
