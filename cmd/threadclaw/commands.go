package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/threadclaw/internal/approval"
	"github.com/basket/threadclaw/internal/config"
	"github.com/basket/threadclaw/internal/cron"
	"github.com/basket/threadclaw/internal/doctor"
	"github.com/basket/threadclaw/internal/persistence"
	"github.com/basket/threadclaw/internal/recovery"
	"github.com/basket/threadclaw/internal/tui"
)

func newDoctorCommand() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose configuration, database and runtime dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				// Diagnose anyway; the config check reports the cause.
			}
			diag := doctor.Run(cmd.Context(), &cfg, Version)
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(diag); err != nil {
					return fmt.Errorf("encode json: %w", err)
				}
			} else {
				printDiagnosis(cmd.OutOrStdout(), diag)
			}
			if diag.Failed() {
				return &exitError{code: exitFailure, reason: "doctor found failures"}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	return cmd
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "threadclaw doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(w, "---")

	failCount := 0
	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case doctor.StatusFail:
			icon = "❌"
			failCount++
		case doctor.StatusWarn:
			icon = "⚠️ "
		case doctor.StatusSkip:
			icon = "⏩"
		}
		fmt.Fprintf(w, "%s %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "    %s\n", res.Detail)
		}
	}
	fmt.Fprintln(w, "---")
	if failCount > 0 {
		fmt.Fprintf(w, "%d check(s) failed\n", failCount)
		return
	}
	fmt.Fprintln(w, "All checks passed")
}

// statusReport is the `status` payload, also used by `top` without a TTY.
type statusReport struct {
	Counts           map[persistence.TaskStatus]int `json:"counts"`
	Locks            []persistence.Lock             `json:"locks"`
	PendingApprovals []persistence.Approval         `json:"pending_approvals"`
	PolicyVersion    string                         `json:"policy_version"`
	SchemaVersion    int                            `json:"schema_version"`
}

func loadStatus(ctx context.Context, a *app) (statusReport, error) {
	var rep statusReport
	var err error
	if rep.Counts, err = a.store.StatusCounts(ctx); err != nil {
		return rep, err
	}
	if rep.Locks, err = a.store.ListLocks(ctx); err != nil {
		return rep, err
	}
	if rep.PendingApprovals, err = a.store.ListPendingApprovals(ctx); err != nil {
		return rep, err
	}
	if rep.SchemaVersion, _, err = a.store.SchemaVersion(ctx); err != nil {
		return rep, err
	}
	rep.PolicyVersion = a.policy.PolicyVersion()
	return rep, nil
}

func printStatus(w io.Writer, rep statusReport) {
	header := lipgloss.NewStyle().Bold(true)

	counts := table.New().Border(lipgloss.NormalBorder()).Headers("STATUS", "TASKS")
	for _, st := range persistence.AllStatuses {
		counts.Row(string(st), fmt.Sprint(rep.Counts[st]))
	}
	fmt.Fprintln(w, header.Render("Tasks"))
	fmt.Fprintln(w, counts.String())

	fmt.Fprintln(w, header.Render(fmt.Sprintf("Locks held (%d)", len(rep.Locks))))
	if len(rep.Locks) > 0 {
		locks := table.New().Border(lipgloss.NormalBorder()).Headers("LOCK", "TASK", "ACQUIRED")
		for _, l := range rep.Locks {
			locks.Row(l.Key, l.TaskID, l.AcquiredAt.Format(time.RFC3339))
		}
		fmt.Fprintln(w, locks.String())
	}

	fmt.Fprintln(w, header.Render(fmt.Sprintf("Pending approvals (%d)", len(rep.PendingApprovals))))
	if len(rep.PendingApprovals) > 0 {
		pending := table.New().Border(lipgloss.NormalBorder()).Headers("TASK", "REQUEST", "REASON")
		for _, p := range rep.PendingApprovals {
			pending.Row(p.TaskID, p.RequestRef, p.Reason)
		}
		fmt.Fprintln(w, pending.String())
	}
	fmt.Fprintf(w, "policy %s, schema v%d\n", rep.PolicyVersion, rep.SchemaVersion)
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task counts, held locks and pending approvals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootstrapOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			rep, err := loadStatus(ctx, a)
			if err != nil {
				return fmt.Errorf("load status: %w", err)
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			printStatus(cmd.OutOrStdout(), rep)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print status as JSON")
	return cmd
}

func newTopCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "top",
		Short: "Live view of recent tasks, locks and approvals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootstrapOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
				rep, err := loadStatus(ctx, a)
				if err != nil {
					return fmt.Errorf("load status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), rep)
				return nil
			}
			if err := tui.Run(ctx, tui.StoreProvider(a.store)); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func newBackupCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup [path]",
		Short: "Write a consistent copy of the database",
		Long:  "Write a consistent copy of the database to path, or to a timestamped file under <home>/backups when path is omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootstrapOptions{quiet: opts.quiet})
			if err != nil {
				return err
			}
			defer a.Close()
			path := ""
			if len(args) == 1 {
				path = args[0]
				err = a.store.Backup(ctx, path)
			} else {
				path, err = cron.BackupTo(ctx, a.store, a.cfg.BackupsDir(), time.Now())
			}
			if err != nil {
				return fmt.Errorf("backup: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newRecoverCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Abort tasks left running by a dead process and release their locks",
		Long:  "Run startup recovery without starting workers. Refuses to run while a daemon owns the database.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootstrapOptions{quiet: opts.quiet})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.claimDatabase(); err != nil {
				return err
			}
			res, err := recovery.Run(ctx, a.store, a.logger)
			if err != nil {
				return err
			}
			unreported, err := a.store.ListUnreported(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "aborted %d running task(s), released %d lock(s)\n", len(res.Aborted), res.LocksCleared)
			for _, t := range res.Aborted {
				fmt.Fprintf(out, "  %s (%s, lock %s)\n", t.ID, t.Kind, t.LockKey)
			}
			if len(unreported) > 0 {
				fmt.Fprintf(out, "%d finished task(s) will be reported on the next daemon start\n", len(unreported))
			}
			return nil
		},
	}
}

func newDecisionCommand(opts *globalOptions, verb string) *cobra.Command {
	decision := persistence.ApprovalApproved
	if verb == "reject" {
		decision = persistence.ApprovalRejected
	}
	var actor string
	cmd := &cobra.Command{
		Use:   verb + " <task_id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a task waiting for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootstrapOptions{quiet: opts.quiet})
			if err != nil {
				return err
			}
			defer a.Close()
			if actor == "" {
				actor = defaultActor()
			}
			res, err := a.localApprovals().Resolve(ctx, approval.Signal{
				Ref:      args[0],
				Decision: decision,
				Actor:    actor,
			})
			if err != nil {
				return err
			}
			return printDecision(cmd.OutOrStdout(), args[0], res)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "who made the decision (default cli:$USER)")
	return cmd
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func printDecision(w io.Writer, ref string, res approval.Result) error {
	switch {
	case res.Applied:
		fmt.Fprintf(w, "%s: %s, task is now %s\n", res.TaskID, res.Decision, res.Task.Status)
		return nil
	case res.TaskID != "":
		fmt.Fprintf(w, "%s: already decided, nothing changed\n", res.TaskID)
		return nil
	default:
		return &exitError{code: exitFailure, reason: "no approval found for " + ref}
	}
}
