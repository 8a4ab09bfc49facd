package cron

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/threadclaw/internal/attachments"
	"github.com/basket/threadclaw/internal/config"
	"github.com/basket/threadclaw/internal/persistence"
)

const (
	JobRetention   = "retention"
	JobAttachments = "attachments"
	JobBackup      = "backup"
)

// MaintenanceJobs builds the standard job set from config. dl may be nil
// when attachments are disabled.
func MaintenanceJobs(cfg config.Config, store *persistence.Store, dl *attachments.Downloader, logger *slog.Logger) []Job {
	if logger == nil {
		logger = slog.Default()
	}
	jobs := []Job{{
		Name: JobRetention,
		Spec: cfg.Maintenance.RetentionCron,
		Run: func(ctx context.Context) error {
			res, err := store.RunRetention(ctx, cfg.Retention.TaskEventsDays, cfg.Retention.AuditLogDays, cfg.Retention.ProcessedDays)
			if err != nil {
				return err
			}
			logger.Info("retention complete",
				"task_events", res.PurgedTaskEvents,
				"audit_logs", res.PurgedAuditLogs,
				"processed", res.PurgedProcessed,
			)
			return nil
		},
	}, {
		Name: JobBackup,
		Spec: cfg.Maintenance.BackupCron,
		Run: func(ctx context.Context) error {
			path, err := BackupTo(ctx, store, cfg.BackupsDir(), time.Now())
			if err != nil {
				return err
			}
			logger.Info("backup written", "path", path)
			return nil
		},
	}}
	if dl != nil {
		maxAge := time.Duration(cfg.Maintenance.AttachmentMaxAgeHours) * time.Hour
		jobs = append(jobs, Job{
			Name: JobAttachments,
			Spec: cfg.Maintenance.AttachmentCleanupCron,
			Run: func(context.Context) error {
				if maxAge <= 0 {
					return nil
				}
				n, err := dl.Cleanup(maxAge)
				if err != nil {
					return err
				}
				if n > 0 {
					logger.Info("attachment cleanup", "removed", n)
				}
				return nil
			},
		})
	}
	return jobs
}

// BackupTo writes a timestamped snapshot into dir and returns its path.
func BackupTo(ctx context.Context, store *persistence.Store, dir string, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	path := filepath.Join(dir, "threadclaw-"+at.UTC().Format("20060102T150405Z")+".db")
	if err := store.Backup(ctx, path); err != nil {
		return "", err
	}
	return path, nil
}
