// Package attachments downloads image attachments of inbound messages into
// the per-task attachment directory.
package attachments

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/basket/threadclaw/internal/decider"
)

const (
	DefaultMaxFiles = 4
	DefaultMaxBytes = 20 * 1024 * 1024
)

// FetchError is a structured preparation failure (size, type or
// permission). Callers fail the task with its reason.
type FetchError struct {
	Reason string
}

func (e *FetchError) Error() string { return e.Reason }

// Authorizer decorates download requests with source credentials.
type Authorizer interface {
	Authorize(req *http.Request)
}

// BearerAuth sends a bearer token, as Slack private file URLs require.
type BearerAuth string

func (b BearerAuth) Authorize(req *http.Request) {
	if b != "" {
		req.Header.Set("Authorization", "Bearer "+string(b))
	}
}

// NoAuth is used for sources whose file URLs embed their own credentials.
type NoAuth struct{}

func (NoAuth) Authorize(*http.Request) {}

type Downloader struct {
	dir      string
	maxFiles int
	maxBytes int64
	auth     Authorizer
	client   *http.Client
	logger   *slog.Logger
}

func NewDownloader(dir string, maxFiles int, maxBytes int64, auth Authorizer, logger *slog.Logger) *Downloader {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if auth == nil {
		auth = NoAuth{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{
		dir:      dir,
		maxFiles: maxFiles,
		maxBytes: maxBytes,
		auth:     auth,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// Dir is the root holding one directory per task.
func (d *Downloader) Dir() string { return d.dir }

// Images filters descriptors down to downloadable images.
func Images(in []decider.Attachment) []decider.Attachment {
	var out []decider.Attachment
	for _, a := range in {
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Mimetype)), "image/") {
			continue
		}
		if strings.TrimSpace(a.URL) == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Fetch downloads the image attachments for a task and returns absolute
// local paths. Non-image descriptors are ignored; only the first maxFiles
// images are fetched.
func (d *Downloader) Fetch(ctx context.Context, taskID string, in []decider.Attachment) ([]string, error) {
	images := Images(in)
	if len(images) == 0 {
		return nil, nil
	}
	if len(images) > d.maxFiles {
		images = images[:d.maxFiles]
	}
	outDir := filepath.Join(d.dir, taskID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}

	paths := make([]string, 0, len(images))
	for i, a := range images {
		index := i + 1
		label := firstNonEmpty(a.Name, a.ID, fmt.Sprintf("%d", index))
		if a.Size > d.maxBytes {
			return nil, &FetchError{Reason: fmt.Sprintf("image '%s' exceeds %d bytes limit", label, d.maxBytes)}
		}
		payload, err := d.download(ctx, a.URL)
		if err != nil {
			return nil, &FetchError{Reason: fmt.Sprintf("failed to download image '%s': %v", label, err)}
		}
		if int64(len(payload)) > d.maxBytes {
			return nil, &FetchError{Reason: fmt.Sprintf("downloaded image '%s' exceeds %d bytes limit", label, d.maxBytes)}
		}

		fallback := fmt.Sprintf("image_%02d", index)
		name := firstNonEmpty(a.Name, a.ID, fallback)
		stem := SanitizeFilename(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)), fallback)
		path := filepath.Join(outDir, fmt.Sprintf("%02d_%s%s", index, stem, GuessExtension(name, a.Mimetype)))
		if err := os.WriteFile(path, payload, 0o644); err != nil {
			return nil, fmt.Errorf("write attachment: %w", err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		paths = append(paths, abs)
	}
	d.logger.Info("task images prepared", "event", "task_images_prepared", "task_id", taskID, "image_count", len(paths))
	return paths, nil
}

func (d *Downloader) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	d.auth.Authorize(req)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("download failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	// One byte past the limit is enough to detect an oversized file.
	return io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
}

// Cleanup removes task attachment directories last modified before the
// cutoff and returns how many were removed.
func (d *Downloader) Cleanup(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(d.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read attachment dir: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(d.dir, e.Name())); err != nil {
			d.logger.Warn("attachment cleanup failed", "dir", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func SanitizeFilename(name, fallback string) string {
	cleaned := unsafeFilename.ReplaceAllString(strings.TrimSpace(name), "_")
	cleaned = strings.Trim(cleaned, "._")
	if cleaned == "" {
		return fallback
	}
	return cleaned
}

func GuessExtension(filename, mimetype string) string {
	if ext := filepath.Ext(filename); ext != "" {
		return ext
	}
	switch strings.ToLower(strings.TrimSpace(mimetype)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	return ".img"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
