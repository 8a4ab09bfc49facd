package executor

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerShell runs each shell command in a fresh container. The work dir
// is mounted at /workspace and the attachment root read-only at its host
// path so THREADCLAW_IMAGE_PATHS stays valid inside the container.
type DockerShell struct {
	client         *client.Client
	image          string
	memoryBytes    int64
	networkMode    string
	attachmentsDir string
}

func NewDockerShell(image string, memoryMB int64, networkMode, attachmentsDir string) (*DockerShell, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "alpine:3.20"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}
	return &DockerShell{
		client:         cli,
		image:          image,
		memoryBytes:    memoryMB * 1024 * 1024,
		networkMode:    networkMode,
		attachmentsDir: attachmentsDir,
	}, nil
}

// Ping checks that the daemon is reachable.
func (d *DockerShell) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

func (d *DockerShell) Exec(ctx context.Context, cmd, workDir string, env []string) (string, string, int, error) {
	cfg := &container.Config{
		Image: d.image,
		Cmd:   []string{"sh", "-c", cmd},
		Env:   env,
		Tty:   false,
	}
	host := &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
	}
	if workDir != "" {
		cfg.WorkingDir = "/workspace"
		host.Binds = append(host.Binds, workDir+":/workspace")
	}
	if d.attachmentsDir != "" {
		host.Binds = append(host.Binds, d.attachmentsDir+":"+d.attachmentsDir+":ro")
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.client.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	var exitCode int
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		if ctx.Err() != nil {
			d.kill(id)
			return "", "", -1, ctx.Err()
		}
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case <-ctx.Done():
		d.kill(id)
		return "", "", -1, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("container logs: %w", err)
	}
	defer out.Close()
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, out)
	return stdout.String(), stderr.String(), exitCode, nil
}

// kill uses a fresh context since the task context has already ended.
func (d *DockerShell) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = d.client.ContainerKill(ctx, id, "SIGKILL")
}

func (d *DockerShell) Close() error {
	return d.client.Close()
}
