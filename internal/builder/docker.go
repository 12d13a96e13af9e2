package builder

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/forgeworks/specforge/internal/config"
	"github.com/forgeworks/specforge/internal/specdoc"
)

// DockerExecutor renders code locally and runs the packaging step in an
// ephemeral container. The bind mount exposes one build's directory
// tree and nothing else; networking defaults to none.
type DockerExecutor struct {
	local   *LocalExecutor
	client  *client.Client
	image   string
	memory  int64
	network string
}

func NewDockerExecutor(cfg config.ExecutorConfig) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	image := cfg.DockerImage
	if image == "" {
		image = "alpine:3.20"
	}
	memoryMB := cfg.DockerMemoryMB
	if memoryMB <= 0 {
		memoryMB = 512
	}
	network := cfg.DockerNetwork
	if network == "" {
		network = "none"
	}

	return &DockerExecutor{
		local:   NewLocalExecutor(),
		client:  cli,
		image:   image,
		memory:  memoryMB * 1024 * 1024,
		network: network,
	}, nil
}

func (e *DockerExecutor) Name() string { return "docker" }

// GenerateCode renders in-process. File rendering is pure output; only
// the archive step touches external tooling.
func (e *DockerExecutor) GenerateCode(ctx context.Context, doc *specdoc.Document, dir string) ([]string, error) {
	return e.local.GenerateCode(ctx, doc, dir)
}

func (e *DockerExecutor) Package(ctx context.Context, dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("package: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("package: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("package: %s is not a directory", abs)
	}

	// The manifest is computed host-side from content the host wrote;
	// the container only archives.
	if _, err := writeManifest(abs); err != nil {
		return "", err
	}

	base := filepath.Base(abs)
	parent := filepath.Dir(abs)
	stdout, stderr, exitCode, err := e.exec(ctx, packagingCommand(base), parent)
	if err != nil {
		return "", fmt.Errorf("package container: %w", err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("package container exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}

	artifact := filepath.Join(parent, base+".tar.gz")
	if _, err := os.Stat(artifact); err != nil {
		return "", fmt.Errorf("package: container produced no artifact: %w", err)
	}
	slog.Info("bundle packaged",
		"artifact", artifact,
		"executor", e.Name(),
		"image", e.image,
		"stdout", strings.TrimSpace(stdout),
	)
	return artifact, nil
}

// packagingCommand builds the in-container step. The parent of the
// bundle directory is mounted at /build, so the archive and its
// checksum land next to the source tree on the host.
func packagingCommand(base string) string {
	q := shellQuote(base)
	return fmt.Sprintf(
		"cd /build && tar -czf %s.tar.gz -C %s . && sha256sum %s.tar.gz > %s.tar.gz.sha256",
		q, q, q, q,
	)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// exec runs a command in an ephemeral container and returns its output
// and exit code.
func (e *DockerExecutor) exec(ctx context.Context, cmd, hostDir string) (stdout, stderr string, exitCode int, err error) {
	resp, err := e.client.ContainerCreate(ctx, &container.Config{
		Image:      e.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/build",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: e.memory,
		},
		NetworkMode: container.NetworkMode(e.network),
		Binds:       []string{fmt.Sprintf("%s:/build", hostDir)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	if err := e.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = e.client.ContainerKill(ctx, containerID, "SIGKILL")
		return "", "packaging timed out", -1, ctx.Err()
	}

	out, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("container logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Close closes the docker client.
func (e *DockerExecutor) Close() error {
	return e.client.Close()
}
