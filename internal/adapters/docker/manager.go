package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/manthysbr/prospector/internal/core/domain"
	"github.com/manthysbr/prospector/internal/core/ports"
)

const (
	managedLabel = "prospector.managed"
	toolLabel    = "prospector.tool"
	namePrefix   = "prospector-tool-"
	maxOutput    = 4 << 20
)

type Manager struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewManager creates a new Docker manager
func NewManager(logger *slog.Logger) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Manager{cli: cli, logger: logger}, nil
}

// Ensure Manager implements ContainerRunner
var _ ports.ContainerRunner = (*Manager)(nil)

// Run creates a one-shot container, waits for it to exit and returns its
// exit code and stdout. stderr is returned instead when a failed container
// printed nothing on stdout. The container is always removed.
func (m *Manager) Run(ctx context.Context, spec domain.ContainerSpec) (int64, []byte, error) {
	name := namePrefix + uuid.New().String()

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	labels := map[string]string{managedLabel: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    env,
		Tty:    false,
		Labels: labels,
	}
	binds := make([]string, 0, len(spec.BindMounts))
	for host, target := range spec.BindMounts {
		binds = append(binds, host+":"+target+":ro")
	}
	hostCfg := &container.HostConfig{
		Binds: binds,
		Resources: container.Resources{
			NanoCPUs: int64(spec.ResourceCPU * 1e9),
			Memory:   spec.ResourceMem,
		},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}

	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		if pullErr := m.pull(ctx, spec.Image); pullErr != nil {
			return 0, nil, pullErr
		}
		resp, err = m.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		// The job context may already be gone; removal must still happen.
		if rmErr := m.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil && !client.IsErrNotFound(rmErr) {
			m.logger.Warn("failed to remove tool container", "container", name, "error", rmErr)
		}
	}()

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return 0, nil, fmt.Errorf("failed to start container: %w", err)
	}

	waitCh, errCh := m.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		return 0, nil, fmt.Errorf("wait container: %w", err)
	case st := <-waitCh:
		if st.Error != nil {
			return 0, nil, fmt.Errorf("container wait: %s", st.Error.Message)
		}
		exitCode = st.StatusCode
	}

	logs, err := m.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return exitCode, nil, fmt.Errorf("read container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, io.LimitReader(logs, maxOutput)); err != nil {
		return exitCode, stdout.Bytes(), fmt.Errorf("demux container logs: %w", err)
	}
	if stderr.Len() > 0 {
		m.logger.Debug("tool container stderr", "container", name, "exit_code", exitCode, "stderr", stderr.String())
	}
	if exitCode != 0 && stdout.Len() == 0 {
		return exitCode, stderr.Bytes(), nil
	}
	return exitCode, stdout.Bytes(), nil
}

func (m *Manager) pull(ctx context.Context, ref string) error {
	reader, err := m.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// PruneStale removes managed containers left behind by a previous process.
func (m *Manager) PruneStale(ctx context.Context) (int, error) {
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: makeFilters(map[string]string{
			"label": managedLabel + "=true",
		}),
	})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range containers {
		err := m.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			m.logger.Warn("failed to prune tool container", "container", c.ID, "tool", c.Labels[toolLabel], "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) Close() error {
	return m.cli.Close()
}

// Helper to construct list filters
func makeFilters(m map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range m {
		args.Add(k, v)
	}
	return args
}
