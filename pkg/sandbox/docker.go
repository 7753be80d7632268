package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/FlexiInc/sirpi-gcp/pkg/stores"
	"github.com/FlexiInc/sirpi-gcp/pkg/telemetry"
)

// destroyTimeout bounds sandbox teardown. Teardown runs on a fresh
// context so a cancelled phase can never leak a container.
const destroyTimeout = 30 * time.Second

// scanBufferSize is the maximum length of a single output line.
const scanBufferSize = 1024 * 1024

// DockerConfig configures the Docker-backed sandbox manager.
type DockerConfig struct {
	// Host is the Docker daemon address. Empty uses environment defaults.
	Host string `yaml:"host"`

	// PullImages controls whether missing template images are pulled.
	PullImages bool `yaml:"pull_images"`
}

// DockerManager provisions sandboxes as Docker containers with a blocking
// entrypoint, running phase commands through the exec API.
type DockerManager struct {
	cli     *client.Client
	config  DockerConfig
	metrics *telemetry.Metrics
	log     *telemetry.Logger
}

// NewDockerManager creates a manager connected to the Docker daemon.
func NewDockerManager(cfg DockerConfig, metrics *telemetry.Metrics, log *telemetry.Logger) (*DockerManager, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerManager{
		cli:     cli,
		config:  cfg,
		metrics: metrics,
		log:     log.NewComponentLogger("sandbox"),
	}, nil
}

// Ping validates connectivity to the Docker daemon.
func (m *DockerManager) Ping(ctx context.Context) error {
	ping, err := m.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases the underlying Docker client.
func (m *DockerManager) Close() error {
	return m.cli.Close()
}

// Provision creates and starts a sandbox container for one action. The
// container idles on a blocking entrypoint; commands run via exec.
func (m *DockerManager) Provision(ctx context.Context, spec Spec) (Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if err := m.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Entrypoint: []string{"sleep"},
		Cmd:        []string{"infinity"},
		WorkingDir: spec.WorkDir,
		Env:        spec.Env,
		Labels: map[string]string{
			"sirpi.project": spec.ProjectID,
			"sirpi.action":  spec.ActionID,
		},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: false,
	}

	name := "sirpi-" + spec.ActionID
	created, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}

	if err := m.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// The container exists but never started; remove it so the
		// failed provision leaves nothing behind.
		m.forceRemove(created.ID)
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	m.metrics.RecordSandboxCreated()
	m.log.WithActionID(spec.ActionID).
		WithField("container_id", created.ID[:12]).
		Info("sandbox provisioned")

	return &dockerHandle{
		id:      created.ID,
		workDir: spec.WorkDir,
		manager: m,
	}, nil
}

// ensureImage makes the template image available locally.
func (m *DockerManager) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := m.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	if !m.config.PullImages {
		return fmt.Errorf("image %s not present and pulling is disabled", ref)
	}

	reader, err := m.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// forceRemove removes a container on a fresh context, ignoring not-found.
func (m *DockerManager) forceRemove(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()

	err := m.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove sandbox container: %w", err)
	}
	return nil
}

// dockerHandle is a live container sandbox.
type dockerHandle struct {
	id      string
	workDir string
	manager *DockerManager

	destroyOnce sync.Once
	destroyErr  error
}

func (h *dockerHandle) ID() string {
	return h.id
}

// StageFiles copies the artifact files into the sandbox workdir via a
// tar stream.
func (h *dockerHandle) StageFiles(ctx context.Context, files map[string][]byte) error {
	if len(files) == 0 {
		return nil
	}
	archive, err := tarFiles(files)
	if err != nil {
		return fmt.Errorf("failed to build staging archive: %w", err)
	}
	opts := container.CopyToContainerOptions{}
	if err := h.manager.cli.CopyToContainer(ctx, h.id, h.workDir, archive, opts); err != nil {
		return fmt.Errorf("failed to stage files into sandbox: %w", err)
	}
	return nil
}

// Run executes one command through the exec API, demultiplexing stdout
// and stderr into tagged output lines.
func (h *dockerHandle) Run(ctx context.Context, cmd Command, out OutputFunc) (int, error) {
	if err := cmd.Validate(); err != nil {
		return 0, err
	}

	dir := cmd.Dir
	if dir == "" {
		dir = h.workDir
	}

	execCfg := container.ExecOptions{
		Cmd:          cmd.Argv,
		WorkingDir:   dir,
		Env:          cmd.Env,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := h.manager.cli.ContainerExecCreate(ctx, h.id, execCfg)
	if err != nil {
		return 0, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := h.manager.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	// The attached stream multiplexes stdout and stderr; demux into two
	// pipes and scan each into lines.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, resp.Reader)
		stdoutW.CloseWithError(copyErr)
		stderrW.CloseWithError(copyErr)
		copyDone <- copyErr
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go scanLines(&wg, stdoutR, stores.LogStreamStdout, out)
	go scanLines(&wg, stderrR, stores.LogStreamStderr, out)

	// Unblock the demux goroutine when the context ends mid-command.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			resp.Close()
		case <-watchDone:
		}
	}()

	wg.Wait()
	copyErr := <-copyDone
	close(watchDone)

	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if copyErr != nil && copyErr != io.EOF {
		return 0, fmt.Errorf("failed to read exec output: %w", copyErr)
	}

	inspect, err := h.manager.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return inspect.ExitCode, nil
}

// Destroy removes the container. Safe to call from any goroutine, any
// number of times; the removal happens once.
func (h *dockerHandle) Destroy(_ context.Context) error {
	h.destroyOnce.Do(func() {
		h.destroyErr = h.manager.forceRemove(h.id)
		if h.destroyErr == nil {
			h.manager.metrics.RecordSandboxDestroyed()
			h.manager.log.WithField("container_id", h.id[:12]).Info("sandbox destroyed")
		}
	})
	return h.destroyErr
}

// scanLines feeds whole lines from r to out until EOF.
func scanLines(wg *sync.WaitGroup, r io.Reader, stream stores.LogStream, out OutputFunc) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		out(stream, scanner.Text())
	}
}
