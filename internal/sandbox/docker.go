package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// LabelManaged marks containers created by runbox.
const LabelManaged = "runbox.managed"

// DefaultShell is the shell used as the container's main process and as the
// interpreter for run and install commands.
const DefaultShell = "/bin/sh"

// dockerAPI is the subset of the engine client used by Docker.
type dockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// DockerConfig configures the Docker runtime.
type DockerConfig struct {
	Host   string // Engine address; empty uses DOCKER_HOST or the default socket
	Shell  string
	Policy Policy
}

// Docker implements Runtime on top of the Docker engine API.
type Docker struct {
	api    dockerAPI
	shell  string
	policy Policy
	log    *zap.Logger
}

var _ Runtime = (*Docker)(nil)

// NewDocker connects to the Docker engine.
func NewDocker(cfg DockerConfig, log *zap.Logger) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return newDocker(cli, cfg, log), nil
}

func newDocker(api dockerAPI, cfg DockerConfig, log *zap.Logger) *Docker {
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Docker{api: api, shell: cfg.Shell, policy: cfg.Policy, log: log}
}

// Create pulls the image if needed and creates a stopped container for it.
func (d *Docker) Create(ctx context.Context, img string) (*Sandbox, error) {
	if !d.policy.IsImageAllowed(img) {
		return nil, wrap(KindProvision, nil, fmt.Errorf("image %q not in allowlist", img))
	}
	if err := d.ensureImage(ctx, img); err != nil {
		return nil, wrap(KindProvision, nil, err)
	}

	// The idle shell keeps the container alive between runs.
	cfg := &container.Config{
		Image:     img,
		Cmd:       []string{d.shell},
		OpenStdin: true,
		Tty:       true,
		Labels:    map[string]string{LabelManaged: "true"},
	}
	resp, err := d.api.ContainerCreate(ctx, cfg, d.policy.hostConfig(), &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return nil, wrap(KindProvision, nil, fmt.Errorf("creating container: %w", err))
	}
	for _, w := range resp.Warnings {
		d.log.Warn("container create warning", zap.String("container", shortID(resp.ID)), zap.String("warning", w))
	}

	d.log.Debug("container created", zap.String("container", shortID(resp.ID)), zap.String("image", img))
	return New(resp.ID, img), nil
}

// ensureImage pulls the image if it doesn't exist locally.
func (d *Docker) ensureImage(ctx context.Context, img string) error {
	if _, _, err := d.api.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", img, err)
	}

	d.log.Info("pulling image", zap.String("image", img))
	rc, err := d.api.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", img, err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %s: %w", img, err)
	}
	return nil
}

// Start starts a created sandbox.
func (d *Docker) Start(ctx context.Context, sb *Sandbox) error {
	if err := d.api.ContainerStart(ctx, sb.ID, container.StartOptions{}); err != nil {
		return wrap(KindStart, sb, fmt.Errorf("starting container: %w", err))
	}
	if !sb.MarkRunning() {
		return wrap(KindStart, sb, errors.New("sandbox destroyed while starting"))
	}
	return nil
}

// Destroy force-removes the sandbox's container. Only the first call does
// any work; a container the engine no longer knows about counts as removed.
func (d *Docker) Destroy(ctx context.Context, sb *Sandbox) error {
	if !sb.MarkDestroyed() {
		return nil
	}
	err := d.api.ContainerRemove(ctx, sb.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing container %s: %w", shortID(sb.ID), err)
	}
	d.log.Debug("container removed", zap.String("container", shortID(sb.ID)))
	return nil
}

// Inject writes content to path inside the sandbox.
func (d *Docker) Inject(ctx context.Context, sb *Sandbox, path string, content []byte) error {
	if sb.State() != StateRunning {
		return wrap(KindInjection, sb, ErrNotRunning)
	}
	archive, err := tarFile(path, content)
	if err != nil {
		return wrap(KindInjection, sb, err)
	}
	if err := d.api.CopyToContainer(ctx, sb.ID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return wrap(KindInjection, sb, fmt.Errorf("copying %s: %w", path, err))
	}
	return nil
}

// Launch starts command under the sandbox shell with stdin, stdout and stderr
// attached. The first run launched becomes the sandbox's primary run.
func (d *Docker) Launch(ctx context.Context, sb *Sandbox, command string) (RunHandle, error) {
	if sb.State() != StateRunning {
		return nil, wrap(KindRun, sb, ErrNotRunning)
	}

	exec, err := d.api.ContainerExecCreate(ctx, sb.ID, container.ExecOptions{
		Cmd:          []string{d.shell, "-c", command},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	})
	if err != nil {
		return nil, wrap(KindRun, sb, fmt.Errorf("creating exec: %w", err))
	}

	resp, err := d.api.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{Tty: false})
	if err != nil {
		return nil, wrap(KindRun, sb, fmt.Errorf("attaching to exec: %w", err))
	}

	h := newDockerRun(exec.ID, d.api, resp)
	sb.SetPrimary(h)
	return h, nil
}

// AwaitExit blocks until the primary run has finished or the container has
// stopped, whichever comes first.
func (d *Docker) AwaitExit(ctx context.Context, sb *Sandbox) (ExitStatus, error) {
	primary := sb.Primary()
	if primary == nil {
		return ExitStatus{}, wrap(KindRun, sb, errors.New("no run launched"))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	waitCh, errCh := d.api.ContainerWait(ctx, sb.ID, container.WaitConditionNotRunning)
	select {
	case <-primary.Done():
		st, err := primary.Wait(ctx)
		if err != nil {
			return ExitStatus{}, wrap(KindRun, sb, err)
		}
		return st, nil
	case w := <-waitCh:
		if w.Error != nil && w.Error.Message != "" {
			return ExitStatus{}, wrap(KindRun, sb, errors.New(w.Error.Message))
		}
		return ExitStatus{Code: int(w.StatusCode)}, nil
	case err := <-errCh:
		return ExitStatus{}, wrap(KindRun, sb, fmt.Errorf("waiting for container: %w", err))
	}
}

// Cleanup removes containers left behind by a previous process.
func (d *Docker) Cleanup(ctx context.Context) (int, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}
	removed := 0
	for _, c := range list {
		err := d.api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !errdefs.IsNotFound(err) {
			d.log.Warn("removing stale container", zap.String("container", shortID(c.ID)), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// Prepull fetches the allowed images that are missing locally so the first
// run of a language does not wait on a pull. Disallowed images are skipped.
func (d *Docker) Prepull(ctx context.Context, images []string) error {
	var errs []error
	for _, img := range images {
		if !d.policy.IsImageAllowed(img) {
			continue
		}
		if err := d.ensureImage(ctx, img); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ping checks that the engine is reachable.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.api.Ping(ctx); err != nil {
		return fmt.Errorf("pinging docker: %w", err)
	}
	return nil
}

// Close releases the engine client.
func (d *Docker) Close() error {
	return d.api.Close()
}
