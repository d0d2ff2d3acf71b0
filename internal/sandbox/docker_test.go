package sandbox

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExec struct {
	cmd    []string
	server net.Conn
	code   int
}

type fakeDocker struct {
	mu sync.Mutex

	images     map[string]bool
	pulled     []string
	created    []*container.Config
	hostCfg    *container.HostConfig
	started    []string
	removed    []string
	removeErr  error
	createErr  error
	startErr   error
	copies     map[string][]byte
	copyErr    error
	execs      map[string]*fakeExec
	execSeq    int
	onExec     func(e *fakeExec)
	waitCh     chan container.WaitResponse
	containers []types.Container
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		images: map[string]bool{},
		copies: map[string][]byte{},
		execs:  map[string]*fakeExec{},
		waitCh: make(chan container.WaitResponse, 1),
	}
}

func (f *fakeDocker) ImageInspectWithRaw(_ context.Context, id string) (types.ImageInspect, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.images[id] {
		return types.ImageInspect{ID: id}, nil, nil
	}
	return types.ImageInspect{}, nil, errdefs.NotFound(errors.New("no such image"))
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	f.images[ref] = true
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, hc *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.created = append(f.created, cfg)
	f.hostCfg = hc
	return container.CreateResponse{ID: "c0ffee0123456789"}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeDocker) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	errCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		errCh <- ctx.Err()
	}()
	return f.waitCh, errCh
}

func (f *fakeDocker) ContainerList(context.Context, container.ListOptions) ([]types.Container, error) {
	return f.containers, nil
}

func (f *fakeDocker) CopyToContainer(_ context.Context, _, dst string, content io.Reader, _ container.CopyToContainerOptions) error {
	if f.copyErr != nil {
		return f.copyErr
	}
	tr := tar.NewReader(content)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.copies[dst+hdr.Name] = body
		f.mu.Unlock()
	}
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, _ string, opts container.ExecOptions) (types.IDResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execSeq++
	id := "exec" + string(rune('0'+f.execSeq))
	f.execs[id] = &fakeExec{cmd: opts.Cmd}
	return types.IDResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerExecAttach(_ context.Context, id string, _ container.ExecStartOptions) (types.HijackedResponse, error) {
	client, server := net.Pipe()
	f.mu.Lock()
	e := f.execs[id]
	e.server = server
	onExec := f.onExec
	f.mu.Unlock()
	if onExec != nil {
		go onExec(e)
	}
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (f *fakeDocker) ContainerExecInspect(_ context.Context, id string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return container.ExecInspect{ExecID: id, ExitCode: f.execs[id].code}, nil
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) { return types.Ping{APIVersion: "1.47"}, nil }

func (f *fakeDocker) Close() error { return nil }

func newTestDocker(f *fakeDocker) *Docker {
	return newDocker(f, DockerConfig{Policy: DefaultPolicy()}, nil)
}

func runningSandbox(t *testing.T, d *Docker) *Sandbox {
	t.Helper()
	ctx := context.Background()
	sb, err := d.Create(ctx, "python:3.12-slim")
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx, sb))
	return sb
}

func TestCreatePullsMissingImage(t *testing.T) {
	f := newFakeDocker()
	d := newTestDocker(f)

	sb, err := d.Create(context.Background(), "python:3.12-slim")
	require.NoError(t, err)

	assert.Equal(t, []string{"python:3.12-slim"}, f.pulled)
	assert.Equal(t, StateCreated, sb.State())
	require.Len(t, f.created, 1)
	cfg := f.created[0]
	assert.Equal(t, []string{DefaultShell}, []string(cfg.Cmd))
	assert.True(t, cfg.OpenStdin)
	assert.True(t, cfg.Tty)
	assert.Equal(t, "true", cfg.Labels[LabelManaged])

	// Second create finds the image locally.
	_, err = d.Create(context.Background(), "python:3.12-slim")
	require.NoError(t, err)
	assert.Len(t, f.pulled, 1)
}

func TestCreateRejectsImageOutsideAllowlist(t *testing.T) {
	f := newFakeDocker()
	p := DefaultPolicy()
	p.Images = []string{"python:3.12-slim"}
	d := newDocker(f, DockerConfig{Policy: p}, nil)

	_, err := d.Create(context.Background(), "evil:latest")
	require.Error(t, err)
	assert.Equal(t, KindProvision, KindOf(err))
	assert.Empty(t, f.created)
}

func TestCreateFailureIsProvisionError(t *testing.T) {
	f := newFakeDocker()
	f.createErr = errors.New("no space left on device")
	d := newTestDocker(f)

	_, err := d.Create(context.Background(), "gcc:13")
	require.Error(t, err)
	assert.Equal(t, KindProvision, KindOf(err))
	assert.Contains(t, err.Error(), "no space left on device")
}

func TestStartFailureIsStartError(t *testing.T) {
	f := newFakeDocker()
	f.startErr = errors.New("oci runtime error")
	d := newTestDocker(f)

	sb, err := d.Create(context.Background(), "gcc:13")
	require.NoError(t, err)
	err = d.Start(context.Background(), sb)
	assert.Equal(t, KindStart, KindOf(err))
	assert.Equal(t, StateCreated, sb.State())
}

func TestDestroyIsIdempotent(t *testing.T) {
	f := newFakeDocker()
	d := newTestDocker(f)
	sb := runningSandbox(t, d)

	require.NoError(t, d.Destroy(context.Background(), sb))
	require.NoError(t, d.Destroy(context.Background(), sb))

	assert.True(t, sb.Destroyed())
	assert.Len(t, f.removed, 1)
}

func TestDestroyTreatsNotFoundAsSuccess(t *testing.T) {
	f := newFakeDocker()
	f.removeErr = errdefs.NotFound(errors.New("no such container"))
	d := newTestDocker(f)
	sb := runningSandbox(t, d)

	assert.NoError(t, d.Destroy(context.Background(), sb))
	assert.True(t, sb.Destroyed())
}

func TestStartAfterDestroyFails(t *testing.T) {
	f := newFakeDocker()
	d := newTestDocker(f)
	sb, err := d.Create(context.Background(), "gcc:13")
	require.NoError(t, err)
	require.NoError(t, d.Destroy(context.Background(), sb))

	err = d.Start(context.Background(), sb)
	assert.Equal(t, KindStart, KindOf(err))
	assert.True(t, sb.Destroyed())
}

func TestInjectWritesSingleFile(t *testing.T) {
	f := newFakeDocker()
	d := newTestDocker(f)
	sb := runningSandbox(t, d)

	require.NoError(t, d.Inject(context.Background(), sb, "/code.py", []byte("print('hi')")))
	assert.Equal(t, "print('hi')", string(f.copies["/code.py"]))
}

func TestInjectRequiresRunningSandbox(t *testing.T) {
	f := newFakeDocker()
	d := newTestDocker(f)
	sb, err := d.Create(context.Background(), "gcc:13")
	require.NoError(t, err)

	err = d.Inject(context.Background(), sb, "/code.c", []byte("int main(){}"))
	assert.Equal(t, KindInjection, KindOf(err))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestInjectCopyFailure(t *testing.T) {
	f := newFakeDocker()
	f.copyErr = errors.New("archive rejected")
	d := newTestDocker(f)
	sb := runningSandbox(t, d)

	err := d.Inject(context.Background(), sb, "/code.py", []byte("x"))
	assert.Equal(t, KindInjection, KindOf(err))
}

func TestLaunchStreamsDemultiplexedOutput(t *testing.T) {
	f := newFakeDocker()
	f.onExec = func(e *fakeExec) {
		stdout := stdcopy.NewStdWriter(e.server, stdcopy.Stdout)
		stderr := stdcopy.NewStdWriter(e.server, stdcopy.Stderr)
		stdout.Write([]byte("A\n"))
		stderr.Write([]byte("oops\n"))
		stdout.Write([]byte("B\n"))
		e.server.Close()
	}
	d := newTestDocker(f)
	sb := runningSandbox(t, d)

	h, err := d.Launch(context.Background(), sb, "python /code.py")
	require.NoError(t, err)
	assert.Same(t, h, sb.Primary())

	var out, errOut bytes.Buffer
	require.NoError(t, h.Stream(&out, &errOut))
	assert.Equal(t, "A\nB\n", out.String())
	assert.Equal(t, "oops\n", errOut.String())

	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after stream ended")
	}

	e := f.execs[h.ID()]
	assert.Equal(t, []string{DefaultShell, "-c", "python /code.py"}, e.cmd)
}

func TestLaunchForwardsStdin(t *testing.T) {
	f := newFakeDocker()
	got := make(chan string, 1)
	f.onExec = func(e *fakeExec) {
		line, _ := bufio.NewReader(e.server).ReadString('\n')
		got <- line
		e.server.Close()
	}
	d := newTestDocker(f)
	sb := runningSandbox(t, d)

	h, err := d.Launch(context.Background(), sb, "cat")
	require.NoError(t, err)
	go h.Stream(io.Discard, io.Discard)

	_, err = h.Write([]byte("42\n"))
	require.NoError(t, err)

	select {
	case line := <-got:
		assert.Equal(t, "42\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("stdin not received")
	}
}

func TestSecondLaunchIsAuxiliary(t *testing.T) {
	f := newFakeDocker()
	f.onExec = func(e *fakeExec) { e.server.Close() }
	d := newTestDocker(f)
	sb := runningSandbox(t, d)

	first, err := d.Launch(context.Background(), sb, "python /code.py")
	require.NoError(t, err)
	second, err := d.Launch(context.Background(), sb, "pip install requests")
	require.NoError(t, err)

	assert.Same(t, first, sb.Primary())
	assert.NotEqual(t, first.ID(), second.ID())
}

func TestAwaitExitReturnsPrimaryExitCode(t *testing.T) {
	f := newFakeDocker()
	f.onExec = func(e *fakeExec) {
		e.code = 3
		e.server.Close()
	}
	d := newTestDocker(f)
	sb := runningSandbox(t, d)

	h, err := d.Launch(context.Background(), sb, "exit 3")
	require.NoError(t, err)
	go h.Stream(io.Discard, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := d.AwaitExit(ctx, sb)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Code)
}

func TestAwaitExitOnContainerStop(t *testing.T) {
	f := newFakeDocker()
	d := newTestDocker(f)
	sb := runningSandbox(t, d)

	_, err := d.Launch(context.Background(), sb, "sleep 100")
	require.NoError(t, err)

	f.waitCh <- container.WaitResponse{StatusCode: 137}
	st, err := d.AwaitExit(context.Background(), sb)
	require.NoError(t, err)
	assert.Equal(t, 137, st.Code)
}

func TestAwaitExitWithoutRun(t *testing.T) {
	d := newTestDocker(newFakeDocker())
	sb := runningSandbox(t, d)

	_, err := d.AwaitExit(context.Background(), sb)
	assert.Equal(t, KindRun, KindOf(err))
}

func TestLaunchOnDestroyedSandbox(t *testing.T) {
	d := newTestDocker(newFakeDocker())
	sb := runningSandbox(t, d)
	require.NoError(t, d.Destroy(context.Background(), sb))

	_, err := d.Launch(context.Background(), sb, "true")
	assert.Equal(t, KindRun, KindOf(err))
}

func TestCleanupRemovesManagedContainers(t *testing.T) {
	f := newFakeDocker()
	f.containers = []types.Container{{ID: "a"}, {ID: "b"}}
	d := newTestDocker(f)

	n, err := d.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, f.removed)
}

func TestPrepullSkipsPresentAndDisallowedImages(t *testing.T) {
	f := newFakeDocker()
	f.images["node:22-slim"] = true
	p := DefaultPolicy()
	p.Images = []string{"python:3.12-slim", "node:22-slim"}
	d := newDocker(f, DockerConfig{Policy: p}, nil)

	err := d.Prepull(context.Background(), []string{"python:3.12-slim", "node:22-slim", "gcc:13"})
	require.NoError(t, err)
	assert.Equal(t, []string{"python:3.12-slim"}, f.pulled)
}

func TestPolicyHostConfig(t *testing.T) {
	p := Policy{MemoryMB: 128, CPUPercent: 0.25, MaxProcesses: 64, GVisor: true}
	hc := p.hostConfig()

	assert.Equal(t, int64(128*1024*1024), hc.Resources.Memory)
	assert.Equal(t, hc.Resources.Memory, hc.Resources.MemorySwap)
	assert.Equal(t, int64(25000), hc.Resources.CPUQuota)
	require.NotNil(t, hc.Resources.PidsLimit)
	assert.Equal(t, int64(64), *hc.Resources.PidsLimit)
	assert.Equal(t, container.NetworkMode("none"), hc.NetworkMode)
	assert.Equal(t, "runsc", hc.Runtime)
	assert.Contains(t, hc.CapDrop, "ALL")

	open := DefaultPolicy().hostConfig()
	assert.Empty(t, string(open.NetworkMode))
}

func TestPolicyImageAllowlist(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.IsImageAllowed("anything:latest"))

	p.Images = []string{"python:3.12-slim"}
	assert.True(t, p.IsImageAllowed("python:3.12-slim"))
	assert.False(t, p.IsImageAllowed("node:22-slim"))
}

func TestErrorMessage(t *testing.T) {
	err := wrap(KindInjection, New("0123456789abcdef", "x"), errors.New("boom"))
	assert.Equal(t, "injection 0123456789ab: boom", err.Error())
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
