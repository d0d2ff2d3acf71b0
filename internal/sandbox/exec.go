package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"
)

// inspectInterval is how often Wait polls an exec whose output has ended but
// whose process is still being reaped.
const inspectInterval = 50 * time.Millisecond

// dockerRun is a RunHandle over a hijacked exec connection.
type dockerRun struct {
	id   string
	api  dockerAPI
	resp types.HijackedResponse

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	wmu       sync.Mutex
}

func newDockerRun(id string, api dockerAPI, resp types.HijackedResponse) *dockerRun {
	return &dockerRun{id: id, api: api, resp: resp, done: make(chan struct{})}
}

func (r *dockerRun) ID() string { return r.id }

func (r *dockerRun) Write(p []byte) (int, error) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	return r.resp.Conn.Write(p)
}

// Stream demultiplexes the exec's output until EOF. The engine frames stdout
// and stderr on one connection when no TTY is allocated.
func (r *dockerRun) Stream(stdout, stderr io.Writer) error {
	defer r.doneOnce.Do(func() { close(r.done) })
	_, err := stdcopy.StdCopy(stdout, stderr, r.resp.Reader)
	return err
}

func (r *dockerRun) Done() <-chan struct{} { return r.done }

func (r *dockerRun) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}

	ticker := time.NewTicker(inspectInterval)
	defer ticker.Stop()
	for {
		insp, err := r.api.ContainerExecInspect(ctx, r.id)
		if err != nil {
			return ExitStatus{}, fmt.Errorf("inspecting exec: %w", err)
		}
		if !insp.Running {
			return ExitStatus{Code: insp.ExitCode}, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ExitStatus{}, ctx.Err()
		}
	}
}

func (r *dockerRun) Close() error {
	r.closeOnce.Do(r.resp.Close)
	return nil
}
