// Package sandbox provisions isolated containers and runs commands inside them.
package sandbox

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of a sandbox.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// Sandbox is one isolated container. It is owned by exactly one session.
//
// The destroyed state is the flag every relay checks before emitting output or
// writing input; once set it never clears.
type Sandbox struct {
	ID    string
	Image string

	state atomic.Int32

	mu      sync.Mutex
	primary RunHandle
}

// New returns a sandbox in the created state.
func New(id, image string) *Sandbox {
	return &Sandbox{ID: id, Image: image}
}

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	return State(s.state.Load())
}

// MarkRunning moves a created sandbox to running. It returns false if the
// sandbox was destroyed in the meantime.
func (s *Sandbox) MarkRunning() bool {
	return s.state.CompareAndSwap(int32(StateCreated), int32(StateRunning))
}

// MarkDestroyed sets the destroyed flag. It returns true only for the call
// that performed the transition.
func (s *Sandbox) MarkDestroyed() bool {
	for {
		cur := s.state.Load()
		if State(cur) == StateDestroyed {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(StateDestroyed)) {
			return true
		}
	}
}

// Destroyed reports whether the sandbox has been torn down.
func (s *Sandbox) Destroyed() bool {
	return s.State() == StateDestroyed
}

// SetPrimary registers h as the sandbox's primary run unless one is already
// set. It reports whether h became the primary run.
func (s *Sandbox) SetPrimary(h RunHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primary != nil {
		return false
	}
	s.primary = h
	return true
}

// Primary returns the first run launched against the sandbox, or nil.
func (s *Sandbox) Primary() RunHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary
}

// ExitStatus is the result of a finished run. A non-zero code is a status,
// not an error.
type ExitStatus struct {
	Code int
}

// RunHandle is one process launched inside a sandbox.
type RunHandle interface {
	ID() string

	// Write sends bytes to the process's stdin.
	Write(p []byte) (int, error)

	// Stream copies the process's stdout and stderr into the given writers
	// until the process closes them. It may be called once.
	Stream(stdout, stderr io.Writer) error

	// Done is closed when the output stream has ended.
	Done() <-chan struct{}

	// Wait blocks until the process has exited and returns its status.
	Wait(ctx context.Context) (ExitStatus, error)

	// Close abandons the stream and releases the connection.
	Close() error
}

// Provisioner creates, starts and destroys sandboxes.
type Provisioner interface {
	Create(ctx context.Context, image string) (*Sandbox, error)
	Start(ctx context.Context, sb *Sandbox) error
	Destroy(ctx context.Context, sb *Sandbox) error
}

// Injector places source files into a running sandbox.
type Injector interface {
	Inject(ctx context.Context, sb *Sandbox, path string, content []byte) error
}

// Supervisor launches processes and waits for the primary one to exit.
type Supervisor interface {
	Launch(ctx context.Context, sb *Sandbox, command string) (RunHandle, error)
	AwaitExit(ctx context.Context, sb *Sandbox) (ExitStatus, error)
}

// Runtime is the full set of sandbox operations a session needs.
type Runtime interface {
	Provisioner
	Injector
	Supervisor
}
