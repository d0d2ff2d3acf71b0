// Package sandboxtest provides an in-memory sandbox.Runtime whose programs are
// Go functions.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

// Program is the behaviour of a fake process. It runs on its own goroutine.
type Program func(p *Proc)

type chunk struct {
	stderr bool
	data   string
}

// Run is an in-memory sandbox.RunHandle.
type Run struct {
	id     string
	chunks chan chunk
	stdin  chan string

	done      chan struct{}
	doneOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	exited    chan struct{}
	exitOnce  sync.Once
	code      int

	broken    chan struct{}
	breakOnce sync.Once
	breakErr  error

	mu       sync.Mutex
	writeErr error
}

func newRun(id string) *Run {
	return &Run{
		id:     id,
		chunks: make(chan chunk),
		stdin:  make(chan string, 16),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		exited: make(chan struct{}),
		broken: make(chan struct{}),
	}
}

func (r *Run) ID() string { return r.id }

func (r *Run) Write(p []byte) (int, error) {
	r.mu.Lock()
	werr := r.writeErr
	r.mu.Unlock()
	if werr != nil {
		return 0, werr
	}
	select {
	case <-r.closed:
		return 0, io.ErrClosedPipe
	case <-r.exited:
		return 0, io.ErrClosedPipe
	default:
	}
	select {
	case r.stdin <- string(p):
		return len(p), nil
	case <-r.closed:
		return 0, io.ErrClosedPipe
	}
}

func (r *Run) Stream(stdout, stderr io.Writer) error {
	defer r.doneOnce.Do(func() { close(r.done) })
	for {
		select {
		case c, ok := <-r.chunks:
			if !ok {
				return nil
			}
			w := stdout
			if c.stderr {
				w = stderr
			}
			if _, err := w.Write([]byte(c.data)); err != nil {
				return err
			}
		case <-r.broken:
			return r.breakErr
		case <-r.closed:
			return errors.New("use of closed network connection")
		}
	}
}

func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) Wait(ctx context.Context) (sandbox.ExitStatus, error) {
	select {
	case <-r.exited:
		return sandbox.ExitStatus{Code: r.code}, nil
	case <-ctx.Done():
		return sandbox.ExitStatus{}, ctx.Err()
	}
}

func (r *Run) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

// Proc is the program side of a Run.
type Proc struct {
	r *Run
}

// Out writes to stdout.
func (p *Proc) Out(s string) { p.send(chunk{data: s}) }

// Err writes to stderr.
func (p *Proc) Err(s string) { p.send(chunk{stderr: true, data: s}) }

func (p *Proc) send(c chunk) {
	select {
	case p.r.chunks <- c:
	case <-p.r.closed:
	}
}

// Break ends the output stream with err while the process keeps running,
// like a dropped attach connection.
func (p *Proc) Break(err error) {
	p.r.breakOnce.Do(func() {
		p.r.breakErr = err
		close(p.r.broken)
	})
}

// FailInput makes every later stdin write return err.
func (p *Proc) FailInput(err error) {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	p.r.writeErr = err
}

// ReadLine blocks for the next stdin write. It reports false once the run's
// connection has been closed.
func (p *Proc) ReadLine() (string, bool) {
	select {
	case l := <-p.r.stdin:
		return l, true
	case <-p.r.closed:
		return "", false
	}
}

// Exit ends the process with code and closes its output.
func (p *Proc) Exit(code int) {
	p.r.exitOnce.Do(func() {
		p.r.code = code
		close(p.r.exited)
		close(p.r.chunks)
	})
}

// Echo writes back every line it reads, prefixed with "echo: ", until it
// reads "quit". A closed connection ends it with 137.
func Echo(p *Proc) {
	for {
		line, ok := p.ReadLine()
		if !ok {
			p.Exit(137)
			return
		}
		if line == "quit\n" {
			p.Exit(0)
			return
		}
		p.Out("echo: " + line)
	}
}

// Runtime is an in-memory sandbox.Runtime. Commands run the Program
// registered for their longest matching prefix; unmatched commands exit 0
// without output.
type Runtime struct {
	mu        sync.Mutex
	seq       int
	sandboxes []*sandbox.Sandbox
	removed   map[string]int
	injected  map[string]string
	commands  []string
	programs  map[string]Program

	// CreateGate, when set, blocks Create until it is closed or the
	// context ends.
	CreateGate chan struct{}
	CreateErr  error
	StartErr   error
	InjectErr  error
	LaunchErr  error
}

var _ sandbox.Runtime = (*Runtime)(nil)

// New returns an empty Runtime.
func New() *Runtime {
	return &Runtime{
		removed:  map[string]int{},
		injected: map[string]string{},
		programs: map[string]Program{},
	}
}

// On sets the program run for commands with the given prefix.
func (f *Runtime) On(prefix string, p Program) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.programs[prefix] = p
}

// SetLaunchErr changes the Launch failure while runs may be in flight.
func (f *Runtime) SetLaunchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LaunchErr = err
}

func (f *Runtime) Create(ctx context.Context, image string) (*sandbox.Sandbox, error) {
	if f.CreateGate != nil {
		select {
		case <-f.CreateGate:
		case <-ctx.Done():
			return nil, &sandbox.Error{Kind: sandbox.KindProvision, Err: ctx.Err()}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, &sandbox.Error{Kind: sandbox.KindProvision, Err: f.CreateErr}
	}
	f.seq++
	sb := sandbox.New(fmt.Sprintf("sb-%d", f.seq), image)
	f.sandboxes = append(f.sandboxes, sb)
	return sb, nil
}

func (f *Runtime) Start(_ context.Context, sb *sandbox.Sandbox) error {
	f.mu.Lock()
	err := f.StartErr
	f.mu.Unlock()
	if err != nil {
		return &sandbox.Error{Kind: sandbox.KindStart, SandboxID: sb.ID, Err: err}
	}
	if !sb.MarkRunning() {
		return &sandbox.Error{Kind: sandbox.KindStart, SandboxID: sb.ID, Err: errors.New("destroyed")}
	}
	return nil
}

func (f *Runtime) Destroy(_ context.Context, sb *sandbox.Sandbox) error {
	if !sb.MarkDestroyed() {
		return nil
	}
	f.mu.Lock()
	f.removed[sb.ID]++
	f.mu.Unlock()
	return nil
}

func (f *Runtime) Inject(_ context.Context, sb *sandbox.Sandbox, path string, content []byte) error {
	if sb.State() != sandbox.StateRunning {
		return &sandbox.Error{Kind: sandbox.KindInjection, SandboxID: sb.ID, Err: sandbox.ErrNotRunning}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InjectErr != nil {
		return &sandbox.Error{Kind: sandbox.KindInjection, SandboxID: sb.ID, Err: f.InjectErr}
	}
	f.injected[sb.ID+":"+path] = string(content)
	return nil
}

func (f *Runtime) Launch(_ context.Context, sb *sandbox.Sandbox, command string) (sandbox.RunHandle, error) {
	if sb.State() != sandbox.StateRunning {
		return nil, &sandbox.Error{Kind: sandbox.KindRun, SandboxID: sb.ID, Err: sandbox.ErrNotRunning}
	}
	f.mu.Lock()
	if f.LaunchErr != nil {
		f.mu.Unlock()
		return nil, &sandbox.Error{Kind: sandbox.KindRun, SandboxID: sb.ID, Err: f.LaunchErr}
	}
	f.commands = append(f.commands, command)
	r := newRun(fmt.Sprintf("exec-%d", len(f.commands)))
	prog := Program(func(p *Proc) { p.Exit(0) })
	best := -1
	for prefix, pg := range f.programs {
		if strings.HasPrefix(command, prefix) && len(prefix) > best {
			prog, best = pg, len(prefix)
		}
	}
	f.mu.Unlock()

	sb.SetPrimary(r)
	go prog(&Proc{r: r})
	return r, nil
}

func (f *Runtime) AwaitExit(ctx context.Context, sb *sandbox.Sandbox) (sandbox.ExitStatus, error) {
	primary := sb.Primary()
	if primary == nil {
		return sandbox.ExitStatus{}, &sandbox.Error{Kind: sandbox.KindRun, SandboxID: sb.ID, Err: errors.New("no run")}
	}
	select {
	case <-primary.Done():
		return primary.Wait(ctx)
	case <-ctx.Done():
		return sandbox.ExitStatus{}, ctx.Err()
	}
}

// Sandboxes returns every sandbox created so far.
func (f *Runtime) Sandboxes() []*sandbox.Sandbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sandbox.Sandbox(nil), f.sandboxes...)
}

// Injected returns the content written to path in a sandbox.
func (f *Runtime) Injected(sandboxID, path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.injected[sandboxID+":"+path]
}

// Live counts sandboxes that have not been destroyed.
func (f *Runtime) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sb := range f.sandboxes {
		if !sb.Destroyed() {
			n++
		}
	}
	return n
}

// Created counts sandboxes ever created.
func (f *Runtime) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sandboxes)
}

// Removals counts Destroy calls that removed the sandbox.
func (f *Runtime) Removals(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed[id]
}

// Commands returns every launched command in order.
func (f *Runtime) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}
