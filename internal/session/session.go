// Package session drives one client connection's sandboxed runs: it provisions
// a sandbox per start request, relays the program's I/O and tears everything
// down when the program exits, the client leaves or a step fails.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/protocol"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
)

// destroyTimeout bounds sandbox removal, which runs detached from the
// session's context so it still happens after a disconnect.
const destroyTimeout = 30 * time.Second

// StartRequest asks for code to be run in a fresh sandbox.
type StartRequest struct {
	Language string
	Code     string
}

// InstallRequest asks for libraries to be installed into the live sandbox.
type InstallRequest struct {
	Language  string
	Libraries []string
}

// Info is a point-in-time view of a session.
type Info struct {
	ID           string     `json:"id"`
	State        State      `json:"state"`
	RunID        string     `json:"run_id,omitempty"`
	Language     string     `json:"language,omitempty"`
	SandboxID    string     `json:"sandbox_id,omitempty"`
	Installs     int        `json:"installs,omitempty"`
	OpenedAt     time.Time  `json:"opened_at"`
	RunStartedAt *time.Time `json:"run_started_at,omitempty"`
}

// Session is the state machine for one client connection. It owns at most one
// sandbox at a time.
type Session struct {
	ID       string
	OpenedAt time.Time

	registry *language.Registry
	rt       sandbox.Runtime
	emitter  Emitter
	obs      Observer
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	sb       *sandbox.Sandbox
	run      *activeRun
	installs int
}

// activeRun is everything that belongs to one start request. Fields other
// than id, ctx and cancel are guarded by the session mutex.
type activeRun struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	info    RunInfo
	sb      *sandbox.Sandbox
	primary *relay
	aux     []*relay
	ended   bool
	status  storage.RunStatus
}

// outcome describes how a run ended.
type outcome struct {
	status   storage.RunStatus
	exitCode *int
	err      error
	notice   *protocol.Output
}

func newSession(parent context.Context, registry *language.Registry, rt sandbox.Runtime, emitter Emitter, obs Observer, log *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &Session{
		ID:       id,
		OpenedAt: time.Now().UTC(),
		registry: registry,
		rt:       rt,
		emitter:  emitter,
		obs:      obs,
		log:      log.With(zap.String("session", id)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{ID: s.ID, State: s.state, Installs: s.installs, OpenedAt: s.OpenedAt}
	if s.run != nil {
		info.RunID = s.run.id
		info.Language = s.run.info.Language
		info.SandboxID = s.run.info.SandboxID
		started := s.run.info.StartedAt
		info.RunStartedAt = &started
	}
	return info
}

// Start resolves the language, provisions a sandbox, injects the code and
// launches it. It returns once the program is running; output and the final
// notice arrive through the emitter. Any failure is reported to the client as
// a single diagnostic and leaves the session idle.
func (s *Session) Start(req StartRequest) (string, error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if s.state != Idle {
		s.mu.Unlock()
		s.diagnostic(protocol.SourceSession, msgBusy)
		return "", ErrBusy
	}
	spec, err := s.registry.Resolve(req.Language)
	if err != nil {
		s.mu.Unlock()
		s.diagnostic(protocol.SourceSession, msgUnsupported)
		return "", err
	}
	run := s.newRun(spec)
	s.run = run
	s.state = Provisioning
	info := run.info
	s.mu.Unlock()

	s.obs.RunStarted(info)
	log := s.log.With(zap.String("run", run.id), zap.String("language", spec.ID))
	log.Info("provisioning sandbox", zap.String("image", spec.Image))

	sb, err := s.provision(run.ctx, spec, []byte(req.Code))
	if err != nil {
		s.fail(run, err)
		return run.id, err
	}

	s.mu.Lock()
	if run.ended {
		s.mu.Unlock()
		s.destroy(sb)
		return run.id, ErrCancelled
	}
	s.sb = sb
	run.sb = sb
	run.info.SandboxID = sb.ID
	s.state = Ready
	s.mu.Unlock()

	h, err := s.rt.Launch(run.ctx, sb, spec.RunCommand())
	if err != nil {
		s.fail(run, err)
		return run.id, err
	}

	r := newRelay(s, run, sb, h, protocol.SourceRun, msgCompleted, false)
	s.mu.Lock()
	if run.ended {
		s.mu.Unlock()
		h.Close()
		return run.id, ErrCancelled
	}
	run.primary = r
	s.state = Running
	s.mu.Unlock()

	go r.pump()
	go s.watchExit(run)

	log.Info("run started", zap.String("sandbox", sb.ID))
	return run.id, nil
}

func (s *Session) newRun(spec language.Spec) *activeRun {
	ctx, cancel := context.WithCancel(s.ctx)
	id := uuid.NewString()
	return &activeRun{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		info: RunInfo{
			ID:        id,
			SessionID: s.ID,
			Kind:      storage.KindRun,
			Language:  spec.ID,
			Image:     spec.Image,
			Status:    storage.StatusRunning,
			StartedAt: time.Now().UTC(),
		},
	}
}

// provision creates, starts and fills a sandbox. A partially built sandbox is
// destroyed before the error is returned.
func (s *Session) provision(ctx context.Context, spec language.Spec, code []byte) (*sandbox.Sandbox, error) {
	sb, err := s.rt.Create(ctx, spec.Image)
	if err != nil {
		return nil, err
	}
	if err := s.rt.Start(ctx, sb); err != nil {
		s.destroy(sb)
		return nil, err
	}
	if err := s.rt.Inject(ctx, sb, spec.CodePath, code); err != nil {
		s.destroy(sb)
		return nil, err
	}
	return sb, nil
}

// watchExit waits for the primary program to finish and for its output to
// drain, then tears the run down.
func (s *Session) watchExit(run *activeRun) {
	st, err := s.rt.AwaitExit(run.ctx, run.sb)
	if err != nil {
		if run.ctx.Err() != nil {
			return
		}
		s.fail(run, err)
		return
	}

	select {
	case <-run.primary.done:
	case <-run.ctx.Done():
		return
	}

	code := st.Code
	notice := protocol.Stopped(msgStopped, &code)
	s.teardown(run, outcome{status: storage.StatusExited, exitCode: &code, notice: &notice})
}

// Input forwards a line to the running program's stdin.
func (s *Session) Input(text string) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var r *relay
	if s.state.active() && s.run != nil {
		r = s.run.primary
	}
	s.mu.Unlock()

	if r == nil {
		s.diagnostic(protocol.SourceSession, msgNoProgram)
		return ErrNoActiveRun
	}
	return r.forward(text)
}

// Install launches a dependency install next to the running program. Its
// output is tagged as install output; the program's relay is not touched.
func (s *Session) Install(req InstallRequest) (string, error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if !s.state.active() || s.run == nil || s.run.sb == nil {
		s.mu.Unlock()
		s.diagnostic(protocol.SourceSession, msgNoSandbox)
		return "", ErrNoSandbox
	}
	run := s.run
	sb := run.sb
	spec, err := s.registry.Resolve(req.Language)
	var cmd string
	if err == nil {
		cmd, err = spec.InstallCommand(req.Libraries)
	}
	if err != nil {
		s.mu.Unlock()
		s.diagnostic(protocol.SourceSession, msgInstallUnsupported)
		return "", err
	}
	s.installs++
	s.state = Installing
	s.mu.Unlock()

	info := RunInfo{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		Kind:      storage.KindInstall,
		Language:  spec.ID,
		Image:     sb.Image,
		SandboxID: sb.ID,
		Status:    storage.StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	s.obs.RunStarted(info)
	s.log.Info("installing libraries", zap.String("run", info.ID), zap.Strings("libraries", req.Libraries))

	h, err := s.rt.Launch(run.ctx, sb, cmd)
	if err != nil {
		s.installDone(run)
		if !sb.Destroyed() {
			s.diagnostic(protocol.SourceInstall, errorText(err))
		}
		s.endInstall(info, storage.StatusFailed, nil, err)
		return info.ID, err
	}

	r := newRelay(s, run, sb, h, protocol.SourceInstall, msgInstallComplete, true)
	s.mu.Lock()
	if run.ended {
		status := run.status
		s.mu.Unlock()
		h.Close()
		s.installDone(run)
		s.endInstall(info, status, nil, nil)
		return info.ID, ErrCancelled
	}
	run.aux = append(run.aux, r)
	s.mu.Unlock()

	go func() {
		r.pump()
		s.installDone(run)
		switch {
		case r.silenced():
			s.mu.Lock()
			status := run.status
			s.mu.Unlock()
			s.endInstall(info, status, nil, nil)
		case r.err != nil:
			s.endInstall(info, storage.StatusFailed, nil, r.err)
		default:
			s.endInstall(info, storage.StatusExited, r.exit, nil)
		}
	}()
	return info.ID, nil
}

func (s *Session) installDone(run *activeRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != run || s.installs == 0 {
		return
	}
	s.installs--
	if s.installs == 0 && s.state == Installing {
		s.state = Running
	}
}

func (s *Session) endInstall(info RunInfo, status storage.RunStatus, exitCode *int, err error) {
	if status == "" {
		status = storage.StatusCancelled
	}
	info.Status = status
	info.ExitCode = exitCode
	if err != nil {
		info.Err = err.Error()
	}
	info.EndedAt = time.Now().UTC()
	s.obs.RunEnded(info)
}

// Cancel tears down the active run. An empty runID matches any run.
func (s *Session) Cancel(runID string) error {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil || (runID != "" && run.id != runID) {
		return ErrNoActiveRun
	}

	s.log.Info("cancelling run", zap.String("run", run.id))
	notice := protocol.Stopped(msgCancelled, nil)
	s.teardown(run, outcome{status: storage.StatusCancelled, err: ErrCancelled, notice: &notice})
	return nil
}

// Close handles a disconnect: in-flight provisioning is cancelled and the
// sandbox destroyed without waiting for output to drain. Nothing more is
// emitted.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	run := s.run
	s.mu.Unlock()

	if run != nil {
		s.teardown(run, outcome{status: storage.StatusDisconnected})
	}
	s.cancel()
}

func (s *Session) fail(run *activeRun, err error) {
	s.log.Warn("run failed", zap.String("run", run.id), zap.String("kind", string(sandbox.KindOf(err))), zap.Error(err))
	notice := protocol.Diagnostic(protocol.SourceRun, errorText(err))
	s.teardown(run, outcome{status: storage.StatusFailed, err: err, notice: &notice})
}

// teardown ends run exactly once: it abandons every stream, destroys the
// sandbox, emits the notice if the client is still there and returns the
// session to Idle.
func (s *Session) teardown(run *activeRun, o outcome) {
	s.mu.Lock()
	if run.ended {
		s.mu.Unlock()
		return
	}
	run.ended = true
	run.status = o.status
	if s.state != Closed {
		s.state = Terminating
	}
	sb := run.sb
	relays := append([]*relay(nil), run.aux...)
	if run.primary != nil {
		relays = append(relays, run.primary)
	}
	s.mu.Unlock()

	run.cancel()
	for _, r := range relays {
		r.abandon()
	}
	if sb != nil {
		s.destroy(sb)
	}

	if o.notice != nil && s.State() != Closed {
		s.emit(*o.notice)
	}

	s.mu.Lock()
	if s.run == run {
		s.run = nil
		s.sb = nil
		s.installs = 0
	}
	if s.state == Terminating {
		s.state = Idle
	}
	info := run.info
	s.mu.Unlock()

	info.Status = o.status
	info.ExitCode = o.exitCode
	if o.err != nil {
		info.Err = o.err.Error()
	}
	info.EndedAt = time.Now().UTC()
	s.obs.RunEnded(info)

	s.log.Info("run ended",
		zap.String("run", run.id),
		zap.String("status", string(o.status)),
		zap.Duration("duration", info.EndedAt.Sub(info.StartedAt)),
	)
}

func (s *Session) destroy(sb *sandbox.Sandbox) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := s.rt.Destroy(ctx, sb); err != nil {
		s.log.Warn("destroying sandbox", zap.String("sandbox", sb.ID), zap.Error(err))
	}
}

func (s *Session) emit(o protocol.Output) {
	s.emitter.Emit(o)
}

func (s *Session) diagnostic(src protocol.Source, text string) {
	s.emit(protocol.Diagnostic(src, text))
}
