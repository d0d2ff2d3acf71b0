package session

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

// Options configures a Manager.
type Options struct {
	// MaxSessions caps concurrent sessions; zero means unlimited.
	MaxSessions int
	Observer    Observer
	Logger      *zap.Logger
}

// Manager tracks the live sessions, one per client connection.
type Manager struct {
	registry *language.Registry
	rt       sandbox.Runtime
	obs      Observer
	log      *zap.Logger
	max      int

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager. Sessions derive their contexts from ctx.
func NewManager(ctx context.Context, registry *language.Registry, rt sandbox.Runtime, opts Options) *Manager {
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		registry: registry,
		rt:       rt,
		obs:      opts.Observer,
		log:      opts.Logger,
		max:      opts.MaxSessions,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Registry returns the language registry sessions resolve against.
func (m *Manager) Registry() *language.Registry {
	return m.registry
}

// Open creates an idle session that emits to emitter.
func (m *Manager) Open(emitter Emitter) (*Session, error) {
	m.mu.Lock()
	if m.max > 0 && len(m.sessions) >= m.max {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	s := newSession(m.ctx, m.registry, m.rt, emitter, m.obs, m.log)
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.obs.SessionOpened(s.ID)
	s.log.Debug("session opened")
	return s, nil
}

// Get returns a session if it exists.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close removes a session and destroys its sandbox.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	m.obs.SessionClosed(id)
	s.log.Debug("session closed")
}

// Cancel tears down a session's active run. It is the hook external
// supervisors use to enforce limits.
func (m *Manager) Cancel(id, runID string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	return s.Cancel(runID)
}

// List returns a snapshot of every session, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every session in parallel and waits for their sandboxes to
// be destroyed.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			s.Close()
			m.obs.SessionClosed(s.ID)
			return nil
		})
	}
	g.Wait()
	m.cancel()
}
