package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/protocol"
	"github.com/michaelbrown/runbox/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

func newTestManager(t *testing.T, rt *sandboxtest.Runtime, opts Options) *Manager {
	t.Helper()
	reg, err := language.NewRegistry()
	require.NoError(t, err)
	m := NewManager(context.Background(), reg, rt, opts)
	t.Cleanup(m.CloseAll)
	return m
}

func TestManagerOpenGetClose(t *testing.T) {
	rt := sandboxtest.New()
	m := newTestManager(t, rt, Options{})

	s, err := m.Open(newSink())
	require.NoError(t, err)

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, m.Len())

	m.Close(s.ID)
	_, ok = m.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, Closed, s.State())

	// Closing twice is harmless.
	m.Close(s.ID)
}

func TestManagerMaxSessions(t *testing.T) {
	m := newTestManager(t, sandboxtest.New(), Options{MaxSessions: 2})

	a, err := m.Open(newSink())
	require.NoError(t, err)
	_, err = m.Open(newSink())
	require.NoError(t, err)

	_, err = m.Open(newSink())
	assert.ErrorIs(t, err, ErrTooManySessions)

	m.Close(a.ID)
	_, err = m.Open(newSink())
	assert.NoError(t, err)
}

func TestManagerCancel(t *testing.T) {
	rt := sandboxtest.New()
	rt.On("python", sandboxtest.Echo)
	m := newTestManager(t, rt, Options{})

	snk := newSink()
	s, err := m.Open(snk)
	require.NoError(t, err)
	runID, err := s.Start(StartRequest{Language: "python", Code: "input()"})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Cancel("missing", ""), ErrNotFound)
	require.NoError(t, m.Cancel(s.ID, runID))
	snk.waitFor(t, isText("Execution cancelled"))
	assert.Equal(t, 0, rt.Live())
}

func TestManagerListAndCloseAll(t *testing.T) {
	rt := sandboxtest.New()
	rt.On("python", sandboxtest.Echo)
	reg, err := language.NewRegistry()
	require.NoError(t, err)
	m := NewManager(context.Background(), reg, rt, Options{})

	var sessions []*Session
	for i := 0; i < 3; i++ {
		s, err := m.Open(newSink())
		require.NoError(t, err)
		sessions = append(sessions, s)
	}
	_, err = sessions[1].Start(StartRequest{Language: "python", Code: "input()"})
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 3)
	states := map[string]State{}
	for _, info := range list {
		states[info.ID] = info.State
	}
	assert.Equal(t, Running, states[sessions[1].ID])
	assert.Equal(t, Idle, states[sessions[0].ID])

	m.CloseAll()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, rt.Live())
	for _, s := range sessions {
		assert.Equal(t, Closed, s.State())
	}
}

func TestRecorderPersistsRuns(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rt := sandboxtest.New()
	rt.On("node", func(p *sandboxtest.Proc) {
		p.Out("42\n")
		p.Exit(3)
	})
	m := newTestManager(t, rt, Options{Observer: Observers{NopObserver{}, NewRecorder(store, nil)}})

	snk := newSink()
	s, err := m.Open(snk)
	require.NoError(t, err)
	runID, err := s.Start(StartRequest{Language: "node", Code: "console.log(42); process.exit(3)"})
	require.NoError(t, err)
	snk.waitFor(t, isKind(protocol.KindStopped))

	require.Eventually(t, func() bool {
		r, err := store.GetRun(context.Background(), runID)
		return err == nil && r.Status == storage.StatusExited
	}, waitFor, tick)

	r, err := store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, r.SessionID)
	assert.Equal(t, "node", r.Language)
	assert.Equal(t, "node:22-slim", r.Image)
	assert.Equal(t, "sb-1", r.SandboxID)
	require.NotNil(t, r.ExitCode)
	assert.Equal(t, 3, *r.ExitCode)
	assert.NotNil(t, r.EndedAt)
}
