package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/protocol"
	"github.com/michaelbrown/runbox/internal/sandbox/sandboxtest"
)

// sink collects emitted events.
type sink struct {
	mu     sync.Mutex
	events []protocol.Output
	ch     chan protocol.Output
}

func newSink() *sink {
	return &sink{ch: make(chan protocol.Output, 256)}
}

func (s *sink) Emit(o protocol.Output) {
	s.mu.Lock()
	s.events = append(s.events, o)
	s.mu.Unlock()
	s.ch <- o
}

func (s *sink) all() []protocol.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Output(nil), s.events...)
}

// waitFor consumes events until one matches.
func (s *sink) waitFor(t *testing.T, match func(protocol.Output) bool) protocol.Output {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case o := <-s.ch:
			if match(o) {
				return o
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event; got %+v", s.all())
			return protocol.Output{}
		}
	}
}

func isKind(k protocol.Kind) func(protocol.Output) bool {
	return func(o protocol.Output) bool { return o.Kind == k }
}

func isText(text string) func(protocol.Output) bool {
	return func(o protocol.Output) bool { return o.Text == text }
}

// recordingObserver keeps every run event.
type recordingObserver struct {
	NopObserver
	mu      sync.Mutex
	started []RunInfo
	ended   []RunInfo
}

func (o *recordingObserver) RunStarted(i RunInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, i)
}

func (o *recordingObserver) RunEnded(i RunInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, i)
}

func (o *recordingObserver) endedRuns() []RunInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]RunInfo(nil), o.ended...)
}

type harness struct {
	rt   *sandboxtest.Runtime
	sink *sink
	obs  *recordingObserver
	mgr  *Manager
	s    *Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := language.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{rt: sandboxtest.New(), sink: newSink(), obs: &recordingObserver{}}
	h.mgr = NewManager(context.Background(), reg, h.rt, Options{Observer: h.obs})
	h.s, err = h.mgr.Open(h.sink)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.mgr.CloseAll)
	return h
}
