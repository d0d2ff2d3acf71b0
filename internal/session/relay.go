package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/michaelbrown/runbox/internal/protocol"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

var errRelayStopped = errors.New("relay stopped")

// relay bridges one run handle and the client. Output flows out through pump;
// input flows in through forward. Both check the sandbox's destroyed flag
// before touching the stream.
type relay struct {
	s          *Session
	run        *activeRun
	sb         *sandbox.Sandbox
	h          sandbox.RunHandle
	source     protocol.Source
	completion string
	waitExit   bool

	done        chan struct{}
	abandoned   atomic.Bool
	inputClosed atomic.Bool
	failOnce    sync.Once

	// Written by pump before done is closed.
	err  error
	exit *int
}

func newRelay(s *Session, run *activeRun, sb *sandbox.Sandbox, h sandbox.RunHandle, src protocol.Source, completion string, waitExit bool) *relay {
	return &relay{
		s:          s,
		run:        run,
		sb:         sb,
		h:          h,
		source:     src,
		completion: completion,
		waitExit:   waitExit,
		done:       make(chan struct{}),
	}
}

func (r *relay) silenced() bool {
	return r.abandoned.Load() || r.sb.Destroyed()
}

// pump copies output chunks to the client in the order the program wrote
// them, then emits the completion notice. A stream error produces exactly
// one diagnostic and ends the relay; on the primary run it also ends the run.
func (r *relay) pump() {
	defer close(r.done)

	err := r.h.Stream(chunkWriter{r: r, stream: protocol.StreamStdout}, chunkWriter{r: r, stream: protocol.StreamStderr})
	if r.silenced() {
		return
	}
	if err != nil {
		r.err = fmt.Errorf("reading output: %w", err)
		r.fail(r.err)
		return
	}

	notice := protocol.Completed(r.source, r.completion)
	if r.waitExit {
		if st, err := r.h.Wait(r.run.ctx); err == nil {
			code := st.Code
			r.exit = &code
			notice.ExitCode = &code
		}
	}
	if r.silenced() {
		return
	}
	r.s.emit(notice)
}

// forward writes one line of input to the program. A newline is appended
// unless the text already ends with one.
func (r *relay) forward(text string) error {
	if r.silenced() {
		return ErrNoActiveRun
	}
	if r.inputClosed.Load() {
		return errRelayStopped
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := r.h.Write([]byte(text)); err != nil {
		r.inputClosed.Store(true)
		// Teardown destroys the sandbox; keep it off the caller's read loop.
		go r.fail(fmt.Errorf("writing input: %w", err))
		return err
	}
	return nil
}

// fail reports a broken stream once. On the program's own relay it aborts
// the whole run and the teardown carries the diagnostic; an install only
// fails itself.
func (r *relay) fail(err error) {
	r.failOnce.Do(func() {
		if r.silenced() {
			return
		}
		if r.source == protocol.SourceRun {
			r.s.fail(r.run, err)
			return
		}
		r.s.diagnostic(r.source, errorText(err))
	})
}

// abandon stops the relay without draining it.
func (r *relay) abandon() {
	r.abandoned.Store(true)
	r.h.Close()
}

type chunkWriter struct {
	r      *relay
	stream string
}

func (w chunkWriter) Write(p []byte) (int, error) {
	if w.r.silenced() {
		return 0, errRelayStopped
	}
	w.r.s.emit(protocol.Data(w.r.source, w.stream, string(p)))
	return len(p), nil
}
