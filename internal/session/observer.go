package session

import (
	"time"

	"github.com/michaelbrown/runbox/internal/protocol"
	"github.com/michaelbrown/runbox/internal/storage"
)

// Emitter delivers output events to a client in call order.
type Emitter interface {
	Emit(protocol.Output)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(protocol.Output)

func (f EmitterFunc) Emit(o protocol.Output) { f(o) }

// RunInfo describes one run for observers. It never carries code or output.
type RunInfo struct {
	ID        string
	SessionID string
	Kind      storage.RunKind
	Language  string
	Image     string
	SandboxID string
	Status    storage.RunStatus
	ExitCode  *int
	Err       string
	StartedAt time.Time
	EndedAt   time.Time
}

// Record converts the info to a storage record.
func (i RunInfo) Record() *storage.Run {
	r := &storage.Run{
		ID:        i.ID,
		SessionID: i.SessionID,
		Kind:      i.Kind,
		Language:  i.Language,
		Image:     i.Image,
		SandboxID: i.SandboxID,
		Status:    i.Status,
		ExitCode:  i.ExitCode,
		Error:     i.Err,
		StartedAt: i.StartedAt,
	}
	if !i.EndedAt.IsZero() {
		end := i.EndedAt
		r.EndedAt = &end
	}
	return r
}

// Observer is notified of session and run lifecycle events. Methods are
// called from many goroutines and must not block.
type Observer interface {
	SessionOpened(id string)
	SessionClosed(id string)
	RunStarted(info RunInfo)
	RunEnded(info RunInfo)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) SessionOpened(string) {}
func (NopObserver) SessionClosed(string) {}
func (NopObserver) RunStarted(RunInfo)   {}
func (NopObserver) RunEnded(RunInfo)     {}

// Observers fans events out to several observers in order.
type Observers []Observer

func (o Observers) SessionOpened(id string) {
	for _, x := range o {
		x.SessionOpened(id)
	}
}

func (o Observers) SessionClosed(id string) {
	for _, x := range o {
		x.SessionClosed(id)
	}
}

func (o Observers) RunStarted(info RunInfo) {
	for _, x := range o {
		x.RunStarted(info)
	}
}

func (o Observers) RunEnded(info RunInfo) {
	for _, x := range o {
		x.RunEnded(info)
	}
}
