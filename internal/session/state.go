package session

import (
	"errors"
	"fmt"
)

// State is a session's lifecycle state.
type State int

const (
	Idle State = iota
	Provisioning
	Ready
	Running
	Installing
	Terminating
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Provisioning:
		return "provisioning"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Installing:
		return "installing"
	case Terminating:
		return "terminating"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// MarshalText lets State appear as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for st := Idle; st <= Closed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// active reports whether a launched program is attached to the session.
func (s State) active() bool {
	return s == Running || s == Installing
}

var (
	ErrBusy            = errors.New("session busy")
	ErrClosed          = errors.New("session closed")
	ErrCancelled       = errors.New("run cancelled")
	ErrNoActiveRun     = errors.New("no program is running")
	ErrNoSandbox       = errors.New("container not available")
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("too many sessions")
)

// Client-facing messages.
const (
	msgBusy               = "Session busy"
	msgUnsupported        = "Unsupported language"
	msgInstallUnsupported = "Unsupported language for library installation"
	msgNoSandbox          = "Container not available"
	msgNoProgram          = "No program is running"
	msgCompleted          = "Execution completed"
	msgInstallComplete    = "Library installation complete"
	msgStopped            = "Container stopped"
	msgCancelled          = "Execution cancelled"
)

func errorText(err error) string {
	return "Error: " + err.Error()
}
