package sandbox

import (
	"errors"
	"fmt"
)

// Kind classifies a sandbox failure by the step that failed.
type Kind string

const (
	KindProvision Kind = "provision"
	KindStart     Kind = "start"
	KindInjection Kind = "injection"
	KindRun       Kind = "run"
)

// ErrNotRunning is wrapped when an operation needs a running sandbox.
var ErrNotRunning = errors.New("sandbox is not running")

// Error is returned by every Runtime operation that fails.
type Error struct {
	Kind      Kind
	SandboxID string
	Err       error
}

func (e *Error) Error() string {
	if e.SandboxID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, shortID(e.SandboxID), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func wrap(kind Kind, sb *Sandbox, err error) error {
	e := &Error{Kind: kind, Err: err}
	if sb != nil {
		e.SandboxID = sb.ID
	}
	return e
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
