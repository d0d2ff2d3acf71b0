package storage

import (
	"context"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning      RunStatus = "running"
	StatusExited       RunStatus = "exited"
	StatusFailed       RunStatus = "failed"
	StatusCancelled    RunStatus = "cancelled"
	StatusDisconnected RunStatus = "disconnected"
)

// RunKind distinguishes a program run from a dependency install.
type RunKind string

const (
	KindRun     RunKind = "run"
	KindInstall RunKind = "install"
)

// Run is the metadata for one execution. Source code and program output are
// never stored.
type Run struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Kind      RunKind    `json:"kind"`
	Language  string     `json:"language"`
	Image     string     `json:"image"`
	SandboxID string     `json:"sandbox_id,omitempty"`
	Status    RunStatus  `json:"status"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Duration returns how long the run took, or zero while it is still running.
func (r *Run) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	Status    RunStatus
	SessionID string
	Limit     int
	Offset    int
}

// Store is the persistence interface for run history.
type Store interface {
	// CreateRun inserts a new run. The ID field must be set by the caller.
	CreateRun(ctx context.Context, r *Run) error

	// FinishRun records the terminal fields (status, exit code, error,
	// sandbox id, ended_at).
	FinishRun(ctx context.Context, r *Run) error

	// GetRun returns a run by ID or ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by started_at descending.
	ListRuns(ctx context.Context, opts RunListOptions) ([]Run, error)

	// DeleteRun removes a run.
	DeleteRun(ctx context.Context, id string) error

	// MarkInterrupted fails every run still marked running. It is called at
	// startup, when no run from a previous process can still be alive.
	MarkInterrupted(ctx context.Context) (int64, error)

	// Close releases resources.
	Close() error
}
