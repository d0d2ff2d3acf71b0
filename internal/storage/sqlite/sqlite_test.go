package sqlite

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/michaelbrown/runbox/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func intPtr(v int) *int { return &v }

func TestCreateAndGetRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := &storage.Run{
		ID:        "abc12345-0000-0000-0000-000000000000",
		SessionID: "sess0001",
		Language:  "python",
		Image:     "python:3.12-slim",
	}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Language != "python" {
		t.Errorf("language = %q, want %q", got.Language, "python")
	}
	if got.Status != storage.StatusRunning {
		t.Errorf("status = %q, want %q", got.Status, storage.StatusRunning)
	}
	if got.Kind != storage.KindRun {
		t.Errorf("kind = %q, want %q", got.Kind, storage.KindRun)
	}
	if got.StartedAt.IsZero() {
		t.Error("started_at should not be zero")
	}
	if got.EndedAt != nil {
		t.Error("ended_at should be nil for a running run")
	}
	if got.ExitCode != nil {
		t.Error("exit_code should be nil for a running run")
	}
}

func TestFinishRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := &storage.Run{ID: "run-1", SessionID: "s", Language: "cpp", Image: "gcc:13"}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	r.Status = storage.StatusExited
	r.ExitCode = intPtr(1)
	r.SandboxID = "c0ffee"
	if err := s.FinishRun(ctx, r); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != storage.StatusExited {
		t.Errorf("status = %q, want %q", got.Status, storage.StatusExited)
	}
	if got.ExitCode == nil || *got.ExitCode != 1 {
		t.Errorf("exit_code = %v, want 1", got.ExitCode)
	}
	if got.SandboxID != "c0ffee" {
		t.Errorf("sandbox_id = %q, want %q", got.SandboxID, "c0ffee")
	}
	if got.EndedAt == nil {
		t.Fatal("ended_at should be set")
	}
	if got.Duration() < 0 {
		t.Errorf("duration = %v, want >= 0", got.Duration())
	}
}

func TestFinishUnknownRun(t *testing.T) {
	s := testStore(t)
	err := s.FinishRun(context.Background(), &storage.Run{ID: "missing", Status: storage.StatusFailed})
	if err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestGetRunByPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := &storage.Run{ID: "abc12345-0000-0000-0000-000000000000", SessionID: "s"}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "abc12345")
	if err != nil {
		t.Fatalf("GetRun by prefix: %v", err)
	}
	if got.ID != r.ID {
		t.Errorf("got ID %q, want %q", got.ID, r.ID)
	}
}

func TestGetRunAmbiguousPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"abc-1", "abc-2"} {
		if err := s.CreateRun(ctx, &storage.Run{ID: id, SessionID: "s"}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	_, err := s.GetRun(ctx, "abc")
	if err == nil {
		t.Fatal("expected error for ambiguous prefix")
	}
	if !strings.Contains(err.Error(), "ambiguous") {
		t.Errorf("error = %q, want ambiguous", err)
	}
}

func TestListRunsFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	runs := []*storage.Run{
		{ID: "r1", SessionID: "a", Status: storage.StatusExited, StartedAt: base},
		{ID: "r2", SessionID: "a", Status: storage.StatusFailed, StartedAt: base.Add(time.Minute)},
		{ID: "r3", SessionID: "b", Status: storage.StatusExited, StartedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range runs {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	all, err := s.ListRuns(ctx, storage.RunListOptions{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d runs, want 3", len(all))
	}
	if all[0].ID != "r3" {
		t.Errorf("first run = %q, want newest r3", all[0].ID)
	}

	exited, _ := s.ListRuns(ctx, storage.RunListOptions{Status: storage.StatusExited})
	if len(exited) != 2 {
		t.Errorf("exited runs = %d, want 2", len(exited))
	}

	bySession, _ := s.ListRuns(ctx, storage.RunListOptions{SessionID: "a"})
	if len(bySession) != 2 {
		t.Errorf("session a runs = %d, want 2", len(bySession))
	}

	page, _ := s.ListRuns(ctx, storage.RunListOptions{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "r2" {
		t.Errorf("page = %+v, want [r2]", page)
	}
}

func TestDeleteRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, &storage.Run{ID: "del12345", SessionID: "s"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.DeleteRun(ctx, "del1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := s.GetRun(ctx, "del12345"); err == nil {
		t.Error("expected error after delete")
	}
}

func TestMarkInterrupted(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateRun(ctx, &storage.Run{ID: "live", SessionID: "s"})
	s.CreateRun(ctx, &storage.Run{ID: "done", SessionID: "s", Status: storage.StatusExited})

	n, err := s.MarkInterrupted(ctx)
	if err != nil {
		t.Fatalf("MarkInterrupted: %v", err)
	}
	if n != 1 {
		t.Errorf("interrupted = %d, want 1", n)
	}

	got, _ := s.GetRun(ctx, "live")
	if got.Status != storage.StatusFailed {
		t.Errorf("status = %q, want %q", got.Status, storage.StatusFailed)
	}
	if got.EndedAt == nil {
		t.Error("ended_at should be set")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := testStore(t)
	if err := runMigrations(s.db); err != nil {
		t.Fatalf("second migration run: %v", err)
	}
}
