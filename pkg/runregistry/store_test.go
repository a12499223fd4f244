package runregistry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	rec := &RunRecord{
		RunID:      "run-1",
		State:      RunStateCrashed,
		TotalSteps: 20,
		ResumeStep: 4,
		LastStep:   9,
		CreatedAt:  now,
		StartedAt:  &now,
		Checkpoint: &CheckpointLocation{Provider: "file", Location: "./ckpts"},
	}

	if err := s.Write(rec); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.RunID != rec.RunID {
		t.Fatalf("run_id mismatch: got=%q want=%q", got.RunID, rec.RunID)
	}
	if got.State != rec.State {
		t.Fatalf("state mismatch: got=%q want=%q", got.State, rec.State)
	}
	if got.LastStep != 9 || got.ResumeStep != 4 {
		t.Fatalf("progress not persisted: %+v", got)
	}
	if got.Checkpoint == nil || got.Checkpoint.Location != "./ckpts" {
		t.Fatalf("checkpoint location not persisted")
	}
}

func TestStore_ListSortsNewestFirst(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	t1 := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 10, 19, 13, 0, 0, 0, time.UTC)

	if err := s.Write(&RunRecord{RunID: "run-1", State: RunStateCrashed, TotalSteps: 20, CreatedAt: t1, StartedAt: &t1}); err != nil {
		t.Fatalf("Write run-1: %v", err)
	}
	if err := s.Write(&RunRecord{RunID: "run-2", State: RunStateComplete, TotalSteps: 20, CreatedAt: t2, StartedAt: &t2}); err != nil {
		t.Fatalf("Write run-2: %v", err)
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unexpected run count: %d", len(got))
	}
	if got[0].RunID != "run-2" {
		t.Fatalf("expected newest first, got[0]=%q", got[0].RunID)
	}
}

func TestStore_ListMissingRoot(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "missing"))
	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no runs, got %d", len(got))
	}
}

func TestStore_ZombieBecomesUnknown(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	now := time.Now().UTC()

	// pid far above any kernel pid_max.
	if err := s.Write(&RunRecord{RunID: "gone", State: RunStateRunning, PID: 1 << 30, TotalSteps: 20, CreatedAt: now}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(&RunRecord{RunID: "alive", State: RunStateRunning, PID: os.Getpid(), TotalSteps: 20, CreatedAt: now}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	gone, err := s.Get("gone")
	if err != nil {
		t.Fatalf("Get gone: %v", err)
	}
	if gone.State != RunStateUnknown {
		t.Fatalf("expected unknown, got %q", gone.State)
	}
	if gone.LastHeartbeat == nil {
		t.Fatalf("expected heartbeat to be stamped")
	}

	alive, err := s.Get("alive")
	if err != nil {
		t.Fatalf("Get alive: %v", err)
	}
	if alive.State != RunStateRunning {
		t.Fatalf("expected running, got %q", alive.State)
	}
}

func TestStore_RejectsInvalidRecords(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	if err := s.Write(&RunRecord{RunID: "ok", State: RunStateComplete, TotalSteps: 3, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	bad := map[string]string{
		"empty":     "",
		"bad-state": `{"run_id":"bad-state","state":"exploded","total_steps":3,"created_at":"2026-10-19T12:00:00Z"}`,
		"no-steps":  `{"run_id":"no-steps","state":"complete","created_at":"2026-10-19T12:00:00Z"}`,
	}
	for id, body := range bad {
		if err := os.MkdirAll(s.RunDir(id), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(s.RunPath(id), []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := s.Get(id); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("Get(%s) expected ErrInvalidRecord, got %v", id, err)
		}
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 1 || got[0].RunID != "ok" {
		t.Fatalf("expected only the valid run, got %+v", got)
	}
}

func TestStore_Update(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Now().UTC()
	if err := s.Write(&RunRecord{RunID: "run-1", State: RunStateRunning, PID: os.Getpid(), TotalSteps: 5, CreatedAt: now}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := s.Update("run-1", func(r *RunRecord) {
		r.LastStep = 3
		r.State = RunStateComplete
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastStep != 3 || !got.State.Terminal() {
		t.Fatalf("update not applied: %+v", got)
	}
}

func TestStore_WriteValidation(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Write(nil); err == nil {
		t.Fatal("expected error for nil record")
	}
	if err := s.Write(&RunRecord{RunID: " "}); err == nil {
		t.Fatal("expected error for empty run id")
	}
	if err := s.Write(&RunRecord{RunID: "../escape"}); err == nil {
		t.Fatal("expected error for path-like run id")
	}
	if err := NewStore("").Write(&RunRecord{RunID: "x"}); err == nil {
		t.Fatal("expected error for empty root")
	}
}
