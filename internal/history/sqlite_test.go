package history

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestIndexesExist verifies the indexes created by the migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_downloads_created_at", "idx_runs_created_at", "idx_runs_batch_id"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// TestRecordAndGetDownload saves a download record and retrieves it by ID.
func TestRecordAndGetDownload(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	want := Download{
		ID:        "dl-001",
		CreatedAt: now,
		RepoID:    "TheBloke/Llama-2-7B-Chat-GGUF",
		Filename:  "llama-2-7b-chat.Q4_K_M.gguf",
		SizeBytes: 4_368_439_296,
		Status:    StatusOK,
		Duration:  42 * time.Second,
	}

	if err := s.RecordDownload(want); err != nil {
		t.Fatalf("RecordDownload: %v", err)
	}

	got, err := s.GetDownload("dl-001")
	if err != nil {
		t.Fatalf("GetDownload: %v", err)
	}
	if got.RepoID != want.RepoID || got.Filename != want.Filename {
		t.Errorf("got repo=%q file=%q, want repo=%q file=%q", got.RepoID, got.Filename, want.RepoID, want.Filename)
	}
	if got.SizeBytes != want.SizeBytes {
		t.Errorf("size = %d, want %d", got.SizeBytes, want.SizeBytes)
	}
	if got.Status != StatusOK {
		t.Errorf("status = %q, want %q", got.Status, StatusOK)
	}
	if got.Duration != want.Duration {
		t.Errorf("duration = %v, want %v", got.Duration, want.Duration)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, now)
	}
}

func TestGetDownloadNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetDownload("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDownload(missing) = %v, want ErrNotFound", err)
	}
}

// TestRecentDownloadsOrder verifies newest-first ordering and the limit.
func TestRecentDownloadsOrder(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		d := Download{
			ID:        fmt.Sprintf("dl-%03d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			RepoID:    "org/model",
			Filename:  fmt.Sprintf("f%d.gguf", i),
			Status:    StatusOK,
		}
		if err := s.RecordDownload(d); err != nil {
			t.Fatalf("RecordDownload %d: %v", i, err)
		}
	}

	got, err := s.RecentDownloads(3)
	if err != nil {
		t.Fatalf("RecentDownloads: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d downloads, want 3", len(got))
	}
	if got[0].ID != "dl-004" || got[2].ID != "dl-002" {
		t.Errorf("unexpected order: %q, %q, %q", got[0].ID, got[1].ID, got[2].ID)
	}
}

// TestRecordDownloadFailure stores the error text alongside the failed status.
func TestRecordDownloadFailure(t *testing.T) {
	s := openTestStore(t)

	d := Download{
		ID:       "dl-err",
		RepoID:   "org/missing",
		Filename: "model.gguf",
		Status:   StatusFailed,
		Error:    "remote returned status 404",
	}
	if err := s.RecordDownload(d); err != nil {
		t.Fatalf("RecordDownload: %v", err)
	}

	got, err := s.GetDownload("dl-err")
	if err != nil {
		t.Fatalf("GetDownload: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %q, want %q", got.Status, StatusFailed)
	}
	if got.Error != d.Error {
		t.Errorf("error = %q, want %q", got.Error, d.Error)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not defaulted for zero time")
	}
}

// TestRecordAndGetRun saves a run record and retrieves it by ID.
func TestRecordAndGetRun(t *testing.T) {
	s := openTestStore(t)

	want := Run{
		ID:              "run-001",
		BatchID:         "batch-7",
		TaskName:        "Creative Writing",
		ModelPath:       "/cache/models/org--model/model.gguf",
		Prompt:          "Write a haiku",
		Status:          StatusOK,
		TokensGenerated: 17,
		Duration:        1500 * time.Millisecond,
	}
	if err := s.RecordRun(want); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	got, err := s.GetRun("run-001")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.TaskName != want.TaskName || got.BatchID != want.BatchID {
		t.Errorf("got task=%q batch=%q, want task=%q batch=%q", got.TaskName, got.BatchID, want.TaskName, want.BatchID)
	}
	if got.TokensGenerated != 17 {
		t.Errorf("tokens_generated = %d, want 17", got.TokensGenerated)
	}
	if got.Duration != want.Duration {
		t.Errorf("duration = %v, want %v", got.Duration, want.Duration)
	}
}

// TestRunsForBatch returns only the requested batch, oldest first.
func TestRunsForBatch(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	runs := []Run{
		{ID: "r1", BatchID: "a", TaskName: "first", CreatedAt: base, Status: StatusOK},
		{ID: "r2", BatchID: "b", TaskName: "other", CreatedAt: base.Add(time.Minute), Status: StatusOK},
		{ID: "r3", BatchID: "a", TaskName: "second", CreatedAt: base.Add(2 * time.Minute), Status: StatusFailed},
	}
	for _, r := range runs {
		if err := s.RecordRun(r); err != nil {
			t.Fatalf("RecordRun %s: %v", r.ID, err)
		}
	}

	got, err := s.RunsForBatch("a")
	if err != nil {
		t.Fatalf("RunsForBatch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d runs, want 2", len(got))
	}
	if got[0].ID != "r1" || got[1].ID != "r3" {
		t.Errorf("unexpected order: %q, %q", got[0].ID, got[1].ID)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetRun("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) = %v, want ErrNotFound", err)
	}
}
