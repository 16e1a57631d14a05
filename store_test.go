package cmsync

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "state", "ledger.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStore(t *testing.T) {
	s := setupTestStore(t)
	if s.db == nil {
		t.Fatal("db should not be nil")
	}
}

func TestRunLifecycle(t *testing.T) {
	s := setupTestStore(t)
	start := time.Date(2025, 4, 28, 10, 0, 0, 0, time.UTC)

	id, err := s.BeginRun(start)
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Outcome != "running" {
		t.Fatalf("expected one running run, got %+v", runs)
	}

	sum := &Summary{
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
		Posts: []PostResult{
			{PostID: "a", Status: StatusSaved, Assets: []Asset{{LocalPath: "x"}}},
			{PostID: "b", Status: StatusFailed, Err: errors.New("bad")},
		},
	}
	if err := s.FinishRun(id, sum, nil); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	runs, err = s.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	got := runs[0]
	if got.Outcome != "partial" {
		t.Errorf("outcome = %q, want partial", got.Outcome)
	}
	if got.Saved != 1 || got.Failed != 1 || got.Assets != 1 {
		t.Errorf("unexpected counts: %+v", got)
	}
	if got.FinishedAt != "2025-04-28T10:00:01Z" {
		t.Errorf("finished_at = %q", got.FinishedAt)
	}
}

func TestFinishRunAborted(t *testing.T) {
	s := setupTestStore(t)
	id, err := s.BeginRun(time.Now())
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if err := s.FinishRun(id, &Summary{}, errors.New("listing unreachable")); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	runs, _ := s.ListRuns(1)
	if runs[0].Outcome != "aborted" || runs[0].Error != "listing unreachable" {
		t.Fatalf("unexpected run: %+v", runs[0])
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := setupTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.BeginRun(time.Now()); err != nil {
			t.Fatalf("BeginRun failed: %v", err)
		}
	}
	runs, err := s.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 || runs[0].ID < runs[1].ID {
		t.Fatalf("expected two runs newest first, got %+v", runs)
	}
}

func TestRecordAndGetDocument(t *testing.T) {
	s := setupTestStore(t)
	doc := DocumentRecord{
		PostID:      "p1",
		FilePath:    "posts/2025-04-28-my-first-post.md",
		Title:       "My First Post",
		ContentHash: "abc",
		Status:      "saved",
		SyncedAt:    "2025-04-28T10:00:00Z",
	}
	if err := s.RecordDocument(1, doc); err != nil {
		t.Fatalf("RecordDocument failed: %v", err)
	}
	doc.Status = "unchanged"
	if err := s.RecordDocument(2, doc); err != nil {
		t.Fatalf("RecordDocument (update) failed: %v", err)
	}

	got, err := s.GetDocument("p1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.Status != "unchanged" || got.RunID != 2 || got.FilePath != doc.FilePath {
		t.Fatalf("unexpected document: %+v", got)
	}

	if _, err := s.GetDocument("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordAndListAssets(t *testing.T) {
	s := setupTestStore(t)
	now := time.Now()
	assets := []Asset{
		{RemoteURL: "https://cdn.example.com/b.png", LocalPath: "assets/post/b.png", Bytes: 20, Width: 4, Height: 2, Format: "png"},
		{RemoteURL: "https://cdn.example.com/a.png", LocalPath: "assets/post/a.png", Bytes: 10},
	}
	for _, a := range assets {
		if err := s.RecordAsset(1, "post", a, now); err != nil {
			t.Fatalf("RecordAsset failed: %v", err)
		}
	}
	if err := s.RecordAsset(1, "other", Asset{LocalPath: "assets/other/c.png"}, now); err != nil {
		t.Fatalf("RecordAsset failed: %v", err)
	}

	got, err := s.ListAssets("post")
	if err != nil {
		t.Fatalf("ListAssets failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(got))
	}
	if got[0].LocalPath != "assets/post/a.png" || got[1].Width != 4 || got[1].Format != "png" {
		t.Fatalf("unexpected assets: %+v", got)
	}
}
