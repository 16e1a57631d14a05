package cmsync

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a ledger lookup matches nothing.
var ErrNotFound = sql.ErrNoRows

// Store is the sync ledger: a SQLite record of runs, the documents each
// run produced and the assets it mirrored. It is advisory. Whether a
// document is rewritten or an asset downloaded is always decided from the
// filesystem.
type Store struct {
	db *sql.DB
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID         int64
	StartedAt  string
	FinishedAt string
	Outcome    string
	Saved      int
	Unchanged  int
	Failed     int
	Assets     int
	Error      string
}

// DocumentRecord is the last known state of a post's document.
type DocumentRecord struct {
	PostID      string
	FilePath    string
	Title       string
	ContentHash string
	Status      string
	RunID       int64
	SyncedAt    string
}

// NewStore opens (or creates) the SQLite database at path, ensures the
// parent directory exists, and creates the schema.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA busy_timeout=5000;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL DEFAULT 'running',
    saved INTEGER NOT NULL DEFAULT 0,
    unchanged INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    assets INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS documents (
    post_id TEXT PRIMARY KEY,
    file_path TEXT NOT NULL,
    title TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    status TEXT NOT NULL,
    run_id INTEGER NOT NULL,
    synced_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS assets (
    local_path TEXT PRIMARY KEY,
    remote_url TEXT NOT NULL,
    slug TEXT NOT NULL,
    bytes INTEGER NOT NULL,
    width INTEGER NOT NULL DEFAULT 0,
    height INTEGER NOT NULL DEFAULT 0,
    format TEXT NOT NULL DEFAULT '',
    run_id INTEGER NOT NULL,
    mirrored_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS assets_slug ON assets (slug);
`)
	return err
}

// BeginRun inserts a run in the "running" state and returns its id.
func (s *Store) BeginRun(startedAt time.Time) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO runs (started_at) VALUES (?)`, startedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishRun stores the final counts of a run. runErr, if any, marks the run
// as aborted; otherwise the outcome is "ok" or "partial" depending on
// whether any post failed.
func (s *Store) FinishRun(id int64, sum *Summary, runErr error) error {
	outcome := runOutcome(sum, runErr)
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	finished := sum.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	_, err := s.db.Exec(`UPDATE runs SET finished_at = ?, outcome = ?, saved = ?, unchanged = ?, failed = ?, assets = ?, error = ? WHERE id = ?`,
		finished.UTC().Format(time.RFC3339), outcome,
		sum.Count(StatusSaved), sum.Count(StatusUnchanged), sum.Count(StatusFailed),
		sum.AssetsMirrored(), msg, id)
	return err
}

func runOutcome(sum *Summary, runErr error) string {
	switch {
	case runErr != nil:
		return "aborted"
	case sum.Count(StatusFailed) > 0:
		return "partial"
	default:
		return "ok"
	}
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT id, started_at, finished_at, outcome, saved, unchanged, failed, assets, error FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Outcome, &r.Saved, &r.Unchanged, &r.Failed, &r.Assets, &r.Error); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RecordDocument upserts the state of a post's document.
func (s *Store) RecordDocument(runID int64, d DocumentRecord) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO documents (post_id, file_path, title, content_hash, status, run_id, synced_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.PostID, d.FilePath, d.Title, d.ContentHash, d.Status, runID, d.SyncedAt)
	return err
}

// GetDocument returns the ledger entry for a post.
func (s *Store) GetDocument(postID string) (DocumentRecord, error) {
	var d DocumentRecord
	err := s.db.QueryRow(`SELECT post_id, file_path, title, content_hash, status, run_id, synced_at FROM documents WHERE post_id = ?`, postID).
		Scan(&d.PostID, &d.FilePath, &d.Title, &d.ContentHash, &d.Status, &d.RunID, &d.SyncedAt)
	if err != nil {
		return DocumentRecord{}, err
	}
	return d, nil
}

// RecordAsset stores a mirrored asset. slug groups assets by post.
func (s *Store) RecordAsset(runID int64, slug string, a Asset, mirroredAt time.Time) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO assets (local_path, remote_url, slug, bytes, width, height, format, run_id, mirrored_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.LocalPath, a.RemoteURL, slug, a.Bytes, a.Width, a.Height, a.Format, runID, mirroredAt.UTC().Format(time.RFC3339))
	return err
}

// ListAssets returns the assets mirrored for slug, ordered by local path.
func (s *Store) ListAssets(slug string) ([]Asset, error) {
	rows, err := s.db.Query(`SELECT remote_url, local_path, bytes, width, height, format FROM assets WHERE slug = ? ORDER BY local_path`, slug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.RemoteURL, &a.LocalPath, &a.Bytes, &a.Width, &a.Height, &a.Format); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}
