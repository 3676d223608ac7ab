// Package history keeps an audit log of downloads and inference runs in
// SQLite. The cache directory tree stays the source of truth for what is
// on disk; history only records what happened and when.
package history

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for download and run records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used
// by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "llamabatch.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Downloads ---

func (s *Store) RecordDownload(d Download) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO downloads (id, created_at, repo_id, filename, size_bytes, status, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, createdAt.UTC().Format(time.RFC3339), d.RepoID, d.Filename,
		d.SizeBytes, d.Status, d.Error, d.Duration.Milliseconds(),
	)
	return err
}

func (s *Store) GetDownload(id string) (Download, error) {
	var d Download
	var createdAt string
	var durationMs int64
	err := s.db.QueryRow(`
		SELECT id, created_at, repo_id, filename, size_bytes, status, error, duration_ms
		FROM downloads WHERE id = ?`, id,
	).Scan(&d.ID, &createdAt, &d.RepoID, &d.Filename, &d.SizeBytes, &d.Status, &d.Error, &durationMs)
	if err == sql.ErrNoRows {
		return Download{}, ErrNotFound
	}
	if err != nil {
		return Download{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Download{}, fmt.Errorf("parsing created_at: %w", err)
	}
	d.CreatedAt = t
	d.Duration = time.Duration(durationMs) * time.Millisecond
	return d, nil
}

func (s *Store) RecentDownloads(limit int) ([]Download, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, repo_id, filename, size_bytes, status, error, duration_ms
		FROM downloads ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Download
	for rows.Next() {
		var d Download
		var createdAt string
		var durationMs int64
		if err := rows.Scan(&d.ID, &createdAt, &d.RepoID, &d.Filename, &d.SizeBytes, &d.Status, &d.Error, &durationMs); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		d.CreatedAt = t
		d.Duration = time.Duration(durationMs) * time.Millisecond
		results = append(results, d)
	}
	return results, rows.Err()
}

// --- Runs ---

func (s *Store) RecordRun(r Run) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, created_at, batch_id, task_name, model_path, prompt, status, error, tokens_generated, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, createdAt.UTC().Format(time.RFC3339), r.BatchID, r.TaskName, r.ModelPath,
		r.Prompt, r.Status, r.Error, r.TokensGenerated, r.Duration.Milliseconds(),
	)
	return err
}

func (s *Store) GetRun(id string) (Run, error) {
	var r Run
	var createdAt string
	var durationMs int64
	err := s.db.QueryRow(`
		SELECT id, created_at, batch_id, task_name, model_path, prompt, status, error, tokens_generated, duration_ms
		FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &createdAt, &r.BatchID, &r.TaskName, &r.ModelPath, &r.Prompt, &r.Status, &r.Error, &r.TokensGenerated, &durationMs)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Run{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	r.Duration = time.Duration(durationMs) * time.Millisecond
	return r, nil
}

func (s *Store) RecentRuns(limit int) ([]Run, error) {
	return s.queryRuns(`
		SELECT id, created_at, batch_id, task_name, model_path, prompt, status, error, tokens_generated, duration_ms
		FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// RunsForBatch returns the runs recorded under one batch invocation,
// oldest first.
func (s *Store) RunsForBatch(batchID string) ([]Run, error) {
	return s.queryRuns(`
		SELECT id, created_at, batch_id, task_name, model_path, prompt, status, error, tokens_generated, duration_ms
		FROM runs WHERE batch_id = ? ORDER BY created_at ASC, id ASC`, batchID)
}

func (s *Store) queryRuns(query string, args ...any) ([]Run, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		var r Run
		var createdAt string
		var durationMs int64
		if err := rows.Scan(&r.ID, &createdAt, &r.BatchID, &r.TaskName, &r.ModelPath, &r.Prompt, &r.Status, &r.Error, &r.TokensGenerated, &durationMs); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.CreatedAt = t
		r.Duration = time.Duration(durationMs) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}
