// Package store is the durable, crash-safe relational State Store: jobs,
// items, and files backed by a single SQLite file opened with write-ahead
// journaling so concurrent readers never block the one writer. It is the
// exclusive owner of every durable entity; callers borrow a File row for the
// duration of a fetch and return it through ReleaseFile.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iavault/iavault/internal/lock"
	"github.com/iavault/iavault/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	output_root     TEXT NOT NULL,
	filters_json    TEXT NOT NULL,
	worker_ceiling  INTEGER NOT NULL,
	bandwidth_bps   INTEGER NOT NULL,
	dynamic_scaling INTEGER NOT NULL,
	sync_mode       INTEGER NOT NULL,
	auth_path       TEXT NOT NULL,
	manifest_base_url TEXT NOT NULL DEFAULT '',
	download_base_url TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	state           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS items (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL,
	identifier TEXT NOT NULL,
	status     TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	UNIQUE(job_id, identifier)
);

CREATE TABLE IF NOT EXISTS files (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id     INTEGER NOT NULL,
	remote_name TEXT NOT NULL,
	remote_size INTEGER NOT NULL DEFAULT 0,
	digest      TEXT NOT NULL DEFAULT '',
	digest_algo TEXT NOT NULL DEFAULT '',
	local_path  TEXT NOT NULL,
	downloaded  INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	http_status INTEGER NOT NULL DEFAULT 0,
	UNIQUE(item_id, remote_name)
);

CREATE INDEX IF NOT EXISTS idx_items_job ON items(job_id);
CREATE INDEX IF NOT EXISTS idx_files_item ON files(item_id);
CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);
`

// Store is a durable, single-writer/multi-reader handle over one job's
// state database.
type Store struct {
	db   *sql.DB
	lock *lock.JobLock
}

// Open acquires the job's exclusive write lock, creates the schema if
// absent, and enables WAL journaling. This is the path the one process
// driving a job (start/resume, via the Job Controller) takes; it is the
// sole acquirer of the lock; callers must not also take it themselves. The
// returned Store must be Closed to release both the database handle and
// the lock.
func Open(path string) (*Store, error) {
	jobLock, err := lock.Acquire(lock.Path(dirOf(path)))
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		jobLock.Release()
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Single-writer: modernc.org/sqlite serializes through one *sql.DB
	// connection to avoid SQLITE_BUSY from concurrent writers within our
	// own process, in addition to the cross-process flock above.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		jobLock.Release()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		jobLock.Release()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		jobLock.Release()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db, lock: jobLock}, nil
}

// OpenReadOnly opens an existing state database without taking the job's
// exclusive lock, for a reader (status, watch) that runs concurrently with
// the process actually driving the job. It never creates the schema: a job
// that has never been started has nothing to read yet, and running DDL
// against a database a writer may be using at the same time is exactly the
// kind of contention WAL readers are supposed to avoid.
func OpenReadOnly(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}
	return &Store{db: db}, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// Close releases the database handle and the single-writer lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if relErr := s.lock.Release(); relErr != nil && err == nil {
		err = relErr
	}
	return err
}

// UpsertJob inserts or replaces the job row.
func (s *Store) UpsertJob(ctx context.Context, job *types.Job) error {
	filtersJSON, err := json.Marshal(job.Filters)
	if err != nil {
		return fmt.Errorf("store: marshal filters: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, output_root, filters_json, worker_ceiling, bandwidth_bps, dynamic_scaling, sync_mode, auth_path, manifest_base_url, download_base_url, created_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			output_root=excluded.output_root,
			filters_json=excluded.filters_json,
			worker_ceiling=excluded.worker_ceiling,
			bandwidth_bps=excluded.bandwidth_bps,
			dynamic_scaling=excluded.dynamic_scaling,
			sync_mode=excluded.sync_mode,
			auth_path=excluded.auth_path,
			manifest_base_url=excluded.manifest_base_url,
			download_base_url=excluded.download_base_url,
			state=excluded.state
	`,
		job.ID, job.OutputRoot, string(filtersJSON), job.WorkerCeiling, job.BandwidthBps,
		boolToInt(job.DynamicScaling), boolToInt(job.Sync), job.AuthPath,
		job.ManifestBaseURL, job.DownloadBaseURL,
		job.CreatedAt.UTC().Format(time.RFC3339Nano), string(job.State),
	)
	if err != nil {
		return fmt.Errorf("store: upsert job: %w", err)
	}
	return nil
}

// LoadJob fetches the job keyed by its stable id (derived from output root
// by the caller).
func (s *Store) LoadJob(ctx context.Context, id string) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, output_root, filters_json, worker_ceiling, bandwidth_bps, dynamic_scaling, sync_mode, auth_path, manifest_base_url, download_base_url, created_at, state
		FROM jobs WHERE id = ?`, id)

	var (
		job                      types.Job
		filtersJSON, createdAt   string
		dynamicScaling, syncMode int
	)
	err := row.Scan(&job.ID, &job.OutputRoot, &filtersJSON, &job.WorkerCeiling, &job.BandwidthBps,
		&dynamicScaling, &syncMode, &job.AuthPath, &job.ManifestBaseURL, &job.DownloadBaseURL, &createdAt, &job.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load job: %w", err)
	}
	if err := json.Unmarshal([]byte(filtersJSON), &job.Filters); err != nil {
		return nil, fmt.Errorf("store: unmarshal filters: %w", err)
	}
	job.DynamicScaling = dynamicScaling != 0
	job.Sync = syncMode != 0
	job.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("store: parse created_at: %w", err)
	}
	return &job, nil
}

// UpsertItem inserts the item if absent (by job id + identifier), otherwise
// leaves it untouched; returns its row id either way. Safe to call
// repeatedly while enumerating the input list.
func (s *Store) UpsertItem(ctx context.Context, jobID, identifier string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO items (job_id, identifier, status, error) VALUES (?, ?, ?, '')
		ON CONFLICT(job_id, identifier) DO NOTHING`,
		jobID, identifier, types.ItemPending)
	if err != nil {
		return 0, fmt.Errorf("store: upsert item: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		return id, nil
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM items WHERE job_id = ? AND identifier = ?`, jobID, identifier).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: lookup item: %w", err)
	}
	return id, nil
}

// UpdateItemStatus transitions an item's resolution status and optional
// error message.
func (s *Store) UpdateItemStatus(ctx context.Context, itemID int64, status types.ItemStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE items SET status = ?, error = ? WHERE id = ?`, string(status), errMsg, itemID)
	if err != nil {
		return fmt.Errorf("store: update item status: %w", err)
	}
	return nil
}

// ListItems returns every item belonging to a job.
func (s *Store) ListItems(ctx context.Context, jobID string) ([]types.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, job_id, identifier, status, error FROM items WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: list items: %w", err)
	}
	defer rows.Close()

	var items []types.Item
	for rows.Next() {
		var it types.Item
		if err := rows.Scan(&it.ID, &it.JobID, &it.Identifier, &it.Status, &it.Error); err != nil {
			return nil, fmt.Errorf("store: scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// InsertFiles persists the Manifest Resolver's filtered output as File rows,
// all pending, before any fetch begins. Duplicate (item, name) pairs are
// ignored, making re-resolution of an already-resolved item idempotent.
func (s *Store) InsertFiles(ctx context.Context, itemID int64, manifest []types.ManifestFile, localPath func(name string) string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin insert files: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (item_id, remote_name, remote_size, digest, digest_algo, local_path, downloaded, status, attempts, last_error, http_status)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, 0, '', 0)
		ON CONFLICT(item_id, remote_name) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("store: prepare insert files: %w", err)
	}
	defer stmt.Close()

	for _, mf := range manifest {
		if _, err := stmt.ExecContext(ctx, itemID, mf.Name, mf.Size, mf.Digest, mf.DigestAlgo, localPath(mf.Name), types.FilePending); err != nil {
			return fmt.Errorf("store: insert file %s: %w", mf.Name, err)
		}
	}
	return tx.Commit()
}

// ListFiles returns every file belonging to an item.
func (s *Store) ListFiles(ctx context.Context, itemID int64) ([]types.File, error) {
	return s.queryFiles(ctx, `SELECT id, item_id, remote_name, remote_size, digest, digest_algo, local_path, downloaded, status, attempts, last_error, http_status FROM files WHERE item_id = ? ORDER BY id`, itemID)
}

// ListFilesByJobStatus returns every file belonging to a job with any of the
// given statuses, joined through items. Used to rebuild the work queue on
// resume from files whose status is pending or in-progress.
func (s *Store) ListFilesByJobStatus(ctx context.Context, jobID string, statuses ...types.FileStatus) ([]types.File, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := []any{jobID}
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	query := `
		SELECT f.id, f.item_id, f.remote_name, f.remote_size, f.digest, f.digest_algo, f.local_path, f.downloaded, f.status, f.attempts, f.last_error, f.http_status
		FROM files f JOIN items i ON f.item_id = i.id
		WHERE i.job_id = ? AND f.status IN (` + placeholders + `)
		ORDER BY f.id`
	return s.queryFiles(ctx, query, args...)
}

func (s *Store) queryFiles(ctx context.Context, query string, args ...any) ([]types.File, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query files: %w", err)
	}
	defer rows.Close()

	var files []types.File
	for rows.Next() {
		var f types.File
		if err := rows.Scan(&f.ID, &f.ItemID, &f.RemoteName, &f.RemoteSize, &f.Digest, &f.DigestAlgo,
			&f.LocalPath, &f.Downloaded, &f.Status, &f.Attempts, &f.LastError, &f.HTTPStatus); err != nil {
			return nil, fmt.Errorf("store: scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ClaimFile is the single atomic compare-and-update statement that
// transitions pending -> in-progress. It returns false, nil if another
// worker already holds the file (no rows matched), never a read-then-write
// race.
func (s *Store) ClaimFile(ctx context.Context, fileID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE files SET status = ? WHERE id = ? AND status = ?`,
		types.FileInProgress, fileID, types.FilePending)
	if err != nil {
		return false, fmt.Errorf("store: claim file %d: %w", fileID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: claim file %d rows affected: %w", fileID, err)
	}
	return n == 1, nil
}

// Outcome is what a Fetcher reports back through ReleaseFile.
type Outcome struct {
	Status     types.FileStatus
	Downloaded int64
	Attempts   int
	LastError  types.ErrorKind
	HTTPStatus int
}

// ReleaseFile atomically updates a file's status, bytes-downloaded,
// attempts, and last error. Used both for checkpoint persistence mid-fetch
// (status stays in-progress) and for the terminal transition at finalize.
func (s *Store) ReleaseFile(ctx context.Context, fileID int64, outcome Outcome) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET status = ?, downloaded = ?, attempts = ?, last_error = ?, http_status = ? WHERE id = ?`,
		outcome.Status, outcome.Downloaded, outcome.Attempts, outcome.LastError, outcome.HTTPStatus, fileID)
	if err != nil {
		return fmt.Errorf("store: release file %d: %w", fileID, err)
	}
	return nil
}

// ReclaimInProgress transitions every in-progress file in a job back to
// pending. Only a live claim is authoritative; any row still marked
// in-progress at resume time belonged to a process that no longer exists.
func (s *Store) ReclaimInProgress(ctx context.Context, jobID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE files SET status = ?
		WHERE status = ? AND item_id IN (SELECT id FROM items WHERE job_id = ?)`,
		types.FilePending, types.FileInProgress, jobID)
	if err != nil {
		return 0, fmt.Errorf("store: reclaim in-progress files: %w", err)
	}
	n, err := res.RowsAffected()
	return n, err
}

// ProgressSnapshot aggregates counts and bytes across every file in a job.
func (s *Store) ProgressSnapshot(ctx context.Context, jobID string) (types.ProgressSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN f.status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN f.status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN f.status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN f.status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(f.downloaded), 0),
			COALESCE(SUM(f.remote_size), 0)
		FROM files f JOIN items i ON f.item_id = i.id
		WHERE i.job_id = ?`,
		types.FileDone, types.FileFailed, types.FileInProgress, types.FilePending, jobID)

	var snap types.ProgressSnapshot
	err := row.Scan(&snap.TotalFiles, &snap.Done, &snap.Failed, &snap.InProgress, &snap.Pending, &snap.BytesDone, &snap.BytesTotal)
	if err != nil {
		return types.ProgressSnapshot{}, fmt.Errorf("store: progress snapshot: %w", err)
	}
	return snap, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
