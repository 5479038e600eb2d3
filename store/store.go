// SPDX-License-Identifier: AGPL-3.0-only
package store

import (
	"database/sql"
	"errors"
	"net/url"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSuccess   JobStatus = "success"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
	StatusCleaned   JobStatus = "cleaned"
)

type Job struct {
	ID           int64      `json:"id"`
	AppID        string     `json:"app_id"`
	URL          string     `json:"url"`
	OriginalURL  string     `json:"original_url"`
	Title        string     `json:"title"`
	ImagePath    *string    `json:"image_path,omitempty"`
	Status       JobStatus  `json:"status"`
	PID          *int       `json:"pid,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Archived     bool       `json:"archived"`
	Logs         string     `json:"logs,omitempty"`
	Files        []JobFile  `json:"files,omitempty"`
}

type JobFile struct {
	ID        int64     `json:"id"`
	JobID     int64     `json:"job_id"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

const jobColumns = `id, app_id, url, status, pid, exit_code, error_message, created_at, started_at, finished_at, archived, original_url, title, image_path`

// Init creates the schema if missing and adds any column introduced by a
// later version of the binary, so a DB created by an older Low Tide still
// opens cleanly.
func Init(db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS jobs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            app_id TEXT NOT NULL,
            url TEXT NOT NULL,
            status TEXT NOT NULL,
            pid INTEGER,
            exit_code INTEGER,
            error_message TEXT,
            created_at DATETIME NOT NULL,
            started_at DATETIME,
            finished_at DATETIME,
            archived INTEGER NOT NULL DEFAULT 0,
            original_url TEXT,
            title TEXT,
            logs TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_files (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
            path TEXT NOT NULL,
            size_bytes INTEGER NOT NULL,
            created_at DATETIME NOT NULL
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_job_files_job_path ON job_files(job_id, path);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return addColumnIfMissing(db, "jobs", "image_path", "TEXT")
}

func addColumnIfMissing(db *sql.DB, table, column, ddlType string) error {
	rows, err := db.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return rows.Err()
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + ddlType)
	return err
}

func InsertJob(db *sql.DB, appID string, rawURL string, createdAt time.Time) (int64, error) {
	if strings.TrimSpace(rawURL) == "" {
		return 0, errors.New("no url")
	}
	title := rawURL
	if u, err := parseURLTitle(rawURL); err == nil && u != "" {
		title = u
	}
	res, err := db.Exec(`INSERT INTO jobs (app_id, url, original_url, status, created_at, archived, title) VALUES (?, ?, ?, ?, ?, 0, ?)`,
		appID, rawURL, rawURL, StatusQueued, createdAt, title)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DeriveTitle returns the host+path fallback title InsertJob assigns a job
// at creation time, so callers can tell whether a title was ever enriched
// beyond that default before overwriting it.
func DeriveTitle(rawURL string) string {
	if t, err := parseURLTitle(rawURL); err == nil && t != "" {
		return t
	}
	return rawURL
}

func parseURLTitle(raw string) (string, error) {
	r, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	p := r.Host + r.Path
	if r.RawQuery != "" {
		p += "?" + r.RawQuery
	}
	return strings.TrimSuffix(p, "/"), nil
}

func scanJob(row interface {
	Scan(dest ...interface{}) error
}, includeLogs bool) (*Job, error) {
	var j Job
	var logs sql.NullString
	var status string
	var archivedInt int

	dest := []interface{}{
		&j.ID, &j.AppID, &j.URL, &status, &j.PID, &j.ExitCode, &j.ErrorMessage,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt, &archivedInt, &j.OriginalURL, &j.Title, &j.ImagePath,
	}
	if includeLogs {
		dest = append(dest, &logs)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	j.Status = JobStatus(status)
	j.Archived = archivedInt != 0
	if includeLogs {
		j.Logs = logs.String
	}
	return &j, nil
}

func GetJob(db *sql.DB, id int64) (*Job, error) {
	row := db.QueryRow(`SELECT `+jobColumns+`, logs FROM jobs WHERE id = ?`, id)
	return scanJob(row, true)
}

// ListJobs returns jobs ordered created_at DESC, optionally filtered by
// status, optionally capped at limit (0 = unlimited). Returned jobs never
// carry the heavy logs column.
func ListJobs(db *sql.DB, status JobStatus, limit int) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// NextQueuedJob returns the queued job with the smallest id (FIFO), or nil
// if the queue is empty.
func NextQueuedJob(db *sql.DB) (*Job, error) {
	row := db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY id ASC LIMIT 1`, StatusQueued)
	j, err := scanJob(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func UpdateJobStatusRunning(db *sql.DB, id int64, startedAt time.Time) error {
	_, err := db.Exec(`UPDATE jobs SET status = ?, started_at = ? WHERE id = ?`, StatusRunning, startedAt, id)
	return err
}

func UpdateJobPID(db *sql.DB, id int64, pid int) error {
	_, err := db.Exec(`UPDATE jobs SET pid = ? WHERE id = ?`, pid, id)
	return err
}

// ClearJobPID clears pid and records the child's exit code. Called by the
// three MarkJob* terminal transitions below instead of each inlining its
// own "pid = NULL" update.
func ClearJobPID(db *sql.DB, id int64, exitCode int) error {
	_, err := db.Exec(`UPDATE jobs SET pid = NULL, exit_code = ? WHERE id = ?`, exitCode, id)
	return err
}

func MarkJobSuccess(db *sql.DB, id int64, finishedAt time.Time, logs string, exitCode int) error {
	if _, err := db.Exec(`UPDATE jobs SET status = ?, finished_at = ?, logs = ? WHERE id = ?`, StatusSuccess, finishedAt, logs, id); err != nil {
		return err
	}
	return ClearJobPID(db, id, exitCode)
}

func MarkJobCancelled(db *sql.DB, id int64, finishedAt time.Time, logs string, exitCode int) error {
	if _, err := db.Exec(`UPDATE jobs SET status = ?, finished_at = ?, logs = ? WHERE id = ?`, StatusCancelled, finishedAt, logs, id); err != nil {
		return err
	}
	return ClearJobPID(db, id, exitCode)
}

func MarkJobFailed(db *sql.DB, id int64, finishedAt time.Time, msg string, logs string, exitCode int) error {
	if _, err := db.Exec(`UPDATE jobs SET status = ?, finished_at = ?, error_message = ?, logs = ? WHERE id = ?`, StatusFailed, finishedAt, msg, logs, id); err != nil {
		return err
	}
	return ClearJobPID(db, id, exitCode)
}

func MarkJobCleaned(db *sql.DB, id int64) error {
	_, err := db.Exec(`UPDATE jobs SET status = ? WHERE id = ?`, StatusCleaned, id)
	return err
}

// ResetJobForRetry atomically restores a terminal/cleaned job to queued,
// clearing timestamps, pid, exit code, error, logs and archived, and
// deleting all JobFile rows for this job.
func ResetJobForRetry(db *sql.DB, id int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE jobs SET status=?, pid=NULL, exit_code=NULL, error_message=NULL, started_at=NULL, finished_at=NULL, logs=NULL, archived=0 WHERE id=?`, StatusQueued, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM job_files WHERE job_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func ArchiveJob(db *sql.DB, id int64) error {
	_, err := db.Exec(`UPDATE jobs SET archived = 1 WHERE id = ?`, id)
	return err
}

func UnarchiveJob(db *sql.DB, id int64) error {
	_, err := db.Exec(`UPDATE jobs SET archived = 0 WHERE id = ?`, id)
	return err
}

// ArchiveFinishedJobs archives every job in a terminal state that isn't
// already archived.
func ArchiveFinishedJobs(db *sql.DB) error {
	_, err := db.Exec(`UPDATE jobs SET archived = 1 WHERE archived = 0 AND status IN (?, ?, ?, ?)`,
		StatusSuccess, StatusFailed, StatusCancelled, StatusCleaned)
	return err
}

func UpdateJobTitle(db *sql.DB, id int64, title string) error {
	_, err := db.Exec(`UPDATE jobs SET title = ? WHERE id = ?`, title, id)
	return err
}

func UpdateJobImagePath(db *sql.DB, id int64, path string) error {
	_, err := db.Exec(`UPDATE jobs SET image_path = ? WHERE id = ?`, path, id)
	return err
}

func DeleteJob(db *sql.DB, id int64) error {
	_, err := db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	return err
}

// InsertJobFile upserts on (job_id, path) so concurrent watcher-driven
// inserts coalesce atomically.
func InsertJobFile(db *sql.DB, jobID int64, path string, size int64, createdAt time.Time) error {
	_, err := db.Exec(`INSERT INTO job_files (job_id, path, size_bytes, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id, path) DO UPDATE SET size_bytes = excluded.size_bytes, created_at = excluded.created_at`,
		jobID, path, size, createdAt)
	return err
}

func DeleteJobFileByPath(db *sql.DB, jobID int64, path string) error {
	_, err := db.Exec(`DELETE FROM job_files WHERE job_id = ? AND path = ?`, jobID, path)
	return err
}

func DeleteJobFiles(db *sql.DB, jobID int64) error {
	_, err := db.Exec(`DELETE FROM job_files WHERE job_id = ?`, jobID)
	return err
}

func GetJobFileByID(db *sql.DB, id int64) (*JobFile, error) {
	row := db.QueryRow(`SELECT id, job_id, path, size_bytes, created_at FROM job_files WHERE id = ?`, id)
	var f JobFile
	if err := row.Scan(&f.ID, &f.JobID, &f.Path, &f.SizeBytes, &f.CreatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func JobFileExists(db *sql.DB, jobID int64, path string) (bool, error) {
	row := db.QueryRow(`SELECT COUNT(1) FROM job_files WHERE job_id = ? AND path = ?`, jobID, path)
	var cnt int
	if err := row.Scan(&cnt); err != nil {
		return false, err
	}
	return cnt > 0, nil
}

func ListJobFiles(db *sql.DB, jobID int64) ([]JobFile, error) {
	rows, err := db.Query(`SELECT id, job_id, path, size_bytes, created_at FROM job_files WHERE job_id = ? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []JobFile
	for rows.Next() {
		var f JobFile
		if err := rows.Scan(&f.ID, &f.JobID, &f.Path, &f.SizeBytes, &f.CreatedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
