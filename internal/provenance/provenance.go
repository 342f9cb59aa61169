// Package provenance records reduction runs in a local SQLite
// database: which input files went in, with which parameters, and
// what came out. The database also backs the console's run browser.
package provenance

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// File roles.
const (
	RoleInput  = "input"
	RoleOutput = "output"
)

// ErrNotFound reports a run id with no stored row.
var ErrNotFound = errors.New("run not found")

type DB struct {
	*sql.DB
}

// Open opens the database without touching the schema. Callers are
// expected to run migrations, or use OpenAndMigrate.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

// OpenAndMigrate opens the database and brings the schema up to date.
func OpenAndMigrate(path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	migrations, err := Migrations()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(migrations); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Run is one recorded reduction.
type Run struct {
	ID         string
	Instrument string
	Workflow   string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is still going
	Status     string
	Params     map[string]any
}

// FileRecord ties an input or output file to a run.
type FileRecord struct {
	RunID string
	Role  string
	Name  string
	Path  string
	MD5   string
}

// LogLine is one stored log message.
type LogLine struct {
	At      time.Time
	Message string
}

// StartRun inserts a new run in the running state. A missing ID is
// filled with a fresh UUID, a zero start time with the current time.
func (db *DB) StartRun(run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to encode run parameters: %w", err)
	}
	_, err = db.Exec(
		"INSERT INTO runs (run_id, instrument, workflow, started_at, status, params) VALUES (?, ?, ?, ?, ?, ?)",
		run.ID, run.Instrument, run.Workflow, run.StartedAt.Format(time.RFC3339Nano), run.Status, string(params),
	)
	return err
}

// FinishRun marks a run as completed or failed.
func (db *DB) FinishRun(id, status string) error {
	res, err := db.Exec(
		"UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?",
		status, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// AddFile records an input or output file of a run.
func (db *DB) AddFile(f FileRecord) error {
	_, err := db.Exec(
		"INSERT INTO run_files (run_id, role, name, path, md5) VALUES (?, ?, ?, ?, ?)",
		f.RunID, f.Role, f.Name, f.Path, f.MD5,
	)
	return err
}

// AppendLog stores one log line for a run.
func (db *DB) AppendLog(runID, message string) error {
	_, err := db.Exec(
		"INSERT INTO run_log (run_id, at, message) VALUES (?, ?, ?)",
		runID, time.Now().UTC().Format(time.RFC3339Nano), message,
	)
	return err
}

const runColumns = "run_id, instrument, workflow, started_at, finished_at, status, params"

// RunByID returns one run.
func (db *DB) RunByID(id string) (*Run, error) {
	row := db.QueryRow("SELECT "+runColumns+" FROM runs WHERE run_id = ?", id)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// Runs lists the most recent runs, newest first.
func (db *DB) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query("SELECT "+runColumns+" FROM runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// Files lists a run's recorded files, optionally filtered by role.
func (db *DB) Files(runID, role string) ([]FileRecord, error) {
	query := "SELECT run_id, role, name, path, md5 FROM run_files WHERE run_id = ?"
	args := []any{runID}
	if role != "" {
		query += " AND role = ?"
		args = append(args, role)
	}
	query += " ORDER BY name"
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []FileRecord
	for rows.Next() {
		var f FileRecord
		var md5 sql.NullString
		if err := rows.Scan(&f.RunID, &f.Role, &f.Name, &f.Path, &md5); err != nil {
			return nil, err
		}
		f.MD5 = md5.String
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return files, nil
}

// RunLog returns a run's log lines in insertion order.
func (db *DB) RunLog(runID string) ([]LogLine, error) {
	rows, err := db.Query("SELECT at, message FROM run_log WHERE run_id = ? ORDER BY rowid", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []LogLine
	for rows.Next() {
		var at string
		var line LogLine
		if err := rows.Scan(&at, &line.Message); err != nil {
			return nil, err
		}
		line.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("failed to parse log timestamp: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var (
		run        Run
		startedAt  string
		finishedAt sql.NullString
		params     sql.NullString
	)
	if err := scan(&run.ID, &run.Instrument, &run.Workflow, &startedAt, &finishedAt, &run.Status, &params); err != nil {
		return nil, err
	}
	var err error
	run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if finishedAt.Valid && finishedAt.String != "" {
		run.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse finished_at: %w", err)
		}
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &run.Params); err != nil {
			return nil, fmt.Errorf("failed to decode run parameters: %w", err)
		}
	}
	return &run, nil
}
