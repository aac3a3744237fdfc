// Package store keeps correlation reports in a SQLite database so several runs
// can be reviewed and compared with plain SQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"qbcorrelate/internal/report"
)

// Store wraps the report database.
type Store struct {
	db     *sql.DB
	dbPath string
	log    *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for schema notices.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Run describes one correlation run.
type Run struct {
	ID                string
	StartedAt         time.Time
	FinishedAt        time.Time
	AssessmentPath    string
	SubjectPath       string
	AssessmentRecords int
	SubjectRecords    int
	Unmatched         int
	Filter            string // query filter regex in effect
	Lookback          string
}

// Open creates or opens the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: path, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := runMigrations(db, s.log); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		assessment_path TEXT NOT NULL,
		subject_path TEXT NOT NULL,
		assessment_records INTEGER NOT NULL DEFAULT 0,
		subject_records INTEGER NOT NULL DEFAULT 0,
		unmatched INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS report_rows (
		run_id TEXT NOT NULL REFERENCES runs(id),
		group_index INTEGER NOT NULL,
		row_index INTEGER NOT NULL,
		preview_line TEXT NOT NULL,
		preview_date TEXT NOT NULL,
		studies TEXT NOT NULL,
		instruments TEXT NOT NULL,
		subject_line TEXT NOT NULL,
		subject_date TEXT NOT NULL,
		identifiers TEXT NOT NULL,
		PRIMARY KEY (run_id, group_index, row_index)
	);
	CREATE INDEX IF NOT EXISTS idx_rows_subject_line ON report_rows(run_id, subject_line);
	`
	_, err := s.db.Exec(schema)
	return err
}

// BeginRun records a new run and returns a report sink writing its rows. The
// run and its rows share one transaction, committed by the sink's Close, so a
// run that is aborted leaves nothing behind.
func (s *Store) BeginRun(ctx context.Context, run Run) (*RunSink, error) {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, assessment_path, subject_path, filter_regex, lookback)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC(), run.AssessmentPath, run.SubjectPath, run.Filter, run.Lookback)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO report_rows (run_id, group_index, row_index, preview_line, preview_date,
			studies, instruments, subject_line, subject_date, identifiers)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	return &RunSink{ctx: ctx, runID: run.ID, tx: tx, stmt: stmt}, nil
}

// FinishRun stores the final counts of a run.
func (s *Store) FinishRun(ctx context.Context, run Run) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, assessment_records = ?, subject_records = ?, unmatched = ?
		WHERE id = ?`,
		run.FinishedAt.UTC(), run.AssessmentRecords, run.SubjectRecords, run.Unmatched, run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown run %q", run.ID)
	}
	return nil
}

// Runs lists recorded runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, assessment_path, subject_path,
			assessment_records, subject_records, unmatched, filter_regex, lookback
		FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &r.AssessmentPath, &r.SubjectPath,
			&r.AssessmentRecords, &r.SubjectRecords, &r.Unmatched, &r.Filter, &r.Lookback); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Rows returns the report rows of a run in output order.
func (s *Store) Rows(ctx context.Context, runID string) ([]report.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT preview_line, preview_date, studies, instruments, subject_line, subject_date, identifiers
		FROM report_rows WHERE run_id = ? ORDER BY group_index, row_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()

	var out []report.Row
	for rows.Next() {
		var r report.Row
		if err := rows.Scan(&r.PreviewLine, &r.PreviewDate, &r.Studies, &r.Instruments,
			&r.SubjectLine, &r.SubjectDate, &r.Identifiers); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunSink is a report.Sink writing one run's rows.
type RunSink struct {
	ctx    context.Context
	runID  string
	tx     *sql.Tx
	stmt   *sql.Stmt
	groups int
	err    error
}

var _ report.Sink = (*RunSink)(nil)

// RunID returns the run the sink writes to.
func (r *RunSink) RunID() string { return r.runID }

// WriteGroup inserts every row of g.
func (r *RunSink) WriteGroup(g report.RowGroup) error {
	if r.err != nil {
		return r.err
	}
	for i, row := range g.Rows() {
		_, err := r.stmt.ExecContext(r.ctx, r.runID, r.groups, i,
			row.PreviewLine, row.PreviewDate, row.Studies, row.Instruments,
			row.SubjectLine, row.SubjectDate, row.Identifiers)
		if err != nil {
			r.err = fmt.Errorf("failed to insert report row: %w", err)
			return r.err
		}
	}
	r.groups++
	return nil
}

// ErrAborted is returned by Close after Abort.
var ErrAborted = errors.New("run aborted")

// Abort marks the run as failed so Close discards it. cause is reported by
// Close; nil means ErrAborted.
func (r *RunSink) Abort(cause error) {
	if r.err != nil {
		return
	}
	if cause == nil {
		r.err = ErrAborted
		return
	}
	r.err = fmt.Errorf("%w: %w", ErrAborted, cause)
}

// Close commits the run and its rows, or rolls both back when a write failed
// or the run was aborted.
func (r *RunSink) Close() error {
	r.stmt.Close()
	if r.err != nil {
		r.tx.Rollback()
		return r.err
	}
	if err := r.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit report rows: %w", err)
	}
	return nil
}
