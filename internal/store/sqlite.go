package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/stellarsim/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id                      TEXT PRIMARY KEY,
    status                  TEXT NOT NULL,
    coil_count              INTEGER NOT NULL,
    magnetic_field_strength REAL NOT NULL,
    plasma_density          REAL NOT NULL,
    resolution              TEXT NOT NULL,
    failure_rate            REAL,
    batch_run_id            TEXT NOT NULL DEFAULT '',
    experiment_id           TEXT NOT NULL DEFAULT '',
    error_message           TEXT NOT NULL DEFAULT '',
    created_at              DATETIME NOT NULL,
    started_at              DATETIME,
    completed_at            DATETIME
)`

const createJobsBatchIndex = `CREATE INDEX IF NOT EXISTS idx_jobs_batch_run_id ON jobs (batch_run_id)`

const createResultsTable = `
CREATE TABLE IF NOT EXISTS results (
    job_id            TEXT PRIMARY KEY,
    confinement_score REAL NOT NULL,
    energy_loss       REAL NOT NULL,
    stability_index   REAL NOT NULL,
    time_series       TEXT NOT NULL
)`

const createBatchRunsTable = `
CREATE TABLE IF NOT EXISTS batch_runs (
    id                           TEXT PRIMARY KEY,
    name                         TEXT NOT NULL,
    description                  TEXT NOT NULL DEFAULT '',
    sweep_parameter              TEXT NOT NULL,
    start_value                  REAL NOT NULL,
    end_value                    REAL NOT NULL,
    step_count                   INTEGER NOT NULL,
    base_coil_count              INTEGER NOT NULL,
    base_magnetic_field_strength REAL NOT NULL,
    base_plasma_density          REAL NOT NULL,
    base_resolution              TEXT NOT NULL,
    experiment_id                TEXT NOT NULL DEFAULT '',
    status                       TEXT NOT NULL,
    created_at                   DATETIME NOT NULL,
    completed_at                 DATETIME
)`

const jobColumns = `id, status, coil_count, magnetic_field_strength, plasma_density,
	resolution, failure_rate, batch_run_id, experiment_id, error_message,
	created_at, started_at, completed_at`

const batchColumns = `id, name, description, sweep_parameter, start_value, end_value,
	step_count, base_coil_count, base_magnetic_field_strength, base_plasma_density,
	base_resolution, experiment_id, status, created_at, completed_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// sqliteMigrations run in order; the index depends on the jobs table.
var sqliteMigrations = []struct {
	name string
	stmt string
}{
	{"jobs", createJobsTable},
	{"jobs batch index", createJobsBatchIndex},
	{"results", createResultsTable},
	{"batch_runs", createBatchRunsTable},
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, m := range sqliteMigrations {
		if _, err := db.Exec(m.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s: %w", m.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	j := &model.Job{}
	err := row.Scan(
		&j.ID, &j.Status, &j.Parameters.CoilCount, &j.Parameters.MagneticFieldStrength,
		&j.Parameters.PlasmaDensity, &j.Parameters.Resolution, &j.Parameters.FailureRate,
		&j.BatchRunID, &j.ExperimentID, &j.ErrorMessage,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	return j, err
}

func scanBatchRun(row rowScanner) (*model.BatchRun, error) {
	b := &model.BatchRun{}
	err := row.Scan(
		&b.ID, &b.Name, &b.Description, &b.SweepParameter, &b.StartValue, &b.EndValue,
		&b.StepCount, &b.BaseCoilCount, &b.BaseMagneticFieldStrength, &b.BasePlasmaDensity,
		&b.BaseResolution, &b.ExperimentID, &b.Status, &b.CreatedAt, &b.CompletedAt,
	)
	return b, err
}

// placeholders returns "?, ?, ..." with n entries and the values as []any.
func placeholders(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", "), args
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Status, j.Parameters.CoilCount, j.Parameters.MagneticFieldStrength,
		j.Parameters.PlasmaDensity, j.Parameters.Resolution, j.Parameters.FailureRate,
		j.BatchRunID, j.ExperimentID, j.ErrorMessage,
		j.CreatedAt, j.StartedAt, j.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a filtered, paginated list of jobs ordered by created_at
// DESC, along with the total count of matching jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.BatchRunID != "" {
		where = append(where, "batch_run_id = ?")
		args = append(args, f.BatchRunID)
	}
	if f.ExperimentID != "" {
		where = append(where, "experiment_id = ?")
		args = append(args, f.ExperimentID)
	}
	if f.Search != "" {
		where = append(where, "instr(lower(id), lower(?)) > 0")
		args = append(args, f.Search)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + clause + ` ORDER BY created_at DESC, id DESC`
	pageArgs := args
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		pageArgs = append(append([]any{}, args...), f.Limit, f.Offset)
	}

	rows, err := tx.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// UpdateJob writes the mutable fields of j. The write is rejected with
// ErrInvalidTransition if the stored status may not move to j.Status.
func (s *SQLiteStore) UpdateJob(ctx context.Context, j *model.Job) error {
	in, fromArgs := placeholders(model.AllowedFrom(j.Status))
	args := append([]any{j.Status, j.StartedAt, j.CompletedAt, j.ErrorMessage, j.ID}, fromArgs...)

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ?, completed_at = ?, error_message = ?
		WHERE id = ? AND status IN (`+in+`)`, args...,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return s.checkJobUpdate(ctx, result, j.ID)
}

// ResetJob moves a failed job back to pending.
func (s *SQLiteStore) ResetJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = NULL, completed_at = NULL, error_message = ''
		WHERE id = ? AND status = ?`,
		model.StatusPending, id, model.StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("reset job: %w", err)
	}
	return s.checkJobUpdate(ctx, result, id)
}

// checkJobUpdate distinguishes a missing row from a rejected transition
// when an update touched nothing.
func (s *SQLiteStore) checkJobUpdate(ctx context.Context, result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM jobs WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	return ErrInvalidTransition
}

// DeleteJob removes a job and its result.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM results WHERE job_id = ?", id); err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// CreateResult inserts a result. A job has at most one result.
func (s *SQLiteStore) CreateResult(ctx context.Context, r *model.Result) error {
	series, err := json.Marshal(r.TimeSeries)
	if err != nil {
		return fmt.Errorf("encode time series: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (job_id, confinement_score, energy_loss, stability_index, time_series)
		VALUES (?, ?, ?, ?, ?)`,
		r.JobID, r.ConfinementScore, r.EnergyLoss, r.StabilityIndex, string(series),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// DeleteResult removes the result of a job.
func (s *SQLiteStore) DeleteResult(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM results WHERE job_id = ?", jobID)
	if err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetResult retrieves the result of a job.
func (s *SQLiteStore) GetResult(ctx context.Context, jobID string) (*model.Result, error) {
	r := &model.Result{}
	var series string
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, confinement_score, energy_loss, stability_index, time_series
		FROM results WHERE job_id = ?`, jobID,
	).Scan(&r.JobID, &r.ConfinementScore, &r.EnergyLoss, &r.StabilityIndex, &series)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	if err := json.Unmarshal([]byte(series), &r.TimeSeries); err != nil {
		return nil, fmt.Errorf("decode time series: %w", err)
	}
	return r, nil
}

// ListCompletedJobsWithResults returns every completed job joined with its
// result. Time series are not loaded.
func (s *SQLiteStore) ListCompletedJobsWithResults(ctx context.Context) ([]model.JobWithResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT j.id, j.status, j.coil_count, j.magnetic_field_strength, j.plasma_density,
			j.resolution, j.failure_rate, j.batch_run_id, j.experiment_id, j.error_message,
			j.created_at, j.started_at, j.completed_at,
			r.confinement_score, r.energy_loss, r.stability_index
		FROM jobs j JOIN results r ON r.job_id = j.id
		WHERE j.status = ? ORDER BY j.created_at`, model.StatusCompleted,
	)
	if err != nil {
		return nil, fmt.Errorf("list completed jobs: %w", err)
	}
	defer rows.Close()

	var out []model.JobWithResult
	for rows.Next() {
		j := &model.Job{}
		r := &model.Result{}
		if err := rows.Scan(
			&j.ID, &j.Status, &j.Parameters.CoilCount, &j.Parameters.MagneticFieldStrength,
			&j.Parameters.PlasmaDensity, &j.Parameters.Resolution, &j.Parameters.FailureRate,
			&j.BatchRunID, &j.ExperimentID, &j.ErrorMessage,
			&j.CreatedAt, &j.StartedAt, &j.CompletedAt,
			&r.ConfinementScore, &r.EnergyLoss, &r.StabilityIndex,
		); err != nil {
			return nil, fmt.Errorf("scan completed job: %w", err)
		}
		r.JobID = j.ID
		out = append(out, model.JobWithResult{Job: j, Result: r})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completed jobs: %w", err)
	}
	return out, nil
}

// CreateBatchRun inserts a new batch run record.
func (s *SQLiteStore) CreateBatchRun(ctx context.Context, b *model.BatchRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_runs (`+batchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.Description, b.SweepParameter, b.StartValue, b.EndValue,
		b.StepCount, b.BaseCoilCount, b.BaseMagneticFieldStrength, b.BasePlasmaDensity,
		b.BaseResolution, b.ExperimentID, b.Status, b.CreatedAt, b.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert batch run: %w", err)
	}
	return nil
}

// GetBatchRun retrieves a batch run by ID.
func (s *SQLiteStore) GetBatchRun(ctx context.Context, id string) (*model.BatchRun, error) {
	b, err := scanBatchRun(s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batch_runs WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch run: %w", err)
	}
	return b, nil
}

// ListBatchRuns returns a paginated list of batch runs ordered by created_at DESC.
func (s *SQLiteStore) ListBatchRuns(ctx context.Context, limit, offset int) ([]*model.BatchRun, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM batch_runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count batch runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batch_runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list batch runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.BatchRun
	for rows.Next() {
		b, err := scanBatchRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan batch run: %w", err)
		}
		runs = append(runs, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate batch runs: %w", err)
	}
	return runs, total, nil
}

// UpdateBatchRun writes the status and completed_at of b.
func (s *SQLiteStore) UpdateBatchRun(ctx context.Context, b *model.BatchRun) error {
	in, fromArgs := placeholders(model.BatchAllowedFrom(b.Status))
	args := append([]any{b.Status, b.CompletedAt, b.ID}, fromArgs...)

	result, err := s.db.ExecContext(ctx,
		`UPDATE batch_runs SET status = ?, completed_at = ? WHERE id = ? AND status IN (`+in+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update batch run: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	if _, err := s.GetBatchRun(ctx, b.ID); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// DeleteBatchRun removes a batch run. Its child jobs are kept as standalone
// jobs.
func (s *SQLiteStore) DeleteBatchRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM batch_runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete batch run: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, "UPDATE jobs SET batch_run_id = '' WHERE batch_run_id = ?", id); err != nil {
		return fmt.Errorf("detach batch children: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// GetStats computes aggregate job and batch statistics.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := newStats()

	if err := s.countByStatus(ctx, "jobs", stats.CountByStatus, &stats.Total); err != nil {
		return nil, err
	}
	if err := s.countByStatus(ctx, "batch_runs", stats.BatchCountByStatus, &stats.BatchTotal); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT started_at, completed_at FROM jobs
		WHERE started_at IS NOT NULL AND completed_at IS NOT NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()

	var durations []time.Duration
	for rows.Next() {
		var started, completed time.Time
		if err := rows.Scan(&started, &completed); err != nil {
			return nil, fmt.Errorf("scan durations: %w", err)
		}
		durations = append(durations, completed.Sub(started))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate durations: %w", err)
	}
	stats.AvgDurationMS = averageMS(durations)

	return stats, nil
}

func (s *SQLiteStore) countByStatus(ctx context.Context, table string, into map[string]int, total *int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM "+table+" GROUP BY status")
	if err != nil {
		return fmt.Errorf("count %s by status: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return fmt.Errorf("scan %s counts: %w", table, err)
		}
		into[status] = n
		*total += n
	}
	return rows.Err()
}

// averageMS returns the mean of ds in milliseconds, or 0 for no samples.
func averageMS(ds []time.Duration) float64 {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return float64(sum.Milliseconds()) / float64(len(ds))
}
