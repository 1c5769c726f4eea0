// Package store persists jobs, results and batch runs behind a single
// interface with SQLite, PostgreSQL and in-memory implementations.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/stellarsim/internal/model"
)

var (
	// ErrNotFound is returned when a job, result or batch run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict is returned when a row with the same key already exists.
	ErrConflict = errors.New("already exists")
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// JobFilter narrows ListJobs. Zero values mean "no constraint".
type JobFilter struct {
	Status       string
	BatchRunID   string
	ExperimentID string
	// Search matches any job whose id contains the given substring.
	Search string
	Limit  int
	Offset int
}

// Stats holds aggregate execution statistics.
type Stats struct {
	Total              int            `json:"total"`
	CountByStatus      map[string]int `json:"count_by_status"`
	AvgDurationMS      float64        `json:"avg_duration_ms"`
	BatchTotal         int            `json:"batch_total"`
	BatchCountByStatus map[string]int `json:"batch_count_by_status"`
}

// Store defines the persistence operations used by the engine and API.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, int, error)
	UpdateJob(ctx context.Context, j *model.Job) error
	// ResetJob moves a failed job back to pending and clears its
	// timestamps and error message.
	ResetJob(ctx context.Context, id string) error
	// DeleteJob removes a job and its result, if any.
	DeleteJob(ctx context.Context, id string) error

	CreateResult(ctx context.Context, r *model.Result) error
	GetResult(ctx context.Context, jobID string) (*model.Result, error)
	// DeleteResult removes a result whose job could not be marked completed.
	DeleteResult(ctx context.Context, jobID string) error
	ListCompletedJobsWithResults(ctx context.Context) ([]model.JobWithResult, error)

	CreateBatchRun(ctx context.Context, b *model.BatchRun) error
	GetBatchRun(ctx context.Context, id string) (*model.BatchRun, error)
	ListBatchRuns(ctx context.Context, limit, offset int) ([]*model.BatchRun, int, error)
	UpdateBatchRun(ctx context.Context, b *model.BatchRun) error
	DeleteBatchRun(ctx context.Context, id string) error

	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

// Options configures Open.
type Options struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

// Open returns the store for the configured driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		return NewSQLiteStore(opts.SQLitePath)
	case DriverMemory:
		return NewMemoryStore()
	case DriverPostgres:
		return NewPostgresStore(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", opts.Driver)
	}
}

// newStats returns a Stats value with initialized maps.
func newStats() *Stats {
	return &Stats{
		CountByStatus:      make(map[string]int),
		BatchCountByStatus: make(map[string]int),
	}
}
