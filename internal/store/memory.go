package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/seantiz/stellarsim/internal/model"
)

const (
	jobsTable    = "jobs"
	resultsTable = "results"
	batchesTable = "batch_runs"

	idIndex     = "id"
	statusIndex = "status"
	batchIndex  = "batch_run_id"
)

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store on an in-process go-memdb database. Rows are
// copied on the way in and out; stored objects are never mutated.
type MemoryStore struct {
	db *memdb.MemDB
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &MemoryStore{db: db}, nil
}

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					statusIndex: {
						Name:    statusIndex,
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
					batchIndex: {
						Name:         batchIndex,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "BatchRunID"},
					},
				},
			},
			resultsTable: {
				Name: resultsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "JobID"},
					},
				},
			},
			batchesTable: {
				Name: batchesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					statusIndex: {
						Name:    statusIndex,
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
		},
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	if j.Parameters.FailureRate != nil {
		rate := *j.Parameters.FailureRate
		c.Parameters.FailureRate = &rate
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func cloneResult(r *model.Result) *model.Result {
	c := *r
	c.TimeSeries = slices.Clone(r.TimeSeries)
	return &c
}

func cloneBatchRun(b *model.BatchRun) *model.BatchRun {
	c := *b
	c.CompletedAt = cloneTime(b.CompletedAt)
	return &c
}

// newestFirst orders rows by created_at DESC, then id DESC.
func newestFirst(aCreated, bCreated time.Time, aID, bID string) int {
	if c := bCreated.Compare(aCreated); c != 0 {
		return c
	}
	return cmp.Compare(bID, aID)
}

func page[T any](rows []T, limit, offset int) []T {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func (s *MemoryStore) getJob(txn *memdb.Txn, id string) (*model.Job, error) {
	raw, err := txn.First(jobsTable, idIndex, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return raw.(*model.Job), nil
}

// CreateJob inserts a new job record.
func (s *MemoryStore) CreateJob(_ context.Context, j *model.Job) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(jobsTable, idIndex, j.ID); err != nil {
		return fmt.Errorf("insert job: %w", err)
	} else if existing != nil {
		return ErrConflict
	}
	if err := txn.Insert(jobsTable, cloneJob(j)); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	txn.Commit()
	return nil
}

// GetJob retrieves a job by ID.
func (s *MemoryStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	j, err := s.getJob(txn, id)
	if err != nil {
		return nil, err
	}
	return cloneJob(j), nil
}

// ListJobs returns a filtered, paginated list of jobs ordered by created_at
// DESC, along with the total count of matching jobs.
func (s *MemoryStore) ListJobs(_ context.Context, f JobFilter) ([]*model.Job, int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var (
		it  memdb.ResultIterator
		err error
	)
	switch {
	case f.BatchRunID != "":
		it, err = txn.Get(jobsTable, batchIndex, f.BatchRunID)
	case f.Status != "":
		it, err = txn.Get(jobsTable, statusIndex, f.Status)
	default:
		it, err = txn.Get(jobsTable, idIndex)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}

	search := strings.ToLower(f.Search)
	var jobs []*model.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		j := raw.(*model.Job)
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.ExperimentID != "" && j.ExperimentID != f.ExperimentID {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(j.ID), search) {
			continue
		}
		jobs = append(jobs, cloneJob(j))
	}

	slices.SortFunc(jobs, func(a, b *model.Job) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return page(jobs, f.Limit, f.Offset), len(jobs), nil
}

// UpdateJob writes the mutable fields of j. The write is rejected with
// ErrInvalidTransition if the stored status may not move to j.Status.
func (s *MemoryStore) UpdateJob(_ context.Context, j *model.Job) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	current, err := s.getJob(txn, j.ID)
	if err != nil {
		return err
	}
	if !slices.Contains(model.AllowedFrom(j.Status), current.Status) {
		return ErrInvalidTransition
	}

	updated := cloneJob(current)
	updated.Status = j.Status
	updated.StartedAt = cloneTime(j.StartedAt)
	updated.CompletedAt = cloneTime(j.CompletedAt)
	updated.ErrorMessage = j.ErrorMessage
	if err := txn.Insert(jobsTable, updated); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	txn.Commit()
	return nil
}

// ResetJob moves a failed job back to pending.
func (s *MemoryStore) ResetJob(_ context.Context, id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	current, err := s.getJob(txn, id)
	if err != nil {
		return err
	}
	if current.Status != model.StatusFailed {
		return ErrInvalidTransition
	}

	updated := cloneJob(current)
	updated.Status = model.StatusPending
	updated.StartedAt = nil
	updated.CompletedAt = nil
	updated.ErrorMessage = ""
	if err := txn.Insert(jobsTable, updated); err != nil {
		return fmt.Errorf("reset job: %w", err)
	}
	txn.Commit()
	return nil
}

// DeleteJob removes a job and its result.
func (s *MemoryStore) DeleteJob(_ context.Context, id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	current, err := s.getJob(txn, id)
	if err != nil {
		return err
	}
	if err := txn.Delete(jobsTable, current); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if _, err := txn.DeleteAll(resultsTable, idIndex, id); err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	txn.Commit()
	return nil
}

// CreateResult inserts a result. A job has at most one result.
func (s *MemoryStore) CreateResult(_ context.Context, r *model.Result) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(resultsTable, idIndex, r.JobID); err != nil {
		return fmt.Errorf("insert result: %w", err)
	} else if existing != nil {
		return ErrConflict
	}
	if err := txn.Insert(resultsTable, cloneResult(r)); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	txn.Commit()
	return nil
}

// DeleteResult removes the result of a job.
func (s *MemoryStore) DeleteResult(_ context.Context, jobID string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	n, err := txn.DeleteAll(resultsTable, idIndex, jobID)
	if err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	txn.Commit()
	return nil
}

// GetResult retrieves the result of a job.
func (s *MemoryStore) GetResult(_ context.Context, jobID string) (*model.Result, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(resultsTable, idIndex, jobID)
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return cloneResult(raw.(*model.Result)), nil
}

// ListCompletedJobsWithResults returns every completed job joined with its
// result. Time series are not copied.
func (s *MemoryStore) ListCompletedJobsWithResults(_ context.Context) ([]model.JobWithResult, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(jobsTable, statusIndex, model.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("list completed jobs: %w", err)
	}

	var out []model.JobWithResult
	for raw := it.Next(); raw != nil; raw = it.Next() {
		j := raw.(*model.Job)
		rraw, err := txn.First(resultsTable, idIndex, j.ID)
		if err != nil {
			return nil, fmt.Errorf("get result: %w", err)
		}
		if rraw == nil {
			continue
		}
		r := *rraw.(*model.Result)
		r.TimeSeries = nil
		out = append(out, model.JobWithResult{Job: cloneJob(j), Result: &r})
	}

	slices.SortFunc(out, func(a, b model.JobWithResult) int {
		return a.Job.CreatedAt.Compare(b.Job.CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) getBatchRun(txn *memdb.Txn, id string) (*model.BatchRun, error) {
	raw, err := txn.First(batchesTable, idIndex, id)
	if err != nil {
		return nil, fmt.Errorf("get batch run: %w", err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return raw.(*model.BatchRun), nil
}

// CreateBatchRun inserts a new batch run record.
func (s *MemoryStore) CreateBatchRun(_ context.Context, b *model.BatchRun) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(batchesTable, idIndex, b.ID); err != nil {
		return fmt.Errorf("insert batch run: %w", err)
	} else if existing != nil {
		return ErrConflict
	}
	if err := txn.Insert(batchesTable, cloneBatchRun(b)); err != nil {
		return fmt.Errorf("insert batch run: %w", err)
	}
	txn.Commit()
	return nil
}

// GetBatchRun retrieves a batch run by ID.
func (s *MemoryStore) GetBatchRun(_ context.Context, id string) (*model.BatchRun, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	b, err := s.getBatchRun(txn, id)
	if err != nil {
		return nil, err
	}
	return cloneBatchRun(b), nil
}

// ListBatchRuns returns a paginated list of batch runs ordered by created_at DESC.
func (s *MemoryStore) ListBatchRuns(_ context.Context, limit, offset int) ([]*model.BatchRun, int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(batchesTable, idIndex)
	if err != nil {
		return nil, 0, fmt.Errorf("list batch runs: %w", err)
	}

	var runs []*model.BatchRun
	for raw := it.Next(); raw != nil; raw = it.Next() {
		runs = append(runs, cloneBatchRun(raw.(*model.BatchRun)))
	}
	slices.SortFunc(runs, func(a, b *model.BatchRun) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return page(runs, limit, offset), len(runs), nil
}

// UpdateBatchRun writes the status and completed_at of b.
func (s *MemoryStore) UpdateBatchRun(_ context.Context, b *model.BatchRun) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	current, err := s.getBatchRun(txn, b.ID)
	if err != nil {
		return err
	}
	if !slices.Contains(model.BatchAllowedFrom(b.Status), current.Status) {
		return ErrInvalidTransition
	}

	updated := cloneBatchRun(current)
	updated.Status = b.Status
	updated.CompletedAt = cloneTime(b.CompletedAt)
	if err := txn.Insert(batchesTable, updated); err != nil {
		return fmt.Errorf("update batch run: %w", err)
	}
	txn.Commit()
	return nil
}

// DeleteBatchRun removes a batch run. Its child jobs are kept as standalone
// jobs.
func (s *MemoryStore) DeleteBatchRun(_ context.Context, id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	current, err := s.getBatchRun(txn, id)
	if err != nil {
		return err
	}
	if err := txn.Delete(batchesTable, current); err != nil {
		return fmt.Errorf("delete batch run: %w", err)
	}

	it, err := txn.Get(jobsTable, batchIndex, id)
	if err != nil {
		return fmt.Errorf("list batch children: %w", err)
	}
	var children []*model.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		children = append(children, raw.(*model.Job))
	}
	for _, child := range children {
		detached := cloneJob(child)
		detached.BatchRunID = ""
		if err := txn.Insert(jobsTable, detached); err != nil {
			return fmt.Errorf("detach batch child: %w", err)
		}
	}

	txn.Commit()
	return nil
}

// GetStats computes aggregate job and batch statistics.
func (s *MemoryStore) GetStats(_ context.Context) (*Stats, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	stats := newStats()

	it, err := txn.Get(jobsTable, idIndex)
	if err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	var durations []time.Duration
	for raw := it.Next(); raw != nil; raw = it.Next() {
		j := raw.(*model.Job)
		stats.CountByStatus[j.Status]++
		stats.Total++
		if j.StartedAt != nil && j.CompletedAt != nil {
			durations = append(durations, j.CompletedAt.Sub(*j.StartedAt))
		}
	}
	stats.AvgDurationMS = averageMS(durations)

	it, err = txn.Get(batchesTable, idIndex)
	if err != nil {
		return nil, fmt.Errorf("scan batch runs: %w", err)
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		stats.BatchCountByStatus[raw.(*model.BatchRun).Status]++
		stats.BatchTotal++
	}

	return stats, nil
}
