package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/seantiz/stellarsim/internal/model"
	"github.com/seantiz/stellarsim/internal/store"
	"github.com/seantiz/stellarsim/internal/synth"
)

// ErrNotRetryable is returned by Retry for jobs that are not failed.
var ErrNotRetryable = errors.New("only failed jobs can be retried")

const (
	// DefaultTimeUnit is the wall-clock length of one profile time unit.
	DefaultTimeUnit = time.Second

	// DefaultMaxConcurrent bounds concurrently running standalone jobs.
	DefaultMaxConcurrent = 64

	terminalWriteAttempts = 3
	terminalWriteDelay    = 50 * time.Millisecond
)

// ResultSink receives every completed result.
type ResultSink interface {
	Archive(ctx context.Context, r *model.Result) error
}

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	TimeUnit      time.Duration
	MaxConcurrent int64
	Random        Randomness
	Scheduler     Scheduler
	Sink          ResultSink
}

// Engine orchestrates asynchronous job and batch execution.
type Engine struct {
	store     store.Store
	log       logrus.FieldLogger
	unit      time.Duration
	random    Randomness
	scheduler Scheduler
	sink      ResultSink
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
}

// New creates a new execution engine.
func New(s store.Store, log logrus.FieldLogger, opts Options) *Engine {
	e := &Engine{
		store:     s,
		log:       log.WithField("component", "engine"),
		unit:      opts.TimeUnit,
		random:    opts.Random,
		scheduler: opts.Scheduler,
		sink:      opts.Sink,
	}
	if e.unit <= 0 {
		e.unit = DefaultTimeUnit
	}
	if e.random == nil {
		e.random = globalRand{}
	}
	if e.scheduler == nil {
		e.scheduler = SequentialScheduler{}
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	e.sem = semaphore.NewWeighted(maxConcurrent)
	return e
}

// Submit validates j, stores it as pending and launches its execution in a
// goroutine. The goroutine operates on a copy of the job.
func (e *Engine) Submit(ctx context.Context, j *model.Job) error {
	if err := j.Parameters.Validate(); err != nil {
		return err
	}
	if err := e.store.CreateJob(ctx, j); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	jCopy := *j
	e.wg.Go(func() {
		e.execute(context.Background(), &jCopy, SingleProfile, nil)
	})

	return nil
}

// Retry resets a failed job to pending and runs it again with the single-job
// profile. failureRate, when non-nil, replaces the job's stored rate for this
// execution only.
func (e *Engine) Retry(ctx context.Context, id string, failureRate *float64) (*model.Job, error) {
	j, err := e.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != model.StatusFailed {
		return nil, ErrNotRetryable
	}

	if err := e.store.ResetJob(ctx, id); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, ErrNotRetryable
		}
		return nil, fmt.Errorf("reset job: %w", err)
	}

	j.Status = model.StatusPending
	j.StartedAt = nil
	j.CompletedAt = nil
	j.ErrorMessage = ""

	var override *float64
	if failureRate != nil {
		rate := *failureRate
		override = &rate
	}

	jCopy := *j
	e.wg.Go(func() {
		e.execute(context.Background(), &jCopy, SingleProfile, override)
	})

	return j, nil
}

// SubmitBatch validates b, stores it as pending and launches the sweep in a
// goroutine.
func (e *Engine) SubmitBatch(ctx context.Context, b *model.BatchRun) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if err := e.store.CreateBatchRun(ctx, b); err != nil {
		return fmt.Errorf("create batch run: %w", err)
	}

	bCopy := *b
	e.wg.Go(func() {
		_ = e.runBatch(context.Background(), &bCopy)
	})

	return nil
}

// RunBatch stores b and runs the whole sweep before returning. Once the
// batch is stored, cancelling ctx no longer interrupts the sweep: every
// child still reaches a terminal state and the batch ends completed.
func (e *Engine) RunBatch(ctx context.Context, b *model.BatchRun) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if err := e.store.CreateBatchRun(ctx, b); err != nil {
		return fmt.Errorf("create batch run: %w", err)
	}
	return e.runBatch(context.WithoutCancel(ctx), b)
}

// Wait blocks until all in-flight executions complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execute runs the job lifecycle: pending -> running -> completed/failed.
func (e *Engine) execute(ctx context.Context, j *model.Job, prof Profile, override *float64) {
	log := e.log.WithFields(logrus.Fields{"job_id": j.ID, "kind": prof.Kind})

	if prof.Kind == KindSingle {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			log.WithError(err).Error("Failed to acquire execution slot")
			return
		}
		defer e.sem.Release(1)
	}

	started := time.Now().UTC()
	j.Status = model.StatusRunning
	j.StartedAt = &started
	j.CompletedAt = nil
	j.ErrorMessage = ""
	if err := e.store.UpdateJob(ctx, j); err != nil {
		log.WithError(err).Error("Failed to transition to running")
		return
	}

	activeJobs.Inc()
	defer activeJobs.Dec()

	time.Sleep(prof.duration(e.random.Float64(), e.unit))

	roll := e.random.Float64() * 100
	if roll < prof.failureRate(j, override) {
		e.finishFailed(ctx, j, prof, prof.FailureMessage)
		return
	}

	result := synth.Synthesize(j.ID, j.Parameters)
	err := e.writeTerminal(func() error { return e.store.CreateResult(ctx, result) })
	if errors.Is(err, store.ErrConflict) {
		// An earlier attempt landed before its error; results are
		// deterministic per job.
		err = nil
	}
	if err != nil {
		log.WithError(err).Error("Failed to persist result")
		e.finishFailed(ctx, j, prof, fmt.Sprintf("failed to persist result: %v", err))
		return
	}

	completed := time.Now().UTC()
	j.Status = model.StatusCompleted
	j.CompletedAt = &completed
	if err := e.writeTerminal(func() error { return e.store.UpdateJob(ctx, j) }); err != nil {
		log.WithError(err).Error("Failed to update completed job")
		e.dropResult(ctx, j.ID, log)
		e.finishFailed(ctx, j, prof, fmt.Sprintf("failed to mark job completed: %v", err))
		return
	}

	jobsTotal.WithLabelValues(prof.Kind, model.StatusCompleted).Inc()
	jobDuration.WithLabelValues(prof.Kind).Observe(completed.Sub(started).Seconds())
	log.Debug("Job completed")

	if e.sink != nil {
		if err := e.sink.Archive(ctx, result); err != nil {
			log.WithError(err).Warn("Failed to archive result")
		}
	}
}

// dropResult removes the result of a job that could not be marked completed.
func (e *Engine) dropResult(ctx context.Context, id string, log logrus.FieldLogger) {
	err := e.writeTerminal(func() error { return e.store.DeleteResult(ctx, id) })
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.WithError(err).Error("Failed to remove result of uncompleted job")
	}
}

// finishFailed marks a running job as failed with the given message.
func (e *Engine) finishFailed(ctx context.Context, j *model.Job, prof Profile, msg string) {
	now := time.Now().UTC()
	j.Status = model.StatusFailed
	j.CompletedAt = &now
	j.ErrorMessage = msg

	if err := e.writeTerminal(func() error { return e.store.UpdateJob(ctx, j) }); err != nil {
		e.log.WithError(err).WithField("job_id", j.ID).Error("Failed to update failed job")
		return
	}

	jobsTotal.WithLabelValues(prof.Kind, model.StatusFailed).Inc()
	if j.StartedAt != nil {
		jobDuration.WithLabelValues(prof.Kind).Observe(now.Sub(*j.StartedAt).Seconds())
	}
}

// writeTerminal retries a store write a few times. Rejected transitions and
// missing rows are permanent and returned immediately.
func (e *Engine) writeTerminal(write func() error) error {
	return retry.Do(
		write,
		retry.Attempts(terminalWriteAttempts),
		retry.Delay(terminalWriteDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, store.ErrInvalidTransition) &&
				!errors.Is(err, store.ErrNotFound) &&
				!errors.Is(err, store.ErrConflict)
		}),
	)
}

// runBatch drives a stored batch run through its sweep. The batch always
// ends completed; child failures stay on the children. A batch deleted
// before it starts is abandoned without creating children.
func (e *Engine) runBatch(ctx context.Context, b *model.BatchRun) error {
	log := e.log.WithField("batch_id", b.ID)

	b.Status = model.StatusRunning
	if err := e.store.UpdateBatchRun(ctx, b); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.WithError(err).Warn("Batch run deleted before start")
			return fmt.Errorf("start batch run: %w", err)
		}
		log.WithError(err).Error("Failed to transition batch to running")
	}

	children := BuildChildren(b)
	log.WithFields(logrus.Fields{
		"sweep_parameter": b.SweepParameter,
		"children":        len(children),
	}).Info("Batch run started")

	e.scheduler.Run(ctx, children, func(ctx context.Context, c ChildSpec) {
		e.runChild(ctx, b, c)
	})

	now := time.Now().UTC()
	b.Status = model.StatusCompleted
	b.CompletedAt = &now
	if err := e.writeTerminal(func() error { return e.store.UpdateBatchRun(ctx, b) }); err != nil {
		log.WithError(err).Error("Failed to update completed batch run")
		return nil
	}

	batchesTotal.Inc()
	log.Info("Batch run completed")
	return nil
}

// runChild creates and executes one child job. Creation failures are logged
// and the child is skipped.
func (e *Engine) runChild(ctx context.Context, b *model.BatchRun, c ChildSpec) {
	j := model.NewJob(c.Parameters)
	j.BatchRunID = b.ID
	j.ExperimentID = b.ExperimentID

	if err := e.store.CreateJob(ctx, j); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"batch_id": b.ID,
			"index":    c.Index,
			"value":    c.Value,
		}).Error("Failed to create batch child")
		return
	}

	e.execute(ctx, j, BatchChildProfile, nil)
}
