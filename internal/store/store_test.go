package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/stellarsim/internal/model"
)

// postgresDSNEnv names a PostgreSQL database the suite may truncate.
const postgresDSNEnv = "STELLARSIM_TEST_POSTGRES_DSN"

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func factories() []storeFactory {
	return []storeFactory{
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLiteStore(":memory:")
			require.NoError(t, err)
			return s
		}},
		{"memory", func(t *testing.T) Store {
			s, err := NewMemoryStore()
			require.NoError(t, err)
			return s
		}},
		{"postgres", func(t *testing.T) Store {
			dsn := os.Getenv(postgresDSNEnv)
			if dsn == "" {
				t.Skipf("%s not set", postgresDSNEnv)
			}
			s, err := NewPostgresStore(context.Background(), dsn)
			require.NoError(t, err)
			require.NoError(t, s.db.Exec("TRUNCATE jobs, results, batch_runs").Error)
			return s
		}},
	}
}

// forEachStore runs fn against a fresh instance of every implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func makeTestJob(created time.Time) *model.Job {
	return &model.Job{
		ID:     model.NewID(),
		Status: model.StatusPending,
		Parameters: model.Parameters{
			CoilCount:             50,
			MagneticFieldStrength: 5.5,
			PlasmaDensity:         1e20,
			Resolution:            model.ResolutionLow,
		},
		CreatedAt: created,
	}
}

func makeTestBatchRun(created time.Time) *model.BatchRun {
	return &model.BatchRun{
		ID:                        model.NewID(),
		Name:                      "field sweep",
		SweepParameter:            model.SweepMagneticField,
		StartValue:                4,
		EndValue:                  12,
		StepCount:                 5,
		BaseCoilCount:             40,
		BaseMagneticFieldStrength: 5,
		BasePlasmaDensity:         1e19,
		BaseResolution:            model.ResolutionLow,
		Status:                    model.StatusPending,
		CreatedAt:                 created,
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func TestCreateAndGetJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rate := 25.0
		j := makeTestJob(now())
		j.Parameters.FailureRate = &rate
		j.ExperimentID = "exp-1"

		require.NoError(t, s.CreateJob(ctx, j))

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, j.ID, got.ID)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.Equal(t, j.Parameters.CoilCount, got.Parameters.CoilCount)
		assert.Equal(t, j.Parameters.MagneticFieldStrength, got.Parameters.MagneticFieldStrength)
		assert.Equal(t, j.Parameters.PlasmaDensity, got.Parameters.PlasmaDensity)
		assert.Equal(t, j.Parameters.Resolution, got.Parameters.Resolution)
		require.NotNil(t, got.Parameters.FailureRate)
		assert.Equal(t, 25.0, *got.Parameters.FailureRate)
		assert.Equal(t, "exp-1", got.ExperimentID)
		assert.True(t, j.CreatedAt.Equal(got.CreatedAt), "CreatedAt = %v, want %v", got.CreatedAt, j.CreatedAt)
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)
	})
}

func TestCreateJobWithoutFailureRate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j := makeTestJob(now())
		require.NoError(t, s.CreateJob(ctx, j))

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Parameters.FailureRate)
	})
}

func TestCreateJobDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j := makeTestJob(now())
		require.NoError(t, s.CreateJob(ctx, j))
		assert.ErrorIs(t, s.CreateJob(ctx, j), ErrConflict)
	})
}

func TestGetJobNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetJob(context.Background(), "nonexistent")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateJobTransitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j := makeTestJob(now())
		require.NoError(t, s.CreateJob(ctx, j))

		started := now()
		j.Status = model.StatusRunning
		j.StartedAt = &started
		require.NoError(t, s.UpdateJob(ctx, j))

		// Repeating the same write is accepted.
		require.NoError(t, s.UpdateJob(ctx, j))

		completed := started.Add(1500 * time.Millisecond)
		j.Status = model.StatusCompleted
		j.CompletedAt = &completed
		require.NoError(t, s.UpdateJob(ctx, j))

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, got.Status)
		require.NotNil(t, got.StartedAt)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, started.Equal(*got.StartedAt))
		assert.True(t, completed.Equal(*got.CompletedAt))

		j.Status = model.StatusRunning
		assert.ErrorIs(t, s.UpdateJob(ctx, j), ErrInvalidTransition)

		j.Status = model.StatusFailed
		assert.ErrorIs(t, s.UpdateJob(ctx, j), ErrInvalidTransition)

		got, err = s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, got.Status, "rejected writes must not change the row")
	})
}

func TestUpdateJobSkipsRunning(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j := makeTestJob(now())
		require.NoError(t, s.CreateJob(ctx, j))

		j.Status = model.StatusCompleted
		assert.ErrorIs(t, s.UpdateJob(ctx, j), ErrInvalidTransition)
	})
}

func TestUpdateJobNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		j := makeTestJob(now())
		j.Status = model.StatusRunning
		assert.ErrorIs(t, s.UpdateJob(context.Background(), j), ErrNotFound)
	})
}

func TestResetJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j := makeTestJob(now())
		require.NoError(t, s.CreateJob(ctx, j))

		assert.ErrorIs(t, s.ResetJob(ctx, j.ID), ErrInvalidTransition)

		ts := now()
		j.Status = model.StatusRunning
		j.StartedAt = &ts
		require.NoError(t, s.UpdateJob(ctx, j))
		j.Status = model.StatusFailed
		j.CompletedAt = &ts
		j.ErrorMessage = "Numerical instability detected in plasma equilibrium solver"
		require.NoError(t, s.UpdateJob(ctx, j))

		require.NoError(t, s.ResetJob(ctx, j.ID))

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)
		assert.Empty(t, got.ErrorMessage)

		assert.ErrorIs(t, s.ResetJob(ctx, "nonexistent"), ErrNotFound)
	})
}

func TestResultRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j := makeTestJob(now())
		require.NoError(t, s.CreateJob(ctx, j))

		r := &model.Result{
			JobID:            j.ID,
			ConfinementScore: 0.8225,
			EnergyLoss:       6.2987,
			StabilityIndex:   0.7708,
			TimeSeries: []model.TimeSeriesPoint{
				{T: 0, Value: 0.6777},
				{T: 0.5, Value: 0.7202},
				{T: 1, Value: 0.5527},
			},
		}
		require.NoError(t, s.CreateResult(ctx, r))
		assert.ErrorIs(t, s.CreateResult(ctx, r), ErrConflict)

		got, err := s.GetResult(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, r, got)

		_, err = s.GetResult(ctx, "nonexistent")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeleteResult(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j := makeTestJob(now())
		require.NoError(t, s.CreateJob(ctx, j))
		require.NoError(t, s.CreateResult(ctx, &model.Result{JobID: j.ID, TimeSeries: []model.TimeSeriesPoint{}}))

		require.NoError(t, s.DeleteResult(ctx, j.ID))

		_, err := s.GetResult(ctx, j.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetJob(ctx, j.ID)
		assert.NoError(t, err, "the job survives")

		assert.ErrorIs(t, s.DeleteResult(ctx, j.ID), ErrNotFound)
	})
}

func TestDeleteJobRemovesResult(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j := makeTestJob(now())
		require.NoError(t, s.CreateJob(ctx, j))
		require.NoError(t, s.CreateResult(ctx, &model.Result{JobID: j.ID, TimeSeries: []model.TimeSeriesPoint{}}))

		require.NoError(t, s.DeleteJob(ctx, j.ID))

		_, err := s.GetJob(ctx, j.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetResult(ctx, j.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, s.DeleteJob(ctx, j.ID), ErrNotFound)
	})
}

func TestListJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := now()

		var ids []string
		for i := range 5 {
			j := makeTestJob(base.Add(time.Duration(i) * time.Second))
			if i%2 == 0 {
				j.BatchRunID = "batch-a"
			}
			if i == 4 {
				j.ExperimentID = "exp-x"
			}
			require.NoError(t, s.CreateJob(ctx, j))
			ids = append(ids, j.ID)
		}

		all, total, err := s.ListJobs(ctx, JobFilter{})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, all, 5)
		assert.Equal(t, ids[4], all[0].ID, "newest first")
		assert.Equal(t, ids[0], all[4].ID)

		page, total, err := s.ListJobs(ctx, JobFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page, 2)
		assert.Equal(t, ids[3], page[0].ID)
		assert.Equal(t, ids[2], page[1].ID)

		batch, total, err := s.ListJobs(ctx, JobFilter{BatchRunID: "batch-a"})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, batch, 3)

		exp, total, err := s.ListJobs(ctx, JobFilter{ExperimentID: "exp-x"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, exp, 1)
		assert.Equal(t, ids[4], exp[0].ID)

		found, total, err := s.ListJobs(ctx, JobFilter{Search: ids[1][10:]})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, total, 1)
		assert.Contains(t, jobIDs(found), ids[1])

		none, total, err := s.ListJobs(ctx, JobFilter{Status: model.StatusRunning})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, none)
	})
}

func jobIDs(jobs []*model.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func completeJob(t *testing.T, s Store, j *model.Job, r *model.Result) {
	t.Helper()
	ctx := context.Background()
	started := j.CreatedAt.Add(time.Second)
	finished := started.Add(2 * time.Second)

	j.Status = model.StatusRunning
	j.StartedAt = &started
	require.NoError(t, s.UpdateJob(ctx, j))
	if r != nil {
		require.NoError(t, s.CreateResult(ctx, r))
	}
	j.Status = model.StatusCompleted
	j.CompletedAt = &finished
	require.NoError(t, s.UpdateJob(ctx, j))
}

func TestListCompletedJobsWithResults(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := now()

		done := makeTestJob(base)
		require.NoError(t, s.CreateJob(ctx, done))
		completeJob(t, s, done, &model.Result{
			JobID:            done.ID,
			ConfinementScore: 0.5,
			EnergyLoss:       3,
			StabilityIndex:   0.9,
			TimeSeries:       []model.TimeSeriesPoint{{T: 0, Value: 1}},
		})

		pending := makeTestJob(base.Add(time.Second))
		require.NoError(t, s.CreateJob(ctx, pending))

		pairs, err := s.ListCompletedJobsWithResults(ctx)
		require.NoError(t, err)
		require.Len(t, pairs, 1)
		assert.Equal(t, done.ID, pairs[0].Job.ID)
		assert.Equal(t, done.ID, pairs[0].Result.JobID)
		assert.Equal(t, 0.5, pairs[0].Result.ConfinementScore)
		assert.Equal(t, 3.0, pairs[0].Result.EnergyLoss)
		assert.Equal(t, 0.9, pairs[0].Result.StabilityIndex)
	})
}

func TestBatchRunLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		b := makeTestBatchRun(now())
		require.NoError(t, s.CreateBatchRun(ctx, b))

		got, err := s.GetBatchRun(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, b.Name, got.Name)
		assert.Equal(t, b.SweepParameter, got.SweepParameter)
		assert.Equal(t, b.StepCount, got.StepCount)
		assert.Equal(t, b.BaseResolution, got.BaseResolution)
		assert.Nil(t, got.CompletedAt)

		b.Status = model.StatusCompleted
		assert.ErrorIs(t, s.UpdateBatchRun(ctx, b), ErrInvalidTransition)

		b.Status = model.StatusRunning
		require.NoError(t, s.UpdateBatchRun(ctx, b))

		done := now()
		b.Status = model.StatusCompleted
		b.CompletedAt = &done
		require.NoError(t, s.UpdateBatchRun(ctx, b))

		got, err = s.GetBatchRun(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, got.Status)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, done.Equal(*got.CompletedAt))

		missing := makeTestBatchRun(now())
		missing.Status = model.StatusRunning
		assert.ErrorIs(t, s.UpdateBatchRun(ctx, missing), ErrNotFound)

		_, err = s.GetBatchRun(ctx, "nonexistent")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListBatchRuns(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := now()

		var ids []string
		for i := range 3 {
			b := makeTestBatchRun(base.Add(time.Duration(i) * time.Second))
			require.NoError(t, s.CreateBatchRun(ctx, b))
			ids = append(ids, b.ID)
		}

		runs, total, err := s.ListBatchRuns(ctx, 2, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, runs, 2)
		assert.Equal(t, ids[2], runs[0].ID)
		assert.Equal(t, ids[1], runs[1].ID)
	})
}

func TestDeleteBatchRunDetachesChildren(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		b := makeTestBatchRun(now())
		require.NoError(t, s.CreateBatchRun(ctx, b))

		child := makeTestJob(now())
		child.BatchRunID = b.ID
		require.NoError(t, s.CreateJob(ctx, child))

		require.NoError(t, s.DeleteBatchRun(ctx, b.ID))

		_, err := s.GetBatchRun(ctx, b.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		got, err := s.GetJob(ctx, child.ID)
		require.NoError(t, err)
		assert.Empty(t, got.BatchRunID)

		assert.ErrorIs(t, s.DeleteBatchRun(ctx, b.ID), ErrNotFound)
	})
}

func TestGetStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		empty, err := s.GetStats(ctx)
		require.NoError(t, err)
		assert.Zero(t, empty.Total)
		assert.Zero(t, empty.AvgDurationMS)
		assert.NotNil(t, empty.CountByStatus)

		base := now()
		for i := range 2 {
			j := makeTestJob(base.Add(time.Duration(i) * time.Second))
			require.NoError(t, s.CreateJob(ctx, j))
			completeJob(t, s, j, nil)
		}
		require.NoError(t, s.CreateJob(ctx, makeTestJob(base)))
		require.NoError(t, s.CreateBatchRun(ctx, makeTestBatchRun(base)))

		stats, err := s.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Total)
		assert.Equal(t, 2, stats.CountByStatus[model.StatusCompleted])
		assert.Equal(t, 1, stats.CountByStatus[model.StatusPending])
		assert.InDelta(t, 2000, stats.AvgDurationMS, 1)
		assert.Equal(t, 1, stats.BatchTotal)
		assert.Equal(t, 1, stats.BatchCountByStatus[model.StatusPending])
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"})
	assert.Error(t, err)
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(context.Background(), Options{Driver: DriverMemory})
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &MemoryStore{}, s)
}

func TestNewSQLiteStoreFreshDatabase(t *testing.T) {
	// Migrations must apply in order on every fresh database.
	for i := range 50 {
		s, err := NewSQLiteStore(":memory:")
		require.NoError(t, err, "attempt %d", i)
		require.NoError(t, s.Close())
	}

	path := filepath.Join(t.TempDir(), "stellarsim.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening an existing database is a no-op migration.
	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
