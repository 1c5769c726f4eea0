package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/seantiz/stellarsim/internal/model"
)

// jobRow is the gorm mapping of model.Job.
type jobRow struct {
	ID                    string   `gorm:"primaryKey"`
	Status                string   `gorm:"not null;index"`
	CoilCount             int      `gorm:"not null"`
	MagneticFieldStrength float64  `gorm:"not null"`
	PlasmaDensity         float64  `gorm:"not null"`
	Resolution            string   `gorm:"not null"`
	FailureRate           *float64
	BatchRunID            string   `gorm:"not null;default:'';index"`
	ExperimentID          string   `gorm:"not null;default:''"`
	ErrorMessage          string   `gorm:"not null;default:''"`
	CreatedAt             time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time
}

func (jobRow) TableName() string { return "jobs" }

type resultRow struct {
	JobID            string                  `gorm:"primaryKey"`
	ConfinementScore float64                 `gorm:"not null"`
	EnergyLoss       float64                 `gorm:"not null"`
	StabilityIndex   float64                 `gorm:"not null"`
	TimeSeries       []model.TimeSeriesPoint `gorm:"type:jsonb;serializer:json"`
}

func (resultRow) TableName() string { return "results" }

type batchRunRow struct {
	ID                        string `gorm:"primaryKey"`
	Name                      string `gorm:"not null"`
	Description               string `gorm:"not null;default:''"`
	SweepParameter            string `gorm:"not null"`
	StartValue                float64
	EndValue                  float64
	StepCount                 int
	BaseCoilCount             int
	BaseMagneticFieldStrength float64
	BasePlasmaDensity         float64
	BaseResolution            string
	ExperimentID              string `gorm:"not null;default:''"`
	Status                    string `gorm:"not null"`
	CreatedAt                 time.Time
	CompletedAt               *time.Time
}

func (batchRunRow) TableName() string { return "batch_runs" }

func toJobRow(j *model.Job) *jobRow {
	return &jobRow{
		ID:                    j.ID,
		Status:                j.Status,
		CoilCount:             j.Parameters.CoilCount,
		MagneticFieldStrength: j.Parameters.MagneticFieldStrength,
		PlasmaDensity:         j.Parameters.PlasmaDensity,
		Resolution:            j.Parameters.Resolution,
		FailureRate:           j.Parameters.FailureRate,
		BatchRunID:            j.BatchRunID,
		ExperimentID:          j.ExperimentID,
		ErrorMessage:          j.ErrorMessage,
		CreatedAt:             j.CreatedAt,
		StartedAt:             j.StartedAt,
		CompletedAt:           j.CompletedAt,
	}
}

func (r *jobRow) toModel() *model.Job {
	return &model.Job{
		ID:     r.ID,
		Status: r.Status,
		Parameters: model.Parameters{
			CoilCount:             r.CoilCount,
			MagneticFieldStrength: r.MagneticFieldStrength,
			PlasmaDensity:         r.PlasmaDensity,
			Resolution:            r.Resolution,
			FailureRate:           r.FailureRate,
		},
		BatchRunID:   r.BatchRunID,
		ExperimentID: r.ExperimentID,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt.UTC(),
		StartedAt:    utcPtr(r.StartedAt),
		CompletedAt:  utcPtr(r.CompletedAt),
	}
}

func toBatchRunRow(b *model.BatchRun) *batchRunRow {
	return &batchRunRow{
		ID:                        b.ID,
		Name:                      b.Name,
		Description:               b.Description,
		SweepParameter:            b.SweepParameter,
		StartValue:                b.StartValue,
		EndValue:                  b.EndValue,
		StepCount:                 b.StepCount,
		BaseCoilCount:             b.BaseCoilCount,
		BaseMagneticFieldStrength: b.BaseMagneticFieldStrength,
		BasePlasmaDensity:         b.BasePlasmaDensity,
		BaseResolution:            b.BaseResolution,
		ExperimentID:              b.ExperimentID,
		Status:                    b.Status,
		CreatedAt:                 b.CreatedAt,
		CompletedAt:               b.CompletedAt,
	}
}

func (r *batchRunRow) toModel() *model.BatchRun {
	return &model.BatchRun{
		ID:                        r.ID,
		Name:                      r.Name,
		Description:               r.Description,
		SweepParameter:            r.SweepParameter,
		StartValue:                r.StartValue,
		EndValue:                  r.EndValue,
		StepCount:                 r.StepCount,
		BaseCoilCount:             r.BaseCoilCount,
		BaseMagneticFieldStrength: r.BaseMagneticFieldStrength,
		BasePlasmaDensity:         r.BasePlasmaDensity,
		BaseResolution:            r.BaseResolution,
		ExperimentID:              r.ExperimentID,
		Status:                    r.Status,
		CreatedAt:                 r.CreatedAt.UTC(),
		CompletedAt:               utcPtr(r.CompletedAt),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// Compile-time interface satisfaction check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on PostgreSQL through gorm.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore connects to dsn and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(
		&jobRow{},
		&resultRow{},
		&batchRunRow{},
	); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}
	return sqlDB.Close()
}

func translate(err error, op string) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// CreateJob inserts a new job record.
func (s *PostgresStore) CreateJob(ctx context.Context, j *model.Job) error {
	if err := s.db.WithContext(ctx).Create(toJobRow(j)).Error; err != nil {
		return translate(err, "creating job")
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err, "getting job")
	}
	return row.toModel(), nil
}

// ListJobs returns a filtered, paginated list of jobs ordered by created_at
// DESC, along with the total count of matching jobs.
func (s *PostgresStore) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, int, error) {
	filter := func(db *gorm.DB) *gorm.DB {
		if f.Status != "" {
			db = db.Where("status = ?", f.Status)
		}
		if f.BatchRunID != "" {
			db = db.Where("batch_run_id = ?", f.BatchRunID)
		}
		if f.ExperimentID != "" {
			db = db.Where("experiment_id = ?", f.ExperimentID)
		}
		if f.Search != "" {
			db = db.Where("id ILIKE ?", "%"+f.Search+"%")
		}
		return db
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&jobRow{}).Scopes(filter).Count(&total).Error; err != nil {
		return nil, 0, translate(err, "counting jobs")
	}

	q := s.db.WithContext(ctx).Scopes(filter).Order("created_at DESC, id DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit).Offset(f.Offset)
	}

	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, translate(err, "listing jobs")
	}

	jobs := make([]*model.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toModel())
	}
	return jobs, int(total), nil
}

// UpdateJob writes the mutable fields of j. The write is rejected with
// ErrInvalidTransition if the stored status may not move to j.Status.
func (s *PostgresStore) UpdateJob(ctx context.Context, j *model.Job) error {
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status IN ?", j.ID, model.AllowedFrom(j.Status)).
		Updates(map[string]any{
			"status":        j.Status,
			"started_at":    j.StartedAt,
			"completed_at":  j.CompletedAt,
			"error_message": j.ErrorMessage,
		})
	if res.Error != nil {
		return translate(res.Error, "updating job")
	}
	return s.checkUpdate(ctx, res.RowsAffected, &jobRow{}, j.ID)
}

// ResetJob moves a failed job back to pending.
func (s *PostgresStore) ResetJob(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status = ?", id, model.StatusFailed).
		Updates(map[string]any{
			"status":        model.StatusPending,
			"started_at":    nil,
			"completed_at":  nil,
			"error_message": "",
		})
	if res.Error != nil {
		return translate(res.Error, "resetting job")
	}
	return s.checkUpdate(ctx, res.RowsAffected, &jobRow{}, id)
}

func (s *PostgresStore) checkUpdate(ctx context.Context, affected int64, row any, id string) error {
	if affected > 0 {
		return nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(row).Where("id = ?", id).Count(&n).Error; err != nil {
		return translate(err, "checking row")
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

// DeleteJob removes a job and its result.
func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", id).Delete(&resultRow{}).Error; err != nil {
			return translate(err, "deleting result")
		}
		res := tx.Where("id = ?", id).Delete(&jobRow{})
		if res.Error != nil {
			return translate(res.Error, "deleting job")
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CreateResult inserts a result. A job has at most one result.
func (s *PostgresStore) CreateResult(ctx context.Context, r *model.Result) error {
	row := &resultRow{
		JobID:            r.JobID,
		ConfinementScore: r.ConfinementScore,
		EnergyLoss:       r.EnergyLoss,
		StabilityIndex:   r.StabilityIndex,
		TimeSeries:       r.TimeSeries,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return translate(err, "creating result")
	}
	return nil
}

// DeleteResult removes the result of a job.
func (s *PostgresStore) DeleteResult(ctx context.Context, jobID string) error {
	res := s.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&resultRow{})
	if res.Error != nil {
		return translate(res.Error, "deleting result")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetResult retrieves the result of a job.
func (s *PostgresStore) GetResult(ctx context.Context, jobID string) (*model.Result, error) {
	var row resultRow
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&row).Error; err != nil {
		return nil, translate(err, "getting result")
	}
	return &model.Result{
		JobID:            row.JobID,
		ConfinementScore: row.ConfinementScore,
		EnergyLoss:       row.EnergyLoss,
		StabilityIndex:   row.StabilityIndex,
		TimeSeries:       row.TimeSeries,
	}, nil
}

// ListCompletedJobsWithResults returns every completed job joined with its
// result. Time series are not loaded.
func (s *PostgresStore) ListCompletedJobsWithResults(ctx context.Context) ([]model.JobWithResult, error) {
	var rows []jobRow
	if err := s.db.WithContext(ctx).
		Where("status = ?", model.StatusCompleted).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, translate(err, "listing completed jobs")
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}
	var results []resultRow
	if err := s.db.WithContext(ctx).
		Select("job_id", "confinement_score", "energy_loss", "stability_index").
		Where("job_id IN ?", ids).
		Find(&results).Error; err != nil {
		return nil, translate(err, "listing results")
	}
	byJob := make(map[string]*resultRow, len(results))
	for i := range results {
		byJob[results[i].JobID] = &results[i]
	}

	var out []model.JobWithResult
	for i := range rows {
		r, ok := byJob[rows[i].ID]
		if !ok {
			continue
		}
		out = append(out, model.JobWithResult{
			Job: rows[i].toModel(),
			Result: &model.Result{
				JobID:            r.JobID,
				ConfinementScore: r.ConfinementScore,
				EnergyLoss:       r.EnergyLoss,
				StabilityIndex:   r.StabilityIndex,
			},
		})
	}
	return out, nil
}

// CreateBatchRun inserts a new batch run record.
func (s *PostgresStore) CreateBatchRun(ctx context.Context, b *model.BatchRun) error {
	if err := s.db.WithContext(ctx).Create(toBatchRunRow(b)).Error; err != nil {
		return translate(err, "creating batch run")
	}
	return nil
}

// GetBatchRun retrieves a batch run by ID.
func (s *PostgresStore) GetBatchRun(ctx context.Context, id string) (*model.BatchRun, error) {
	var row batchRunRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err, "getting batch run")
	}
	return row.toModel(), nil
}

// ListBatchRuns returns a paginated list of batch runs ordered by created_at DESC.
func (s *PostgresStore) ListBatchRuns(ctx context.Context, limit, offset int) ([]*model.BatchRun, int, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&batchRunRow{}).Count(&total).Error; err != nil {
		return nil, 0, translate(err, "counting batch runs")
	}

	var rows []batchRunRow
	if err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error; err != nil {
		return nil, 0, translate(err, "listing batch runs")
	}

	runs := make([]*model.BatchRun, 0, len(rows))
	for i := range rows {
		runs = append(runs, rows[i].toModel())
	}
	return runs, int(total), nil
}

// UpdateBatchRun writes the status and completed_at of b.
func (s *PostgresStore) UpdateBatchRun(ctx context.Context, b *model.BatchRun) error {
	res := s.db.WithContext(ctx).Model(&batchRunRow{}).
		Where("id = ? AND status IN ?", b.ID, model.BatchAllowedFrom(b.Status)).
		Updates(map[string]any{
			"status":       b.Status,
			"completed_at": b.CompletedAt,
		})
	if res.Error != nil {
		return translate(res.Error, "updating batch run")
	}
	return s.checkUpdate(ctx, res.RowsAffected, &batchRunRow{}, b.ID)
}

// DeleteBatchRun removes a batch run. Its child jobs are kept as standalone
// jobs.
func (s *PostgresStore) DeleteBatchRun(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&batchRunRow{})
		if res.Error != nil {
			return translate(res.Error, "deleting batch run")
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Model(&jobRow{}).
			Where("batch_run_id = ?", id).
			Update("batch_run_id", "").Error; err != nil {
			return translate(err, "detaching batch children")
		}
		return nil
	})
}

type statusCount struct {
	Status string
	N      int
}

// GetStats computes aggregate job and batch statistics.
func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := newStats()

	var jobCounts []statusCount
	if err := s.db.WithContext(ctx).Model(&jobRow{}).
		Select("status, COUNT(*) AS n").Group("status").
		Scan(&jobCounts).Error; err != nil {
		return nil, translate(err, "counting jobs by status")
	}
	for _, c := range jobCounts {
		stats.CountByStatus[c.Status] = c.N
		stats.Total += c.N
	}

	var batchCounts []statusCount
	if err := s.db.WithContext(ctx).Model(&batchRunRow{}).
		Select("status, COUNT(*) AS n").Group("status").
		Scan(&batchCounts).Error; err != nil {
		return nil, translate(err, "counting batch runs by status")
	}
	for _, c := range batchCounts {
		stats.BatchCountByStatus[c.Status] = c.N
		stats.BatchTotal += c.N
	}

	var avg sql.NullFloat64
	if err := s.db.WithContext(ctx).Model(&jobRow{}).
		Select("AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)").
		Where("started_at IS NOT NULL AND completed_at IS NOT NULL").
		Scan(&avg).Error; err != nil {
		return nil, translate(err, "averaging durations")
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}
