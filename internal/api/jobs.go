package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/stellarsim/internal/engine"
	"github.com/seantiz/stellarsim/internal/export"
	"github.com/seantiz/stellarsim/internal/model"
	"github.com/seantiz/stellarsim/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createJobRequest is the JSON body for POST /v1/jobs.
type createJobRequest struct {
	CoilCount             int      `json:"coil_count"`
	MagneticFieldStrength float64  `json:"magnetic_field_strength"`
	PlasmaDensity         float64  `json:"plasma_density"`
	Resolution            string   `json:"resolution"`
	FailureRate           *float64 `json:"failure_rate"`
	ExperimentID          string   `json:"experiment_id"`
}

// retryJobRequest is the optional JSON body for POST /v1/jobs/{id}/retry.
type retryJobRequest struct {
	FailureRate *float64 `json:"failure_rate"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

type validationErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field"`
}

// clampRate limits a caller-supplied failure rate to 0..100.
func clampRate(rate *float64) *float64 {
	if rate == nil {
		return nil
	}
	v := model.ClampFailureRate(*rate)
	return &v
}

// writeSubmitError maps a submission error to a response.
func (s *Server) writeSubmitError(w http.ResponseWriter, err error, what string) {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		s.writeJSON(w, http.StatusBadRequest, validationErrorResponse{
			Error: verr.Error(),
			Field: verr.Field,
		})
		return
	}
	s.log.WithError(err).Error("Failed to submit " + what)
	s.writeError(w, http.StatusInternalServerError, "failed to submit "+what)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	j := model.NewJob(model.Parameters{
		CoilCount:             req.CoilCount,
		MagneticFieldStrength: req.MagneticFieldStrength,
		PlasmaDensity:         req.PlasmaDensity,
		Resolution:            req.Resolution,
		FailureRate:           clampRate(req.FailureRate),
	})
	j.ExperimentID = req.ExperimentID

	if err := s.engine.Submit(r.Context(), j); err != nil {
		s.writeSubmitError(w, err, "job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, j)
}

// getJob loads the job named by the {id} URL parameter, writing the error
// response itself when it cannot.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) (*model.Job, bool) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if err != nil {
		s.log.WithError(err).WithField("job_id", id).Error("Failed to get job")
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return nil, false
	}
	return j, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.getJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	q := r.URL.Query()

	jobs, total, err := s.store.ListJobs(r.Context(), store.JobFilter{
		Status:       q.Get("status"),
		BatchRunID:   q.Get("batch_run_id"),
		ExperimentID: q.Get("experiment_id"),
		Search:       q.Get("search"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		s.log.WithError(err).Error("Failed to list jobs")
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.getJob(w, r)
	if !ok {
		return
	}
	if j.Status == model.StatusRunning {
		s.writeError(w, http.StatusConflict, "running jobs cannot be deleted")
		return
	}

	if err := s.store.DeleteJob(r.Context(), j.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.log.WithError(err).WithField("job_id", j.ID).Error("Failed to delete job")
		s.writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req retryJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	j, err := s.engine.Retry(r.Context(), id, clampRate(req.FailureRate))
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, engine.ErrNotRetryable):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.log.WithError(err).WithField("job_id", id).Error("Failed to retry job")
		s.writeError(w, http.StatusInternalServerError, "failed to retry job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, j)
}

// completedResult returns the result of a completed job. Results of jobs
// that have not reached completed are never exposed.
func (s *Server) completedResult(w http.ResponseWriter, r *http.Request) (*model.Result, bool) {
	j, ok := s.getJob(w, r)
	if !ok {
		return nil, false
	}
	if j.Status != model.StatusCompleted {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("job is %s; results are available once completed", j.Status))
		return nil, false
	}

	res, err := s.store.GetResult(r.Context(), j.ID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "result not found")
		return nil, false
	}
	if err != nil {
		s.log.WithError(err).WithField("job_id", j.ID).Error("Failed to get result")
		s.writeError(w, http.StatusInternalServerError, "failed to get result")
		return nil, false
	}
	return res, true
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	res, ok := s.completedResult(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExportResult(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = export.FormatJSON
	}
	if format != export.FormatJSON && format != export.FormatCSV {
		s.writeError(w, http.StatusBadRequest, "format must be json or csv")
		return
	}

	res, ok := s.completedResult(w, r)
	if !ok {
		return
	}

	data, err := export.Render(format, res)
	if err != nil {
		s.log.WithError(err).WithField("job_id", res.JobID).Error("Failed to render export")
		s.writeError(w, http.StatusInternalServerError, "failed to export result")
		return
	}

	w.Header().Set("Content-Type", export.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, res.JobID, format))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.log.WithError(err).Debug("Failed to write export")
	}
}
