package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/stellarsim/internal/model"
	"github.com/seantiz/stellarsim/internal/store"
)

// createBatchRequest is the JSON body for POST /v1/batches.
type createBatchRequest struct {
	Name                      string  `json:"name"`
	Description               string  `json:"description"`
	SweepParameter            string  `json:"sweep_parameter"`
	StartValue                float64 `json:"start_value"`
	EndValue                  float64 `json:"end_value"`
	StepCount                 int     `json:"step_count"`
	BaseCoilCount             int     `json:"base_coil_count"`
	BaseMagneticFieldStrength float64 `json:"base_magnetic_field_strength"`
	BasePlasmaDensity         float64 `json:"base_plasma_density"`
	BaseResolution            string  `json:"base_resolution"`
	ExperimentID              string  `json:"experiment_id"`
}

type listBatchesResponse struct {
	Batches []*model.BatchRun `json:"batches"`
	Total   int               `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, validationErrorResponse{
			Error: "name: is required",
			Field: "name",
		})
		return
	}

	b := &model.BatchRun{
		ID:                        model.NewID(),
		Name:                      req.Name,
		Description:               req.Description,
		SweepParameter:            req.SweepParameter,
		StartValue:                req.StartValue,
		EndValue:                  req.EndValue,
		StepCount:                 req.StepCount,
		BaseCoilCount:             req.BaseCoilCount,
		BaseMagneticFieldStrength: req.BaseMagneticFieldStrength,
		BasePlasmaDensity:         req.BasePlasmaDensity,
		BaseResolution:            req.BaseResolution,
		ExperimentID:              req.ExperimentID,
		Status:                    model.StatusPending,
		CreatedAt:                 time.Now().UTC(),
	}

	if err := s.engine.SubmitBatch(r.Context(), b); err != nil {
		s.writeSubmitError(w, err, "batch")
		return
	}

	s.writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) (*model.BatchRun, bool) {
	id := chi.URLParam(r, "id")

	b, err := s.store.GetBatchRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "batch not found")
		return nil, false
	}
	if err != nil {
		s.log.WithError(err).WithField("batch_id", id).Error("Failed to get batch")
		s.writeError(w, http.StatusInternalServerError, "failed to get batch")
		return nil, false
	}
	return b, true
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.getBatch(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	batches, total, err := s.store.ListBatchRuns(r.Context(), limit, offset)
	if err != nil {
		s.log.WithError(err).Error("Failed to list batches")
		s.writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}

	if batches == nil {
		batches = []*model.BatchRun{}
	}

	s.writeJSON(w, http.StatusOK, listBatchesResponse{
		Batches: batches,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

func (s *Server) handleListBatchJobs(w http.ResponseWriter, r *http.Request) {
	b, ok := s.getBatch(w, r)
	if !ok {
		return
	}

	// A batch holds at most MaxStepCount children; list them all.
	jobs, total, err := s.store.ListJobs(r.Context(), store.JobFilter{BatchRunID: b.ID})
	if err != nil {
		s.log.WithError(err).WithField("batch_id", b.ID).Error("Failed to list batch jobs")
		s.writeError(w, http.StatusInternalServerError, "failed to list batch jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:  jobs,
		Total: total,
		Limit: total,
	})
}

func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.getBatch(w, r)
	if !ok {
		return
	}
	if b.Status == model.StatusRunning {
		s.writeError(w, http.StatusConflict, "running batches cannot be deleted")
		return
	}

	if err := s.store.DeleteBatchRun(r.Context(), b.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		s.log.WithError(err).WithField("batch_id", b.ID).Error("Failed to delete batch")
		s.writeError(w, http.StatusInternalServerError, "failed to delete batch")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
