package api

import (
	"context"
	"net/http"
	"time"

	"github.com/seantiz/stellarsim/internal/store"
)

const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// handleHealthz reports liveness plus whether the store answers a trivial read.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if _, _, err := s.store.ListJobs(ctx, store.JobFilter{Limit: 1}); err != nil {
		s.log.WithError(err).Warn("Health check failed")
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Store: "unavailable"})
		return
	}

	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Store: "ok"})
}
