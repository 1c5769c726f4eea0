package api

import (
	"net/http"

	"github.com/patrickmn/go-cache"

	"github.com/seantiz/stellarsim/internal/analysis"
	"github.com/seantiz/stellarsim/internal/model"
)

const correlationsKey = "correlations"

type correlationsResponse struct {
	SampleSize   int                `json:"sample_size"`
	Correlations []analysis.Summary `json:"correlations"`
}

func (s *Server) handleGetCorrelations(w http.ResponseWriter, r *http.Request) {
	if s.correlations != nil {
		if cached, ok := s.correlations.Get(correlationsKey); ok {
			s.writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	pairs, err := s.store.ListCompletedJobsWithResults(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list completed jobs")
		s.writeError(w, http.StatusInternalServerError, "failed to compute correlations")
		return
	}

	resp := correlationsResponse{
		SampleSize:   len(pairs),
		Correlations: analysis.Correlate(pairs),
	}

	if s.correlations != nil {
		s.correlations.Set(correlationsKey, resp, cache.DefaultExpiration)
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// watchCompletions drops cached correlations whenever the set of completed
// jobs may have changed. It returns a function that stops watching.
func (s *Server) watchCompletions() func() {
	ch, unsub := s.broker.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range ch {
			if invalidatesCorrelations(ev) {
				s.correlations.Delete(correlationsKey)
			}
		}
	}()

	return func() {
		unsub()
		<-done
	}
}

func invalidatesCorrelations(ev model.Event) bool {
	switch ev.Table {
	case model.TableJobs:
		return ev.Action == model.ActionDelete || ev.Status == model.StatusCompleted
	case model.TableResults:
		return true
	}
	return false
}
