package model

import (
	"fmt"
	"slices"
	"time"
)

// Job status constants. Batch runs reuse pending, running and completed.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Resolution constants.
const (
	ResolutionLow    = "low"
	ResolutionMedium = "medium"
	ResolutionHigh   = "high"
)

// DefaultFailureRate is the failure percentage applied to single jobs that
// do not specify one.
const DefaultFailureRate = 10.0

// Input-boundary limits for simulation parameters.
const (
	MinCoilCount = 10
	MaxCoilCount = 100
)

// validTransitions maps each status to the set of statuses it may transition to.
// failed -> pending is the caller-driven resubmission.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusFailed: {
		StatusPending: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// AllowedFrom returns the statuses a job may hold before being written with
// status to. A same-status write is always allowed so that retried writes
// are idempotent.
func AllowedFrom(to string) []string {
	from := []string{to}
	for s, targets := range validTransitions {
		if targets[to] && s != to {
			from = append(from, s)
		}
	}
	slices.Sort(from[1:])
	return from
}

// IsTerminal reports whether status is completed or failed.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Parameters are the physical inputs of one simulation. They are immutable
// once the owning job has been created.
type Parameters struct {
	CoilCount             int      `json:"coil_count"`
	MagneticFieldStrength float64  `json:"magnetic_field_strength"`
	PlasmaDensity         float64  `json:"plasma_density"`
	Resolution            string   `json:"resolution"`
	FailureRate           *float64 `json:"failure_rate,omitempty"`
}

// EffectiveFailureRate returns the configured failure percentage or the default.
func (p Parameters) EffectiveFailureRate() float64 {
	if p.FailureRate == nil {
		return DefaultFailureRate
	}
	return *p.FailureRate
}

// Validate applies the input-boundary checks. The synthesizer itself accepts
// any values; these checks run before a job is created.
func (p Parameters) Validate() error {
	if p.CoilCount < MinCoilCount || p.CoilCount > MaxCoilCount {
		return invalid("coil_count", "must be between %d and %d", MinCoilCount, MaxCoilCount)
	}
	if !(p.MagneticFieldStrength > 0) {
		return invalid("magnetic_field_strength", "must be positive")
	}
	if !(p.PlasmaDensity > 0) {
		return invalid("plasma_density", "must be positive")
	}
	if !ValidResolution(p.Resolution) {
		return invalid("resolution", "must be one of low, medium, high")
	}
	if p.FailureRate != nil && (*p.FailureRate < 0 || *p.FailureRate > 100) {
		return invalid("failure_rate", "must be between 0 and 100")
	}
	return nil
}

// ValidResolution reports whether r is a known resolution.
func ValidResolution(r string) bool {
	switch r {
	case ResolutionLow, ResolutionMedium, ResolutionHigh:
		return true
	}
	return false
}

// ClampFailureRate limits a caller-supplied failure percentage to 0..100.
func ClampFailureRate(rate float64) float64 {
	return min(max(rate, 0), 100)
}

// Job is one parameter-to-result execution unit.
type Job struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Parameters   Parameters `json:"parameters"`
	BatchRunID   string     `json:"batch_run_id,omitempty"`
	ExperimentID string     `json:"experiment_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// NewJob returns a pending job owning a copy of p.
func NewJob(p Parameters) *Job {
	if p.FailureRate != nil {
		rate := *p.FailureRate
		p.FailureRate = &rate
	}
	return &Job{
		ID:         NewID(),
		Status:     StatusPending,
		Parameters: p,
		CreatedAt:  time.Now().UTC(),
	}
}

// JobWithResult pairs a completed job with its result.
type JobWithResult struct {
	Job    *Job
	Result *Result
}
