package engine

import (
	"math/rand/v2"
	"time"

	"github.com/seantiz/stellarsim/internal/model"
)

// Execution kinds, used as the "kind" metric label.
const (
	KindSingle = "single"
	KindBatch  = "batch"
)

// BatchFailureRate is the fixed failure percentage of batch children.
const BatchFailureRate = 5.0

// Profile describes how long an execution takes and how likely it is to fail.
type Profile struct {
	Kind string
	// MinUnits and MaxUnits bound the simulated run time in engine time units.
	MinUnits float64
	MaxUnits float64
	// FixedFailureRate overrides the job's own failure rate when set.
	FixedFailureRate *float64
	FailureMessage   string
}

var batchFailureRate = BatchFailureRate

var (
	// SingleProfile applies to standalone jobs and retries.
	SingleProfile = Profile{
		Kind:           KindSingle,
		MinUnits:       3,
		MaxUnits:       10,
		FailureMessage: "Numerical instability detected in plasma equilibrium solver",
	}

	// BatchChildProfile applies to jobs spawned by a batch run.
	BatchChildProfile = Profile{
		Kind:             KindBatch,
		MinUnits:         1,
		MaxUnits:         3,
		FixedFailureRate: &batchFailureRate,
		FailureMessage:   "Numerical instability in batch run",
	}
)

// duration maps a draw in [0,1) onto the profile's run-time window.
func (p Profile) duration(draw float64, unit time.Duration) time.Duration {
	units := p.MinUnits + draw*(p.MaxUnits-p.MinUnits)
	return time.Duration(units * float64(unit))
}

// failureRate returns the percentage applied to j. override, when non-nil,
// replaces the job's own rate but never a fixed profile rate.
func (p Profile) failureRate(j *model.Job, override *float64) float64 {
	switch {
	case p.FixedFailureRate != nil:
		return *p.FixedFailureRate
	case override != nil:
		return model.ClampFailureRate(*override)
	default:
		return j.Parameters.EffectiveFailureRate()
	}
}

// Randomness supplies the non-deterministic draws of an execution: its run
// time and its failure roll. Draws are in [0,1).
type Randomness interface {
	Float64() float64
}

// globalRand draws from the concurrency-safe math/rand/v2 top-level source.
type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
