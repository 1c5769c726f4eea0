package model

import (
	"math"
	"time"
)

// Sweep parameter names.
const (
	SweepCoilCount     = "coil_count"
	SweepMagneticField = "magnetic_field_strength"
	SweepPlasmaDensity = "plasma_density"
)

// SweepParameters lists the sweepable inputs in presentation order.
var SweepParameters = []string{SweepCoilCount, SweepMagneticField, SweepPlasmaDensity}

// Input-boundary limits for batch runs.
const (
	MinStepCount = 2
	MaxStepCount = 100
)

// BatchRun is a set of jobs generated by sweeping one parameter over a
// linear range. It never ends failed; failures are scoped to its children.
type BatchRun struct {
	ID                        string     `json:"id"`
	Name                      string     `json:"name"`
	Description               string     `json:"description,omitempty"`
	SweepParameter            string     `json:"sweep_parameter"`
	StartValue                float64    `json:"start_value"`
	EndValue                  float64    `json:"end_value"`
	StepCount                 int        `json:"step_count"`
	BaseCoilCount             int        `json:"base_coil_count"`
	BaseMagneticFieldStrength float64    `json:"base_magnetic_field_strength"`
	BasePlasmaDensity         float64    `json:"base_plasma_density"`
	BaseResolution            string     `json:"base_resolution"`
	ExperimentID              string     `json:"experiment_id,omitempty"`
	Status                    string     `json:"status"`
	CreatedAt                 time.Time  `json:"created_at"`
	CompletedAt               *time.Time `json:"completed_at"`
}

// validBatchTransitions maps each batch status to the statuses it may move to.
var validBatchTransitions = map[string]map[string]bool{
	StatusPending: {StatusRunning: true},
	StatusRunning: {StatusCompleted: true},
}

// ValidBatchTransition reports whether a batch run may move from one status to another.
func ValidBatchTransition(from, to string) bool {
	return validBatchTransitions[from][to]
}

// BatchAllowedFrom is AllowedFrom for batch runs.
func BatchAllowedFrom(to string) []string {
	from := []string{to}
	for s, targets := range validBatchTransitions {
		if targets[to] && s != to {
			from = append(from, s)
		}
	}
	return from
}

// ValidSweepParameter reports whether name is a sweepable input.
func ValidSweepParameter(name string) bool {
	switch name {
	case SweepCoilCount, SweepMagneticField, SweepPlasmaDensity:
		return true
	}
	return false
}

// Validate applies the input-boundary checks for a batch run.
func (b *BatchRun) Validate() error {
	if !ValidSweepParameter(b.SweepParameter) {
		return invalid("sweep_parameter", "must be one of coil_count, magnetic_field_strength, plasma_density")
	}
	if b.StepCount < MinStepCount || b.StepCount > MaxStepCount {
		return invalid("step_count", "must be between %d and %d", MinStepCount, MaxStepCount)
	}
	if !(b.StartValue > 0) {
		return invalid("start_value", "must be positive")
	}
	if !(b.EndValue > 0) {
		return invalid("end_value", "must be positive")
	}
	return b.BaseParameters().Validate()
}

// BaseParameters returns the parameter vector the sweep starts from.
func (b *BatchRun) BaseParameters() Parameters {
	return Parameters{
		CoilCount:             b.BaseCoilCount,
		MagneticFieldStrength: b.BaseMagneticFieldStrength,
		PlasmaDensity:         b.BasePlasmaDensity,
		Resolution:            b.BaseResolution,
	}
}

// ChildParameters returns the base parameters with the swept field replaced
// by value. Coil counts are rounded half away from zero.
func (b *BatchRun) ChildParameters(value float64) Parameters {
	p := b.BaseParameters()
	switch b.SweepParameter {
	case SweepCoilCount:
		p.CoilCount = int(math.Round(value))
	case SweepMagneticField:
		p.MagneticFieldStrength = value
	case SweepPlasmaDensity:
		p.PlasmaDensity = value
	}
	return p
}
