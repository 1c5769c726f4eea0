// Package analysis computes cross-run statistics over completed jobs.
package analysis

import (
	"math"

	"github.com/seantiz/stellarsim/internal/model"
)

// minSamples is the smallest number of completed pairs that yields a
// coefficient; below it every coefficient is reported as zero.
const minSamples = 2

// Summary holds the correlation of one input parameter with each output metric.
type Summary struct {
	Parameter              string  `json:"parameter"`
	ConfinementCorrelation float64 `json:"confinement_correlation"`
	EnergyLossCorrelation  float64 `json:"energy_loss_correlation"`
	StabilityCorrelation   float64 `json:"stability_correlation"`
}

// Neutral returns the all-zero summary reported when there is not enough data.
func Neutral() []Summary {
	out := make([]Summary, len(model.SweepParameters))
	for i, name := range model.SweepParameters {
		out[i] = Summary{Parameter: name}
	}
	return out
}

// Correlate computes Pearson's r between every input parameter and every
// output metric across the given completed pairs. Pairs without a result
// are ignored.
func Correlate(pairs []model.JobWithResult) []Summary {
	var (
		coils, fields, densities        []float64
		confinement, energy, stability []float64
	)
	for _, p := range pairs {
		if p.Job == nil || p.Result == nil {
			continue
		}
		coils = append(coils, float64(p.Job.Parameters.CoilCount))
		fields = append(fields, p.Job.Parameters.MagneticFieldStrength)
		densities = append(densities, p.Job.Parameters.PlasmaDensity)
		confinement = append(confinement, p.Result.ConfinementScore)
		energy = append(energy, p.Result.EnergyLoss)
		stability = append(stability, p.Result.StabilityIndex)
	}

	if len(coils) < minSamples {
		return Neutral()
	}

	inputs := map[string][]float64{
		model.SweepCoilCount:     coils,
		model.SweepMagneticField: fields,
		model.SweepPlasmaDensity: densities,
	}

	out := make([]Summary, len(model.SweepParameters))
	for i, name := range model.SweepParameters {
		x := inputs[name]
		out[i] = Summary{
			Parameter:              name,
			ConfinementCorrelation: Pearson(x, confinement),
			EnergyLossCorrelation:  Pearson(x, energy),
			StabilityCorrelation:   Pearson(x, stability),
		}
	}
	return out
}

// Pearson returns the correlation coefficient of x and y, or 0 when either
// series has no variance or the lengths differ.
func Pearson(x, y []float64) float64 {
	if len(x) != len(y) || len(x) < minSamples {
		return 0
	}

	if constant(x) || constant(y) {
		return 0
	}

	n := float64(len(x))
	var meanX, meanY float64
	for i := range x {
		meanX += x[i]
		meanY += y[i]
	}
	meanX /= n
	meanY /= n

	var sxx, syy, sxy float64
	for i := range x {
		dx, dy := x[i]-meanX, y[i]-meanY
		sxx += dx * dx
		syy += dy * dy
		sxy += dx * dy
	}
	if sxx == 0 || syy == 0 {
		return 0
	}

	r := sxy / math.Sqrt(sxx*syy)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	// Rounding can push a perfect correlation just past ±1.
	return min(max(r, -1), 1)
}

func constant(v []float64) bool {
	for _, f := range v[1:] {
		if f != v[0] {
			return false
		}
	}
	return true
}
