package synth

import (
	"math"

	"github.com/seantiz/stellarsim/internal/model"
)

// Random walk bounds for the time series.
const (
	seriesMin = 0.1
	seriesMax = 0.95
)

// Seed derives the generator seed from the physical inputs. PlasmaDensity
// must be positive.
func Seed(p model.Parameters) int64 {
	return int64(math.Floor(float64(p.CoilCount)*1000 + p.MagneticFieldStrength*100 + math.Log10(p.PlasmaDensity)))
}

// SeriesLength returns the number of time-series points for a resolution.
// Unknown resolutions are treated as high.
func SeriesLength(resolution string) int {
	switch resolution {
	case model.ResolutionLow:
		return 50
	case model.ResolutionMedium:
		return 100
	default:
		return 200
	}
}

// Synthesize builds the result for jobID. The same parameters always yield
// the same result.
func Synthesize(jobID string, p model.Parameters) *model.Result {
	g := NewGenerator(Seed(p))

	r := &model.Result{JobID: jobID}
	scalarMetrics(g, p, r)
	r.TimeSeries = timeSeries(g, SeriesLength(p.Resolution))
	return r
}

// scalarMetrics consumes the first three draws of g.
func scalarMetrics(g *Generator, p model.Parameters, r *model.Result) {
	coils := float64(p.CoilCount) / 100
	field := p.MagneticFieldStrength / 15

	r.ConfinementScore = round4(0.5 + g.Next()*0.4 + coils*0.2 + field*0.1)
	r.EnergyLoss = round4(2 + g.Next()*5 + (1-coils)*2)
	r.StabilityIndex = round4(0.6 + g.Next()*0.3 + field*0.1)
}

// timeSeries continues g with a bounded random walk of n points.
func timeSeries(g *Generator, n int) []model.TimeSeriesPoint {
	points := make([]model.TimeSeriesPoint, n)
	value := 0.5 + g.Next()*0.3
	for i := range n {
		t := 0.0
		if n > 1 {
			t = float64(i) / float64(n-1)
		}
		value += (g.Next() - 0.5) * 0.1
		value = min(max(value, seriesMin), seriesMax)
		points[i] = model.TimeSeriesPoint{T: round4(t), Value: round4(value)}
	}
	return points
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
