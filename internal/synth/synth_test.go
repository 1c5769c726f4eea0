package synth

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/stellarsim/internal/model"
)

func params(res string) model.Parameters {
	return model.Parameters{
		CoilCount:             50,
		MagneticFieldStrength: 5.5,
		PlasmaDensity:         1e20,
		Resolution:            res,
	}
}

func TestSeed(t *testing.T) {
	tests := []struct {
		name string
		p    model.Parameters
		want int64
	}{
		{"typical", params(model.ResolutionLow), 50570},
		{"fractional field", model.Parameters{CoilCount: 12, MagneticFieldStrength: 2.345, PlasmaDensity: 5e18}, 12253},
		{"density below one decade", model.Parameters{CoilCount: 10, MagneticFieldStrength: 1, PlasmaDensity: 0.5}, 10099},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Seed(tt.p))
		})
	}
}

func TestSeedSensitivity(t *testing.T) {
	base := params(model.ResolutionLow)
	coil, field, density := base, base, base
	coil.CoilCount++
	field.MagneticFieldStrength += 1
	density.PlasmaDensity *= 1000

	for name, p := range map[string]model.Parameters{"coil_count": coil, "magnetic_field_strength": field, "plasma_density": density} {
		assert.NotEqual(t, Seed(base), Seed(p), "changing %s must change the seed", name)
		assert.NotEqual(t, Synthesize("a", base).TimeSeries, Synthesize("a", p).TimeSeries,
			"changing %s should change the series", name)
	}
}

func TestSynthesizeGolden(t *testing.T) {
	r := Synthesize("job-1", params(model.ResolutionLow))

	assert.Equal(t, "job-1", r.JobID)
	assert.InDelta(t, 0.8225, r.ConfinementScore, 1e-9)
	assert.InDelta(t, 6.2987, r.EnergyLoss, 1e-9)
	assert.InDelta(t, 0.7708, r.StabilityIndex, 1e-9)

	require.Len(t, r.TimeSeries, 50)
	assert.InDelta(t, 0.0, r.TimeSeries[0].T, 1e-9)
	assert.InDelta(t, 0.6777, r.TimeSeries[0].Value, 1e-9)
	assert.InDelta(t, 0.0204, r.TimeSeries[1].T, 1e-9)
	assert.InDelta(t, 0.7202, r.TimeSeries[1].Value, 1e-9)
	assert.InDelta(t, 0.0408, r.TimeSeries[2].T, 1e-9)
	assert.InDelta(t, 0.705, r.TimeSeries[2].Value, 1e-9)
	assert.InDelta(t, 1.0, r.TimeSeries[49].T, 1e-9)
	assert.InDelta(t, 0.5527, r.TimeSeries[49].Value, 1e-9)
}

func TestSynthesizeDeterministic(t *testing.T) {
	for _, res := range []string{model.ResolutionLow, model.ResolutionMedium, model.ResolutionHigh} {
		a := Synthesize("x", params(res))
		b := Synthesize("x", params(res))
		if diff := cmp.Diff(a, b); diff != "" {
			t.Errorf("%s: results differ (-first +second):\n%s", res, diff)
		}
	}
}

func TestSynthesizeWalkContinuesScalarGenerator(t *testing.T) {
	p := params(model.ResolutionLow)
	r := Synthesize("x", p)

	// Reproduce the walk by hand: three scalar draws, then the walk.
	g := NewGenerator(Seed(p))
	g.Next()
	g.Next()
	g.Next()
	want := timeSeries(g, 50)

	assert.Equal(t, want, r.TimeSeries)

	// A walk restarted from the seed must not match.
	assert.NotEqual(t, timeSeries(NewGenerator(Seed(p)), 50), r.TimeSeries)
}

func TestSynthesizeSeriesShape(t *testing.T) {
	tests := []struct {
		res  string
		want int
	}{
		{model.ResolutionLow, 50},
		{model.ResolutionMedium, 100},
		{model.ResolutionHigh, 200},
	}

	for _, tt := range tests {
		t.Run(tt.res, func(t *testing.T) {
			for coils := 10; coils <= 100; coils += 9 {
				p := params(tt.res)
				p.CoilCount = coils
				r := Synthesize("x", p)

				require.Len(t, r.TimeSeries, tt.want)
				assert.Equal(t, 0.0, r.TimeSeries[0].T)
				assert.Equal(t, 1.0, r.TimeSeries[tt.want-1].T)
				for i, pt := range r.TimeSeries {
					require.GreaterOrEqual(t, pt.Value, 0.1, "point %d", i)
					require.LessOrEqual(t, pt.Value, 0.95, "point %d", i)
					if i > 0 {
						require.Greater(t, pt.T, r.TimeSeries[i-1].T)
					}
				}
			}
		})
	}
}

func TestSeriesLengthUnknownIsHigh(t *testing.T) {
	assert.Equal(t, 200, SeriesLength(""))
}

func TestRound4(t *testing.T) {
	assert.Equal(t, 0.1235, round4(0.12345678))
	assert.Equal(t, 2.0, round4(1.99999))
	assert.Equal(t, 0.0204, round4(1.0/49))
}
