package export

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/stellarsim/internal/model"
	"github.com/seantiz/stellarsim/internal/synth"
)

func sampleResult() *model.Result {
	return &model.Result{
		JobID:            "01HZX3Q4B5C6D7E8F9G0H1J2K3",
		ConfinementScore: 0.8225,
		EnergyLoss:       6.2987,
		StabilityIndex:   0.7708,
		TimeSeries: []model.TimeSeriesPoint{
			{T: 0, Value: 0.6777},
			{T: 0.0204, Value: 0.7202},
			{T: 1, Value: 0.5527},
		},
	}
}

func TestCSV(t *testing.T) {
	got, err := CSV(sampleResult())
	require.NoError(t, err)

	want := "t,value\n0,0.6777\n0.0204,0.7202\n1,0.5527\n"
	assert.Equal(t, want, string(got))
}

func TestCSVEmptySeries(t *testing.T) {
	got, err := CSV(&model.Result{})
	require.NoError(t, err)
	assert.Equal(t, "t,value\n", string(got))
}

func TestJSONRoundTrip(t *testing.T) {
	want := synth.Synthesize("job-1", model.Parameters{
		CoilCount:             42,
		MagneticFieldStrength: 7.1,
		PlasmaDensity:         3e19,
		Resolution:            model.ResolutionMedium,
	})

	data, err := JSON(want)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"job_id\"", "output is indented")

	var got model.Result
	require.NoError(t, json.Unmarshal(data, &got))
	if diff := cmp.Diff(want, &got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRender(t *testing.T) {
	r := sampleResult()

	csvData, err := Render(FormatCSV, r)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", ContentType(FormatCSV))
	assert.Contains(t, string(csvData), "t,value")

	jsonData, err := Render(FormatJSON, r)
	require.NoError(t, err)
	assert.Equal(t, "application/json", ContentType(FormatJSON))
	assert.True(t, json.Valid(jsonData))

	_, err = Render("xml", r)
	assert.Error(t, err)
}
