package model

// TimeSeriesPoint is one sample of a synthetic confinement curve.
type TimeSeriesPoint struct {
	T     float64 `json:"t"`
	Value float64 `json:"value"`
}

// Result is the synthetic output of a completed job. It is written once and
// never mutated.
type Result struct {
	JobID            string            `json:"job_id"`
	ConfinementScore float64           `json:"confinement_score"`
	EnergyLoss       float64           `json:"energy_loss"`
	StabilityIndex   float64           `json:"stability_index"`
	TimeSeries       []TimeSeriesPoint `json:"time_series"`
}
