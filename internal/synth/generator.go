package synth

// LCG constants.
const (
	lcgMultiplier = 9301
	lcgIncrement  = 49297
	lcgModulus    = 233280
)

// Generator is a deterministic pseudo-random stream of values in [0, 1).
// Two generators built from the same seed yield identical sequences.
// It is not safe for concurrent use.
type Generator struct {
	state int64
}

// NewGenerator returns a generator positioned before its first draw.
func NewGenerator(seed int64) *Generator {
	return &Generator{state: seed}
}

// Next advances the state and returns the updated state scaled to [0, 1).
func (g *Generator) Next() float64 {
	g.state = (g.state*lcgMultiplier + lcgIncrement) % lcgModulus
	return float64(g.state) / lcgModulus
}
