// Package synth turns simulation parameters into reproducible synthetic
// results. All output is a pure function of the physical inputs: the
// parameters derive an integer seed, and a single linear congruential
// generator seeded from it supplies every draw in a fixed order.
package synth
