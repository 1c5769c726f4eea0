// Package engine runs simulation jobs and parameter-sweep batches in the
// background. It drives each job through pending, running and a terminal
// state, persists results through the store, and reports dispatch failures
// to the log rather than to the caller.
package engine
