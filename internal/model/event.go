package model

import "time"

// Table names carried by change events.
const (
	TableJobs      = "jobs"
	TableResults   = "results"
	TableBatchRuns = "batch_runs"
)

// Change actions.
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Event is a row-change notification pushed to presentation layers.
type Event struct {
	Table  string    `json:"table"`
	Action string    `json:"action"`
	ID     string    `json:"id"`
	Status string    `json:"status,omitempty"`
	At     time.Time `json:"at"`
}
