package models

import "time"

// RunRecord is the persisted outcome of one sync run, kept for status
// reporting.
type RunRecord struct {
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Mode        string    `json:"mode"`
	Seen        int       `json:"seen"`
	Synced      int       `json:"synced"`
	FailedUnits int       `json:"failed_units"`
}
