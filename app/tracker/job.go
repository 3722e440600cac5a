package tracker

import "time"

// Result holds the artifacts produced by a successful ingestion job
type Result struct {
	DraftIDs     []int64 `json:"draft_ids"`
	CreatedCount int     `json:"created_count"`
}

// Job is a tracked unit of server-side ingestion work. ID is assigned by the
// backend on submission and unique within a session. Result is set only for
// success, Error only for failed.
type Job struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Status      Status    `json:"status"`
	Result      *Result   `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
