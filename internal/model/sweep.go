package model

import "time"

// SweepRequest supplies the set of instances the orchestrator still
// considers live; everything else is drift.
type SweepRequest struct {
	LiveInstanceIDs []string `json:"live_instance_ids"`
}

// SweepRun represents one drift-sweep execution.
type SweepRun struct {
	ID          string     `json:"id"`
	TriggerType string     `json:"trigger_type"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	TotalStore  int        `json:"total_store"`
	TotalLive   int        `json:"total_live"`
	DriftCount  int        `json:"drift_count"`
	FixedCount  int        `json:"fixed_count"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
}

// SweepItem represents one drift correction in a run.
type SweepItem struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	InstanceID string    `json:"instance_id"`
	PublicPort int       `json:"public_port"`
	DriftType  string    `json:"drift_type"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// SweepRunListResponse lists sweep runs.
type SweepRunListResponse struct {
	Items []SweepRun `json:"items"`
}

// SweepRunDetailResponse shows a run and its drift items.
type SweepRunDetailResponse struct {
	Run   SweepRun    `json:"run"`
	Items []SweepItem `json:"items"`
}
