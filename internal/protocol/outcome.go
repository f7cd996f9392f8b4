// ABOUTME: Step outcome and completion summary shapes agents embed in progress reports.
// ABOUTME: Stored verbatim in the execution's append-only log.

package protocol

import "time"

// StepOutcome records the result of one action within a script run. Agents
// marshal this into the LogEntry field of execution_progress messages.
type StepOutcome struct {
	ActionIndex int       `json:"action_index"`
	ActionType  string    `json:"action_type"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// RunSummary is the final result agents embed in execution_completed messages.
type RunSummary struct {
	Completed        bool      `json:"completed"`
	TotalActions     int       `json:"total_actions"`
	ActionsCompleted int       `json:"actions_completed"`
	ActionsFailed    int       `json:"actions_failed"`
	DurationSeconds  float64   `json:"duration_seconds"`
	Timestamp        time.Time `json:"timestamp"`
}
