package store

import "time"

// RunRecord captures the outcome of one executor run for node-local history.
type RunRecord struct {
	RunID         string    `json:"run_id"`
	Timestamp     time.Time `json:"timestamp"`
	Verdict       string    `json:"verdict"`
	FailedStage   string    `json:"failed_stage,omitempty"`
	DeviceTarget  string    `json:"device_target,omitempty"`
	Port          string    `json:"port,omitempty"`
	BuildNumber   string    `json:"build_number,omitempty"`
	Duration      string    `json:"duration"`
	FlashAttempts int       `json:"flash_attempts,omitempty"`
	TestCases     int       `json:"test_cases,omitempty"`
}
