package model

import "time"

// Attempt is the persisted record of one QC attempt against one device.
// It is written as attempt.json inside the attempt's log directory and is
// what `hwqc list` reads back.
type Attempt struct {
	// Unique ID for this attempt (UUID)
	ID string `json:"id"`
	// Operator-supplied device identifier
	DeviceID int `json:"device_id"`
	// Timestamp when the attempt started
	Timestamp time.Time `json:"timestamp"`
	// Final status per catalog test ID
	Results map[TestID]Status `json:"results"`
	// Elapsed seconds per catalog test ID (0 for tests that never ran)
	Durations map[TestID]int `json:"durations"`
	// Details recorded alongside a status, keyed by test ID
	Details map[TestID]string `json:"details,omitempty"`
	// Cross-cutting annotations accumulated during the attempt
	Notes string `json:"notes,omitempty"`
	// Overall verdict, computed at finalize
	OverallPass bool `json:"overall_pass"`
	// Name of the append-only log file, relative to the attempt directory
	LogFile string `json:"log_file,omitempty"`
}

// FailedTests returns the ids of all failed tests in catalog order.
func (a *Attempt) FailedTests() []TestID {
	var failed []TestID
	for _, id := range CatalogOrder {
		if a.Results[id] == StatusFail {
			failed = append(failed, id)
		}
	}
	return failed
}
