package model

// Status is the outcome state of one checklist test within an attempt.
type Status string

const (
	// StatusUnset marks a selected test that has not been run yet.
	StatusUnset Status = "UNSET"
	// StatusSkipped marks a test excluded from the operator's selection.
	// It is assigned at ledger construction and never changes.
	StatusSkipped Status = "SKIPPED"
	// StatusSkippedDep marks a test whose prerequisite failed, so it was
	// never attempted. Reported as "NOT RUN".
	StatusSkippedDep Status = "NOT_RUN"
	StatusPass       Status = "PASS"
	StatusFail       Status = "FAIL"
)

// Executed reports whether the test actually ran and produced a verdict.
// Only executed tests participate in the overall pass computation.
func (s Status) Executed() bool {
	return s == StatusPass || s == StatusFail
}

// Terminal reports whether the status can no longer change within this
// attempt.
func (s Status) Terminal() bool {
	return s != StatusUnset
}

// Report returns the spelling used in log lines and report cells.
func (s Status) Report() string {
	switch s {
	case StatusUnset:
		return "NOT RUN"
	case StatusSkippedDep:
		return "NOT RUN"
	default:
		return string(s)
	}
}
