// Package ledger implements the per-device, per-attempt result record.
// A Ledger owns the full status map for the test catalog, an append-only
// log file keyed to the device and attempt, and the attempt.json metadata
// written at finalize.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hwqc/hwqc/model"
)

var (
	// ErrAlreadyRecorded is returned when Record is called twice for the
	// same test within one attempt.
	ErrAlreadyRecorded = errors.New("test already has a terminal status")
	// ErrUnknownTest is returned for identifiers outside the catalog.
	ErrUnknownTest = errors.New("test id not in catalog")
)

const (
	logFileName  = "attempt.log"
	metaFileName = "attempt.json"
	timeLayout   = "2006-01-02 15:04:05"
)

// Ledger tracks the outcome of every catalog test for one attempt.
// Exactly one caller mutates a Ledger; there is no internal locking.
type Ledger struct {
	logger  zerolog.Logger
	attempt model.Attempt
	dir     string
	logFile *os.File

	finalized   bool
	overallPass bool
}

// New allocates a ledger for deviceID with the given selection. Every test
// outside the selection is fixed to Skipped with duration 0 and never
// changes. The attempt directory and log file are created immediately so
// that the record is durable from the first status change.
func New(logger zerolog.Logger, logsDir string, deviceID int, selection model.Selection) (*Ledger, error) {
	now := time.Now()
	id := uuid.NewString()

	results := make(map[model.TestID]model.Status, len(model.CatalogOrder))
	durations := make(map[model.TestID]int, len(model.CatalogOrder))
	for _, testID := range model.CatalogOrder {
		durations[testID] = 0
		if selection[testID] {
			results[testID] = model.StatusUnset
		} else {
			results[testID] = model.StatusSkipped
		}
	}

	dirName := fmt.Sprintf("%s-dev%d-%s", now.Format("20060102-150405"), deviceID, id[:8])
	dir := filepath.Join(logsDir, dirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create attempt directory: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open attempt log: %w", err)
	}

	l := &Ledger{
		logger: logger.With().Int("device", deviceID).Str("attempt", id[:8]).Logger(),
		attempt: model.Attempt{
			ID:        id,
			DeviceID:  deviceID,
			Timestamp: now,
			Results:   results,
			Durations: durations,
			Details:   make(map[model.TestID]string),
			LogFile:   logFileName,
		},
		dir:     dir,
		logFile: logFile,
	}

	l.logger.Info().Str("dir", dir).Msg("Attempt started")
	return l, nil
}

// Record sets the terminal status for testID. The test must still be Unset:
// re-recording a terminal test is an invariant violation and is rejected.
func (l *Ledger) Record(testID model.TestID, pass bool, details string, durationSeconds int) error {
	status, ok := l.attempt.Results[testID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTest, testID)
	}
	if status != model.StatusUnset {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyRecorded, testID, status)
	}

	newStatus := model.StatusFail
	if pass {
		newStatus = model.StatusPass
	}
	l.attempt.Results[testID] = newStatus
	l.attempt.Durations[testID] = durationSeconds
	if details != "" {
		l.attempt.Details[testID] = details
	}

	l.appendLine(testID, newStatus, details, durationSeconds)
	l.logger.Info().
		Str("test", string(testID)).
		Str("status", string(newStatus)).
		Int("duration_s", durationSeconds).
		Msg(model.TestName(testID))
	return nil
}

// MarkDependencySkipped marks a still-Unset test as never run because its
// prerequisite did not pass. Distinct from operator-driven Skipped, and
// excluded from the overall verdict the same way.
func (l *Ledger) MarkDependencySkipped(testID model.TestID, reason string) error {
	status, ok := l.attempt.Results[testID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTest, testID)
	}
	if status != model.StatusUnset {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyRecorded, testID, status)
	}

	l.attempt.Results[testID] = model.StatusSkippedDep
	if reason != "" {
		l.attempt.Details[testID] = reason
	}
	l.appendLine(testID, model.StatusSkippedDep, reason, 0)
	l.logger.Info().Str("test", string(testID)).Str("reason", reason).Msg("Test not run")
	return nil
}

// AppendNote accumulates a cross-cutting annotation on the attempt and
// mirrors it to the log file.
func (l *Ledger) AppendNote(note string) {
	if l.attempt.Notes != "" {
		l.attempt.Notes += " "
	}
	l.attempt.Notes += note

	line := fmt.Sprintf("[%s] NOTE - %s\n", time.Now().Format(timeLayout), note)
	if _, err := l.logFile.WriteString(line); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to append note to attempt log")
	}
	l.logger.Info().Str("note", note).Msg("Note recorded")
}

// Finalize computes and freezes the overall verdict: true iff every
// executed test passed, false when no test was executed at all. Calling it
// again returns the cached value. The attempt metadata is written alongside
// the log file.
func (l *Ledger) Finalize() bool {
	if l.finalized {
		return l.overallPass
	}
	l.finalized = true

	executed := 0
	pass := true
	for _, status := range l.attempt.Results {
		if !status.Executed() {
			continue
		}
		executed++
		if status == model.StatusFail {
			pass = false
		}
	}
	l.overallPass = executed > 0 && pass
	l.attempt.OverallPass = l.overallPass

	if err := l.writeMeta(); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to write attempt metadata")
	}
	l.logger.Info().Bool("overall_pass", l.overallPass).Int("executed", executed).Msg("Attempt finalized")
	return l.overallPass
}

// Snapshot returns a copy of the attempt record for the report sink.
func (l *Ledger) Snapshot() model.Attempt {
	snap := l.attempt
	snap.Results = make(map[model.TestID]model.Status, len(l.attempt.Results))
	snap.Durations = make(map[model.TestID]int, len(l.attempt.Durations))
	snap.Details = make(map[model.TestID]string, len(l.attempt.Details))
	for k, v := range l.attempt.Results {
		snap.Results[k] = v
	}
	for k, v := range l.attempt.Durations {
		snap.Durations[k] = v
	}
	for k, v := range l.attempt.Details {
		snap.Details[k] = v
	}
	return snap
}

// Status returns the current status for testID.
func (l *Ledger) Status(testID model.TestID) model.Status {
	return l.attempt.Results[testID]
}

// DeviceID returns the operator-supplied device identifier.
func (l *Ledger) DeviceID() int {
	return l.attempt.DeviceID
}

// Dir returns the attempt directory holding the log and metadata files.
func (l *Ledger) Dir() string {
	return l.dir
}

// Close releases the log file handle.
func (l *Ledger) Close() error {
	return l.logFile.Close()
}

func (l *Ledger) appendLine(testID model.TestID, status model.Status, details string, durationSeconds int) {
	line := fmt.Sprintf("[%s] %s: %s - %s", time.Now().Format(timeLayout), testID, model.TestName(testID), status.Report())
	if status.Executed() {
		line += fmt.Sprintf(" - Duration: %ds", durationSeconds)
	}
	if details != "" {
		line += " - " + details
	}
	if _, err := l.logFile.WriteString(line + "\n"); err != nil {
		l.logger.Warn().Err(err).Str("test", string(testID)).Msg("Failed to append to attempt log")
	}
}

func (l *Ledger) writeMeta() error {
	data, err := json.MarshalIndent(&l.attempt, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal attempt: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, metaFileName), data, 0644); err != nil {
		return fmt.Errorf("failed to write attempt metadata: %w", err)
	}
	return nil
}
