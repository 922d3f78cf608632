// Package report appends finalized attempts as rows of an xlsx workbook.
// The workbook is shared across process invocations: an existing file is
// read and extended, never overwritten.
package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/hwqc/hwqc/config"
	"github.com/hwqc/hwqc/model"
)

const (
	fillHeader  = "CCCCCC"
	fillPass    = "90EE90"
	fillFail    = "FFB6C1"
	fillNotRun  = "FFFF99"
	fillSkipped = "CCCCCC"
)

// Sink writes attempt rows to the configured workbook.
type Sink struct {
	logger zerolog.Logger
	cfg    config.Report
}

// New returns a Sink for the configured workbook path.
func New(logger zerolog.Logger, cfg config.Report) *Sink {
	return &Sink{logger: logger, cfg: cfg}
}

// Append adds one row for the attempt, creating the workbook and header on
// first use.
func (s *Sink) Append(attempt model.Attempt) error {
	file, fresh, err := s.open()
	if err != nil {
		return err
	}
	defer file.Close()

	headers, values := Row(attempt)

	rowIdx := 1
	if fresh {
		if err := s.writeHeader(file, headers); err != nil {
			return err
		}
		rowIdx = 2
	} else {
		rows, err := file.GetRows(s.cfg.Sheet)
		if err != nil {
			return fmt.Errorf("failed to read existing rows: %w", err)
		}
		rowIdx = len(rows) + 1
	}

	for col, value := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, rowIdx)
		if err != nil {
			return fmt.Errorf("failed to compute cell name: %w", err)
		}
		if err := file.SetCellValue(s.cfg.Sheet, cell, value); err != nil {
			return fmt.Errorf("failed to set cell %s: %w", cell, err)
		}
	}

	if err := s.styleRow(file, attempt, rowIdx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to style report row")
	}

	if err := file.SaveAs(s.cfg.Path); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}

	s.logger.Info().Str("path", s.cfg.Path).Int("row", rowIdx).Msg("Report row appended")
	return nil
}

// Row assembles the flat column mapping for one attempt: identity first,
// then per-test statuses, summary columns, and finally per-test durations,
// matching the workbook layout operators already use.
func Row(attempt model.Attempt) (headers []string, values []any) {
	headers = append(headers, "Device ID", "Timestamp", "Log File")
	values = append(values,
		attempt.DeviceID,
		attempt.Timestamp.Format("2006-01-02 15:04:05"),
		attempt.LogFile,
	)

	for _, id := range model.CatalogOrder {
		headers = append(headers, fmt.Sprintf("%s: %s", id, model.TestName(id)))
		values = append(values, attempt.Results[id].Report())
	}

	failed := "None"
	if ids := attempt.FailedTests(); len(ids) > 0 {
		summary := ""
		for i, id := range ids {
			if i > 0 {
				summary += ", "
			}
			summary += fmt.Sprintf("%s(%s)", id, model.TestName(id))
		}
		failed = summary
	}
	headers = append(headers, "Failed Tests", "Overall Pass", "Notes")
	values = append(values, failed, attempt.OverallPass, attempt.Notes)

	for _, id := range model.CatalogOrder {
		headers = append(headers, fmt.Sprintf("%s Duration (s)", id))
		duration := 0
		if attempt.Results[id].Executed() {
			duration = attempt.Durations[id]
		}
		values = append(values, duration)
	}

	return headers, values
}

func (s *Sink) open() (*excelize.File, bool, error) {
	if _, err := os.Stat(s.cfg.Path); err != nil {
		if !os.IsNotExist(err) {
			return nil, false, fmt.Errorf("failed to stat report: %w", err)
		}
		if dir := filepath.Dir(s.cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, false, fmt.Errorf("failed to create report directory: %w", err)
			}
		}
		file := excelize.NewFile()
		if err := file.SetSheetName("Sheet1", s.cfg.Sheet); err != nil {
			file.Close()
			return nil, false, fmt.Errorf("failed to name sheet: %w", err)
		}
		return file, true, nil
	}

	file, err := excelize.OpenFile(s.cfg.Path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open report: %w", err)
	}
	return file, false, nil
}

func (s *Sink) writeHeader(file *excelize.File, headers []string) error {
	style, err := file.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{fillHeader}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := file.SetCellValue(s.cfg.Sheet, cell, header); err != nil {
			return err
		}
		if err := file.SetCellStyle(s.cfg.Sheet, cell, cell, style); err != nil {
			return err
		}
	}
	return nil
}

// styleRow color-fills the status and overall-pass cells the way the bench
// operators expect: green pass, red fail, yellow not-run, grey skipped.
func (s *Sink) styleRow(file *excelize.File, attempt model.Attempt, rowIdx int) error {
	fills := map[string]string{
		"PASS":    fillPass,
		"FAIL":    fillFail,
		"NOT RUN": fillNotRun,
		"SKIPPED": fillSkipped,
	}

	// Status columns start after the three identity columns.
	for i, id := range model.CatalogOrder {
		fill, ok := fills[attempt.Results[id].Report()]
		if !ok {
			continue
		}
		if err := s.fillCell(file, 3+i+1, rowIdx, fill); err != nil {
			return err
		}
	}

	overallCol := 3 + len(model.CatalogOrder) + 2
	fill := fillFail
	if attempt.OverallPass {
		fill = fillPass
	}
	return s.fillCell(file, overallCol, rowIdx, fill)
}

func (s *Sink) fillCell(file *excelize.File, col, row int, color string) error {
	style, err := file.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
	})
	if err != nil {
		return err
	}
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return file.SetCellStyle(s.cfg.Sheet, cell, cell, style)
}
