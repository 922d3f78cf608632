package report

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/hwqc/hwqc/config"
	"github.com/hwqc/hwqc/model"
)

func sampleAttempt(deviceID int) model.Attempt {
	attempt := model.Attempt{
		ID:        "0d9af4c1-1111-2222-3333-444455556666",
		DeviceID:  deviceID,
		Timestamp: time.Date(2026, 8, 30, 14, 30, 5, 0, time.UTC),
		Results:   map[model.TestID]model.Status{},
		Durations: map[model.TestID]int{},
		Details:   map[model.TestID]string{},
		LogFile:   "logs/20260830-143005-dev7-0d9af4c1/attempt.log",
	}
	for _, id := range model.CatalogOrder {
		attempt.Results[id] = model.StatusSkipped
	}
	attempt.Results[model.TestFirmwareUpload] = model.StatusPass
	attempt.Durations[model.TestFirmwareUpload] = 73
	attempt.Results[model.TestUIAppears] = model.StatusFail
	attempt.Durations[model.TestUIAppears] = 12
	attempt.Results[model.TestButtonResponse] = model.StatusSkippedDep
	attempt.OverallPass = false
	attempt.Notes = "UI did not come up"
	return attempt
}

func TestRowLayout(t *testing.T) {
	attempt := sampleAttempt(7)
	headers, values := Row(attempt)

	require.Len(t, values, len(headers))
	// Identity, one status per test, three summary columns, one duration
	// per test.
	require.Len(t, headers, 3+len(model.CatalogOrder)+3+len(model.CatalogOrder))

	require.Equal(t, "Device ID", headers[0])
	require.Equal(t, 7, values[0])
	require.Equal(t, "2026-08-30 14:30:05", values[1])
	require.Equal(t, attempt.LogFile, values[2])

	require.Equal(t, "T01: Firmware Upload", headers[3])
	require.Equal(t, "PASS", values[3])
}

func TestRowStatusesAndSummary(t *testing.T) {
	attempt := sampleAttempt(7)
	headers, values := Row(attempt)

	byHeader := map[string]any{}
	for i, h := range headers {
		byHeader[h] = values[i]
	}

	require.Equal(t, "FAIL", byHeader["T05: UI Appears"])
	require.Equal(t, "NOT RUN", byHeader["T06: Button Response"])
	require.Equal(t, "SKIPPED", byHeader["T13: SD Card Detection"])
	require.Equal(t, "T05(UI Appears)", byHeader["Failed Tests"])
	require.Equal(t, false, byHeader["Overall Pass"])
	require.Equal(t, "UI did not come up", byHeader["Notes"])

	require.Equal(t, 73, byHeader["T01 Duration (s)"])
	require.Equal(t, 12, byHeader["T05 Duration (s)"])
	// Skipped and not-run tests never carry a duration.
	require.Equal(t, 0, byHeader["T06 Duration (s)"])
	require.Equal(t, 0, byHeader["T13 Duration (s)"])
}

func TestRowNoFailures(t *testing.T) {
	attempt := sampleAttempt(7)
	attempt.Results[model.TestUIAppears] = model.StatusPass
	attempt.OverallPass = true

	headers, values := Row(attempt)
	byHeader := map[string]any{}
	for i, h := range headers {
		byHeader[h] = values[i]
	}
	require.Equal(t, "None", byHeader["Failed Tests"])
	require.Equal(t, true, byHeader["Overall Pass"])
}

func TestAppendCreatesAndExtends(t *testing.T) {
	cfg := config.Report{
		Path:  filepath.Join(t.TempDir(), "results.xlsx"),
		Sheet: "Test Results",
	}
	sink := New(zerolog.Nop(), cfg)

	require.NoError(t, sink.Append(sampleAttempt(1)))
	require.NoError(t, sink.Append(sampleAttempt(2)))

	file, err := excelize.OpenFile(cfg.Path)
	require.NoError(t, err)
	defer file.Close()

	rows, err := file.GetRows(cfg.Sheet)
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus one row per attempt")

	require.Equal(t, "Device ID", rows[0][0])
	require.Equal(t, "1", rows[1][0])
	require.Equal(t, "2", rows[2][0])
	require.Equal(t, "PASS", rows[1][3])
}
