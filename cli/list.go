package cli

// This file lists previous attempts by walking the logs directory and
// reading each attempt.json.

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/hwqc/hwqc/config"
	"github.com/hwqc/hwqc/model"
)

type attemptEntry struct {
	attempt  model.Attempt
	fullPath string
}

func (a *App) list(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	limit := ctx.Int("limit")
	deviceFilter := ctx.Int("device")

	if _, err := os.Stat(cfg.LogsDir); os.IsNotExist(err) {
		fmt.Println("No attempts found")
		fmt.Printf("Attempts are saved to %s/<timestamp>-dev<id>-<id>/\n", cfg.LogsDir)
		return nil
	}

	var entries []attemptEntry
	err = filepath.WalkDir(cfg.LogsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		metaPath := filepath.Join(path, "attempt.json")
		if _, err := os.Stat(metaPath); err != nil {
			return nil
		}
		attempt, err := parseAttemptJSON(metaPath)
		if err != nil {
			a.logger.Warn().Err(err).Str("path", metaPath).Msg("Failed to parse attempt.json")
			return nil
		}
		entries = append(entries, attemptEntry{attempt: attempt, fullPath: path})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk logs directory: %w", err)
	}

	if deviceFilter != 0 {
		filtered := entries[:0]
		for _, e := range entries {
			if e.attempt.DeviceID == deviceFilter {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	// Newest first
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].attempt.Timestamp.After(entries[j].attempt.Timestamp)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	if len(entries) == 0 {
		fmt.Println("No attempts found")
		return nil
	}

	fmt.Printf("%-8s  %-8s  %-19s  %-6s  %s\n", "ID", "DEVICE", "TIMESTAMP", "RESULT", "FAILED TESTS")
	for _, e := range entries {
		result := "FAIL"
		if e.attempt.OverallPass {
			result = "PASS"
		}
		failed := "-"
		if ids := e.attempt.FailedTests(); len(ids) > 0 {
			names := make([]string, len(ids))
			for i, id := range ids {
				names[i] = string(id)
			}
			failed = strings.Join(names, ",")
		}
		shortID := e.attempt.ID
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}
		fmt.Printf("%-8s  %-8d  %-19s  %-6s  %s\n",
			shortID,
			e.attempt.DeviceID,
			e.attempt.Timestamp.Format("2006-01-02 15:04:05"),
			result,
			failed,
		)
	}
	return nil
}

func parseAttemptJSON(path string) (model.Attempt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Attempt{}, err
	}
	var attempt model.Attempt
	if err := json.Unmarshal(data, &attempt); err != nil {
		return model.Attempt{}, err
	}
	return attempt, nil
}
