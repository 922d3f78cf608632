package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.Equal(t, "distiller@192.168.0.30", cfg.Remote.Target)
	require.Equal(t, 22, cfg.Remote.Port)
	require.Equal(t, 5, cfg.Remote.MaxAttempts)
	require.Equal(t, "lsusb", cfg.Remote.USBCommand)
	require.Equal(t, "sda1", cfg.Remote.StorageMarker)
	require.Equal(t, 10, cfg.Remote.LEDEnterCount)
	require.Equal(t, 500*time.Millisecond, cfg.Remote.LEDEnterDelay)
	require.Equal(t, "hardware_test_results.xlsx", cfg.Report.Path)
	require.Equal(t, "logs", cfg.LogsDir)
	require.NotEmpty(t, cfg.Firmware.Files)
	require.NoError(t, cfg.validate())
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hwqc.yaml")
	data := `
remote:
  target: tester@198.51.100.7
  max_attempts: 2
report:
  path: out/results.xlsx
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "tester@198.51.100.7", cfg.Remote.Target)
	require.Equal(t, 2, cfg.Remote.MaxAttempts)
	require.Equal(t, "out/results.xlsx", cfg.Report.Path)
	// Untouched keys keep their defaults.
	require.Equal(t, "lsusb", cfg.Remote.USBCommand)
	require.Equal(t, "logs", cfg.LogsDir)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad target", "remote:\n  target: nohost\n"},
		{"zero attempts", "remote:\n  max_attempts: 0\n"},
		{"malformed yaml", "remote: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "hwqc.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0644))

			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestSplitTarget(t *testing.T) {
	tests := []struct {
		target  string
		user    string
		host    string
		wantErr bool
	}{
		{"pi@raspberrypi.local", "pi", "raspberrypi.local", false},
		{"distiller@192.168.0.30", "distiller", "192.168.0.30", false},
		{"nohost", "", "", true},
		{"@host", "", "", true},
		{"user@", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			user, host, err := SplitTarget(tt.target)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.user, user)
			require.Equal(t, tt.host, host)
		})
	}
}
