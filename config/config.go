// Package config holds the fixed configuration for one harness invocation:
// the remote target, the command strings and expected markers driving the
// remote checks, the firmware flashing parameters, and the output paths.
// A Config is built once at startup and passed to the components that need
// it; nothing reads ambient global state afterwards.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete harness configuration.
type Config struct {
	Remote   Remote   `yaml:"remote"`
	Firmware Firmware `yaml:"firmware"`
	Report   Report   `yaml:"report"`
	LogsDir  string   `yaml:"logs_dir"`
}

// Remote describes the device-under-test's embedded computer and the
// commands run against it.
type Remote struct {
	// Target in user@host form
	Target         string        `yaml:"target"`
	Password       string        `yaml:"password"`
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`

	// USB detection (lsusb) markers
	USBCommand          string `yaml:"usb_command"`
	MicroPythonMarker   string `yaml:"micropython_marker"`
	USBHubMarker        string `yaml:"usb_hub_marker"`
	USBMediaMarker      string `yaml:"usb_media_marker"`
	StorageCommand      string `yaml:"storage_command"`
	StorageMarker       string `yaml:"storage_marker"`
	CameraCommand       string `yaml:"camera_command"`
	CameraFailureMarker string `yaml:"camera_failure_marker"`

	// Interactive RGB LED demo on the target
	LEDScriptPath   string        `yaml:"led_script_path"`
	LEDEnterCount   int           `yaml:"led_enter_count"`
	LEDEnterDelay   time.Duration `yaml:"led_enter_delay"`
	ShutdownCommand string        `yaml:"shutdown_command"`
}

// Firmware describes the UF2 removable-volume flashing protocol for the
// RP2040 on the board.
type Firmware struct {
	UF2Dir            string        `yaml:"uf2_dir"`
	SourceDir         string        `yaml:"source_dir"`
	VolumePaths       []string      `yaml:"volume_paths"`
	UARTPortPattern   string        `yaml:"uart_port_pattern"`
	FlashNukeUF2      string        `yaml:"flash_nuke_uf2"`
	MicroPythonUF2    string        `yaml:"micropython_uf2"`
	Files             []string      `yaml:"files"`
	VolumeTimeout     time.Duration `yaml:"volume_timeout"`
	DisappearTimeout  time.Duration `yaml:"disappear_timeout"`
	PerFileTimeout    time.Duration `yaml:"per_file_timeout"`
	ReappearSettle    time.Duration `yaml:"reappear_settle"`
	InitializeSettle  time.Duration `yaml:"initialize_settle"`
}

// Report describes the tabular result store.
type Report struct {
	Path  string `yaml:"path"`
	Sheet string `yaml:"sheet"`
}

// Default returns the built-in configuration, matching the bench setup the
// harness ships for.
func Default() Config {
	return Config{
		Remote: Remote{
			Target:         "distiller@192.168.0.30",
			Password:       "one",
			Port:           22,
			ConnectTimeout: 30 * time.Second,
			MaxAttempts:    5,

			USBCommand:          "lsusb",
			MicroPythonMarker:   "MicroPython Board in FS mode",
			USBHubMarker:        "QinHeng Electronics USB HUB",
			USBMediaMarker:      "Microchip Technology, Inc. (formerly SMSC) Ultra Fast Media",
			StorageCommand:      "lsblk",
			StorageMarker:       "sda1",
			CameraCommand:       "libcamera-hello",
			CameraFailureMarker: "ERROR: *** no cameras available ***",

			LEDScriptPath:   "/opt/distiller-cm5-sdk/src/distiller_cm5_sdk/hardware/sam/led_interactive_demo.py",
			LEDEnterCount:   10,
			LEDEnterDelay:   500 * time.Millisecond,
			ShutdownCommand: "sudo shutdown now",
		},
		Firmware: Firmware{
			UF2Dir:    "ULP",
			SourceDir: "BHV",
			VolumePaths: []string{
				"/Volumes/RPI-RP2 1",
				"/Volumes/RPI-RP2",
			},
			UARTPortPattern: "/dev/tty.usb*",
			FlashNukeUF2:    "flash_nuke.uf2",
			MicroPythonUF2:  "RPI_PICO-20240222-v1.22.2.uf2",
			Files: []string{
				"bin/loading1.bin",
				"bin/loading2.bin",
				"eink_driver_sam.py",
				"pamir_uart_protocols.py",
				"neopixel_controller.py",
				"power_manager.py",
				"battery.py",
				"debug_handler.py",
				"uart_handler.py",
				"threaded_task_manager.py",
				"main.py",
			},
			VolumeTimeout:    60 * time.Second,
			DisappearTimeout: 30 * time.Second,
			PerFileTimeout:   30 * time.Second,
			ReappearSettle:   5 * time.Second,
			InitializeSettle: 3 * time.Second,
		},
		Report: Report{
			Path:  "hardware_test_results.xlsx",
			Sheet: "Test Results",
		},
		LogsDir: "logs",
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, _, err := SplitTarget(c.Remote.Target); err != nil {
		return err
	}
	if c.Remote.MaxAttempts < 1 {
		return fmt.Errorf("remote.max_attempts must be at least 1, got %d", c.Remote.MaxAttempts)
	}
	return nil
}

// SplitTarget splits a user@host target into its parts.
func SplitTarget(target string) (user, host string, err error) {
	user, host, ok := strings.Cut(target, "@")
	if !ok || user == "" || host == "" {
		return "", "", fmt.Errorf("invalid remote target %q: expected user@host", target)
	}
	return user, host, nil
}
