// Package provision flashes the board firmware over the RP2040's removable
// volume protocol: wait for the bootloader volume, wipe with flash_nuke,
// flash the MicroPython image, then upload the firmware files over the UART
// port. The sequencer consumes the whole procedure as a single result.
package provision

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hwqc/hwqc/config"
)

const bootloaderInfoFile = "INFO_UF2.TXT"

// Result is the outcome of one flashing run.
type Result struct {
	OK              bool
	Detail          string
	DurationSeconds int
}

// Flasher performs the firmware upload. ctx is the process-lifetime
// interrupt context; every polling loop checks it each iteration.
type Flasher struct {
	logger zerolog.Logger
	cfg    config.Firmware
	ctx    context.Context

	runUpload func(ctx context.Context, port, file string) error
}

// New builds a Flasher bound to the interrupt context.
func New(ctx context.Context, logger zerolog.Logger, cfg config.Firmware) *Flasher {
	f := &Flasher{
		logger: logger,
		cfg:    cfg,
		ctx:    ctx,
	}
	f.runUpload = f.ampyPut
	return f
}

// Flash runs the full wipe-and-upload procedure and reports a single
// pass/fail result with the elapsed time.
func (f *Flasher) Flash() Result {
	start := time.Now()
	fail := func(detail string) Result {
		f.logger.Error().Str("detail", detail).Msg("Firmware upload failed")
		return Result{OK: false, Detail: detail, DurationSeconds: elapsed(start)}
	}

	volume, ok := f.waitForVolume()
	if !ok {
		return fail("No RPI-RP2 volume found")
	}

	f.logger.Info().Str("volume", volume).Msg("Bootloader volume found, flashing nuke image")
	if err := f.copyUF2(volume, f.cfg.FlashNukeUF2); err != nil {
		f.logger.Warn().Err(err).Msg("Flash nuke copy failed")
		return fail("Flash nuke failed")
	}

	if !f.waitForDisappear() {
		return fail("Device did not disappear after flash nuke")
	}
	f.sleep(f.cfg.ReappearSettle)

	volume, ok = f.waitForVolume()
	if !ok {
		return fail("Device did not reappear after flash nuke")
	}

	f.logger.Info().Str("volume", volume).Msg("Flashing MicroPython firmware")
	if err := f.copyUF2(volume, f.cfg.MicroPythonUF2); err != nil {
		// The device auto-ejects mid-copy once the image lands; the write
		// error that causes is expected.
		if !isAutoEject(err) {
			f.logger.Warn().Err(err).Msg("MicroPython copy failed")
			return fail("MicroPython firmware flash failed")
		}
		f.logger.Debug().Msg("MicroPython firmware copied (device auto-ejected)")
	}

	f.waitForDisappear()
	f.sleep(f.cfg.InitializeSettle)

	ports, err := filepath.Glob(f.cfg.UARTPortPattern)
	if err != nil || len(ports) == 0 {
		return fail("No UART port found")
	}
	port := ports[0]
	f.logger.Info().Str("port", port).Msg("Uploading firmware files")

	for i, file := range f.cfg.Files {
		path := filepath.Join(f.cfg.SourceDir, file)
		if _, err := os.Stat(path); err != nil {
			f.logger.Warn().Str("file", file).Msg("Firmware file missing, skipping")
			continue
		}

		f.logger.Info().
			Str("file", file).
			Int("index", i+1).
			Int("total", len(f.cfg.Files)).
			Msg("Uploading file")

		uploadCtx, cancel := context.WithTimeout(f.ctx, f.cfg.PerFileTimeout)
		err := f.runUpload(uploadCtx, port, path)
		cancel()
		if err != nil {
			f.logger.Warn().Err(err).Str("file", file).Msg("Upload failed")
			return fail(fmt.Sprintf("Failed to upload %s", file))
		}
	}

	f.logger.Info().Msg("Firmware upload completed")
	return Result{OK: true, Detail: "All files uploaded successfully", DurationSeconds: elapsed(start)}
}

// findVolume returns the mounted bootloader volume, if any. The volume is
// recognized by its INFO_UF2.TXT marker file.
func (f *Flasher) findVolume() string {
	for _, path := range f.cfg.VolumePaths {
		entries, err := os.ReadDir(path)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.Name() == bootloaderInfoFile {
				return path
			}
		}
	}
	return ""
}

func (f *Flasher) waitForVolume() (string, bool) {
	deadline := time.Now().Add(f.cfg.VolumeTimeout)
	for time.Now().Before(deadline) {
		if f.ctx.Err() != nil {
			return "", false
		}
		if volume := f.findVolume(); volume != "" {
			return volume, true
		}
		f.sleep(time.Second)
	}
	f.logger.Warn().Dur("timeout", f.cfg.VolumeTimeout).Msg("Bootloader volume did not appear")
	return "", false
}

func (f *Flasher) waitForDisappear() bool {
	deadline := time.Now().Add(f.cfg.DisappearTimeout)
	for time.Now().Before(deadline) {
		if f.ctx.Err() != nil {
			return false
		}
		if f.findVolume() == "" {
			return true
		}
		f.sleep(time.Second)
	}
	f.logger.Warn().Dur("timeout", f.cfg.DisappearTimeout).Msg("Bootloader volume still present")
	return false
}

func (f *Flasher) copyUF2(volume, name string) error {
	src, err := os.Open(filepath.Join(f.cfg.UF2Dir, name))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(volume, name))
	if err != nil {
		return fmt.Errorf("failed to create %s on volume: %w", name, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to copy %s: %w", name, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", name, err)
	}
	return nil
}

func (f *Flasher) ampyPut(ctx context.Context, port, file string) error {
	cmd := exec.CommandContext(ctx, "ampy", "--port", port, "put", file)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ampy put failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// sleep waits for d or until the interrupt context is done.
func (f *Flasher) sleep(d time.Duration) {
	select {
	case <-f.ctx.Done():
	case <-time.After(d):
	}
}

// isAutoEject reports whether the write error matches the device vanishing
// mid-copy after the firmware image is accepted.
func isAutoEject(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "input/output error") || strings.Contains(msg, "invalid argument")
}

func elapsed(start time.Time) int {
	return int(time.Since(start).Seconds())
}
