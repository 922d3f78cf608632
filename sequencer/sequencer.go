// Package sequencer drives one QC attempt through the fixed dependency
// groups: firmware flashing, visual checks, UI checks, and the SSH-driven
// remote checks. It owns the decision logic only; prompting, flashing,
// remote transport, and report writing are collaborators behind interfaces.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"

	"github.com/hwqc/hwqc/config"
	"github.com/hwqc/hwqc/ledger"
	"github.com/hwqc/hwqc/model"
	"github.com/hwqc/hwqc/provision"
	"github.com/hwqc/hwqc/remote"
)

// Answer is the operator's response to a yes/no confirmation. Stop is an
// expected outcome, not an error: it means the operator wants to abandon
// the attempt and start over.
type Answer int

const (
	AnswerYes Answer = iota
	AnswerNo
	AnswerStop
)

// Operator is the console the harness asks for confirmations.
type Operator interface {
	// Confirm asks a yes/no question and returns the answer with the
	// operator's response time in seconds. When allowStop is true a "no"
	// answer is followed by a continue-testing prompt; declining that
	// yields AnswerStop.
	Confirm(prompt string, allowStop bool) (Answer, int)
	// PromptEnter blocks until the operator acknowledges.
	PromptEnter(prompt string)
	// Notify shows an instruction that needs no acknowledgment.
	Notify(message string)
}

// RemoteRunner is the command surface of the remote session.
type RemoteRunner interface {
	Connect() error
	Run(command string) (stdout, stderr string, err error)
	RunInteractive(command string, enterCount int, enterDelay time.Duration) (string, error)
}

// Provisioner flashes the board firmware for T01.
type Provisioner interface {
	Flash() provision.Result
}

// ReportSink appends one finalized attempt to the persistent result store.
type ReportSink interface {
	Append(attempt model.Attempt) error
}

// Outcome is the terminal state of one attempt.
type Outcome int

const (
	// OutcomeDone means the attempt ran to the finalizing step.
	OutcomeDone Outcome = iota
	// OutcomeRestart means the operator abandoned the attempt; the ledger
	// is discarded and selection starts over.
	OutcomeRestart
)

const connectionLost = "connection lost"

var visualChecks = []struct {
	id     model.TestID
	prompt string
}{
	{model.TestCM5LED, "Does the CM5 LED light up?"},
	{model.TestRGBLEDVisual, "Does the RGB LED light up?"},
	{model.TestEInkRefresh, "Does the e-ink bootup screen appear?"},
}

var remoteChecks = []model.TestID{
	model.TestUSBMicroPython,
	model.TestUSBHub,
	model.TestUSBMedia,
	model.TestRGBLEDRemote,
	model.TestSDCard,
	model.TestCamera,
}

// Sequencer walks the dependency groups for one attempt.
type Sequencer struct {
	logger zerolog.Logger
	cfg    config.Remote
	op     Operator
	remote RemoteRunner
	prov   Provisioner
	sink   ReportSink
}

// New builds a sequencer around its collaborators.
func New(logger zerolog.Logger, cfg config.Remote, op Operator, rem RemoteRunner, prov Provisioner, sink ReportSink) *Sequencer {
	return &Sequencer{
		logger: logger,
		cfg:    cfg,
		op:     op,
		remote: rem,
		prov:   prov,
		sink:   sink,
	}
}

// Run executes every dependency group in order, recording outcomes into the
// ledger. An unhandled error inside a group is noted on the ledger and the
// next group still runs. A firmware failure aborts the remaining groups;
// an operator Stop abandons the attempt without finalizing it. Cancelling
// ctx stops the attempt at the next group boundary and returns the context
// error; the caller decides how to persist the partial ledger.
func (s *Sequencer) Run(ctx context.Context, led *ledger.Ledger, sel model.Selection) (Outcome, error) {
	groups := []struct {
		name string
		run  func(*ledger.Ledger, model.Selection) (Outcome, bool, error)
	}{
		{"firmware", s.runFirmwareGroup},
		{"visual", s.runVisualGroup},
		{"ui", s.runUIGroup},
		{"remote", s.runRemoteGroup},
	}

	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return OutcomeDone, err
		}
		outcome, abort, err := group.run(led, sel)
		if err != nil {
			s.logger.Error().Err(err).Str("group", group.name).Msg("Group failed")
			led.AppendNote(fmt.Sprintf("Error in %s group: %v", group.name, err))
			continue
		}
		if outcome == OutcomeRestart {
			s.logger.Info().Str("group", group.name).Msg("Operator requested restart")
			return OutcomeRestart, nil
		}
		if abort {
			break
		}
	}
	return OutcomeDone, nil
}

// Finalize freezes the ledger's verdict and hands the snapshot to the
// report sink. A sink failure is noted but does not change the verdict.
func (s *Sequencer) Finalize(led *ledger.Ledger) bool {
	overall := led.Finalize()
	if err := s.sink.Append(led.Snapshot()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to append report row")
		led.AppendNote(fmt.Sprintf("Report append failed: %v", err))
	}
	return overall
}

// Shutdown offers to power the device down over the remote session.
// Best-effort: a failure here never changes the attempt's verdict.
func (s *Sequencer) Shutdown() {
	ans, _ := s.op.Confirm("Shut down the device before unplugging?", false)
	if ans != AnswerYes {
		return
	}
	if err := s.remote.Connect(); err != nil {
		s.logger.Warn().Err(err).Msg("Could not connect for shutdown")
		return
	}
	if _, _, err := s.remote.Run(s.cfg.ShutdownCommand); err != nil {
		s.logger.Warn().Err(err).Msg("Shutdown command failed")
		return
	}
	s.op.Notify("Shutdown command sent. The device will power off in a few seconds.")
}

func (s *Sequencer) runFirmwareGroup(led *ledger.Ledger, sel model.Selection) (Outcome, bool, error) {
	if !sel[model.TestFirmwareUpload] {
		return OutcomeDone, false, nil
	}

	s.op.PromptEnter("Put the board into bootloader mode and connect it to this computer.")
	res := s.prov.Flash()
	if err := led.Record(model.TestFirmwareUpload, res.OK, res.Detail, res.DurationSeconds); err != nil {
		return OutcomeDone, false, err
	}
	if !res.OK {
		// A board without firmware cannot pass anything downstream.
		led.AppendNote("Firmware upload failed")
		return OutcomeDone, true, nil
	}
	return OutcomeDone, false, nil
}

func (s *Sequencer) runVisualGroup(led *ledger.Ledger, sel model.Selection) (Outcome, bool, error) {
	assemblyTests := []model.TestID{
		model.TestCM5LED, model.TestRGBLEDVisual, model.TestEInkRefresh,
		model.TestUIAppears, model.TestButtonResponse, model.TestVoiceTranscribe,
	}
	if sel.ContainsAny(assemblyTests...) {
		s.op.PromptEnter("Unplug the board and insert: battery, camera module, e-ink display, SD card, and CM5.")
	}

	for _, check := range visualChecks {
		if !sel[check.id] {
			continue
		}
		ans, elapsed := s.op.Confirm(check.prompt, true)
		if ans == AnswerStop {
			return OutcomeRestart, false, nil
		}
		if err := led.Record(check.id, ans == AnswerYes, "", elapsed); err != nil {
			return OutcomeDone, false, err
		}
	}
	return OutcomeDone, false, nil
}

func (s *Sequencer) runUIGroup(led *ledger.Ledger, sel model.Selection) (Outcome, bool, error) {
	uiOK := true
	if sel[model.TestUIAppears] {
		ans, elapsed := s.op.Confirm("Wait for the WIFI UI to show up. Does the WIFI UI appear?", true)
		if ans == AnswerStop {
			return OutcomeRestart, false, nil
		}
		uiOK = ans == AnswerYes
		if err := led.Record(model.TestUIAppears, uiOK, "", elapsed); err != nil {
			return OutcomeDone, false, err
		}
	}

	// Button and voice checks need a visible UI; without one they are not
	// attempted at all.
	if !uiOK {
		for _, id := range []model.TestID{model.TestButtonResponse, model.TestVoiceTranscribe} {
			if sel[id] {
				if err := led.MarkDependencySkipped(id, "UI did not appear"); err != nil {
					return OutcomeDone, false, err
				}
			}
		}
		return OutcomeDone, false, nil
	}

	if sel[model.TestButtonResponse] {
		ans, elapsed := s.op.Confirm("Press a button. Does the button show on dmesg?", true)
		if ans == AnswerStop {
			return OutcomeRestart, false, nil
		}
		if err := led.Record(model.TestButtonResponse, ans == AnswerYes, "", elapsed); err != nil {
			return OutcomeDone, false, err
		}
	}

	if sel[model.TestVoiceTranscribe] {
		s.op.Notify("Use Piper to perform an audio recording and speak a test message.")
		ans, elapsed := s.op.Confirm("Was your voice successfully transcribed?", true)
		if ans == AnswerStop {
			return OutcomeRestart, false, nil
		}
		if err := led.Record(model.TestVoiceTranscribe, ans == AnswerYes, "", elapsed); err != nil {
			return OutcomeDone, false, err
		}
	}
	return OutcomeDone, false, nil
}

func (s *Sequencer) runRemoteGroup(led *ledger.Ledger, sel model.Selection) (Outcome, bool, error) {
	if !sel.ContainsAny(remoteChecks...) {
		return OutcomeDone, false, nil
	}

	if err := s.remote.Connect(); err != nil {
		s.failRemainingRemote(led, sel, "SSH connection failed")
		led.AppendNote("SSH tests incomplete")
		return OutcomeDone, false, nil
	}

	if err := s.runUSBChecks(led, sel); err != nil {
		if errors.Is(err, remote.ErrConnectionFailed) {
			s.failRemainingRemote(led, sel, "SSH connection failed")
			led.AppendNote("SSH tests incomplete")
			return OutcomeDone, false, nil
		}
		return OutcomeDone, false, err
	}

	if sel[model.TestRGBLEDRemote] {
		if err := s.runRGBLEDCheck(led); err != nil {
			if errors.Is(err, remote.ErrConnectionFailed) {
				s.failRemainingRemote(led, sel, "SSH connection failed")
				led.AppendNote("SSH tests incomplete")
				return OutcomeDone, false, nil
			}
			return OutcomeDone, false, err
		}
	}

	if sel[model.TestSDCard] {
		if err := s.runStorageCheck(led); err != nil {
			if errors.Is(err, remote.ErrConnectionFailed) {
				s.failRemainingRemote(led, sel, "SSH connection failed")
				led.AppendNote("SSH tests incomplete")
				return OutcomeDone, false, nil
			}
			return OutcomeDone, false, err
		}
	}

	if sel[model.TestCamera] {
		if err := s.runCameraCheck(led); err != nil {
			if errors.Is(err, remote.ErrConnectionFailed) {
				s.failRemainingRemote(led, sel, "SSH connection failed")
				led.AppendNote("SSH tests incomplete")
				return OutcomeDone, false, nil
			}
			return OutcomeDone, false, err
		}
	}

	return OutcomeDone, false, nil
}

// runUSBChecks drives T09/T10/T11 from a single lsusb invocation.
func (s *Sequencer) runUSBChecks(led *ledger.Ledger, sel model.Selection) error {
	usbTests := []struct {
		id     model.TestID
		marker string
	}{
		{model.TestUSBMicroPython, s.cfg.MicroPythonMarker},
		{model.TestUSBHub, s.cfg.USBHubMarker},
		{model.TestUSBMedia, s.cfg.USBMediaMarker},
	}
	if !sel.ContainsAny(model.TestUSBMicroPython, model.TestUSBHub, model.TestUSBMedia) {
		return nil
	}

	start := time.Now()
	out, _, err := s.runWithRetry(s.cfg.USBCommand)
	elapsed := elapsedSeconds(start)
	if err != nil {
		if errors.Is(err, remote.ErrConnectionFailed) {
			return err
		}
		for _, usb := range usbTests {
			if sel[usb.id] {
				if rerr := led.Record(usb.id, false, connectionLost, elapsed); rerr != nil {
					return rerr
				}
			}
		}
		return nil
	}

	for _, usb := range usbTests {
		if !sel[usb.id] {
			continue
		}
		detail := ""
		if usb.id == model.TestUSBMicroPython {
			detail = "lsusb output: " + truncate(out, 100)
		}
		if err := led.Record(usb.id, strings.Contains(out, usb.marker), detail, elapsed); err != nil {
			return err
		}
	}
	return nil
}

// runRGBLEDCheck is two sub-steps: trigger the interactive LED demo on the
// target, then ask the operator whether the colors actually cycled. The
// demo has no machine-verifiable signal, so the verdict is visual.
func (s *Sequencer) runRGBLEDCheck(led *ledger.Ledger) error {
	start := time.Now()

	checkCmd := fmt.Sprintf("test -f %s && echo 'EXISTS' || echo 'NOT_FOUND'", shellescape.Quote(s.cfg.LEDScriptPath))
	out, _, err := s.runWithRetry(checkCmd)
	if err != nil {
		if errors.Is(err, remote.ErrConnectionFailed) {
			return err
		}
		return led.Record(model.TestRGBLEDRemote, false, connectionLost, elapsedSeconds(start))
	}
	if strings.Contains(out, "NOT_FOUND") {
		return led.Record(model.TestRGBLEDRemote, false, "Script not found", elapsedSeconds(start))
	}

	s.op.Notify("The LED demo is running on the target. Please observe the RGB LED.")
	runCmd := "python3 " + shellescape.Quote(s.cfg.LEDScriptPath)
	if _, err := s.runInteractiveWithRetry(runCmd, s.cfg.LEDEnterCount, s.cfg.LEDEnterDelay); err != nil {
		if errors.Is(err, remote.ErrConnectionFailed) {
			return err
		}
		return led.Record(model.TestRGBLEDRemote, false, connectionLost, elapsedSeconds(start))
	}

	ans, _ := s.op.Confirm("Did you see the RGB LED cycle through different colors?", false)
	return led.Record(model.TestRGBLEDRemote, ans == AnswerYes, "", elapsedSeconds(start))
}

func (s *Sequencer) runStorageCheck(led *ledger.Ledger) error {
	start := time.Now()
	out, _, err := s.runWithRetry(s.cfg.StorageCommand)
	if err != nil {
		if errors.Is(err, remote.ErrConnectionFailed) {
			return err
		}
		return led.Record(model.TestSDCard, false, connectionLost, elapsedSeconds(start))
	}
	detail := "lsblk output: " + truncate(out, 100)
	return led.Record(model.TestSDCard, strings.Contains(out, s.cfg.StorageMarker), detail, elapsedSeconds(start))
}

func (s *Sequencer) runCameraCheck(led *ledger.Ledger) error {
	start := time.Now()
	_, stderr, err := s.runWithRetry(s.cfg.CameraCommand)
	if err != nil {
		if errors.Is(err, remote.ErrConnectionFailed) {
			return err
		}
		return led.Record(model.TestCamera, false, connectionLost, elapsedSeconds(start))
	}
	pass := !strings.Contains(stderr, s.cfg.CameraFailureMarker)
	detail := "Camera OK"
	if stderr != "" {
		detail = truncate(stderr, 100)
	}
	return led.Record(model.TestCamera, pass, detail, elapsedSeconds(start))
}

// runWithRetry executes one remote command, reconnecting and retrying the
// command exactly once after a transport failure. A second transport
// failure is terminal for the command; a failed reconnect surfaces as
// remote.ErrConnectionFailed.
func (s *Sequencer) runWithRetry(command string) (string, string, error) {
	out, errOut, err := s.remote.Run(command)
	if err == nil || !remote.IsTransport(err) {
		return out, errOut, err
	}

	s.logger.Warn().Err(err).Str("command", command).Msg("Connection lost, reconnecting")
	if cerr := s.remote.Connect(); cerr != nil {
		return "", "", cerr
	}
	return s.remote.Run(command)
}

func (s *Sequencer) runInteractiveWithRetry(command string, enterCount int, enterDelay time.Duration) (string, error) {
	out, err := s.remote.RunInteractive(command, enterCount, enterDelay)
	if err == nil || !remote.IsTransport(err) {
		return out, err
	}

	s.logger.Warn().Err(err).Str("command", command).Msg("Connection lost, reconnecting")
	if cerr := s.remote.Connect(); cerr != nil {
		return "", cerr
	}
	return s.remote.RunInteractive(command, enterCount, enterDelay)
}

// failRemainingRemote records a failure for every selected remote-group
// test that has not produced a result yet.
func (s *Sequencer) failRemainingRemote(led *ledger.Ledger, sel model.Selection, reason string) {
	for _, id := range remoteChecks {
		if !sel[id] || led.Status(id) != model.StatusUnset {
			continue
		}
		if err := led.Record(id, false, reason, 0); err != nil {
			s.logger.Error().Err(err).Str("test", string(id)).Msg("Failed to record connection failure")
		}
	}
}

func elapsedSeconds(start time.Time) int {
	return int(time.Since(start).Seconds())
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
