package sequencer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hwqc/hwqc/config"
	"github.com/hwqc/hwqc/ledger"
	"github.com/hwqc/hwqc/model"
	"github.com/hwqc/hwqc/provision"
	"github.com/hwqc/hwqc/remote"
)

type fakeOperator struct {
	answers  []Answer
	confirms []string
	enters   []string
	notices  []string
}

func (f *fakeOperator) Confirm(prompt string, allowStop bool) (Answer, int) {
	f.confirms = append(f.confirms, prompt)
	if len(f.answers) == 0 {
		return AnswerYes, 1
	}
	ans := f.answers[0]
	f.answers = f.answers[1:]
	return ans, 1
}

func (f *fakeOperator) PromptEnter(prompt string) {
	f.enters = append(f.enters, prompt)
}

func (f *fakeOperator) Notify(message string) {
	f.notices = append(f.notices, message)
}

type fakeRemote struct {
	connects      int
	connectErr    func(call int) error
	runs          []string
	runFn         func(call int, cmd string) (string, string, error)
	interactives  []string
	interactiveFn func(call int, cmd string) (string, error)
}

func (f *fakeRemote) Connect() error {
	f.connects++
	if f.connectErr != nil {
		return f.connectErr(f.connects)
	}
	return nil
}

func (f *fakeRemote) Run(cmd string) (string, string, error) {
	f.runs = append(f.runs, cmd)
	if f.runFn != nil {
		return f.runFn(len(f.runs), cmd)
	}
	return "", "", nil
}

func (f *fakeRemote) RunInteractive(cmd string, enterCount int, enterDelay time.Duration) (string, error) {
	f.interactives = append(f.interactives, cmd)
	if f.interactiveFn != nil {
		return f.interactiveFn(len(f.interactives), cmd)
	}
	return "", nil
}

type fakeProvisioner struct {
	result  provision.Result
	calls   int
	onFlash func()
}

func (f *fakeProvisioner) Flash() provision.Result {
	f.calls++
	if f.onFlash != nil {
		f.onFlash()
	}
	return f.result
}

type fakeSink struct {
	appended []model.Attempt
	err      error
}

func (f *fakeSink) Append(attempt model.Attempt) error {
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, attempt)
	return nil
}

type fixture struct {
	seq  *Sequencer
	op   *fakeOperator
	rem  *fakeRemote
	prov *fakeProvisioner
	sink *fakeSink
}

func newFixture() *fixture {
	f := &fixture{
		op:   &fakeOperator{},
		rem:  &fakeRemote{},
		prov: &fakeProvisioner{result: provision.Result{OK: true, Detail: "All files uploaded successfully", DurationSeconds: 10}},
		sink: &fakeSink{},
	}
	f.seq = New(zerolog.Nop(), config.Default().Remote, f.op, f.rem, f.prov, f.sink)
	return f
}

func newLedger(t *testing.T, selection model.Selection) *ledger.Ledger {
	t.Helper()
	led, err := ledger.New(zerolog.Nop(), t.TempDir(), 7, selection)
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })
	return led
}

func selected(ids ...model.TestID) model.Selection {
	sel := model.Selection{}
	for _, id := range ids {
		sel[id] = true
	}
	return sel
}

func transportErr() error {
	return &remote.TransportError{Op: "run", Err: errors.New("broken pipe")}
}

func TestFirmwareFailureAbortsSession(t *testing.T) {
	f := newFixture()
	f.prov.result = provision.Result{OK: false, Detail: "Flash nuke failed", DurationSeconds: 61}
	sel := selected(model.TestFirmwareUpload)
	led := newLedger(t, sel)

	outcome, err := f.seq.Run(context.Background(), led, sel)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, outcome)

	snap := led.Snapshot()
	require.Equal(t, model.StatusFail, snap.Results[model.TestFirmwareUpload])
	require.Equal(t, "Flash nuke failed", snap.Details[model.TestFirmwareUpload])
	for _, id := range model.CatalogOrder[1:] {
		require.Equal(t, model.StatusSkipped, snap.Results[id])
	}
	require.Contains(t, snap.Notes, "Firmware upload failed")

	// No later group may have prompted or touched the remote.
	require.Empty(t, f.op.confirms)
	require.Zero(t, f.rem.connects)

	require.False(t, f.seq.Finalize(led))
	require.Len(t, f.sink.appended, 1)
}

func TestFirmwarePassContinues(t *testing.T) {
	f := newFixture()
	sel := selected(model.TestFirmwareUpload, model.TestCM5LED)
	led := newLedger(t, sel)

	outcome, err := f.seq.Run(context.Background(), led, sel)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, outcome)
	require.Equal(t, 1, f.prov.calls)
	require.Equal(t, model.StatusPass, led.Status(model.TestFirmwareUpload))
	require.Equal(t, model.StatusPass, led.Status(model.TestCM5LED))
}

func TestInterruptStopsAtGroupBoundary(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	// The interrupt arrives while the firmware group is running.
	f.prov.onFlash = cancel
	sel := selected(model.TestFirmwareUpload, model.TestCM5LED, model.TestSDCard)
	led := newLedger(t, sel)

	_, err := f.seq.Run(ctx, led, sel)
	require.ErrorIs(t, err, context.Canceled)

	// The in-flight group finished; nothing after it started.
	require.Equal(t, model.StatusPass, led.Status(model.TestFirmwareUpload))
	require.Equal(t, model.StatusUnset, led.Status(model.TestCM5LED))
	require.Equal(t, model.StatusUnset, led.Status(model.TestSDCard))
	require.Empty(t, f.op.confirms)
	require.Zero(t, f.rem.connects)
	require.Empty(t, f.sink.appended)
}

func TestInterruptBeforeRun(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sel := selected(model.TestFirmwareUpload)
	led := newLedger(t, sel)

	_, err := f.seq.Run(ctx, led, sel)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, f.prov.calls)
	require.Equal(t, model.StatusUnset, led.Status(model.TestFirmwareUpload))
}

func TestOperatorStopTriggersRestart(t *testing.T) {
	f := newFixture()
	f.op.answers = []Answer{AnswerStop}
	sel := selected(model.TestCM5LED)
	led := newLedger(t, sel)

	outcome, err := f.seq.Run(context.Background(), led, sel)
	require.NoError(t, err)
	require.Equal(t, OutcomeRestart, outcome)

	// Stop is never recorded as a failure and the ledger stays unrecorded.
	require.Equal(t, model.StatusUnset, led.Status(model.TestCM5LED))
	require.Empty(t, f.sink.appended)
}

func TestUIGroupDependency(t *testing.T) {
	f := newFixture()
	f.op.answers = []Answer{AnswerNo}
	sel := selected(model.TestUIAppears, model.TestButtonResponse)
	led := newLedger(t, sel)

	outcome, err := f.seq.Run(context.Background(), led, sel)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, outcome)

	require.Equal(t, model.StatusFail, led.Status(model.TestUIAppears))
	require.Equal(t, model.StatusSkippedDep, led.Status(model.TestButtonResponse))
	// Only the UI-appears prompt was asked.
	require.Len(t, f.op.confirms, 1)

	require.False(t, f.seq.Finalize(led))
}

func TestUIGroupRunsWhenPrerequisiteUnselected(t *testing.T) {
	f := newFixture()
	sel := selected(model.TestButtonResponse)
	led := newLedger(t, sel)

	outcome, err := f.seq.Run(context.Background(), led, sel)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, outcome)
	require.Equal(t, model.StatusPass, led.Status(model.TestButtonResponse))
}

func TestStorageMarkerDetection(t *testing.T) {
	f := newFixture()
	f.rem.runFn = func(call int, cmd string) (string, string, error) {
		return "mmcblk0 179:0\nsda1 8:1 14.9G part /media/usb\n", "", nil
	}
	sel := selected(model.TestSDCard)
	led := newLedger(t, sel)

	outcome, err := f.seq.Run(context.Background(), led, sel)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, outcome)
	require.Equal(t, model.StatusPass, led.Status(model.TestSDCard))
	require.Contains(t, led.Snapshot().Details[model.TestSDCard], "lsblk output:")
}

func TestUSBChecksShareOneInvocation(t *testing.T) {
	f := newFixture()
	cfg := config.Default().Remote
	f.rem.runFn = func(call int, cmd string) (string, string, error) {
		return cfg.MicroPythonMarker + "\n" + cfg.USBHubMarker + "\n", "", nil
	}
	sel := selected(model.TestUSBMicroPython, model.TestUSBHub, model.TestUSBMedia)
	led := newLedger(t, sel)

	outcome, err := f.seq.Run(context.Background(), led, sel)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, outcome)

	require.Equal(t, model.StatusPass, led.Status(model.TestUSBMicroPython))
	require.Equal(t, model.StatusPass, led.Status(model.TestUSBHub))
	require.Equal(t, model.StatusFail, led.Status(model.TestUSBMedia))
	require.Len(t, f.rem.runs, 1, "lsusb must run once for all three checks")
}

func TestTransportErrorRetriesExactlyOnce(t *testing.T) {
	f := newFixture()
	f.rem.runFn = func(call int, cmd string) (string, string, error) {
		if call == 1 {
			return "", "", transportErr()
		}
		return "sda1", "", nil
	}
	sel := selected(model.TestSDCard)
	led := newLedger(t, sel)

	outcome, err := f.seq.Run(context.Background(), led, sel)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, outcome)

	require.Equal(t, model.StatusPass, led.Status(model.TestSDCard))
	require.Len(t, f.rem.runs, 2)
	// Group-start connect plus the one reconnect.
	require.Equal(t, 2, f.rem.connects)
}

func TestSecondTransportErrorIsTerminal(t *testing.T) {
	f := newFixture()
	f.rem.runFn = func(call int, cmd string) (string, string, error) {
		return "", "", transportErr()
	}
	sel := selected(model.TestSDCard)
	led := newLedger(t, sel)

	outcome, err := f.seq.Run(context.Background(), led, sel)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, outcome)

	require.Equal(t, model.StatusFail, led.Status(model.TestSDCard))
	require.Equal(t, "connection lost", led.Snapshot().Details[model.TestSDCard])
	require.Len(t, f.rem.runs, 2, "no third attempt after the retry fails")
}

func TestConnectionFailureFailsWholeRemoteGroup(t *testing.T) {
	f := newFixture()
	f.rem.connectErr = func(call int) error { return remote.ErrConnectionFailed }
	sel := selected(model.TestUSBMicroPython, model.TestSDCard)
	led := newLedger(t, sel)

	outcome, err := f.seq.Run(context.Background(), led, sel)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, outcome)

	snap := led.Snapshot()
	require.Equal(t, model.StatusFail, snap.Results[model.TestUSBMicroPython])
	require.Equal(t, model.StatusFail, snap.Results[model.TestSDCard])
	require.Equal(t, "SSH connection failed", snap.Details[model.TestSDCard])
	require.Contains(t, snap.Notes, "SSH tests incomplete")
	require.Empty(t, f.rem.runs)
}

func TestReconnectFailureFailsRemainingRemoteTests(t *testing.T) {
	f := newFixture()
	f.rem.connectErr = func(call int) error {
		if call == 1 {
			return nil
		}
		return remote.ErrConnectionFailed
	}
	f.rem.runFn = func(call int, cmd string) (string, string, error) {
		return "", "", transportErr()
	}
	sel := selected(model.TestUSBMicroPython, model.TestSDCard)
	led := newLedger(t, sel)

	outcome, err := f.seq.Run(context.Background(), led, sel)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, outcome)

	snap := led.Snapshot()
	require.Equal(t, model.StatusFail, snap.Results[model.TestUSBMicroPython])
	require.Equal(t, model.StatusFail, snap.Results[model.TestSDCard])
	require.Contains(t, snap.Notes, "SSH tests incomplete")
	require.Len(t, f.rem.runs, 1, "lsusb is not retried once the reconnect fails")
}

func TestRGBLEDRemote(t *testing.T) {
	t.Run("visual confirmation decides", func(t *testing.T) {
		f := newFixture()
		f.rem.runFn = func(call int, cmd string) (string, string, error) {
			return "EXISTS", "", nil
		}
		f.op.answers = []Answer{AnswerYes}
		sel := selected(model.TestRGBLEDRemote)
		led := newLedger(t, sel)

		outcome, err := f.seq.Run(context.Background(), led, sel)
		require.NoError(t, err)
		require.Equal(t, OutcomeDone, outcome)

		require.Equal(t, model.StatusPass, led.Status(model.TestRGBLEDRemote))
		require.Len(t, f.rem.interactives, 1)
		require.Contains(t, f.rem.interactives[0], "python3")
	})

	t.Run("missing script fails without running", func(t *testing.T) {
		f := newFixture()
		f.rem.runFn = func(call int, cmd string) (string, string, error) {
			return "NOT_FOUND", "", nil
		}
		sel := selected(model.TestRGBLEDRemote)
		led := newLedger(t, sel)

		outcome, err := f.seq.Run(context.Background(), led, sel)
		require.NoError(t, err)
		require.Equal(t, OutcomeDone, outcome)

		require.Equal(t, model.StatusFail, led.Status(model.TestRGBLEDRemote))
		require.Equal(t, "Script not found", led.Snapshot().Details[model.TestRGBLEDRemote])
		require.Empty(t, f.rem.interactives)
	})
}

func TestCameraCheck(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   model.Status
	}{
		{"camera present", "preview window opened", model.StatusPass},
		{"no camera", "ERROR: *** no cameras available ***", model.StatusFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.rem.runFn = func(call int, cmd string) (string, string, error) {
				return "", tt.stderr, nil
			}
			sel := selected(model.TestCamera)
			led := newLedger(t, sel)

			_, err := f.seq.Run(context.Background(), led, sel)
			require.NoError(t, err)
			require.Equal(t, tt.want, led.Status(model.TestCamera))
		})
	}
}

func TestFinalizeAppendsReport(t *testing.T) {
	f := newFixture()
	sel := selected(model.TestCM5LED)
	led := newLedger(t, sel)

	_, err := f.seq.Run(context.Background(), led, sel)
	require.NoError(t, err)
	require.True(t, f.seq.Finalize(led))

	require.Len(t, f.sink.appended, 1)
	require.True(t, f.sink.appended[0].OverallPass)
}

func TestFinalizeNotesSinkFailure(t *testing.T) {
	f := newFixture()
	f.sink.err = errors.New("disk full")
	sel := selected(model.TestCM5LED)
	led := newLedger(t, sel)

	_, err := f.seq.Run(context.Background(), led, sel)
	require.NoError(t, err)
	require.True(t, f.seq.Finalize(led))
	require.Contains(t, led.Snapshot().Notes, "Report append failed")
}

func TestShutdown(t *testing.T) {
	t.Run("declined", func(t *testing.T) {
		f := newFixture()
		f.op.answers = []Answer{AnswerNo}
		f.seq.Shutdown()
		require.Zero(t, f.rem.connects)
	})

	t.Run("accepted", func(t *testing.T) {
		f := newFixture()
		f.op.answers = []Answer{AnswerYes}
		f.seq.Shutdown()
		require.Equal(t, 1, f.rem.connects)
		require.Len(t, f.rem.runs, 1)
		require.True(t, strings.Contains(f.rem.runs[0], "shutdown"))
	})
}
