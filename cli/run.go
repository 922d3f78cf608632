package cli

// This file contains the interactive QC session loop: test selection,
// device id entry, one sequencer attempt per device, report persistence,
// and restart/interrupt handling.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"

	"github.com/hwqc/hwqc/config"
	"github.com/hwqc/hwqc/ledger"
	"github.com/hwqc/hwqc/operator"
	"github.com/hwqc/hwqc/provision"
	"github.com/hwqc/hwqc/remote"
	"github.com/hwqc/hwqc/report"
	"github.com/hwqc/hwqc/sequencer"
)

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func (a *App) run(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	console, err := operator.New(a.logger)
	if err != nil {
		return err
	}
	defer console.Close()

	session := remote.New(a.logger, cfg.Remote, console.PromptEnter)
	defer session.Close()

	flasher := provision.New(sigCtx, a.logger, cfg.Firmware)
	sink := report.New(a.logger, cfg.Report)
	seq := sequencer.New(a.logger, cfg.Remote, console, session, flasher, sink)

	for {
		console.Header("Hardware Testing Program")
		console.Notify("This program walks you through testing one hardware unit.")
		console.Notify("Follow all instructions carefully. Press Ctrl+C to quit at any time.")

		selection := console.SelectTests()
		deviceID, err := console.DeviceID()
		if err != nil {
			return err
		}

		led, err := ledger.New(a.logger, cfg.LogsDir, deviceID, selection)
		if err != nil {
			return err
		}

		outcome, err := seq.Run(sigCtx, led, selection)

		// Interrupt handling stays on this goroutine: the ledger and the
		// session are single-caller types, so the partial record is only
		// annotated and persisted once the sequencer has returned.
		if sigCtx.Err() != nil {
			a.logger.Warn().Msg("Interrupt received, aborting attempt")
			session.Close()
			led.AppendNote("Test interrupted")
			if cerr := led.Close(); cerr != nil {
				a.logger.Warn().Err(cerr).Msg("Failed to close attempt log")
			}
			led.Finalize()
			if aerr := sink.Append(led.Snapshot()); aerr != nil {
				a.logger.Error().Err(aerr).Msg("Failed to persist interrupted attempt")
			}
			return errors.New("test interrupted")
		}
		if err != nil {
			a.logger.Error().Err(err).Msg("Attempt failed")
			led.AppendNote(fmt.Sprintf("Error: %v", err))
		}

		if outcome == sequencer.OutcomeRestart {
			// The attempt is abandoned: the ledger is discarded unrecorded
			// and selection starts over.
			led.Close()
			console.Notify("Restarting: previous attempt discarded.")
			continue
		}

		overall := seq.Finalize(led)

		console.Header("Testing Complete")
		console.Notify(fmt.Sprintf("Device ID: %d", deviceID))
		verdict := failStyle.Render("FAIL")
		if overall {
			verdict = passStyle.Render("PASS")
		}
		console.Notify("Overall Result: " + verdict)
		console.Notify("Attempt log: " + led.Dir())

		seq.Shutdown()

		if err := led.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close attempt log")
		}

		ans, _ := console.Confirm("Do you want to test another device?", false)
		if ans != sequencer.AnswerYes {
			return nil
		}
	}
}
