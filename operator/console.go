// Package operator is the console the harness talks to the human through:
// yes/no confirmations with response timing, press-Enter gates, device id
// entry, and the per-session test checklist.
package operator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"github.com/hwqc/hwqc/model"
	"github.com/hwqc/hwqc/sequencer"
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
	noteStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true)
)

// Console implements the operator prompts over a readline instance.
type Console struct {
	logger zerolog.Logger
	rl     *readline.Instance
}

// New opens the operator console.
func New(logger zerolog.Logger) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{logger: logger, rl: rl}, nil
}

// Close releases the terminal.
func (c *Console) Close() error {
	return c.rl.Close()
}

// Header prints a section banner.
func (c *Console) Header(text string) {
	line := strings.Repeat("=", 60)
	fmt.Fprintf(c.rl.Stdout(), "\n%s\n%s\n%s\n\n", line, headerStyle.Render(" "+text), line)
}

// Notify shows an instruction that needs no acknowledgment.
func (c *Console) Notify(message string) {
	fmt.Fprintln(c.rl.Stdout(), noteStyle.Render(message))
}

// Confirm asks a yes/no question and returns the answer plus the operator's
// response time in seconds. With allowStop, a "no" answer triggers the
// continue-testing sub-prompt; declining it yields AnswerStop.
func (c *Console) Confirm(prompt string, allowStop bool) (sequencer.Answer, int) {
	start := time.Now()
	for {
		line, err := c.readLine(prompt + " (y/n): ")
		if err != nil {
			// Losing the terminal mid-prompt is treated as the operator
			// walking away: abandon the attempt rather than guess.
			c.logger.Warn().Err(err).Msg("Prompt read failed")
			if allowStop {
				return sequencer.AnswerStop, int(time.Since(start).Seconds())
			}
			return sequencer.AnswerNo, int(time.Since(start).Seconds())
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return sequencer.AnswerYes, int(time.Since(start).Seconds())
		case "n", "no":
			if allowStop {
				cont, err := c.readLine(warnStyle.Render("Test failed.") + " Do you want to continue testing? (y/n): ")
				if err != nil || !isYes(cont) {
					return sequencer.AnswerStop, int(time.Since(start).Seconds())
				}
			}
			return sequencer.AnswerNo, int(time.Since(start).Seconds())
		default:
			fmt.Fprintln(c.rl.Stdout(), "Please enter 'y' for yes or 'n' for no.")
		}
	}
}

// PromptEnter blocks until the operator acknowledges.
func (c *Console) PromptEnter(prompt string) {
	_, _ = c.readLine(prompt + " Press Enter when ready: ")
}

// DeviceID prompts until the operator enters an integer.
func (c *Console) DeviceID() (int, error) {
	for {
		line, err := c.readLine("Enter device ID (integer): ")
		if err != nil {
			return 0, fmt.Errorf("failed to read device id: %w", err)
		}
		id, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			fmt.Fprintln(c.rl.Stdout(), "Invalid input. Please enter a number.")
			continue
		}
		fmt.Fprintf(c.rl.Stdout(), "Device ID = %d\n", id)
		return id, nil
	}
}

// SelectTests shows the catalog and reads the identifiers to skip. Any
// read failure falls back to running the full checklist.
func (c *Console) SelectTests() model.Selection {
	c.Header("Select Tests to Run")
	for _, id := range model.CatalogOrder {
		fmt.Fprintf(c.rl.Stdout(), "  %s: %s\n", id, model.TestName(id))
	}

	line, err := c.readLine("\nTests to skip (e.g. T01,T05,T10), or press Enter to run all: ")
	if err != nil {
		c.logger.Warn().Err(err).Msg("Test selection failed, running all tests")
		return model.AllTests()
	}
	return ParseSkipList(line)
}

// ParseSkipList derives the selection from a comma-separated list of test
// identifiers to exclude. Unknown identifiers are ignored.
func ParseSkipList(input string) model.Selection {
	sel := model.AllTests()
	for _, part := range strings.Split(input, ",") {
		id := model.TestID(strings.ToUpper(strings.TrimSpace(part)))
		if id == "" {
			continue
		}
		if _, ok := sel[id]; ok {
			sel[id] = false
		}
	}
	return sel
}

func (c *Console) readLine(prompt string) (string, error) {
	c.rl.SetPrompt(prompt)
	defer c.rl.SetPrompt("> ")
	return c.rl.Readline()
}

func isYes(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
