// Package remote manages the SSH session to the device-under-test's
// embedded computer. It owns at most one live connection at a time and
// supports plain command execution, interactive commands driven by timed
// synthetic keystrokes, and reconnection gated on operator acknowledgment.
package remote

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/hwqc/hwqc/config"
)

// ErrConnectionFailed is returned by Connect after every attempt has been
// exhausted. It is fatal to the remote-check group but not to the session.
var ErrConnectionFailed = errors.New("connection failed after all attempts")

// TransportError reports a transport-level failure (socket error, EOF,
// timeout) during an operation. A non-zero remote exit status is never a
// TransportError.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failed during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a transport-level failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// AckFunc blocks until the operator acknowledges the prompt. Connect calls
// it before every retry so a device needing physical intervention (e.g. a
// power-cycle) is not hammered.
type AckFunc func(prompt string)

// DialFunc establishes the underlying SSH client connection.
type DialFunc func(network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)

// Session is the persistent remote-shell connection. It is driven by a
// single caller; connect, command, and reconnect calls never overlap.
type Session struct {
	logger zerolog.Logger
	cfg    config.Remote
	ack    AckFunc
	dial   DialFunc

	client *ssh.Client
	alive  bool
}

// Option configures a Session.
type Option func(*Session)

// WithDialFunc replaces the network dialer (used by tests).
func WithDialFunc(dial DialFunc) Option {
	return func(s *Session) {
		s.dial = dial
	}
}

// New creates a Session for the configured target. No connection is opened
// until Connect is called.
func New(logger zerolog.Logger, cfg config.Remote, ack AckFunc, opts ...Option) *Session {
	s := &Session{
		logger: logger,
		cfg:    cfg,
		ack:    ack,
		dial:   ssh.Dial,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect establishes the connection, retrying up to MaxAttempts. The first
// attempt starts immediately; each later attempt waits for operator
// acknowledgment. Any previously held connection is closed before dialing.
func (s *Session) Connect() error {
	s.closeClient()

	user, host, err := config.SplitTarget(s.cfg.Target)
	if err != nil {
		return err
	}

	clientCfg := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{ssh.Password(s.cfg.Password)},
		// The bench network is closed and targets are freshly imaged, so
		// host keys are not pinned.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.cfg.ConnectTimeout,
	}
	addr := fmt.Sprintf("%s:%d", host, s.cfg.Port)

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			s.ack("Press Enter to retry the SSH connection")
		}

		s.logger.Info().
			Str("target", s.cfg.Target).
			Int("attempt", attempt).
			Int("max_attempts", s.cfg.MaxAttempts).
			Msg("Connecting to remote target")

		client, err := s.dial("tcp", addr, clientCfg)
		if err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("SSH connection failed")
			continue
		}

		s.client = client
		s.alive = true
		s.logger.Info().Str("target", s.cfg.Target).Msg("SSH connection established")
		return nil
	}

	return ErrConnectionFailed
}

// Run executes a command in a fresh exec session and returns the captured
// stdout and stderr. A non-zero remote exit status is not an error; only
// transport failures are.
func (s *Session) Run(command string) (stdout, stderr string, err error) {
	if s.client == nil {
		s.alive = false
		return "", "", &TransportError{Op: "run", Err: errors.New("not connected")}
	}

	sess, err := s.client.NewSession()
	if err != nil {
		s.alive = false
		return "", "", &TransportError{Op: "run", Err: err}
	}
	defer sess.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	sess.Stdout = &stdoutBuf
	sess.Stderr = &stderrBuf

	s.logger.Debug().Str("command", command).Msg("Running remote command")

	if err := sess.Run(command); err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			s.alive = false
			return "", "", &TransportError{Op: "run", Err: err}
		}
		// Remote command exited non-zero; output is still meaningful.
		s.logger.Debug().Int("exit_status", exitErr.ExitStatus()).Msg("Remote command exited non-zero")
	}

	s.alive = true
	return stdoutBuf.String(), stderrBuf.String(), nil
}

// RunInteractive starts command in a pseudo-terminal shell, waits for it to
// settle, then sends enterCount blank-line keystrokes spaced by enterDelay.
// Whatever output has been buffered by then is returned and the shell is
// closed. Programs driven this way have no machine-readable completion
// signal; the operator confirms the observable effect separately.
func (s *Session) RunInteractive(command string, enterCount int, enterDelay time.Duration) (string, error) {
	if s.client == nil {
		s.alive = false
		return "", &TransportError{Op: "interactive", Err: errors.New("not connected")}
	}

	sess, err := s.client.NewSession()
	if err != nil {
		s.alive = false
		return "", &TransportError{Op: "interactive", Err: err}
	}
	defer sess.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm", 40, 80, modes); err != nil {
		s.alive = false
		return "", &TransportError{Op: "interactive", Err: err}
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		s.alive = false
		return "", &TransportError{Op: "interactive", Err: err}
	}
	stdoutPipe, err := sess.StdoutPipe()
	if err != nil {
		s.alive = false
		return "", &TransportError{Op: "interactive", Err: err}
	}

	if err := sess.Shell(); err != nil {
		s.alive = false
		return "", &TransportError{Op: "interactive", Err: err}
	}

	// Collect output as it arrives so the final drain never blocks on the
	// still-running remote program.
	var output drainBuffer
	go func() {
		_, _ = io.Copy(&output, stdoutPipe)
	}()

	s.logger.Debug().
		Str("command", command).
		Int("enters", enterCount).
		Dur("enter_delay", enterDelay).
		Msg("Running interactive remote command")

	// Let the shell come up before writing the command.
	time.Sleep(500 * time.Millisecond)
	if _, err := io.WriteString(stdin, command+"\n"); err != nil {
		s.alive = false
		return output.String(), &TransportError{Op: "interactive", Err: err}
	}

	// Settle delay before the first keystroke.
	time.Sleep(1 * time.Second)
	for i := 0; i < enterCount; i++ {
		if _, err := io.WriteString(stdin, "\n"); err != nil {
			s.alive = false
			return output.String(), &TransportError{Op: "interactive", Err: err}
		}
		time.Sleep(enterDelay)
	}

	s.alive = true
	return output.String(), nil
}

// Alive reports whether the transport saw no fatal error on the last
// operation.
func (s *Session) Alive() bool {
	return s.alive
}

// Close tears down the connection. Safe to call when not connected.
func (s *Session) Close() {
	s.closeClient()
}

func (s *Session) closeClient() {
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Error closing SSH connection")
	}
	s.client = nil
	s.alive = false
}

// drainBuffer is a bytes.Buffer safe for one writer and one reader.
type drainBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *drainBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *drainBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
