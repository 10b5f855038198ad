// Package gateway talks to the Apertus radio gateway over its serial line
// protocol: JSON records in, TO:<node>:<payload> commands out.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"apertus-bridge/internal/retry"
)

// ErrNotOpen is returned by WriteLine while the serial port is not open.
var ErrNotOpen = errors.New("serial port not open")

// ErrClosed is returned once the transport has been closed for good.
var ErrClosed = errors.New("transport closed")

const (
	DefaultBaud        = 115200
	DefaultOpenRetry   = 5 * time.Second
	DefaultFaultDelay  = 2 * time.Second
	DefaultReadTimeout = 1 * time.Second
)

// Opener opens a serial port. serial.Open in production, a fake in tests.
type Opener func(portName string, mode *serial.Mode) (serial.Port, error)

// Option configures a Transport.
type Option func(*Transport)

// WithOpener replaces serial.Open.
func WithOpener(o Opener) Option {
	return func(t *Transport) { t.opener = o }
}

// WithBackoff sets the policy between failed open attempts.
func WithBackoff(b retry.Backoff) Option {
	return func(t *Transport) { t.backoff = b }
}

// WithFaultDelay sets the pause after an I/O fault before reopening.
func WithFaultDelay(d time.Duration) Option {
	return func(t *Transport) { t.faultDelay = d }
}

// WithReadTimeout sets the per-read timeout applied to the port.
func WithReadTimeout(d time.Duration) Option {
	return func(t *Transport) { t.readTimeout = d }
}

// Transport owns the serial connection to the gateway. It reconnects
// transparently: readers only ever observe delayed delivery.
type Transport struct {
	portName    string
	mode        *serial.Mode
	opener      Opener
	backoff     retry.Backoff
	faultDelay  time.Duration
	readTimeout time.Duration
	logger      *slog.Logger
	state       *retry.Tracker

	// mu guards port and closed. The read loop and the command forwarder
	// run on different goroutines.
	mu      sync.Mutex
	port    serial.Port
	closed  bool
	writeMu sync.Mutex

	// Owned by the reading goroutine.
	lines lineBuffer
	chunk []byte
}

// NewTransport creates an unopened transport for the given device.
func NewTransport(portName string, baudRate int, logger *slog.Logger, opts ...Option) *Transport {
	if baudRate <= 0 {
		baudRate = DefaultBaud
	}
	logger = logger.With("component", "serial")
	t := &Transport{
		portName: portName,
		mode: &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		opener:      serial.Open,
		backoff:     retry.Fixed(DefaultOpenRetry),
		faultDelay:  DefaultFaultDelay,
		readTimeout: DefaultReadTimeout,
		logger:      logger,
		state:       retry.NewTracker("serial", logger),
		chunk:       make([]byte, 1024),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// PortName returns the configured device path.
func (t *Transport) PortName() string { return t.portName }

// State returns the connection state.
func (t *Transport) State() retry.State { return t.state.Get() }

// Open establishes the serial connection, retrying forever on the backoff
// interval. It only fails when ctx is done or the transport was closed.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.port != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.state.Set(retry.Connecting)
	for attempt := 1; ; attempt++ {
		port, err := t.opener(t.portName, t.mode)
		if err == nil {
			if err := port.SetReadTimeout(t.readTimeout); err != nil {
				t.logger.Warn("set read timeout", "port", t.portName, "err", err)
			}
			// USB CDC ACM: assert DTR/RTS so the gateway firmware starts talking.
			_ = port.SetDTR(true)
			_ = port.SetRTS(true)

			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				port.Close()
				t.state.Set(retry.Disconnected)
				return ErrClosed
			}
			t.port = port
			t.mu.Unlock()

			t.lines.Reset()
			t.state.Set(retry.Connected)
			t.logger.Info("opened serial port", "port", t.portName, "baud", t.mode.BaudRate, "attempts", attempt)
			return nil
		}

		delay := t.backoff.Delay(attempt)
		t.logger.Error("cannot open serial port", "port", t.portName, "attempt", attempt, "retry_in", delay, "err", err)
		if err := retry.Sleep(ctx, delay); err != nil {
			t.state.Set(retry.Disconnected)
			return err
		}
	}
}

// ReadLine returns the next line from the gateway, reopening the port as
// needed. Errors are only returned for ctx cancellation or after Close.
func (t *Transport) ReadLine(ctx context.Context) (string, error) {
	for {
		if line, ok := t.lines.Next(); ok {
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		port, err := t.current()
		if err != nil {
			return "", err
		}
		if port == nil {
			if err := t.Open(ctx); err != nil {
				return "", err
			}
			continue
		}

		n, err := port.Read(t.chunk)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if t.isClosed() {
				return "", ErrClosed
			}
			t.fault(port, err)
			if err := retry.Sleep(ctx, t.faultDelay); err != nil {
				return "", err
			}
			continue
		}
		if n == 0 {
			// Read timeout, nothing arrived.
			continue
		}
		if t.lines.Write(t.chunk[:n]) {
			t.logger.Debug("discarded over-long serial line", "limit", maxLineLength)
		}
	}
}

// Lines is the lazy, infinite and restartable sequence of gateway lines. It
// ends when ctx is done or the transport is closed.
func (t *Transport) Lines(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			line, err := t.ReadLine(ctx)
			if err != nil {
				return
			}
			if !yield(line) {
				return
			}
		}
	}
}

// WriteLine sends a command for nodeID to the gateway. Commands are
// best-effort: nothing is queued while the port is closed.
func (t *Transport) WriteLine(nodeID, payload string) error {
	line := FormatCommand(nodeID, payload)
	port, err := t.current()
	if err != nil {
		return err
	}
	if port == nil {
		t.logger.Warn("serial not open, cannot send", "line", strings.TrimSpace(line))
		return ErrNotOpen
	}

	t.writeMu.Lock()
	_, err = port.Write([]byte(line))
	t.writeMu.Unlock()
	if err != nil {
		t.logger.Error("failed writing to serial", "line", strings.TrimSpace(line), "err", err)
		return fmt.Errorf("serial write: %w", err)
	}
	t.logger.Info("wrote to serial", "line", strings.TrimSpace(line))
	return nil
}

// Close closes the port if open. The transport cannot be reopened.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	port := t.port
	t.port = nil
	t.mu.Unlock()

	t.state.Set(retry.Disconnected)
	if port == nil {
		return nil
	}
	return port.Close()
}

// FormatCommand renders the gateway's outbound line format.
func FormatCommand(nodeID, payload string) string {
	return "TO:" + nodeID + ":" + payload + "\n"
}

func (t *Transport) current() (serial.Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	return t.port, nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fault drops a broken port so the next read reopens it.
func (t *Transport) fault(port serial.Port, err error) {
	t.logger.Error("serial read error", "port", t.portName, "err", err)
	t.mu.Lock()
	if t.port == port {
		t.port = nil
	}
	t.mu.Unlock()
	_ = port.Close()
	t.lines.Reset()
	t.state.Set(retry.Disconnected)
}
