// Package retry holds the connection state machine and backoff policies shared
// by the serial transport and the MQTT session.
package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a reconnecting connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Backoff returns how long to wait before the given attempt (1-based) is retried.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same interval between every attempt.
type Fixed time.Duration

func (f Fixed) Delay(int) time.Duration { return time.Duration(f) }

// BackoffFunc adapts a plain function to Backoff.
type BackoffFunc func(attempt int) time.Duration

func (f BackoffFunc) Delay(attempt int) time.Duration { return f(attempt) }

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tracker records the current State of one connection.
type Tracker struct {
	mu     sync.RWMutex
	state  State
	name   string
	logger *slog.Logger
}

// NewTracker creates a tracker starting in Disconnected.
func NewTracker(name string, logger *slog.Logger) *Tracker {
	return &Tracker{name: name, logger: logger}
}

// Set moves to s and returns the previous state.
func (t *Tracker) Set(s State) State {
	t.mu.Lock()
	prev := t.state
	t.state = s
	t.mu.Unlock()
	if prev != s && t.logger != nil {
		t.logger.Debug("connection state", "conn", t.name, "from", prev, "to", s)
	}
	return prev
}

// Get returns the current state.
func (t *Tracker) Get() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}
