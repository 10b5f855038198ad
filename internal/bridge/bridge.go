// Package bridge routes Apertus gateway telemetry to MQTT and MQTT commands
// back to the gateway.
package bridge

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"apertus-bridge/internal/retry"
)

// LineSource is the gateway side: lines in, command lines out.
type LineSource interface {
	LineWriter
	Lines(ctx context.Context) iter.Seq[string]
	PortName() string
	State() retry.State
	Close() error
}

// Broker is the MQTT side.
type Broker interface {
	Publisher
	Subscribe(pattern string, handler func(topic string, payload []byte)) error
	State() retry.State
	Close()
}

// Config holds bridge settings.
type Config struct {
	BaseTopic       string
	DiscoveryPrefix string
	RetainDiscovery bool
	CommandQueue    int
}

// Lifecycle states.
const (
	StateIdle         = "idle"
	StateRunning      = "running"
	StateShuttingDown = "shutting_down"
)

// Status is a point-in-time snapshot of the bridge.
type Status struct {
	State       string    `json:"state"`
	SerialPort  string    `json:"serial_port"`
	SerialState string    `json:"serial_state"`
	BrokerState string    `json:"broker_state"`
	BaseTopic   string    `json:"base_topic"`
	Nodes       int       `json:"nodes"`
	Lines       uint64    `json:"lines"`
	Published   uint64    `json:"telemetry_published"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

// Bridge wires the gateway transport, the broker session, the router and
// the command forwarder together and runs them.
type Bridge struct {
	cfg       Config
	transport LineSource
	broker    Broker
	known     *NodeSet
	events    *EventBus
	router    *Router
	forwarder *Forwarder
	logger    *slog.Logger

	lines     atomic.Uint64
	published atomic.Uint64

	mu        sync.Mutex
	state     string
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a bridge. events may be shared with other subsystems.
func New(cfg Config, transport LineSource, broker Broker, events *EventBus, logger *slog.Logger) *Bridge {
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "apertus"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if events == nil {
		events = NewEventBus(logger)
	}
	known := NewNodeSet()
	discovery := NewDiscovery(cfg.DiscoveryPrefix, cfg.BaseTopic, cfg.RetainDiscovery, broker, logger)

	return &Bridge{
		cfg:       cfg,
		transport: transport,
		broker:    broker,
		known:     known,
		events:    events,
		router:    NewRouter(cfg.BaseTopic, broker, known, discovery, events, logger),
		forwarder: NewForwarder(cfg.BaseTopic, transport, cfg.CommandQueue, events, logger),
		logger:    logger.With("component", "bridge"),
		state:     StateIdle,
	}
}

// Events returns the bridge event bus.
func (b *Bridge) Events() *EventBus { return b.events }

// Nodes returns the ids of nodes seen since start, in discovery order.
func (b *Bridge) Nodes() []string { return b.known.List() }

// SendCommand queues a command for nodeID on behalf of source.
func (b *Bridge) SendCommand(nodeID, payload, source string) error {
	return b.forwarder.Send(nodeID, payload, source)
}

// Start subscribes to the command topic and starts the read loop and the
// command forwarder. It returns immediately.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateIdle {
		return errors.New("bridge already started")
	}

	topic := b.forwarder.CommandTopic()
	if err := b.broker.Subscribe(topic, b.forwarder.HandleMessage); err != nil {
		// The subscription is restored on the next reconnect.
		b.logger.Warn("subscribe failed", "topic", topic, "err", err)
	}

	ctx, b.cancel = context.WithCancel(ctx)
	b.state = StateRunning
	b.startedAt = time.Now()

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.readLoop(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.forwarder.Run(ctx)
	}()

	b.logger.Info("bridge started", "serial", b.transport.PortName(), "base", b.cfg.BaseTopic, "commands", topic)
	return nil
}

func (b *Bridge) readLoop(ctx context.Context) {
	for line := range b.transport.Lines(ctx) {
		b.lines.Add(1)
		b.logger.Debug("serial <<<", "line", line)
		if b.router.Route(line) {
			b.published.Add(1)
		}
	}
}

// Stop shuts the bridge down: the loops are stopped, the broker session is
// closed, then the serial port. Safe to call more than once.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.state != StateRunning {
		b.mu.Unlock()
		return
	}
	b.state = StateShuttingDown
	cancel := b.cancel
	b.mu.Unlock()

	b.logger.Info("shutting down")
	cancel()
	b.wg.Wait()

	b.broker.Close()
	if err := b.transport.Close(); err != nil {
		b.logger.Warn("close serial port", "err", err)
	}
	b.logger.Info("bridge stopped")
}

// Status returns a snapshot for the status API.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	state, started := b.state, b.startedAt
	b.mu.Unlock()

	return Status{
		State:       state,
		SerialPort:  b.transport.PortName(),
		SerialState: b.transport.State().String(),
		BrokerState: b.broker.State().String(),
		BaseTopic:   b.cfg.BaseTopic,
		Nodes:       b.known.Len(),
		Lines:       b.lines.Load(),
		Published:   b.published.Load(),
		StartedAt:   started,
	}
}
