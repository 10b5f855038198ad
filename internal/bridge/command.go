package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrQueueFull is returned when the command mailbox cannot take more.
	ErrQueueFull = errors.New("command queue full")
	// ErrInvalidNode is returned for node ids that cannot be addressed.
	ErrInvalidNode = errors.New("invalid node id")
)

// DefaultCommandQueue is the mailbox capacity.
const DefaultCommandQueue = 64

// Command sources.
const (
	SourceMQTT       = "mqtt"
	SourceAPI        = "api"
	SourceAutomation = "automation"
)

// LineWriter sends one command line to the gateway.
type LineWriter interface {
	WriteLine(nodeID, payload string) error
}

// Command is an outbound command for one node. The payload is opaque.
type Command struct {
	NodeID  string
	Payload string
	Source  string
}

// Forwarder moves commands from producers (broker callback, web API,
// scripts) to the gateway through a bounded mailbox consumed by Run, so
// producers never block and commands reach the serial line in arrival
// order.
type Forwarder struct {
	base    string
	out     LineWriter
	mailbox chan Command
	events  *EventBus
	logger  *slog.Logger
}

func NewForwarder(base string, out LineWriter, queueSize int, events *EventBus, logger *slog.Logger) *Forwarder {
	if queueSize <= 0 {
		queueSize = DefaultCommandQueue
	}
	return &Forwarder{
		base:    base,
		out:     out,
		mailbox: make(chan Command, queueSize),
		events:  events,
		logger:  logger.With("component", "commands"),
	}
}

// CommandTopic is the wildcard subscription covering every node.
func (f *Forwarder) CommandTopic() string { return f.base + "/+/cmd" }

// HandleMessage is the broker callback for CommandTopic.
func (f *Forwarder) HandleMessage(topic string, payload []byte) {
	nodeID, ok := ParseCommandTopic(f.base, topic)
	if !ok {
		f.logger.Debug("ignoring message on unexpected topic", "topic", topic)
		return
	}
	if err := f.enqueue(Command{NodeID: nodeID, Payload: string(payload), Source: SourceMQTT}); err != nil {
		f.logger.Warn("dropping command", "node", nodeID, "err", err)
	}
}

// Send queues a command from a non-broker producer.
func (f *Forwarder) Send(nodeID, payload, source string) error {
	if !ValidNodeID(nodeID) {
		return fmt.Errorf("%w: %q", ErrInvalidNode, nodeID)
	}
	return f.enqueue(Command{NodeID: nodeID, Payload: payload, Source: source})
}

func (f *Forwarder) enqueue(cmd Command) error {
	select {
	case f.mailbox <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run writes queued commands to the gateway until ctx is done.
func (f *Forwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-f.mailbox:
			f.forward(cmd)
		}
	}
}

func (f *Forwarder) forward(cmd Command) {
	data := CommandData{Payload: cmd.Payload, Source: cmd.Source}
	if err := f.out.WriteLine(cmd.NodeID, cmd.Payload); err != nil {
		// The transport already logged it; commands are best-effort.
		data.Error = err.Error()
	}
	f.events.Emit(Event{Type: EventCommand, NodeID: cmd.NodeID, Data: data})
}

// ParseCommandTopic extracts the node id from <base>/<nodeId>/cmd.
func ParseCommandTopic(base, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, base+"/")
	if !ok {
		return "", false
	}
	nodeID, ok := strings.CutSuffix(rest, "/cmd")
	if !ok || nodeID == "" || strings.Contains(nodeID, "/") {
		return "", false
	}
	return nodeID, true
}
