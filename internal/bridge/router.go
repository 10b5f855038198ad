package bridge

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// Router turns gateway lines into MQTT publications. It is driven by the
// serial read goroutine only.
type Router struct {
	base      string
	pub       Publisher
	known     *NodeSet
	announcer Announcer
	events    *EventBus
	logger    *slog.Logger
	now       func() time.Time
}

func NewRouter(base string, pub Publisher, known *NodeSet, announcer Announcer, events *EventBus, logger *slog.Logger) *Router {
	return &Router{
		base:      base,
		pub:       pub,
		known:     known,
		announcer: announcer,
		events:    events,
		logger:    logger.With("component", "router"),
		now:       time.Now,
	}
}

// Route handles one raw line and reports whether it was published as
// telemetry. Undecodable or unattributed lines are dropped.
func (r *Router) Route(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &env); err != nil || env == nil {
		r.logger.Debug("serial non-json", "line", line)
		return false
	}

	if isGatewayReady(env[keyGateway]) {
		r.logger.Info("gateway reported ready")
		r.events.Emit(Event{Type: EventGatewayReady, Time: r.now()})
		return false
	}

	rawSrc, ok := env[keySource]
	if !ok {
		r.logger.Debug("no src in serial record", "line", line)
		return false
	}
	nodeID, ok := nodeIDFromSource(rawSrc)
	if !ok {
		r.logger.Debug("no src in serial record", "line", line)
		return false
	}
	if !ValidNodeID(nodeID) {
		r.logger.Debug("src not usable as topic level", "src", nodeID)
		return false
	}

	payload := ClassifyPayload(env[keyPayload])
	telemetry := payload.Fields()
	if _, ok := telemetry[keyRSSI]; !ok {
		if raw, present := env[keyRSSI]; present {
			if v, ok := decodeValue(raw); ok {
				telemetry[keyRSSI] = v
			}
		}
	}
	if _, ok := telemetry[keySource]; !ok {
		telemetry[keySource] = nodeID
	}

	nodeTopic := r.base + "/" + nodeID
	r.pub.Publish(nodeTopic+"/telemetry", mustJSON(telemetry), false)

	for _, f := range KnownFields {
		v, ok := telemetry[f.Key]
		if !ok {
			continue
		}
		r.pub.Publish(nodeTopic+"/"+f.Topic, []byte(RenderValue(v)), false)
	}

	at := r.now()
	r.events.Emit(Event{
		Type:   EventTelemetry,
		NodeID: nodeID,
		Time:   at,
		Data:   TelemetryData{Fields: telemetry},
	})

	if r.known.Add(nodeID) {
		r.logger.Info("discovered new node, publishing discovery", "node", nodeID, "payload", payload.Kind)
		r.announcer.Announce(nodeID)
		r.events.Emit(Event{Type: EventNodeDiscovered, NodeID: nodeID, Time: at})
	}
	return true
}

func isGatewayReady(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var s string
	return json.Unmarshal(raw, &s) == nil && s == gatewayReady
}
