package bridge

import "log/slog"

// Publisher is the publishing side of the broker session.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool)
	PublishQoS(topic string, payload []byte, qos byte, retain bool)
}

// Announcer announces a newly seen node.
type Announcer interface {
	Announce(nodeID string)
}

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/apertus_20_battery/config"
	Payload []byte
}

// haDevice is the "device" block shared by all entities of one node.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
}

type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadOpen       string   `json:"payload_open,omitempty"`
	PayloadClose      string   `json:"payload_close,omitempty"`
	PayloadStop       string   `json:"payload_stop,omitempty"`
	QoS               int      `json:"qos,omitempty"`
	Device            haDevice `json:"device"`
}

// Discovery publishes the retained Home Assistant descriptors for a node:
// the gate cover plus one entity per field in KnownFields that has one.
type Discovery struct {
	prefix string
	base   string
	retain bool
	pub    Publisher
	logger *slog.Logger
}

func NewDiscovery(prefix, base string, retain bool, pub Publisher, logger *slog.Logger) *Discovery {
	return &Discovery{
		prefix: prefix,
		base:   base,
		retain: retain,
		pub:    pub,
		logger: logger.With("component", "discovery"),
	}
}

// Announce publishes every descriptor for nodeID. Each publish is
// independent; failures surface only in the session log.
func (d *Discovery) Announce(nodeID string) {
	msgs := buildDiscovery(nodeID, d.prefix, d.base)
	for _, m := range msgs {
		d.pub.PublishQoS(m.Topic, m.Payload, 1, d.retain)
	}
	d.logger.Info("published discovery", "node", nodeID, "entities", len(msgs))
}

func nodeDisplayName(nodeID string) string { return "Apertus_" + nodeID }

func nodeIdentifier(nodeID string) string { return "apertus_" + nodeID }

// AvailabilityTopic is where the bridge publishes its online/offline state.
// It sits one level below base, where no <base>/<node>/<field> topic can land.
func AvailabilityTopic(base string) string { return base + "/status" }

// buildDiscovery generates the discovery messages for one node.
func buildDiscovery(nodeID, prefix, base string) []discoveryMsg {
	name := nodeDisplayName(nodeID)
	ident := nodeIdentifier(nodeID)
	dev := haDevice{Identifiers: []string{ident}, Name: name}
	nodeTopic := base + "/" + nodeID
	avail := AvailabilityTopic(base)

	msgs := []discoveryMsg{{
		Topic: prefix + "/cover/" + ident + "/config",
		Payload: mustJSON(haDiscovery{
			Name:              name,
			UniqueID:          "apertus_cover_" + nodeID,
			CommandTopic:      nodeTopic + "/cmd",
			StateTopic:        nodeTopic + "/state",
			AvailabilityTopic: avail,
			PayloadOpen:       "OPEN",
			PayloadClose:      "CLOSE",
			PayloadStop:       "STOP",
			QoS:               1,
			Device:            dev,
		}),
	}}

	for _, f := range KnownFields {
		e := f.Entity
		if e == nil {
			continue
		}
		msgs = append(msgs, discoveryMsg{
			Topic: prefix + "/" + e.Component + "/" + ident + "_" + e.Slug + "/config",
			Payload: mustJSON(haDiscovery{
				Name:              name + " " + e.Name,
				UniqueID:          e.UniquePrefix + "_" + nodeID,
				StateTopic:        nodeTopic + "/" + f.Topic,
				AvailabilityTopic: avail,
				UnitOfMeasurement: e.Unit,
				DeviceClass:       e.DeviceClass,
				PayloadOn:         e.PayloadOn,
				PayloadOff:        e.PayloadOff,
				Device:            dev,
			}),
		})
	}
	return msgs
}
