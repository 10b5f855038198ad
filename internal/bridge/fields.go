package bridge

// Entity describes how a telemetry field is surfaced through Home Assistant
// discovery.
type Entity struct {
	Component    string // sensor or binary_sensor
	Slug         string // discovery object id suffix: apertus_<id>_<slug>
	UniquePrefix string // unique id: <prefix>_<id>
	Name         string // appended to the node display name
	Unit         string
	DeviceClass  string
	PayloadOn    string
	PayloadOff   string
}

// Field maps one telemetry key to its dedicated topic and, for the fields
// worth a Home Assistant entity, to its discovery descriptor.
type Field struct {
	Key    string
	Topic  string
	Entity *Entity
}

// KnownFields is the single table driving both per-field publication and
// discovery. Order is publication order.
var KnownFields = []Field{
	{Key: "gate_state", Topic: "state"},
	{Key: "battery_voltage", Topic: "battery_voltage", Entity: &Entity{
		Component: "sensor", Slug: "battery", UniquePrefix: "apertus_batt",
		Name: "Battery", Unit: "V",
	}},
	{Key: "battery_pct", Topic: "battery_pct", Entity: &Entity{
		Component: "sensor", Slug: "battery_pct", UniquePrefix: "apertus_battpct",
		Name: "Battery %", Unit: "%",
	}},
	{Key: "solar_voltage", Topic: "solar_voltage", Entity: &Entity{
		Component: "sensor", Slug: "solar", UniquePrefix: "apertus_solar",
		Name: "Solar", Unit: "V",
	}},
	{Key: "charging", Topic: "charging"},
	{Key: "rssi", Topic: "rssi", Entity: &Entity{
		Component: "sensor", Slug: "rssi", UniquePrefix: "apertus_rssi",
		Name: "RSSI", Unit: "dBm",
	}},
	{Key: "radio_temp_c", Topic: "radio_temp_c", Entity: &Entity{
		Component: "sensor", Slug: "radio_temp", UniquePrefix: "apertus_radiotemp",
		Name: "Radio Temp", Unit: "°C",
	}},
	{Key: "uptime_s", Topic: "uptime_s"},
	{Key: "limit_open", Topic: "limit_open"},
	{Key: "limit_closed", Topic: "limit_closed"},
	{Key: "photoeye_blocked", Topic: "photoeye_blocked", Entity: &Entity{
		Component: "binary_sensor", Slug: "photo", UniquePrefix: "apertus_photo",
		Name: "Photoeye Blocked", DeviceClass: "safety", PayloadOn: "1", PayloadOff: "0",
	}},
	{Key: "free_exit", Topic: "free_exit"},
}

// Envelope and telemetry keys with special handling.
const (
	keySource   = "src"
	keyRSSI     = "rssi"
	keyPayload  = "payload"
	keyGateway  = "gateway"
	keyFallback = "raw"

	gatewayReady = "apertus_ready"
)
