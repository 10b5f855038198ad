package store

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// RecordTelemetry creates or updates the node with its latest telemetry.
	RecordTelemetry(id string, fields map[string]any, at time.Time) error
	// RecordCommand notes the last command sent to an existing node.
	RecordCommand(id, payload string, at time.Time) error

	GetNode(id string) (*Node, error)
	ListNodes() ([]*Node, error)
	RenameNode(id, name string) error
	DeleteNode(id string) error

	Close() error
}

// rssiFromFields extracts a whole-dBm signal strength from telemetry.
func rssiFromFields(fields map[string]any) (int, bool) {
	var f float64
	switch v := fields["rssi"].(type) {
	case json.Number:
		parsed, err := strconv.ParseFloat(v.String(), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = v
	case int:
		return v, true
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	return int(math.Round(f)), true
}
