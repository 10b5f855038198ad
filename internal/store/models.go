package store

import "time"

// Node is what the bridge remembers about one radio node.
type Node struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
	Messages  uint64         `json:"messages"`
	RSSI      *int           `json:"rssi,omitempty"`
	Telemetry map[string]any `json:"telemetry,omitempty"`

	LastCommand   string    `json:"last_command,omitempty"`
	LastCommandAt time.Time `json:"last_command_at,omitempty"`
}
