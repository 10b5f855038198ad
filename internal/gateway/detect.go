package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Keys of the shared env-file configuration store written by the detector
// and read by the bridge.
const (
	EnvSerial          = "APERTUS_SERIAL"
	EnvBaud            = "APERTUS_BAUD"
	EnvMQTTHost        = "APERTUS_MQTT_HOST"
	EnvMQTTPort        = "APERTUS_MQTT_PORT"
	EnvMQTTUser        = "APERTUS_MQTT_USER"
	EnvMQTTPass        = "APERTUS_MQTT_PASS"
	EnvMQTTBase        = "APERTUS_MQTT_BASE"
	EnvDiscoveryPrefix = "APERTUS_DISCOVERY_PREFIX"

	DefaultEnvPath = "/etc/apertus/apertus.env"
	DefaultDevice  = "/dev/ttyUSB0"
)

// ReadyMarker is the record the gateway prints after boot.
const ReadyMarker = "apertus_ready"

var candidateGlobs = []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/serial/by-id/*"}

// Detector scans serial devices for an Apertus gateway.
type Detector struct {
	opener      Opener
	listenFor   time.Duration
	readTimeout time.Duration
	logger      *slog.Logger
	candidates  func() []string
}

// NewDetector creates a detector with production defaults.
func NewDetector(logger *slog.Logger) *Detector {
	return &Detector{
		opener:      serial.Open,
		listenFor:   3 * time.Second,
		readTimeout: 500 * time.Millisecond,
		logger:      logger.With("component", "detect"),
		candidates:  defaultCandidates,
	}
}

// Detect listens on each candidate in turn and returns the first gateway found.
func (d *Detector) Detect(ctx context.Context) (string, bool) {
	for _, path := range d.candidates() {
		if ctx.Err() != nil {
			return "", false
		}
		if d.Listen(ctx, path) {
			d.logger.Info("found Apertus gateway", "port", path)
			return path, true
		}
	}
	return "", false
}

// Listen listens on path for a short while and reports whether the traffic
// looks like an Apertus gateway.
func (d *Detector) Listen(ctx context.Context, path string) bool {
	port, err := d.opener(path, &serial.Mode{BaudRate: DefaultBaud})
	if err != nil {
		d.logger.Debug("candidate open failed", "port", path, "err", err)
		return false
	}
	defer port.Close()
	_ = port.SetReadTimeout(d.readTimeout)

	var lines lineBuffer
	chunk := make([]byte, 512)
	deadline := time.Now().Add(d.listenFor)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		n, err := port.Read(chunk)
		if err != nil {
			d.logger.Debug("candidate read failed", "port", path, "err", err)
			return false
		}
		lines.Write(chunk[:n])
		for {
			line, ok := lines.Next()
			if !ok {
				break
			}
			if MatchesGateway(strings.TrimSpace(line)) {
				return true
			}
		}
	}
	return false
}

// MatchesGateway reports whether a line was produced by an Apertus gateway:
// either its ready marker or a relayed node record carrying gate telemetry.
func MatchesGateway(line string) bool {
	if strings.Contains(line, `"gateway"`) && strings.Contains(line, ReadyMarker) {
		return true
	}
	if !strings.HasPrefix(line, "{") || !strings.Contains(line, `"src"`) || !strings.Contains(line, `"payload"`) {
		return false
	}
	var rec struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal([]byte(line), &rec); err != nil || len(rec.Payload) == 0 {
		return false
	}
	p := string(rec.Payload)
	return strings.Contains(p, "battery_voltage") || strings.Contains(p, "gate_state")
}

func defaultCandidates() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if real, err := filepath.EvalSymlinks(p); err == nil {
			p = real
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	// USB ports first: the gateway is a USB CDC device.
	if ports, err := enumerator.GetDetailedPortsList(); err == nil {
		for _, p := range ports {
			if p.IsUSB {
				add(p.Name)
			}
		}
	}
	for _, g := range candidateGlobs {
		matches, _ := filepath.Glob(g)
		for _, m := range matches {
			add(m)
		}
	}
	return out
}

// EnvStore is the env-file configuration shared between the detector and
// the bridge.
type EnvStore struct {
	Path string
}

// Load reads the env file. A missing file yields an empty map.
func (s EnvStore) Load() (map[string]string, error) {
	env, err := godotenv.Read(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return env, nil
}

// Save atomically replaces the env file.
func (s EnvStore) Save(env map[string]string) error {
	content, err := godotenv.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("create env dir: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content+"\n"), 0o640); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("replace env file: %w", err)
	}
	return os.Chmod(s.Path, 0o640)
}

// Exists reports whether the env file is present.
func (s EnvStore) Exists() bool {
	_, err := os.Stat(s.Path)
	return err == nil
}

// DetectResult describes what RunDetection did.
type DetectResult struct {
	Port    string
	Found   bool
	Kept    bool // existing APERTUS_SERIAL still present, nothing scanned
	Written bool
}

// RunDetection keeps a still-valid configured device, otherwise scans for
// the gateway and records it in the env store together with defaults.
func RunDetection(ctx context.Context, d *Detector, store EnvStore) (DetectResult, error) {
	env, err := store.Load()
	if err != nil {
		return DetectResult{}, err
	}
	if current := env[EnvSerial]; current != "" {
		if _, err := os.Stat(current); err == nil {
			d.logger.Info("configured device present, leaving unchanged", "port", current)
			return DetectResult{Port: current, Found: true, Kept: true}, nil
		}
	}

	if port, ok := d.Detect(ctx); ok {
		env[EnvSerial] = port
		setDefaults(env)
		if err := store.Save(env); err != nil {
			return DetectResult{}, err
		}
		return DetectResult{Port: port, Found: true, Written: true}, nil
	}

	d.logger.Warn("Apertus gateway not found on candidate devices")
	if store.Exists() {
		return DetectResult{}, nil
	}
	if env[EnvSerial] == "" {
		env[EnvSerial] = DefaultDevice
	}
	setDefaults(env)
	if err := store.Save(env); err != nil {
		return DetectResult{}, err
	}
	return DetectResult{Port: env[EnvSerial], Written: true}, nil
}

func setDefaults(env map[string]string) {
	defaults := map[string]string{
		EnvBaud:     "115200",
		EnvMQTTHost: "localhost",
		EnvMQTTPort: "1883",
	}
	for k, v := range defaults {
		if _, ok := env[k]; !ok {
			env[k] = v
		}
	}
}
