package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.bug.st/serial"
)

func TestMatchesGateway(t *testing.T) {
	tests := []struct {
		name string
		line string
		want bool
	}{
		{"ready marker", `{"gateway":"apertus_ready"}`, true},
		{"relay with battery", `{"src":20,"rssi":-72,"payload":"{\"battery_voltage\":3.7}"}`, true},
		{"relay with gate state", `{"src":3,"payload":{"gate_state":"open"}}`, true},
		{"relay without known fields", `{"src":3,"payload":"hello"}`, false},
		{"not json", `booting...`, false},
		{"broken json", `{"src":3,"payload":"battery_voltage`, false},
		{"other gateway", `{"gateway":"something_else"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchesGateway(tt.line); got != tt.want {
				t.Errorf("MatchesGateway(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

func newTestDetector(ports map[string]*fakePort, order []string) *Detector {
	d := NewDetector(testLogger())
	d.listenFor = 200 * time.Millisecond
	d.candidates = func() []string { return order }
	d.opener = func(name string, _ *serial.Mode) (serial.Port, error) {
		p, ok := ports[name]
		if !ok {
			return nil, errors.New("busy")
		}
		return p, nil
	}
	return d
}

func TestDetectFindsGateway(t *testing.T) {
	ports := map[string]*fakePort{
		"/dev/ttyUSB0": {reads: []readResult{{data: "AT+OK\r\nmodem ready\n"}}},
		"/dev/ttyUSB1": {reads: []readResult{{data: "boot\n{\"gateway\":\"apertus_ready\"}\n"}}},
	}
	d := newTestDetector(ports, []string{"/dev/ttyACM9", "/dev/ttyUSB0", "/dev/ttyUSB1"})

	port, ok := d.Detect(context.Background())
	if !ok {
		t.Fatal("gateway not detected")
	}
	if port != "/dev/ttyUSB1" {
		t.Errorf("port = %q, want /dev/ttyUSB1", port)
	}
	if !ports["/dev/ttyUSB0"].IsClosed() || !ports["/dev/ttyUSB1"].IsClosed() {
		t.Error("ports listened on must be closed")
	}
}

func TestDetectNothing(t *testing.T) {
	d := newTestDetector(map[string]*fakePort{}, []string{"/dev/ttyUSB0"})
	if _, ok := d.Detect(context.Background()); ok {
		t.Fatal("expected no gateway")
	}
}

func TestEnvStoreRoundTrip(t *testing.T) {
	store := EnvStore{Path: filepath.Join(t.TempDir(), "etc", "apertus.env")}

	env, err := store.Load()
	if err != nil {
		t.Fatalf("Load missing: %v", err)
	}
	if len(env) != 0 {
		t.Errorf("missing file env = %v, want empty", env)
	}

	env[EnvSerial] = "/dev/serial/by-id/usb-Apertus Nano"
	env[EnvBaud] = "115200"
	if err := store.Save(env); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got[EnvSerial] != "/dev/serial/by-id/usb-Apertus Nano" {
		t.Errorf("serial = %q", got[EnvSerial])
	}
	info, err := os.Stat(store.Path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("mode = %v, want 0640", info.Mode().Perm())
	}
}

func TestRunDetectionWritesFoundPort(t *testing.T) {
	store := EnvStore{Path: filepath.Join(t.TempDir(), "apertus.env")}
	if err := store.Save(map[string]string{EnvMQTTHost: "broker.lan", EnvSerial: "/dev/does-not-exist"}); err != nil {
		t.Fatal(err)
	}
	ports := map[string]*fakePort{
		"/dev/ttyACM0": {reads: []readResult{{data: "{\"gateway\":\"apertus_ready\"}\n"}}},
	}
	d := newTestDetector(ports, []string{"/dev/ttyACM0"})

	res, err := RunDetection(context.Background(), d, store)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Found || !res.Written || res.Port != "/dev/ttyACM0" {
		t.Errorf("result = %+v", res)
	}

	env, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if env[EnvSerial] != "/dev/ttyACM0" {
		t.Errorf("serial = %q, want /dev/ttyACM0", env[EnvSerial])
	}
	if env[EnvMQTTHost] != "broker.lan" {
		t.Errorf("existing host overwritten: %q", env[EnvMQTTHost])
	}
	if env[EnvBaud] != "115200" || env[EnvMQTTPort] != "1883" {
		t.Errorf("defaults missing: %v", env)
	}
}

func TestRunDetectionKeepsPresentDevice(t *testing.T) {
	dir := t.TempDir()
	dev := filepath.Join(dir, "ttyUSB7")
	if err := os.WriteFile(dev, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	store := EnvStore{Path: filepath.Join(dir, "apertus.env")}
	if err := store.Save(map[string]string{EnvSerial: dev}); err != nil {
		t.Fatal(err)
	}
	d := newTestDetector(nil, nil)
	d.candidates = func() []string {
		t.Error("detector must not scan when the configured device exists")
		return nil
	}

	res, err := RunDetection(context.Background(), d, store)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Kept || res.Port != dev {
		t.Errorf("result = %+v", res)
	}
}

func TestRunDetectionWritesDefaultsWhenMissing(t *testing.T) {
	store := EnvStore{Path: filepath.Join(t.TempDir(), "apertus.env")}
	d := newTestDetector(map[string]*fakePort{}, []string{"/dev/ttyUSB0"})

	res, err := RunDetection(context.Background(), d, store)
	if err != nil {
		t.Fatal(err)
	}
	if res.Found {
		t.Error("nothing should be found")
	}
	env, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if env[EnvSerial] != DefaultDevice {
		t.Errorf("serial = %q, want %q", env[EnvSerial], DefaultDevice)
	}

	// A second run with the file present leaves it alone.
	res, err = RunDetection(context.Background(), d, store)
	if err != nil {
		t.Fatal(err)
	}
	if res.Written {
		t.Error("existing env file must not be rewritten when nothing is found")
	}
}
