package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"apertus-bridge/internal/gateway"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// clearEnv blanks the APERTUS_* variables for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "env_file: "+filepath.Join(dir, "missing.env")+"\n")

	cfg, err := loadConfig(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"serial port", cfg.Serial.Port, "/dev/ttyUSB0"},
		{"baud", cfg.Serial.Baud, 115200},
		{"open retry", cfg.Serial.OpenRetry, 5 * time.Second},
		{"fault delay", cfg.Serial.FaultDelay, 2 * time.Second},
		{"read timeout", cfg.Serial.ReadTimeout, time.Second},
		{"mqtt host", cfg.MQTT.Host, "localhost"},
		{"mqtt port", cfg.MQTT.Port, 1883},
		{"client id", cfg.MQTT.ClientID, "apertus-bridge"},
		{"base topic", cfg.MQTT.BaseTopic, "apertus"},
		{"discovery prefix", cfg.MQTT.DiscoveryPrefix, "homeassistant"},
		{"retain discovery", *cfg.MQTT.RetainDiscovery, true},
		{"mqtt retry", cfg.MQTT.RetryInterval, 5 * time.Second},
		{"command queue", cfg.CommandQueue, 64},
		{"web enabled", cfg.Web.Enabled, false},
		{"web listen", cfg.Web.Listen, "127.0.0.1:8081"},
		{"store path", cfg.Store.Path, "apertus.db"},
		{"scripts dir", cfg.ScriptsDir, "scripts"},
		{"log level", cfg.Log.Level, "info"},
		{"log format", cfg.Log.Format, "text"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := os.Stat(gateway.DefaultEnvPath); err == nil {
		t.Skip("host has a real env file at " + gateway.DefaultEnvPath)
	}
	clearEnv(t)

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), testLogger())
	if err != nil {
		t.Fatalf("missing config file should not fail: %v", err)
	}
	if cfg.Serial.Port != gateway.DefaultDevice || cfg.EnvFile != gateway.DefaultEnvPath {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
env_file: `+filepath.Join(dir, "missing.env")+`
serial:
  port: /dev/ttyACM0
  baud: 57600
  open_retry: 10s
mqtt:
  host: broker.lan
  qos: 1
  retain_discovery: false
web:
  enabled: true
  listen: 0.0.0.0:9000
log:
  level: debug
  format: json
`)

	cfg, err := loadConfig(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Serial.Port != "/dev/ttyACM0" || cfg.Serial.Baud != 57600 || cfg.Serial.OpenRetry != 10*time.Second {
		t.Errorf("serial = %+v", cfg.Serial)
	}
	if cfg.MQTT.Host != "broker.lan" || cfg.MQTT.QoS != 1 || *cfg.MQTT.RetainDiscovery {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if !cfg.Web.Enabled || cfg.Web.Listen != "0.0.0.0:9000" {
		t.Errorf("web = %+v", cfg.Web)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestLoadConfigEnvOverlay(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envPath := writeFile(t, dir, "apertus.env", strings.Join([]string{
		"APERTUS_SERIAL=/dev/ttyUSB3",
		"APERTUS_BAUD=9600",
		"APERTUS_MQTT_HOST=10.0.0.5",
		"APERTUS_MQTT_PORT=8883",
		"APERTUS_MQTT_USER=bridge",
		"APERTUS_MQTT_PASS=s3cret",
		"APERTUS_MQTT_BASE=gates",
		"APERTUS_DISCOVERY_PREFIX=ha",
	}, "\n")+"\n")
	path := writeFile(t, dir, "config.yaml", "env_file: "+envPath+"\nserial:\n  port: /dev/ttyACM0\nmqtt:\n  host: yaml-host\n")

	t.Setenv(gateway.EnvMQTTHost, "env-host")

	cfg, err := loadConfig(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Serial.Port != "/dev/ttyUSB3" {
		t.Errorf("env file should override yaml port, got %q", cfg.Serial.Port)
	}
	if cfg.Serial.Baud != 9600 || cfg.MQTT.Port != 8883 {
		t.Errorf("baud/port = %d/%d", cfg.Serial.Baud, cfg.MQTT.Port)
	}
	if cfg.MQTT.Host != "env-host" {
		t.Errorf("process env should win, host = %q", cfg.MQTT.Host)
	}
	if cfg.MQTT.Username != "bridge" || cfg.MQTT.Password != "s3cret" {
		t.Errorf("credentials = %q/%q", cfg.MQTT.Username, cfg.MQTT.Password)
	}
	if cfg.MQTT.BaseTopic != "gates" || cfg.MQTT.DiscoveryPrefix != "ha" {
		t.Errorf("topics = %q/%q", cfg.MQTT.BaseTopic, cfg.MQTT.DiscoveryPrefix)
	}
}

func TestLoadConfigBadEnvNumber(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envPath := writeFile(t, dir, "apertus.env", "APERTUS_BAUD=fast\n")
	path := writeFile(t, dir, "config.yaml", "env_file: "+envPath+"\n")

	if _, err := loadConfig(path, testLogger()); err == nil || !strings.Contains(err.Error(), "APERTUS_BAUD") {
		t.Errorf("err = %v, want APERTUS_BAUD parse error", err)
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "config.yaml", "serial: [\n")
	if _, err := loadConfig(path, testLogger()); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"no port", func(c *Config) { c.Serial.Port = "" }, "serial.port"},
		{"negative baud", func(c *Config) { c.Serial.Baud = -1 }, "serial.baud"},
		{"mqtt port range", func(c *Config) { c.MQTT.Port = 70000 }, "mqtt.port"},
		{"qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"wildcard base", func(c *Config) { c.MQTT.BaseTopic = "apertus/#" }, "mqtt.base_topic"},
		{"plus prefix", func(c *Config) { c.MQTT.DiscoveryPrefix = "home+" }, "mqtt.discovery_prefix"},
		{"empty base", func(c *Config) { c.MQTT.BaseTopic = "" }, "mqtt.base_topic"},
		{"queue", func(c *Config) { c.CommandQueue = -5 }, "command_queue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			applyDefaults(&cfg)
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

// withEnvFileError makes every env file read fail with err.
func withEnvFileError(t *testing.T, err error) {
	t.Helper()
	orig := loadEnvFile
	loadEnvFile = func(path string) (map[string]string, error) {
		return nil, fmt.Errorf("read env file: %w", &fs.PathError{Op: "open", Path: path, Err: err})
	}
	t.Cleanup(func() { loadEnvFile = orig })
}

func TestLoadConfigUnreadableDefaultEnvFile(t *testing.T) {
	clearEnv(t)
	withEnvFileError(t, fs.ErrPermission)
	t.Setenv(gateway.EnvSerial, "/dev/ttyACM1")

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), testLogger())
	if err != nil {
		t.Fatalf("unreadable default env file should be skipped: %v", err)
	}
	if cfg.Serial.Port != "/dev/ttyACM1" {
		t.Errorf("process env not applied, port = %q", cfg.Serial.Port)
	}
}

func TestLoadConfigEnvFileErrors(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		err      error
		wantFail bool
	}{
		{"explicit path denied", "env_file: /etc/apertus/custom.env\n", fs.ErrPermission, true},
		{"default path other error", "", errors.New("input/output error"), true},
		{"default path denied", "", fs.ErrPermission, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			withEnvFileError(t, tt.err)
			path := writeFile(t, t.TempDir(), "config.yaml", tt.yaml)

			_, err := loadConfig(path, testLogger())
			if gotFail := err != nil; gotFail != tt.wantFail {
				t.Errorf("err = %v, want failure %v", err, tt.wantFail)
			}
		})
	}
}
