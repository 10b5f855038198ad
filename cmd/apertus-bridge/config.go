package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"apertus-bridge/internal/gateway"
)

type Config struct {
	EnvFile string `yaml:"env_file"`
	Serial  struct {
		Port        string        `yaml:"port"`
		Baud        int           `yaml:"baud"`
		OpenRetry   time.Duration `yaml:"open_retry"`
		FaultDelay  time.Duration `yaml:"fault_delay"`
		ReadTimeout time.Duration `yaml:"read_timeout"`
	} `yaml:"serial"`
	MQTT struct {
		Host            string        `yaml:"host"`
		Port            int           `yaml:"port"`
		Username        string        `yaml:"username"`
		Password        string        `yaml:"password"`
		ClientID        string        `yaml:"client_id"`
		QoS             byte          `yaml:"qos"`
		BaseTopic       string        `yaml:"base_topic"`
		DiscoveryPrefix string        `yaml:"discovery_prefix"`
		RetainDiscovery *bool         `yaml:"retain_discovery"`
		RetryInterval   time.Duration `yaml:"retry_interval"`
	} `yaml:"mqtt"`
	CommandQueue int `yaml:"command_queue"`
	Web          struct {
		Enabled        bool     `yaml:"enabled"`
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Serial.Port == "" {
		return errors.New("serial.port is required")
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud)
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port must be 1-65535, got %d", c.MQTT.Port)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0-2, got %d", c.MQTT.QoS)
	}
	if err := validTopicLevel("mqtt.base_topic", c.MQTT.BaseTopic); err != nil {
		return err
	}
	if err := validTopicLevel("mqtt.discovery_prefix", c.MQTT.DiscoveryPrefix); err != nil {
		return err
	}
	if c.CommandQueue <= 0 {
		return fmt.Errorf("command_queue must be positive, got %d", c.CommandQueue)
	}
	return nil
}

func validTopicLevel(key, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", key)
	}
	if strings.ContainsAny(v, "+#") {
		return fmt.Errorf("%s must not contain MQTT wildcards: %q", key, v)
	}
	return nil
}

// loadEnvFile reads the env file store.
var loadEnvFile = func(path string) (map[string]string, error) {
	return gateway.EnvStore{Path: path}.Load()
}

// loadConfig reads the YAML file, then overlays the env file store and the
// process environment. A missing YAML file leaves every value at its default.
// An unreadable env file is fatal only when env_file was set explicitly.
func loadConfig(path string, logger *slog.Logger) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	explicit := cfg.EnvFile != ""
	if !explicit {
		cfg.EnvFile = gateway.DefaultEnvPath
	}
	env, err := loadEnvFile(cfg.EnvFile)
	switch {
	case err == nil:
	case !explicit && errors.Is(err, fs.ErrPermission):
		logger.Warn("env file not readable, skipping", "path", cfg.EnvFile, "err", err)
		env = nil
	default:
		return nil, err
	}
	if err := applyEnv(&cfg, env); err != nil {
		return nil, fmt.Errorf("env file %s: %w", cfg.EnvFile, err)
	}
	if err := applyEnv(&cfg, processEnv()); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

var envKeys = []string{
	gateway.EnvSerial, gateway.EnvBaud,
	gateway.EnvMQTTHost, gateway.EnvMQTTPort, gateway.EnvMQTTUser, gateway.EnvMQTTPass,
	gateway.EnvMQTTBase, gateway.EnvDiscoveryPrefix,
}

func processEnv() map[string]string {
	env := make(map[string]string)
	for _, key := range envKeys {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return env
}

func applyEnv(cfg *Config, env map[string]string) error {
	for key, v := range env {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		switch key {
		case gateway.EnvSerial:
			cfg.Serial.Port = v
		case gateway.EnvBaud:
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.Serial.Baud = n
		case gateway.EnvMQTTHost:
			cfg.MQTT.Host = v
		case gateway.EnvMQTTPort:
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.MQTT.Port = n
		case gateway.EnvMQTTUser:
			cfg.MQTT.Username = v
		case gateway.EnvMQTTPass:
			cfg.MQTT.Password = v
		case gateway.EnvMQTTBase:
			cfg.MQTT.BaseTopic = v
		case gateway.EnvDiscoveryPrefix:
			cfg.MQTT.DiscoveryPrefix = v
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Serial.Port == "" {
		cfg.Serial.Port = gateway.DefaultDevice
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = gateway.DefaultBaud
	}
	if cfg.Serial.OpenRetry == 0 {
		cfg.Serial.OpenRetry = gateway.DefaultOpenRetry
	}
	if cfg.Serial.FaultDelay == 0 {
		cfg.Serial.FaultDelay = gateway.DefaultFaultDelay
	}
	if cfg.Serial.ReadTimeout == 0 {
		cfg.Serial.ReadTimeout = gateway.DefaultReadTimeout
	}
	if cfg.MQTT.Host == "" {
		cfg.MQTT.Host = "localhost"
	}
	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "apertus-bridge"
	}
	if cfg.MQTT.BaseTopic == "" {
		cfg.MQTT.BaseTopic = "apertus"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.MQTT.RetainDiscovery == nil {
		retain := true
		cfg.MQTT.RetainDiscovery = &retain
	}
	if cfg.MQTT.RetryInterval == 0 {
		cfg.MQTT.RetryInterval = 5 * time.Second
	}
	if cfg.CommandQueue == 0 {
		cfg.CommandQueue = 64
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8081"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "apertus.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
