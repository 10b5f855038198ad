package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"apertus-bridge/internal/automation"
	"apertus-bridge/internal/bridge"
	"apertus-bridge/internal/gateway"
	"apertus-bridge/internal/mqtt"
	"apertus-bridge/internal/retry"
	"apertus-bridge/internal/store"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath, bootLogger)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("apertus-bridge starting", "version", version, "serial", cfg.Serial.Port, "broker", mqtt.BrokerURL(cfg.MQTT.Host, cfg.MQTT.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("bridge failed", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	events := bridge.NewEventBus(logger)
	unrecord := recordNodes(events, db, logger)
	defer unrecord()

	session := mqtt.NewSession(mqtt.Config{
		Broker:        mqtt.BrokerURL(cfg.MQTT.Host, cfg.MQTT.Port),
		ClientID:      cfg.MQTT.ClientID,
		Username:      cfg.MQTT.Username,
		Password:      cfg.MQTT.Password,
		QoS:           cfg.MQTT.QoS,
		StatusTopic:   bridge.AvailabilityTopic(cfg.MQTT.BaseTopic),
		RetryInterval: cfg.MQTT.RetryInterval,
	}, logger)

	transport := gateway.NewTransport(cfg.Serial.Port, cfg.Serial.Baud, logger,
		gateway.WithBackoff(retry.Fixed(cfg.Serial.OpenRetry)),
		gateway.WithFaultDelay(cfg.Serial.FaultDelay),
		gateway.WithReadTimeout(cfg.Serial.ReadTimeout),
	)

	b := bridge.New(bridge.Config{
		BaseTopic:       cfg.MQTT.BaseTopic,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		RetainDiscovery: *cfg.MQTT.RetainDiscovery,
		CommandQueue:    cfg.CommandQueue,
	}, transport, session, events, logger)

	// Both block until connected; only a shutdown signal interrupts them.
	if err := session.Connect(ctx); err != nil {
		return interrupted(err)
	}
	if err := transport.Open(ctx); err != nil {
		session.Close()
		return interrupted(err)
	}
	if err := b.Start(ctx); err != nil {
		session.Close()
		transport.Close()
		return err
	}

	auto := initAutomation(b, cfg, logger)
	webSrv := initWeb(b, db, auto, cfg, logger)

	<-ctx.Done()
	logger.Info("shutting down", "cause", context.Cause(ctx))

	webSrv.Stop()
	auto.Stop()
	b.Stop()
	return nil
}

// interrupted turns a cancellation during startup into a clean exit.
func interrupted(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// automationParts is what the optional automation subsystem hands to the
// web server.
type automationParts struct {
	engine  *automation.Engine
	manager *automation.Manager
}

func (a automationParts) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
