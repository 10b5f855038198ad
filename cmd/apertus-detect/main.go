// Command apertus-detect finds the serial device of an Apertus gateway and
// records it in the env file read by apertus-bridge.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"apertus-bridge/internal/gateway"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	envPath := gateway.DefaultEnvPath
	if len(os.Args) > 1 {
		envPath = os.Args[1]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("scanning serial devices", "env_file", envPath)
	res, err := gateway.RunDetection(ctx, gateway.NewDetector(logger), gateway.EnvStore{Path: envPath})
	if err != nil {
		logger.Error("detection failed", "err", err)
		os.Exit(1)
	}

	switch {
	case res.Kept:
		logger.Info("configured device present, leaving unchanged", "port", res.Port)
	case res.Found:
		logger.Info("gateway recorded", "port", res.Port, "env_file", envPath)
	case res.Written:
		logger.Warn("gateway not found, wrote defaults; edit if the gateway uses a different device", "env_file", envPath, "port", res.Port)
	default:
		logger.Warn("gateway not found, env file left unchanged", "env_file", envPath)
	}

	if !res.Found {
		os.Exit(1)
	}
}
