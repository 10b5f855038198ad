//go:build no_web

package main

import (
	"log/slog"

	"apertus-bridge/internal/bridge"
	"apertus-bridge/internal/store"
)

type webStopper struct{}

func (w *webStopper) Stop() {}

func initWeb(_ *bridge.Bridge, _ store.Store, _ automationParts, cfg *Config, logger *slog.Logger) *webStopper {
	if cfg.Web.Enabled {
		logger.Warn("web.enabled is set but this build has no web server")
	}
	return &webStopper{}
}
