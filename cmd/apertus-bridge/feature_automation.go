//go:build !no_automation

package main

import (
	"log/slog"

	"apertus-bridge/internal/automation"
)

func initAutomation(host automation.Host, cfg *Config, logger *slog.Logger) automationParts {
	mgr, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return automationParts{}
	}
	engine := automation.NewEngine(host, mgr, logger)
	engine.Start()
	return automationParts{engine: engine, manager: mgr}
}
