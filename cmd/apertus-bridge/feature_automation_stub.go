//go:build no_automation

package main

import (
	"log/slog"

	"apertus-bridge/internal/automation"
)

func initAutomation(_ automation.Host, _ *Config, _ *slog.Logger) automationParts {
	return automationParts{}
}
