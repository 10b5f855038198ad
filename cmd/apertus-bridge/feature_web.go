//go:build !no_web

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"apertus-bridge/internal/bridge"
	"apertus-bridge/internal/store"
	"apertus-bridge/internal/web"
)

type webStopper struct {
	server *web.Server
	http   *http.Server
	logger *slog.Logger
}

func (w *webStopper) Stop() {
	if w.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.http.Shutdown(ctx); err != nil {
		w.logger.Error("http server shutdown", "err", err)
	}
	w.server.Stop()
}

func initWeb(b *bridge.Bridge, db store.Store, auto automationParts, cfg *Config, logger *slog.Logger) *webStopper {
	if !cfg.Web.Enabled {
		return &webStopper{}
	}

	opts := []web.ServerOption{
		web.WithStore(db),
		web.WithVersion(version),
	}
	if cfg.Web.APIKey != "" {
		opts = append(opts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		opts = append(opts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if auto.manager != nil {
		opts = append(opts, web.WithAutomation(auto.engine, auto.manager))
	}

	srv := web.NewServer(b, logger, opts...)
	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	return &webStopper{server: srv, http: httpServer, logger: logger}
}
