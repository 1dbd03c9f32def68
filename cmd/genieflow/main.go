// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// The genieflow command serves the HTTP front door: session creation, event
// dispatch and progress polling. Background task execution runs in the
// genieflow-worker command against the same Redis.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/genieflow/api"
	"github.com/AleutianAI/genieflow/config"
	"github.com/AleutianAI/genieflow/internal/bootstrap"
	"github.com/AleutianAI/genieflow/session"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "genieflow: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, closeLogs, err := bootstrap.NewLogger("genieflow", cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLogs()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, st, err := bootstrap.NewRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions := session.NewManager(rt, logger)
	handlers := api.NewHandlers(sessions, logger, cfg.Server.Debug)

	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.RegisterRoutes(router, handlers)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
