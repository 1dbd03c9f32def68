// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bootstrap assembles the engine for the server and worker
// binaries: logger, Redis, store, template environment, flow registry and
// the task runtime, all from one configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/genieflow/config"
	"github.com/AleutianAI/genieflow/examples/qa"
	"github.com/AleutianAI/genieflow/genie"
	"github.com/AleutianAI/genieflow/invoker"
	"github.com/AleutianAI/genieflow/pkg/logging"
	"github.com/AleutianAI/genieflow/store"
	"github.com/AleutianAI/genieflow/task"
	"github.com/AleutianAI/genieflow/template"
)

// NewLogger builds the service logger from the logging configuration.
func NewLogger(service string, cfg config.Logging) (*slog.Logger, func() error, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, fmt.Errorf("bad log level %q: %w", cfg.Level, err)
		}
	}
	return logging.New(logging.Config{
		Level:   level,
		Service: service,
		LogDir:  cfg.Dir,
		JSON:    cfg.JSON,
	})
}

// NewRuntime wires the shared engine pieces. The returned store owns the
// Redis connection; callers close it on shutdown.
func NewRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*task.Runtime, *store.Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	st := store.New(client, store.Config{
		AppPrefix:   cfg.Store.AppPrefix,
		Compression: cfg.Store.Compression,
		SessionTTL:  cfg.Store.SessionTTL(),
		LockExpiry:  cfg.Store.LockExpiry(),
	}, logger)
	if err := st.Ping(ctx); err != nil {
		return nil, nil, fmt.Errorf("redis at %s: %w", cfg.Redis.Addr, err)
	}

	env := template.NewEnvironment(invoker.NewFactory(logger), logger)
	if cfg.Templates.Root != "" {
		if err := env.AutoRegister(cfg.Templates.Root); err != nil {
			return nil, nil, err
		}
	}
	for prefix, dir := range cfg.Templates.Dirs {
		if err := env.Register(prefix, dir); err != nil {
			return nil, nil, err
		}
	}

	flows := genie.NewRegistry()
	if err := flows.Register(qa.Flow(), env); err != nil {
		// The bundled example only works when its templates are mounted.
		logger.Warn("qa example flow not registered", slog.Any("error", err))
	}

	broker := task.NewBroker(client, cfg.Store.AppPrefix, logger)
	rt := task.NewRuntime(broker, st, task.NewRegistry(), env, flows, logger)
	return rt, st, nil
}
