// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for GenieFlow services.
//
// The package is a thin layer over Go's standard slog package. Services get
// human-readable text on stderr by default, with optional JSON file logging
// for machine processing:
//
//	logger, closer, err := logging.New(logging.Config{
//	    Level:   slog.LevelInfo,
//	    Service: "genieflow-worker",
//	    LogDir:  "/var/log/genieflow",
//	})
//	defer closer()
//
// Every log entry carries the "service" attribute so aggregated logs can be
// filtered per component.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Config configures logger construction. The zero value yields a text logger
// on stderr at Info level.
type Config struct {
	// Level is the minimum level that will be emitted.
	Level slog.Level

	// Service identifies the component generating logs. It is attached to
	// every entry as the "service" attribute.
	Service string

	// LogDir enables file logging. When set, a JSON log file named
	// "{service}_{YYYY-MM-DD}.log" is written alongside stderr output.
	// The directory is created if it does not exist.
	LogDir string

	// JSON switches the stderr handler to JSON output. File logs are
	// always JSON regardless of this setting.
	JSON bool

	// Quiet disables stderr output entirely. Useful for daemons whose
	// stderr is not monitored; combine with LogDir.
	Quiet bool
}

// New builds a logger from the given configuration.
//
// Outputs:
//
//	*slog.Logger - the configured logger.
//	func() error - closer that syncs and closes the log file, if any.
//	error        - non-nil if the log directory or file cannot be created.
func New(cfg Config) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handlers []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	closer := func() error { return nil }
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		service := cfg.Service
		if service == "" {
			service = "genieflow"
		}
		name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
		file, err := os.OpenFile(
			filepath.Join(cfg.LogDir, name),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND,
			0o640,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
		closer = func() error {
			if err := file.Sync(); err != nil {
				_ = file.Close()
				return fmt.Errorf("sync log file: %w", err)
			}
			return file.Close()
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		// Quiet without a log dir; still honor the level filter.
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.Level(127),
		})
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}

	return slog.New(handler), closer, nil
}

// Default returns a stderr-only Info-level logger for the given service.
func Default(service string) *slog.Logger {
	logger, _, _ := New(Config{Service: service})
	return logger
}

// multiHandler fans a record out to several slog handlers, allowing stderr
// text and JSON file output to coexist.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
