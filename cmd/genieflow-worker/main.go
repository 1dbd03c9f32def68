// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// The genieflow-worker command runs the task worker pool. Any number of
// worker processes may share one Redis; they pull from the same queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/genieflow/config"
	"github.com/AleutianAI/genieflow/internal/bootstrap"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	workers := flag.Int("workers", 0, "worker count override")
	flag.Parse()

	if err := run(*configPath, *workers); err != nil {
		fmt.Fprintf(os.Stderr, "genieflow-worker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, workers int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if workers > 0 {
		cfg.Worker.Count = workers
	}

	logger, closeLogs, err := bootstrap.NewLogger("genieflow-worker", cfg.Logging)
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

	return rt.Run(ctx, cfg.Worker.Count)
}
