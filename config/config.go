// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the engine configuration from a YAML file with
// environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration of both the API server and the worker.
type Config struct {
	Server    Server    `yaml:"server"`
	Redis     Redis     `yaml:"redis"`
	Store     Store     `yaml:"store"`
	Worker    Worker    `yaml:"worker"`
	Templates Templates `yaml:"templates"`
	Logging   Logging   `yaml:"logging"`
}

// Server configures the HTTP front door.
type Server struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port" validate:"gt=0,lte=65535"`
	Debug bool   `yaml:"debug"`
}

// Redis configures the shared Redis connection.
type Redis struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// Store configures persistence behavior.
type Store struct {
	AppPrefix         string `yaml:"app_prefix"`
	Compression       bool   `yaml:"compression"`
	SessionTTLSeconds int    `yaml:"session_ttl_seconds" validate:"gte=0"`
	LockExpirySeconds int    `yaml:"lock_expiry_seconds" validate:"gte=0"`
}

// SessionTTL returns the session expiry as a duration.
func (s Store) SessionTTL() time.Duration {
	return time.Duration(s.SessionTTLSeconds) * time.Second
}

// LockExpiry returns the lock expiry as a duration.
func (s Store) LockExpiry() time.Duration {
	return time.Duration(s.LockExpirySeconds) * time.Second
}

// Worker configures the task worker pool.
type Worker struct {
	Count int `yaml:"count" validate:"gte=0"`
}

// Templates configures the template environment.
type Templates struct {
	// Root is auto-registered recursively; Dirs maps explicit prefixes to
	// directories.
	Root string            `yaml:"root"`
	Dirs map[string]string `yaml:"dirs"`
}

// Logging configures the structured logger.
type Logging struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: Server{Host: "0.0.0.0", Port: 8080},
		Redis:  Redis{Addr: "localhost:6379"},
		Store: Store{
			AppPrefix:         "genieflow",
			Compression:       true,
			SessionTTLSeconds: 24 * 60 * 60,
			LockExpirySeconds: 120,
		},
		Worker:  Worker{Count: 4},
		Logging: Logging{Level: "info"},
	}
}

// Load reads the configuration: defaults, then the YAML file if path is
// non-empty, then GENIEFLOW_* environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(payload, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets deployments override the values that differ per
// environment without editing the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GENIEFLOW_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("GENIEFLOW_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GENIEFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GENIEFLOW_APP_PREFIX"); v != "" {
		cfg.Store.AppPrefix = v
	}
	if v := os.Getenv("GENIEFLOW_WORKER_COUNT"); v != "" {
		if count, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Count = count
		}
	}
	if v := os.Getenv("GENIEFLOW_TEMPLATE_ROOT"); v != "" {
		cfg.Templates.Root = v
	}
	if v := os.Getenv("GENIEFLOW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
