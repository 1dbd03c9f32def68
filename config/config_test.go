// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "genieflow", cfg.Store.AppPrefix)
	assert.True(t, cfg.Store.Compression)
	assert.Equal(t, 24*time.Hour, cfg.Store.SessionTTL())
	assert.Equal(t, 2*time.Minute, cfg.Store.LockExpiry())
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  host: 127.0.0.1
  port: 9000
redis:
  addr: redis.internal:6379
  db: 2
store:
  app_prefix: staging
  compression: false
  session_ttl_seconds: 600
templates:
  root: /srv/templates
  dirs:
    qa: /srv/templates/qa
worker:
  count: 8
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "staging", cfg.Store.AppPrefix)
	assert.False(t, cfg.Store.Compression)
	assert.Equal(t, 10*time.Minute, cfg.Store.SessionTTL())
	assert.Equal(t, "/srv/templates", cfg.Templates.Root)
	assert.Equal(t, "/srv/templates/qa", cfg.Templates.Dirs["qa"])
	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GENIEFLOW_REDIS_ADDR", "override:6379")
	t.Setenv("GENIEFLOW_SERVER_PORT", "9999")
	t.Setenv("GENIEFLOW_APP_PREFIX", "env-prefix")
	t.Setenv("GENIEFLOW_WORKER_COUNT", "16")
	t.Setenv("GENIEFLOW_TEMPLATE_ROOT", "/env/templates")
	t.Setenv("GENIEFLOW_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "override:6379", cfg.Redis.Addr)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "env-prefix", cfg.Store.AppPrefix)
	assert.Equal(t, 16, cfg.Worker.Count)
	assert.Equal(t, "/env/templates", cfg.Templates.Root)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadFailures(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [not a mapping"), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("invalid values rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o644))
		_, err := Load(path)
		assert.ErrorContains(t, err, "invalid config")
	})

	t.Run("bad log level rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "level.yaml")
		require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: verbose\n"), 0o644))
		_, err := Load(path)
		assert.ErrorContains(t, err, "invalid config")
	})
}
