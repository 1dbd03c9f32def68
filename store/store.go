// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists session state in Redis: versioned model payloads,
// per-session distributed locks and the task progress hash. It is the only
// package that talks to Redis; everything above it sees typed operations.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/golang/snappy"
	"github.com/redis/go-redis/v9"
)

// Kind partitions the key space. One session id owns at most one key per
// (kind, class) pair.
type Kind string

const (
	KindObject    Kind = "object"
	KindLock      Kind = "lock"
	KindProgress  Kind = "progress"
	KindSecondary Kind = "secondary"
)

var (
	// ErrUnknownSession is returned when no model payload exists for a
	// session id.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSchemaMismatch is returned when a persisted payload's schema
	// version differs from the target model's.
	ErrSchemaMismatch = errors.New("schema version mismatch")
)

// Versioned is the contract persisted models satisfy. The schema version is
// embedded in every payload and checked on load.
type Versioned interface {
	SchemaVersion() int
}

// Config carries the store's tunables.
type Config struct {
	// AppPrefix namespaces every key, so one Redis can serve several
	// deployments.
	AppPrefix string

	// Compression snappy-compresses model payloads.
	Compression bool

	// SessionTTL expires idle sessions. Zero means no expiry.
	SessionTTL time.Duration

	// LockExpiry bounds how long a crashed holder can keep a session
	// lock. Held locks are renewed in the background.
	LockExpiry time.Duration
}

func (c *Config) applyDefaults() {
	if c.AppPrefix == "" {
		c.AppPrefix = "genieflow"
	}
	if c.LockExpiry <= 0 {
		c.LockExpiry = 120 * time.Second
	}
}

// Store wraps one Redis connection with the GenieFlow key scheme.
type Store struct {
	client  redis.UniversalClient
	redsync *redsync.Redsync
	cfg     Config
	logger  *slog.Logger
}

// New creates a store on an existing Redis client.
func New(client redis.UniversalClient, cfg Config, logger *slog.Logger) *Store {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:  client,
		redsync: redsync.New(redsyncredis.NewPool(client)),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "store")),
	}
}

// Key builds "{prefix}:{kind}:{class}:{session_id}". Kinds that are not
// class-scoped pass an empty class.
func (s *Store) Key(kind Kind, class, sessionID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.cfg.AppPrefix, kind, class, sessionID)
}

// Serialize renders "{schema_version}:{compression_flag}:{payload}" where
// payload is the model's JSON, snappy-compressed when compression is on.
func (s *Store) Serialize(model Versioned, payload []byte) []byte {
	flag := byte('0')
	if s.cfg.Compression {
		payload = snappy.Encode(nil, payload)
		flag = '1'
	}

	out := make([]byte, 0, len(payload)+8)
	out = strconv.AppendInt(out, int64(model.SchemaVersion()), 10)
	out = append(out, ':', flag, ':')
	return append(out, payload...)
}

// Deserialize splits a persisted payload, validates the schema version
// against the target model and returns the raw JSON.
func (s *Store) Deserialize(model Versioned, raw []byte) ([]byte, error) {
	parts := bytes.SplitN(raw, []byte{':'}, 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed versioned payload")
	}

	version, err := strconv.Atoi(string(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("malformed schema version %q", parts[0])
	}
	if version != model.SchemaVersion() {
		return nil, fmt.Errorf(
			"%w: persisted %d, current %d",
			ErrSchemaMismatch, version, model.SchemaVersion(),
		)
	}

	payload := parts[2]
	if bytes.Equal(parts[1], []byte("1")) {
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
	}
	return payload, nil
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
