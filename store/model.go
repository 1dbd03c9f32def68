// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// SaveModel persists a model under its (class, session) key, refreshing the
// session TTL. Callers hold the session lock.
func (s *Store) SaveModel(ctx context.Context, class, sessionID string, model Versioned) error {
	payload, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("marshal model %s/%s: %w", class, sessionID, err)
	}

	key := s.Key(KindObject, class, sessionID)
	if err := s.client.Set(ctx, key, s.Serialize(model, payload), s.cfg.SessionTTL).Err(); err != nil {
		return fmt.Errorf("persist model %s: %w", key, err)
	}
	return nil
}

// LoadModel reads the persisted payload for (class, session) into the given
// model. ErrUnknownSession is returned when the session has never been
// saved or has expired.
func (s *Store) LoadModel(ctx context.Context, class, sessionID string, model Versioned) error {
	key := s.Key(KindObject, class, sessionID)
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s/%s", ErrUnknownSession, class, sessionID)
	}
	if err != nil {
		return fmt.Errorf("load model %s: %w", key, err)
	}

	payload, err := s.Deserialize(model, raw)
	if err != nil {
		return fmt.Errorf("model %s: %w", key, err)
	}
	if err := json.Unmarshal(payload, model); err != nil {
		return fmt.Errorf("unmarshal model %s: %w", key, err)
	}
	return nil
}

// SessionExists reports whether a model payload exists for (class, session).
func (s *Store) SessionExists(ctx context.Context, class, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.Key(KindObject, class, sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check session %s/%s: %w", class, sessionID, err)
	}
	return n > 0, nil
}

// SaveSecondary stores an auxiliary string value next to a session, under
// the same TTL regime as the model. Flows use this for payloads that do not
// belong in the model itself, such as rendered artifacts.
func (s *Store) SaveSecondary(ctx context.Context, class, sessionID, value string) error {
	key := s.Key(KindSecondary, class, sessionID)
	if err := s.client.Set(ctx, key, value, s.cfg.SessionTTL).Err(); err != nil {
		return fmt.Errorf("persist secondary %s: %w", key, err)
	}
	return nil
}

// LoadSecondary reads an auxiliary value. ErrUnknownSession is returned when
// none exists.
func (s *Store) LoadSecondary(ctx context.Context, class, sessionID string) (string, error) {
	key := s.Key(KindSecondary, class, sessionID)
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: secondary %s/%s", ErrUnknownSession, class, sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("load secondary %s: %w", key, err)
	}
	return value, nil
}
