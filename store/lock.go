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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
)

// ErrLockTimeout is returned when a session lock cannot be acquired within
// the retry budget.
var ErrLockTimeout = errors.New("session lock timeout")

// SessionLock is the distributed mutex serializing all writers of one
// session. While held it is renewed in the background, so a holder may
// outlive the configured expiry; a crashed holder releases it within one
// expiry window.
type SessionLock struct {
	mutex  *redsync.Mutex
	expiry time.Duration
	logger *slog.Logger

	stopRenew context.CancelFunc
	renewDone chan struct{}
}

// NewSessionLock creates an unacquired lock handle for the session.
func (s *Store) NewSessionLock(sessionID string) *SessionLock {
	return &SessionLock{
		mutex: s.redsync.NewMutex(
			s.Key(KindLock, "", sessionID),
			redsync.WithExpiry(s.cfg.LockExpiry),
			redsync.WithTries(64),
			redsync.WithRetryDelay(250*time.Millisecond),
		),
		expiry: s.cfg.LockExpiry,
		logger: s.logger.With(slog.String("session_id", sessionID)),
	}
}

// Lock acquires the mutex, blocking with retries, and starts the background
// renewer.
func (l *SessionLock) Lock(ctx context.Context) error {
	if err := l.mutex.LockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrFailed) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, l.mutex.Name())
		}
		return fmt.Errorf("acquire %s: %w", l.mutex.Name(), err)
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	l.stopRenew = cancel
	l.renewDone = make(chan struct{})
	go l.renew(renewCtx)
	return nil
}

// renew extends the lock at a third of its expiry until Unlock.
func (l *SessionLock) renew(ctx context.Context) {
	defer close(l.renewDone)
	ticker := time.NewTicker(l.expiry / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.mutex.ExtendContext(ctx)
			if err != nil || !ok {
				if ctx.Err() != nil {
					return
				}
				l.logger.Warn("failed to extend session lock",
					slog.String("lock", l.mutex.Name()),
					slog.Any("error", err))
				return
			}
		}
	}
}

// Unlock stops the renewer and releases the mutex.
func (l *SessionLock) Unlock(ctx context.Context) error {
	if l.stopRenew != nil {
		l.stopRenew()
		<-l.renewDone
		l.stopRenew = nil
	}

	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("release %s: %w", l.mutex.Name(), err)
	}
	if !ok {
		l.logger.Warn("session lock already expired at release",
			slog.String("lock", l.mutex.Name()))
	}
	return nil
}

// WithSessionLock runs fn while holding the session's lock.
func (s *Store) WithSessionLock(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	lock := s.NewSessionLock(sessionID)
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context so fn's cancellation cannot leak
		// the lock until expiry.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Unlock(releaseCtx); err != nil {
			s.logger.Error("failed to release session lock",
				slog.String("session_id", sessionID),
				slog.Any("error", err))
		}
	}()
	return fn(ctx)
}
