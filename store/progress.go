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
	"strconv"

	"github.com/redis/go-redis/v9"
)

// ErrNoProgress is returned when a session has no progress record, which
// means no task graph is in flight.
var ErrNoProgress = errors.New("no progress record")

// Progress hash fields. The tombstone marks a record whose DAG has reached
// its terminal task (or failed); a tombstoned record is deleted as soon as
// the executed counter catches up with the total.
const (
	progressFieldTaskID    = "task_id"
	progressFieldTodo      = "total_nr_subtasks"
	progressFieldDone      = "nr_subtasks_executed"
	progressFieldTombstone = "tombstone"
)

// markDoneScript increments the executed counter and deletes the record
// once it is tombstoned and fully counted. Running it as one script keeps
// the delete decision atomic against concurrent updates.
var markDoneScript = redis.NewScript(`
local done = redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
local todo = tonumber(redis.call("HGET", KEYS[1], ARGV[2]))
local tombstone = redis.call("HGET", KEYS[1], ARGV[3])
if tombstone == "t" and todo ~= nil and done >= todo then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

// ProgressStatus is a point-in-time view of one in-flight task graph.
type ProgressStatus struct {
	TaskID string
	Todo   int
	Done   int
}

func (s *Store) progressKey(sessionID string) string {
	return s.Key(KindProgress, "", sessionID)
}

// StartProgress creates the progress record for a freshly enqueued task
// graph. At most one graph is in flight per session; starting over an
// existing record fails.
func (s *Store) StartProgress(ctx context.Context, sessionID, taskID string, todo int) error {
	key := s.progressKey(sessionID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check progress %s: %w", key, err)
	}
	if exists > 0 {
		return fmt.Errorf("progress record already exists for session %s", sessionID)
	}

	err = s.client.HSet(ctx, key, map[string]any{
		progressFieldTaskID:    taskID,
		progressFieldTodo:      todo,
		progressFieldDone:      0,
		progressFieldTombstone: "f",
	}).Err()
	if err != nil {
		return fmt.Errorf("start progress %s: %w", key, err)
	}
	return nil
}

// AddTodo atomically raises the expected subtask total. Runtime fan-out
// (map expansion) calls this before enqueueing the expanded tasks.
func (s *Store) AddTodo(ctx context.Context, sessionID string, n int) error {
	if err := s.client.HIncrBy(ctx, s.progressKey(sessionID), progressFieldTodo, int64(n)).Err(); err != nil {
		return fmt.Errorf("add todo for session %s: %w", sessionID, err)
	}
	return nil
}

// MarkDone atomically counts one executed subtask and reports whether that
// completed a tombstoned record and deleted it.
func (s *Store) MarkDone(ctx context.Context, sessionID string) (bool, error) {
	deleted, err := markDoneScript.Run(
		ctx, s.client,
		[]string{s.progressKey(sessionID)},
		progressFieldDone, progressFieldTodo, progressFieldTombstone,
	).Int()
	if err != nil {
		return false, fmt.Errorf("mark done for session %s: %w", sessionID, err)
	}
	return deleted == 1, nil
}

// tombstoneScript sets the tombstone only on a record that still exists.
// An unguarded HSET would resurrect an already-deleted record as a stub
// hash, which then reads as an in-flight graph that never finishes.
var tombstoneScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	redis.call("HSET", KEYS[1], ARGV[1], "t")
	return 1
end
return 0
`)

// TombstoneProgress marks the record as finished-pending-deletion. Stragglers
// still counting via MarkDone will delete it once done catches up. A record
// that is already gone is left gone.
func (s *Store) TombstoneProgress(ctx context.Context, sessionID string) error {
	err := tombstoneScript.Run(
		ctx, s.client,
		[]string{s.progressKey(sessionID)},
		progressFieldTombstone,
	).Err()
	if err != nil {
		return fmt.Errorf("tombstone progress for session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteProgress removes the record outright. The terminal task calls this
// after verifying the record it owns.
func (s *Store) DeleteProgress(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.progressKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete progress for session %s: %w", sessionID, err)
	}
	return nil
}

// ProgressExists reports whether a task graph is in flight for the session.
func (s *Store) ProgressExists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.progressKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check progress for session %s: %w", sessionID, err)
	}
	return n > 0, nil
}

// Progress reads the record. ErrNoProgress is returned when none exists.
func (s *Store) Progress(ctx context.Context, sessionID string) (ProgressStatus, error) {
	fields, err := s.client.HGetAll(ctx, s.progressKey(sessionID)).Result()
	if err != nil {
		return ProgressStatus{}, fmt.Errorf("read progress for session %s: %w", sessionID, err)
	}
	if len(fields) == 0 {
		return ProgressStatus{}, fmt.Errorf("%w: session %s", ErrNoProgress, sessionID)
	}

	todo, err := strconv.Atoi(fields[progressFieldTodo])
	if err != nil {
		return ProgressStatus{}, fmt.Errorf("malformed progress todo %q", fields[progressFieldTodo])
	}
	done, err := strconv.Atoi(fields[progressFieldDone])
	if err != nil {
		return ProgressStatus{}, fmt.Errorf("malformed progress done %q", fields[progressFieldDone])
	}
	return ProgressStatus{
		TaskID: fields[progressFieldTaskID],
		Todo:   todo,
		Done:   done,
	}, nil
}
