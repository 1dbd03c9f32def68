// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broker moves signatures through a shared Redis list and holds the group
// barriers. Workers on any host pull from the same queue.
type Broker struct {
	client redis.UniversalClient
	prefix string
	queue  string
	logger *slog.Logger
}

// groupBarrierScript records one member result and returns the number of
// results gathered so far. Exactly one call observes the transition to the
// full group size.
var groupBarrierScript = redis.NewScript(`
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return redis.call("HLEN", KEYS[1])
`)

// NewBroker creates a broker on an existing Redis client. The prefix
// namespaces the queue and barrier keys alongside the store's keys.
func NewBroker(client redis.UniversalClient, prefix string, logger *slog.Logger) *Broker {
	if prefix == "" {
		prefix = "genieflow"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		client: client,
		prefix: prefix,
		queue:  prefix + ":queue:tasks",
		logger: logger.With(slog.String("component", "broker")),
	}
}

// Enqueue pushes a signature onto the shared queue.
func (b *Broker) Enqueue(ctx context.Context, sig *Signature) error {
	payload, err := sig.Encode()
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.queue, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task %s: %w", sig.ID, err)
	}
	b.logger.Debug("enqueued task",
		slog.String("task", sig.Task),
		slog.String("task_id", sig.ID),
		slog.String("session_id", sig.SessionID))
	return nil
}

// Dequeue blocks for up to the timeout and returns the next signature, or
// nil when the queue stayed empty.
func (b *Broker) Dequeue(ctx context.Context, timeout time.Duration) (*Signature, error) {
	res, err := b.client.BRPop(ctx, timeout, b.queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue task: %w", err)
	}
	// BRPOP returns [key, value].
	return DecodeSignature([]byte(res[1]))
}

func (b *Broker) groupResultsKey(groupID string) string {
	return fmt.Sprintf("%s:group:%s:results", b.prefix, groupID)
}

// CompleteGroupMember records one member's result in the group barrier.
// When this was the last outstanding member it returns done=true together
// with all results in member index order, and tears the barrier down.
func (b *Broker) CompleteGroupMember(ctx context.Context, sig *Signature, result string) (bool, []string, error) {
	key := b.groupResultsKey(sig.GroupID)
	gathered, err := groupBarrierScript.Run(
		ctx, b.client,
		[]string{key},
		strconv.Itoa(sig.GroupIndex), result,
	).Int()
	if err != nil {
		return false, nil, fmt.Errorf("group barrier %s: %w", sig.GroupID, err)
	}
	if gathered < sig.GroupSize {
		return false, nil, nil
	}

	fields, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		return false, nil, fmt.Errorf("collect group %s: %w", sig.GroupID, err)
	}
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return false, nil, fmt.Errorf("tear down group %s: %w", sig.GroupID, err)
	}

	results := make([]string, sig.GroupSize)
	for idx, value := range fields {
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 || i >= sig.GroupSize {
			return false, nil, fmt.Errorf("group %s has bad member index %q", sig.GroupID, idx)
		}
		results[i] = value
	}
	return true, results, nil
}

// QueueLength reports the number of pending signatures, for observability.
func (b *Broker) QueueLength(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, b.queue).Result()
}
