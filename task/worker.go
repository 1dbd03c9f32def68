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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/genieflow/genie"
	"github.com/AleutianAI/genieflow/store"
	"github.com/AleutianAI/genieflow/template"
)

var meter = otel.Meter("genieflow.task")

// Runtime executes compiled task graphs. It is shared by all worker
// goroutines of a process and is safe for concurrent use.
type Runtime struct {
	broker   *Broker
	store    *store.Store
	registry *Registry
	env      *template.Environment
	flows    *genie.Registry
	logger   *slog.Logger

	// Metrics (initialized lazily)
	metricsOnce   sync.Once
	taskLatency   metric.Float64Histogram
	taskSuccesses metric.Int64Counter
	taskFailures  metric.Int64Counter
	activeTasks   metric.Int64UpDownCounter
}

// NewRuntime wires a runtime together.
func NewRuntime(
	broker *Broker,
	st *store.Store,
	registry *Registry,
	env *template.Environment,
	flows *genie.Registry,
	logger *slog.Logger,
) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		broker:   broker,
		store:    st,
		registry: registry,
		env:      env,
		flows:    flows,
		logger:   logger.With(slog.String("component", "worker_runtime")),
	}
}

// Store exposes the backing store; tasks reach it through the runtime.
func (r *Runtime) Store() *store.Store { return r.store }

// Broker exposes the task broker.
func (r *Runtime) Broker() *Broker { return r.broker }

// Flows exposes the flow registry.
func (r *Runtime) Flows() *genie.Registry { return r.flows }

// Environment exposes the template environment.
func (r *Runtime) Environment() *template.Environment { return r.env }

func (r *Runtime) initMetrics() {
	r.metricsOnce.Do(func() {
		var err error

		r.taskLatency, err = meter.Float64Histogram("genieflow_task_duration_seconds",
			metric.WithDescription("Time spent executing each worker task"),
			metric.WithUnit("s"))
		if err != nil {
			r.logger.Warn("failed to create task latency metric", slog.Any("error", err))
		}

		r.taskSuccesses, err = meter.Int64Counter("genieflow_task_success_total",
			metric.WithDescription("Number of successful task executions"))
		if err != nil {
			r.logger.Warn("failed to create task success metric", slog.Any("error", err))
		}

		r.taskFailures, err = meter.Int64Counter("genieflow_task_failure_total",
			metric.WithDescription("Number of failed task executions"))
		if err != nil {
			r.logger.Warn("failed to create task failure metric", slog.Any("error", err))
		}

		r.activeTasks, err = meter.Int64UpDownCounter("genieflow_active_tasks",
			metric.WithDescription("Number of currently executing tasks"))
		if err != nil {
			r.logger.Warn("failed to create active task metric", slog.Any("error", err))
		}
	})
}

// Run starts the given number of worker goroutines and blocks until the
// context is cancelled.
func (r *Runtime) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	r.initMetrics()
	r.logger.Info("starting workers", slog.Int("count", workers))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return r.workerLoop(gctx)
		})
	}
	return g.Wait()
}

func (r *Runtime) workerLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		sig, err := r.broker.Dequeue(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("dequeue failed", slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}
		if sig == nil {
			continue
		}
		if err := r.Execute(ctx, sig); err != nil {
			r.logger.Error("task execution failed",
				slog.String("task", sig.Task),
				slog.String("task_id", sig.ID),
				slog.String("session_id", sig.SessionID),
				slog.Any("error", err))
		}
	}
}

// Execute runs one signature to completion: the task function, the progress
// update, and the graph bookkeeping that unfolds chains and group barriers.
func (r *Runtime) Execute(ctx context.Context, sig *Signature) error {
	if sig.IsStructural() {
		return r.executeGroup(ctx, sig)
	}
	r.initMetrics()

	fn, err := r.registry.Get(sig.Task)
	if err != nil {
		return r.handleFailure(ctx, sig, err)
	}

	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("task", sig.Task))
	if r.activeTasks != nil {
		r.activeTasks.Add(ctx, 1, attrs)
		defer r.activeTasks.Add(ctx, -1, attrs)
	}

	result, err := fn(ctx, r, sig)

	if r.taskLatency != nil {
		r.taskLatency.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if err != nil {
		if r.taskFailures != nil {
			r.taskFailures.Add(ctx, 1, attrs)
		}
		return r.handleFailure(ctx, sig, err)
	}
	if r.taskSuccesses != nil {
		r.taskSuccesses.Add(ctx, 1, attrs)
	}

	if !sig.IsTerminal() {
		if _, err := r.store.MarkDone(ctx, sig.SessionID); err != nil {
			r.logger.Warn("progress update failed",
				slog.String("session_id", sig.SessionID),
				slog.Any("error", err))
		}
	}
	return r.advance(ctx, sig, result)
}

// advance moves the graph forward after a successful task: first down the
// linear chain, otherwise through the group barrier this node is a member
// of.
func (r *Runtime) advance(ctx context.Context, sig *Signature, result Result) error {
	if len(sig.Chain) > 0 {
		next := sig.Chain[0]
		next.Chain = append(next.Chain, sig.Chain[1:]...)
		next.PrevResult = result.Value
		if result.Data != nil {
			next.RenderData = result.Data
		}
		forwardGroupTags(sig, next)
		if next.ErrHandler == nil {
			next.ErrHandler = sig.ErrHandler
		}
		return r.broker.Enqueue(ctx, next)
	}

	if sig.GroupID != "" {
		done, results, err := r.broker.CompleteGroupMember(ctx, sig, result.Value)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		cb := sig.GroupCallback
		if cb == nil {
			return fmt.Errorf("group %s completed without a callback", sig.GroupID)
		}
		cb.GroupResults = results
		if cb.ErrHandler == nil {
			cb.ErrHandler = sig.ErrHandler
		}
		return r.broker.Enqueue(ctx, cb)
	}

	// End of the graph; trigger_event has already handed control back to
	// the state machine.
	return nil
}

// executeGroup fans a structural node out: the continuation and any group
// membership of the node itself move onto the callback, then every member
// is tagged with the new barrier and enqueued.
func (r *Runtime) executeGroup(ctx context.Context, sig *Signature) error {
	cb := sig.Callback
	if cb == nil {
		return fmt.Errorf("structural node %s has no callback", sig.ID)
	}
	cb.Chain = append(cb.Chain, sig.Chain...)
	forwardGroupTags(sig, cb)
	if cb.ErrHandler == nil {
		cb.ErrHandler = sig.ErrHandler
	}

	groupID := uuid.NewString()
	size := len(sig.GroupMembers)
	for i, member := range sig.GroupMembers {
		member.GroupID = groupID
		member.GroupIndex = i
		member.GroupSize = size
		member.GroupCallback = cb
		member.PrevResult = sig.PrevResult
		if sig.RenderData != nil {
			member.RenderData = sig.RenderData
		}
		if member.ErrHandler == nil {
			member.ErrHandler = sig.ErrHandler
		}
		if err := r.broker.Enqueue(ctx, member); err != nil {
			return err
		}
	}
	return nil
}

// forwardGroupTags moves group membership from a finished node to the node
// that takes over producing its result.
func forwardGroupTags(from, to *Signature) {
	if from.GroupID == "" || to.GroupID != "" {
		return
	}
	to.GroupID = from.GroupID
	to.GroupIndex = from.GroupIndex
	to.GroupSize = from.GroupSize
	to.GroupCallback = from.GroupCallback
}

// handleFailure tombstones the progress record and dispatches the graph's
// error handler, if any. The failure itself is considered handled.
func (r *Runtime) handleFailure(ctx context.Context, sig *Signature, taskErr error) error {
	r.logger.Error("task failed",
		slog.String("task", sig.Task),
		slog.String("task_id", sig.ID),
		slog.String("session_id", sig.SessionID),
		slog.Any("error", taskErr))

	if err := r.store.TombstoneProgress(ctx, sig.SessionID); err != nil {
		r.logger.Warn("failed to tombstone progress",
			slog.String("session_id", sig.SessionID),
			slog.Any("error", err))
	}

	if sig.ErrHandler == nil || sig.Task == TaskErrorHandler {
		return taskErr
	}
	handler := sig.ErrHandler
	handler.FailedTaskID = sig.ID
	handler.TaskError = taskErr.Error()
	if err := r.broker.Enqueue(ctx, handler); err != nil {
		return fmt.Errorf("dispatch error handler: %w (original: %v)", err, taskErr)
	}
	return nil
}
