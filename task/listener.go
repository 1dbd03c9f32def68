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

	"github.com/AleutianAI/genieflow/genie"
	"github.com/AleutianAI/genieflow/template"
)

// stateKind classifies a state by what its template needs: user-typed
// states render locally, invoker-typed states require background
// invocation.
type stateKind int

const (
	kindUser stateKind = iota
	kindInvoker
)

// TransitionListener bridges the state machine to the task runtime. One
// instance observes one dispatch: it classifies the transition, keeps the
// dialogue in step, and for invoker targets compiles and enqueues the task
// graph.
type TransitionListener struct {
	rt     *Runtime
	logger *slog.Logger

	sourceKind stateKind
	targetKind stateKind
	targetExpr template.Expr
}

// NewTransitionListener creates a listener for a single dispatch.
func NewTransitionListener(rt *Runtime) *TransitionListener {
	return &TransitionListener{
		rt:     rt,
		logger: rt.logger.With(slog.String("component", "transition_listener")),
	}
}

// BeforeTransition classifies both ends of the transition and captures the
// actor and its input on the model.
func (l *TransitionListener) BeforeTransition(_ context.Context, ev *genie.EventData) error {
	flow := ev.Machine.Flow()

	sourceExpr, err := flow.Template(ev.Source.ID)
	if err != nil {
		return err
	}
	targetExpr, err := flow.Template(ev.Target.ID)
	if err != nil {
		return err
	}
	l.targetExpr = targetExpr
	l.sourceKind = l.classify(sourceExpr)
	l.targetKind = l.classify(targetExpr)

	base := ev.Machine.Model().Base()
	if l.targetKind == kindInvoker {
		base.Actor = genie.ActorSystem
	} else {
		base.Actor = genie.ActorUser
	}
	base.ActorInput = ev.Input
	return nil
}

func (l *TransitionListener) classify(expr template.Expr) stateKind {
	if l.rt.env.HasInvoker(expr) {
		return kindInvoker
	}
	return kindUser
}

// OnTransition enqueues the target's task graph when the target needs
// invocation. The follow-up event is the first event declared out of the
// target state.
func (l *TransitionListener) OnTransition(ctx context.Context, ev *genie.EventData) error {
	if l.targetKind != kindInvoker {
		return nil
	}

	machine := ev.Machine
	flow := machine.Flow()
	sessionID := machine.Model().Base().SessionID

	inFlight, err := l.rt.store.ProgressExists(ctx, sessionID)
	if err != nil {
		return err
	}
	if inFlight {
		return fmt.Errorf("session %s already has a task graph in flight", sessionID)
	}

	renderData, err := machine.RenderData()
	if err != nil {
		return err
	}

	eventAfter := ""
	if events := flow.EventsFrom(ev.Target.ID); len(events) > 0 {
		eventAfter = events[0]
	}

	root, count, err := Compile(l.targetExpr, renderData, sessionID, flow.Key, eventAfter)
	if err != nil {
		return fmt.Errorf("compile task graph for state %q: %w", ev.Target.ID, err)
	}

	if err := l.rt.store.StartProgress(ctx, sessionID, root.RootID, count); err != nil {
		return err
	}
	if err := l.rt.broker.Enqueue(ctx, root); err != nil {
		return err
	}

	l.logger.Info("enqueued task graph",
		slog.String("session_id", sessionID),
		slog.String("state", ev.Target.ID),
		slog.String("root_task_id", root.RootID),
		slog.Int("subtasks", count),
		slog.String("event_after", eventAfter))
	return nil
}

// AfterTransition appends the dialogue delta of the transition: the raw
// input as a user element whenever a user spoke, and the synchronously
// rendered target template as an assistant element whenever the target is
// user-typed, so the user always sees the assistant's next utterance
// without another round-trip. Between two invoker states nothing is spoken.
func (l *TransitionListener) AfterTransition(_ context.Context, ev *genie.EventData) error {
	base := ev.Machine.Model().Base()

	if l.sourceKind == kindUser {
		base.AddDialogueElement(genie.ActorUser, ev.Input)
	}
	if l.targetKind != kindUser {
		return nil
	}

	leaves := template.Leaves(l.targetExpr)
	if len(leaves) == 0 {
		l.logger.Warn("user state has no renderable template",
			slog.String("state", ev.Target.ID))
		return nil
	}
	renderData, err := ev.Machine.RenderData()
	if err != nil {
		return err
	}
	rendered, err := l.rt.env.Render(leaves[0], renderData)
	if err != nil {
		return err
	}
	base.AddDialogueElement(genie.ActorAssistant, rendered)
	return nil
}
