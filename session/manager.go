// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session is the front door of the engine: it creates sessions,
// dispatches client events into the state machine under the session lock,
// and answers progress polls.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/AleutianAI/genieflow/genie"
	"github.com/AleutianAI/genieflow/store"
	"github.com/AleutianAI/genieflow/task"
	"github.com/AleutianAI/genieflow/template"
)

// Manager implements the public session operations. It is safe for
// concurrent use; per-session serialization comes from the store's
// distributed lock.
type Manager struct {
	rt     *task.Runtime
	logger *slog.Logger
}

// NewManager creates a session manager on top of a task runtime. The
// runtime supplies the flow registry, the store, the broker and the
// template environment.
func NewManager(rt *task.Runtime, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		rt:     rt,
		logger: logger.With(slog.String("component", "session_manager")),
	}
}

// StartSession creates a session for the given flow: a fresh id, a model in
// the flow's initial state, and the initial state's template rendered as
// the opening assistant utterance.
func (m *Manager) StartSession(ctx context.Context, flowKey string) (*Response, error) {
	flow, err := m.rt.Flows().Get(flowKey)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	model := flow.NewModel(sessionID)
	machine, err := genie.NewMachine(flow, model)
	if err != nil {
		return nil, err
	}

	opening, err := m.renderStateTemplate(machine, machine.CurrentState().ID)
	if err != nil {
		return nil, err
	}
	model.Base().AddDialogueElement(genie.ActorAssistant, opening)

	err = m.rt.Store().WithSessionLock(ctx, sessionID, func(ctx context.Context) error {
		return m.rt.Store().SaveModel(ctx, flow.Key, sessionID, model)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("started session",
		slog.String("flow", flowKey),
		slog.String("session_id", sessionID))
	return &Response{
		SessionID:   sessionID,
		Response:    opening,
		NextActions: machine.NextActions(),
	}, nil
}

// ProcessEvent dispatches one client event against a session, under the
// session lock. The reserved "poll" event reads progress instead of
// transitioning.
func (m *Manager) ProcessEvent(ctx context.Context, flowKey string, in EventInput) (*Response, error) {
	flow, err := m.rt.Flows().Get(flowKey)
	if err != nil {
		return nil, err
	}

	var resp *Response
	err = m.rt.Store().WithSessionLock(ctx, in.SessionID, func(ctx context.Context) error {
		model := flow.NewModel(in.SessionID)
		if err := m.rt.Store().LoadModel(ctx, flow.Key, in.SessionID, model); err != nil {
			return err
		}

		if in.Event == EventPoll {
			resp, err = m.handlePoll(ctx, flow, model)
			return err
		}

		resp, err = m.handleEvent(ctx, flow, model, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// handleEvent runs the state machine dispatch and persists the model. A
// rejected event becomes a structured error response, not a failure.
func (m *Manager) handleEvent(ctx context.Context, flow *genie.Flow, model genie.Model, in EventInput) (*Response, error) {
	machine, err := genie.NewMachine(flow, model)
	if err != nil {
		return nil, err
	}
	machine.AddListener(task.NewTransitionListener(m.rt))

	if err := machine.Send(ctx, in.Event, in.EventInput); err != nil {
		var notAllowed *genie.TransitionNotAllowedError
		if errors.As(err, &notAllowed) {
			return &Response{
				SessionID: in.SessionID,
				Error: TransitionError{
					SessionID: in.SessionID,
					CurrentState: CurrentState{
						ID:   notAllowed.CurrentState.ID,
						Name: notAllowed.CurrentState.DisplayName(),
					},
					PossibleEvents: notAllowed.PossibleEvents,
					ReceivedEvent:  notAllowed.ReceivedEvent,
				},
				NextActions: notAllowed.PossibleEvents,
			}, nil
		}
		return nil, err
	}

	if err := m.rt.Store().SaveModel(ctx, flow.Key, in.SessionID, model); err != nil {
		return nil, err
	}

	inFlight, err := m.rt.Store().ProgressExists(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	if inFlight {
		prog, err := m.progress(ctx, in.SessionID)
		if err != nil {
			return nil, err
		}
		return &Response{
			SessionID:   in.SessionID,
			NextActions: []string{EventPoll},
			Progress:    prog,
		}, nil
	}

	return &Response{
		SessionID:   in.SessionID,
		Response:    latestText(model),
		NextActions: machine.NextActions(),
	}, nil
}

// handlePoll answers a poll: progress while the task graph runs, the
// recorded task error once one failed, otherwise the latest utterance.
func (m *Manager) handlePoll(ctx context.Context, flow *genie.Flow, model genie.Model) (*Response, error) {
	base := model.Base()

	inFlight, err := m.rt.Store().ProgressExists(ctx, base.SessionID)
	if err != nil {
		return nil, err
	}
	if inFlight {
		prog, err := m.progress(ctx, base.SessionID)
		if err != nil {
			return nil, err
		}
		return &Response{
			SessionID:   base.SessionID,
			NextActions: []string{EventPoll},
			Progress:    prog,
		}, nil
	}

	machine, err := genie.NewMachine(flow, model)
	if err != nil {
		return nil, err
	}
	if base.HasError() {
		return &Response{
			SessionID:   base.SessionID,
			Error:       base.TaskError,
			NextActions: machine.NextActions(),
		}, nil
	}
	return &Response{
		SessionID:   base.SessionID,
		Response:    latestText(model),
		NextActions: machine.NextActions(),
	}, nil
}

// TaskState reports whether background work is still running for the
// session, and what the client may send once it is not.
func (m *Manager) TaskState(ctx context.Context, flowKey, sessionID string) (*Status, error) {
	flow, err := m.rt.Flows().Get(flowKey)
	if err != nil {
		return nil, err
	}

	inFlight, err := m.rt.Store().ProgressExists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if inFlight {
		return &Status{SessionID: sessionID, Ready: false}, nil
	}

	var status *Status
	err = m.rt.Store().WithSessionLock(ctx, sessionID, func(ctx context.Context) error {
		model := flow.NewModel(sessionID)
		if err := m.rt.Store().LoadModel(ctx, flow.Key, sessionID, model); err != nil {
			return err
		}
		machine, err := genie.NewMachine(flow, model)
		if err != nil {
			return err
		}
		status = &Status{
			SessionID:   sessionID,
			Ready:       true,
			NextActions: machine.NextActions(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// Model loads a session's model under the session lock and returns it
// verbatim.
func (m *Manager) Model(ctx context.Context, flowKey, sessionID string) (genie.Model, error) {
	flow, err := m.rt.Flows().Get(flowKey)
	if err != nil {
		return nil, err
	}

	model := flow.NewModel(sessionID)
	err = m.rt.Store().WithSessionLock(ctx, sessionID, func(ctx context.Context) error {
		return m.rt.Store().LoadModel(ctx, flow.Key, sessionID, model)
	})
	if err != nil {
		return nil, err
	}
	return model, nil
}

func (m *Manager) progress(ctx context.Context, sessionID string) (*Progress, error) {
	status, err := m.rt.Store().Progress(ctx, sessionID)
	if errors.Is(err, store.ErrNoProgress) {
		// The graph finished between the existence check and the read.
		return &Progress{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Progress{
		TotalNumberOfSubtasks:    status.Todo,
		NumberOfSubtasksExecuted: status.Done,
	}, nil
}

// renderStateTemplate renders the first leaf of a state's template with the
// machine's current render data.
func (m *Manager) renderStateTemplate(machine *genie.Machine, stateID string) (string, error) {
	expr, err := machine.Flow().Template(stateID)
	if err != nil {
		return "", err
	}
	leaves := template.Leaves(expr)
	if len(leaves) == 0 {
		return "", fmt.Errorf("state %q has no renderable template", stateID)
	}
	renderData, err := machine.RenderData()
	if err != nil {
		return "", err
	}
	return m.rt.Environment().Render(leaves[0], renderData)
}

// latestText returns the most recent dialogue text, or the empty string for
// an empty dialogue.
func latestText(model genie.Model) string {
	if el := model.Base().CurrentResponse(); el != nil {
		return el.Text
	}
	return ""
}
