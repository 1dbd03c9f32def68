// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package genie

import (
	"context"
	"encoding/json"
	"fmt"
)

// EventData carries the context of one transition through the listener
// callbacks.
type EventData struct {
	// Event is the event name that triggered the transition.
	Event string

	// Input is the event's first argument; the empty string when absent.
	Input string

	// Source and Target are the states the transition connects.
	Source State
	Target State

	// Machine is the machine conducting the transition.
	Machine *Machine
}

// Listener observes the phases of a transition. A fresh listener is attached
// per dispatch and discarded afterwards; there are no global observers.
type Listener interface {
	// BeforeTransition runs after the transition has been selected and
	// before the source state is exited.
	BeforeTransition(ctx context.Context, ev *EventData) error

	// OnTransition runs between the exit hook of the source and the entry
	// hook of the target, after the state cursor has moved.
	OnTransition(ctx context.Context, ev *EventData) error

	// AfterTransition runs once the transition has fully completed.
	AfterTransition(ctx context.Context, ev *EventData) error
}

// Machine is an ephemeral state machine bound to a loaded session model.
// One machine is instantiated per event dispatch; the model's State field is
// the only persistent cursor.
//
// Machine is not safe for concurrent use. The session lock makes sure only
// one dispatch per session is in flight across the fleet.
type Machine struct {
	flow      *Flow
	model     Model
	listeners []Listener
}

// NewMachine binds a machine to a model. A model that has never been
// dispatched (empty state) is moved to the flow's initial state.
func NewMachine(flow *Flow, model Model) (*Machine, error) {
	if flow == nil {
		return nil, fmt.Errorf("nil flow")
	}
	if model == nil {
		return nil, fmt.Errorf("nil model")
	}

	base := model.Base()
	if base.State == "" {
		initial, err := flow.InitialState()
		if err != nil {
			return nil, err
		}
		base.State = initial.ID
	} else if _, ok := flow.StateByID(base.State); !ok {
		return nil, fmt.Errorf(
			"model for session %q is in state %q unknown to flow %q",
			base.SessionID, base.State, flow.Key,
		)
	}

	return &Machine{flow: flow, model: model}, nil
}

// Flow returns the flow definition backing this machine.
func (m *Machine) Flow() *Flow { return m.flow }

// Model returns the bound session model.
func (m *Machine) Model() Model { return m.model }

// CurrentState returns the state the model currently sits in.
func (m *Machine) CurrentState() State {
	s, _ := m.flow.StateByID(m.model.Base().State)
	return s
}

// NextActions returns the events accepted in the current state.
func (m *Machine) NextActions() []string {
	return m.flow.EventsFrom(m.model.Base().State)
}

// AddListener attaches a listener for the duration of this machine's
// lifetime.
func (m *Machine) AddListener(l Listener) {
	m.listeners = append(m.listeners, l)
}

// Send dispatches an event with its input against the current state.
//
// Dispatch order: transition selection (guards), listener BeforeTransition,
// exit hook of the source, state cursor move, listener OnTransition, entry
// hook of the target, listener AfterTransition. A *TransitionNotAllowedError
// is returned when no transition for the event has a satisfied guard; the
// model is untouched in that case.
func (m *Machine) Send(ctx context.Context, event, input string) error {
	source := m.CurrentState()

	transition, ok := m.selectTransition(source.ID, event, input)
	if !ok {
		return &TransitionNotAllowedError{
			CurrentState:   source,
			PossibleEvents: m.flow.EventsFrom(source.ID),
			ReceivedEvent:  event,
		}
	}
	target, ok := m.flow.StateByID(transition.Target)
	if !ok {
		return fmt.Errorf("flow %q: transition target %q vanished", m.flow.Key, transition.Target)
	}

	ev := &EventData{
		Event:   event,
		Input:   input,
		Source:  source,
		Target:  target,
		Machine: m,
	}

	for _, l := range m.listeners {
		if err := l.BeforeTransition(ctx, ev); err != nil {
			return fmt.Errorf("before transition: %w", err)
		}
	}

	if hook, ok := m.flow.OnExit[source.ID]; ok {
		if err := hook(m.model, input); err != nil {
			return fmt.Errorf("exit hook for %q: %w", source.ID, err)
		}
	}

	m.model.Base().State = target.ID

	for _, l := range m.listeners {
		if err := l.OnTransition(ctx, ev); err != nil {
			return fmt.Errorf("on transition: %w", err)
		}
	}

	if hook, ok := m.flow.OnEnter[target.ID]; ok {
		if err := hook(m.model, input); err != nil {
			return fmt.Errorf("entry hook for %q: %w", target.ID, err)
		}
	}

	for _, l := range m.listeners {
		if err := l.AfterTransition(ctx, ev); err != nil {
			return fmt.Errorf("after transition: %w", err)
		}
	}
	return nil
}

// selectTransition finds the first transition for (state, event) whose guard
// holds. Guards are side-effect free by contract.
func (m *Machine) selectTransition(stateID, event, input string) (Transition, bool) {
	for _, t := range m.flow.Transitions {
		if t.Source != stateID || t.Event != event {
			continue
		}
		if t.Guard == nil || t.Guard(m.model, input) {
			return t, true
		}
	}
	return Transition{}, false
}

// RenderData builds the data context templates are rendered with: all JSON
// fields of the model plus the current state id and name, the chat-formatted
// dialogue history and the in-flight actor input.
func (m *Machine) RenderData() (map[string]any, error) {
	payload, err := json.Marshal(m.model)
	if err != nil {
		return nil, fmt.Errorf("marshal model: %w", err)
	}
	data := make(map[string]any)
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("unmarshal model: %w", err)
	}

	base := m.model.Base()
	history, err := FormatDialogue(base.Dialogue, FormatChat)
	if err != nil {
		return nil, err
	}

	current := m.CurrentState()
	data["state_id"] = current.ID
	data["state_name"] = current.DisplayName()
	data["chat_history"] = history
	data["actor_input"] = base.ActorInput
	return data, nil
}
