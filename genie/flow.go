// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package genie implements the state machine runtime that drives GenieFlow
// dialogues: typed flow definitions, the session model they operate on, and
// the per-dispatch machine that applies guarded transitions with hooks and
// listeners.
package genie

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/genieflow/template"
)

// State is one node of a flow's state machine.
type State struct {
	// ID uniquely identifies the state within its flow.
	ID string

	// Name is a human-readable label. Defaults to the ID with underscores
	// replaced by spaces.
	Name string

	// Value is the client-visible state value, a string or an int.
	// Values must be unique within a flow.
	Value any

	// Initial marks the state the machine starts in. Exactly one state
	// per flow must be initial.
	Initial bool

	// Final marks a terminal state.
	Final bool
}

// DisplayName returns Name, or a name derived from the ID when unset.
func (s State) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return strings.ReplaceAll(s.ID, "_", " ")
}

// GuardFunc decides whether a transition may fire. Guards must be pure
// functions of the model and the event input.
type GuardFunc func(model Model, input string) bool

// HookFunc is an exit or entry hook. Hooks may mutate the model, typically
// to parse structured data out of the actor input into typed fields.
type HookFunc func(model Model, input string) error

// Transition connects a source state to a target state for one event,
// optionally protected by a guard.
type Transition struct {
	Event  string
	Source string
	Target string
	Guard  GuardFunc
}

// Flow is the static definition of one registered flow type. A Flow is
// built once at startup, validated on registration and never mutated
// afterwards.
type Flow struct {
	// Key is the flow type key clients select the flow by. It doubles as
	// the persisted model class name.
	Key string

	// States lists all states of the flow.
	States []State

	// Transitions lists the guarded transitions, in declaration order.
	// For one (state, event) pair the first transition whose guard holds
	// wins.
	Transitions []Transition

	// Templates maps state ids to their composite template expression.
	// Every state must have one.
	Templates map[string]template.Expr

	// NewModel constructs an empty session model for this flow.
	NewModel func(sessionID string) Model

	// OnExit and OnEnter map state ids to hooks run when the state is
	// left or entered during a transition.
	OnExit  map[string]HookFunc
	OnEnter map[string]HookFunc
}

// InitialState returns the flow's declared initial state.
func (f *Flow) InitialState() (State, error) {
	for _, s := range f.States {
		if s.Initial {
			return s, nil
		}
	}
	return State{}, fmt.Errorf("flow %q has no initial state", f.Key)
}

// StateByID looks a state up by its id.
func (f *Flow) StateByID(id string) (State, bool) {
	for _, s := range f.States {
		if s.ID == id {
			return s, true
		}
	}
	return State{}, false
}

// EventsFrom returns the distinct events leading out of the given state, in
// declaration order. These are the "next actions" reported to clients.
func (f *Flow) EventsFrom(stateID string) []string {
	events := make([]string, 0, 4)
	seen := make(map[string]struct{})
	for _, t := range f.Transitions {
		if t.Source != stateID {
			continue
		}
		if _, ok := seen[t.Event]; ok {
			continue
		}
		seen[t.Event] = struct{}{}
		events = append(events, t.Event)
	}
	return events
}

// Template returns the template expression attached to the given state.
func (f *Flow) Template(stateID string) (template.Expr, error) {
	expr, ok := f.Templates[stateID]
	if !ok {
		return nil, fmt.Errorf("flow %q: no template for state %q", f.Key, stateID)
	}
	return expr, nil
}

// Validate checks a flow definition for structural consistency and resolves
// every leaf template name against the environment. Any failure aborts
// registration.
func (f *Flow) Validate(env *template.Environment) error {
	if f.Key == "" {
		return fmt.Errorf("flow has no key")
	}
	if f.NewModel == nil {
		return fmt.Errorf("flow %q has no model constructor", f.Key)
	}
	if len(f.States) == 0 {
		return fmt.Errorf("flow %q has no states", f.Key)
	}

	initial := 0
	values := make(map[any]string, len(f.States))
	ids := make(map[string]struct{}, len(f.States))
	for _, s := range f.States {
		if s.Initial {
			initial++
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("flow %q: duplicate state id %q", f.Key, s.ID)
		}
		ids[s.ID] = struct{}{}
		if other, dup := values[s.Value]; dup {
			return fmt.Errorf(
				"flow %q: states %q and %q share value %v",
				f.Key, other, s.ID, s.Value,
			)
		}
		values[s.Value] = s.ID

		expr, ok := f.Templates[s.ID]
		if !ok {
			return fmt.Errorf("flow %q: state %q has no template", f.Key, s.ID)
		}
		if missing := env.MissingTemplates(expr); len(missing) > 0 {
			return fmt.Errorf(
				"flow %q: state %q references unknown templates %v",
				f.Key, s.ID, missing,
			)
		}
	}
	if initial != 1 {
		return fmt.Errorf("flow %q must have exactly one initial state, has %d", f.Key, initial)
	}

	for _, t := range f.Transitions {
		if _, ok := ids[t.Source]; !ok {
			return fmt.Errorf("flow %q: transition %q from unknown state %q", f.Key, t.Event, t.Source)
		}
		if _, ok := ids[t.Target]; !ok {
			return fmt.Errorf("flow %q: transition %q to unknown state %q", f.Key, t.Event, t.Target)
		}
		if t.Event == "" {
			return fmt.Errorf("flow %q: transition %s->%s has no event", f.Key, t.Source, t.Target)
		}
	}
	return nil
}

// NonEmptyInput is a guard that accepts a transition only when the event
// carries a non-empty payload.
func NonEmptyInput(_ Model, input string) bool { return input != "" }
