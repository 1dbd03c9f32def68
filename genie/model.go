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

import "time"

// Model is implemented by every flow's session model. Flow models embed
// Session and add their own extraction fields on top; the embedded base
// provides the attributes the state machine runtime depends on.
//
// Models are plain JSON-serializable structs. A model's concrete type is
// selected through the flow registry (the flow key doubles as the persisted
// class name), never through reflection on type names.
type Model interface {
	// Base returns the embedded session base.
	Base() *Session

	// SchemaVersion reports the persistence schema version of the model
	// class. Payloads persisted under a different version are rejected
	// at load time.
	SchemaVersion() int
}

// Session is the base of every session model. It carries the session id,
// the state cursor, the conversation so far and the scratch slots used
// while a transition is in flight.
type Session struct {
	// SessionID is the opaque, client-visible session identifier.
	SessionID string `json:"session_id"`

	// State is the id of the current state. The empty string means the
	// machine has not been started; binding a machine to the model moves
	// it to the flow's initial state.
	State string `json:"state"`

	// Dialogue is the conversation history, append-only during a
	// transition and persisted with the model.
	Dialogue []DialogueElement `json:"dialogue"`

	// Actor is the originator of the transition currently in flight.
	Actor string `json:"actor,omitempty"`

	// ActorInput is the textual payload of the transition currently in
	// flight.
	ActorInput string `json:"actor_input,omitempty"`

	// TaskError accumulates JSON-serialized error records from failed
	// background invocations.
	TaskError string `json:"task_error,omitempty"`
}

// Base returns the session itself so that embedding types satisfy Model.
func (s *Session) Base() *Session { return s }

// SchemaVersion is the default schema version. Models that change their
// persisted shape override this.
func (s *Session) SchemaVersion() int { return 0 }

// CurrentResponse returns the most recent dialogue element, or nil when the
// dialogue is still empty.
func (s *Session) CurrentResponse() *DialogueElement {
	if len(s.Dialogue) == 0 {
		return nil
	}
	return &s.Dialogue[len(s.Dialogue)-1]
}

// AddDialogueElement appends an utterance to the dialogue.
func (s *Session) AddDialogueElement(actor, text string) {
	s.Dialogue = append(s.Dialogue, DialogueElement{
		Actor:     actor,
		Timestamp: time.Now().UTC(),
		Text:      text,
	})
}

// HasError reports whether a background task recorded an error.
func (s *Session) HasError() bool { return s.TaskError != "" }
