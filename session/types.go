// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

// Progress reports how far an in-flight task graph has come.
type Progress struct {
	TotalNumberOfSubtasks    int `json:"total_number_of_subtasks"`
	NumberOfSubtasksExecuted int `json:"number_of_subtasks_executed"`
}

// Response is the front-door reply for session creation, events and polls.
// Exactly one of Response, Error or Progress is usually meaningful; the
// NextActions list always tells the client what it may send next.
type Response struct {
	SessionID   string    `json:"session_id"`
	Response    string    `json:"response,omitempty"`
	Error       any       `json:"error,omitempty"`
	NextActions []string  `json:"next_actions"`
	Progress    *Progress `json:"progress,omitempty"`
}

// Status answers a task-state query: ready means no task graph is running.
type Status struct {
	SessionID   string   `json:"session_id"`
	Ready       bool     `json:"ready"`
	NextActions []string `json:"next_actions,omitempty"`
}

// EventInput is the client's event submission.
type EventInput struct {
	SessionID  string `json:"session_id" binding:"required"`
	Event      string `json:"event" binding:"required"`
	EventInput string `json:"event_input"`
}

// TransitionError is the structured payload returned when an event is not
// accepted in the session's current state.
type TransitionError struct {
	SessionID      string       `json:"session_id"`
	CurrentState   CurrentState `json:"current_state"`
	PossibleEvents []string     `json:"possible_events"`
	ReceivedEvent  string       `json:"received_event"`
}

// CurrentState identifies the state an event was rejected in.
type CurrentState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EventPoll is the reserved event name clients use to poll for the outcome
// of background work.
const EventPoll = "poll"
