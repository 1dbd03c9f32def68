// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package task compiles composite template expressions into task graphs and
// runs them on a pool of queue-fed workers. The graph vocabulary is a closed
// set of builtin tasks; flows extend it only through registered TaskRef
// tasks.
package task

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Builtin task names. Signatures reference tasks by name so graphs can be
// serialized onto the queue and picked up by any worker.
const (
	TaskInvoke       = "genieflow.invoke"
	TaskChainContext = "genieflow.chain_context"
	TaskCombineDict  = "genieflow.combine_dict"
	TaskCombineList  = "genieflow.combine_list"
	TaskMap          = "genieflow.map"
	TaskTriggerEvent = "genieflow.trigger_event"
	TaskErrorHandler = "genieflow.error_handler"
)

// Signature is one node of a compiled task graph, self-contained enough to
// be executed by any worker: the task name, its curried arguments, and the
// graph edges (linear continuation, group membership, group callback).
//
// A signature with an empty Task is structural: it fans its GroupMembers
// out and routes their joined results into Callback.
type Signature struct {
	// ID identifies this node; RootID identifies the graph it belongs to
	// and doubles as the progress record's task id.
	ID     string `json:"id"`
	RootID string `json:"root_id,omitempty"`

	// Task names the registered task to run; empty for structural group
	// nodes.
	Task string `json:"task,omitempty"`

	// SessionID scopes the graph to one session.
	SessionID string `json:"session_id"`

	// FlowKey and Event parametrize the terminal tasks: which model class
	// to load and which event to send when the graph completes.
	FlowKey string `json:"flow_key,omitempty"`
	Event   string `json:"event,omitempty"`

	// Template is the template name for invoke tasks.
	Template string `json:"template,omitempty"`

	// RenderData is the render-data snapshot the task operates on.
	RenderData map[string]any `json:"render_data,omitempty"`

	// Keys is the declared key order for combine_dict.
	Keys []string `json:"keys,omitempty"`

	// MapOver parameters.
	ListPath   string `json:"list_path,omitempty"`
	IndexField string `json:"index_field,omitempty"`
	ValueField string `json:"value_field,omitempty"`

	// PrevResult is the predecessor's result, set by the runtime when a
	// chain advances.
	PrevResult string `json:"prev_result,omitempty"`

	// GroupResults carries the joined member results into a group
	// callback, in member index order.
	GroupResults []string `json:"group_results,omitempty"`

	// Group membership tags. The runtime forwards them along a member's
	// chain so the barrier fires at the end of the member's subtree.
	// GroupCallback is the join task the barrier enqueues when the last
	// member finishes; it is distinct from Callback, which belongs to a
	// structural node's own group.
	GroupID       string     `json:"group_id,omitempty"`
	GroupIndex    int        `json:"group_index,omitempty"`
	GroupSize     int        `json:"group_size,omitempty"`
	GroupCallback *Signature `json:"group_callback,omitempty"`

	// GroupMembers and Callback define a structural group node.
	GroupMembers []*Signature `json:"group_members,omitempty"`
	Callback     *Signature   `json:"callback,omitempty"`

	// Chain is the linear continuation after this node.
	Chain []*Signature `json:"chain,omitempty"`

	// ErrHandler runs when any node of the graph fails. The compiler sets
	// it on the root; the runtime propagates it while the graph unfolds.
	ErrHandler *Signature `json:"err_handler,omitempty"`

	// Failure context, filled in when an error handler is dispatched.
	FailedTaskID string `json:"failed_task_id,omitempty"`
	TaskError    string `json:"task_error,omitempty"`
}

// newSignature creates a task node bound to a session.
func newSignature(taskName, sessionID string) *Signature {
	return &Signature{
		ID:        uuid.NewString(),
		Task:      taskName,
		SessionID: sessionID,
	}
}

// IsStructural reports whether this node is a group fan-out rather than a
// runnable task.
func (s *Signature) IsStructural() bool { return s.Task == "" }

// IsTerminal reports whether this node closes out the graph. Terminal tasks
// update the session model instead of the progress counter.
func (s *Signature) IsTerminal() bool {
	return s.Task == TaskTriggerEvent || s.Task == TaskErrorHandler
}

// Encode serializes the signature for the queue.
func (s *Signature) Encode() ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode signature %s: %w", s.ID, err)
	}
	return payload, nil
}

// DecodeSignature deserializes a queued signature.
func DecodeSignature(payload []byte) (*Signature, error) {
	var sig Signature
	if err := json.Unmarshal(payload, &sig); err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return &sig, nil
}

// setRootID stamps the graph id on the node and everything reachable from
// it.
func (s *Signature) setRootID(rootID string) {
	s.RootID = rootID
	for _, m := range s.GroupMembers {
		m.setRootID(rootID)
	}
	if s.Callback != nil {
		s.Callback.setRootID(rootID)
	}
	if s.GroupCallback != nil {
		s.GroupCallback.setRootID(rootID)
	}
	for _, c := range s.Chain {
		c.setRootID(rootID)
	}
	if s.ErrHandler != nil {
		s.ErrHandler.setRootID(rootID)
	}
}
