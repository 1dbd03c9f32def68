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
	"fmt"

	"github.com/google/uuid"

	"github.com/AleutianAI/genieflow/template"
)

// Compile turns a composite template expression into an executable task
// graph. The returned count is the number of runnable subtasks the graph
// holds at enqueue time; map nodes raise the count at runtime when they
// expand.
//
// The graph is wrapped with a trailing trigger_event carrying the event to
// send on completion, and the error handler is attached to the root.
func Compile(
	expr template.Expr,
	renderData map[string]any,
	sessionID, flowKey, event string,
) (*Signature, int, error) {
	root, count, err := compile(expr, renderData, sessionID)
	if err != nil {
		return nil, 0, err
	}

	trigger := newSignature(TaskTriggerEvent, sessionID)
	trigger.FlowKey = flowKey
	trigger.Event = event
	root.Chain = append(root.Chain, trigger)
	count++

	handler := newSignature(TaskErrorHandler, sessionID)
	handler.FlowKey = flowKey
	handler.Event = event
	root.ErrHandler = handler

	root.setRootID(root.ID)
	return root, count, nil
}

func compile(expr template.Expr, renderData map[string]any, sessionID string) (*Signature, int, error) {
	switch e := expr.(type) {
	case template.Leaf:
		sig := newSignature(TaskInvoke, sessionID)
		sig.Template = string(e)
		sig.RenderData = renderData
		return sig, 1, nil

	case template.TaskRef:
		if e.Name == "" {
			return nil, 0, fmt.Errorf("task reference has no name")
		}
		sig := newSignature(e.Name, sessionID)
		sig.RenderData = renderData
		return sig, 1, nil

	case template.Sequence:
		return compileSequence(e, renderData, sessionID)

	case template.Parallel:
		return compileParallel(e, renderData, sessionID)

	case template.MapOver:
		sig := newSignature(TaskMap, sessionID)
		sig.Template = e.Template
		sig.RenderData = renderData
		sig.ListPath = e.ListPath
		sig.IndexField = e.IndexField
		sig.ValueField = e.ValueField
		return sig, 1, nil

	default:
		return nil, 0, fmt.Errorf("unknown template expression %T", expr)
	}
}

// compileSequence chains the children, interleaving a chain_context between
// consecutive steps so each step sees its predecessor's result in its
// render data.
func compileSequence(seq template.Sequence, renderData map[string]any, sessionID string) (*Signature, int, error) {
	if len(seq) == 0 {
		return nil, 0, fmt.Errorf("empty sequence")
	}

	var (
		ordered []*Signature
		total   int
	)
	for i, child := range seq {
		sig, n, err := compile(child, renderData, sessionID)
		if err != nil {
			return nil, 0, err
		}
		if i > 0 {
			chainCtx := newSignature(TaskChainContext, sessionID)
			chainCtx.RenderData = renderData
			ordered = append(ordered, chainCtx)
			total++
		}
		ordered = append(ordered, sig)
		total += n
	}

	head := ordered[0]
	head.Chain = append(head.Chain, ordered[1:]...)
	return head, total, nil
}

// compileParallel builds a structural group whose joined results feed a
// combine_dict keyed in declaration order.
func compileParallel(par template.Parallel, renderData map[string]any, sessionID string) (*Signature, int, error) {
	if len(par) == 0 {
		return nil, 0, fmt.Errorf("empty parallel")
	}

	group := &Signature{
		ID:        uuid.NewString(),
		SessionID: sessionID,
	}
	keys := make([]string, 0, len(par))
	total := 0
	for _, branch := range par {
		if branch.Key == "" {
			return nil, 0, fmt.Errorf("parallel branch has no key")
		}
		member, n, err := compile(branch.Expr, renderData, sessionID)
		if err != nil {
			return nil, 0, err
		}
		keys = append(keys, branch.Key)
		group.GroupMembers = append(group.GroupMembers, member)
		total += n
	}

	combine := newSignature(TaskCombineDict, sessionID)
	combine.Keys = keys
	group.Callback = combine
	return group, total + 1, nil
}
