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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmespath/go-jmespath"

	"github.com/AleutianAI/genieflow/genie"
	"github.com/AleutianAI/genieflow/store"
)

// taskInvoke renders the signature's template and runs it through the
// template's invoker pool.
func taskInvoke(ctx context.Context, rt *Runtime, sig *Signature) (Result, error) {
	if sig.Template == "" {
		return Result{}, fmt.Errorf("invoke task %s has no template", sig.ID)
	}
	value, err := rt.env.Invoke(ctx, sig.Template, sig.RenderData)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: value}, nil
}

// taskChainContext threads the previous chain step's result into the render
// data for the next step, both raw and deep-parsed.
func taskChainContext(_ context.Context, _ *Runtime, sig *Signature) (Result, error) {
	data := make(map[string]any, len(sig.RenderData)+2)
	for k, v := range sig.RenderData {
		data[k] = v
	}
	data["previous_result"] = sig.PrevResult
	data["parsed_previous_result"] = parseJSONDeep(sig.PrevResult)
	return Result{Value: sig.PrevResult, Data: data}, nil
}

// taskCombineDict joins group results into a JSON object, keyed in the
// declared branch order.
func taskCombineDict(_ context.Context, _ *Runtime, sig *Signature) (Result, error) {
	if len(sig.Keys) != len(sig.GroupResults) {
		return Result{}, fmt.Errorf(
			"combine_dict: %d keys for %d results",
			len(sig.Keys), len(sig.GroupResults),
		)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range sig.Keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(key)
		if err != nil {
			return Result{}, err
		}
		valueJSON, err := json.Marshal(parseIfJSON(sig.GroupResults[i]))
		if err != nil {
			return Result{}, err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		buf.Write(valueJSON)
	}
	buf.WriteByte('}')
	return Result{Value: buf.String()}, nil
}

// taskCombineList joins group results into a JSON list in member order.
func taskCombineList(_ context.Context, _ *Runtime, sig *Signature) (Result, error) {
	list := make([]any, 0, len(sig.GroupResults))
	for _, res := range sig.GroupResults {
		list = append(list, parseIfJSON(res))
	}
	payload, err := json.Marshal(list)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: string(payload)}, nil
}

// taskMap resolves its list path against the render data and replaces
// itself with a fan-out of per-element invokes joined by combine_list. The
// progress total is raised by the fan-out before anything is enqueued, so
// polls never observe done past todo because of the expansion.
func taskMap(ctx context.Context, rt *Runtime, sig *Signature) (Result, error) {
	raw, err := jmespath.Search(sig.ListPath, map[string]any(sig.RenderData))
	if err != nil {
		return Result{}, fmt.Errorf("map: resolve %q: %w", sig.ListPath, err)
	}
	list, ok := raw.([]any)
	if !ok {
		return Result{}, fmt.Errorf("map: %q resolved to %T, want a list", sig.ListPath, raw)
	}
	if len(list) == 0 {
		return Result{Value: "[]"}, nil
	}

	members := make([]*Signature, 0, len(list))
	for i, element := range list {
		member := newSignature(TaskInvoke, sig.SessionID)
		member.Template = sig.Template
		data := make(map[string]any, len(sig.RenderData)+2)
		for k, v := range sig.RenderData {
			data[k] = v
		}
		data[sig.IndexField] = i
		data[sig.ValueField] = element
		member.RenderData = data
		members = append(members, member)
	}

	group := &Signature{
		ID:           uuid.NewString(),
		SessionID:    sig.SessionID,
		GroupMembers: members,
		Callback:     newSignature(TaskCombineList, sig.SessionID),
	}
	// The expansion takes over this node's place in the graph.
	group.Chain = sig.Chain
	sig.Chain = nil
	forwardGroupTags(sig, group)
	sig.GroupID = ""
	sig.GroupCallback = nil
	group.ErrHandler = sig.ErrHandler
	group.setRootID(sig.RootID)

	if err := rt.store.AddTodo(ctx, sig.SessionID, len(list)+1); err != nil {
		return Result{}, err
	}
	if err := rt.executeGroup(ctx, group); err != nil {
		return Result{}, err
	}
	return Result{}, nil
}

// taskTriggerEvent closes a task graph out: under the session lock it
// retires the progress record and sends the follow-up event, with the
// graph's final result as the event input, through a fully listened state
// machine.
func taskTriggerEvent(ctx context.Context, rt *Runtime, sig *Signature) (Result, error) {
	flow, err := rt.flows.Get(sig.FlowKey)
	if err != nil {
		return Result{}, err
	}

	err = rt.store.WithSessionLock(ctx, sig.SessionID, func(ctx context.Context) error {
		model := flow.NewModel(sig.SessionID)
		if err := rt.store.LoadModel(ctx, flow.Key, sig.SessionID, model); err != nil {
			return err
		}

		if err := rt.retireProgress(ctx, sig); err != nil {
			return err
		}

		if sig.Event == "" {
			rt.logger.Warn("task graph finished without a follow-up event",
				slog.String("session_id", sig.SessionID),
				slog.String("flow", flow.Key))
			return rt.store.SaveModel(ctx, flow.Key, sig.SessionID, model)
		}

		machine, err := genie.NewMachine(flow, model)
		if err != nil {
			return err
		}
		machine.AddListener(NewTransitionListener(rt))
		if err := machine.Send(ctx, sig.Event, sig.PrevResult); err != nil {
			return err
		}
		return rt.store.SaveModel(ctx, flow.Key, sig.SessionID, model)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Value: sig.PrevResult}, nil
}

// retireProgress verifies and deletes the progress record of the graph that
// just finished. Mismatched or missing records are logged and tolerated,
// including done running past todo during map expansion.
func (r *Runtime) retireProgress(ctx context.Context, sig *Signature) error {
	prog, err := r.store.Progress(ctx, sig.SessionID)
	if errors.Is(err, store.ErrNoProgress) {
		r.logger.Warn("no progress record at graph completion",
			slog.String("session_id", sig.SessionID))
		return nil
	}
	if err != nil {
		return err
	}

	if prog.TaskID != sig.RootID {
		r.logger.Warn("progress record belongs to another task graph",
			slog.String("session_id", sig.SessionID),
			slog.String("expected", sig.RootID),
			slog.String("found", prog.TaskID))
	}
	if prog.Done > prog.Todo {
		r.logger.Warn("progress counter ran past its total",
			slog.String("session_id", sig.SessionID),
			slog.Int("todo", prog.Todo),
			slog.Int("done", prog.Done))
	}

	if err := r.store.TombstoneProgress(ctx, sig.SessionID); err != nil {
		return err
	}
	return r.store.DeleteProgress(ctx, sig.SessionID)
}

// taskErrorHandler records a failed graph on the session model and sends
// the follow-up event with an empty input, so the flow can take its
// declared fallback transition.
func taskErrorHandler(ctx context.Context, rt *Runtime, sig *Signature) (Result, error) {
	flow, err := rt.flows.Get(sig.FlowKey)
	if err != nil {
		return Result{}, err
	}

	err = rt.store.WithSessionLock(ctx, sig.SessionID, func(ctx context.Context) error {
		model := flow.NewModel(sig.SessionID)
		if err := rt.store.LoadModel(ctx, flow.Key, sig.SessionID, model); err != nil {
			return err
		}

		record, err := json.Marshal(map[string]string{
			"session_id": sig.SessionID,
			"task_id":    sig.FailedTaskID,
			"exception":  sig.TaskError,
		})
		if err != nil {
			return err
		}
		base := model.Base()
		if base.TaskError != "" {
			base.TaskError += "\n"
		}
		base.TaskError += string(record)

		if err := rt.store.DeleteProgress(ctx, sig.SessionID); err != nil {
			rt.logger.Warn("failed to delete progress after task failure",
				slog.String("session_id", sig.SessionID),
				slog.Any("error", err))
		}

		if sig.Event != "" {
			machine, err := genie.NewMachine(flow, model)
			if err != nil {
				return err
			}
			machine.AddListener(NewTransitionListener(rt))
			if err := machine.Send(ctx, sig.Event, ""); err != nil {
				var notAllowed *genie.TransitionNotAllowedError
				if !errors.As(err, &notAllowed) {
					return err
				}
				rt.logger.Warn("fallback event not accepted",
					slog.String("session_id", sig.SessionID),
					slog.String("event", sig.Event))
			}
		}
		return rt.store.SaveModel(ctx, flow.Key, sig.SessionID, model)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{}, nil
}

// parseIfJSON decodes a string when it is valid JSON, otherwise returns it
// unchanged.
func parseIfJSON(s string) any {
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return s
	}
	return parsed
}

// parseJSONDeep decodes nested JSON: strings that parse are replaced by
// their parsed value, and maps and lists are walked recursively.
func parseJSONDeep(v any) any {
	switch t := v.(type) {
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(t), &parsed); err != nil {
			return t
		}
		if inner, ok := parsed.(string); ok {
			return inner
		}
		return parseJSONDeep(parsed)
	case map[string]any:
		for k, val := range t {
			t[k] = parseJSONDeep(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = parseJSONDeep(val)
		}
		return t
	default:
		return v
	}
}
