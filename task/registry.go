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
	"sync"
)

// Result is what a task produces: the string value passed down the chain,
// and optionally a replacement render-data map that the next chain step
// operates on (chain_context is the only builtin that sets it).
type Result struct {
	Value string
	Data  map[string]any
}

// Func is a runnable task. It receives the runtime for access to the
// template environment, the store and the broker.
type Func func(ctx context.Context, rt *Runtime, sig *Signature) (Result, error)

// Registry maps task names to implementations. The builtins are registered
// by NewRegistry; flows add their TaskRef tasks before workers start.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Func
}

// NewRegistry creates a registry pre-loaded with the builtin tasks.
func NewRegistry() *Registry {
	r := &Registry{tasks: make(map[string]Func)}
	r.Register(TaskInvoke, taskInvoke)
	r.Register(TaskChainContext, taskChainContext)
	r.Register(TaskCombineDict, taskCombineDict)
	r.Register(TaskCombineList, taskCombineList)
	r.Register(TaskMap, taskMap)
	r.Register(TaskTriggerEvent, taskTriggerEvent)
	r.Register(TaskErrorHandler, taskErrorHandler)
	return r
}

// Register adds or replaces a task implementation.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = fn
}

// Get looks a task up by name.
func (r *Registry) Get(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", name)
	}
	return fn, nil
}
