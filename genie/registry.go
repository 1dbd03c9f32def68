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
	"fmt"
	"sync"

	"github.com/AleutianAI/genieflow/template"
)

// Registry holds the registered flow definitions, keyed by flow type key.
// Flows are registered at startup; lookups are concurrent-safe.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]*Flow
}

// NewRegistry creates an empty flow registry.
func NewRegistry() *Registry {
	return &Registry{flows: make(map[string]*Flow)}
}

// Register validates the flow against the template environment and adds it.
// Registering an already-registered key or an invalid flow fails.
func (r *Registry) Register(flow *Flow, env *template.Environment) error {
	if err := flow.Validate(env); err != nil {
		return fmt.Errorf("validate flow: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.flows[flow.Key]; exists {
		return fmt.Errorf("flow key %q already registered", flow.Key)
	}
	r.flows[flow.Key] = flow
	return nil
}

// Get returns the flow registered under the given key, or ErrUnknownFlow.
func (r *Registry) Get(key string) (*Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	flow, ok := r.flows[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlow, key)
	}
	return flow, nil
}

// Keys returns the registered flow keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.flows))
	for k := range r.flows {
		keys = append(keys, k)
	}
	return keys
}
