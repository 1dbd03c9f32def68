// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package invoker adapts rendered template text to external backends. An
// Invoker takes one string in and returns one string out; everything a
// backend needs beyond that (clients, credentials, query shape) is fixed at
// construction time from the template directory's meta configuration.
package invoker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// Invoker executes one rendered template against a backend.
type Invoker interface {
	// Invoke sends the content to the backend and returns the raw string
	// response.
	//
	// Description: single round-trip against the configured backend.
	// Inputs: ctx for cancellation, content as the full request payload.
	// Outputs: the backend's textual response, or an *Error.
	Invoke(ctx context.Context, content string) (string, error)
}

// Error wraps a backend failure with the invoker kind that produced it.
// Task-level error handling matches on this type to distinguish invocation
// failures from orchestration bugs.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("invoker %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Builder constructs an invoker from its meta spec. The spec is the
// "invoker" mapping of the merged meta configuration, "type" included.
type Builder func(spec map[string]any, logger *slog.Logger) (Invoker, error)

// Factory builds invokers by their declared "type". The builtin kinds are
// registered by NewFactory; additional kinds may be registered before any
// template directory referencing them is used.
type Factory struct {
	mu       sync.RWMutex
	builders map[string]Builder
	logger   *slog.Logger
}

// NewFactory creates a factory with all builtin invoker kinds registered.
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		builders: make(map[string]Builder),
		logger:   logger,
	}
	f.Register("verbatim", newVerbatim)
	f.Register("openai-chat", newOpenAIChat)
	f.Register("openai-json", newOpenAIJSON)
	f.Register("weaviate-similarity", newWeaviateSimilarity)
	f.Register("neo4j-cypher", newNeo4jCypher)
	f.Register("http", newHTTP)
	return f
}

// Register adds or replaces a builder for the given kind.
func (f *Factory) Register(kind string, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[kind] = b
}

// Build constructs one invoker from a spec. The spec must carry a "type"
// key naming a registered kind.
func (f *Factory) Build(spec map[string]any) (Invoker, error) {
	kind, _ := spec["type"].(string)
	if kind == "" {
		return nil, fmt.Errorf("invoker spec has no type: %v", spec)
	}

	f.mu.RLock()
	builder, ok := f.builders[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown invoker type %q", kind)
	}
	return builder(spec, f.logger)
}

// NewPool builds size invokers from the spec and wraps them in a blocking
// pool.
func (f *Factory) NewPool(spec map[string]any, size int) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	invokers := make([]Invoker, 0, size)
	for i := 0; i < size; i++ {
		inv, err := f.Build(spec)
		if err != nil {
			return nil, err
		}
		invokers = append(invokers, inv)
	}
	return NewPool(invokers), nil
}

// stringParam reads a string key from the spec, falling back to an
// environment variable and then to a default. Credentials are usually left
// out of meta files and supplied through the environment.
func stringParam(spec map[string]any, key, envVar, fallback string) string {
	if v, ok := spec[key].(string); ok && v != "" {
		return v
	}
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return fallback
}

// intParam reads an int key from the spec, tolerating the YAML decoder's
// int and string representations.
func intParam(spec map[string]any, key string, fallback int) int {
	switch v := spec[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
