// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package template

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MetaFileName is the per-directory configuration file. Every directory on
// the path from a registered root to a template's directory may carry one.
const MetaFileName = "meta.yaml"

// Meta is the merged per-directory configuration a template resolves to.
// Unknown keys are preserved but unused.
type Meta struct {
	raw map[string]any
}

// Invoker returns the invoker spec ("type" plus type-specific fields), or
// nil when the directory declares none.
func (m Meta) Invoker() map[string]any {
	spec, _ := m.raw[metaKeyInvoker].(map[string]any)
	return spec
}

// HasInvoker reports whether the merged configuration declares an invoker.
func (m Meta) HasInvoker() bool {
	return len(m.Invoker()) > 0
}

// PoolSize returns the declared invoker pool size, defaulting to 1.
func (m Meta) PoolSize() int {
	switch v := m.raw[metaKeyPoolSize].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return 1
}

const (
	metaKeyInvoker  = "invoker"
	metaKeyPoolSize = "pool_size"
)

// loadMetaChain walks from root down through the relative directory
// components, reading each level's meta.yaml if present and shallow-merging
// top-level keys left to right. Child values override parent values whole;
// there is no deep merge.
func loadMetaChain(root, relDir string) (Meta, error) {
	merged := make(map[string]any)

	dirs := []string{root}
	if relDir != "" && relDir != "." {
		current := root
		for _, part := range splitPath(relDir) {
			current = filepath.Join(current, part)
			dirs = append(dirs, current)
		}
	}

	for _, dir := range dirs {
		level, err := readMetaFile(filepath.Join(dir, MetaFileName))
		if err != nil {
			return Meta{}, err
		}
		for k, v := range level {
			merged[k] = v
		}
	}
	return Meta{raw: merged}, nil
}

func readMetaFile(path string) (map[string]any, error) {
	payload, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	level := make(map[string]any)
	if err := yaml.Unmarshal(payload, &level); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return normalizeYAML(level).(map[string]any), nil
}

func splitPath(rel string) []string {
	var parts []string
	rel = filepath.ToSlash(rel)
	start := 0
	for i := 0; i <= len(rel); i++ {
		if i == len(rel) || rel[i] == '/' {
			if i > start {
				parts = append(parts, rel[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// normalizeYAML rewrites map[any]any trees the YAML decoder may emit into
// map[string]any so invoker specs can be handled uniformly.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}
