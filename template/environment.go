// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package template holds the composite template expressions flows attach to
// their states and the environment that resolves, renders and invokes them.
//
// Template names are "prefix/relative_path": the prefix selects a registered
// directory, the relative path a file below it. Rendering uses Handlebars
// semantics; invocation routes the rendered text through the invoker pool
// declared by the directory's merged meta configuration.
package template

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aymerick/raymond"

	"github.com/AleutianAI/genieflow/invoker"
)

// ErrNoInvoker is returned when Invoke is called on a template whose
// directory chain declares no invoker.
var ErrNoInvoker = errors.New("template has no invoker")

// Environment resolves template names to files, renders them and runs them
// through their configured invoker pools. All methods are concurrent-safe;
// parsed templates, merged metas and pools are cached on first use.
type Environment struct {
	factory *invoker.Factory
	logger  *slog.Logger

	mu        sync.RWMutex
	prefixes  map[string]string // prefix -> absolute directory
	templates map[string]*raymond.Template
	metas     map[string]Meta
	pools     map[string]*invoker.Pool
}

// NewEnvironment creates an empty environment backed by the given invoker
// factory.
func NewEnvironment(factory *invoker.Factory, logger *slog.Logger) *Environment {
	if logger == nil {
		logger = slog.Default()
	}
	return &Environment{
		factory:   factory,
		logger:    logger.With(slog.String("component", "template_env")),
		prefixes:  make(map[string]string),
		templates: make(map[string]*raymond.Template),
		metas:     make(map[string]Meta),
		pools:     make(map[string]*invoker.Pool),
	}
}

// Register maps a prefix to a template directory. Registering an existing
// prefix or a path that is not a directory fails.
func (e *Environment) Register(prefix, dir string) error {
	if prefix == "" || strings.HasPrefix(prefix, "/") || strings.HasSuffix(prefix, "/") {
		return fmt.Errorf("bad template prefix %q", prefix)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", abs)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.prefixes[prefix]; ok {
		return fmt.Errorf("prefix %q already registered for %s", prefix, existing)
	}
	e.prefixes[prefix] = abs
	e.logger.Debug("registered template directory",
		slog.String("prefix", prefix), slog.String("dir", abs))
	return nil
}

// AutoRegister walks a root directory and registers every directory that
// directly contains template files. The root itself is registered under its
// base name; subdirectories under "base/relative/path".
func (e *Environment) AutoRegister(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", root, err)
	}
	base := filepath.Base(abs)

	return filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		hasTemplates, err := containsTemplates(path)
		if err != nil {
			return err
		}
		if !hasTemplates {
			return nil
		}

		prefix := base
		if path != abs {
			rel, err := filepath.Rel(abs, path)
			if err != nil {
				return err
			}
			prefix = base + "/" + filepath.ToSlash(rel)
		}
		return e.Register(prefix, path)
	})
}

func containsTemplates(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if !entry.IsDir() && entry.Name() != MetaFileName {
			return true, nil
		}
	}
	return false, nil
}

// Prefixes returns the registered prefixes.
func (e *Environment) Prefixes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.prefixes))
	for p := range e.prefixes {
		out = append(out, p)
	}
	return out
}

// resolution is the outcome of mapping a template name onto the filesystem.
type resolution struct {
	prefix string
	root   string // registered directory for the prefix
	rel    string // path below root, slash-separated
	file   string // absolute template file path
}

// resolve maps a name to its file using longest-prefix match, so nested
// auto-registered directories shadow their parents.
func (e *Environment) resolve(name string) (resolution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var best resolution
	found := false
	for prefix, root := range e.prefixes {
		if !strings.HasPrefix(name, prefix+"/") {
			continue
		}
		if !found || len(prefix) > len(best.prefix) {
			best = resolution{prefix: prefix, root: root, rel: name[len(prefix)+1:]}
			found = true
		}
	}
	if !found || best.rel == "" {
		return resolution{}, fmt.Errorf("template %q matches no registered prefix", name)
	}
	if strings.Contains(best.rel, "..") {
		return resolution{}, fmt.Errorf("template %q escapes its directory", name)
	}
	best.file = filepath.Join(best.root, filepath.FromSlash(best.rel))
	return best, nil
}

// Render loads and renders the named template with the given data.
func (e *Environment) Render(name string, data map[string]any) (string, error) {
	res, err := e.resolve(name)
	if err != nil {
		return "", err
	}

	tpl, err := e.parsed(name, res.file)
	if err != nil {
		return "", err
	}
	out, err := tpl.Exec(data)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return out, nil
}

func (e *Environment) parsed(name, file string) (*raymond.Template, error) {
	e.mu.RLock()
	tpl, ok := e.templates[name]
	e.mu.RUnlock()
	if ok {
		return tpl, nil
	}

	source, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", name, err)
	}
	tpl, err = raymond.Parse(string(source))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}

	e.mu.Lock()
	e.templates[name] = tpl
	e.mu.Unlock()
	return tpl, nil
}

// Invoke renders the named template and runs the result through the
// template's invoker pool, blocking until a pool slot is free.
func (e *Environment) Invoke(ctx context.Context, name string, data map[string]any) (string, error) {
	content, err := e.Render(name, data)
	if err != nil {
		return "", err
	}
	pool, err := e.poolFor(name)
	if err != nil {
		return "", err
	}
	if pool == nil {
		return "", fmt.Errorf("%w: %q", ErrNoInvoker, name)
	}
	return pool.Invoke(ctx, content)
}

// Meta returns the merged meta configuration the named template resolves to.
func (e *Environment) Meta(name string) (Meta, error) {
	res, err := e.resolve(name)
	if err != nil {
		return Meta{}, err
	}
	return e.metaFor(res)
}

func (e *Environment) metaFor(res resolution) (Meta, error) {
	relDir := ""
	if i := strings.LastIndex(res.rel, "/"); i >= 0 {
		relDir = res.rel[:i]
	}
	key := res.prefix + "|" + relDir

	e.mu.RLock()
	meta, ok := e.metas[key]
	e.mu.RUnlock()
	if ok {
		return meta, nil
	}

	meta, err := loadMetaChain(res.root, relDir)
	if err != nil {
		return Meta{}, err
	}
	e.mu.Lock()
	e.metas[key] = meta
	e.mu.Unlock()
	return meta, nil
}

func (e *Environment) poolFor(name string) (*invoker.Pool, error) {
	res, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	meta, err := e.metaFor(res)
	if err != nil {
		return nil, err
	}
	if !meta.HasInvoker() {
		return nil, nil
	}

	relDir := ""
	if i := strings.LastIndex(res.rel, "/"); i >= 0 {
		relDir = res.rel[:i]
	}
	key := res.prefix + "|" + relDir

	e.mu.Lock()
	defer e.mu.Unlock()
	if pool, ok := e.pools[key]; ok {
		return pool, nil
	}
	pool, err := e.factory.NewPool(meta.Invoker(), meta.PoolSize())
	if err != nil {
		return nil, fmt.Errorf("build invoker pool for %s: %w", name, err)
	}
	e.pools[key] = pool
	e.logger.Debug("created invoker pool",
		slog.String("template", name), slog.Int("size", pool.Size()))
	return pool, nil
}

// HasInvoker reports whether executing the expression requires worker
// invocation: true when any leaf resolves to an invoker-bearing directory
// or the expression references a worker task directly.
func (e *Environment) HasInvoker(expr Expr) bool {
	switch t := expr.(type) {
	case Leaf:
		meta, err := e.Meta(string(t))
		if err != nil {
			return false
		}
		return meta.HasInvoker()
	case TaskRef:
		return true
	case Sequence:
		for _, child := range t {
			if e.HasInvoker(child) {
				return true
			}
		}
	case Parallel:
		for _, branch := range t {
			if e.HasInvoker(branch.Expr) {
				return true
			}
		}
	case MapOver:
		meta, err := e.Meta(t.Template)
		if err != nil {
			return false
		}
		return meta.HasInvoker()
	}
	return false
}

// MissingTemplates returns the leaf names of the expression that do not
// resolve to an existing file. An empty result means the expression is fully
// resolvable.
func (e *Environment) MissingTemplates(expr Expr) []string {
	var missing []string
	for _, name := range Leaves(expr) {
		res, err := e.resolve(name)
		if err != nil {
			missing = append(missing, name)
			continue
		}
		if _, err := os.Stat(res.file); err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}
