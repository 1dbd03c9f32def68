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

// Expr is a composite template expression. A state's expression describes
// what happens when the state is entered: a single rendered template, a
// linear chain, a parallel fan-out joined into a dict, a map over a runtime
// list, or any nesting of those.
//
// The variant is closed: Leaf, TaskRef, Sequence, Parallel and MapOver are
// the only implementations.
type Expr interface {
	isExpr()
}

// Leaf names one template, "prefix/relative_path". Rendering and invoking a
// leaf is a single invocation against the prefix's backend.
type Leaf string

func (Leaf) isExpr() {}

// TaskRef references a registered worker task by name. The task receives the
// render-data snapshot and the session id; everything else is opaque to the
// compiler.
type TaskRef struct {
	Name string
}

func (TaskRef) isExpr() {}

// Sequence chains its children; each step can reference the previous step's
// result (and its parsed JSON form) in its render data.
type Sequence []Expr

func (Sequence) isExpr() {}

// Parallel fans its children out concurrently and joins the results into a
// JSON object keyed by the declared keys, in declaration order.
type Parallel []KeyedExpr

func (Parallel) isExpr() {}

// KeyedExpr is one branch of a Parallel expression.
type KeyedExpr struct {
	Key  string
	Expr Expr
}

// P is a convenience constructor for a Parallel branch.
func P(key string, expr Expr) KeyedExpr {
	return KeyedExpr{Key: key, Expr: expr}
}

// MapOver fans one leaf template out over a list resolved from the render
// data at runtime. ListPath is a JMESPath expression; each element is
// rendered with its index and value bound to IndexField and ValueField.
// The per-element results are joined into a JSON list.
type MapOver struct {
	ListPath   string
	IndexField string
	ValueField string
	Template   string
}

func (MapOver) isExpr() {}

// Leaves returns every leaf template name referenced by the expression,
// including the template of MapOver nodes.
func Leaves(expr Expr) []string {
	var names []string
	walk(expr, func(name string) {
		names = append(names, name)
	})
	return names
}

func walk(expr Expr, visit func(name string)) {
	switch e := expr.(type) {
	case Leaf:
		visit(string(e))
	case TaskRef:
	case Sequence:
		for _, child := range e {
			walk(child, visit)
		}
	case Parallel:
		for _, branch := range e {
			walk(branch.Expr, visit)
		}
	case MapOver:
		visit(e.Template)
	}
}
