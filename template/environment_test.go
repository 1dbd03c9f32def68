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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/genieflow/invoker"
)

// writeFile creates a file with parents.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestEnv(t *testing.T) (*Environment, string) {
	t.Helper()
	root := t.TempDir()
	env := NewEnvironment(invoker.NewFactory(nil), nil)
	return env, root
}

func TestRegisterAndRender(t *testing.T) {
	env, root := newTestEnv(t)
	writeFile(t, filepath.Join(root, "greet.hbs"), "Hello {{name}}!")
	require.NoError(t, env.Register("qa", root))

	t.Run("renders with data", func(t *testing.T) {
		out, err := env.Render("qa/greet.hbs", map[string]any{"name": "Ada"})
		require.NoError(t, err)
		assert.Equal(t, "Hello Ada!", out)
	})

	t.Run("unknown prefix", func(t *testing.T) {
		_, err := env.Render("other/greet.hbs", nil)
		assert.Error(t, err)
	})

	t.Run("duplicate prefix rejected", func(t *testing.T) {
		assert.Error(t, env.Register("qa", root))
	})
}

func TestMetaInheritance(t *testing.T) {
	env, root := newTestEnv(t)
	writeFile(t, filepath.Join(root, MetaFileName),
		"invoker:\n  type: verbatim\npool_size: 2\nextra: parent\n")
	writeFile(t, filepath.Join(root, "top.hbs"), "top")
	writeFile(t, filepath.Join(root, "sub", MetaFileName), "pool_size: 5\n")
	writeFile(t, filepath.Join(root, "sub", "leaf.hbs"), "leaf")
	require.NoError(t, env.Register("p", root))

	t.Run("root meta applies to root templates", func(t *testing.T) {
		meta, err := env.Meta("p/top.hbs")
		require.NoError(t, err)
		assert.True(t, meta.HasInvoker())
		assert.Equal(t, 2, meta.PoolSize())
	})

	t.Run("child overrides parent keys, inherits the rest", func(t *testing.T) {
		meta, err := env.Meta("p/sub/leaf.hbs")
		require.NoError(t, err)
		assert.True(t, meta.HasInvoker())
		assert.Equal(t, 5, meta.PoolSize())
		assert.Equal(t, "verbatim", meta.Invoker()["type"])
	})
}

func TestInvoke(t *testing.T) {
	env, root := newTestEnv(t)
	writeFile(t, filepath.Join(root, MetaFileName), "invoker:\n  type: verbatim\n")
	writeFile(t, filepath.Join(root, "echo.hbs"), "say {{word}}")
	writeFile(t, filepath.Join(root, "plain", "text.hbs"), "just text")
	require.NoError(t, env.Register("v", root))

	t.Run("routes through the pool", func(t *testing.T) {
		out, err := env.Invoke(context.Background(), "v/echo.hbs", map[string]any{"word": "hi"})
		require.NoError(t, err)
		assert.Equal(t, "say hi", out)
	})

	t.Run("no invoker", func(t *testing.T) {
		env2, root2 := newTestEnv(t)
		writeFile(t, filepath.Join(root2, "plain.hbs"), "plain")
		require.NoError(t, env2.Register("u", root2))

		_, err := env2.Invoke(context.Background(), "u/plain.hbs", nil)
		assert.ErrorIs(t, err, ErrNoInvoker)
	})
}

func TestHasInvoker(t *testing.T) {
	env, root := newTestEnv(t)
	writeFile(t, filepath.Join(root, "inv", MetaFileName), "invoker:\n  type: verbatim\n")
	writeFile(t, filepath.Join(root, "inv", "a.hbs"), "a")
	writeFile(t, filepath.Join(root, "plain", "b.hbs"), "b")
	require.NoError(t, env.Register("x/inv", filepath.Join(root, "inv")))
	require.NoError(t, env.Register("x/plain", filepath.Join(root, "plain")))

	cases := []struct {
		name string
		expr Expr
		want bool
	}{
		{"invoker leaf", Leaf("x/inv/a.hbs"), true},
		{"plain leaf", Leaf("x/plain/b.hbs"), false},
		{"task ref", TaskRef{Name: "custom.task"}, true},
		{"sequence with one invoker", Sequence{Leaf("x/plain/b.hbs"), Leaf("x/inv/a.hbs")}, true},
		{"parallel all plain", Parallel{P("k", Leaf("x/plain/b.hbs"))}, false},
		{"map over invoker leaf", MapOver{ListPath: "items", IndexField: "i", ValueField: "v", Template: "x/inv/a.hbs"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, env.HasInvoker(tc.expr))
		})
	}
}

func TestMissingTemplates(t *testing.T) {
	env, root := newTestEnv(t)
	writeFile(t, filepath.Join(root, "a.hbs"), "a")
	require.NoError(t, env.Register("m", root))

	missing := env.MissingTemplates(Sequence{
		Leaf("m/a.hbs"),
		Leaf("m/gone.hbs"),
		Leaf("unregistered/x.hbs"),
	})
	assert.ElementsMatch(t, []string{"m/gone.hbs", "unregistered/x.hbs"}, missing)

	assert.Empty(t, env.MissingTemplates(Leaf("m/a.hbs")))
}

func TestAutoRegister(t *testing.T) {
	env, root := newTestEnv(t)
	writeFile(t, filepath.Join(root, "intro.hbs"), "intro")
	writeFile(t, filepath.Join(root, "deep", "leaf.hbs"), "leaf")
	require.NoError(t, env.AutoRegister(root))

	base := filepath.Base(root)
	out, err := env.Render(base+"/intro.hbs", nil)
	require.NoError(t, err)
	assert.Equal(t, "intro", out)

	out, err = env.Render(base+"/deep/leaf.hbs", nil)
	require.NoError(t, err)
	assert.Equal(t, "leaf", out)
}
