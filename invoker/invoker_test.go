// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package invoker

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryBuild(t *testing.T) {
	f := NewFactory(nil)

	t.Run("verbatim", func(t *testing.T) {
		inv, err := f.Build(map[string]any{"type": "verbatim"})
		require.NoError(t, err)

		out, err := inv.Invoke(context.Background(), "echo me")
		require.NoError(t, err)
		assert.Equal(t, "echo me", out)
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := f.Build(map[string]any{})
		assert.Error(t, err)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := f.Build(map[string]any{"type": "carrier-pigeon"})
		assert.ErrorContains(t, err, "carrier-pigeon")
	})

	t.Run("custom kind", func(t *testing.T) {
		f.Register("upper", func(map[string]any, *slog.Logger) (Invoker, error) {
			return verbatim{}, nil
		})
		inv, err := f.Build(map[string]any{"type": "upper"})
		require.NoError(t, err)
		assert.NotNil(t, inv)
	})
}

func TestPool(t *testing.T) {
	t.Run("invoke round trip", func(t *testing.T) {
		pool := NewPool([]Invoker{verbatim{}})
		out, err := pool.Invoke(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, "hello", out)
	})

	t.Run("acquire blocks until release", func(t *testing.T) {
		pool := NewPool([]Invoker{verbatim{}})
		inv, err := pool.Acquire(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err = pool.Acquire(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		pool.Release(inv)
		got, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		assert.Equal(t, inv, got)
	})

	t.Run("over-release panics", func(t *testing.T) {
		pool := NewPool([]Invoker{verbatim{}})
		assert.Panics(t, func() { pool.Release(verbatim{}) })
	})
}

func TestHTTPInvoker(t *testing.T) {
	t.Run("posts content and returns body", func(t *testing.T) {
		var gotBody, gotType string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			payload, _ := io.ReadAll(r.Body)
			gotBody = string(payload)
			gotType = r.Header.Get("Content-Type")
			w.Write([]byte(`{"answer":42}`))
		}))
		defer srv.Close()

		inv, err := NewFactory(nil).Build(map[string]any{"type": "http", "url": srv.URL})
		require.NoError(t, err)

		out, err := inv.Invoke(context.Background(), `{"question":"anything"}`)
		require.NoError(t, err)
		assert.Equal(t, `{"answer":42}`, out)
		assert.Equal(t, `{"question":"anything"}`, gotBody)
		assert.Equal(t, "application/json", gotType)
	})

	t.Run("non-2xx becomes an invoker error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer srv.Close()

		inv, err := NewFactory(nil).Build(map[string]any{"type": "http", "url": srv.URL})
		require.NoError(t, err)

		_, err = inv.Invoke(context.Background(), "payload")
		var invErr *Error
		require.ErrorAs(t, err, &invErr)
		assert.Equal(t, "http", invErr.Kind)
	})

	t.Run("url required", func(t *testing.T) {
		_, err := NewFactory(nil).Build(map[string]any{"type": "http"})
		assert.Error(t, err)
	})
}

func TestSpecParams(t *testing.T) {
	t.Run("string falls back to env then default", func(t *testing.T) {
		t.Setenv("INVOKER_TEST_KEY", "from-env")
		assert.Equal(t, "explicit", stringParam(map[string]any{"k": "explicit"}, "k", "INVOKER_TEST_KEY", "d"))
		assert.Equal(t, "from-env", stringParam(map[string]any{}, "k", "INVOKER_TEST_KEY", "d"))
		assert.Equal(t, "d", stringParam(map[string]any{}, "k", "INVOKER_TEST_OTHER", "d"))
	})

	t.Run("int tolerates decoder shapes", func(t *testing.T) {
		assert.Equal(t, 3, intParam(map[string]any{"n": 3}, "n", 1))
		assert.Equal(t, 3, intParam(map[string]any{"n": 3.0}, "n", 1))
		assert.Equal(t, 3, intParam(map[string]any{"n": "3"}, "n", 1))
		assert.Equal(t, 1, intParam(map[string]any{"n": "x"}, "n", 1))
		assert.Equal(t, 1, intParam(map[string]any{}, "n", 1))
	})
}
