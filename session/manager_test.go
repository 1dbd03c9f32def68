// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/genieflow/genie"
	"github.com/AleutianAI/genieflow/invoker"
	"github.com/AleutianAI/genieflow/store"
	"github.com/AleutianAI/genieflow/task"
	"github.com/AleutianAI/genieflow/template"
)

type qaModel struct {
	genie.Session
}

func qaFlow(key string, aiExpr template.Expr) *genie.Flow {
	return &genie.Flow{
		Key: key,
		States: []genie.State{
			{ID: "intro", Value: 0, Initial: true},
			{ID: "ai_turn", Value: 1},
			{ID: "user_turn", Value: 2},
		},
		Transitions: []genie.Transition{
			{Event: "ask", Source: "intro", Target: "ai_turn", Guard: genie.NonEmptyInput},
			{Event: "ask", Source: "user_turn", Target: "ai_turn", Guard: genie.NonEmptyInput},
			{Event: "reply", Source: "ai_turn", Target: "user_turn"},
			{Event: "retry", Source: "ai_turn", Target: "ai_turn"},
		},
		Templates: map[string]template.Expr{
			"intro":     template.Leaf("plain/intro.hbs"),
			"ai_turn":   aiExpr,
			"user_turn": template.Leaf("plain/turn.hbs"),
		},
		NewModel: func(sessionID string) genie.Model {
			return &qaModel{Session: genie.Session{SessionID: sessionID}}
		},
	}
}

type managerHarness struct {
	mgr *Manager
	rt  *task.Runtime
	st  *store.Store
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	st := store.New(client, store.Config{AppPrefix: "test", LockExpiry: 2 * time.Second}, nil)

	plainDir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(plainDir, "intro.hbs"), []byte("Welcome! Ask me anything."), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(plainDir, "turn.hbs"), []byte("You asked: {{{actor_input}}}"), 0o644))

	aiDir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(aiDir, template.MetaFileName), []byte("invoker:\n  type: verbatim\n"), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(aiDir, "answer.hbs"), []byte("echo:{{actor_input}}"), 0o644))

	env := template.NewEnvironment(invoker.NewFactory(nil), nil)
	require.NoError(t, env.Register("plain", plainDir))
	require.NoError(t, env.Register("ai", aiDir))

	flows := genie.NewRegistry()
	require.NoError(t, flows.Register(qaFlow("qa", template.Leaf("ai/answer.hbs")), env))
	require.NoError(t, flows.Register(qaFlow("qafail", template.TaskRef{Name: "qa.boom"}), env))

	registry := task.NewRegistry()
	registry.Register("qa.boom", func(context.Context, *task.Runtime, *task.Signature) (task.Result, error) {
		return task.Result{}, errors.New("backend down")
	})

	broker := task.NewBroker(client, "test", nil)
	rt := task.NewRuntime(broker, st, registry, env, flows, nil)
	return &managerHarness{mgr: NewManager(rt, nil), rt: rt, st: st}
}

// drain executes queued task signatures inline until the queue stays empty.
func (h *managerHarness) drain(ctx context.Context, t *testing.T) {
	t.Helper()
	for {
		sig, err := h.rt.Broker().Dequeue(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		if sig == nil {
			return
		}
		require.NoError(t, h.rt.Execute(ctx, sig))
	}
}

func TestStartSession(t *testing.T) {
	ctx := context.Background()
	h := newManagerHarness(t)

	t.Run("unknown flow", func(t *testing.T) {
		_, err := h.mgr.StartSession(ctx, "nope")
		assert.ErrorIs(t, err, genie.ErrUnknownFlow)
	})

	t.Run("opens with the initial state's template", func(t *testing.T) {
		resp, err := h.mgr.StartSession(ctx, "qa")
		require.NoError(t, err)
		assert.NotEmpty(t, resp.SessionID)
		assert.Equal(t, "Welcome! Ask me anything.", resp.Response)
		assert.Equal(t, []string{"ask"}, resp.NextActions)

		model, err := h.mgr.Model(ctx, "qa", resp.SessionID)
		require.NoError(t, err)
		base := model.Base()
		assert.Equal(t, "intro", base.State)
		require.Len(t, base.Dialogue, 1)
		assert.Equal(t, genie.ActorAssistant, base.Dialogue[0].Actor)
		assert.Equal(t, "Welcome! Ask me anything.", base.Dialogue[0].Text)
	})
}

func TestProcessEventRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newManagerHarness(t)

	started, err := h.mgr.StartSession(ctx, "qa")
	require.NoError(t, err)
	sessionID := started.SessionID

	// The event kicks off background work; the client is told to poll.
	resp, err := h.mgr.ProcessEvent(ctx, "qa", EventInput{
		SessionID: sessionID, Event: "ask", EventInput: "what is go",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{EventPoll}, resp.NextActions)
	require.NotNil(t, resp.Progress)
	assert.Equal(t, 2, resp.Progress.TotalNumberOfSubtasks)
	assert.Equal(t, 0, resp.Progress.NumberOfSubtasksExecuted)

	// A poll while the graph is queued still reports progress.
	resp, err = h.mgr.ProcessEvent(ctx, "qa", EventInput{SessionID: sessionID, Event: EventPoll})
	require.NoError(t, err)
	assert.Equal(t, []string{EventPoll}, resp.NextActions)
	require.NotNil(t, resp.Progress)

	status, err := h.mgr.TaskState(ctx, "qa", sessionID)
	require.NoError(t, err)
	assert.False(t, status.Ready)

	// Workers finish the graph in the background.
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerDone := make(chan error, 1)
	go func() { workerDone <- h.rt.Run(workerCtx, 2) }()

	require.Eventually(t, func() bool {
		status, err := h.mgr.TaskState(ctx, "qa", sessionID)
		return err == nil && status.Ready
	}, 5*time.Second, 50*time.Millisecond)

	stopWorkers()
	require.NoError(t, <-workerDone)

	// The follow-up poll returns the assistant's answer.
	resp, err = h.mgr.ProcessEvent(ctx, "qa", EventInput{SessionID: sessionID, Event: EventPoll})
	require.NoError(t, err)
	assert.Equal(t, "You asked: echo:what is go", resp.Response)
	assert.Equal(t, []string{"ask"}, resp.NextActions)
	assert.Nil(t, resp.Progress)

	model, err := h.mgr.Model(ctx, "qa", sessionID)
	require.NoError(t, err)
	base := model.Base()
	assert.Equal(t, "user_turn", base.State)
	require.Len(t, base.Dialogue, 3)
	assert.Equal(t, genie.ActorUser, base.Dialogue[1].Actor)
	assert.Equal(t, "what is go", base.Dialogue[1].Text)
	assert.Equal(t, genie.ActorAssistant, base.Dialogue[2].Actor)
}

func TestProcessEventRejections(t *testing.T) {
	ctx := context.Background()
	h := newManagerHarness(t)

	started, err := h.mgr.StartSession(ctx, "qa")
	require.NoError(t, err)
	sessionID := started.SessionID

	t.Run("event not declared in the current state", func(t *testing.T) {
		resp, err := h.mgr.ProcessEvent(ctx, "qa", EventInput{
			SessionID: sessionID, Event: "reply", EventInput: "x",
		})
		require.NoError(t, err)

		transErr, ok := resp.Error.(TransitionError)
		require.True(t, ok)
		assert.Equal(t, "intro", transErr.CurrentState.ID)
		assert.Equal(t, []string{"ask"}, transErr.PossibleEvents)
		assert.Equal(t, "reply", transErr.ReceivedEvent)
		assert.Equal(t, []string{"ask"}, resp.NextActions)
	})

	t.Run("guard rejects an empty input", func(t *testing.T) {
		resp, err := h.mgr.ProcessEvent(ctx, "qa", EventInput{
			SessionID: sessionID, Event: "ask", EventInput: "",
		})
		require.NoError(t, err)
		_, ok := resp.Error.(TransitionError)
		assert.True(t, ok)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := h.mgr.ProcessEvent(ctx, "qa", EventInput{
			SessionID: "no-such-session", Event: "ask", EventInput: "x",
		})
		assert.ErrorIs(t, err, store.ErrUnknownSession)
	})
}

func TestSecondGraphRefusedWhileInFlight(t *testing.T) {
	ctx := context.Background()
	h := newManagerHarness(t)

	started, err := h.mgr.StartSession(ctx, "qa")
	require.NoError(t, err)
	sessionID := started.SessionID

	resp, err := h.mgr.ProcessEvent(ctx, "qa", EventInput{
		SessionID: sessionID, Event: "ask", EventInput: "first question",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{EventPoll}, resp.NextActions)

	// A second invoker-bound event must not start another graph.
	_, err = h.mgr.ProcessEvent(ctx, "qa", EventInput{
		SessionID: sessionID, Event: "retry", EventInput: "again",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a task graph in flight")

	// The refused dispatch left the persisted session untouched.
	model, err := h.mgr.Model(ctx, "qa", sessionID)
	require.NoError(t, err)
	base := model.Base()
	assert.Equal(t, "ai_turn", base.State)
	require.Len(t, base.Dialogue, 2)
	assert.Equal(t, genie.ActorUser, base.Dialogue[1].Actor)
	assert.Equal(t, "first question", base.Dialogue[1].Text)

	resp, err = h.mgr.ProcessEvent(ctx, "qa", EventInput{SessionID: sessionID, Event: EventPoll})
	require.NoError(t, err)
	require.NotNil(t, resp.Progress)
	assert.Equal(t, 2, resp.Progress.TotalNumberOfSubtasks)
	assert.Equal(t, 0, resp.Progress.NumberOfSubtasksExecuted)

	// The original graph still runs to completion.
	h.drain(ctx, t)
	resp, err = h.mgr.ProcessEvent(ctx, "qa", EventInput{SessionID: sessionID, Event: EventPoll})
	require.NoError(t, err)
	assert.Equal(t, "You asked: echo:first question", resp.Response)
	assert.Equal(t, []string{"ask"}, resp.NextActions)
}

func TestTaskFailureSurfacesOnPoll(t *testing.T) {
	ctx := context.Background()
	h := newManagerHarness(t)

	started, err := h.mgr.StartSession(ctx, "qafail")
	require.NoError(t, err)
	sessionID := started.SessionID

	resp, err := h.mgr.ProcessEvent(ctx, "qafail", EventInput{
		SessionID: sessionID, Event: "ask", EventInput: "q",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{EventPoll}, resp.NextActions)

	// The failing task and the error handler run.
	h.drain(ctx, t)

	resp, err = h.mgr.ProcessEvent(ctx, "qafail", EventInput{SessionID: sessionID, Event: EventPoll})
	require.NoError(t, err)
	errText, ok := resp.Error.(string)
	require.True(t, ok)
	assert.Contains(t, errText, "backend down")
	assert.Equal(t, []string{"ask"}, resp.NextActions)

	model, err := h.mgr.Model(ctx, "qafail", sessionID)
	require.NoError(t, err)
	assert.Equal(t, "user_turn", model.Base().State)
}
