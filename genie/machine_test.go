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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/genieflow/invoker"
	"github.com/AleutianAI/genieflow/template"
)

type orderModel struct {
	Session
	Topic string `json:"topic"`
}

// testFlow is a three-state flow with a guarded self-alternative: "go" from
// "start" prefers "left" when the input says so, otherwise falls through to
// "right".
func testFlow(calls *[]string) *Flow {
	record := func(label string) HookFunc {
		return func(Model, string) error {
			*calls = append(*calls, label)
			return nil
		}
	}
	return &Flow{
		Key: "test",
		States: []State{
			{ID: "start", Value: 0, Initial: true},
			{ID: "left", Value: 1},
			{ID: "right", Value: 2},
		},
		Transitions: []Transition{
			{Event: "go", Source: "start", Target: "left",
				Guard: func(_ Model, input string) bool { return input == "left" }},
			{Event: "go", Source: "start", Target: "right"},
			{Event: "back", Source: "left", Target: "start"},
			{Event: "back", Source: "right", Target: "start"},
		},
		Templates: map[string]template.Expr{
			"start": template.Leaf("t/start.hbs"),
			"left":  template.Leaf("t/leaf.hbs"),
			"right": template.Leaf("t/leaf.hbs"),
		},
		NewModel: func(sessionID string) Model {
			return &orderModel{Session: Session{SessionID: sessionID}}
		},
		OnExit:  map[string]HookFunc{"start": record("exit:start")},
		OnEnter: map[string]HookFunc{"right": record("enter:right")},
	}
}

type recordingListener struct {
	calls *[]string
}

func (l recordingListener) BeforeTransition(_ context.Context, ev *EventData) error {
	*l.calls = append(*l.calls, "before:"+ev.Machine.CurrentState().ID)
	return nil
}

func (l recordingListener) OnTransition(_ context.Context, ev *EventData) error {
	*l.calls = append(*l.calls, "on:"+ev.Machine.CurrentState().ID)
	return nil
}

func (l recordingListener) AfterTransition(_ context.Context, ev *EventData) error {
	*l.calls = append(*l.calls, "after:"+ev.Machine.CurrentState().ID)
	return nil
}

func TestMachineDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh model starts in the initial state", func(t *testing.T) {
		var calls []string
		flow := testFlow(&calls)
		m, err := NewMachine(flow, flow.NewModel("s1"))
		require.NoError(t, err)
		assert.Equal(t, "start", m.CurrentState().ID)
	})

	t.Run("dispatch order", func(t *testing.T) {
		var calls []string
		flow := testFlow(&calls)
		m, err := NewMachine(flow, flow.NewModel("s1"))
		require.NoError(t, err)
		m.AddListener(recordingListener{calls: &calls})

		require.NoError(t, m.Send(ctx, "go", "anything else"))
		assert.Equal(t, "right", m.CurrentState().ID)
		assert.Equal(t, []string{
			"before:start",
			"exit:start",
			"on:right",
			"enter:right",
			"after:right",
		}, calls)
	})

	t.Run("first satisfied guard wins", func(t *testing.T) {
		var calls []string
		flow := testFlow(&calls)
		m, err := NewMachine(flow, flow.NewModel("s1"))
		require.NoError(t, err)

		require.NoError(t, m.Send(ctx, "go", "left"))
		assert.Equal(t, "left", m.CurrentState().ID)
	})

	t.Run("unknown event is rejected with state context", func(t *testing.T) {
		var calls []string
		flow := testFlow(&calls)
		m, err := NewMachine(flow, flow.NewModel("s1"))
		require.NoError(t, err)

		err = m.Send(ctx, "back", "")
		var notAllowed *TransitionNotAllowedError
		require.ErrorAs(t, err, &notAllowed)
		assert.Equal(t, "start", notAllowed.CurrentState.ID)
		assert.Equal(t, []string{"go"}, notAllowed.PossibleEvents)
		assert.Equal(t, "back", notAllowed.ReceivedEvent)
		assert.Equal(t, "start", m.CurrentState().ID)
		assert.Empty(t, calls)
	})

	t.Run("model in unknown state is rejected at bind time", func(t *testing.T) {
		var calls []string
		flow := testFlow(&calls)
		model := flow.NewModel("s1")
		model.Base().State = "limbo"
		_, err := NewMachine(flow, model)
		assert.Error(t, err)
	})
}

func TestEventsFromDeduplicates(t *testing.T) {
	var calls []string
	flow := testFlow(&calls)

	// "go" appears on two guarded transitions out of "start" but is
	// reported once.
	assert.Equal(t, []string{"go"}, flow.EventsFrom("start"))
	assert.Equal(t, []string{"back"}, flow.EventsFrom("left"))
	assert.Empty(t, flow.EventsFrom("nowhere"))
}

func TestRenderData(t *testing.T) {
	var calls []string
	flow := testFlow(&calls)
	model := flow.NewModel("s1").(*orderModel)
	model.Topic = "weather"
	model.ActorInput = "is it raining"
	model.AddDialogueElement(ActorAssistant, "Hello!")
	model.AddDialogueElement(ActorUser, "is it raining")

	m, err := NewMachine(flow, model)
	require.NoError(t, err)

	data, err := m.RenderData()
	require.NoError(t, err)
	assert.Equal(t, "weather", data["topic"])
	assert.Equal(t, "start", data["state_id"])
	assert.Equal(t, "start", data["state_name"])
	assert.Equal(t, "is it raining", data["actor_input"])
	assert.Equal(t, "[ASSISTANT]: Hello!\n\n[USER]: is it raining", data["chat_history"])
}

func TestFormatDialogue(t *testing.T) {
	dialogue := []DialogueElement{
		{Actor: ActorAssistant, Text: "Hi"},
		{Actor: ActorUser, Text: "Hello"},
	}

	chat, err := FormatDialogue(dialogue, FormatChat)
	require.NoError(t, err)
	assert.Equal(t, "[ASSISTANT]: Hi\n\n[USER]: Hello", chat)

	asJSON, err := FormatDialogue(dialogue, FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, asJSON, `"actor":"assistant"`)

	empty, err := FormatDialogue(nil, FormatChat)
	require.NoError(t, err)
	assert.Equal(t, "", empty)

	_, err = FormatDialogue(dialogue, DialogueFormat("telegram"))
	assert.Error(t, err)
}

func newValidationEnv(t *testing.T) *template.Environment {
	t.Helper()
	root := t.TempDir()
	for _, name := range []string{"start.hbs", "leaf.hbs"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644))
	}
	env := template.NewEnvironment(invoker.NewFactory(nil), nil)
	require.NoError(t, env.Register("t", root))
	return env
}

func TestFlowValidate(t *testing.T) {
	env := newValidationEnv(t)

	t.Run("valid flow registers", func(t *testing.T) {
		var calls []string
		reg := NewRegistry()
		require.NoError(t, reg.Register(testFlow(&calls), env))

		flow, err := reg.Get("test")
		require.NoError(t, err)
		assert.Equal(t, "test", flow.Key)
	})

	t.Run("duplicate key rejected", func(t *testing.T) {
		var calls []string
		reg := NewRegistry()
		require.NoError(t, reg.Register(testFlow(&calls), env))
		assert.Error(t, reg.Register(testFlow(&calls), env))
	})

	t.Run("unknown flow lookup", func(t *testing.T) {
		_, err := NewRegistry().Get("nope")
		assert.ErrorIs(t, err, ErrUnknownFlow)
	})

	t.Run("missing template fails validation", func(t *testing.T) {
		var calls []string
		flow := testFlow(&calls)
		flow.Templates["start"] = template.Leaf("t/gone.hbs")
		assert.ErrorContains(t, flow.Validate(env), "t/gone.hbs")
	})

	t.Run("two initial states fail validation", func(t *testing.T) {
		var calls []string
		flow := testFlow(&calls)
		flow.States[1].Initial = true
		assert.ErrorContains(t, flow.Validate(env), "initial")
	})

	t.Run("duplicate state values fail validation", func(t *testing.T) {
		var calls []string
		flow := testFlow(&calls)
		flow.States[1].Value = flow.States[2].Value
		assert.Error(t, flow.Validate(env))
	})

	t.Run("transition to unknown state fails validation", func(t *testing.T) {
		var calls []string
		flow := testFlow(&calls)
		flow.Transitions = append(flow.Transitions, Transition{
			Event: "warp", Source: "start", Target: "elsewhere",
		})
		assert.Error(t, flow.Validate(env))
	})
}
