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
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Actor names recognized in dialogue elements.
const (
	ActorSystem    = "system"
	ActorAssistant = "assistant"
	ActorUser      = "user"
)

// DialogueElement is one utterance in a session's conversation history.
type DialogueElement struct {
	// Actor is the originator of the element: system, assistant or user.
	Actor string `json:"actor"`

	// Timestamp records when the element was created.
	Timestamp time.Time `json:"timestamp"`

	// Text is the content produced by the actor.
	Text string `json:"text"`
}

// Validate checks that the element carries a known actor.
func (e DialogueElement) Validate() error {
	switch e.Actor {
	case ActorSystem, ActorAssistant, ActorUser:
		return nil
	}
	return fmt.Errorf("unknown actor: %q", e.Actor)
}

// DialogueFormat selects a string rendering of a dialogue.
type DialogueFormat string

const (
	// FormatChat renders "[ACTOR]: text" paragraphs, suitable for feeding
	// conversation history into a prompt.
	FormatChat DialogueFormat = "chat"

	// FormatJSON renders the dialogue as a JSON array.
	FormatJSON DialogueFormat = "json"
)

// FormatDialogue renders a dialogue in the requested format. An empty
// dialogue renders as the empty string.
func FormatDialogue(dialogue []DialogueElement, format DialogueFormat) (string, error) {
	if len(dialogue) == 0 {
		return "", nil
	}

	switch format {
	case FormatChat:
		parts := make([]string, len(dialogue))
		for i, e := range dialogue {
			parts[i] = fmt.Sprintf("[%s]: %s", strings.ToUpper(e.Actor), e.Text)
		}
		return strings.Join(parts, "\n\n"), nil
	case FormatJSON:
		payload, err := json.Marshal(dialogue)
		if err != nil {
			return "", fmt.Errorf("marshal dialogue: %w", err)
		}
		return string(payload), nil
	}
	return "", fmt.Errorf("unknown dialogue format: %q", format)
}
