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
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// openAIChat sends the rendered template as the user message of a chat
// completion and returns the first choice's content.
//
// Meta spec keys: "model" (default gpt-4o), "api_key" (or OPENAI_API_KEY),
// "base_url" for OpenAI-compatible endpoints, "system" for a fixed system
// message.
type openAIChat struct {
	client *openai.Client
	model  string
	system string
	json   bool
	logger *slog.Logger
}

func newOpenAIChat(spec map[string]any, logger *slog.Logger) (Invoker, error) {
	return buildOpenAI(spec, logger, false)
}

// newOpenAIJSON is openAIChat in JSON mode: the completion is constrained to
// a JSON object, which downstream combine/parse tasks rely on.
func newOpenAIJSON(spec map[string]any, logger *slog.Logger) (Invoker, error) {
	return buildOpenAI(spec, logger, true)
}

func buildOpenAI(spec map[string]any, logger *slog.Logger, jsonMode bool) (Invoker, error) {
	apiKey := stringParam(spec, "api_key", "OPENAI_API_KEY", "")
	if apiKey == "" {
		return nil, fmt.Errorf("openai invoker: no api key in spec or OPENAI_API_KEY")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL := stringParam(spec, "base_url", "OPENAI_BASE_URL", ""); baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &openAIChat{
		client: openai.NewClientWithConfig(cfg),
		model:  stringParam(spec, "model", "", openai.GPT4o),
		system: stringParam(spec, "system", "", ""),
		json:   jsonMode,
		logger: logger,
	}, nil
}

func (o *openAIChat) Invoke(ctx context.Context, content string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if o.system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: content,
	})

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	}
	if o.json {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", &Error{Kind: "openai-chat", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Kind: "openai-chat", Err: fmt.Errorf("completion returned no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}
