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
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
)

// weaviateSimilarity runs the rendered template as a nearText concept
// against one Weaviate class and returns the matched objects as JSON.
//
// Meta spec keys: "host" (or WEAVIATE_HOST), "scheme" (default http),
// "class" (required), "fields" (list of property names, required), "limit"
// (default 5).
type weaviateSimilarity struct {
	client *weaviate.Client
	class  string
	fields []graphql.Field
	limit  int
	logger *slog.Logger
}

func newWeaviateSimilarity(spec map[string]any, logger *slog.Logger) (Invoker, error) {
	host := stringParam(spec, "host", "WEAVIATE_HOST", "localhost:8080")
	class, _ := spec["class"].(string)
	if class == "" {
		return nil, fmt.Errorf("weaviate invoker: no class in spec")
	}

	rawFields, _ := spec["fields"].([]any)
	if len(rawFields) == 0 {
		return nil, fmt.Errorf("weaviate invoker: no fields in spec")
	}
	fields := make([]graphql.Field, 0, len(rawFields))
	for _, rf := range rawFields {
		name, ok := rf.(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("weaviate invoker: bad field entry %v", rf)
		}
		fields = append(fields, graphql.Field{Name: name})
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   host,
		Scheme: stringParam(spec, "scheme", "", "http"),
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	return &weaviateSimilarity{
		client: client,
		class:  class,
		fields: fields,
		limit:  intParam(spec, "limit", 5),
		logger: logger,
	}, nil
}

func (w *weaviateSimilarity) Invoke(ctx context.Context, content string) (string, error) {
	nearText := w.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{content})

	result, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(w.fields...).
		WithNearText(nearText).
		WithLimit(w.limit).
		Do(ctx)
	if err != nil {
		return "", &Error{Kind: "weaviate-similarity", Err: err}
	}
	if len(result.Errors) > 0 {
		return "", &Error{
			Kind: "weaviate-similarity",
			Err:  fmt.Errorf("graphql: %s", result.Errors[0].Message),
		}
	}

	payload, err := json.Marshal(result.Data)
	if err != nil {
		return "", &Error{Kind: "weaviate-similarity", Err: err}
	}
	return string(payload), nil
}
