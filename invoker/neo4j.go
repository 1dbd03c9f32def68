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
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// neo4jCypher executes the rendered template as a Cypher query and returns
// the records as a JSON list of maps.
//
// Meta spec keys: "uri" (or NEO4J_URI), "username" (or NEO4J_USERNAME),
// "password" (or NEO4J_PASSWORD), "database".
type neo4jCypher struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

func newNeo4jCypher(spec map[string]any, logger *slog.Logger) (Invoker, error) {
	uri := stringParam(spec, "uri", "NEO4J_URI", "bolt://localhost:7687")
	username := stringParam(spec, "username", "NEO4J_USERNAME", "neo4j")
	password := stringParam(spec, "password", "NEO4J_PASSWORD", "")

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, &Error{Kind: "neo4j-cypher", Err: err}
	}

	return &neo4jCypher{
		driver:   driver,
		database: stringParam(spec, "database", "NEO4J_DATABASE", "neo4j"),
		logger:   logger,
	}, nil
}

func (n *neo4jCypher) Invoke(ctx context.Context, content string) (string, error) {
	result, err := neo4j.ExecuteQuery(
		ctx, n.driver, content, nil,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(n.database),
	)
	if err != nil {
		return "", &Error{Kind: "neo4j-cypher", Err: err}
	}

	rows := make([]map[string]any, 0, len(result.Records))
	for _, record := range result.Records {
		rows = append(rows, record.AsMap())
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return "", &Error{Kind: "neo4j-cypher", Err: err}
	}
	return string(payload), nil
}
