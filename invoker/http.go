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
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// httpInvoker sends the rendered template as the body of an HTTP request
// and returns the response body.
//
// Meta spec keys: "url" (required), "method" (default POST), "content_type"
// (default application/json), "timeout_seconds" (default 60).
type httpInvoker struct {
	client      *http.Client
	url         string
	method      string
	contentType string
	logger      *slog.Logger
}

func newHTTP(spec map[string]any, logger *slog.Logger) (Invoker, error) {
	url, _ := spec["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http invoker: no url in spec")
	}

	timeout := time.Duration(intParam(spec, "timeout_seconds", 60)) * time.Second
	return &httpInvoker{
		client:      &http.Client{Timeout: timeout},
		url:         url,
		method:      strings.ToUpper(stringParam(spec, "method", "", http.MethodPost)),
		contentType: stringParam(spec, "content_type", "", "application/json"),
		logger:      logger,
	}, nil
}

func (h *httpInvoker) Invoke(ctx context.Context, content string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, h.method, h.url, strings.NewReader(content))
	if err != nil {
		return "", &Error{Kind: "http", Err: err}
	}
	req.Header.Set("Content-Type", h.contentType)

	resp, err := h.client.Do(req)
	if err != nil {
		return "", &Error{Kind: "http", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: "http", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &Error{
			Kind: "http",
			Err:  fmt.Errorf("%s %s: status %d: %s", h.method, h.url, resp.StatusCode, body),
		}
	}
	return string(body), nil
}
