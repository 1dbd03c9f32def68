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
	"log/slog"
)

// verbatim echoes the rendered template back unchanged. Useful for flows
// whose templates are the response, and for exercising the full worker
// pipeline in tests without an external service.
type verbatim struct{}

func newVerbatim(_ map[string]any, _ *slog.Logger) (Invoker, error) {
	return verbatim{}, nil
}

func (verbatim) Invoke(_ context.Context, content string) (string, error) {
	return content, nil
}
