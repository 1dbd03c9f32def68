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
	"errors"
	"fmt"
)

// ErrUnknownFlow is returned when a flow key is not registered.
var ErrUnknownFlow = errors.New("unknown flow")

// TransitionNotAllowedError reports an event for which no transition out of
// the current state has a satisfied guard. It is surfaced to clients as a
// structured error, not as a server failure.
type TransitionNotAllowedError struct {
	// CurrentState is the state the machine was in when the event arrived.
	CurrentState State

	// PossibleEvents lists the events that would have been accepted.
	PossibleEvents []string

	// ReceivedEvent is the rejected event.
	ReceivedEvent string
}

func (e *TransitionNotAllowedError) Error() string {
	return fmt.Sprintf(
		"event %q not allowed in state %q (possible: %v)",
		e.ReceivedEvent, e.CurrentState.ID, e.PossibleEvents,
	)
}
