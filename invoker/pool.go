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
)

// Pool is a fixed-size blocking bag of invokers. Acquire blocks until an
// invoker is free, which is the backpressure mechanism throttling fan-in to
// the external service behind the pool.
type Pool struct {
	free chan Invoker
	size int
}

// NewPool wraps the given invokers. The pool size is fixed for its lifetime.
func NewPool(invokers []Invoker) *Pool {
	free := make(chan Invoker, len(invokers))
	for _, inv := range invokers {
		free <- inv
	}
	return &Pool{free: free, size: len(invokers)}
}

// Size returns the fixed pool capacity.
func (p *Pool) Size() int { return p.size }

// Acquire takes an invoker out of the pool, blocking until one is free or
// the context is done.
func (p *Pool) Acquire(ctx context.Context) (Invoker, error) {
	select {
	case inv := <-p.free:
		return inv, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire invoker: %w", ctx.Err())
	}
}

// Release returns an invoker to the pool. Releasing more invokers than the
// pool holds is a programming error and panics.
func (p *Pool) Release(inv Invoker) {
	select {
	case p.free <- inv:
	default:
		panic("invoker pool over-release")
	}
}

// Invoke acquires an invoker, calls it and releases it.
func (p *Pool) Invoke(ctx context.Context, content string) (string, error) {
	inv, err := p.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer p.Release(inv)
	return inv.Invoke(ctx, content)
}
