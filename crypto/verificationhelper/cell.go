// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verificationhelper

import (
	"context"
	"sync"
)

// cell holds a single value that has one writer and any number of readers.
// Readers can wait for the value to change.
type cell[T any] struct {
	lock    sync.RWMutex
	value   T
	changed chan struct{}
}

func newCell[T any](initial T) *cell[T] {
	return &cell[T]{
		value:   initial,
		changed: make(chan struct{}),
	}
}

// Get returns the current value.
func (c *cell[T]) Get() T {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.value
}

// Changed returns a channel that is closed the next time the value is set.
func (c *cell[T]) Changed() <-chan struct{} {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.changed
}

// Set replaces the value and wakes up everyone waiting for a change.
func (c *cell[T]) Set(value T) {
	c.lock.Lock()
	c.value = value
	close(c.changed)
	c.changed = make(chan struct{})
	c.lock.Unlock()
}

// Wait blocks until the predicate returns true for the current value, or
// until the context is done.
func (c *cell[T]) Wait(ctx context.Context, predicate func(T) bool) (T, error) {
	for {
		c.lock.RLock()
		value, changed := c.value, c.changed
		c.lock.RUnlock()
		if predicate(value) {
			return value, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return value, ctx.Err()
		}
	}
}
