// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verificationhelper

import (
	"context"
	"sync"

	list "github.com/bahlo/generic-list-go"
)

// mailbox is an unbounded FIFO queue with any number of producers and a
// single consumer. Push never blocks.
type mailbox[T any] struct {
	lock   sync.Mutex
	items  *list.List[T]
	signal chan struct{}
	closed bool
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{
		items:  list.New[T](),
		signal: make(chan struct{}, 1),
	}
}

// Push appends an item to the queue. It returns false if the mailbox has
// been closed, in which case the item is dropped.
func (m *mailbox[T]) Push(item T) bool {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return false
	}
	m.items.PushBack(item)
	m.lock.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the first item from the queue, waiting until one is available.
// It returns false if the context is cancelled or the mailbox is closed and
// drained.
func (m *mailbox[T]) Pop(ctx context.Context) (item T, ok bool) {
	for {
		m.lock.Lock()
		if front := m.items.Front(); front != nil {
			item = m.items.Remove(front)
			m.lock.Unlock()
			return item, true
		} else if m.closed {
			m.lock.Unlock()
			return item, false
		}
		m.lock.Unlock()
		select {
		case <-m.signal:
		case <-ctx.Done():
			return item, false
		}
	}
}

// Len returns the number of queued items.
func (m *mailbox[T]) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.items.Len()
}

// Close stops accepting new items. Items that are already queued can still
// be popped.
func (m *mailbox[T]) Close() {
	m.lock.Lock()
	m.closed = true
	m.lock.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}
