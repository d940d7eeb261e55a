// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package scheduler

import (
	"sync"

	"github.com/tordynnar/wadup2/internal/content"
)

// StealResult is the outcome of one steal attempt.
type StealResult int

const (
	// StealSuccess carries an item.
	StealSuccess StealResult = iota
	// StealEmpty means the victim deque had nothing to take.
	StealEmpty
	// StealRetry means the victim was busy; the thief may try again.
	StealRetry
)

// Deque is a work-stealing double-ended queue: the owning worker pushes and
// pops at the tail (LIFO, depth-first on freshly enqueued sub-content) while
// thieves take from the head (FIFO, the oldest and usually largest work).
type Deque struct {
	mtx   sync.Mutex
	items []*content.Content
}

// NewDeque returns an empty deque.
func NewDeque() *Deque {
	return &Deque{}
}

// Push appends an item at the owner end.
func (d *Deque) Push(c *content.Content) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.items = append(d.items, c)
}

// Pop removes the most recently pushed item. Owner side only.
func (d *Deque) Pop() (*content.Content, bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	n := len(d.items)
	if n == 0 {
		return nil, false
	}
	item := d.items[n-1]
	d.items[n-1] = nil
	d.items = d.items[:n-1]
	return item, true
}

// Steal takes the oldest item from the head. A contended deque reports
// StealRetry instead of blocking, preserving the steal primitive's retry
// protocol.
func (d *Deque) Steal() (*content.Content, StealResult) {
	if !d.mtx.TryLock() {
		return nil, StealRetry
	}
	defer d.mtx.Unlock()
	if len(d.items) == 0 {
		return nil, StealEmpty
	}
	item := d.items[0]
	d.items[0] = nil
	d.items = d.items[1:]
	return item, StealSuccess
}

// Len reports the current queue depth.
func (d *Deque) Len() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.items)
}
