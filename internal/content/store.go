// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package content

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tordynnar/wadup2/internal/buffer"
)

// Store maps content UUIDs to their resolved buffers. A content's buffer is
// inserted before the content becomes visible to any worker; lookups serve
// both slice resolution and re-reads. Entries live for the duration of the
// run.
type Store struct {
	mtx     sync.RWMutex
	buffers map[uuid.UUID]buffer.Buffer
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		buffers: map[uuid.UUID]buffer.Buffer{},
	}
}

// Insert registers the buffer for id.
func (s *Store) Insert(id uuid.UUID, buf buffer.Buffer) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.buffers[id] = buf
}

// Get returns the buffer for id.
func (s *Store) Get(id uuid.UUID) (buffer.Buffer, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	buf, ok := s.buffers[id]
	return buf, ok
}

// Len returns the number of stored buffers.
func (s *Store) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.buffers)
}

// Resolve maps a content to its concrete buffer. Owned bodies return their
// buffer directly; borrowed bodies slice the parent's stored buffer without
// allocating.
func (s *Store) Resolve(c *Content) (buffer.Buffer, error) {
	switch c.Body.Kind {
	case Owned:
		return c.Body.Buffer, nil
	case Borrowed:
		parent, ok := s.Get(c.Body.Parent)
		if !ok {
			return buffer.Buffer{}, fmt.Errorf("%w: %v", ErrParentMissing, c.Body.Parent)
		}
		buf, err := parent.Slice(c.Body.Offset, c.Body.Offset+c.Body.Length)
		if err != nil {
			return buffer.Buffer{}, fmt.Errorf("resolve %v: %w", c.UUID, err)
		}
		return buf, nil
	default:
		return buffer.Buffer{}, fmt.Errorf("resolve %v: unknown body kind %d", c.UUID, c.Body.Kind)
	}
}
