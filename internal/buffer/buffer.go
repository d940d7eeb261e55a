// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package buffer provides the immutable shared byte buffer that carries
// content bytes through the pipeline.
//
// A Buffer is a view over a backing array. Slicing produces a new Buffer over
// the same storage, so sub-content extracted from an archive shares the
// archive's bytes instead of copying them. The backing array is never written
// after construction, which is what makes concurrent reads from worker
// threads safe.
package buffer

import (
	"fmt"
	"os"
)

// Buffer is an immutable byte sequence with cheap clone and sub-slice.
// The zero value is an empty buffer.
type Buffer struct {
	data []byte
}

// FromFile reads path into a new Buffer. The file contents are copied into
// process memory once; all later slicing is zero-copy.
func FromFile(path string) (Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{data: data}, nil
}

// FromBytes adopts b without copying. The caller must not modify b afterward.
func FromBytes(b []byte) Buffer {
	return Buffer{data: b}
}

// Len returns the buffer length in bytes.
func (b Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the underlying storage. Callers must treat it as read-only.
func (b Buffer) Bytes() []byte {
	return b.data
}

// Slice returns a Buffer over b's storage restricted to [start, end).
func (b Buffer) Slice(start, end int) (Buffer, error) {
	if start < 0 || end < start || end > len(b.data) {
		return Buffer{}, fmt.Errorf("slice bounds [%d:%d) out of range for buffer of %d bytes", start, end, len(b.data))
	}
	return Buffer{data: b.data[start:end:end]}, nil
}
