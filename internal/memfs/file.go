// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package memfs

import (
	"io"
	"io/fs"
	"sync"

	"github.com/tordynnar/wadup2/internal/buffer"
)

// file is the shared storage behind every open handle. Read-only files view a
// shared buffer without copying; growable files own a byte slice that extends
// on write.
type file struct {
	mtx      sync.RWMutex
	readonly bool
	view     buffer.Buffer // readonly storage
	data     []byte        // growable storage
}

func newGrowableFile(data []byte) *file {
	return &file{data: data}
}

func newReadOnlyFile(view buffer.Buffer) *file {
	return &file{readonly: true, view: view}
}

func (f *file) size() int {
	if f.readonly {
		return f.view.Len()
	}
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	return len(f.data)
}

func (f *file) readAt(p []byte, off int) (int, error) {
	if f.readonly {
		if off >= f.view.Len() {
			return 0, io.EOF
		}
		return copy(p, f.view.Bytes()[off:]), nil
	}
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	if off >= len(f.data) {
		return 0, io.EOF
	}
	return copy(p, f.data[off:]), nil
}

func (f *file) writeAt(p []byte, off int) (int, error) {
	if f.readonly {
		return 0, fs.ErrPermission
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if end := off + len(p); end > len(f.data) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], p)
	return len(p), nil
}

func (f *file) truncate() error {
	if f.readonly {
		return fs.ErrPermission
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.data = f.data[:0]
	return nil
}

// take adopts the growable storage as an immutable buffer. The file must not
// be written afterward; callers remove it from its directory first.
func (f *file) take() (buffer.Buffer, error) {
	if f.readonly {
		return buffer.Buffer{}, fs.ErrPermission
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	buf := buffer.FromBytes(f.data)
	f.data = nil
	return buf, nil
}

// Handle is an open file with its own cursor. Handles share the underlying
// storage: bytes written through one handle are visible to reads through
// another.
type Handle struct {
	f   *file
	mtx sync.Mutex
	pos int
}

// Read reads from the cursor, advancing it. Returns io.EOF at end of file.
func (h *Handle) Read(p []byte) (int, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	n, err := h.f.readAt(p, h.pos)
	h.pos += n
	return n, err
}

// Write writes at the cursor, advancing it and extending the file as needed.
// Read-only files fail with fs.ErrPermission.
func (h *Handle) Write(p []byte) (int, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	n, err := h.f.writeAt(p, h.pos)
	h.pos += n
	return n, err
}

// ReadAt reads at off without touching the cursor.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	return h.f.readAt(p, int(off))
}

// WriteAt writes at off without touching the cursor.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	return h.f.writeAt(p, int(off))
}

// Seek moves the cursor and returns the new absolute position. Seeking to a
// negative position fails with fs.ErrInvalid.
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(h.pos) + offset
	case io.SeekEnd:
		next = int64(h.f.size()) + offset
	default:
		return 0, fs.ErrInvalid
	}
	if next < 0 {
		return 0, fs.ErrInvalid
	}
	h.pos = int(next)
	return next, nil
}

// Tell returns the current cursor position.
func (h *Handle) Tell() int64 {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return int64(h.pos)
}

// Size returns the current file size.
func (h *Handle) Size() int {
	return h.f.size()
}

// ReadOnly reports whether the handle's file rejects writes.
func (h *Handle) ReadOnly() bool {
	return h.f.readonly
}

// Truncate discards the file contents.
func (h *Handle) Truncate() error {
	return h.f.truncate()
}
