// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package memfs implements the in-memory filesystem exposed to guest modules.
//
// The tree is tiny and short-lived: one per module instance, holding the
// read-only /data.bin view over the current content plus the scratch and
// emission directories the guest writes into. Files are either read-only
// views over a shared buffer or growable byte buffers; every open handle
// carries its own cursor over the shared storage.
package memfs

import (
	"io"
	"io/fs"
	"strings"

	"github.com/tordynnar/wadup2/internal/buffer"
)

// DataBinName is the well-known root file holding the current content bytes.
const DataBinName = "data.bin"

// FS is a rooted in-memory filesystem with slash-delimited path resolution.
type FS struct {
	root *Dir
}

// New returns an empty filesystem.
func New() *FS {
	return &FS{root: NewDir()}
}

// Root returns the root directory.
func (m *FS) Root() *Dir {
	return m.root
}

// splitPath resolves all but the last component of path, which must all be
// directories, and returns the parent directory plus the leaf name.
func (m *FS) splitPath(path string) (*Dir, string, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return nil, "", fs.ErrInvalid
	}
	parts := strings.Split(trimmed, "/")
	dir := m.root
	for _, part := range parts[:len(parts)-1] {
		next, err := dir.Subdir(part)
		if err != nil {
			return nil, "", err
		}
		dir = next
	}
	return dir, parts[len(parts)-1], nil
}

// CreateFile creates a growable file at path seeded with data.
func (m *FS) CreateFile(path string, data []byte) error {
	dir, name, err := m.splitPath(path)
	if err != nil {
		return err
	}
	return dir.CreateFile(name, data)
}

// Open returns a fresh handle (cursor at 0) over the file at path.
func (m *FS) Open(path string) (*Handle, error) {
	dir, name, err := m.splitPath(path)
	if err != nil {
		return nil, err
	}
	f, err := dir.File(name)
	if err != nil {
		return nil, err
	}
	return &Handle{f: f}, nil
}

// Dir resolves path to a directory. The empty path or "/" is the root.
func (m *FS) Dir(path string) (*Dir, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return m.root, nil
	}
	dir := m.root
	for _, part := range strings.Split(trimmed, "/") {
		next, err := dir.Subdir(part)
		if err != nil {
			return nil, err
		}
		dir = next
	}
	return dir, nil
}

// MkdirAll creates path and any missing intermediate directories.
func (m *FS) MkdirAll(path string) error {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return nil
	}
	dir := m.root
	for _, part := range strings.Split(trimmed, "/") {
		next, err := dir.Subdir(part)
		if err != nil {
			if createErr := dir.CreateDir(part); createErr != nil {
				return createErr
			}
			next, err = dir.Subdir(part)
			if err != nil {
				return err
			}
		}
		dir = next
	}
	return nil
}

// Remove deletes the entry at path.
func (m *FS) Remove(path string) error {
	dir, name, err := m.splitPath(path)
	if err != nil {
		return err
	}
	return dir.Remove(name)
}

// Rename moves the entry at oldPath to newPath, overwriting any existing
// entry there. Parent directories of newPath must already exist.
func (m *FS) Rename(oldPath, newPath string) error {
	oldDir, oldName, err := m.splitPath(oldPath)
	if err != nil {
		return err
	}
	newDir, newName, err := m.splitPath(newPath)
	if err != nil {
		return err
	}
	return moveEntry(oldDir, oldName, newDir, newName)
}

// Stat reports whether path is a directory and its size.
func (m *FS) Stat(path string) (isDir bool, size int, err error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return true, 0, nil
	}
	dir, name, err := m.splitPath(path)
	if err != nil {
		return false, 0, err
	}
	if f, ferr := dir.File(name); ferr == nil {
		return false, f.size(), nil
	}
	if _, derr := dir.Subdir(name); derr == nil {
		return true, 0, nil
	}
	return false, 0, fs.ErrNotExist
}

// ReadFile returns the full contents of the file at path. Only used for small
// control files; payload harvesting goes through TakeFileBytes.
func (m *FS) ReadFile(path string) ([]byte, error) {
	h, err := m.Open(path)
	if err != nil {
		return nil, err
	}
	out := make([]byte, h.Size())
	n, err := h.ReadAt(out, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return out[:n], nil
}

// SetDataBin atomically replaces /data.bin with a read-only view over buf.
// The buffer bytes are shared, not copied.
func (m *FS) SetDataBin(buf buffer.Buffer) {
	m.root.replace(DataBinName, newReadOnlyFile(buf))
}

// TakeFileBytes removes the growable file at path and adopts its storage as
// an immutable shared buffer. This is how sub-content payloads leave the
// filesystem without a copy.
func (m *FS) TakeFileBytes(path string) (buffer.Buffer, error) {
	dir, name, err := m.splitPath(path)
	if err != nil {
		return buffer.Buffer{}, err
	}
	f, err := dir.File(name)
	if err != nil {
		return buffer.Buffer{}, err
	}
	buf, err := f.take()
	if err != nil {
		return buffer.Buffer{}, err
	}
	_ = dir.Remove(name)
	return buf, nil
}
