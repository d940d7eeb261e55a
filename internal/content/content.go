// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package content defines the unit of processing and the store that owns the
// lifetime of all content bytes.
package content

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tordynnar/wadup2/internal/buffer"
)

// ErrDepthExceeded is returned when creating a child below the configured
// maximum recursion depth.
var ErrDepthExceeded = errors.New("max recursion depth exceeded")

// ErrParentMissing is returned when a borrowed body's parent cannot be
// resolved in the store.
var ErrParentMissing = errors.New("parent content not found")

// BodyKind discriminates the two content body representations.
type BodyKind int

const (
	// Owned bodies hold their bytes directly.
	Owned BodyKind = iota
	// Borrowed bodies reference a range of the parent's bytes.
	Borrowed
)

// Body is the content payload: either an owned buffer, or an
// (offset, length) window into the parent's buffer.
type Body struct {
	Kind   BodyKind
	Buffer buffer.Buffer // Owned only
	Parent uuid.UUID     // Borrowed only
	Offset int
	Length int
}

// OwnedBody wraps a buffer as an owned body.
func OwnedBody(buf buffer.Buffer) Body {
	return Body{Kind: Owned, Buffer: buf}
}

// BorrowedBody references a window of the parent content's buffer.
func BorrowedBody(parent uuid.UUID, offset, length int) Body {
	return Body{Kind: Borrowed, Parent: parent, Offset: offset, Length: length}
}

// Content is a single blob traversed by the pipeline, root or derived.
type Content struct {
	UUID     uuid.UUID
	Body     Body
	Filename string
	Parent   *uuid.UUID
	Depth    int
}

// NewRoot creates a depth-0 content from an ingested input file.
func NewRoot(buf buffer.Buffer, filename string) *Content {
	return &Content{
		UUID:     uuid.New(),
		Body:     OwnedBody(buf),
		Filename: filename,
	}
}

// NewChild creates a sub-content one level below parent. It fails with
// ErrDepthExceeded when the parent already sits at maxDepth.
func NewChild(parent *Content, body Body, filename string, maxDepth int) (*Content, error) {
	if parent.Depth >= maxDepth {
		return nil, fmt.Errorf("%w (limit: %d)", ErrDepthExceeded, maxDepth)
	}
	parentUUID := parent.UUID
	return &Content{
		UUID:     uuid.New(),
		Body:     body,
		Filename: filename,
		Parent:   &parentUUID,
		Depth:    parent.Depth + 1,
	}, nil
}
