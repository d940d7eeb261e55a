// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package wasi

import (
	"github.com/google/uuid"

	"github.com/tordynnar/wadup2/internal/buffer"
	"github.com/tordynnar/wadup2/internal/sink"
)

// CaptureLimit bounds each of the stdout/stderr capture buffers. Bytes past
// the limit are dropped and the stream's truncation flag is set.
const CaptureLimit = 1 << 20

// EmissionKind discriminates sub-content emission payloads.
type EmissionKind int

const (
	// EmitBytes carries an owned payload harvested from data_N.bin.
	EmitBytes EmissionKind = iota
	// EmitSlice references a window of the current content.
	EmitSlice
)

// Emission is one sub-content published by the guest.
type Emission struct {
	Kind     EmissionKind
	Filename string
	Bytes    buffer.Buffer // EmitBytes
	Offset   int           // EmitSlice
	Length   int           // EmitSlice
}

// Capture is a bounded output buffer for one stdio stream.
type Capture struct {
	buf       []byte
	truncated bool
}

// Write appends p, dropping bytes past CaptureLimit.
func (c *Capture) Write(p []byte) {
	room := CaptureLimit - len(c.buf)
	if room >= len(p) {
		c.buf = append(c.buf, p...)
		return
	}
	if room > 0 {
		c.buf = append(c.buf, p[:room]...)
	}
	c.truncated = true
}

// String returns the captured text.
func (c *Capture) String() string {
	return string(c.buf)
}

// Len returns the captured byte count.
func (c *Capture) Len() int {
	return len(c.buf)
}

// Truncated reports whether any bytes were dropped.
func (c *Capture) Truncated() bool {
	return c.truncated
}

// Context is the per-call scratch attached to an instance store: the current
// content, everything the guest has published so far, and the captured
// stdio streams. A fresh Context is installed before every call.
type Context struct {
	ContentID uuid.UUID
	Data      buffer.Buffer

	Schemas   []sink.TableSchema
	Rows      []sink.Row
	Emissions []Emission

	Stdout Capture
	Stderr Capture

	// Environ is the host-controlled environment visible to the guest.
	Environ map[string]string
}

// NewContext returns a fresh context for one (content, module) call.
func NewContext(contentID uuid.UUID, data buffer.Buffer, filename string) *Context {
	return &Context{
		ContentID: contentID,
		Data:      data,
		Environ: map[string]string{
			"WADUP_FILENAME":     filename,
			"WADUP_CONTENT_UUID": contentID.String(),
		},
	}
}
