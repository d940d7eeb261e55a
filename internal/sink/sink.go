// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package sink defines the typed destination for everything the engine
// produces: declared table schemas, metadata rows, captured module output,
// and per-content success/failure records.
package sink

import (
	"errors"

	"github.com/google/uuid"
)

// ErrSchemaConflict is returned by DefineTable when a table is re-declared
// with different columns.
var ErrSchemaConflict = errors.New("table schema conflict")

// ErrRowMismatch is returned by InsertRow when a row's arity or value types
// do not match the table's declared columns.
var ErrRowMismatch = errors.New("row does not match table schema")

// ErrTableUndefined is returned by InsertRow for tables never declared.
var ErrTableUndefined = errors.New("table not defined")

// Sink receives all durable outputs of a run. Implementations must be safe
// for concurrent use by multiple worker threads.
type Sink interface {
	// StartContent registers a content before any of its rows arrive.
	StartContent(id uuid.UUID, filename string, parent *uuid.UUID) error

	// SetCurrentModule scopes subsequent InsertRow calls for id.
	SetCurrentModule(id uuid.UUID, module string) error

	// DefineTable declares a table. Re-declaring with identical columns is a
	// no-op; any difference fails with ErrSchemaConflict.
	DefineTable(schema TableSchema) error

	// InsertRow appends one row to table, scoped to the content and the
	// current module. Rows failing schema validation are rejected with
	// ErrRowMismatch.
	InsertRow(table string, id uuid.UUID, values []Value) error

	// RecordModuleOutput stores captured stdout/stderr for (content, module).
	RecordModuleOutput(id uuid.UUID, module, stdout, stderr string, stdoutTruncated, stderrTruncated bool) error

	// FinalizeContentSuccess marks the content processed without errors.
	FinalizeContentSuccess(id uuid.UUID) error

	// FinalizeContentFailure marks the content failed with a joined summary.
	FinalizeContentFailure(id uuid.UUID, errMsg string) error

	// Close flushes and releases the sink.
	Close() error
}
