// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package sink

import (
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/tordynnar/wadup2/internal/logging"
)

// guestTablePrefix namespaces guest-declared tables away from the engine's
// own bookkeeping tables.
const guestTablePrefix = "t_"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLite is the embedded metadata store. One file per run; all operations are
// serialized behind a single mutex, matching the per-operation mutual
// exclusion the engine's shared-resource policy assumes.
type SQLite struct {
	mtx     sync.Mutex
	db      *sql.DB
	log     logging.Logger
	schemas map[string]TableSchema
	current map[uuid.UUID]string
	started map[uuid.UUID]bool
}

// NewSQLite opens (creating if needed) the metadata database at path and
// prepares the engine bookkeeping tables.
func NewSQLite(path string, log logging.Logger) (*SQLite, error) {
	if log == nil {
		log = logging.Get()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	// The store is guarded by our own mutex; a single connection avoids
	// SQLITE_BUSY from concurrent writers.
	db.SetMaxOpenConns(1)

	s := &SQLite{
		db:      db,
		log:     log,
		schemas: map[string]TableSchema{},
		current: map[uuid.UUID]string{},
		started: map[uuid.UUID]bool{},
	}
	if err := s.createBookkeeping(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) createBookkeeping() error {
	ctb := sqlbuilder.SQLite.NewCreateTableBuilder()
	ctb.CreateTable("contents").IfNotExists()
	ctb.Define("uuid", "TEXT", "PRIMARY KEY")
	ctb.Define("filename", "TEXT", "NOT NULL")
	ctb.Define("parent_uuid", "TEXT")
	ctb.Define("status", "TEXT", "NOT NULL")
	ctb.Define("error_message", "TEXT")
	ctb.Define("processed_at", "TEXT", "NOT NULL")
	q, args := ctb.Build()
	if _, err := s.db.Exec(q, args...); err != nil {
		return fmt.Errorf("create contents table: %w", err)
	}

	ctb = sqlbuilder.SQLite.NewCreateTableBuilder()
	ctb.CreateTable("module_outputs").IfNotExists()
	ctb.Define("content_uuid", "TEXT", "NOT NULL")
	ctb.Define("module", "TEXT", "NOT NULL")
	ctb.Define("stdout", "TEXT")
	ctb.Define("stderr", "TEXT")
	ctb.Define("stdout_truncated", "INTEGER", "NOT NULL")
	ctb.Define("stderr_truncated", "INTEGER", "NOT NULL")
	q, args = ctb.Build()
	if _, err := s.db.Exec(q, args...); err != nil {
		return fmt.Errorf("create module_outputs table: %w", err)
	}
	return nil
}

func columnType(d DataType) string {
	switch d {
	case Int64:
		return "INTEGER"
	case Float64:
		return "REAL"
	default:
		return "TEXT"
	}
}

// StartContent registers a content in the processing state.
func (s *SQLite) StartContent(id uuid.UUID, filename string, parent *uuid.UUID) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.started[id] {
		return nil
	}

	var parentStr interface{}
	if parent != nil {
		parentStr = parent.String()
	}
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("contents")
	ib.Cols("uuid", "filename", "parent_uuid", "status", "error_message", "processed_at")
	ib.Values(id.String(), filename, parentStr, "processing", nil, timestamp())
	q, args := ib.Build()
	if _, err := s.db.Exec(q, args...); err != nil {
		return fmt.Errorf("start content %v: %w", id, err)
	}
	s.started[id] = true
	return nil
}

// SetCurrentModule scopes subsequent InsertRow calls for id.
func (s *SQLite) SetCurrentModule(id uuid.UUID, module string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.current[id] = module
	return nil
}

// DefineTable declares a guest table, creating its backing SQLite table on
// first sight. Idempotent for identical re-declarations; conflicting ones
// fail with ErrSchemaConflict and the first declaration stands.
func (s *SQLite) DefineTable(schema TableSchema) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := validateSchema(schema); err != nil {
		return err
	}
	if prior, ok := s.schemas[schema.Name]; ok {
		if prior.Equal(schema) {
			return nil
		}
		return fmt.Errorf("%w: table %q already defined with different columns", ErrSchemaConflict, schema.Name)
	}

	ctb := sqlbuilder.SQLite.NewCreateTableBuilder()
	ctb.CreateTable(guestTablePrefix + schema.Name).IfNotExists()
	ctb.Define("content_uuid", "TEXT", "NOT NULL")
	ctb.Define("module", "TEXT", "NOT NULL")
	for _, col := range schema.Columns {
		ctb.Define(col.Name, columnType(col.DataType))
	}
	q, args := ctb.Build()
	if _, err := s.db.Exec(q, args...); err != nil {
		return fmt.Errorf("create table %q: %w", schema.Name, err)
	}
	s.schemas[schema.Name] = schema
	return nil
}

func validateSchema(schema TableSchema) error {
	if !identRe.MatchString(schema.Name) {
		return fmt.Errorf("invalid table name %q", schema.Name)
	}
	if len(schema.Columns) == 0 {
		return fmt.Errorf("table %q declares no columns", schema.Name)
	}
	seen := map[string]bool{}
	for _, col := range schema.Columns {
		if !identRe.MatchString(col.Name) || col.Name == "content_uuid" || col.Name == "module" {
			return fmt.Errorf("table %q: invalid column name %q", schema.Name, col.Name)
		}
		if !col.DataType.Valid() {
			return fmt.Errorf("table %q: invalid data type %q", schema.Name, col.DataType)
		}
		if seen[col.Name] {
			return fmt.Errorf("table %q: duplicate column %q", schema.Name, col.Name)
		}
		seen[col.Name] = true
	}
	return nil
}

// InsertRow validates values against the declared schema and appends the row
// scoped to (content, current module).
func (s *SQLite) InsertRow(table string, id uuid.UUID, values []Value) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	schema, ok := s.schemas[table]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTableUndefined, table)
	}
	if len(values) != len(schema.Columns) {
		return fmt.Errorf("%w: table %q expects %d values, got %d", ErrRowMismatch, table, len(schema.Columns), len(values))
	}
	for i, v := range values {
		if v.Kind != schema.Columns[i].DataType {
			return fmt.Errorf("%w: table %q column %q expects %s, got %s",
				ErrRowMismatch, table, schema.Columns[i].Name, schema.Columns[i].DataType, v.Kind)
		}
	}

	cols := make([]string, 0, len(values)+2)
	args := make([]interface{}, 0, len(values)+2)
	cols = append(cols, "content_uuid", "module")
	args = append(args, id.String(), s.current[id])
	for i, v := range values {
		cols = append(cols, schema.Columns[i].Name)
		args = append(args, v.Interface())
	}

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto(guestTablePrefix + table)
	ib.Cols(cols...)
	ib.Values(args...)
	q, qargs := ib.Build()
	if _, err := s.db.Exec(q, qargs...); err != nil {
		return fmt.Errorf("insert into %q: %w", table, err)
	}
	return nil
}

// RecordModuleOutput stores captured stdout/stderr for (content, module).
func (s *SQLite) RecordModuleOutput(id uuid.UUID, module, stdout, stderr string, stdoutTruncated, stderrTruncated bool) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("module_outputs")
	ib.Cols("content_uuid", "module", "stdout", "stderr", "stdout_truncated", "stderr_truncated")
	ib.Values(id.String(), module, stdout, stderr, boolInt(stdoutTruncated), boolInt(stderrTruncated))
	q, args := ib.Build()
	if _, err := s.db.Exec(q, args...); err != nil {
		return fmt.Errorf("record module output %v/%s: %w", id, module, err)
	}
	return nil
}

// FinalizeContentSuccess marks the content processed without errors.
func (s *SQLite) FinalizeContentSuccess(id uuid.UUID) error {
	return s.finalize(id, "success", "")
}

// FinalizeContentFailure marks the content failed.
func (s *SQLite) FinalizeContentFailure(id uuid.UUID, errMsg string) error {
	return s.finalize(id, "failed", errMsg)
}

func (s *SQLite) finalize(id uuid.UUID, status, errMsg string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("contents")
	if errMsg != "" {
		ub.Set(ub.Assign("status", status), ub.Assign("error_message", errMsg), ub.Assign("processed_at", timestamp()))
	} else {
		ub.Set(ub.Assign("status", status), ub.Assign("processed_at", timestamp()))
	}
	ub.Where(ub.Equal("uuid", id.String()))
	q, args := ub.Build()
	if _, err := s.db.Exec(q, args...); err != nil {
		return fmt.Errorf("finalize content %v: %w", id, err)
	}
	delete(s.current, id)
	return nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
