// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package sink

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/tordynnar/wadup2/internal/logging"
)

func newTestSink(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "wadup.db"), logging.NewNoOpLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sizesSchema() TableSchema {
	return TableSchema{
		Name: "file_sizes",
		Columns: []Column{
			{Name: "size_bytes", DataType: Int64},
		},
	}
}

func TestDefineTableIdempotent(t *testing.T) {
	s := newTestSink(t)
	if err := s.DefineTable(sizesSchema()); err != nil {
		t.Fatal(err)
	}
	if err := s.DefineTable(sizesSchema()); err != nil {
		t.Fatalf("identical re-declaration must be a no-op: %v", err)
	}
}

func TestDefineTableConflict(t *testing.T) {
	s := newTestSink(t)
	if err := s.DefineTable(sizesSchema()); err != nil {
		t.Fatal(err)
	}

	conflicting := []TableSchema{
		{Name: "file_sizes", Columns: []Column{{Name: "size_bytes", DataType: String}}},
		{Name: "file_sizes", Columns: []Column{{Name: "other", DataType: Int64}}},
		{Name: "file_sizes", Columns: []Column{{Name: "size_bytes", DataType: Int64}, {Name: "extra", DataType: Int64}}},
	}
	for _, schema := range conflicting {
		if err := s.DefineTable(schema); !errors.Is(err, ErrSchemaConflict) {
			t.Fatalf("expected ErrSchemaConflict for %+v, got %v", schema, err)
		}
	}

	// First declaration still accepts rows.
	id := uuid.New()
	if err := s.StartContent(id, "f", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCurrentModule(id, "counter"); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertRow("file_sizes", id, []Value{IntValue(13)}); err != nil {
		t.Fatal(err)
	}
}

func TestInsertRowValidation(t *testing.T) {
	s := newTestSink(t)
	if err := s.DefineTable(sizesSchema()); err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	if err := s.StartContent(id, "f", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCurrentModule(id, "counter"); err != nil {
		t.Fatal(err)
	}

	if err := s.InsertRow("undeclared", id, []Value{IntValue(1)}); !errors.Is(err, ErrTableUndefined) {
		t.Fatalf("expected ErrTableUndefined, got %v", err)
	}
	if err := s.InsertRow("file_sizes", id, nil); !errors.Is(err, ErrRowMismatch) {
		t.Fatalf("expected arity mismatch, got %v", err)
	}
	if err := s.InsertRow("file_sizes", id, []Value{IntValue(1), IntValue(2)}); !errors.Is(err, ErrRowMismatch) {
		t.Fatalf("expected arity mismatch, got %v", err)
	}
	if err := s.InsertRow("file_sizes", id, []Value{StringValue("13")}); !errors.Is(err, ErrRowMismatch) {
		t.Fatalf("expected type mismatch, got %v", err)
	}
	if err := s.InsertRow("file_sizes", id, []Value{IntValue(13)}); err != nil {
		t.Fatal(err)
	}

	var size int64
	var module string
	row := s.db.QueryRow(`SELECT module, size_bytes FROM t_file_sizes WHERE content_uuid = ?`, id.String())
	if err := row.Scan(&module, &size); err != nil {
		t.Fatal(err)
	}
	if module != "counter" || size != 13 {
		t.Fatalf("unexpected row: module=%q size=%d", module, size)
	}
}

func TestContentLifecycle(t *testing.T) {
	s := newTestSink(t)
	parent := uuid.New()
	child := uuid.New()

	if err := s.StartContent(parent, "archive.zip", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.StartContent(child, "inner.txt", &parent); err != nil {
		t.Fatal(err)
	}
	if err := s.FinalizeContentSuccess(parent); err != nil {
		t.Fatal(err)
	}
	if err := s.FinalizeContentFailure(child, "module 'x' failed: trap"); err != nil {
		t.Fatal(err)
	}

	var status, errMsg string
	row := s.db.QueryRow(`SELECT status, COALESCE(error_message, '') FROM contents WHERE uuid = ?`, parent.String())
	if err := row.Scan(&status, &errMsg); err != nil {
		t.Fatal(err)
	}
	if status != "success" || errMsg != "" {
		t.Fatalf("parent: status=%q err=%q", status, errMsg)
	}

	row = s.db.QueryRow(`SELECT status, COALESCE(error_message, ''), COALESCE(parent_uuid, '') FROM contents WHERE uuid = ?`, child.String())
	var parentUUID string
	if err := row.Scan(&status, &errMsg, &parentUUID); err != nil {
		t.Fatal(err)
	}
	if status != "failed" || errMsg == "" || parentUUID != parent.String() {
		t.Fatalf("child: status=%q err=%q parent=%q", status, errMsg, parentUUID)
	}

	// Exactly one record per content.
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM contents`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 content records, got %d", n)
	}
}

func TestStartContentIdempotent(t *testing.T) {
	s := newTestSink(t)
	id := uuid.New()
	if err := s.StartContent(id, "f", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.StartContent(id, "f", nil); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM contents`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 content record, got %d", n)
	}
}

func TestRecordModuleOutput(t *testing.T) {
	s := newTestSink(t)
	id := uuid.New()
	if err := s.RecordModuleOutput(id, "chatty", "hello\n", "", true, false); err != nil {
		t.Fatal(err)
	}
	var stdout string
	var stdoutTrunc, stderrTrunc int
	row := s.db.QueryRow(`SELECT stdout, stdout_truncated, stderr_truncated FROM module_outputs WHERE content_uuid = ?`, id.String())
	if err := row.Scan(&stdout, &stdoutTrunc, &stderrTrunc); err != nil {
		t.Fatal(err)
	}
	if stdout != "hello\n" || stdoutTrunc != 1 || stderrTrunc != 0 {
		t.Fatalf("unexpected output row: %q %d %d", stdout, stdoutTrunc, stderrTrunc)
	}
}

func TestDefineTableRejectsHostileNames(t *testing.T) {
	s := newTestSink(t)
	bad := []TableSchema{
		{Name: "drop table; --", Columns: []Column{{Name: "x", DataType: Int64}}},
		{Name: "ok", Columns: []Column{{Name: "x\"", DataType: Int64}}},
		{Name: "ok", Columns: []Column{{Name: "content_uuid", DataType: Int64}}},
		{Name: "ok", Columns: []Column{{Name: "x", DataType: "Bogus"}}},
		{Name: "ok", Columns: []Column{}},
	}
	for _, schema := range bad {
		if err := s.DefineTable(schema); err == nil {
			t.Fatalf("expected rejection for %+v", schema)
		}
	}
}
