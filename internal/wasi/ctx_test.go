// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package wasi

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/tordynnar/wadup2/internal/buffer"
	"github.com/tordynnar/wadup2/internal/logging"
	"github.com/tordynnar/wadup2/internal/memfs"
	"github.com/tordynnar/wadup2/internal/sink"
)

func newTestCtx(t *testing.T, data []byte, filename string) *Ctx {
	t.Helper()
	fs := memfs.New()
	for _, dir := range []string{"/tmp", "/metadata", "/subcontent"} {
		if err := fs.MkdirAll(dir); err != nil {
			t.Fatal(err)
		}
	}
	ctx := NewCtx(fs, logging.NewNoOpLogger())
	buf := buffer.FromBytes(data)
	fs.SetDataBin(buf)
	ctx.Reset(NewContext(uuid.New(), buf, filename))
	return ctx
}

// openWrite opens a path for writing with O_CREAT, failing the test on error.
func openWrite(t *testing.T, ctx *Ctx, path string) int32 {
	t.Helper()
	fd, errno := ctx.PathOpen(FdRoot, path, oflagCreat, rightFdWrite)
	if errno != ErrnoSuccess {
		t.Fatalf("open %s: errno %d", path, errno)
	}
	return fd
}

func writeAll(t *testing.T, ctx *Ctx, fd int32, data []byte) {
	t.Helper()
	n, errno := ctx.FdWrite(fd, [][]byte{data})
	if errno != ErrnoSuccess || n != len(data) {
		t.Fatalf("write: n=%d errno=%d", n, errno)
	}
}

func TestDataBinReadable(t *testing.T) {
	ctx := newTestCtx(t, []byte("hello, data"), "f.bin")
	fd, errno := ctx.PathOpen(FdRoot, "data.bin", 0, 0)
	if errno != ErrnoSuccess {
		t.Fatalf("open: errno %d", errno)
	}
	buf := make([]byte, 32)
	n, errno := ctx.FdRead(fd, [][]byte{buf})
	if errno != ErrnoSuccess {
		t.Fatalf("read: errno %d", errno)
	}
	if string(buf[:n]) != "hello, data" {
		t.Fatalf("unexpected bytes: %q", buf[:n])
	}
}

func TestDataBinWriteDenied(t *testing.T) {
	ctx := newTestCtx(t, []byte("ro"), "f.bin")
	if _, errno := ctx.PathOpen(FdRoot, "data.bin", 0, rightFdWrite); errno != ErrnoAcces {
		t.Fatalf("expected acces, got errno %d", errno)
	}
	if _, errno := ctx.PathOpen(FdRoot, "data.bin", oflagTrunc, 0); errno != ErrnoAcces {
		t.Fatalf("expected acces for trunc, got errno %d", errno)
	}
}

func TestCaptureTruncation(t *testing.T) {
	ctx := newTestCtx(t, nil, "f")
	chunk := bytes.Repeat([]byte{'x'}, 64*1024)
	// 1 MiB exactly, then one more byte.
	for i := 0; i < 16; i++ {
		writeAll(t, ctx, FdStdout, chunk)
	}
	if ctx.Proc.Stdout.Truncated() {
		t.Fatal("capture at exactly 1 MiB must not be truncated")
	}
	writeAll(t, ctx, FdStdout, []byte{'y'})
	if !ctx.Proc.Stdout.Truncated() {
		t.Fatal("capture past 1 MiB must set the truncation flag")
	}
	if ctx.Proc.Stdout.Len() != CaptureLimit {
		t.Fatalf("captured %d bytes, want exactly %d", ctx.Proc.Stdout.Len(), CaptureLimit)
	}
	if ctx.Proc.Stderr.Truncated() || ctx.Proc.Stderr.Len() != 0 {
		t.Fatal("stderr capture must be independent of stdout")
	}
}

func TestMetadataCloseProtocol(t *testing.T) {
	ctx := newTestCtx(t, nil, "f")
	fd := openWrite(t, ctx, "/metadata/out_0.json")
	writeAll(t, ctx, fd, []byte(`{
		"tables": [{"name": "file_sizes", "columns": [{"name": "size_bytes", "data_type": "Int64"}]}],
		"rows": [{"table_name": "file_sizes", "values": [{"Int64": 13}]}]
	}`))

	if len(ctx.Proc.Schemas) != 0 || len(ctx.Proc.Rows) != 0 {
		t.Fatal("emissions must not be visible before close")
	}
	if errno := ctx.FdClose(fd); errno != ErrnoSuccess {
		t.Fatalf("close: errno %d", errno)
	}

	wantSchemas := []sink.TableSchema{{
		Name:    "file_sizes",
		Columns: []sink.Column{{Name: "size_bytes", DataType: sink.Int64}},
	}}
	if diff := cmp.Diff(wantSchemas, ctx.Proc.Schemas); diff != "" {
		t.Fatalf("schemas (-want +got):\n%s", diff)
	}
	wantRows := []sink.Row{{TableName: "file_sizes", Values: []sink.Value{sink.IntValue(13)}}}
	if diff := cmp.Diff(wantRows, ctx.Proc.Rows); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}

	// The file is consumed.
	if _, err := ctx.FS.ReadFile("/metadata/out_0.json"); err == nil {
		t.Fatal("metadata file should be removed on close")
	}
}

func TestMetadataCloseMalformed(t *testing.T) {
	ctx := newTestCtx(t, nil, "f")
	fd := openWrite(t, ctx, "/metadata/broken.json")
	writeAll(t, ctx, fd, []byte(`{"tables": [`))
	if errno := ctx.FdClose(fd); errno != ErrnoSuccess {
		t.Fatalf("close: errno %d", errno)
	}
	if len(ctx.Proc.Schemas) != 0 || len(ctx.Proc.Rows) != 0 {
		t.Fatal("malformed metadata must be dropped")
	}
	if _, err := ctx.FS.ReadFile("/metadata/broken.json"); err == nil {
		t.Fatal("malformed metadata file must still be removed")
	}
}

func TestSubcontentBytesEmission(t *testing.T) {
	ctx := newTestCtx(t, nil, "f")

	dataFd := openWrite(t, ctx, "/subcontent/data_0.bin")
	writeAll(t, ctx, dataFd, []byte("payload bytes"))
	if errno := ctx.FdClose(dataFd); errno != ErrnoSuccess {
		t.Fatalf("close data: errno %d", errno)
	}
	// Closing the data file alone publishes nothing.
	if len(ctx.Proc.Emissions) != 0 {
		t.Fatal("data close must not emit")
	}

	metaFd := openWrite(t, ctx, "/subcontent/metadata_0.json")
	writeAll(t, ctx, metaFd, []byte(`{"filename": "inner.txt"}`))
	if errno := ctx.FdClose(metaFd); errno != ErrnoSuccess {
		t.Fatalf("close meta: errno %d", errno)
	}

	if len(ctx.Proc.Emissions) != 1 {
		t.Fatalf("expected 1 emission, got %d", len(ctx.Proc.Emissions))
	}
	e := ctx.Proc.Emissions[0]
	if e.Kind != EmitBytes || e.Filename != "inner.txt" || string(e.Bytes.Bytes()) != "payload bytes" {
		t.Fatalf("unexpected emission: %+v", e)
	}

	// Both files consumed.
	if _, err := ctx.FS.ReadFile("/subcontent/data_0.bin"); err == nil {
		t.Fatal("data file should be consumed")
	}
	if _, err := ctx.FS.ReadFile("/subcontent/metadata_0.json"); err == nil {
		t.Fatal("metadata file should be consumed")
	}
}

func TestSubcontentSliceEmission(t *testing.T) {
	ctx := newTestCtx(t, bytes.Repeat([]byte{'z'}, 1000), "f")
	metaFd := openWrite(t, ctx, "/subcontent/metadata_7.json")
	writeAll(t, ctx, metaFd, []byte(`{"filename": "a", "offset": 900, "length": 100}`))
	if errno := ctx.FdClose(metaFd); errno != ErrnoSuccess {
		t.Fatalf("close: errno %d", errno)
	}
	want := []Emission{{Kind: EmitSlice, Filename: "a", Offset: 900, Length: 100}}
	if diff := cmp.Diff(want, ctx.Proc.Emissions, cmp.AllowUnexported(buffer.Buffer{})); diff != "" {
		t.Fatalf("emissions (-want +got):\n%s", diff)
	}
}

func TestSubcontentMetadataWithoutPayload(t *testing.T) {
	ctx := newTestCtx(t, nil, "f")
	metaFd := openWrite(t, ctx, "/subcontent/metadata_3.json")
	writeAll(t, ctx, metaFd, []byte(`{"filename": "ghost"}`))
	if errno := ctx.FdClose(metaFd); errno != ErrnoSuccess {
		t.Fatalf("close: errno %d", errno)
	}
	if len(ctx.Proc.Emissions) != 0 {
		t.Fatal("metadata without a data file must be dropped")
	}
}

func TestSweepUnclosedMetadata(t *testing.T) {
	ctx := newTestCtx(t, nil, "f")
	fd := openWrite(t, ctx, "/metadata/left_open.json")
	writeAll(t, ctx, fd, []byte(`{"rows": [{"table_name": "t", "values": [{"String": "v"}]}]}`))
	// Guest returns without closing; the sweep picks it up.
	ctx.Sweep()
	if len(ctx.Proc.Rows) != 1 {
		t.Fatalf("sweep should capture unclosed metadata, got %d rows", len(ctx.Proc.Rows))
	}
	if _, err := ctx.FS.ReadFile("/metadata/left_open.json"); err == nil {
		t.Fatal("sweep must delete processed files")
	}
}

func TestResetClearsStaleState(t *testing.T) {
	ctx := newTestCtx(t, nil, "f")
	fd := openWrite(t, ctx, "/subcontent/data_9.bin")
	writeAll(t, ctx, fd, []byte("stale"))

	ctx.Reset(NewContext(uuid.New(), buffer.FromBytes(nil), "next"))

	// Old descriptors are invalid and the emission dir is empty.
	if _, errno := ctx.FdWrite(fd, [][]byte{[]byte("x")}); errno != ErrnoBadf {
		t.Fatalf("stale fd should be badf, got %d", errno)
	}
	dir, err := ctx.FS.Dir("/subcontent")
	if err != nil {
		t.Fatal(err)
	}
	if entries := dir.List(); len(entries) != 0 {
		t.Fatalf("subcontent not cleared: %+v", entries)
	}
	// /tmp scratch survives reset.
	if _, err := ctx.FS.Dir("/tmp"); err != nil {
		t.Fatal("tmp should survive reset")
	}
}

func TestFdReaddirLayout(t *testing.T) {
	ctx := newTestCtx(t, nil, "f")
	fd, errno := ctx.PathOpen(FdRoot, "/", oflagDirectory, 0)
	if errno != ErrnoSuccess {
		t.Fatalf("open root: errno %d", errno)
	}
	out, errno := ctx.FdReaddir(fd, 4096, 0)
	if errno != ErrnoSuccess {
		t.Fatalf("readdir: errno %d", errno)
	}

	var names []string
	for off := 0; off < len(out); {
		namlen := int(binary.LittleEndian.Uint32(out[off+16 : off+20]))
		ftype := out[off+20]
		name := string(out[off+direntSize : off+direntSize+namlen])
		names = append(names, name)
		switch name {
		case "data.bin":
			if ftype != FiletypeRegularFile {
				t.Fatalf("data.bin filetype %d", ftype)
			}
		case "tmp", "metadata", "subcontent":
			if ftype != FiletypeDirectory {
				t.Fatalf("%s filetype %d", name, ftype)
			}
		}
		off += direntSize + namlen
	}
	want := []string{"data.bin", "metadata", "subcontent", "tmp"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("entries (-want +got):\n%s", diff)
	}
}

func TestPrestat(t *testing.T) {
	ctx := newTestCtx(t, nil, "f")
	if n, errno := ctx.FdPrestatGet(FdRoot); errno != ErrnoSuccess || n != 1 {
		t.Fatalf("prestat_get: n=%d errno=%d", n, errno)
	}
	if name, errno := ctx.FdPrestatDirName(FdRoot); errno != ErrnoSuccess || name != "/" {
		t.Fatalf("prestat_dir_name: %q errno=%d", name, errno)
	}
	if _, errno := ctx.FdPrestatGet(4); errno != ErrnoBadf {
		t.Fatalf("prestat_get(4): errno=%d", errno)
	}
}

func TestEnviron(t *testing.T) {
	ctx := newTestCtx(t, nil, "sample.txt")
	env := ctx.EnvironList()
	var foundFilename bool
	for _, kv := range env {
		if kv == "WADUP_FILENAME=sample.txt" {
			foundFilename = true
		}
		if !strings.Contains(kv, "=") {
			t.Fatalf("malformed environ entry %q", kv)
		}
	}
	if !foundFilename {
		t.Fatalf("WADUP_FILENAME missing from %v", env)
	}
}

func TestCloseStdioNoop(t *testing.T) {
	ctx := newTestCtx(t, nil, "f")
	for fd := int32(0); fd <= 2; fd++ {
		if errno := ctx.FdClose(fd); errno != ErrnoSuccess {
			t.Fatalf("close stdio %d: errno %d", fd, errno)
		}
	}
	// Stdio still usable after "close".
	writeAll(t, ctx, FdStdout, []byte("still here"))
	if ctx.Proc.Stdout.String() != "still here" {
		t.Fatal("stdout capture lost after stdio close")
	}
}

func TestExclusiveCreate(t *testing.T) {
	ctx := newTestCtx(t, nil, "f")
	fd := openWrite(t, ctx, "/tmp/once")
	if errno := ctx.FdClose(fd); errno != ErrnoSuccess {
		t.Fatal("close failed")
	}
	if _, errno := ctx.PathOpen(FdRoot, "/tmp/once", oflagCreat|oflagExcl, rightFdWrite); errno != ErrnoExist {
		t.Fatalf("expected exist, got errno %d", errno)
	}
}

func TestRetainPublications(t *testing.T) {
	ctx := newTestCtx(t, nil, "f")
	ctx.RetainPublications = true

	metaFd := openWrite(t, ctx, "/metadata/out_0.json")
	writeAll(t, ctx, metaFd, []byte(`{"rows": [{"table_name": "t", "values": [{"Int64": 1}]}]}`))
	if errno := ctx.FdClose(metaFd); errno != ErrnoSuccess {
		t.Fatalf("close: errno %d", errno)
	}

	dataFd := openWrite(t, ctx, "/subcontent/data_0.bin")
	writeAll(t, ctx, dataFd, []byte("kept"))
	if errno := ctx.FdClose(dataFd); errno != ErrnoSuccess {
		t.Fatalf("close data: errno %d", errno)
	}
	subFd := openWrite(t, ctx, "/subcontent/metadata_0.json")
	writeAll(t, ctx, subFd, []byte(`{"filename": "inner"}`))
	if errno := ctx.FdClose(subFd); errno != ErrnoSuccess {
		t.Fatalf("close subcontent meta: errno %d", errno)
	}

	ctx.Sweep()

	// Nothing is consumed into the context and every file survives for the
	// harness to read back.
	if len(ctx.Proc.Rows) != 0 || len(ctx.Proc.Schemas) != 0 || len(ctx.Proc.Emissions) != 0 {
		t.Fatal("retain mode must not feed the pipeline harvest")
	}
	for _, path := range []string{"/metadata/out_0.json", "/subcontent/data_0.bin", "/subcontent/metadata_0.json"} {
		if _, err := ctx.FS.ReadFile(path); err != nil {
			t.Fatalf("%s was consumed in retain mode: %v", path, err)
		}
	}

	// Closed descriptors are still released.
	if errno := ctx.FdClose(metaFd); errno != ErrnoBadf {
		t.Fatalf("stale fd after close: errno %d", errno)
	}
}

func TestParseExitTrap(t *testing.T) {
	if _, ok := ParseExitTrap("some other trap"); ok {
		t.Fatal("unexpected parse success")
	}
	code, ok := ParseExitTrap(ExitTrapMessage(7) + "\nwasm backtrace: ...")
	if !ok || code != 7 {
		t.Fatalf("got code=%d ok=%v", code, ok)
	}
	code, ok = ParseExitTrap(ExitTrapMessage(0))
	if !ok || code != 0 {
		t.Fatalf("got code=%d ok=%v", code, ok)
	}
}
