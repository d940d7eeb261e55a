// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package runner

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/tordynnar/wadup2/internal/buffer"
	"github.com/tordynnar/wadup2/internal/logging"
	"github.com/tordynnar/wadup2/internal/memfs"
	"github.com/tordynnar/wadup2/internal/wasi"
)

func newHarnessFS(t *testing.T) *memfs.FS {
	t.Helper()
	fs := memfs.New()
	for _, dir := range []string{"/tmp", "/metadata", "/subcontent"} {
		if err := fs.MkdirAll(dir); err != nil {
			t.Fatal(err)
		}
	}
	return fs
}

func writeFile(t *testing.T, fs *memfs.FS, path, contents string) {
	t.Helper()
	if err := fs.CreateFile(path, []byte(contents)); err != nil {
		t.Fatal(err)
	}
}

func TestReadMetadataFilesNone(t *testing.T) {
	fs := newHarnessFS(t)
	if got := readMetadataFiles(fs, logging.NewNoOpLogger()); got != nil {
		t.Fatalf("expected nil metadata, got %v", got)
	}
}

func TestReadMetadataFilesSingleObject(t *testing.T) {
	fs := newHarnessFS(t)
	blob := `{"tables": [{"name": "t", "columns": []}], "rows": [], "guest_extra": true}`
	writeFile(t, fs, "/metadata/out_0.json", blob)

	got := readMetadataFiles(fs, logging.NewNoOpLogger())
	raw, ok := got.(json.RawMessage)
	if !ok {
		t.Fatalf("single file must surface as one raw object, got %T", got)
	}
	if string(raw) != blob {
		t.Fatalf("raw metadata altered: %s", raw)
	}

	// The extra guest field round-trips through the command's JSON output.
	encoded, err := json.Marshal(Output{Metadata: got})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(encoded), `"guest_extra":true`) {
		t.Fatalf("guest field lost in output: %s", encoded)
	}
}

func TestReadMetadataFilesMultipleBecomeArray(t *testing.T) {
	fs := newHarnessFS(t)
	blobs := map[string]string{
		"/metadata/a.json": `{"rows": [{"table_name": "t", "values": [{"Int64": 1}]}]}`,
		"/metadata/b.json": `{"rows": [{"table_name": "t", "values": [{"Int64": 2}]}]}`,
		"/metadata/c.json": `{"tables": [], "custom": "kept"}`,
	}
	for path, blob := range blobs {
		writeFile(t, fs, path, blob)
	}

	got := readMetadataFiles(fs, logging.NewNoOpLogger())
	files, ok := got.([]json.RawMessage)
	if !ok {
		t.Fatalf("multiple files must surface as an array, got %T", got)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(files))
	}
	// Listing order is sorted by name, so each blob survives verbatim.
	want := []string{blobs["/metadata/a.json"], blobs["/metadata/b.json"], blobs["/metadata/c.json"]}
	for i, raw := range files {
		if string(raw) != want[i] {
			t.Fatalf("entry %d altered: %s", i, raw)
		}
	}

	encoded, err := json.Marshal(Output{Metadata: got})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(encoded), `"metadata":[{`) {
		t.Fatalf("output metadata not an array: %s", encoded)
	}
}

func TestReadMetadataFilesSkipsMalformed(t *testing.T) {
	fs := newHarnessFS(t)
	writeFile(t, fs, "/metadata/bad.json", `{"rows": [`)
	writeFile(t, fs, "/metadata/good.json", `{"rows": []}`)

	got := readMetadataFiles(fs, logging.NewNoOpLogger())
	raw, ok := got.(json.RawMessage)
	if !ok || string(raw) != `{"rows": []}` {
		t.Fatalf("expected only the valid file, got %T %v", got, got)
	}
}

func TestReadSubcontentPairsAndRawMetadata(t *testing.T) {
	fs := newHarnessFS(t)
	writeFile(t, fs, "/subcontent/data_0.bin", "payload bytes")
	writeFile(t, fs, "/subcontent/metadata_0.json",
		`{"filename": "inner.txt", "mime_type": "text/plain", "confidence": 0.9}`)

	out := readSubcontent(fs, buffer.FromBytes(nil), logging.NewNoOpLogger())
	if len(out) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(out))
	}
	e := out[0]
	if e.Index != 0 || e.Filename == nil || *e.Filename != "inner.txt" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.Size != 13 || e.Truncated || e.DataHex != hex.EncodeToString([]byte("payload bytes")) {
		t.Fatalf("unexpected payload: %+v", e)
	}
	// The guest's full descriptor survives, extra fields included.
	wantMeta := map[string]interface{}{
		"filename":   "inner.txt",
		"mime_type":  "text/plain",
		"confidence": 0.9,
	}
	if diff := cmp.Diff(wantMeta, e.Metadata); diff != "" {
		t.Fatalf("metadata (-want +got):\n%s", diff)
	}
}

func TestReadSubcontentSliceVariant(t *testing.T) {
	sample := make([]byte, 1000)
	for i := range sample {
		sample[i] = byte(i)
	}
	fs := newHarnessFS(t)
	writeFile(t, fs, "/subcontent/metadata_2.json",
		`{"filename": "window", "offset": 900, "length": 100, "note": "tail"}`)

	out := readSubcontent(fs, buffer.FromBytes(sample), logging.NewNoOpLogger())
	if len(out) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(out))
	}
	e := out[0]
	if e.Index != 2 || e.Size != 100 || e.DataHex != hex.EncodeToString(sample[900:]) {
		t.Fatalf("unexpected slice payload: index=%d size=%d", e.Index, e.Size)
	}
	if e.Metadata["note"] != "tail" || e.Metadata["offset"] != float64(900) {
		t.Fatalf("descriptor fields lost: %+v", e.Metadata)
	}

	// Out-of-range windows produce an empty payload, not a crash.
	writeFile(t, fs, "/subcontent/metadata_3.json", `{"filename": "oob", "offset": 990, "length": 100}`)
	out = readSubcontent(fs, buffer.FromBytes(sample), logging.NewNoOpLogger())
	if len(out) != 2 || out[1].Size != 0 {
		t.Fatalf("out-of-range slice not handled: %+v", out)
	}
}

func TestReadSubcontentUnpairedData(t *testing.T) {
	fs := newHarnessFS(t)
	writeFile(t, fs, "/subcontent/data_5.bin", "orphan")

	out := readSubcontent(fs, buffer.FromBytes(nil), logging.NewNoOpLogger())
	if len(out) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(out))
	}
	e := out[0]
	if e.Index != 5 || e.Filename != nil || e.Metadata != nil {
		t.Fatalf("orphan data must have null filename and metadata: %+v", e)
	}
	if e.Size != 6 || e.DataHex != hex.EncodeToString([]byte("orphan")) {
		t.Fatalf("orphan payload wrong: %+v", e)
	}

	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"filename":null`) || !strings.Contains(string(raw), `"metadata":null`) {
		t.Fatalf("null fields not encoded: %s", raw)
	}
}

func TestReadSubcontentTruncatesHexAt4KiB(t *testing.T) {
	big := make([]byte, 8192)
	for i := range big {
		big[i] = byte(i)
	}
	fs := newHarnessFS(t)
	if err := fs.CreateFile("/subcontent/data_0.bin", big); err != nil {
		t.Fatal(err)
	}
	writeFile(t, fs, "/subcontent/metadata_0.json", `{"filename": "large"}`)

	out := readSubcontent(fs, buffer.FromBytes(nil), logging.NewNoOpLogger())
	if len(out) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(out))
	}
	e := out[0]
	if !e.Truncated || e.Size != 8192 || len(e.DataHex) != 2*maxHexBytes {
		t.Fatalf("truncation wrong: truncated=%v size=%d hexlen=%d", e.Truncated, e.Size, len(e.DataHex))
	}
	if e.DataHex != hex.EncodeToString(big[:maxHexBytes]) {
		t.Fatal("truncated hex does not match payload prefix")
	}
}

func TestEmissionFileIndex(t *testing.T) {
	tests := []struct {
		name, prefix, suffix string
		want                 int
		ok                   bool
	}{
		{"data_0.bin", "data_", ".bin", 0, true},
		{"data_17.bin", "data_", ".bin", 17, true},
		{"metadata_3.json", "metadata_", ".json", 3, true},
		{"data_x.bin", "data_", ".bin", 0, false},
		{"data_-1.bin", "data_", ".bin", 0, false},
		{"other.bin", "data_", ".bin", 0, false},
		{"data_1.json", "data_", ".bin", 0, false},
	}
	for _, tc := range tests {
		got, ok := emissionFileIndex(tc.name, tc.prefix, tc.suffix)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Fatalf("emissionFileIndex(%q): got %d/%v, want %d/%v", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestFailureOutputShape(t *testing.T) {
	proc := wasi.NewContext(uuid.New(), buffer.FromBytes(nil), "f")
	proc.Stderr.Write([]byte("boom\n"))
	sub := []SubcontentOutput{{Index: 0, DataHex: "00", Size: 1}}

	out := failure(errTest{}, 3, proc, sub)
	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	for _, want := range []string{`"success":false`, `"exit_code":3`, `"error":"test failure"`, `"stderr":"boom\n"`, `"metadata":null`, `"data_hex":"00"`} {
		if !strings.Contains(s, want) {
			t.Fatalf("output missing %s: %s", want, s)
		}
	}
}

type errTest struct{}

func (errTest) Error() string { return "test failure" }
