// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package runner executes a single module against a single sample file and
// reports everything the module produced as one JSON document. This backs the
// `test` subcommand that module authors use while developing analyzers.
//
// Unlike the processing pipeline, which consumes publications as descriptors
// close, the harness retains every file the module wrote and reads
// /metadata and /subcontent back per-file after the call, so the output
// mirrors exactly what the guest published: one raw JSON object when a single
// metadata file exists, an array of the per-file objects when there are
// several, and each subcontent descriptor's full JSON including any extra
// fields the guest wrote.
package runner

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tordynnar/wadup2/internal/buffer"
	"github.com/tordynnar/wadup2/internal/logging"
	"github.com/tordynnar/wadup2/internal/memfs"
	"github.com/tordynnar/wadup2/internal/wasi"
	"github.com/tordynnar/wadup2/internal/wasm"
)

// maxHexBytes bounds the hex dump of each extracted payload.
const maxHexBytes = 4096

// Output is the JSON document produced for one module test.
type Output struct {
	Success    bool               `json:"success"`
	Error      *string            `json:"error"`
	Stdout     string             `json:"stdout"`
	Stderr     string             `json:"stderr"`
	ExitCode   int32              `json:"exit_code"`
	Metadata   interface{}        `json:"metadata"`
	Subcontent []SubcontentOutput `json:"subcontent"`
}

// SubcontentOutput describes one extracted payload. Filename and Metadata are
// null when the module wrote a data file without a descriptor.
type SubcontentOutput struct {
	Index     int                    `json:"index"`
	Filename  *string                `json:"filename"`
	DataHex   string                 `json:"data_hex"`
	Size      int                    `json:"size"`
	Truncated bool                   `json:"truncated"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// failure builds an error Output around whatever the module produced before
// failing. Metadata is left null on failure; extracted subcontent is reported.
func failure(err error, exitCode int32, proc *wasi.Context, subcontent []SubcontentOutput) Output {
	msg := err.Error()
	out := Output{
		Success:    false,
		Error:      &msg,
		ExitCode:   exitCode,
		Subcontent: subcontent,
	}
	if proc != nil {
		out.Stdout = proc.Stdout.String()
		out.Stderr = proc.Stderr.String()
	}
	return out
}

// Run executes the module at modulePath against samplePath and returns the
// test document. Errors are folded into the document rather than returned:
// the caller always gets something to print.
func Run(modulePath, samplePath, filename string, limits wasm.Limits, log logging.Logger) Output {
	if log == nil {
		log = logging.Get()
	}

	data, err := buffer.FromFile(samplePath)
	if err != nil {
		return failure(fmt.Errorf("read sample file: %w", err), -1, nil, nil)
	}

	rt, err := wasm.NewRuntime(limits, log)
	if err != nil {
		return failure(fmt.Errorf("configure engine: %w", err), -1, nil, nil)
	}
	if err := rt.LoadModule(modulePath); err != nil {
		return failure(err, -1, nil, nil)
	}
	instances, err := rt.NewInstances()
	if err != nil {
		return failure(err, -1, nil, nil)
	}

	inst := instances[0]
	inst.RetainPublications()

	proc, runErr := inst.Run(uuid.New(), data, filename)

	var subcontent []SubcontentOutput
	if fs := inst.Filesystem(); fs != nil {
		subcontent = readSubcontent(fs, data, log)
	}

	if runErr != nil {
		var moduleErr *wasm.ModuleError
		code := int32(-1)
		if errors.As(runErr, &moduleErr) {
			code = moduleErr.Code
		}
		return failure(runErr, code, proc, subcontent)
	}

	out := Output{
		Success:    true,
		Stdout:     proc.Stdout.String(),
		Stderr:     proc.Stderr.String(),
		Subcontent: subcontent,
	}
	if fs := inst.Filesystem(); fs != nil {
		out.Metadata = readMetadataFiles(fs, log)
	}
	return out
}

// readMetadataFiles collects /metadata/*.json per-file: nil when none, the
// single file's raw JSON when exactly one exists, and an array of the raw
// per-file objects when there are several. Files that are not valid JSON are
// skipped with a warning.
func readMetadataFiles(fs *memfs.FS, log logging.Logger) interface{} {
	dir, err := fs.Dir("/metadata")
	if err != nil {
		return nil
	}

	var files []json.RawMessage
	for _, e := range dir.List() {
		if e.IsDir || !strings.HasSuffix(e.Name, ".json") {
			continue
		}
		raw, err := fs.ReadFile("/metadata/" + e.Name)
		if err != nil {
			log.Warn("Failed to read metadata file %s: %v", e.Name, err)
			continue
		}
		if !json.Valid(raw) {
			log.Warn("Skipping malformed metadata file %s", e.Name)
			continue
		}
		files = append(files, json.RawMessage(raw))
	}

	switch len(files) {
	case 0:
		return nil
	case 1:
		return files[0]
	default:
		return files
	}
}

// readSubcontent pairs /subcontent/data_N.bin payloads with their
// metadata_N.json descriptors. The descriptor's parsed JSON is surfaced
// verbatim, so extra fields a guest writes survive into the output. Slice
// descriptors resolve their payload from the sample bytes; data files without
// a descriptor appear with a null filename.
func readSubcontent(fs *memfs.FS, sample buffer.Buffer, log logging.Logger) []SubcontentOutput {
	dir, err := fs.Dir("/subcontent")
	if err != nil {
		return nil
	}

	type entryState struct {
		meta    map[string]interface{}
		hasData bool
	}
	entries := map[int]*entryState{}
	state := func(idx int) *entryState {
		if entries[idx] == nil {
			entries[idx] = &entryState{}
		}
		return entries[idx]
	}

	for _, e := range dir.List() {
		if e.IsDir {
			continue
		}
		if idx, ok := emissionFileIndex(e.Name, "data_", ".bin"); ok {
			state(idx).hasData = true
			continue
		}
		idx, ok := emissionFileIndex(e.Name, "metadata_", ".json")
		if !ok {
			continue
		}
		raw, err := fs.ReadFile("/subcontent/" + e.Name)
		if err != nil {
			log.Warn("Failed to read subcontent metadata %s: %v", e.Name, err)
			continue
		}
		var meta map[string]interface{}
		if err := json.Unmarshal(raw, &meta); err != nil {
			log.Warn("Skipping malformed subcontent metadata %s: %v", e.Name, err)
			continue
		}
		state(idx).meta = meta
	}

	indices := make([]int, 0, len(entries))
	for idx := range entries {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	out := make([]SubcontentOutput, 0, len(indices))
	for _, idx := range indices {
		st := entries[idx]
		entry := SubcontentOutput{
			Index:    idx,
			Metadata: st.meta,
		}
		if name, ok := st.meta["filename"].(string); ok {
			entry.Filename = &name
		}

		var payload []byte
		if offset, length, ok := sliceWindow(st.meta); ok {
			if offset >= 0 && length >= 0 && offset+length <= sample.Len() {
				payload = sample.Bytes()[offset : offset+length]
			} else {
				log.Warn("Subcontent %d slice [%d, %d) exceeds %d sample bytes", idx, offset, offset+length, sample.Len())
			}
		} else if st.hasData {
			data, err := fs.ReadFile(fmt.Sprintf("/subcontent/data_%d.bin", idx))
			if err != nil {
				log.Warn("Failed to read subcontent payload %d: %v", idx, err)
			} else {
				payload = data
			}
		}

		entry.Size = len(payload)
		if len(payload) > maxHexBytes {
			entry.Truncated = true
			payload = payload[:maxHexBytes]
		}
		entry.DataHex = hex.EncodeToString(payload)
		out = append(out, entry)
	}
	return out
}

// emissionFileIndex extracts N from names like data_N.bin or metadata_N.json.
func emissionFileIndex(name, prefix, suffix string) (int, bool) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, suffix)
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// sliceWindow extracts the offset/length pair from a descriptor when both are
// present, matching the pipeline's slice-emission rule.
func sliceWindow(meta map[string]interface{}) (int, int, bool) {
	offset, ok := jsonInt(meta["offset"])
	if !ok {
		return 0, 0, false
	}
	length, ok := jsonInt(meta["length"])
	if !ok {
		return 0, 0, false
	}
	return offset, length, true
}

func jsonInt(v interface{}) (int, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}
