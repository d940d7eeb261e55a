// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package wasi implements the WASI preview-1 host over the in-memory
// filesystem, and with it the entire guest-facing contract:
//
//	/data.bin                     read-only   current content bytes
//	/tmp/*                        read/write  scratch, ignored by the host
//	/metadata/*.json              write+close publishes schemas and rows
//	/subcontent/data_N.bin        write+close payload for emission N
//	/subcontent/metadata_N.json   write+close descriptor for emission N
//
// Descriptor 3 preopens the root; 0/1/2 are stdio. Writes to stdout and
// stderr land in per-call capture buffers bounded at 1 MiB with a truncation
// flag. Closing a tracked file is the guest's publish moment: the host reads
// it, records the emission on the processing context, and removes the file,
// so a long-running call can stream results out mid-flight. Metadata files
// the guest never closed are swept after the call returns; unpaired
// subcontent payloads are discarded.
//
// Metadata files carry JSON of the shape
//
//	{"tables": [{"name": ..., "columns": [{"name": ..., "data_type": "Int64"|"Float64"|"String"}]}],
//	 "rows":   [{"table_name": ..., "values": [{"Int64": 13} | {"Float64": 2.5} | {"String": "s"}]}]}
//
// and subcontent descriptors either {"filename": f} (payload in the paired
// data_N.bin) or {"filename": f, "offset": o, "length": l} (a window into the
// current content, emitted without copying).
package wasi
