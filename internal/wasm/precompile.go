// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package wasm

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytecodealliance/wasmtime-go/v3"

	"github.com/tordynnar/wadup2/internal/logging"
)

// cacheHeaderSize is the fixed sidecar header: engine hash (8 bytes LE)
// followed by source mtime seconds (8 bytes LE).
const cacheHeaderSize = 16

// CachePath returns the sidecar path for a module: `<stem>_precompiled`
// alongside the source.
func CachePath(wasmPath string) string {
	stem := strings.TrimSuffix(filepath.Base(wasmPath), filepath.Ext(wasmPath))
	return filepath.Join(filepath.Dir(wasmPath), stem+"_precompiled")
}

// mtimeSeconds returns the source modification time in whole seconds since
// the epoch.
func mtimeSeconds(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return uint64(info.ModTime().Unix()), nil
}

// readCacheHeader reads a sidecar header. A short or unreadable file reports
// !ok rather than an error: the cache is always best-effort.
func readCacheHeader(path string) (engineHash, mtime uint64, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	var header [cacheHeaderSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint64(header[0:8]), binary.LittleEndian.Uint64(header[8:16]), true
}

// cacheValid reports whether the sidecar at path matches the current engine
// fingerprint and source mtime.
func cacheValid(path string, engineHash, mtime uint64) bool {
	gotHash, gotMtime, ok := readCacheHeader(path)
	return ok && gotHash == engineHash && gotMtime == mtime
}

// writeCache persists header + serialized artifact. Failures never propagate;
// the caller already holds a compiled module.
func writeCache(path string, engineHash, mtime uint64, serialized []byte) error {
	buf := make([]byte, cacheHeaderSize, cacheHeaderSize+len(serialized))
	binary.LittleEndian.PutUint64(buf[0:8], engineHash)
	binary.LittleEndian.PutUint64(buf[8:16], mtime)
	buf = append(buf, serialized...)
	return os.WriteFile(path, buf, 0644)
}

// loadCached loads the module at wasmPath, deserializing the sidecar when the
// engine fingerprint and source mtime match and compiling (then refreshing
// the sidecar) otherwise.
//
// Deserialization trusts its input: the sidecar sits in the same security
// boundary as the host binary and must never be consumed from an untrusted
// filesystem.
func loadCached(engine *wasmtime.Engine, wasmPath string, engineHash uint64, log logging.Logger) (*wasmtime.Module, error) {
	cachePath := CachePath(wasmPath)
	mtime, err := mtimeSeconds(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", wasmPath, err)
	}

	if cacheValid(cachePath, engineHash, mtime) {
		if raw, err := os.ReadFile(cachePath); err == nil && len(raw) > cacheHeaderSize {
			module, err := wasmtime.NewModuleDeserialize(engine, raw[cacheHeaderSize:])
			if err == nil {
				log.Debug("Loaded precompiled module from %s", cachePath)
				return module, nil
			}
			log.Warn("Failed to deserialize cached module %s: %v", cachePath, err)
		}
	}

	log.Debug("Compiling module from %s", wasmPath)
	module, err := wasmtime.NewModuleFromFile(engine, wasmPath)
	if err != nil {
		return nil, err
	}

	serialized, err := module.Serialize()
	if err != nil {
		log.Warn("Failed to serialize module %s: %v", wasmPath, err)
		return module, nil
	}
	if err := writeCache(cachePath, engineHash, mtime, serialized); err != nil {
		log.Warn("Failed to write precompile cache %s: %v", cachePath, err)
	} else {
		log.Debug("Wrote precompile cache %s", cachePath)
	}
	return module, nil
}
