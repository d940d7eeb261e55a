// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package wasi

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/tordynnar/wadup2/internal/logging"
	"github.com/tordynnar/wadup2/internal/memfs"
	"github.com/tordynnar/wadup2/internal/sink"
)

// Preopened and stdio descriptors.
const (
	FdStdin  int32 = 0
	FdStdout int32 = 1
	FdStderr int32 = 2
	FdRoot   int32 = 3
)

// direntSize is the fixed part of a serialized dirent: d_next(8) + d_ino(8) +
// d_namlen(4) + d_type(1) + 3 bytes padding.
const direntSize = 24

type trackKind int

const (
	trackNone trackKind = iota
	trackMetadata
	trackSubMeta
	trackSubData
)

type fdEntry struct {
	handle  *memfs.Handle
	dir     *memfs.Dir
	stdio   bool
	path    string
	tracked trackKind
}

// Ctx is the per-instance WASI state: the filesystem, the descriptor table,
// and the current call's processing context. Instances are single-threaded by
// construction (one worker, one instance, one call at a time), so Ctx takes
// no locks of its own.
type Ctx struct {
	FS   *memfs.FS
	Proc *Context

	// RetainPublications leaves tracked files in place on close and turns
	// the end-of-call sweep into a no-op. The single-module test harness
	// sets this so it can read every published file back per-file after
	// the call, instead of receiving the merged pipeline harvest.
	RetainPublications bool

	log    logging.Logger
	fds    map[int32]*fdEntry
	nextFD int32
}

// NewCtx builds a WASI context over fs with the standard descriptor layout:
// 0/1/2 stdio, 3 the preopened root.
func NewCtx(fs *memfs.FS, log logging.Logger) *Ctx {
	if log == nil {
		log = logging.Get()
	}
	c := &Ctx{FS: fs, log: log}
	c.resetFDs()
	return c
}

func (c *Ctx) resetFDs() {
	c.fds = map[int32]*fdEntry{
		FdStdin:  {stdio: true},
		FdStdout: {stdio: true},
		FdStderr: {stdio: true},
		FdRoot:   {dir: c.FS.Root(), path: "/"},
	}
	c.nextFD = 4
}

// Reset installs the processing context for a new call. The descriptor table
// is rebuilt and emission directories left over from the previous call are
// cleared; /tmp scratch survives.
func (c *Ctx) Reset(proc *Context) {
	c.Proc = proc
	c.resetFDs()
	for _, dir := range []string{"/metadata", "/subcontent"} {
		d, err := c.FS.Dir(dir)
		if err != nil {
			continue
		}
		for _, e := range d.List() {
			_ = d.Remove(e.Name)
		}
	}
}

func (c *Ctx) allocFD(e *fdEntry) int32 {
	fd := c.nextFD
	c.nextFD++
	c.fds[fd] = e
	return fd
}

func normalizePath(p string) string {
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

func classifyPath(p string) trackKind {
	switch {
	case strings.HasPrefix(p, "/metadata/") && strings.HasSuffix(p, ".json"):
		return trackMetadata
	case strings.HasPrefix(p, "/subcontent/metadata_") && strings.HasSuffix(p, ".json"):
		return trackSubMeta
	case strings.HasPrefix(p, "/subcontent/data_"):
		return trackSubData
	default:
		return trackNone
	}
}

// PathOpen opens path relative to the preopened root, honoring the
// create/exclusive/truncate/directory oflag bits, and returns the new
// descriptor.
func (c *Ctx) PathOpen(dirfd int32, p string, oflags uint32, rightsBase uint64) (int32, Errno) {
	entry, ok := c.fds[dirfd]
	if !ok || entry.dir == nil {
		return 0, ErrnoBadf
	}

	normalized := normalizePath(p)
	if normalized == "/" {
		return c.allocFD(&fdEntry{dir: c.FS.Root(), path: "/"}), ErrnoSuccess
	}

	if oflags&oflagDirectory != 0 {
		dir, err := c.FS.Dir(normalized)
		if err != nil {
			return 0, errnoFromFS(err)
		}
		return c.allocFD(&fdEntry{dir: dir, path: normalized}), ErrnoSuccess
	}

	h, err := c.FS.Open(normalized)
	if err == nil {
		if oflags&oflagCreat != 0 && oflags&oflagExcl != 0 {
			return 0, ErrnoExist
		}
		if h.ReadOnly() && (rightsBase&rightFdWrite != 0 || oflags&oflagTrunc != 0) {
			return 0, ErrnoAcces
		}
		if oflags&oflagTrunc != 0 {
			if err := h.Truncate(); err != nil {
				return 0, errnoFromFS(err)
			}
		}
		return c.allocFD(&fdEntry{handle: h, path: normalized, tracked: classifyPath(normalized)}), ErrnoSuccess
	}

	if oflags&oflagCreat != 0 {
		if err := c.FS.CreateFile(normalized, nil); err != nil {
			return 0, errnoFromFS(err)
		}
		h, err := c.FS.Open(normalized)
		if err != nil {
			return 0, errnoFromFS(err)
		}
		return c.allocFD(&fdEntry{handle: h, path: normalized, tracked: classifyPath(normalized)}), ErrnoSuccess
	}

	// Fall back to opening as a directory without the O_DIRECTORY bit, the
	// way wasi-libc's opendir probes.
	dir, derr := c.FS.Dir(normalized)
	if derr == nil {
		return c.allocFD(&fdEntry{dir: dir, path: normalized}), ErrnoSuccess
	}
	return 0, errnoFromFS(err)
}

// FdClose removes fd from the table and runs the emission protocol for
// tracked paths. Closing stdio succeeds without side effects.
func (c *Ctx) FdClose(fd int32) Errno {
	if fd <= FdStderr {
		return ErrnoSuccess
	}
	entry, ok := c.fds[fd]
	if !ok {
		return ErrnoBadf
	}
	delete(c.fds, fd)

	if c.RetainPublications {
		return ErrnoSuccess
	}

	switch entry.tracked {
	case trackMetadata:
		c.consumeMetadata(entry.path)
	case trackSubMeta:
		c.consumeSubcontent(entry.path)
	case trackSubData:
		// Consumed when the paired metadata file closes.
	}
	return ErrnoSuccess
}

type metadataFile struct {
	Tables []sink.TableSchema `json:"tables"`
	Rows   []sink.Row         `json:"rows"`
}

// consumeMetadata reads, records, and removes a /metadata/*.json file. Parse
// failures are logged and the file is removed regardless.
func (c *Ctx) consumeMetadata(p string) {
	defer func() { _ = c.FS.Remove(p) }()

	raw, err := c.FS.ReadFile(p)
	if err != nil {
		c.log.Warn("Failed to read metadata file %s: %v", p, err)
		return
	}
	var parsed metadataFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		c.log.Warn("Dropping malformed metadata file %s: %v", p, err)
		return
	}
	if c.Proc == nil {
		return
	}
	c.Proc.Schemas = append(c.Proc.Schemas, parsed.Tables...)
	c.Proc.Rows = append(c.Proc.Rows, parsed.Rows...)
	c.log.Debug("Captured metadata file %s: %d tables, %d rows", p, len(parsed.Tables), len(parsed.Rows))
}

type subcontentMetadata struct {
	Filename string `json:"filename"`
	Offset   *int   `json:"offset"`
	Length   *int   `json:"length"`
}

// consumeSubcontent processes /subcontent/metadata_N.json on close: either a
// slice emission (offset+length present) or a bytes emission harvested from
// the paired data_N.bin.
func (c *Ctx) consumeSubcontent(p string) {
	defer func() { _ = c.FS.Remove(p) }()

	n, ok := emissionIndex(p)
	if !ok {
		return
	}
	raw, err := c.FS.ReadFile(p)
	if err != nil {
		c.log.Warn("Failed to read subcontent metadata %s: %v", p, err)
		return
	}
	var meta subcontentMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		c.log.Warn("Dropping malformed subcontent metadata %s: %v", p, err)
		return
	}
	if c.Proc == nil {
		return
	}

	if meta.Offset != nil && meta.Length != nil {
		c.Proc.Emissions = append(c.Proc.Emissions, Emission{
			Kind:     EmitSlice,
			Filename: meta.Filename,
			Offset:   *meta.Offset,
			Length:   *meta.Length,
		})
		return
	}

	dataPath := fmt.Sprintf("/subcontent/data_%s.bin", n)
	buf, err := c.FS.TakeFileBytes(dataPath)
	if err != nil {
		c.log.Warn("Subcontent metadata %s has no payload %s: %v", p, dataPath, err)
		return
	}
	c.Proc.Emissions = append(c.Proc.Emissions, Emission{
		Kind:     EmitBytes,
		Filename: meta.Filename,
		Bytes:    buf,
	})
}

// emissionIndex extracts N from /subcontent/metadata_N.json.
func emissionIndex(p string) (string, bool) {
	name := strings.TrimPrefix(p, "/subcontent/")
	name = strings.TrimPrefix(name, "metadata_")
	name, ok := strings.CutSuffix(name, ".json")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// Sweep processes metadata files the guest left unclosed when the call
// returned, in directory-listing order, then deletes them. Unpaired
// subcontent payloads are left for Reset to discard.
func (c *Ctx) Sweep() {
	if c.RetainPublications {
		return
	}
	dir, err := c.FS.Dir("/metadata")
	if err != nil {
		return
	}
	for _, e := range dir.List() {
		if e.IsDir || !strings.HasSuffix(e.Name, ".json") {
			continue
		}
		c.consumeMetadata("/metadata/" + e.Name)
	}
	if sub, err := c.FS.Dir("/subcontent"); err == nil {
		for _, e := range sub.List() {
			c.log.Debug("Discarding unmatched subcontent file %s", e.Name)
		}
	}
}

// FdRead gathers reads into bufs from the descriptor's cursor.
func (c *Ctx) FdRead(fd int32, bufs [][]byte) (int, Errno) {
	entry, ok := c.fds[fd]
	if !ok {
		return 0, ErrnoBadf
	}
	switch {
	case entry.stdio:
		if fd == FdStdin {
			return 0, ErrnoSuccess
		}
		return 0, ErrnoBadf
	case entry.handle != nil:
		total := 0
		for _, b := range bufs {
			n, err := entry.handle.Read(b)
			total += n
			if err == io.EOF || n < len(b) {
				break
			}
			if err != nil {
				return total, errnoFromFS(err)
			}
		}
		return total, ErrnoSuccess
	default:
		return 0, ErrnoIsdir
	}
}

// FdWrite scatters bufs to the descriptor. Stdout and stderr land in the
// capture buffers and always report the full byte count, even once the
// capture is saturated.
func (c *Ctx) FdWrite(fd int32, bufs [][]byte) (int, Errno) {
	entry, ok := c.fds[fd]
	if !ok {
		return 0, ErrnoBadf
	}
	switch {
	case fd == FdStdout || fd == FdStderr:
		total := 0
		for _, b := range bufs {
			if c.Proc != nil {
				if fd == FdStdout {
					c.Proc.Stdout.Write(b)
				} else {
					c.Proc.Stderr.Write(b)
				}
			}
			total += len(b)
		}
		return total, ErrnoSuccess
	case entry.stdio:
		return 0, ErrnoBadf
	case entry.handle != nil:
		total := 0
		for _, b := range bufs {
			n, err := entry.handle.Write(b)
			total += n
			if err != nil {
				return total, errnoFromFS(err)
			}
		}
		return total, ErrnoSuccess
	default:
		return 0, ErrnoIsdir
	}
}

// FdSeek moves the descriptor cursor. Whence: 0=set, 1=cur, 2=end.
func (c *Ctx) FdSeek(fd int32, offset int64, whence uint8) (uint64, Errno) {
	entry, ok := c.fds[fd]
	if !ok {
		return 0, ErrnoBadf
	}
	if entry.handle == nil {
		return 0, ErrnoBadf
	}
	if whence > 2 {
		return 0, ErrnoInval
	}
	pos, err := entry.handle.Seek(offset, int(whence))
	if err != nil {
		return 0, errnoFromFS(err)
	}
	return uint64(pos), ErrnoSuccess
}

// FdTell reports the descriptor cursor.
func (c *Ctx) FdTell(fd int32) (uint64, Errno) {
	entry, ok := c.fds[fd]
	if !ok || entry.handle == nil {
		return 0, ErrnoBadf
	}
	return uint64(entry.handle.Tell()), ErrnoSuccess
}

// FdPread reads at an explicit offset without moving the cursor.
func (c *Ctx) FdPread(fd int32, bufs [][]byte, offset int64) (int, Errno) {
	entry, ok := c.fds[fd]
	if !ok || entry.handle == nil {
		return 0, ErrnoBadf
	}
	total := 0
	for _, b := range bufs {
		n, err := entry.handle.ReadAt(b, offset+int64(total))
		total += n
		if err == io.EOF || n < len(b) {
			break
		}
		if err != nil {
			return total, errnoFromFS(err)
		}
	}
	return total, ErrnoSuccess
}

// FdPwrite writes at an explicit offset without moving the cursor.
func (c *Ctx) FdPwrite(fd int32, bufs [][]byte, offset int64) (int, Errno) {
	entry, ok := c.fds[fd]
	if !ok || entry.handle == nil {
		return 0, ErrnoBadf
	}
	total := 0
	for _, b := range bufs {
		n, err := entry.handle.WriteAt(b, offset+int64(total))
		total += n
		if err != nil {
			return total, errnoFromFS(err)
		}
	}
	return total, ErrnoSuccess
}

// Filestat is the subset of the WASI filestat the host reports.
type Filestat struct {
	Filetype byte
	Size     uint64
}

// FdFilestat reports type and size for fd.
func (c *Ctx) FdFilestat(fd int32) (Filestat, Errno) {
	entry, ok := c.fds[fd]
	if !ok {
		return Filestat{}, ErrnoBadf
	}
	switch {
	case entry.stdio:
		return Filestat{Filetype: FiletypeCharacterDevice}, ErrnoSuccess
	case entry.handle != nil:
		return Filestat{Filetype: FiletypeRegularFile, Size: uint64(entry.handle.Size())}, ErrnoSuccess
	default:
		return Filestat{Filetype: FiletypeDirectory}, ErrnoSuccess
	}
}

// PathFilestat reports type and size for a path relative to the root.
func (c *Ctx) PathFilestat(dirfd int32, p string) (Filestat, Errno) {
	entry, ok := c.fds[dirfd]
	if !ok || entry.dir == nil {
		return Filestat{}, ErrnoBadf
	}
	isDir, size, err := c.FS.Stat(normalizePath(p))
	if err != nil {
		return Filestat{}, errnoFromFS(err)
	}
	if isDir {
		return Filestat{Filetype: FiletypeDirectory}, ErrnoSuccess
	}
	return Filestat{Filetype: FiletypeRegularFile, Size: uint64(size)}, ErrnoSuccess
}

// FdFdstat reports the descriptor's filetype.
func (c *Ctx) FdFdstat(fd int32) (byte, Errno) {
	entry, ok := c.fds[fd]
	if !ok {
		return 0, ErrnoBadf
	}
	switch {
	case entry.stdio:
		return FiletypeCharacterDevice, ErrnoSuccess
	case entry.handle != nil:
		return FiletypeRegularFile, ErrnoSuccess
	default:
		return FiletypeDirectory, ErrnoSuccess
	}
}

// FdPrestatGet answers only for the preopened root, reporting the length of
// its name "/".
func (c *Ctx) FdPrestatGet(fd int32) (uint32, Errno) {
	if fd != FdRoot {
		return 0, ErrnoBadf
	}
	return 1, ErrnoSuccess
}

// FdPrestatDirName returns the preopen name for descriptor 3.
func (c *Ctx) FdPrestatDirName(fd int32) (string, Errno) {
	if fd != FdRoot {
		return "", ErrnoBadf
	}
	return "/", ErrnoSuccess
}

// FdReaddir serializes directory entries in the standard dirent layout
// starting at cookie, writing at most bufLen bytes. The final entry is
// truncated to exactly fill the buffer when it does not fit, which tells the
// caller to retry with a larger buffer.
func (c *Ctx) FdReaddir(fd int32, bufLen int, cookie uint64) ([]byte, Errno) {
	entry, ok := c.fds[fd]
	if !ok {
		return nil, ErrnoBadf
	}
	if entry.dir == nil {
		return nil, ErrnoNotdir
	}
	if bufLen <= 0 {
		return nil, ErrnoInval
	}

	entries := entry.dir.List()
	out := make([]byte, 0, bufLen)
	scratch := make([]byte, direntSize)
	for idx := int(cookie); idx < len(entries); idx++ {
		e := entries[idx]
		binary.LittleEndian.PutUint64(scratch[0:8], uint64(idx+1))  // d_next
		binary.LittleEndian.PutUint64(scratch[8:16], uint64(idx+1)) // d_ino
		binary.LittleEndian.PutUint32(scratch[16:20], uint32(len(e.Name)))
		if e.IsDir {
			scratch[20] = FiletypeDirectory
		} else {
			scratch[20] = FiletypeRegularFile
		}
		scratch[21], scratch[22], scratch[23] = 0, 0, 0

		record := append(append([]byte{}, scratch...), e.Name...)
		room := bufLen - len(out)
		if len(record) > room {
			out = append(out, record[:room]...)
			return out, ErrnoSuccess
		}
		out = append(out, record...)
	}
	return out, ErrnoSuccess
}

// PathCreateDirectory creates the directory at path, including intermediate
// components.
func (c *Ctx) PathCreateDirectory(dirfd int32, p string) Errno {
	entry, ok := c.fds[dirfd]
	if !ok || entry.dir == nil {
		return ErrnoBadf
	}
	return errnoFromFS(c.FS.MkdirAll(normalizePath(p)))
}

// PathUnlinkFile removes the file at path.
func (c *Ctx) PathUnlinkFile(dirfd int32, p string) Errno {
	entry, ok := c.fds[dirfd]
	if !ok || entry.dir == nil {
		return ErrnoBadf
	}
	normalized := normalizePath(p)
	isDir, _, err := c.FS.Stat(normalized)
	if err != nil {
		return errnoFromFS(err)
	}
	if isDir {
		return ErrnoIsdir
	}
	return errnoFromFS(c.FS.Remove(normalized))
}

// PathRename moves an entry. Emission tracking is keyed to the path recorded
// when a descriptor is opened, so renaming a file into a tracked location
// does not make its close publish anything.
func (c *Ctx) PathRename(dirfd int32, oldPath string, newDirfd int32, newPath string) Errno {
	entry, ok := c.fds[dirfd]
	if !ok || entry.dir == nil {
		return ErrnoBadf
	}
	newEntry, ok := c.fds[newDirfd]
	if !ok || newEntry.dir == nil {
		return ErrnoBadf
	}
	return errnoFromFS(c.FS.Rename(normalizePath(oldPath), normalizePath(newPath)))
}

// PathRemoveDirectory removes the directory at path.
func (c *Ctx) PathRemoveDirectory(dirfd int32, p string) Errno {
	entry, ok := c.fds[dirfd]
	if !ok || entry.dir == nil {
		return ErrnoBadf
	}
	normalized := normalizePath(p)
	isDir, _, err := c.FS.Stat(normalized)
	if err != nil {
		return errnoFromFS(err)
	}
	if !isDir {
		return ErrnoNotdir
	}
	return errnoFromFS(c.FS.Remove(normalized))
}

// EnvironList returns the guest environment as sorted KEY=VALUE strings.
func (c *Ctx) EnvironList() []string {
	if c.Proc == nil {
		return nil
	}
	out := make([]string, 0, len(c.Proc.Environ))
	for k, v := range c.Proc.Environ {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
