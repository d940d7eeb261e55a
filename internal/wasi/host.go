// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package wasi

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v3"
)

const wasiModule = "wasi_snapshot_preview1"

// exitTrapPrefix tags the trap raised by proc_exit so callers can recover the
// exit code from the trap message.
const exitTrapPrefix = "wadup proc_exit: "

// ExitTrapMessage formats the trap message carrying a guest exit code.
func ExitTrapMessage(code int32) string {
	return exitTrapPrefix + strconv.FormatInt(int64(code), 10)
}

// ParseExitTrap recovers the exit code from a proc_exit trap message.
func ParseExitTrap(msg string) (int32, bool) {
	idx := strings.Index(msg, exitTrapPrefix)
	if idx < 0 {
		return 0, false
	}
	rest := msg[idx+len(exitTrapPrefix):]
	if nl := strings.IndexAny(rest, "\r\n"); nl >= 0 {
		rest = rest[:nl]
	}
	code, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(code), true
}

func guestMem(caller *wasmtime.Caller) []byte {
	ext := caller.GetExport("memory")
	if ext == nil {
		return nil
	}
	m := ext.Memory()
	if m == nil {
		return nil
	}
	return m.UnsafeData(caller)
}

func readBytes(mem []byte, ptr, length int32) ([]byte, bool) {
	if ptr < 0 || length < 0 || int64(ptr)+int64(length) > int64(len(mem)) {
		return nil, false
	}
	return mem[ptr : ptr+length], true
}

func writeBytes(mem []byte, ptr int32, data []byte) bool {
	if ptr < 0 || int64(ptr)+int64(len(data)) > int64(len(mem)) {
		return false
	}
	copy(mem[ptr:], data)
	return true
}

func writeU32(mem []byte, ptr int32, v uint32) bool {
	if ptr < 0 || int64(ptr)+4 > int64(len(mem)) {
		return false
	}
	binary.LittleEndian.PutUint32(mem[ptr:], v)
	return true
}

func writeU64(mem []byte, ptr int32, v uint64) bool {
	if ptr < 0 || int64(ptr)+8 > int64(len(mem)) {
		return false
	}
	binary.LittleEndian.PutUint64(mem[ptr:], v)
	return true
}

// readIOVecs decodes an iovec array into slices of guest memory.
func readIOVecs(mem []byte, iovs, iovsLen int32) ([][]byte, bool) {
	if iovsLen < 0 {
		return nil, false
	}
	out := make([][]byte, 0, iovsLen)
	for i := int32(0); i < iovsLen; i++ {
		base := iovs + 8*i
		hdr, ok := readBytes(mem, base, 8)
		if !ok {
			return nil, false
		}
		ptr := int32(binary.LittleEndian.Uint32(hdr[0:4]))
		length := int32(binary.LittleEndian.Uint32(hdr[4:8]))
		buf, ok := readBytes(mem, ptr, length)
		if !ok {
			return nil, false
		}
		out = append(out, buf)
	}
	return out, true
}

// writeFilestat serializes the 64-byte WASI filestat record.
func writeFilestat(mem []byte, ptr int32, st Filestat) bool {
	if ptr < 0 || int64(ptr)+64 > int64(len(mem)) {
		return false
	}
	buf := mem[ptr : ptr+64]
	for i := range buf {
		buf[i] = 0
	}
	buf[16] = st.Filetype
	binary.LittleEndian.PutUint64(buf[24:32], 1) // nlink
	binary.LittleEndian.PutUint64(buf[32:40], st.Size)
	return true
}

// Link registers the full WASI preview-1 import set plus the soft-float
// host-import stubs against ctx. One linker serves one instance store, so the
// closures capture ctx directly.
func Link(linker *wasmtime.Linker, ctx *Ctx) error {
	type def struct {
		name string
		fn   interface{}
	}

	defs := []def{
		{"args_get", func(caller *wasmtime.Caller, argv, argvBuf int32) int32 {
			return ErrnoSuccess
		}},
		{"args_sizes_get", func(caller *wasmtime.Caller, argcPtr, sizePtr int32) int32 {
			mem := guestMem(caller)
			if !writeU32(mem, argcPtr, 0) || !writeU32(mem, sizePtr, 0) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"environ_get", func(caller *wasmtime.Caller, environPtr, bufPtr int32) int32 {
			mem := guestMem(caller)
			offset := bufPtr
			for i, kv := range ctx.EnvironList() {
				if !writeU32(mem, environPtr+int32(4*i), uint32(offset)) {
					return ErrnoFault
				}
				entry := append([]byte(kv), 0)
				if !writeBytes(mem, offset, entry) {
					return ErrnoFault
				}
				offset += int32(len(entry))
			}
			return ErrnoSuccess
		}},
		{"environ_sizes_get", func(caller *wasmtime.Caller, countPtr, sizePtr int32) int32 {
			mem := guestMem(caller)
			env := ctx.EnvironList()
			total := 0
			for _, kv := range env {
				total += len(kv) + 1
			}
			if !writeU32(mem, countPtr, uint32(len(env))) || !writeU32(mem, sizePtr, uint32(total)) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"clock_res_get", func(caller *wasmtime.Caller, id, resPtr int32) int32 {
			if !writeU64(guestMem(caller), resPtr, 1) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"clock_time_get", func(caller *wasmtime.Caller, id int32, precision int64, timePtr int32) int32 {
			if !writeU64(guestMem(caller), timePtr, uint64(time.Now().UnixNano())) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"fd_advise", func(caller *wasmtime.Caller, fd int32, offset, length int64, advice int32) int32 {
			return ErrnoSuccess
		}},
		{"fd_allocate", func(caller *wasmtime.Caller, fd int32, offset, length int64) int32 {
			return ErrnoSuccess
		}},
		{"fd_close", func(caller *wasmtime.Caller, fd int32) int32 {
			return ctx.FdClose(fd)
		}},
		{"fd_datasync", func(caller *wasmtime.Caller, fd int32) int32 {
			return ErrnoSuccess
		}},
		{"fd_fdstat_get", func(caller *wasmtime.Caller, fd, ptr int32) int32 {
			ft, errno := ctx.FdFdstat(fd)
			if errno != ErrnoSuccess {
				return errno
			}
			mem := guestMem(caller)
			if int64(ptr) < 0 || int64(ptr)+24 > int64(len(mem)) {
				return ErrnoFault
			}
			buf := mem[ptr : ptr+24]
			for i := range buf {
				buf[i] = 0
			}
			buf[0] = ft
			// All rights, base and inheriting.
			binary.LittleEndian.PutUint64(buf[8:16], ^uint64(0))
			binary.LittleEndian.PutUint64(buf[16:24], ^uint64(0))
			return ErrnoSuccess
		}},
		{"fd_fdstat_set_flags", func(caller *wasmtime.Caller, fd, flags int32) int32 {
			return ErrnoSuccess
		}},
		{"fd_fdstat_set_rights", func(caller *wasmtime.Caller, fd int32, base, inheriting int64) int32 {
			return ErrnoSuccess
		}},
		{"fd_filestat_get", func(caller *wasmtime.Caller, fd, ptr int32) int32 {
			st, errno := ctx.FdFilestat(fd)
			if errno != ErrnoSuccess {
				return errno
			}
			if !writeFilestat(guestMem(caller), ptr, st) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"fd_filestat_set_size", func(caller *wasmtime.Caller, fd int32, size int64) int32 {
			return ErrnoSuccess
		}},
		{"fd_filestat_set_times", func(caller *wasmtime.Caller, fd int32, atim, mtim int64, flags int32) int32 {
			return ErrnoSuccess
		}},
		{"fd_pread", func(caller *wasmtime.Caller, fd, iovs, iovsLen int32, offset int64, nreadPtr int32) int32 {
			mem := guestMem(caller)
			bufs, ok := readIOVecs(mem, iovs, iovsLen)
			if !ok {
				return ErrnoFault
			}
			n, errno := ctx.FdPread(fd, bufs, offset)
			if errno != ErrnoSuccess {
				return errno
			}
			if !writeU32(mem, nreadPtr, uint32(n)) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"fd_prestat_get", func(caller *wasmtime.Caller, fd, ptr int32) int32 {
			nameLen, errno := ctx.FdPrestatGet(fd)
			if errno != ErrnoSuccess {
				return errno
			}
			mem := guestMem(caller)
			// tag 0 = preopened directory, then the name length.
			if !writeU32(mem, ptr, 0) || !writeU32(mem, ptr+4, nameLen) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"fd_prestat_dir_name", func(caller *wasmtime.Caller, fd, pathPtr, pathLen int32) int32 {
			name, errno := ctx.FdPrestatDirName(fd)
			if errno != ErrnoSuccess {
				return errno
			}
			if int(pathLen) < len(name) {
				return ErrnoInval
			}
			if !writeBytes(guestMem(caller), pathPtr, []byte(name)) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"fd_pwrite", func(caller *wasmtime.Caller, fd, iovs, iovsLen int32, offset int64, nwrittenPtr int32) int32 {
			mem := guestMem(caller)
			bufs, ok := readIOVecs(mem, iovs, iovsLen)
			if !ok {
				return ErrnoFault
			}
			n, errno := ctx.FdPwrite(fd, bufs, offset)
			if errno != ErrnoSuccess {
				return errno
			}
			if !writeU32(mem, nwrittenPtr, uint32(n)) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"fd_read", func(caller *wasmtime.Caller, fd, iovs, iovsLen, nreadPtr int32) int32 {
			mem := guestMem(caller)
			bufs, ok := readIOVecs(mem, iovs, iovsLen)
			if !ok {
				return ErrnoFault
			}
			n, errno := ctx.FdRead(fd, bufs)
			if errno != ErrnoSuccess {
				return errno
			}
			if !writeU32(mem, nreadPtr, uint32(n)) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"fd_readdir", func(caller *wasmtime.Caller, fd, bufPtr, bufLen int32, cookie int64, bufusedPtr int32) int32 {
			mem := guestMem(caller)
			out, errno := ctx.FdReaddir(fd, int(bufLen), uint64(cookie))
			if errno != ErrnoSuccess {
				return errno
			}
			if !writeBytes(mem, bufPtr, out) || !writeU32(mem, bufusedPtr, uint32(len(out))) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"fd_renumber", func(caller *wasmtime.Caller, from, to int32) int32 {
			return ErrnoNosys
		}},
		{"fd_seek", func(caller *wasmtime.Caller, fd int32, offset int64, whence, newoffsetPtr int32) int32 {
			pos, errno := ctx.FdSeek(fd, offset, uint8(whence))
			if errno != ErrnoSuccess {
				return errno
			}
			if !writeU64(guestMem(caller), newoffsetPtr, pos) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"fd_sync", func(caller *wasmtime.Caller, fd int32) int32 {
			return ErrnoSuccess
		}},
		{"fd_tell", func(caller *wasmtime.Caller, fd, offsetPtr int32) int32 {
			pos, errno := ctx.FdTell(fd)
			if errno != ErrnoSuccess {
				return errno
			}
			if !writeU64(guestMem(caller), offsetPtr, pos) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"fd_write", func(caller *wasmtime.Caller, fd, iovs, iovsLen, nwrittenPtr int32) int32 {
			mem := guestMem(caller)
			bufs, ok := readIOVecs(mem, iovs, iovsLen)
			if !ok {
				return ErrnoFault
			}
			n, errno := ctx.FdWrite(fd, bufs)
			if errno != ErrnoSuccess {
				return errno
			}
			if !writeU32(mem, nwrittenPtr, uint32(n)) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"path_create_directory", func(caller *wasmtime.Caller, fd, pathPtr, pathLen int32) int32 {
			p, ok := readBytes(guestMem(caller), pathPtr, pathLen)
			if !ok {
				return ErrnoFault
			}
			return ctx.PathCreateDirectory(fd, string(p))
		}},
		{"path_filestat_get", func(caller *wasmtime.Caller, fd, flags, pathPtr, pathLen, bufPtr int32) int32 {
			mem := guestMem(caller)
			p, ok := readBytes(mem, pathPtr, pathLen)
			if !ok {
				return ErrnoFault
			}
			st, errno := ctx.PathFilestat(fd, string(p))
			if errno != ErrnoSuccess {
				return errno
			}
			if !writeFilestat(mem, bufPtr, st) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"path_filestat_set_times", func(caller *wasmtime.Caller, fd, flags, pathPtr, pathLen int32, atim, mtim int64, fstFlags int32) int32 {
			return ErrnoSuccess
		}},
		{"path_link", func(caller *wasmtime.Caller, oldFd, oldFlags, oldPtr, oldLen, newFd, newPtr, newLen int32) int32 {
			return ErrnoNosys
		}},
		{"path_open", func(caller *wasmtime.Caller, fd, dirflags, pathPtr, pathLen, oflags int32, rightsBase, rightsInheriting int64, fdflags, openedFdPtr int32) int32 {
			mem := guestMem(caller)
			p, ok := readBytes(mem, pathPtr, pathLen)
			if !ok {
				return ErrnoFault
			}
			newFd, errno := ctx.PathOpen(fd, string(p), uint32(oflags), uint64(rightsBase))
			if errno != ErrnoSuccess {
				return errno
			}
			if !writeU32(mem, openedFdPtr, uint32(newFd)) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"path_readlink", func(caller *wasmtime.Caller, fd, pathPtr, pathLen, bufPtr, bufLen, bufusedPtr int32) int32 {
			return ErrnoNosys
		}},
		{"path_remove_directory", func(caller *wasmtime.Caller, fd, pathPtr, pathLen int32) int32 {
			p, ok := readBytes(guestMem(caller), pathPtr, pathLen)
			if !ok {
				return ErrnoFault
			}
			return ctx.PathRemoveDirectory(fd, string(p))
		}},
		{"path_rename", func(caller *wasmtime.Caller, fd, oldPtr, oldLen, newFd, newPtr, newLen int32) int32 {
			mem := guestMem(caller)
			oldPath, ok := readBytes(mem, oldPtr, oldLen)
			if !ok {
				return ErrnoFault
			}
			newPath, ok := readBytes(mem, newPtr, newLen)
			if !ok {
				return ErrnoFault
			}
			return ctx.PathRename(fd, string(oldPath), newFd, string(newPath))
		}},
		{"path_symlink", func(caller *wasmtime.Caller, oldPtr, oldLen, fd, newPtr, newLen int32) int32 {
			return ErrnoNosys
		}},
		{"path_unlink_file", func(caller *wasmtime.Caller, fd, pathPtr, pathLen int32) int32 {
			p, ok := readBytes(guestMem(caller), pathPtr, pathLen)
			if !ok {
				return ErrnoFault
			}
			return ctx.PathUnlinkFile(fd, string(p))
		}},
		{"poll_oneoff", func(caller *wasmtime.Caller, inPtr, outPtr, nsubscriptions, neventsPtr int32) int32 {
			if !writeU32(guestMem(caller), neventsPtr, 0) {
				return ErrnoFault
			}
			return ErrnoSuccess
		}},
		{"proc_raise", func(caller *wasmtime.Caller, sig int32) int32 {
			return ErrnoNosys
		}},
		{"random_get", func(caller *wasmtime.Caller, bufPtr, bufLen int32) int32 {
			mem := guestMem(caller)
			buf, ok := readBytes(mem, bufPtr, bufLen)
			if !ok {
				return ErrnoFault
			}
			if _, err := rand.Read(buf); err != nil {
				return ErrnoIo
			}
			return ErrnoSuccess
		}},
		{"sched_yield", func(caller *wasmtime.Caller) int32 {
			return ErrnoSuccess
		}},
		{"sock_accept", func(caller *wasmtime.Caller, fd, flags, ptr int32) int32 {
			return ErrnoNosys
		}},
		{"sock_recv", func(caller *wasmtime.Caller, fd, riDataPtr, riDataLen, riFlags, roDatalenPtr, roFlagsPtr int32) int32 {
			return ErrnoNosys
		}},
		{"sock_send", func(caller *wasmtime.Caller, fd, siDataPtr, siDataLen, siFlags, soDatalenPtr int32) int32 {
			return ErrnoNosys
		}},
		{"sock_shutdown", func(caller *wasmtime.Caller, fd, how int32) int32 {
			return ErrnoNosys
		}},
	}

	for _, d := range defs {
		if err := linker.FuncWrap(wasiModule, d.name, d.fn); err != nil {
			return fmt.Errorf("define %s.%s: %w", wasiModule, d.name, err)
		}
	}

	if err := linker.FuncWrap(wasiModule, "proc_exit", func(caller *wasmtime.Caller, code int32) *wasmtime.Trap {
		return wasmtime.NewTrap(ExitTrapMessage(code))
	}); err != nil {
		return fmt.Errorf("define %s.proc_exit: %w", wasiModule, err)
	}

	return linkSoftFloat(linker)
}

// linkSoftFloat registers zero-returning stubs for the 128-bit soft-float
// intrinsics some language runtimes import but never execute on the paths
// modules actually take. Results returned through an sret pointer are zeroed.
func linkSoftFloat(linker *wasmtime.Linker) error {
	zeroSret := func(caller *wasmtime.Caller, ptr int32) {
		mem := guestMem(caller)
		writeBytes(mem, ptr, make([]byte, 16))
	}

	type def struct {
		name string
		fn   interface{}
	}

	defs := []def{
		// f128 arithmetic: result via sret pointer.
		{"__addtf3", func(caller *wasmtime.Caller, sret int32, aLo, aHi, bLo, bHi int64) {
			zeroSret(caller, sret)
		}},
		{"__subtf3", func(caller *wasmtime.Caller, sret int32, aLo, aHi, bLo, bHi int64) {
			zeroSret(caller, sret)
		}},
		{"__multf3", func(caller *wasmtime.Caller, sret int32, aLo, aHi, bLo, bHi int64) {
			zeroSret(caller, sret)
		}},
		{"__divtf3", func(caller *wasmtime.Caller, sret int32, aLo, aHi, bLo, bHi int64) {
			zeroSret(caller, sret)
		}},
		// f128 comparisons.
		{"__letf2", func(aLo, aHi, bLo, bHi int64) int32 { return 0 }},
		{"__getf2", func(aLo, aHi, bLo, bHi int64) int32 { return 0 }},
		{"__unordtf2", func(aLo, aHi, bLo, bHi int64) int32 { return 0 }},
		{"__eqtf2", func(aLo, aHi, bLo, bHi int64) int32 { return 0 }},
		{"__netf2", func(aLo, aHi, bLo, bHi int64) int32 { return 0 }},
		{"__lttf2", func(aLo, aHi, bLo, bHi int64) int32 { return 0 }},
		{"__gttf2", func(aLo, aHi, bLo, bHi int64) int32 { return 0 }},
		// Integer/double conversions.
		{"__floatunditf", func(caller *wasmtime.Caller, sret int32, v int64) {
			zeroSret(caller, sret)
		}},
		{"__floatditf", func(caller *wasmtime.Caller, sret int32, v int64) {
			zeroSret(caller, sret)
		}},
		{"__extenddftf2", func(caller *wasmtime.Caller, sret int32, v float64) {
			zeroSret(caller, sret)
		}},
		{"__trunctfdf2", func(aLo, aHi int64) float64 { return 0 }},
		{"__fixtfdi", func(aLo, aHi int64) int64 { return 0 }},
		{"__fixunstfdi", func(aLo, aHi int64) int64 { return 0 }},
	}

	for _, d := range defs {
		if err := linker.FuncWrap("env", d.name, d.fn); err != nil {
			return fmt.Errorf("define env.%s: %w", d.name, err)
		}
	}
	return nil
}
