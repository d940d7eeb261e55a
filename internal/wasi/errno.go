// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package wasi

import (
	"errors"
	"io/fs"
)

// Errno is a WASI preview-1 error number.
type Errno = int32

// WASI preview-1 errno values used by the host.
const (
	ErrnoSuccess    Errno = 0
	ErrnoTooBig     Errno = 1
	ErrnoAcces      Errno = 2
	ErrnoAgain      Errno = 6
	ErrnoBadf       Errno = 8
	ErrnoExist      Errno = 20
	ErrnoFault      Errno = 21
	ErrnoInval      Errno = 28
	ErrnoIo         Errno = 29
	ErrnoIsdir      Errno = 31
	ErrnoNoent      Errno = 44
	ErrnoNosys      Errno = 52
	ErrnoNotdir     Errno = 54
	ErrnoNotsup     Errno = 58
	ErrnoPerm       Errno = 63
	ErrnoNotcapable Errno = 76
)

// WASI filetype values.
const (
	FiletypeUnknown         byte = 0
	FiletypeBlockDevice     byte = 1
	FiletypeCharacterDevice byte = 2
	FiletypeDirectory       byte = 3
	FiletypeRegularFile     byte = 4
	FiletypeSymbolicLink    byte = 7
)

// path_open oflags bits.
const (
	oflagCreat     uint32 = 1 << 0
	oflagDirectory uint32 = 1 << 1
	oflagExcl      uint32 = 1 << 2
	oflagTrunc     uint32 = 1 << 3
)

// Subset of fs_rights_base bits the host inspects.
const (
	rightFdWrite uint64 = 1 << 6
)

// errnoFromFS maps memory-filesystem errors onto WASI errnos.
func errnoFromFS(err error) Errno {
	switch {
	case err == nil:
		return ErrnoSuccess
	case errors.Is(err, fs.ErrNotExist):
		return ErrnoNoent
	case errors.Is(err, fs.ErrExist):
		return ErrnoExist
	case errors.Is(err, fs.ErrPermission):
		return ErrnoAcces
	case errors.Is(err, fs.ErrInvalid):
		return ErrnoInval
	default:
		return ErrnoIo
	}
}
