// Package symfinder scans a dynamic linker's symbol table, already
// read into local buffers, for the two entry points the injection
// engine depends on.
package symfinder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	dlopenSymbol  = "_dlopen"
	syscallSymbol = "_syscall"
)

// Bundle holds the two resolved addresses. Both fields are non-zero
// only once Find has returned successfully.
type Bundle struct {
	DlopenAddr  uint64
	SyscallAddr uint64
}

// Find walks syms (the raw nlist/nlist_64 array, nlistWidth bytes per
// entry) and indexes strs at each entry's name offset, looking for
// "_dlopen" and "_syscall". A name's comparison length is bounded by
// the remaining string-table size, so an unterminated or truncated
// entry can never read past the buffer. Any string index at or beyond
// len(strs) is a malformed image and fails the whole pass.
func Find(syms []byte, strs []byte, nsyms uint32, nlistWidth int, is64 bool, bo binary.ByteOrder) (Bundle, error) {
	var b Bundle

	for i := uint32(0); i < nsyms; i++ {
		entry := syms[int(i)*nlistWidth : int(i)*nlistWidth+nlistWidth]
		strx := bo.Uint32(entry[0:4])
		if strx >= uint32(len(strs)) {
			return Bundle{}, fmt.Errorf("symbol name offset %d at or beyond string table size %d: %w", strx, len(strs), ErrMalformed)
		}

		var value uint64
		if is64 {
			value = bo.Uint64(entry[8:16])
		} else {
			value = uint64(bo.Uint32(entry[8:12]))
		}

		remaining := strs[strx:]
		handleSymbol(remaining, value, &b)
	}

	if b.DlopenAddr == 0 || b.SyscallAddr == 0 {
		return Bundle{}, errMissing
	}
	return b, nil
}

// ErrMalformed marks a symbol-table entry whose structure is
// self-inconsistent (a name offset that cannot possibly point into the
// string table this image declared), as distinct from errMissing below,
// which means the table was well-formed but simply lacks a required
// symbol. Callers use errors.Is against this to return invalid-argument
// rather than invalid-address.
var ErrMalformed = errors.New("malformed symbol table entry")

var errMissing = errors.New("required symbol (_dlopen or _syscall) not found")

func handleSymbol(remaining []byte, value uint64, b *Bundle) {
	if len(remaining) < 2 || remaining[0] != '_' {
		return
	}
	switch remaining[1] {
	case 'd':
		if matches(remaining, dlopenSymbol) {
			b.DlopenAddr = value
		}
	case 's':
		if matches(remaining, syscallSymbol) {
			b.SyscallAddr = value
		}
	}
}

// matches compares remaining against want, bounded by whichever of the
// two is shorter plus one (so a string-table entry that runs right up
// to the buffer edge without a NUL terminator still compares safely).
func matches(remaining []byte, want string) bool {
	n := len(want)
	if len(remaining) < n {
		return false
	}
	if len(remaining) > n && remaining[n] != 0 {
		return false
	}
	return bytes.Equal(remaining[:n], []byte(want))
}
