// Package walker parses the load-command area of a Mach-O image
// already read into memory: it has no notion of a file or a remote
// process, only bytes, a byte order, and a width. Callers (pkg/linker)
// own fetching those bytes, whether from disk or across a task
// boundary.
package walker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blacktop/go-inject/types"
)

// maxSane bounds symbol counts and string-table sizes against a
// malformed or hostile image; both the original implementation and
// this one reject anything at or above it before any remote read.
const maxSane = 1_000_000

// ErrMalformed marks a failure caused by the image's own self-reported
// structure being inconsistent or implausible — an accumulated
// load-command size that overruns the declared total, a symbol/string
// table size beyond the sanity bound, or a symbol/string table with no
// covering segment — as distinct from a failed read. Callers use
// errors.Is against this to return invalid-argument rather than
// invalid-address or a raw kernel failure.
var ErrMalformed = errors.New("malformed dynamic linker image")

// Segment is a parsed LC_SEGMENT/LC_SEGMENT_64 command, reduced to the
// file-offset/virtual-address mapping LinkerLocator needs to translate
// the symbol table's file offsets into remote addresses.
type Segment struct {
	FileOff  uint64
	FileSize uint64
	VMAddr   uint64
}

// Contains reports whether the half-open file range [off, off+size)
// lies entirely within this segment's mapped file range.
func (s Segment) Contains(off, size uint64) bool {
	return s.FileOff <= off && s.FileOff+s.FileSize >= off+size
}

// Translate converts a file offset known to lie within this segment
// into the corresponding remote virtual address.
func (s Segment) Translate(off uint64) uint64 {
	return s.VMAddr + off - s.FileOff
}

// Symtab is the raw LC_SYMTAB command, file offsets unconverted.
type Symtab struct {
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

// Result is everything BinaryWalker extracted from one command area.
type Result struct {
	Segments []Segment
	Symtab   *Symtab
}

// Walk parses cmdData, a buffer holding exactly the image's load
// commands (no header), honoring bo for multi-byte fields. ncmds and
// declaredSize come from the Mach header. Unknown command kinds are
// skipped by their declared size; LC_SEGMENT, LC_SEGMENT_64 and
// LC_SYMTAB are the only kinds interpreted.
func Walk(cmdData []byte, ncmds uint32, declaredSize uint32, bo binary.ByteOrder) (*Result, error) {
	res := &Result{}

	dat := cmdData
	var accumulated uint64
	for i := uint32(0); i < ncmds; i++ {
		if len(dat) < 8 {
			return nil, fmt.Errorf("command block too small at index %d: %w", i, ErrMalformed)
		}
		cmd := types.LoadCmd(bo.Uint32(dat[0:4]))
		size := bo.Uint32(dat[4:8])
		if size < 8 || uint64(size) > uint64(len(dat)) {
			return nil, fmt.Errorf("invalid command size %d at index %d: %w", size, i, ErrMalformed)
		}
		accumulated += uint64(size)
		if accumulated > uint64(declaredSize) {
			return nil, fmt.Errorf("accumulated command size %d exceeds declared %d: %w", accumulated, declaredSize, ErrMalformed)
		}

		cmddat := dat[:size]
		dat = dat[size:]

		switch cmd {
		case types.LC_SEGMENT:
			var seg types.Segment32
			if err := binary.Read(bytes.NewReader(cmddat), bo, &seg); err != nil {
				return nil, fmt.Errorf("reading LC_SEGMENT: %w", err)
			}
			res.Segments = append(res.Segments, Segment{
				FileOff:  uint64(seg.Offset),
				FileSize: uint64(seg.Filesz),
				VMAddr:   uint64(seg.Addr),
			})
		case types.LC_SEGMENT_64:
			var seg types.Segment64
			if err := binary.Read(bytes.NewReader(cmddat), bo, &seg); err != nil {
				return nil, fmt.Errorf("reading LC_SEGMENT_64: %w", err)
			}
			res.Segments = append(res.Segments, Segment{
				FileOff:  seg.Offset,
				FileSize: seg.Filesz,
				VMAddr:   seg.Addr,
			})
		case types.LC_SYMTAB:
			var st types.SymtabCmd
			if err := binary.Read(bytes.NewReader(cmddat), bo, &st); err != nil {
				return nil, fmt.Errorf("reading LC_SYMTAB: %w", err)
			}
			if st.Nsyms >= maxSane || st.Strsize >= maxSane {
				return nil, fmt.Errorf("symtab claims %d symbols / %d string bytes, exceeds sanity bound: %w", st.Nsyms, st.Strsize, ErrMalformed)
			}
			res.Symtab = &Symtab{Symoff: st.Symoff, Nsyms: st.Nsyms, Stroff: st.Stroff, Strsize: st.Strsize}
		default:
			// unknown load command: skip by its declared size
		}
	}

	return res, nil
}

// ResolveSymtab finds the segments that cover the symbol array and the
// string table the walker recorded, and converts their file offsets
// into remote virtual addresses. nlistWidth must be 12 or 16.
func ResolveSymtab(segments []Segment, st *Symtab, nlistWidth int, swap bool) (symAddr, strAddr uint64, err error) {
	if st == nil {
		return 0, 0, fmt.Errorf("no LC_SYMTAB command present: %w", ErrMalformed)
	}
	symSize := uint64(st.Nsyms) * uint64(nlistWidth)
	for _, seg := range segments {
		if seg.Contains(uint64(st.Symoff), symSize) {
			symAddr = seg.Translate(uint64(st.Symoff))
		}
		if seg.Contains(uint64(st.Stroff), uint64(st.Strsize)) {
			strAddr = seg.Translate(uint64(st.Stroff))
		}
	}
	if symAddr == 0 || strAddr == 0 {
		return 0, 0, fmt.Errorf("no segment covers symbol or string table: %w", ErrMalformed)
	}
	return symAddr, strAddr, nil
}
