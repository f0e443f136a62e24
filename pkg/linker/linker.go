// Package linker locates the target process's dynamic linker, reads
// its Mach-O header and symbol table across the task boundary, and
// resolves the two addresses the controller needs to drive injection.
// It is pure orchestration: every actual kernel call goes through a
// target.Target, so this package has no cgo and no platform build tag.
package linker

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/apex/log"

	"github.com/blacktop/go-inject/pkg/symfinder"
	"github.com/blacktop/go-inject/pkg/target"
	"github.com/blacktop/go-inject/pkg/walker"
	"github.com/blacktop/go-inject/types"
)

// dyldAllImageInfosMinVersion is the lowest dyld_all_image_infos layout
// this engine understands; version 1 predates a usable load-address
// field and is rejected outright.
const dyldAllImageInfosMinVersion = 2

// Locate drives the full sequence described for LinkerLocator: find
// the dyld descriptor, read the Mach header it points at, walk its
// load commands, and resolve _dlopen/_syscall. It returns a
// target.AddressBundle on success.
func Locate(t target.Target) (target.AddressBundle, error) {
	addr, size, err := t.DyldInfo()
	if err != nil {
		return target.AddressBundle{}, fmt.Errorf("querying dyld info: %w", err)
	}

	version, is64, loadAddr, err := readDescriptor(t, addr, size)
	if err != nil {
		return target.AddressBundle{}, err
	}
	if version == 1 {
		return target.AddressBundle{}, errOldDescriptor
	}
	log.WithField("loadAddr", fmt.Sprintf("%#x", loadAddr)).WithField("is64", is64).Debug("located dyld load address")

	hdrSize := types.FileHeaderSize32
	if is64 {
		hdrSize = types.FileHeaderSize64
	}
	hdrBytes, err := t.ReadMemory(loadAddr, hdrSize)
	if err != nil {
		return target.AddressBundle{}, fmt.Errorf("reading mach header: %w", err)
	}

	bo, magicIs64, ncmds, sizeofcmds, cputype, err := parseHeader(hdrBytes)
	if err != nil {
		return target.AddressBundle{}, err
	}
	if magicIs64 != is64 {
		// The 32/64 guess from the dyld descriptor's own address and
		// the guess from the header magic disagree; trust the header.
		is64 = magicIs64
		hdrSize = types.FileHeaderSize32
		if is64 {
			hdrSize = types.FileHeaderSize64
		}
	}
	log.WithField("cpu", cputype.String()).Debug("resolved dyld cpu type")

	cmdData, err := t.ReadMemory(loadAddr+uint64(hdrSize), int(sizeofcmds))
	if err != nil {
		return target.AddressBundle{}, fmt.Errorf("reading load commands: %w", err)
	}

	res, err := walker.Walk(cmdData, ncmds, sizeofcmds, bo)
	if err != nil {
		return target.AddressBundle{}, fmt.Errorf("walking load commands: %w", err)
	}
	if res.Symtab == nil {
		return target.AddressBundle{}, fmt.Errorf("no LC_SYMTAB command in dyld image: %w", walker.ErrMalformed)
	}

	nlistWidth := types.Nlist32Size
	if is64 {
		nlistWidth = types.Nlist64Size
	}
	symAddr, strAddr, err := walker.ResolveSymtab(res.Segments, res.Symtab, nlistWidth, false)
	if err != nil {
		return target.AddressBundle{}, err
	}

	strs, err := t.ReadMemory(strAddr, int(res.Symtab.Strsize))
	if err != nil {
		return target.AddressBundle{}, fmt.Errorf("reading string table: %w", err)
	}
	syms, err := t.ReadMemory(symAddr, int(res.Symtab.Nsyms)*nlistWidth)
	if err != nil {
		return target.AddressBundle{}, fmt.Errorf("reading symbol table: %w", err)
	}

	bundle, err := symfinder.Find(syms, strs, res.Symtab.Nsyms, nlistWidth, is64, bo)
	if err != nil {
		return target.AddressBundle{}, err
	}

	return target.AddressBundle{DlopenAddr: bundle.DlopenAddr, SyscallAddr: bundle.SyscallAddr}, nil
}

var errOldDescriptor = fmt.Errorf("dyld_all_image_infos version 1 has no usable load address")

// ErrOldDescriptor reports whether err is the no-space condition
// raised for a version-1 dyld descriptor.
func ErrOldDescriptor(err error) bool { return err == errOldDescriptor }

// ErrMalformed reports whether err stems from the target image's own
// self-reported structure being inconsistent or implausible, rather
// than a failed read or a missing symbol: an invalid Mach header
// magic, a truncated Mach header, or any of the conditions
// walker.ErrMalformed / symfinder.ErrMalformed cover. Callers use this
// to return invalid-argument rather than invalid-address or a raw
// kernel failure.
func ErrMalformed(err error) bool {
	return errors.Is(err, walker.ErrMalformed) || errors.Is(err, symfinder.ErrMalformed)
}

// readDescriptor reads the dyld_all_image_infos structure at addr
// (clamped to size, the declared struct size from task_info) and
// extracts the version and the dyld load address, guessing 32 vs
// 64-bit by whether addr itself needs more than 32 bits to express —
// the same heuristic the original implementation used, since the
// descriptor's own layout hasn't told us the target's bitness yet.
func readDescriptor(t target.Target, addr, size uint64) (version uint32, is64 bool, loadAddr uint64, err error) {
	is64 = addr > 0xffffffff

	// dyld_all_image_infos: version(4) infoArrayCount(4) infoArray(4|8)
	// notification(4|8) processDetached(1) libSystemInit(1) pad(2|6)
	// dyldImageLoadAddress(4|8) — the field this function actually wants.
	const headSize32 = 4 + 4 + 4 + 4 + 1 + 1 + 2 + 4
	const headSize64 = 4 + 4 + 8 + 8 + 1 + 1 + 6 + 8

	want := uint64(headSize32)
	if is64 {
		want = headSize64
	}
	if size < want {
		want = size
	}

	buf, err := t.ReadMemory(addr, int(want))
	if err != nil {
		return 0, false, 0, fmt.Errorf("reading dyld_all_image_infos: %w", err)
	}
	if len(buf) < 4 {
		return 0, false, 0, fmt.Errorf("dyld_all_image_infos truncated below version field")
	}

	version = binary.LittleEndian.Uint32(buf[0:4])
	if version == 1 {
		return version, is64, 0, nil
	}

	if is64 {
		if len(buf) < headSize64 {
			return version, is64, 0, fmt.Errorf("dyld_all_image_infos truncated below load address field")
		}
		loadAddr = binary.LittleEndian.Uint64(buf[headSize64-8:])
	} else {
		if len(buf) < headSize32 {
			return version, is64, 0, fmt.Errorf("dyld_all_image_infos truncated below load address field")
		}
		loadAddr = uint64(binary.LittleEndian.Uint32(buf[headSize32-4:]))
	}
	return version, is64, loadAddr, nil
}

// parseHeader decodes a Mach-O file header's magic to determine byte
// order and word width, and returns the fields BinaryWalker needs.
func parseHeader(hdr []byte) (bo binary.ByteOrder, is64 bool, ncmds uint32, sizeofcmds uint32, cpu types.CPU, err error) {
	if len(hdr) < 8 {
		return nil, false, 0, 0, 0, fmt.Errorf("mach header truncated: %w", walker.ErrMalformed)
	}
	be := binary.BigEndian.Uint32(hdr[0:4])
	le := binary.LittleEndian.Uint32(hdr[0:4])

	var magic types.Magic
	switch uint32(types.Magic32) &^ 1 {
	case be &^ 1:
		bo = binary.BigEndian
		magic = types.Magic(be)
	case le &^ 1:
		bo = binary.LittleEndian
		magic = types.Magic(le)
	default:
		return nil, false, 0, 0, 0, fmt.Errorf("invalid mach-o magic %#x: %w", le, walker.ErrMalformed)
	}
	is64 = magic.Is64()

	cputype := bo.Uint32(hdr[4:8])
	cpu = types.CPU(cputype)

	hdrLen := types.FileHeaderSize32
	if is64 {
		hdrLen = types.FileHeaderSize64
	}
	if len(hdr) < hdrLen {
		return nil, false, 0, 0, 0, fmt.Errorf("mach header shorter than its own magic requires: %w", walker.ErrMalformed)
	}
	ncmds = bo.Uint32(hdr[16:20])
	sizeofcmds = bo.Uint32(hdr[20:24])

	return bo, is64, ncmds, sizeofcmds, cpu, nil
}
