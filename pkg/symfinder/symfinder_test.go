package symfinder

import (
	"encoding/binary"
	"errors"
	"testing"
)

// buildNlist64 builds a tightly packed nlist_64 array (16 bytes each:
// n_strx uint32, n_type/n_sect/n_desc 4 bytes, n_value uint64) and the
// matching string table.
func buildNlist64(bo binary.ByteOrder, entries map[string]uint64) ([]byte, []byte) {
	var strs []byte
	strs = append(strs, 0) // index 0 is conventionally empty
	var syms []byte
	for name, value := range entries {
		strx := uint32(len(strs))
		strs = append(strs, []byte(name)...)
		strs = append(strs, 0)

		entry := make([]byte, 16)
		bo.PutUint32(entry[0:4], strx)
		bo.PutUint64(entry[8:16], value)
		syms = append(syms, entry...)
	}
	return syms, strs
}

func TestFindLocatesBothSymbols(t *testing.T) {
	bo := binary.LittleEndian
	syms, strs := buildNlist64(bo, map[string]uint64{
		"_dlopen":       0x1000,
		"_syscall":      0x2000,
		"_irrelevant_d": 0x3000,
		"_irrelevant_s": 0x4000,
	})

	b, err := Find(syms, strs, 4, 16, true, bo)
	if err != nil {
		t.Fatalf("Find returned error: %v", err)
	}
	if b.DlopenAddr != 0x1000 || b.SyscallAddr != 0x2000 {
		t.Fatalf("unexpected bundle: %+v", b)
	}
}

func TestFindFailsWhenDlopenMissing(t *testing.T) {
	bo := binary.LittleEndian
	syms, strs := buildNlist64(bo, map[string]uint64{
		"_syscall": 0x2000,
	})

	_, err := Find(syms, strs, 1, 16, true, bo)
	if err == nil {
		t.Fatal("expected an error when _dlopen is absent")
	}
}

func TestFindRejectsOutOfBoundsStringIndex(t *testing.T) {
	bo := binary.LittleEndian
	entry := make([]byte, 16)
	bo.PutUint32(entry[0:4], 1000) // no string table this large
	bo.PutUint64(entry[8:16], 0x1000)

	_, err := Find(entry, []byte{0}, 1, 16, true, bo)
	if err == nil {
		t.Fatal("expected an error for an out-of-bounds string index")
	}
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected an ErrMalformed-wrapped error, got %v", err)
	}
}

func TestFind32BitValue(t *testing.T) {
	bo := binary.BigEndian
	strs := []byte{0}
	strs = append(strs, []byte("_dlopen\x00_syscall\x00")...)
	syms := make([]byte, 24)
	// _dlopen at strx=1
	bo.PutUint32(syms[0:4], 1)
	bo.PutUint32(syms[8:12], 0xAABBCCDD)
	// _syscall at strx=9
	bo.PutUint32(syms[12:16], 9)
	bo.PutUint32(syms[20:24], 0x11223344)

	b, err := Find(syms, strs, 2, 12, false, bo)
	if err != nil {
		t.Fatalf("Find returned error: %v", err)
	}
	if b.DlopenAddr != 0xAABBCCDD || b.SyscallAddr != 0x11223344 {
		t.Fatalf("unexpected bundle: %+v", b)
	}
}
