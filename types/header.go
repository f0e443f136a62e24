package types

// A FileHeader represents a Mach-O file header. Only the fields the
// injector actually consults (Magic for endianness/width, CPU for
// logging, NCommands/SizeCommands for walking load
// commands) are meaningfully used; Type/Flags/Reserved are kept so the
// struct's size and layout match the on-disk format exactly.
type FileHeader struct {
	Magic        Magic
	CPU          CPU
	SubCPU       CPUSubtype
	Type         HeaderFileType
	NCommands    uint32
	SizeCommands uint32
	Flags        HeaderFlag
	Reserved     uint32
}

const (
	FileHeaderSize32 = 7 * 4
	FileHeaderSize64 = 8 * 4
)

type Magic uint32

const (
	Magic32  Magic = 0xfeedface
	Magic64  Magic = 0xfeedfacf
	MagicFat Magic = 0xcafebabe
	// Cigam32/Cigam64 are the byte-swapped forms of Magic32/Magic64: if a
	// remote image's header reads as one of these, every multi-byte field
	// read from that image must be byte-swapped.
	Cigam32 Magic = 0xcefaedfe
	Cigam64 Magic = 0xcffaedfe
)

func (m Magic) Is64() bool {
	return m == Magic64 || m == Cigam64
}

func (m Magic) NeedsSwap() bool {
	return m == Cigam32 || m == Cigam64
}

func (m Magic) Valid() bool {
	switch m {
	case Magic32, Magic64, Cigam32, Cigam64:
		return true
	default:
		return false
	}
}

var magicStrings = []IntName{
	{uint32(Magic32), "32-bit MachO"},
	{uint32(Magic64), "64-bit MachO"},
	{uint32(MagicFat), "Fat MachO"},
	{uint32(Cigam32), "32-bit MachO (byte-swapped)"},
	{uint32(Cigam64), "64-bit MachO (byte-swapped)"},
}

func (m Magic) String() string { return StringName(uint32(m), magicStrings, false) }

// HeaderFileType is the Mach-O file type, e.g. an executable or a
// dynamic library. The injector only ever encounters MH_DYLINKER (dyld
// itself) but keeps the full set of values it might log.
type HeaderFileType uint32

const (
	MH_OBJECT   HeaderFileType = 0x1
	MH_EXECUTE  HeaderFileType = 0x2
	MH_DYLIB    HeaderFileType = 0x6
	MH_DYLINKER HeaderFileType = 0x7
	MH_BUNDLE   HeaderFileType = 0x8
)

type HeaderFlag uint32
