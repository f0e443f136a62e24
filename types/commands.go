package types

// A LoadCmd is a Mach-O load command tag. Only the three kinds the
// injector's BinaryWalker cares about are named; everything else is
// walked over (by cmdsize) and ignored, per spec.
type LoadCmd uint32

const (
	LC_SEGMENT    LoadCmd = 0x1 // 32-bit segment of the file to be mapped
	LC_SYMTAB     LoadCmd = 0x2 // symbol table location
	LC_SEGMENT_64 LoadCmd = 0x19
)

var loadCmdStrings = []IntName{
	{uint32(LC_SEGMENT), "LC_SEGMENT"},
	{uint32(LC_SYMTAB), "LC_SYMTAB"},
	{uint32(LC_SEGMENT_64), "LC_SEGMENT_64"},
}

func (c LoadCmd) String() string { return StringName(uint32(c), loadCmdStrings, false) }

type SegFlag uint32

// A Segment32 is a 32-bit Mach-O segment load command.
type Segment32 struct {
	Cmd     LoadCmd
	Len     uint32
	Name    [16]byte
	Addr    uint32
	Memsz   uint32
	Offset  uint32
	Filesz  uint32
	Maxprot VmProtection
	Prot    VmProtection
	Nsect   uint32
	Flag    SegFlag
}

// A Segment64 is a 64-bit Mach-O segment load command.
type Segment64 struct {
	Cmd     LoadCmd
	Len     uint32
	Name    [16]byte
	Addr    uint64
	Memsz   uint64
	Offset  uint64
	Filesz  uint64
	Maxprot VmProtection
	Prot    VmProtection
	Nsect   uint32
	Flag    SegFlag
}

// A SymtabCmd is a Mach-O LC_SYMTAB load command: it locates the nlist
// symbol array and the string table it indexes into, both as file
// offsets that BinaryWalker/LinkerLocator must still translate into
// remote virtual addresses via the enclosing segment.
type SymtabCmd struct {
	Cmd     LoadCmd
	Len     uint32
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}
