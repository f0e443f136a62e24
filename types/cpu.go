package types

// A CPU is a Mach-O cpu_type_t. The injector dispatches on these four
// families only (see pkg/arch); CPUArm64 is recorded here because it
// appears in modern dyld headers and is useful to log, but has no
// ArchProfile of its own — injecting into an arm64 host is out of the
// historical scope this tool was built against.
type CPU uint32

const (
	cpuArch64 = 0x01000000 // 64 bit ABI
)

const (
	CPU386   CPU = 7
	CPUAmd64 CPU = CPU386 | cpuArch64
	CPUArm   CPU = 12
	CPUArm64 CPU = CPUArm | cpuArch64
	CPUPpc   CPU = 18
	CPUPpc64 CPU = CPUPpc | cpuArch64
)

var cpuStrings = []IntName{
	{uint32(CPU386), "i386"},
	{uint32(CPUAmd64), "x86_64"},
	{uint32(CPUArm), "arm"},
	{uint32(CPUArm64), "arm64"},
	{uint32(CPUPpc), "ppc"},
	{uint32(CPUPpc64), "ppc64"},
}

func (c CPU) String() string { return StringName(uint32(c), cpuStrings, false) }

type CPUSubtype uint32
