// Package arch supplies the one abstraction the controller is allowed
// to know about register layout: a Profile per CPU family, each able to
// synthesize the initial syscall-trampoline state, recognize the
// sentinel fault, and rewrite state into a call to the dynamic loader.
// Every field offset and magic number here is load-bearing: it must
// match the real thread-state structs the kernel hands back, because
// internal/machkit copies these words in and out of thread_set_state /
// thread_get_state verbatim.
package arch

import "encoding/binary"

// Family is a Mach-O cpu_type_t family the engine knows how to drive.
type Family int

const (
	ARM32 Family = iota
	X86_32
	X86_64
	PPC64
)

func (f Family) String() string {
	switch f {
	case ARM32:
		return "arm32"
	case X86_32:
		return "x86_32"
	case X86_64:
		return "x86_64"
	case PPC64:
		return "ppc64"
	default:
		return "unknown"
	}
}

// Worker-spawn constants. The trampoline is always invoked as
// syscall(360, entry, funcArg, stackSize, 0, 0); entry and funcArg are
// both the sentinel so that the kernel-spawned worker starts executing
// at the sentinel address and faults immediately, giving the controller
// a clean point at which it owns the new thread.
const (
	SpawnSyscallNumber = 360
	SpawnStackSize     = 128 * 1024
	SentinelStd        = 0xDEADBEEF
	SentinelARM        = 0xDEADBEEE
	RTLDLazy           = 0x1
)

// MemWrite is a single write the caller must perform against the target
// before (Spawn) or after (CallLoader) installing the returned state.
type MemWrite struct {
	Addr uint64
	Data []byte
}

// Profile is the per-family register-layout and calling-convention
// description. State buffers are always natural_t (uint32) words, in
// the same field order as the kernel's thread_state struct for that
// flavor, so machkit can hand them to thread_set_state unmodified.
type Profile interface {
	Family() Family
	StateFlavor() int32
	StateCount() int

	// Spawn returns a fully zeroed state buffer (StateCount words) with
	// the instruction pointer at trampoline, the stack pointer at
	// stackTip, and the six-slot syscall argument vector laid out per
	// this family's calling convention. stackWrite is non-nil when part
	// of the argument vector has to live on the remote stack rather
	// than in registers.
	Spawn(trampoline, stackTip uint64) (state []uint32, stackWrite *MemWrite)

	// IsSentinel reports whether state's program counter, after any
	// architecture-specific normalization (e.g. clearing the ARM thumb
	// bit), equals this family's sentinel value.
	IsSentinel(state []uint32) bool

	// CallLoader rewrites state (as read back from an exception
	// message) into a call to dlopenAddr(pathAddr, lazy). Families that
	// need stack-resident words (the sentinel return address, and on
	// x86-32 the arguments) get a stackWrite at the stack pointer already
	// in state; none of the four profiles reads stackTip.
	CallLoader(state []uint32, dlopenAddr, pathAddr uint64, lazy uint32, stackTip uint64) (newState []uint32, stackWrite *MemWrite)
}

// ForFamily returns the Profile for f, or nil if the family has no
// known calling convention (e.g. plain ARM64, which this engine's
// historical scope never targeted).
func ForFamily(f Family) Profile {
	switch f {
	case ARM32:
		return armProfile{}
	case X86_32:
		return x86_32Profile{}
	case X86_64:
		return x86_64Profile{}
	case PPC64:
		return ppc64Profile{}
	default:
		return nil
	}
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// --- ARM32: struct arm_thread_state { r[13]; sp; lr; pc; cpsr } -----

type armProfile struct{}

const armStateCount = 13 + 1 + 1 + 1 + 1 // r0..r12, sp, lr, pc, cpsr

const (
	armR0   = 0
	armSP   = 13
	armLR   = 14
	armPC   = 15
	armCPSR = 16
)

func (armProfile) Family() Family     { return ARM32 }
func (armProfile) StateFlavor() int32 { return 1 } // ARM_THREAD_STATE
func (armProfile) StateCount() int    { return armStateCount }

func (armProfile) Spawn(trampoline, stackTip uint64) ([]uint32, *MemWrite) {
	s := make([]uint32, armStateCount)
	s[armR0+0] = SpawnSyscallNumber
	s[armR0+1] = SentinelStd
	s[armR0+2] = SentinelStd
	s[armR0+3] = SpawnStackSize
	s[armSP] = uint32(stackTip)
	s[armPC] = uint32(trampoline)
	// arg5, arg6 (both zero) ride on the stack just past the tip.
	write := &MemWrite{Addr: stackTip, Data: append(le32(0), le32(0)...)}
	return s, write
}

func (armProfile) IsSentinel(state []uint32) bool {
	return (state[armPC] &^ 1) == SentinelARM
}

func (armProfile) CallLoader(state []uint32, dlopenAddr, pathAddr uint64, lazy uint32, stackTip uint64) ([]uint32, *MemWrite) {
	out := append([]uint32(nil), state...)
	out[armR0+0] = uint32(pathAddr)
	out[armR0+1] = lazy
	// The program counter is deliberately left where it was: this
	// architecture's loader call path has never been completed, and
	// that incompleteness is preserved rather than patched over.
	return out, nil
}

// --- X86-32: struct x86_thread_state32 -------------------------------

type x86_32Profile struct{}

const x86_32StateCount = 16

const (
	x32Eax = iota
	x32Ebx
	x32Ecx
	x32Edx
	x32Edi
	x32Esi
	x32Ebp
	x32Esp
	x32Ss
	x32Eflags
	x32Eip
	x32Cs
	x32Ds
	x32Es
	x32Fs
	x32Gs
)

func (x86_32Profile) Family() Family     { return X86_32 }
func (x86_32Profile) StateFlavor() int32 { return 1 } // x86_THREAD_STATE32
func (x86_32Profile) StateCount() int    { return x86_32StateCount }

func (x86_32Profile) Spawn(trampoline, stackTip uint64) ([]uint32, *MemWrite) {
	s := make([]uint32, x86_32StateCount)
	s[x32Esp] = uint32(stackTip)
	s[x32Ebp] = uint32(stackTip)
	s[x32Eip] = uint32(trampoline)
	var data []byte
	for _, w := range []uint32{0, SpawnSyscallNumber, SentinelStd, SentinelStd, SpawnStackSize, 0, 0} {
		data = append(data, le32(w)...)
	}
	return s, &MemWrite{Addr: stackTip, Data: data}
}

func (x86_32Profile) IsSentinel(state []uint32) bool {
	return state[x32Eip] == SentinelStd
}

func (x86_32Profile) CallLoader(state []uint32, dlopenAddr, pathAddr uint64, lazy uint32, stackTip uint64) ([]uint32, *MemWrite) {
	out := append([]uint32(nil), state...)
	out[x32Eip] = uint32(dlopenAddr)
	esp := uint64(state[x32Esp])
	var data []byte
	data = append(data, le32(SentinelStd)...)
	data = append(data, le32(uint32(pathAddr))...)
	data = append(data, le32(lazy)...)
	return out, &MemWrite{Addr: esp, Data: data}
}

// --- X86-64: struct x86_thread_state64 -------------------------------

type x86_64Profile struct{}

// 21 uint64 fields, counted in natural_t (uint32) words.
const x86_64StateCount = 21 * 2

const (
	x64Rax = iota * 2
	x64Rbx
	x64Rcx
	x64Rdx
	x64Rdi
	x64Rsi
	x64Rbp
	x64Rsp
	x64R8
	x64R9
	x64R10
	x64R11
	x64R12
	x64R13
	x64R14
	x64R15
	x64Rip
	x64Rflags
	x64Cs
	x64Fs
	x64Gs
)

func getReg64(state []uint32, wordOffset int) uint64 {
	return binary.LittleEndian.Uint64(u32sToBytes(state[wordOffset : wordOffset+2]))
}

func setReg64(state []uint32, wordOffset int, v uint64) {
	b := le64(v)
	state[wordOffset] = binary.LittleEndian.Uint32(b[0:4])
	state[wordOffset+1] = binary.LittleEndian.Uint32(b[4:8])
}

func u32sToBytes(words []uint32) []byte {
	b := make([]byte, 0, len(words)*4)
	for _, w := range words {
		b = append(b, le32(w)...)
	}
	return b
}

func (x86_64Profile) Family() Family     { return X86_64 }
func (x86_64Profile) StateFlavor() int32 { return 4 } // x86_THREAD_STATE64
func (x86_64Profile) StateCount() int    { return x86_64StateCount }

func (x86_64Profile) Spawn(trampoline, stackTip uint64) ([]uint32, *MemWrite) {
	s := make([]uint32, x86_64StateCount)
	setReg64(s, x64Rdi, SpawnSyscallNumber)
	setReg64(s, x64Rsi, SentinelStd)
	setReg64(s, x64Rdx, SentinelStd)
	setReg64(s, x64Rcx, SpawnStackSize)
	setReg64(s, x64R8, 0)
	setReg64(s, x64R9, 0)
	setReg64(s, x64Rsp, stackTip)
	setReg64(s, x64Rbp, stackTip)
	setReg64(s, x64Rip, trampoline)
	return s, nil
}

func (x86_64Profile) IsSentinel(state []uint32) bool {
	return getReg64(state, x64Rip) == SentinelStd
}

func (x86_64Profile) CallLoader(state []uint32, dlopenAddr, pathAddr uint64, lazy uint32, stackTip uint64) ([]uint32, *MemWrite) {
	out := append([]uint32(nil), state...)
	setReg64(out, x64Rip, dlopenAddr)
	setReg64(out, x64Rdi, pathAddr)
	setReg64(out, x64Rsi, uint64(lazy))
	rsp := getReg64(state, x64Rsp)
	return out, &MemWrite{Addr: rsp, Data: le64(SentinelStd)}
}

// --- PPC-64: struct ppc_thread_state64 -------------------------------

type ppc64Profile struct{}

// srr0, srr1, r[32], cr(32-bit), xer, lr, ctr, vrsave(32-bit), counted
// in natural_t words: (2 + 32 + 3) * 2 + 1 + 1 = 76.
const ppc64StateCount = (2+32+3)*2 + 1 + 1

const (
	ppcSrr0   = 0
	ppcSrr1   = 2
	ppcR0     = 4
	ppcCr     = 4 + 32*2
	ppcXer    = ppcCr + 1
	ppcLr     = ppcXer + 2
	ppcCtr    = ppcLr + 2
	ppcVrsave = ppcCtr + 2
)

func ppcR(n int) int { return ppcR0 + n*2 }

func (ppc64Profile) Family() Family     { return PPC64 }
func (ppc64Profile) StateFlavor() int32 { return 5 } // PPC_THREAD_STATE64
func (ppc64Profile) StateCount() int    { return ppc64StateCount }

func (ppc64Profile) Spawn(trampoline, stackTip uint64) ([]uint32, *MemWrite) {
	s := make([]uint32, ppc64StateCount)
	setReg64(s, ppcR(1), stackTip)
	setReg64(s, ppcR(3), SpawnSyscallNumber)
	setReg64(s, ppcR(4), SentinelStd)
	setReg64(s, ppcR(5), SentinelStd)
	setReg64(s, ppcR(6), SpawnStackSize)
	setReg64(s, ppcR(7), 0)
	setReg64(s, ppcR(8), 0)
	setReg64(s, ppcSrr0, trampoline)
	return s, nil
}

func (ppc64Profile) IsSentinel(state []uint32) bool {
	return getReg64(state, ppcSrr0) == SentinelStd
}

func (ppc64Profile) CallLoader(state []uint32, dlopenAddr, pathAddr uint64, lazy uint32, stackTip uint64) ([]uint32, *MemWrite) {
	out := append([]uint32(nil), state...)
	setReg64(out, ppcSrr0, dlopenAddr)
	setReg64(out, ppcR(3), pathAddr)
	setReg64(out, ppcR(4), uint64(lazy))
	setReg64(out, ppcLr, SentinelStd)
	return out, nil
}
