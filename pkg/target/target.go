// Package target defines the boundary between the portable injection
// logic (pkg/walker, pkg/symfinder, pkg/linker, pkg/arch, pkg/exception,
// pkg/controller) and the operating system. Every Mach IPC primitive the
// engine needs is expressed as a method on the Target interface; the
// only concrete implementation is internal/machkit (cgo, darwin-only).
// Tests substitute a fake Target to drive the state machine and the
// malformed-image rejections without a Darwin host, per spec.md §8's
// "mocked target" scenarios.
package target

import "context"

// ThreadID and PortID are opaque handles to a thread_act_t / mach_port_t
// in the target task. Zero is never a valid value.
type ThreadID uint32
type PortID uint32

// ExceptionPortSet is the previous-handler tuple task_swap_exception_ports
// hands back, captured so ExceptionBroker.Restore can put it back exactly
// as it found it.
type ExceptionPortSet struct {
	Mask     uint32
	Port     PortID
	Behavior int32
	Flavor   int32
}

// ExceptionMessage is a structural view of a Mach exception-state-identity
// message: the thread/task that faulted, the faulting thread's program
// counter position embedded in the register state, and the raw register
// state itself (as natural_t/uint32 words, since Mach thread-state
// buffers are always counted and copied in natural_t units regardless of
// the target's word size).
type ExceptionMessage struct {
	ID        int32 // msgh_id, echoed +100 in the reply
	Thread    ThreadID
	Task      PortID
	Flavor    int32
	State     []uint32 // old_state, length == old_stateCnt
	Complex   bool     // MACH_MSGH_BITS_COMPLEX
	NumPorts  int      // msgh_body.msgh_descriptor_count
	ReplyPort PortID   // the received message's own msgh_remote_port: the
	// reply-once right the reply must be sent to. Mach hands out a fresh
	// one per exception message, so this is not the same port every time
	// and must be threaded from ReceiveException through to ReplyException.
}

// SymbolTableView locates a dynamic linker's symbol and string tables
// in the target's address space, already translated from file offsets
// to remote virtual addresses. NlistWidth is 12 for a 32-bit image, 16
// for 64-bit. Nsyms and Strsize are bound by the same 1,000,000 sanity
// clamp BinaryWalker enforces while parsing.
type SymbolTableView struct {
	SymAddr    uint64
	Nsyms      uint32
	StrAddr    uint64
	Strsize    uint32
	NlistWidth int
	Swap       bool
}

// AddressBundle is the pair of remote addresses InjectionController
// needs to drive the trampoline: the dynamic loader's entry point and
// the generic syscall entry point, both resolved by SymbolFinder.
type AddressBundle struct {
	DlopenAddr  uint64
	SyscallAddr uint64
}

// Target abstracts everything the injection engine needs to do to a
// foreign task: read/write/allocate its memory, spawn and drive a
// thread inside it, and intercept one class of exception.
type Target interface {
	// PID is the process identifier this Target was opened against.
	PID() int

	// DyldInfo returns the address and declared size of the target's
	// dyld_all_image_infos structure (TASK_DYLD_INFO).
	DyldInfo() (addr uint64, size uint64, err error)

	// ReadMemory reads exactly n bytes from addr in the target. A short
	// read is an error, never a partial, silently-truncated result.
	ReadMemory(addr uint64, n int) ([]byte, error)
	WriteMemory(addr uint64, data []byte) error
	AllocateMemory(size uint64) (addr uint64, err error)
	DeallocateMemory(addr, size uint64) error

	// CreateThread creates a new thread in the target in a suspended
	// state with all registers zeroed.
	CreateThread() (ThreadID, error)
	SetThreadState(t ThreadID, flavor int32, state []uint32) error
	ResumeThread(t ThreadID) error
	TerminateThread(t ThreadID) error

	// SwapExceptionPort installs newPort as the handler for the
	// bad-access exception class and returns whatever handler(s) were
	// previously installed.
	SwapExceptionPort(newPort PortID, flavor int32) ([]ExceptionPortSet, error)
	RestoreExceptionPort(prior ExceptionPortSet) error

	// AllocatePort allocates a receive right and inserts a send right
	// for it, returning the single port usable both to receive
	// exceptions and to hand to SwapExceptionPort.
	AllocatePort() (PortID, error)
	DeallocatePort(PortID) error

	// ReceiveException blocks, without timeout, until one exception
	// message arrives on port.
	ReceiveException(ctx context.Context, port PortID) (*ExceptionMessage, error)
	// ReplyException answers msg with a mutated register state.
	ReplyException(msg *ExceptionMessage, newState []uint32) error

	// Close releases the task port itself. It does not release any of
	// the scoped resources above; callers must do that first.
	Close() error
}
