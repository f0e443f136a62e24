package controller

import (
	"context"
	"testing"

	"github.com/blacktop/go-inject/pkg/arch"
	"github.com/blacktop/go-inject/pkg/target"
)

// scriptedTarget replays a fixed sequence of exception messages and
// records every thread/port lifecycle call, so tests can assert both
// the final outcome and that every scoped resource was released.
type scriptedTarget struct {
	queue []*target.ExceptionMessage
	pos   int

	allocatedMem   uint64
	deallocatedMem bool
	terminated     map[target.ThreadID]bool
	restoredPort   bool
	deallocatedPrt bool
	replies        [][]uint32
	nextThread     target.ThreadID
}

func newScriptedTarget() *scriptedTarget {
	return &scriptedTarget{terminated: make(map[target.ThreadID]bool), nextThread: 100}
}

func (s *scriptedTarget) PID() int                          { return 1 }
func (s *scriptedTarget) DyldInfo() (uint64, uint64, error) { return 0, 0, nil }
func (s *scriptedTarget) ReadMemory(uint64, int) ([]byte, error) {
	return make([]byte, 8), nil
}
func (s *scriptedTarget) WriteMemory(uint64, []byte) error { return nil }
func (s *scriptedTarget) AllocateMemory(size uint64) (uint64, error) {
	s.allocatedMem = 0x9000
	return s.allocatedMem, nil
}
func (s *scriptedTarget) DeallocateMemory(addr, size uint64) error {
	s.deallocatedMem = true
	return nil
}
func (s *scriptedTarget) CreateThread() (target.ThreadID, error) {
	s.nextThread++
	return s.nextThread, nil
}
func (s *scriptedTarget) SetThreadState(target.ThreadID, int32, []uint32) error { return nil }
func (s *scriptedTarget) ResumeThread(target.ThreadID) error                   { return nil }
func (s *scriptedTarget) TerminateThread(id target.ThreadID) error {
	s.terminated[id] = true
	return nil
}
func (s *scriptedTarget) SwapExceptionPort(target.PortID, int32) ([]target.ExceptionPortSet, error) {
	return []target.ExceptionPortSet{{Port: 7}}, nil
}
func (s *scriptedTarget) RestoreExceptionPort(target.ExceptionPortSet) error {
	s.restoredPort = true
	return nil
}
func (s *scriptedTarget) AllocatePort() (target.PortID, error) { return 55, nil }
func (s *scriptedTarget) DeallocatePort(target.PortID) error {
	s.deallocatedPrt = true
	return nil
}
func (s *scriptedTarget) ReceiveException(context.Context, target.PortID) (*target.ExceptionMessage, error) {
	if s.pos >= len(s.queue) {
		panic("scriptedTarget: exception queue exhausted")
	}
	msg := s.queue[s.pos]
	s.pos++
	return msg, nil
}
func (s *scriptedTarget) ReplyException(msg *target.ExceptionMessage, newState []uint32) error {
	s.replies = append(s.replies, newState)
	return nil
}
func (s *scriptedTarget) Close() error { return nil }

func sentinelState(profile arch.Profile) []uint32 {
	st, _ := profile.Spawn(arch.SentinelStd, 0)
	// Spawn leaves PC at the trampoline address we pass in; reuse it to
	// build a state whose PC reads as the sentinel fault.
	return st
}

func TestRunHappyPath(t *testing.T) {
	profile := arch.ForFamily(arch.X86_64)
	st := newScriptedTarget()

	initiatorFault := &target.ExceptionMessage{Thread: 101, State: sentinelState(profile), Complex: true, NumPorts: 2}
	workerFaultFirst := &target.ExceptionMessage{Thread: 200, State: sentinelState(profile), Complex: true, NumPorts: 2}
	workerFaultSecond := &target.ExceptionMessage{Thread: 200, State: sentinelState(profile), Complex: true, NumPorts: 2}
	st.queue = []*target.ExceptionMessage{initiatorFault, workerFaultFirst, workerFaultSecond}

	addrs := target.AddressBundle{DlopenAddr: 0xAAAA, SyscallAddr: 0xBBBB}
	err := Run(context.Background(), st, profile, addrs, "/tmp/lib.dylib")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if !st.terminated[101] {
		t.Fatal("expected the initiating thread to be terminated")
	}
	if !st.terminated[200] {
		t.Fatal("expected the worker thread to be terminated")
	}
	if !st.deallocatedMem {
		t.Fatal("expected the remote stack to be deallocated")
	}
	if !st.restoredPort {
		t.Fatal("expected the prior exception handler to be restored")
	}
	if !st.deallocatedPrt {
		t.Fatal("expected the exception port to be released")
	}
	if len(st.replies) != 1 {
		t.Fatalf("expected exactly one exception reply, got %d", len(st.replies))
	}
}

func TestRunFailsOnUnexpectedProgramCounter(t *testing.T) {
	profile := arch.ForFamily(arch.X86_64)
	st := newScriptedTarget()

	garbage := make([]uint32, profile.StateCount())
	st.queue = []*target.ExceptionMessage{
		{Thread: 200, State: garbage, Complex: true, NumPorts: 2},
	}

	addrs := target.AddressBundle{DlopenAddr: 0xAAAA, SyscallAddr: 0xBBBB}
	err := Run(context.Background(), st, profile, addrs, "/tmp/lib.dylib")
	if err == nil {
		t.Fatal("expected an error for an exception whose PC doesn't match the sentinel")
	}
	if !st.deallocatedMem {
		t.Fatal("expected the remote stack to be released even on failure")
	}
	if !st.restoredPort {
		t.Fatal("expected the exception handler to be restored even on failure")
	}
}

func TestRunFailsWhenMultiplePriorHandlersReturned(t *testing.T) {
	profile := arch.ForFamily(arch.X86_64)
	st := newScriptedTarget()
	st.queue = []*target.ExceptionMessage{}

	// Override SwapExceptionPort's behavior via an embedding wrapper
	// that returns two prior handlers.
	wrapped := &multiHandlerTarget{scriptedTarget: st}

	addrs := target.AddressBundle{DlopenAddr: 0xAAAA, SyscallAddr: 0xBBBB}
	err := Run(context.Background(), wrapped, profile, addrs, "/tmp/lib.dylib")
	if err == nil {
		t.Fatal("expected Run to fail when the target reports more than one prior exception handler")
	}
	if !st.deallocatedMem {
		t.Fatal("expected the remote stack to still be released")
	}
}

type multiHandlerTarget struct {
	*scriptedTarget
}

func (m *multiHandlerTarget) SwapExceptionPort(target.PortID, int32) ([]target.ExceptionPortSet, error) {
	return []target.ExceptionPortSet{{Port: 1}, {Port: 2}}, nil
}
