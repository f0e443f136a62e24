package exception

import (
	"context"
	"testing"

	"github.com/blacktop/go-inject/pkg/target"
)

type fakeTarget struct {
	swapResult      []target.ExceptionPortSet
	swapErr         error
	allocatedPort   target.PortID
	deallocatedPort target.PortID
	restored        *target.ExceptionPortSet
	recvMsg         *target.ExceptionMessage
	recvErr         error
	replyCalled     bool
}

func (f *fakeTarget) PID() int                               { return 1 }
func (f *fakeTarget) DyldInfo() (uint64, uint64, error)      { return 0, 0, nil }
func (f *fakeTarget) ReadMemory(uint64, int) ([]byte, error) { return nil, nil }
func (f *fakeTarget) WriteMemory(uint64, []byte) error       { return nil }
func (f *fakeTarget) AllocateMemory(uint64) (uint64, error)  { return 0, nil }
func (f *fakeTarget) DeallocateMemory(uint64, uint64) error  { return nil }
func (f *fakeTarget) CreateThread() (target.ThreadID, error) { return 0, nil }
func (f *fakeTarget) SetThreadState(target.ThreadID, int32, []uint32) error {
	return nil
}
func (f *fakeTarget) ResumeThread(target.ThreadID) error    { return nil }
func (f *fakeTarget) TerminateThread(target.ThreadID) error { return nil }
func (f *fakeTarget) SwapExceptionPort(target.PortID, int32) ([]target.ExceptionPortSet, error) {
	return f.swapResult, f.swapErr
}
func (f *fakeTarget) RestoreExceptionPort(p target.ExceptionPortSet) error {
	f.restored = &p
	return nil
}
func (f *fakeTarget) AllocatePort() (target.PortID, error) {
	f.allocatedPort = 42
	return 42, nil
}
func (f *fakeTarget) DeallocatePort(p target.PortID) error {
	f.deallocatedPort = p
	return nil
}
func (f *fakeTarget) ReceiveException(context.Context, target.PortID) (*target.ExceptionMessage, error) {
	return f.recvMsg, f.recvErr
}
func (f *fakeTarget) ReplyException(*target.ExceptionMessage, []uint32) error {
	f.replyCalled = true
	return nil
}
func (f *fakeTarget) Close() error { return nil }

func TestInstallFailsWithMultiplePriorHandlers(t *testing.T) {
	ft := &fakeTarget{swapResult: []target.ExceptionPortSet{{}, {}}}
	_, err := Install(ft, 4, 42)
	if err == nil {
		t.Fatal("expected an error when more than one prior handler is returned")
	}
	if ft.deallocatedPort != 42 {
		t.Fatal("expected the allocated port to be released on failure")
	}
}

func TestRecvValidatesStateCount(t *testing.T) {
	ft := &fakeTarget{
		swapResult: []target.ExceptionPortSet{{Port: 7}},
		recvMsg:    &target.ExceptionMessage{Complex: true, NumPorts: 2, State: make([]uint32, 42)},
	}
	b, err := Install(ft, 4, 42)
	if err != nil {
		t.Fatalf("Install returned error: %v", err)
	}

	msg, err := b.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv returned error: %v", err)
	}
	if len(msg.State) != 42 {
		t.Fatalf("state length = %d, want 42", len(msg.State))
	}
}

func TestRecvRejectsWrongStateCount(t *testing.T) {
	ft := &fakeTarget{
		recvMsg: &target.ExceptionMessage{Complex: true, NumPorts: 1, State: make([]uint32, 10)},
	}
	b, _ := Install(ft, 4, 42)
	if _, err := b.Recv(context.Background()); err == nil {
		t.Fatal("expected rejection of a message with the wrong state count")
	}
}

func TestRecvRejectsNonComplexMessage(t *testing.T) {
	ft := &fakeTarget{
		recvMsg: &target.ExceptionMessage{Complex: false, NumPorts: 1, State: make([]uint32, 42)},
	}
	b, _ := Install(ft, 4, 42)
	if _, err := b.Recv(context.Background()); err == nil {
		t.Fatal("expected rejection of a non-complex message")
	}
}

func TestRestoreReinstallsPriorHandler(t *testing.T) {
	ft := &fakeTarget{swapResult: []target.ExceptionPortSet{{Port: 99}}}
	b, err := Install(ft, 4, 42)
	if err != nil {
		t.Fatalf("Install returned error: %v", err)
	}
	if err := b.Restore(); err != nil {
		t.Fatalf("Restore returned error: %v", err)
	}
	if ft.restored == nil || ft.restored.Port != 99 {
		t.Fatal("expected the prior handler to be restored")
	}
	if ft.deallocatedPort != 42 {
		t.Fatal("expected the exception port to be released")
	}
}

func TestReplyRejectsMismatchedStateCount(t *testing.T) {
	ft := &fakeTarget{swapResult: []target.ExceptionPortSet{{}}}
	b, _ := Install(ft, 4, 42)
	err := b.Reply(&target.ExceptionMessage{}, make([]uint32, 10))
	if err == nil {
		t.Fatal("expected an error for a reply with the wrong state count")
	}
	if ft.replyCalled {
		t.Fatal("ReplyException should not be called when validation fails")
	}
}
