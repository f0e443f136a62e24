//go:build darwin && cgo

// Package machkit is the only part of this engine that talks to the
// kernel directly. Everything else (pkg/walker, pkg/symfinder,
// pkg/linker, pkg/arch, pkg/exception, pkg/controller) is pure,
// portable Go driven through the target.Target interface; this file
// supplies the one real implementation of it, as a cgo preamble of
// small static C helpers wrapped by thin Go methods.
package machkit

/*
#include <mach/mach.h>
#include <mach/mach_vm.h>
#include <mach/exception_types.h>
#include <mach/message.h>
#include <mach/task.h>
#include <mach/thread_act.h>
#include <string.h>
#include <stdlib.h>

#pragma pack(4)
typedef struct {
    mach_msg_header_t head;
    mach_msg_body_t body;
    mach_msg_port_descriptor_t thread;
    mach_msg_port_descriptor_t task;
    NDR_record_t ndr;
    exception_type_t exception;
    mach_msg_type_number_t codeCnt;
    integer_t code[2];
    int flavor;
    mach_msg_type_number_t old_stateCnt;
    natural_t old_state[144];
} exc_msg_t;

typedef struct {
    mach_msg_header_t head;
    NDR_record_t ndr;
    kern_return_t retCode;
    int flavor;
    mach_msg_type_number_t new_stateCnt;
    natural_t new_state[144];
} exc_reply_t;
#pragma pack()

static kern_return_t go_task_for_pid(int pid, task_t *task) {
    return task_for_pid(mach_task_self(), pid, task);
}

static kern_return_t go_dyld_info(task_t task, mach_vm_address_t *addr, mach_vm_size_t *size) {
    task_dyld_info_data_t info;
    mach_msg_type_number_t count = TASK_DYLD_INFO_COUNT;
    kern_return_t kr = task_info(task, TASK_DYLD_INFO, (task_info_t)&info, &count);
    if (kr != KERN_SUCCESS) return kr;
    *addr = info.all_image_info_addr;
    *size = info.all_image_info_size;
    return KERN_SUCCESS;
}

static kern_return_t go_read(task_t task, mach_vm_address_t addr, mach_vm_size_t n, void *out) {
    mach_vm_size_t got = n;
    return mach_vm_read_overwrite(task, addr, n, (mach_vm_address_t)(uintptr_t)out, &got);
}

static kern_return_t go_write(task_t task, mach_vm_address_t addr, void *data, mach_msg_type_number_t n) {
    return mach_vm_write(task, addr, (vm_offset_t)(uintptr_t)data, n);
}

static kern_return_t go_alloc(task_t task, mach_vm_address_t *addr, mach_vm_size_t size) {
    *addr = 0;
    return mach_vm_allocate(task, addr, size, VM_FLAGS_ANYWHERE);
}

static kern_return_t go_dealloc(task_t task, mach_vm_address_t addr, mach_vm_size_t size) {
    return mach_vm_deallocate(task, addr, size);
}

static kern_return_t go_create_thread(task_t task, thread_act_t *thread) {
    return thread_create(task, thread);
}

static kern_return_t go_set_state(thread_act_t thread, thread_state_flavor_t flavor, natural_t *state, mach_msg_type_number_t count) {
    return thread_set_state(thread, flavor, state, count);
}

static kern_return_t go_resume(thread_act_t thread) { return thread_resume(thread); }
static kern_return_t go_terminate(thread_act_t thread) { return thread_terminate(thread); }

static kern_return_t go_alloc_port(mach_port_t *port) {
    kern_return_t kr = mach_port_allocate(mach_task_self(), MACH_PORT_RIGHT_RECEIVE, port);
    if (kr != KERN_SUCCESS) return kr;
    return mach_port_insert_right(mach_task_self(), *port, *port, MACH_MSG_TYPE_MAKE_SEND);
}

static kern_return_t go_dealloc_port(mach_port_t port) {
    return mach_port_deallocate(mach_task_self(), port);
}

static kern_return_t go_swap_exception_port(task_t task, mach_port_t newPort, thread_state_flavor_t flavor,
        exception_mask_t *priorMask, mach_port_t *priorPort, exception_behavior_t *priorBehavior,
        thread_state_flavor_t *priorFlavor, mach_msg_type_number_t *priorCount) {
    *priorCount = 1;
    return task_swap_exception_ports(task, EXC_MASK_BAD_ACCESS, newPort, EXCEPTION_STATE_IDENTITY, flavor,
        priorMask, priorCount, priorPort, priorBehavior, priorFlavor);
}

static kern_return_t go_restore_exception_port(task_t task, exception_mask_t mask, mach_port_t port,
        exception_behavior_t behavior, thread_state_flavor_t flavor) {
    return task_set_exception_ports(task, mask, port, behavior, flavor);
}

static kern_return_t go_recv(mach_port_t port, exc_msg_t *msg) {
    return mach_msg_overwrite(NULL, MACH_RCV_MSG, 0, sizeof(*msg), port, MACH_MSG_TIMEOUT_NONE,
        MACH_PORT_NULL, (mach_msg_header_t *)msg, sizeof(*msg));
}

// go_reply sends the reply to replyPort, the reply-once right carried
// by the original exception message's own msgh_remote_port (the
// receive call never keeps that message around, so the caller must
// have captured it at receive time and hand it back here). Mirrors
// inject.c's reply construction: same msgh_id+100 convention, same
// NDR_record, a fresh msgh_bits for a simple (non-complex) send-once
// message rather than whatever bits happened to be lying around.
static kern_return_t go_reply(mach_port_t replyPort, mach_msg_id_t reqId, natural_t *state, mach_msg_type_number_t stateCnt, int flavor) {
    exc_reply_t reply;
    reply.head.msgh_bits = MACH_MSGH_BITS(MACH_MSG_TYPE_MOVE_SEND_ONCE, 0);
    reply.head.msgh_remote_port = replyPort;
    reply.head.msgh_local_port = MACH_PORT_NULL;
    reply.head.msgh_size = (mach_msg_size_t)(offsetof(exc_reply_t, new_state) + stateCnt * sizeof(natural_t));
    reply.head.msgh_id = reqId + 100;
    reply.ndr = NDR_record;
    reply.retCode = KERN_SUCCESS;
    reply.flavor = flavor;
    reply.new_stateCnt = stateCnt;
    memcpy(reply.new_state, state, stateCnt * sizeof(natural_t));
    return mach_msg(&reply.head, MACH_SEND_MSG, reply.head.msgh_size, 0, MACH_PORT_NULL, MACH_MSG_TIMEOUT_NONE, MACH_PORT_NULL);
}
*/
import "C"

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/blacktop/go-inject/pkg/target"
)

// darwinTarget is the cgo-backed target.Target: every method is a thin
// Go wrapper over one of the static C helpers above, translating
// kern_return_t into an error and copying buffers across the cgo
// boundary.
type darwinTarget struct {
	pid  int
	task C.task_t
}

// Open acquires a send right on pid's task port. The caller must
// already hold whatever privilege task_for_pid itself requires.
func Open(pid int) (target.Target, error) {
	var task C.task_t
	if kr := C.go_task_for_pid(C.int(pid), &task); kr != C.KERN_SUCCESS {
		return nil, krErr("task_for_pid", kr)
	}
	return &darwinTarget{pid: pid, task: task}, nil
}

func krErr(op string, kr C.kern_return_t) error {
	return fmt.Errorf("%s: kernel status %d", op, int32(kr))
}

func (d *darwinTarget) PID() int { return d.pid }

func (d *darwinTarget) DyldInfo() (uint64, uint64, error) {
	var addr C.mach_vm_address_t
	var size C.mach_vm_size_t
	if kr := C.go_dyld_info(d.task, &addr, &size); kr != C.KERN_SUCCESS {
		return 0, 0, krErr("task_info(TASK_DYLD_INFO)", kr)
	}
	return uint64(addr), uint64(size), nil
}

func (d *darwinTarget) ReadMemory(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	kr := C.go_read(d.task, C.mach_vm_address_t(addr), C.mach_vm_size_t(n), unsafe.Pointer(&buf[0]))
	if kr != C.KERN_SUCCESS {
		return nil, krErr("mach_vm_read_overwrite", kr)
	}
	return buf, nil
}

func (d *darwinTarget) WriteMemory(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	kr := C.go_write(d.task, C.mach_vm_address_t(addr), unsafe.Pointer(&data[0]), C.mach_msg_type_number_t(len(data)))
	if kr != C.KERN_SUCCESS {
		return krErr("mach_vm_write", kr)
	}
	return nil
}

func (d *darwinTarget) AllocateMemory(size uint64) (uint64, error) {
	var addr C.mach_vm_address_t
	if kr := C.go_alloc(d.task, &addr, C.mach_vm_size_t(size)); kr != C.KERN_SUCCESS {
		return 0, krErr("mach_vm_allocate", kr)
	}
	return uint64(addr), nil
}

func (d *darwinTarget) DeallocateMemory(addr, size uint64) error {
	if kr := C.go_dealloc(d.task, C.mach_vm_address_t(addr), C.mach_vm_size_t(size)); kr != C.KERN_SUCCESS {
		return krErr("mach_vm_deallocate", kr)
	}
	return nil
}

func (d *darwinTarget) CreateThread() (target.ThreadID, error) {
	var thread C.thread_act_t
	if kr := C.go_create_thread(d.task, &thread); kr != C.KERN_SUCCESS {
		return 0, krErr("thread_create", kr)
	}
	return target.ThreadID(thread), nil
}

func (d *darwinTarget) SetThreadState(t target.ThreadID, flavor int32, state []uint32) error {
	kr := C.go_set_state(C.thread_act_t(t), C.thread_state_flavor_t(flavor),
		(*C.natural_t)(unsafe.Pointer(&state[0])), C.mach_msg_type_number_t(len(state)))
	if kr != C.KERN_SUCCESS {
		return krErr("thread_set_state", kr)
	}
	return nil
}

func (d *darwinTarget) ResumeThread(t target.ThreadID) error {
	if kr := C.go_resume(C.thread_act_t(t)); kr != C.KERN_SUCCESS {
		return krErr("thread_resume", kr)
	}
	return nil
}

func (d *darwinTarget) TerminateThread(t target.ThreadID) error {
	if kr := C.go_terminate(C.thread_act_t(t)); kr != C.KERN_SUCCESS {
		return krErr("thread_terminate", kr)
	}
	return nil
}

func (d *darwinTarget) AllocatePort() (target.PortID, error) {
	var port C.mach_port_t
	if kr := C.go_alloc_port(&port); kr != C.KERN_SUCCESS {
		return 0, krErr("mach_port_allocate", kr)
	}
	return target.PortID(port), nil
}

func (d *darwinTarget) DeallocatePort(p target.PortID) error {
	if kr := C.go_dealloc_port(C.mach_port_t(p)); kr != C.KERN_SUCCESS {
		return krErr("mach_port_deallocate", kr)
	}
	return nil
}

func (d *darwinTarget) SwapExceptionPort(newPort target.PortID, flavor int32) ([]target.ExceptionPortSet, error) {
	var mask C.exception_mask_t
	var port C.mach_port_t
	var behavior C.exception_behavior_t
	var priorFlavor C.thread_state_flavor_t
	var count C.mach_msg_type_number_t

	kr := C.go_swap_exception_port(d.task, C.mach_port_t(newPort), C.thread_state_flavor_t(flavor),
		&mask, &port, &behavior, &priorFlavor, &count)
	if kr != C.KERN_SUCCESS {
		return nil, krErr("task_swap_exception_ports", kr)
	}
	if count == 0 || port == 0 {
		return nil, nil
	}
	return []target.ExceptionPortSet{{
		Mask:     uint32(mask),
		Port:     target.PortID(port),
		Behavior: int32(behavior),
		Flavor:   int32(priorFlavor),
	}}, nil
}

func (d *darwinTarget) RestoreExceptionPort(prior target.ExceptionPortSet) error {
	kr := C.go_restore_exception_port(d.task, C.exception_mask_t(prior.Mask), C.mach_port_t(prior.Port),
		C.exception_behavior_t(prior.Behavior), C.thread_state_flavor_t(prior.Flavor))
	if kr != C.KERN_SUCCESS {
		return krErr("task_set_exception_ports", kr)
	}
	return nil
}

func (d *darwinTarget) ReceiveException(ctx context.Context, port target.PortID) (*target.ExceptionMessage, error) {
	var msg C.exc_msg_t
	if kr := C.go_recv(C.mach_port_t(port), &msg); kr != C.KERN_SUCCESS {
		return nil, krErr("mach_msg(MACH_RCV_MSG)", kr)
	}

	n := int(msg.old_stateCnt)
	if n > len(msg.old_state) {
		return nil, fmt.Errorf("exception message state count %d exceeds buffer", n)
	}
	state := make([]uint32, n)
	for i := 0; i < n; i++ {
		state[i] = uint32(msg.old_state[i])
	}

	return &target.ExceptionMessage{
		ID:        int32(msg.head.msgh_id),
		Thread:    target.ThreadID(msg.thread.name),
		Task:      target.PortID(msg.task.name),
		Flavor:    int32(msg.flavor),
		State:     state,
		Complex:   msg.head.msgh_bits&C.MACH_MSGH_BITS_COMPLEX != 0,
		NumPorts:  int(msg.body.msgh_descriptor_count),
		ReplyPort: target.PortID(msg.head.msgh_remote_port),
	}, nil
}

func (d *darwinTarget) ReplyException(msg *target.ExceptionMessage, newState []uint32) error {
	raw := make([]C.natural_t, len(newState))
	for i, w := range newState {
		raw[i] = C.natural_t(w)
	}

	var ptr *C.natural_t
	if len(raw) > 0 {
		ptr = &raw[0]
	}
	kr := C.go_reply(C.mach_port_t(msg.ReplyPort), C.mach_msg_id_t(msg.ID), ptr, C.mach_msg_type_number_t(len(raw)), C.int(msg.Flavor))
	if kr != C.KERN_SUCCESS {
		return krErr("mach_msg(MACH_SEND_MSG)", kr)
	}
	return nil
}

func (d *darwinTarget) Close() error {
	if kr := C.go_dealloc_port(C.mach_port_t(d.task)); kr != C.KERN_SUCCESS {
		return krErr("mach_port_deallocate(task)", kr)
	}
	return nil
}
