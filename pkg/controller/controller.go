// Package controller drives the exception-message state machine that
// turns a freshly spawned worker thread into a call to the dynamic
// loader. It is the densest package in this engine, by design: every
// other package exists to hand it an address, a state buffer, or a
// validated message.
package controller

import (
	"context"
	"fmt"

	"github.com/apex/log"

	"github.com/blacktop/go-inject/pkg/arch"
	"github.com/blacktop/go-inject/pkg/exception"
	"github.com/blacktop/go-inject/pkg/stack"
	"github.com/blacktop/go-inject/pkg/target"
)

// progress tracks how far the worker thread has gotten, independent of
// which exception event is being handled.
type progress int

const (
	spawned progress = iota
	loaderCallIssued
	complete
)

// Run executes one full injection against t: it allocates the remote
// stack, installs the exception port, spawns the worker thread, and
// drives the event loop described for InjectionController until the
// worker has made its dlopen call and been torn down.
func Run(ctx context.Context, t target.Target, profile arch.Profile, addrs target.AddressBundle, libPath string) error {
	remoteStack, err := stack.Alloc(t, libPath)
	if err != nil {
		return fmt.Errorf("allocating remote stack: %w", err)
	}
	defer remoteStack.Release()

	spawnState, stackWrite := profile.Spawn(addrs.SyscallAddr, remoteStack.Tip)
	if stackWrite != nil {
		if err := t.WriteMemory(stackWrite.Addr, stackWrite.Data); err != nil {
			return fmt.Errorf("writing spawn stack payload: %w", err)
		}
	}

	broker, err := exception.Install(t, profile.StateFlavor(), profile.StateCount())
	if err != nil {
		return fmt.Errorf("installing exception handler: %w", err)
	}
	defer broker.Restore()

	initiator, err := t.CreateThread()
	if err != nil {
		return fmt.Errorf("creating initiating thread: %w", err)
	}
	initiatorTerminated := false
	defer func() {
		if !initiatorTerminated {
			t.TerminateThread(initiator)
		}
	}()

	if err := t.SetThreadState(initiator, profile.StateFlavor(), spawnState); err != nil {
		return fmt.Errorf("setting initiating thread state: %w", err)
	}
	if err := t.ResumeThread(initiator); err != nil {
		return fmt.Errorf("resuming initiating thread: %w", err)
	}

	return runLoop(ctx, t, profile, broker, addrs, remoteStack, initiator, &initiatorTerminated)
}

func runLoop(ctx context.Context, t target.Target, profile arch.Profile, broker *exception.Broker, addrs target.AddressBundle, remoteStack *stack.Stack, initiator target.ThreadID, initiatorTerminated *bool) error {
	prog := spawned
	for {
		msg, err := broker.Recv(ctx)
		if err != nil {
			return fmt.Errorf("receiving exception: %w", err)
		}

		if msg.Thread == initiator {
			// Event A: the thread we created has returned from its
			// syscall() call into the sentinel; it has done its job.
			log.Debug("initiating thread faulted, terminating it")
			if err := t.TerminateThread(initiator); err != nil {
				return fmt.Errorf("terminating initiating thread: %w", err)
			}
			*initiatorTerminated = true
			continue
		}

		if !profile.IsSentinel(msg.State) {
			return fmt.Errorf("exception at unexpected program counter, thread=%d", msg.Thread)
		}

		switch prog {
		case spawned:
			log.WithField("thread", msg.Thread).Debug("worker thread faulted, issuing loader call")
			newState, stackWrite := profile.CallLoader(msg.State, addrs.DlopenAddr, remoteStack.Base, arch.RTLDLazy, remoteStack.Tip)
			if stackWrite != nil {
				if err := t.WriteMemory(stackWrite.Addr, stackWrite.Data); err != nil {
					return fmt.Errorf("writing loader-call stack payload: %w", err)
				}
			}
			if err := t.SetThreadState(msg.Thread, profile.StateFlavor(), newState); err != nil {
				return fmt.Errorf("setting worker thread state: %w", err)
			}
			if err := broker.Reply(msg, newState); err != nil {
				return fmt.Errorf("replying with loader-call state: %w", err)
			}
			prog = loaderCallIssued
		case loaderCallIssued:
			log.WithField("thread", msg.Thread).Debug("worker thread returned from the loader call, terminating it")
			if err := t.TerminateThread(msg.Thread); err != nil {
				return fmt.Errorf("terminating worker thread: %w", err)
			}
			prog = complete
			return nil
		default:
			return fmt.Errorf("unexpected event ordering, progress=%d", prog)
		}
	}
}
