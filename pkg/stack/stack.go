// Package stack manages the single remote memory region the injection
// controller allocates in the target: a small stack used both to carry
// the library path string and, on stack-based calling conventions, to
// carry argument words.
package stack

import (
	"github.com/blacktop/go-inject/pkg/target"
)

// Size is the fixed allocation size for a remote stack region.
const Size = 32 * 1024

// tipMargin keeps the stack pointer comfortably below the top of the
// allocation so a few words can be pushed without touching the guard
// page at the end of the region.
const tipMargin = 256

// Stack is a remote memory region owned exclusively by the controller
// for the lifetime of one injection.
type Stack struct {
	t    target.Target
	Base uint64
	Tip  uint64
}

// Alloc allocates Size bytes in t and writes path, NUL-terminated, at
// the base of the region.
func Alloc(t target.Target, path string) (*Stack, error) {
	base, err := t.AllocateMemory(Size)
	if err != nil {
		return nil, err
	}
	s := &Stack{t: t, Base: base, Tip: base + Size - tipMargin}

	payload := append([]byte(path), 0)
	if err := t.WriteMemory(base, payload); err != nil {
		t.DeallocateMemory(base, Size)
		return nil, err
	}
	return s, nil
}

// Release deallocates the remote region. It is safe to call once,
// unconditionally, on every exit path.
func (s *Stack) Release() error {
	if s == nil {
		return nil
	}
	return s.t.DeallocateMemory(s.Base, Size)
}
