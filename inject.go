// Package inject injects a dynamic library into a running process by
// spawning a thread inside it and driving that thread, through a Mach
// exception handler, into a call to the dynamic loader. See
// pkg/controller for the event loop and pkg/arch for the
// per-architecture calling conventions this depends on.
package inject

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/apex/log"

	"github.com/blacktop/go-inject/internal/machkit"
	"github.com/blacktop/go-inject/pkg/arch"
	"github.com/blacktop/go-inject/pkg/controller"
	"github.com/blacktop/go-inject/pkg/linker"
)

// Inject loads the dynamic library at libPath into the running process
// pid. libPath is canonicalized to an absolute path before being
// written into the target, since the worker thread's dlopen call runs
// with the target's own working directory, not the caller's.
func Inject(pid int, libPath string) error {
	return InjectContext(context.Background(), pid, libPath)
}

// InjectContext is Inject with a caller-supplied context, which is
// passed through to the exception receive. The darwin target blocks in
// that receive without a timeout and does not observe ctx's deadline or
// cancellation.
func InjectContext(ctx context.Context, pid int, libPath string) error {
	absPath, err := filepath.Abs(libPath)
	if err != nil {
		return wrap(InvalidArgument, "inject.path", err)
	}

	family, err := hostFamily()
	if err != nil {
		return wrap(InvalidArgument, "inject.arch", err)
	}
	profile := arch.ForFamily(family)
	if profile == nil {
		return errf(InvalidArgument, "inject.arch", "no calling convention known for %s", family)
	}

	t, err := machkit.Open(pid)
	if err != nil {
		return wrap(KernelFailure, "inject.open", err)
	}
	defer t.Close()

	log.WithField("pid", pid).WithField("lib", absPath).WithField("arch", family.String()).Info("locating dynamic linker")

	addrs, err := linker.Locate(t)
	if err != nil {
		switch {
		case linker.ErrOldDescriptor(err):
			return wrap(NoSpace, "inject.locate", err)
		case linker.ErrMalformed(err):
			return wrap(InvalidArgument, "inject.locate", err)
		default:
			return wrap(InvalidAddress, "inject.locate", err)
		}
	}

	log.WithField("dlopen", fmt.Sprintf("%#x", addrs.DlopenAddr)).
		WithField("syscall", fmt.Sprintf("%#x", addrs.SyscallAddr)).
		Debug("resolved loader addresses")

	if err := controller.Run(ctx, t, profile, addrs, absPath); err != nil {
		return wrap(Failure, "inject.controller", err)
	}

	log.WithField("pid", pid).Info("injection complete")
	return nil
}

// hostFamily maps the running host's own architecture to the
// arch.Family whose calling convention the controller should drive:
// a worker thread spawned inside a target always executes in the
// target's own architecture, which on a single-machine Mach injection
// is the host architecture itself.
func hostFamily() (arch.Family, error) {
	switch runtime.GOARCH {
	case "amd64":
		return arch.X86_64, nil
	case "386":
		return arch.X86_32, nil
	case "arm":
		return arch.ARM32, nil
	case "ppc64", "ppc64le":
		return arch.PPC64, nil
	default:
		return 0, fmt.Errorf("unsupported host architecture %q", runtime.GOARCH)
	}
}
