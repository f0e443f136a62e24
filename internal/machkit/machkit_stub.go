//go:build !darwin || !cgo

package machkit

import (
	"fmt"
	"runtime"

	"github.com/blacktop/go-inject/pkg/target"
)

// Open always fails on this build: the real implementation needs cgo
// and the Mach task/thread/exception calls that only exist on Darwin.
// This stub exists solely so the portable packages (and their tests)
// compile and run on any host.
func Open(pid int) (target.Target, error) {
	return nil, fmt.Errorf("machkit: unsupported on %s (requires darwin+cgo)", runtime.GOOS)
}
