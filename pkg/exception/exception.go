// Package exception owns the one Mach exception port the controller
// installs over the target's bad-access handler, and validates every
// message that arrives on it before handing state back to the caller.
package exception

import (
	"context"
	"fmt"

	"github.com/blacktop/go-inject/pkg/target"
)

// badAccessMask is EXC_MASK_BAD_ACCESS.
const badAccessMask = 1 << 1

// Broker owns a receive port installed as the target's bad-access
// exception handler for the lifetime of one injection.
type Broker struct {
	t        target.Target
	port     target.PortID
	prior    []target.ExceptionPortSet
	stateCnt int
}

// Install allocates a receive port, swaps it onto the target's
// bad-access exception class using the given thread-state flavor, and
// records whatever handler was previously installed so Restore can put
// it back. It fails if more than one previous handler is returned: the
// controller only ever expects to be replacing a single handler.
func Install(t target.Target, flavor int32, stateCount int) (*Broker, error) {
	port, err := t.AllocatePort()
	if err != nil {
		return nil, fmt.Errorf("allocating exception port: %w", err)
	}

	prior, err := t.SwapExceptionPort(port, flavor)
	if err != nil {
		t.DeallocatePort(port)
		return nil, fmt.Errorf("swapping exception port: %w", err)
	}
	if len(prior) > 1 {
		t.DeallocatePort(port)
		return nil, fmt.Errorf("target had %d prior bad-access handlers, expected at most 1", len(prior))
	}

	return &Broker{t: t, port: port, prior: prior, stateCnt: stateCount}, nil
}

// Recv blocks until one exception message arrives, validating its
// complexity bit, descriptor count, and state-word count against the
// architecture's expected state size.
func (b *Broker) Recv(ctx context.Context) (*target.ExceptionMessage, error) {
	msg, err := b.t.ReceiveException(ctx, b.port)
	if err != nil {
		return nil, fmt.Errorf("receiving exception message: %w", err)
	}
	if !msg.Complex {
		return nil, fmt.Errorf("exception message missing the complex bit")
	}
	if msg.NumPorts < 1 {
		return nil, fmt.Errorf("exception message carries no port descriptors")
	}
	if len(msg.State) != b.stateCnt {
		return nil, fmt.Errorf("exception message state count = %d, want %d", len(msg.State), b.stateCnt)
	}
	return msg, nil
}

// Reply answers msg with newState. The reply's identifier is the
// request's plus 100, per the Mach exception-reply convention; the
// complexity bit is cleared and the return code is zero.
func (b *Broker) Reply(msg *target.ExceptionMessage, newState []uint32) error {
	if len(newState) != b.stateCnt {
		return fmt.Errorf("reply state count = %d, want %d", len(newState), b.stateCnt)
	}
	return b.t.ReplyException(msg, newState)
}

// Restore re-installs the handler that was in place before Install,
// and releases the receive port.
func (b *Broker) Restore() error {
	var firstErr error
	if len(b.prior) == 1 {
		if err := b.t.RestoreExceptionPort(b.prior[0]); err != nil {
			firstErr = fmt.Errorf("restoring prior exception handler: %w", err)
		}
	}
	if err := b.t.DeallocatePort(b.port); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("deallocating exception port: %w", err)
	}
	return firstErr
}
