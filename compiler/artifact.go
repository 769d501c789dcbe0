package compiler

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/wippyai/mwrun/errors"
	"github.com/wippyai/mwrun/memory"
)

// Artifact is a span of guest bytecode in the compiler's memory, owned by
// the compiler's allocator until released.
type Artifact struct {
	host     *Host
	span     memory.Span
	released atomic.Bool
}

// Span returns the artifact's location in the compiler's memory.
func (a *Artifact) Span() memory.Span {
	return a.span
}

// Size returns the bytecode length.
func (a *Artifact) Size() uint32 {
	return a.span.Length
}

// Released reports whether Release has been called.
func (a *Artifact) Released() bool {
	return a.released.Load()
}

// Bytes copies the bytecode out of the compiler's memory. The span is
// re-validated because the memory may have grown or been reused.
func (a *Artifact) Bytes() ([]byte, error) {
	if a.released.Load() {
		return nil, errors.InvalidState(errors.PhaseMarshal, "artifact already released", nil)
	}
	if err := a.host.ready(errors.PhaseMarshal); err != nil {
		return nil, err
	}
	a.host.exec.Lock()
	defer a.host.exec.Unlock()
	return a.host.arena.Read(a.span)
}

// WriteTo writes the bytecode verbatim, with no framing.
func (a *Artifact) WriteTo(w io.Writer) (int64, error) {
	b, err := a.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// Release frees the artifact through its compiler host.
func (a *Artifact) Release(ctx context.Context) error {
	return a.host.Release(ctx, a)
}
