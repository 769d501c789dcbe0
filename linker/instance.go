package linker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/mwrun"
	"github.com/wippyai/mwrun/compiler"
	"github.com/wippyai/mwrun/errors"
	"github.com/wippyai/mwrun/memory"
	"github.com/wippyai/mwrun/wasm"
)

var instanceCounter uint64

// ExecutionResult reports one run of the entry export. A trap is part of
// the result, not an error.
type ExecutionResult struct {
	// ReturnValue is nil, int32, int64, float32 or float64 according to
	// the entry export's result type.
	ReturnValue any
	Trap        error
	Artifact    *compiler.Artifact
	// Diagnostics lists host callback misuse seen during the run.
	Diagnostics []string
	Elapsed     time.Duration
	Trapped     bool
}

// Instance is a linked guest together with the host modules backing it.
// NOT thread-safe.
type Instance struct {
	linker    *Linker
	guest     api.Module
	start     api.Function
	compiled  wazero.CompiledModule
	arena     *memory.Arena
	iface     *wasm.Interface
	artifact  *compiler.Artifact
	logSink   mwrun.LogSink
	imageSink mwrun.ImageSink
	logger    *zap.Logger
	modules   []api.Module
	pending   []byte
	diags     []string
	id        uint64
	closed    atomic.Bool
}

func newInstance(l *Linker, iface *wasm.Interface, compiled wazero.CompiledModule, a *compiler.Artifact) *Instance {
	id := atomic.AddUint64(&instanceCounter, 1)
	return &Instance{
		linker:    l,
		iface:     iface,
		compiled:  compiled,
		artifact:  a,
		logSink:   l.opts.Log,
		imageSink: l.opts.Image,
		logger:    l.logger.With(zap.Uint64("instance", id)),
		id:        id,
	}
}

// ID returns a process-unique instance number.
func (inst *Instance) ID() uint64 {
	return inst.id
}

// Arena returns the guest's linear memory.
func (inst *Instance) Arena() *memory.Arena {
	return inst.arena
}

// Interface returns the guest's parsed imports and exports.
func (inst *Instance) Interface() *wasm.Interface {
	return inst.iface
}

// Artifact returns the artifact the guest was linked from, or nil.
func (inst *Instance) Artifact() *compiler.Artifact {
	return inst.artifact
}

// Closed reports whether the instance was closed or superseded.
func (inst *Instance) Closed() bool {
	return inst.closed.Load()
}

// Diagnostics returns the host callback misuse recorded by the last
// Execute or Invoke.
func (inst *Instance) Diagnostics() []string {
	return append([]string(nil), inst.diags...)
}

// Execute calls the entry export with no arguments. The returned error is
// only non-nil when the instance cannot run at all.
func (inst *Instance) Execute(ctx context.Context) (*ExecutionResult, error) {
	if inst.closed.Load() {
		return nil, errors.InvalidState(errors.PhaseRuntime, "guest instance closed", nil)
	}
	entry := inst.linker.abi.EntryExport
	sig, _ := inst.iface.ExportedFunc(entry)

	inst.diags = nil
	start := time.Now()
	out, err := inst.start.Call(ctx)
	inst.flushChars()

	res := &ExecutionResult{
		Artifact:    inst.artifact,
		Diagnostics: inst.Diagnostics(),
		Elapsed:     time.Since(start),
	}
	if err != nil {
		res.Trapped = true
		res.Trap = errors.Trap(entry, err)
		inst.logger.Info("guest trapped", zap.String("export", entry), zap.Error(err))
		return res, nil
	}
	res.ReturnValue = decodeResult(sig.Results, out)
	inst.logger.Debug("guest executed",
		zap.Any("result", res.ReturnValue),
		zap.Duration("elapsed", res.Elapsed),
		zap.Int("diagnostics", len(res.Diagnostics)),
	)
	return res, nil
}

// Invoke calls any exported function. Arguments are converted to the
// export's parameter types; a trap is returned as an errors.KindTrap error.
func (inst *Instance) Invoke(ctx context.Context, export string, args ...float64) ([]uint64, error) {
	if inst.closed.Load() {
		return nil, errors.InvalidState(errors.PhaseRuntime, "guest instance closed", nil)
	}
	sig, ok := inst.iface.ExportedFunc(export)
	if !ok {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", export)
	}
	if len(args) != len(sig.Params) {
		return nil, errors.InvalidInput(errors.PhaseRuntime,
			fmt.Sprintf("%s takes %d arguments, got %d", export, len(sig.Params), len(args)))
	}
	params := make([]uint64, len(args))
	for i, v := range args {
		params[i] = encodeArg(sig.Params[i], v)
	}

	inst.diags = nil
	out, err := inst.guest.ExportedFunction(export).Call(ctx, params...)
	inst.flushChars()
	if err != nil {
		return nil, errors.Trap(export, err)
	}
	return out, nil
}

func encodeArg(t wasm.ValType, v float64) uint64 {
	switch t {
	case wasm.ValI32:
		return api.EncodeI32(int32(v))
	case wasm.ValI64:
		return api.EncodeI64(int64(v))
	case wasm.ValF32:
		return api.EncodeF32(float32(v))
	default:
		return api.EncodeF64(v)
	}
}

func (inst *Instance) log(text string) {
	inst.logSink(text)
}

// Close tears the instance down. The linker forgets it, so the next
// Instantiate does not close it twice.
func (inst *Instance) Close(ctx context.Context) error {
	l := inst.linker
	l.mu.Lock()
	if l.current == inst {
		l.current = nil
	}
	l.mu.Unlock()
	return inst.close(ctx)
}

// close closes modules in reverse instantiation order.
func (inst *Instance) close(ctx context.Context) error {
	if !inst.closed.CompareAndSwap(false, true) {
		return nil
	}
	var first error
	for i := len(inst.modules) - 1; i >= 0; i-- {
		if err := inst.modules[i].Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	inst.modules = nil
	if inst.compiled != nil {
		if err := inst.compiled.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
