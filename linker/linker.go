package linker

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/mwrun"
	"github.com/wippyai/mwrun/compiler"
	"github.com/wippyai/mwrun/errors"
	"github.com/wippyai/mwrun/memory"
	"github.com/wippyai/mwrun/wasm"
)

// DefaultGuestName is the wazero module name of the linked guest.
const DefaultGuestName = "guest"

// Options configures a Linker.
type Options struct {
	Log       mwrun.LogSink
	Image     mwrun.ImageSink
	Logger    *zap.Logger
	GuestName string
}

func (o Options) withDefaults() Options {
	if o.Log == nil {
		o.Log = mwrun.Discard
	}
	if o.Logger == nil {
		o.Logger = Logger()
	}
	if o.GuestName == "" {
		o.GuestName = DefaultGuestName
	}
	return o
}

// Linker instantiates guests against an ABI. It keeps at most one live
// Instance; the module names it uses are fixed, so a runtime should carry
// a single Linker.
// Thread-safe.
type Linker struct {
	runtime  wazero.Runtime
	logger   *zap.Logger
	sys      wazero.CompiledModule
	current  *Instance
	retained *compiler.Artifact
	opts     Options
	abi      ABI
	mu       sync.Mutex
	closed   bool
}

// New creates a Linker over r.
func New(r wazero.Runtime, abi ABI, opts Options) *Linker {
	opts = opts.withDefaults()
	return &Linker{
		runtime: r,
		abi:     abi,
		opts:    opts,
		logger:  opts.Logger.Named("linker"),
	}
}

// ABI returns the ABI guests are checked against.
func (l *Linker) ABI() ABI {
	return l.abi
}

// Current returns the live instance, or nil.
func (l *Linker) Current() *Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Retained returns the artifact the live instance was linked from, or nil.
func (l *Linker) Retained() *compiler.Artifact {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retained
}

// Instantiate links the artifact's bytecode. The bytes are copied out of
// the compiler's memory first. The previous instance is closed and its
// artifact released, whether or not linking succeeds. The artifact is
// retained until ReleaseRetainedArtifact or the next Instantiate.
func (l *Linker) Instantiate(ctx context.Context, a *compiler.Artifact) (*Instance, error) {
	if a == nil {
		return nil, errors.InvalidInput(errors.PhaseLinking, "nil artifact")
	}
	data, err := a.Bytes()
	if err != nil {
		return nil, err
	}
	return l.instantiate(ctx, data, a)
}

// InstantiateBytes links guest bytecode that did not come from a compiler
// host, such as a previously persisted artifact.
func (l *Linker) InstantiateBytes(ctx context.Context, data []byte) (*Instance, error) {
	return l.instantiate(ctx, append([]byte(nil), data...), nil)
}

func (l *Linker) instantiate(ctx context.Context, data []byte, a *compiler.Artifact) (*Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errors.InvalidState(errors.PhaseLinking, "linker closed", nil)
	}
	l.supersede(ctx, a)

	name := l.opts.GuestName
	iface, err := wasm.ParseInterface(data)
	if err != nil {
		return nil, linkError(name, errors.KindInvalidData, err, "parse guest")
	}
	if err := l.abi.Check(iface); err != nil {
		le := err.(*LinkError)
		le.Module = name
		l.logger.Info("guest rejected", zap.Int("problems", len(le.Problems)), zap.Error(le))
		return nil, le
	}

	compiled, err := l.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, linkError(name, errors.KindInvalidData, err, "compile guest")
	}

	inst := newInstance(l, iface, compiled, a)
	linked := false
	defer func() {
		if !linked {
			_ = inst.close(ctx)
		}
	}()

	if err := inst.link(ctx); err != nil {
		return nil, err
	}
	linked = true

	l.current = inst
	l.retained = a
	l.logger.Debug("guest linked",
		zap.Uint64("instance", inst.id),
		zap.Int("bytes", len(data)),
		zap.Int("imports", len(iface.Imports)),
	)
	return inst, nil
}

// link instantiates the host modules, the sys module and the guest.
func (inst *Instance) link(ctx context.Context) error {
	l := inst.linker
	r := l.runtime

	for _, ns := range []struct{ namespace, as string }{
		{SysModule, HostModule},
		{MathModule, MathModule},
	} {
		entries := l.abi.funcs(ns.namespace)
		if len(entries) == 0 {
			continue
		}
		mod, err := inst.instantiateHost(ctx, r, ns.namespace, ns.as, entries)
		if err != nil {
			return err
		}
		inst.modules = append(inst.modules, mod)
	}

	sysCompiled, err := l.sysModule(ctx)
	if err != nil {
		return err
	}
	sys, err := r.InstantiateModule(ctx, sysCompiled, wazero.NewModuleConfig().WithName(SysModule))
	if err != nil {
		return linkError(SysModule, errors.KindInstantiation, err, "instantiate sys module")
	}
	inst.modules = append(inst.modules, sys)
	inst.arena = memory.NewArena(SysModule, sys.ExportedMemory(MemoryName))

	guest, err := r.InstantiateModule(ctx, inst.compiled,
		wazero.NewModuleConfig().WithName(l.opts.GuestName).WithStartFunctions())
	if err != nil {
		return linkError(l.opts.GuestName, errors.KindInstantiation, err, "instantiate guest")
	}
	inst.modules = append(inst.modules, guest)
	inst.guest = guest
	inst.start = guest.ExportedFunction(l.abi.EntryExport)
	return nil
}

// sysModule compiles the synthesized sys module once per linker. Callers
// hold l.mu.
func (l *Linker) sysModule(ctx context.Context) (wazero.CompiledModule, error) {
	if l.sys != nil {
		return l.sys, nil
	}
	data, err := buildSysModule(l.abi, HostModule)
	if err != nil {
		return nil, linkError(SysModule, errors.KindInvalidData, err, "build sys module")
	}
	compiled, err := l.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, linkError(SysModule, errors.KindInstantiation, err, "compile sys module")
	}
	l.sys = compiled
	return compiled, nil
}

// supersede closes the live instance and releases its artifact unless it
// is being linked again. Callers hold l.mu.
func (l *Linker) supersede(ctx context.Context, next *compiler.Artifact) {
	if prev := l.current; prev != nil {
		l.current = nil
		if err := prev.close(ctx); err != nil {
			l.logger.Warn("close superseded guest", zap.Uint64("instance", prev.id), zap.Error(err))
		}
		l.logger.Debug("guest superseded", zap.Uint64("instance", prev.id))
	}
	if l.retained != nil && l.retained != next {
		if err := l.releaseRetained(ctx); err != nil {
			l.logger.Warn("release superseded artifact", zap.Error(err))
		}
	}
	l.retained = nil
}

// ReleaseRetainedArtifact frees the artifact the live instance was linked
// from. It is a no-op when nothing is retained or the caller already
// released it.
func (l *Linker) ReleaseRetainedArtifact(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseRetained(ctx)
}

func (l *Linker) releaseRetained(ctx context.Context) error {
	a := l.retained
	l.retained = nil
	if a == nil || a.Released() {
		return nil
	}
	return a.Release(ctx)
}

// Close tears down the live instance, releases the retained artifact and
// frees the compiled sys module.
func (l *Linker) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if l.current != nil {
		keep(l.current.close(ctx))
		l.current = nil
	}
	keep(l.releaseRetained(ctx))
	if l.sys != nil {
		keep(l.sys.Close(ctx))
		l.sys = nil
	}
	return first
}

// decodeResult converts the entry export's raw result.
func decodeResult(types []wasm.ValType, out []uint64) any {
	if len(types) == 0 || len(out) == 0 {
		return nil
	}
	switch types[0] {
	case wasm.ValI32:
		return api.DecodeI32(out[0])
	case wasm.ValI64:
		return int64(out[0])
	case wasm.ValF32:
		return api.DecodeF32(out[0])
	case wasm.ValF64:
		return api.DecodeF64(out[0])
	default:
		return out[0]
	}
}
