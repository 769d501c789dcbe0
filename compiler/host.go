package compiler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/mwrun"
	"github.com/wippyai/mwrun/errors"
	"github.com/wippyai/mwrun/memory"
	"github.com/wippyai/mwrun/source"
	"github.com/wippyai/mwrun/wasi"
	"github.com/wippyai/mwrun/wasm"
)

// State is the lifecycle state of a Host.
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	i32 = wasm.ValI32

	sigAllocate = wasm.FuncType{Params: []wasm.ValType{i32}, Results: []wasm.ValType{i32}}
	sigFree     = wasm.FuncType{Params: []wasm.ValType{i32}}
	sigCompile  = wasm.FuncType{Params: []wasm.ValType{i32}, Results: []wasm.ValType{i32}}
	sigSize     = wasm.FuncType{Results: []wasm.ValType{i32}}
	sigVersion  = wasm.FuncType{Results: []wasm.ValType{i32}}
	sigStrlen   = wasm.FuncType{Params: []wasm.ValType{i32}, Results: []wasm.ValType{i32}}
)

type exportFuncs struct {
	allocate  api.Function
	free      api.Function
	compile   api.Function
	codeSize  api.Function
	version   api.Function
	strlen    api.Function
	highlight api.Function
}

// Host owns the trusted compiler module.
type Host struct {
	runtime wazero.Runtime
	logger  *zap.Logger
	done    chan struct{}
	loadErr error
	mod     api.Module
	arena   *memory.Arena
	fns     exportFuncs
	version string
	opts    Options

	mu     sync.Mutex // guards state, loadErr, closed
	exec   sync.Mutex // serializes calls into the module
	state  State
	closed bool
	live   int
}

var _ mwrun.Allocator = (*Host)(nil)

// New creates an unloaded host bound to r.
func New(r wazero.Runtime, opts Options) *Host {
	opts = opts.withDefaults()
	return &Host{
		runtime: r,
		opts:    opts,
		logger:  opts.Logger.Named("compiler"),
		done:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Version returns the module's version string, or "" if it exports none.
func (h *Host) Version() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// ScratchSize returns the source buffer capacity in bytes.
func (h *Host) ScratchSize() uint32 {
	return h.opts.ScratchSize
}

// Arena returns the module's memory, or nil before the host is ready.
func (h *Host) Arena() *memory.Arena {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.arena
}

// Wait blocks until Load has finished, returning the load error if any.
func (h *Host) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load fetches, compiles and instantiates the trusted module. It can be
// attempted once; a failure is terminal.
func (h *Host) Load(ctx context.Context, src source.ByteSource) error {
	h.mu.Lock()
	if h.state != StateUnloaded {
		state, cause := h.state, h.loadErr
		h.mu.Unlock()
		return errors.InvalidState(errors.PhaseLoad, "load already attempted (state "+state.String()+")", cause)
	}
	h.state = StateLoading
	h.mu.Unlock()

	start := time.Now()
	err := h.load(ctx, src)

	h.mu.Lock()
	if err != nil {
		h.state = StateFailed
		h.loadErr = err
	} else {
		h.state = StateReady
	}
	close(h.done)
	h.mu.Unlock()

	if err != nil {
		h.logger.Error("load failed", zap.Stringer("source", src), zap.Error(err))
		return err
	}
	h.logger.Info("loaded",
		zap.Stringer("source", src),
		zap.String("version", h.version),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (h *Host) load(ctx context.Context, src source.ByteSource) error {
	data, err := src.Fetch(ctx)
	if err != nil {
		if errors.IsLoad(err) {
			return err
		}
		return errors.Load("fetch "+src.String(), err)
	}

	iface, err := wasm.ParseInterface(data)
	if err != nil {
		return errors.Load("parse trusted module", err)
	}
	var foreign []string
	for _, imp := range iface.Imports {
		if imp.Module != wasi.ModuleName || imp.Kind != wasm.KindFunc {
			foreign = append(foreign, imp.Module+"."+imp.Name+" ("+wasm.KindName(imp.Kind)+")")
		}
	}
	if len(foreign) > 0 {
		return errors.New(errors.PhaseLoad, errors.KindMissingImport).
			Module(h.opts.ModuleName).
			Detail("only %s functions can be supplied, module imports %s", wasi.ModuleName, strings.Join(foreign, ", ")).
			Build()
	}

	compiled, err := h.runtime.CompileModule(ctx, data)
	if err != nil {
		return errors.Load("compile trusted module", err)
	}
	if _, err := wasi.Instantiate(ctx, h.runtime, compiled, h.opts.Log, h.logger); err != nil {
		return err
	}
	mod, err := h.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(h.opts.ModuleName).WithStartFunctions())
	if err != nil {
		return errors.Instantiation(errors.PhaseLoad, h.opts.ModuleName, err)
	}

	if err := h.bind(ctx, mod, iface); err != nil {
		_ = mod.Close(ctx)
		return err
	}
	return nil
}

// bind resolves exports, runs the reactor initializer and reads the version.
func (h *Host) bind(ctx context.Context, mod api.Module, iface *wasm.Interface) error {
	ex := h.opts.Exports

	var problems []string
	require := func(name string, want wasm.FuncType) api.Function {
		sig, ok := iface.ExportedFunc(name)
		if !ok {
			problems = append(problems, "missing "+name)
			return nil
		}
		if !sig.Equal(want) {
			problems = append(problems, name+" is "+sig.String()+", want "+want.String())
			return nil
		}
		return mod.ExportedFunction(name)
	}
	optional := func(name string, want wasm.FuncType) api.Function {
		sig, ok := iface.ExportedFunc(name)
		if !ok {
			return nil
		}
		if !sig.Equal(want) {
			h.logger.Warn("ignoring optional export with unexpected signature",
				zap.String("export", name), zap.Stringer("signature", sig))
			return nil
		}
		return mod.ExportedFunction(name)
	}

	fns := exportFuncs{
		allocate:  require(ex.Allocate, sigAllocate),
		free:      require(ex.Free, sigFree),
		compile:   require(ex.Compile, sigCompile),
		codeSize:  require(ex.CodeSize, sigSize),
		version:   optional(ex.Version, sigVersion),
		strlen:    optional(ex.Strlen, sigStrlen),
		highlight: optional(ex.Highlight, sigCompile),
	}
	mem := mod.ExportedMemory("memory")
	if mem == nil {
		problems = append(problems, "missing memory")
	}
	if len(problems) > 0 {
		kind := errors.KindMissingExport
		for _, p := range problems {
			if !strings.HasPrefix(p, "missing ") {
				kind = errors.KindSignatureMismatch
				break
			}
		}
		return errors.New(errors.PhaseLoad, kind).
			Module(h.opts.ModuleName).
			Detail("required exports: %s", strings.Join(problems, "; ")).
			Build()
	}

	if init, ok := iface.ExportedFunc(ex.Initialize); ok && len(init.Params) == 0 {
		if _, err := mod.ExportedFunction(ex.Initialize).Call(ctx); err != nil {
			return errors.Load("call "+ex.Initialize, err)
		}
	}

	arena := memory.NewArena(h.opts.ModuleName, mem)

	var version string
	switch {
	case fns.version != nil && fns.strlen != nil:
		res, err := fns.version.Call(ctx)
		if err == nil {
			version, err = arena.ReadCString(ctx, api.DecodeU32(res[0]), strlenOf(fns.strlen))
		}
		if err != nil {
			h.logger.Warn("version unreadable", zap.Error(err))
			version = ""
		}
	case fns.version != nil:
		h.logger.Warn("version export present without a length query", zap.String("strlen", ex.Strlen))
	}

	h.mu.Lock()
	h.mod = mod
	h.arena = arena
	h.fns = fns
	h.version = version
	h.mu.Unlock()
	return nil
}

func strlenOf(fn api.Function) memory.LengthFunc {
	return func(ctx context.Context, offset uint32) (uint32, error) {
		res, err := fn.Call(ctx, uint64(offset))
		if err != nil {
			return 0, err
		}
		return api.DecodeU32(res[0]), nil
	}
}

// ready returns an error unless the host can serve calls.
func (h *Host) ready(phase errors.Phase) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.closed:
		return errors.InvalidState(phase, "compiler host closed", nil)
	case h.state == StateReady:
		return nil
	case h.state == StateFailed:
		return errors.InvalidState(phase, "compiler failed to load", h.loadErr)
	default:
		return errors.InvalidState(phase, "compiler not loaded (state "+h.state.String()+")", nil)
	}
}

// Alloc reserves size bytes through the module's allocator.
func (h *Host) Alloc(ctx context.Context, size uint32) (uint32, error) {
	if err := h.ready(errors.PhaseMarshal); err != nil {
		return 0, err
	}
	h.exec.Lock()
	defer h.exec.Unlock()
	return h.alloc(ctx, size)
}

func (h *Host) alloc(ctx context.Context, size uint32) (uint32, error) {
	res, err := h.fns.allocate.Call(ctx, uint64(size))
	if err != nil {
		return 0, errors.AllocationFailed(errors.PhaseMarshal, size, err)
	}
	ptr := api.DecodeU32(res[0])
	if ptr == 0 {
		return 0, errors.AllocationFailed(errors.PhaseMarshal, size, nil)
	}
	if err := h.arena.Check(memory.Span{Offset: ptr, Length: size}); err != nil {
		return 0, errors.AllocationFailed(errors.PhaseMarshal, size, err)
	}
	return ptr, nil
}

// Free returns ptr to the module's allocator.
func (h *Host) Free(ctx context.Context, ptr uint32) error {
	if err := h.ready(errors.PhaseMarshal); err != nil {
		return err
	}
	h.exec.Lock()
	defer h.exec.Unlock()
	return h.free(ctx, ptr)
}

func (h *Host) free(ctx context.Context, ptr uint32) error {
	if _, err := h.fns.free.Call(ctx, uint64(ptr)); err != nil {
		return errors.Wrap(errors.PhaseMarshal, errors.KindAllocation, err, "free")
	}
	return nil
}

// withSource copies text into a fresh scratch buffer, runs fn on it and
// frees the buffer on every exit path. Callers hold h.exec.
func (h *Host) withSource(ctx context.Context, phase errors.Phase, text string, fn func(ptr uint32) error) (err error) {
	capacity := h.opts.ScratchSize
	if need := uint64(len(text)) + 1; need > uint64(capacity) {
		return errors.New(phase, errors.KindCapacity).
			Value(need).
			Detail("source needs %d bytes with terminator, scratch holds %d", need, capacity).
			Build()
	}

	ptr, err := h.alloc(ctx, capacity)
	if err != nil {
		return errors.Wrap(phase, errors.KindAllocation, err, "allocate scratch")
	}
	defer func() {
		if ferr := h.free(ctx, ptr); ferr != nil {
			h.logger.Warn("scratch free failed", zap.Uint32("ptr", ptr), zap.Error(ferr))
			if err == nil {
				err = ferr
			}
		}
	}()

	if err := h.arena.WriteCString(memory.Span{Offset: ptr, Length: capacity}, text); err != nil {
		return errors.Wrap(phase, errors.KindCapacity, err, "write source")
	}
	return fn(ptr)
}

// Compile turns source text into guest bytecode. A nil artifact with a
// compile_failed error means the module rejected the source; its
// diagnostics were written to the log sink.
func (h *Host) Compile(ctx context.Context, text string) (*Artifact, error) {
	if err := h.ready(errors.PhaseCompile); err != nil {
		return nil, err
	}
	h.exec.Lock()
	defer h.exec.Unlock()

	var art *Artifact
	err := h.withSource(ctx, errors.PhaseCompile, text, func(src uint32) error {
		res, err := h.fns.compile.Call(ctx, uint64(src))
		if err != nil {
			return errors.New(errors.PhaseCompile, errors.KindTrap).
				Module(h.opts.ModuleName).
				Cause(err).
				Detail("compiler trapped").
				Build()
		}
		ptr := api.DecodeU32(res[0])

		res, err = h.fns.codeSize.Call(ctx)
		if err != nil {
			return errors.New(errors.PhaseCompile, errors.KindTrap).
				Module(h.opts.ModuleName).
				Cause(err).
				Detail("code size query trapped").
				Build()
		}
		size := api.DecodeU32(res[0])
		if size == 0 {
			return errors.CompileFailed()
		}

		span := memory.Span{Offset: ptr, Length: size}
		if err := h.arena.Check(span); err != nil {
			return errors.Wrap(errors.PhaseCompile, errors.KindOutOfBounds, err, "artifact outside compiler memory")
		}
		art = &Artifact{host: h, span: span}
		return nil
	})
	if err != nil {
		if errors.HasKind(err, errors.KindCompileFailed) {
			h.logger.Debug("compile rejected source", zap.Int("source_bytes", len(text)))
		}
		return nil, err
	}

	h.mu.Lock()
	h.live++
	live := h.live
	h.mu.Unlock()
	if live > 1 {
		h.logger.Warn("previous artifact not released", zap.Int("live", live))
	}
	h.logger.Debug("compiled",
		zap.Int("source_bytes", len(text)),
		zap.Uint32("offset", art.span.Offset),
		zap.Uint32("size", art.span.Length),
	)
	return art, nil
}

// Release frees an artifact through the module's allocator. Releasing the
// same artifact twice is reported, not forwarded. On a closed or failed
// host nothing is freed and the artifact is left unreleased.
func (h *Host) Release(ctx context.Context, a *Artifact) error {
	if a == nil {
		return nil
	}
	if a.host != h {
		return errors.InvalidInput(errors.PhaseCompile, "artifact belongs to another compiler host")
	}
	if err := h.ready(errors.PhaseCompile); err != nil {
		return err
	}
	if !a.released.CompareAndSwap(false, true) {
		return errors.InvalidState(errors.PhaseCompile, "artifact already released", nil)
	}

	h.exec.Lock()
	err := h.free(ctx, a.span.Offset)
	h.exec.Unlock()
	if err != nil {
		// The allocator state is unknown, so the artifact stays released.
		return err
	}

	h.mu.Lock()
	h.live--
	h.mu.Unlock()
	return nil
}

// Highlight returns the module's highlighted rendering of text.
func (h *Host) Highlight(ctx context.Context, text string) (string, error) {
	if err := h.ready(errors.PhaseCompile); err != nil {
		return "", err
	}
	if h.fns.highlight == nil || h.fns.strlen == nil {
		return "", errors.Unsupported(errors.PhaseCompile, "compiler does not export "+h.opts.Exports.Highlight)
	}
	h.exec.Lock()
	defer h.exec.Unlock()

	var out string
	err := h.withSource(ctx, errors.PhaseCompile, text, func(src uint32) error {
		res, err := h.fns.highlight.Call(ctx, uint64(src))
		if err != nil {
			return errors.New(errors.PhaseCompile, errors.KindTrap).Cause(err).Detail("highlighter trapped").Build()
		}
		ptr := api.DecodeU32(res[0])
		if ptr == 0 {
			return errors.New(errors.PhaseCompile, errors.KindCompileFailed).Detail("highlighter returned null").Build()
		}
		defer func() {
			if ferr := h.free(ctx, ptr); ferr != nil {
				h.logger.Warn("highlight result free failed", zap.Error(ferr))
			}
		}()
		out, err = h.arena.ReadCString(ctx, ptr, strlenOf(h.fns.strlen))
		return err
	})
	return out, err
}

// Close releases the module instance. Live artifacts become invalid.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	mod := h.mod
	h.mu.Unlock()

	if mod == nil {
		return nil
	}
	h.exec.Lock()
	defer h.exec.Unlock()
	return mod.Close(ctx)
}
