package wasi

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/mwrun"
	"github.com/wippyai/mwrun/errors"
	"github.com/wippyai/mwrun/memory"
)

// ModuleName is the import namespace served by the shim.
const ModuleName = "wasi_snapshot_preview1"

// Errno is a WASI status code.
type Errno uint32

const (
	ESUCCESS Errno = 0
	EBADF    Errno = 8
	EFAULT   Errno = 21
	EINVAL   Errno = 28
	ENOSYS   Errno = 52
)

// StdoutFD is the only descriptor fd_write forwards.
const StdoutFD = 1

const (
	iovecSize  = 8
	fdstatSize = 24
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// Shim serves wasi_snapshot_preview1 for one runtime.
type Shim struct {
	log    mwrun.LogSink
	logger *zap.Logger
}

// New creates a shim forwarding stdout to log. A nil logger uses the
// package logger.
func New(log mwrun.LogSink, logger *zap.Logger) *Shim {
	if log == nil {
		log = mwrun.Discard
	}
	if logger == nil {
		logger = Logger()
	}
	return &Shim{log: log, logger: logger.Named("wasi")}
}

// Instantiate registers the shim with r. compiled is the module that will
// import it; any function it imports from the namespace that the shim does
// not implement gets an ENOSYS stub with the declared signature.
func Instantiate(ctx context.Context, r wazero.Runtime, compiled wazero.CompiledModule, log mwrun.LogSink, logger *zap.Logger) (api.Module, error) {
	return New(log, logger).Instantiate(ctx, r, compiled)
}

type hostFunc struct {
	fn      api.GoModuleFunc
	params  []api.ValueType
	results []api.ValueType
}

func (s *Shim) functions() map[string]hostFunc {
	return map[string]hostFunc{
		"fd_write":            {s.fdWrite, []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}},
		"environ_sizes_get":   {s.zeroCounts, []api.ValueType{i32, i32}, []api.ValueType{i32}},
		"args_sizes_get":      {s.zeroCounts, []api.ValueType{i32, i32}, []api.ValueType{i32}},
		"environ_get":         {status(ESUCCESS), []api.ValueType{i32, i32}, []api.ValueType{i32}},
		"args_get":            {status(ESUCCESS), []api.ValueType{i32, i32}, []api.ValueType{i32}},
		"fd_prestat_get":      {status(EBADF), []api.ValueType{i32, i32}, []api.ValueType{i32}},
		"fd_prestat_dir_name": {status(EBADF), []api.ValueType{i32, i32, i32}, []api.ValueType{i32}},
		"fd_fdstat_get":       {s.fdFdstatGet, []api.ValueType{i32, i32}, []api.ValueType{i32}},
		"poll_oneoff":         {s.notImplemented("poll_oneoff"), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}},
		"fd_close":            {s.notImplemented("fd_close"), []api.ValueType{i32}, []api.ValueType{i32}},
		"fd_seek":             {s.notImplemented("fd_seek"), []api.ValueType{i32, i64, i32, i32}, []api.ValueType{i32}},
		"proc_exit":           {s.procExit, []api.ValueType{i32}, nil},
	}
}

// Instantiate registers the shim with r. See the package-level Instantiate.
func (s *Shim) Instantiate(ctx context.Context, r wazero.Runtime, compiled wazero.CompiledModule) (api.Module, error) {
	funcs := s.functions()
	b := r.NewHostModuleBuilder(ModuleName)
	for name, f := range funcs {
		b.NewFunctionBuilder().WithGoModuleFunction(f.fn, f.params, f.results).Export(name)
	}

	if compiled != nil {
		for _, def := range compiled.ImportedFunctions() {
			mod, name, ok := def.Import()
			if !ok || mod != ModuleName {
				continue
			}
			if _, known := funcs[name]; known {
				continue
			}
			s.logger.Debug("stubbing unimplemented import", zap.String("name", name))
			b.NewFunctionBuilder().
				WithGoModuleFunction(s.stub(name, len(def.ResultTypes()) > 0), def.ParamTypes(), def.ResultTypes()).
				Export(name)
		}
	}

	m, err := b.Instantiate(ctx)
	if err != nil {
		return nil, errors.Instantiation(errors.PhaseHost, ModuleName, err)
	}
	return m, nil
}

func status(code Errno) api.GoModuleFunc {
	return func(_ context.Context, _ api.Module, stack []uint64) {
		stack[0] = uint64(code)
	}
}

func (s *Shim) notImplemented(name string) api.GoModuleFunc {
	return func(_ context.Context, _ api.Module, stack []uint64) {
		s.logger.Debug("not implemented", zap.String("func", name))
		stack[0] = uint64(ENOSYS)
	}
}

func (s *Shim) stub(name string, hasResult bool) api.GoModuleFunc {
	return func(_ context.Context, _ api.Module, stack []uint64) {
		s.logger.Debug("stub called", zap.String("func", name))
		if hasResult && len(stack) > 0 {
			stack[0] = uint64(ENOSYS)
		}
	}
}

func arenaOf(m api.Module) *memory.Arena {
	mem := m.Memory()
	if mem == nil {
		return nil
	}
	return memory.NewArena(m.Name(), mem)
}

// fdWrite gathers the iovecs of one call into a single sink string.
func (s *Shim) fdWrite(_ context.Context, m api.Module, stack []uint64) {
	fd := api.DecodeU32(stack[0])
	iovs := api.DecodeU32(stack[1])
	iovsLen := api.DecodeU32(stack[2])
	nwritten := api.DecodeU32(stack[3])

	if fd != StdoutFD {
		stack[0] = uint64(EBADF)
		return
	}
	a := arenaOf(m)
	if a == nil {
		stack[0] = uint64(EFAULT)
		return
	}
	total := uint64(iovsLen) * iovecSize
	if total > uint64(^uint32(0)) || a.Check(memory.Span{Offset: iovs, Length: uint32(total)}) != nil {
		stack[0] = uint64(EFAULT)
		return
	}

	var buf []byte
	for i := uint32(0); i < iovsLen; i++ {
		base, _ := a.ReadU32(iovs + i*iovecSize)
		length, _ := a.ReadU32(iovs + i*iovecSize + 4)
		b, err := a.View(memory.Span{Offset: base, Length: length})
		if err != nil {
			s.logger.Warn("fd_write iovec out of range",
				zap.Uint32("buf", base), zap.Uint32("len", length), zap.Error(err))
			stack[0] = uint64(EFAULT)
			return
		}
		buf = append(buf, b...)
	}

	// The gathered text is forwarded even when nwritten cannot be stored.
	s.log(memory.DecodeText(buf))
	if err := a.WriteU32(nwritten, uint32(len(buf))); err != nil {
		stack[0] = uint64(EFAULT)
		return
	}
	stack[0] = uint64(ESUCCESS)
}

func (s *Shim) zeroCounts(_ context.Context, m api.Module, stack []uint64) {
	a := arenaOf(m)
	if a == nil {
		stack[0] = uint64(EFAULT)
		return
	}
	countPtr := api.DecodeU32(stack[0])
	sizePtr := api.DecodeU32(stack[1])
	if a.WriteU32(countPtr, 0) != nil || a.WriteU32(sizePtr, 0) != nil {
		stack[0] = uint64(EFAULT)
		return
	}
	stack[0] = uint64(ESUCCESS)
}

// fdFdstatGet reports the descriptor number as its file type with no flags
// and no rights.
func (s *Shim) fdFdstatGet(_ context.Context, m api.Module, stack []uint64) {
	fd := api.DecodeU32(stack[0])
	buf := api.DecodeU32(stack[1])
	a := arenaOf(m)
	if a == nil {
		stack[0] = uint64(EFAULT)
		return
	}
	stat := make([]byte, fdstatSize)
	stat[0] = byte(fd)
	if err := a.Write(buf, stat); err != nil {
		stack[0] = uint64(EFAULT)
		return
	}
	stack[0] = uint64(ESUCCESS)
}

func (s *Shim) procExit(_ context.Context, _ api.Module, stack []uint64) {
	s.logger.Info("proc_exit is not implemented; returning to caller",
		zap.Uint32("code", api.DecodeU32(stack[0])))
}
