package linker

import (
	"context"
	"math"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/mwrun/errors"
	"github.com/wippyai/mwrun/memory"
	"github.com/wippyai/mwrun/wasm"
)

// hostFunc is a Go implementation of one ABI function, bound to an Instance.
type hostFunc func(inst *Instance) api.GoModuleFunc

var hostFuncs = map[string]hostFunc{
	SysModule + ".print":        hostPrint,
	SysModule + ".putchar":      hostPutchar,
	SysModule + ".setImageData": hostSetImageData,
	MathModule + ".pow":         mathFunc2(math.Pow),
	MathModule + ".log":         mathFunc1(math.Log),
	MathModule + ".log2":        mathFunc1(math.Log2),
}

// instantiateHost builds one Go host module exposing the ABI functions of
// namespace under the module name as.
func (inst *Instance) instantiateHost(ctx context.Context, r wazero.Runtime, namespace, as string, entries []Entry) (api.Module, error) {
	b := r.NewHostModuleBuilder(as)
	for _, e := range entries {
		impl, ok := hostFuncs[namespace+"."+e.Name]
		if !ok {
			return nil, linkError(as, errors.KindUnsupported, nil, "no host implementation for %s", e)
		}
		b.NewFunctionBuilder().
			WithGoModuleFunction(impl(inst), wasm.APITypes(e.Func.Params), wasm.APITypes(e.Func.Results)).
			WithName(e.Name).
			Export(e.Name)
	}
	mod, err := b.Instantiate(ctx)
	if err != nil {
		return nil, linkError(as, errors.KindInstantiation, err, "instantiate host module")
	}
	return mod, nil
}

// print(ptr, len) forwards a span of guest memory to the log sink.
func hostPrint(inst *Instance) api.GoModuleFunc {
	return func(_ context.Context, _ api.Module, stack []uint64) {
		span := memory.Span{Offset: api.DecodeU32(stack[0]), Length: api.DecodeU32(stack[1])}
		text, err := inst.arena.ReadText(span)
		if err != nil {
			inst.diagnose("print", err)
			return
		}
		inst.flushChars()
		inst.log(text)
	}
}

// putchar(code) forwards one character. Codes up to 0xFF are bytes of a
// UTF-8 sequence and are held until the sequence is complete; larger codes
// are code points.
func hostPutchar(inst *Instance) api.GoModuleFunc {
	return func(_ context.Context, _ api.Module, stack []uint64) {
		code := api.DecodeU32(stack[0])
		if code > 0xFF {
			inst.flushChars()
			r := rune(code)
			if code > utf8.MaxRune || !utf8.ValidRune(r) {
				inst.diagnose("putchar", errors.InvalidData(errors.PhaseHost, "invalid code point"))
				r = utf8.RuneError
			}
			inst.log(string(r))
			return
		}
		inst.pending = append(inst.pending, byte(code))
		inst.drainChars()
	}
}

// drainChars emits every complete character at the front of the pending
// bytes. Invalid bytes are emitted as U+FFFD one at a time.
func (inst *Instance) drainChars() {
	for len(inst.pending) > 0 && utf8.FullRune(inst.pending) {
		r, size := utf8.DecodeRune(inst.pending)
		if r == utf8.RuneError && size == 1 {
			inst.log(string(utf8.RuneError))
		} else {
			inst.log(string(inst.pending[:size]))
		}
		inst.pending = inst.pending[size:]
	}
	if len(inst.pending) == 0 {
		inst.pending = inst.pending[:0:0]
	}
}

// flushChars emits a trailing incomplete sequence, lossily.
func (inst *Instance) flushChars() {
	if len(inst.pending) == 0 {
		return
	}
	inst.log(memory.DecodeText(inst.pending))
	inst.pending = nil
}

// setImageData(ptr, width, height) copies width*height RGBA8 pixels out of
// guest memory and hands them to the image sink.
func hostSetImageData(inst *Instance) api.GoModuleFunc {
	return func(_ context.Context, _ api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		width := api.DecodeU32(stack[1])
		height := api.DecodeU32(stack[2])

		size := uint64(width) * uint64(height) * 4
		if size > math.MaxUint32 {
			inst.diagnose("setImageData",
				errors.Overflow(errors.PhaseHost, size, "32-bit pixel buffer"))
			return
		}
		pixels, err := inst.arena.Read(memory.Span{Offset: ptr, Length: uint32(size)})
		if err != nil {
			inst.diagnose("setImageData", err)
			return
		}
		if inst.imageSink != nil {
			inst.imageSink(pixels, width, height)
		}
	}
}

func mathFunc1(fn func(float64) float64) hostFunc {
	return func(*Instance) api.GoModuleFunc {
		return func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = api.EncodeF64(fn(api.DecodeF64(stack[0])))
		}
	}
}

func mathFunc2(fn func(float64, float64) float64) hostFunc {
	return func(*Instance) api.GoModuleFunc {
		return func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = api.EncodeF64(fn(api.DecodeF64(stack[0]), api.DecodeF64(stack[1])))
		}
	}
}

// diagnose records host callback misuse. The guest keeps running.
func (inst *Instance) diagnose(fn string, err error) {
	msg := fn + ": " + err.Error()
	inst.diags = append(inst.diags, msg)
	inst.logger.Warn("host callback misuse", zap.String("func", fn), zap.Error(err))
}
