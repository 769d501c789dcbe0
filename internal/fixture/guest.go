package fixture

import (
	"fmt"

	"github.com/wippyai/mwrun/wasm"
)

type importSig struct {
	module  string
	params  []wasm.ValType
	results []wasm.ValType
}

var (
	i32 = wasm.ValI32
	f64 = wasm.ValF64
)

var abiFuncs = map[string]importSig{
	"print":        {"sys", []wasm.ValType{i32, i32}, nil},
	"putchar":      {"sys", []wasm.ValType{i32}, nil},
	"setImageData": {"sys", []wasm.ValType{i32, i32, i32}, nil},
	"pow":          {"math", []wasm.ValType{f64, f64}, []wasm.ValType{f64}},
	"log":          {"math", []wasm.ValType{f64}, []wasm.ValType{f64}},
	"log2":         {"math", []wasm.ValType{f64}, []wasm.ValType{f64}},
}

// Guest assembles a guest module against the host ABI. Static data is laid
// out from __memory_base.
type Guest struct {
	b     *wasm.Builder
	funcs map[string]uint32
	data  []byte

	// Base and SP are the global indices of __memory_base and __stack_pointer.
	Base uint32
	SP   uint32
}

// NewGuest imports the named ABI functions plus sys.memory and both globals.
func NewGuest(funcs ...string) *Guest {
	g := &Guest{b: wasm.NewBuilder(), funcs: map[string]uint32{}}
	for _, name := range funcs {
		sig, ok := abiFuncs[name]
		if !ok {
			panic("fixture: unknown ABI function " + name)
		}
		g.funcs[name] = g.b.ImportFunc(sig.module, name, sig.params, sig.results)
	}
	g.b.ImportMemory("sys", "memory", wasm.Limits{Min: 1})
	g.Base = g.b.ImportGlobal("sys", "__memory_base", wasm.GlobalType{Type: i32})
	g.SP = g.b.ImportGlobal("sys", "__stack_pointer", wasm.GlobalType{Type: i32, Mutable: true})
	return g
}

// Builder exposes the underlying builder for unusual shapes.
func (g *Guest) Builder() *wasm.Builder {
	return g.b
}

// Func returns the function index of an imported ABI function.
func (g *Guest) Func(name string) uint32 {
	idx, ok := g.funcs[name]
	if !ok {
		panic("fixture: " + name + " not imported")
	}
	return idx
}

// Data appends static bytes and returns their offset from __memory_base.
func (g *Guest) Data(b []byte) int32 {
	off := int32(len(g.data))
	g.data = append(g.data, b...)
	return off
}

// Addr pushes __memory_base + off.
func (g *Guest) Addr(c *wasm.Code, off int32) *wasm.Code {
	return c.GlobalGet(g.Base).I32Const(off).Op(wasm.OpI32Add)
}

// Export defines and exports a function.
func (g *Guest) Export(name string, params, results, locals []wasm.ValType, body *wasm.Code) {
	g.b.ExportFunc(name, g.b.AddFunc(params, results, locals, body.Bytes()))
}

// Build encodes the module.
func (g *Guest) Build() []byte {
	if len(g.data) > 0 {
		g.b.AddData(wasm.GlobalExpr(g.Base), g.data)
	}
	out, err := g.b.Build()
	if err != nil {
		panic(fmt.Sprintf("fixture: %v", err))
	}
	return out
}

// ReturnI32 returns a guest whose _start returns v.
func ReturnI32(v int32) []byte {
	g := NewGuest()
	var c wasm.Code
	c.I32Const(v).End()
	g.Export("_start", nil, []wasm.ValType{i32}, nil, &c)
	return g.Build()
}

// ReturnF64 returns a guest whose _start returns v as f64.
func ReturnF64(v float64) []byte {
	g := NewGuest()
	var c wasm.Code
	c.F64Const(v).End()
	g.Export("_start", nil, []wasm.ValType{f64}, nil, &c)
	return g.Build()
}

// PrintText returns a guest that prints text with one print call and
// returns nothing.
func PrintText(text string) []byte {
	g := NewGuest("print")
	off := g.Data([]byte(text))
	var c wasm.Code
	g.Addr(&c, off).I32Const(int32(len(text))).Call(g.Func("print")).End()
	g.Export("_start", nil, nil, nil, &c)
	return g.Build()
}

// Putchars returns a guest calling putchar once per code and returning 0.
func Putchars(codes ...int32) []byte {
	g := NewGuest("putchar")
	var c wasm.Code
	for _, code := range codes {
		c.I32Const(code).Call(g.Func("putchar"))
	}
	c.I32Const(0).End()
	g.Export("_start", nil, []wasm.ValType{i32}, nil, &c)
	return g.Build()
}

// Bytes returns text as putchar codes, one per UTF-8 byte.
func Bytes(text string) []int32 {
	out := make([]int32, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int32(text[i])
	}
	return out
}

// ImageData returns a guest that fills a width*height RGBA buffer at
// __memory_base with a constant byte and hands it to setImageData.
func ImageData(width, height int32) []byte {
	g := NewGuest("setImageData")
	var c wasm.Code
	g.Addr(&c, 0).I32Const(0x7F).I32Const(width * height * 4).
		Op(wasm.OpPrefixMisc).U32(wasm.MiscMemoryFill).Op(0x00)
	g.Addr(&c, 0).I32Const(width).I32Const(height).Call(g.Func("setImageData")).End()
	g.Export("_start", nil, nil, nil, &c)
	return g.Build()
}

// ImageAt returns a guest calling setImageData(ptr, width, height) with
// raw arguments and returning 7.
func ImageAt(ptr, width, height int32) []byte {
	g := NewGuest("setImageData")
	var c wasm.Code
	c.I32Const(ptr).I32Const(width).I32Const(height).Call(g.Func("setImageData")).
		I32Const(7).End()
	g.Export("_start", nil, []wasm.ValType{i32}, nil, &c)
	return g.Build()
}

// Trap returns a guest whose _start executes unreachable.
func Trap() []byte {
	g := NewGuest()
	var c wasm.Code
	c.Op(wasm.OpUnreachable).End()
	g.Export("_start", nil, []wasm.ValType{i32}, nil, &c)
	return g.Build()
}

// BadPrint returns a guest that prints an out-of-range span, then a valid
// one, and returns 7.
func BadPrint() []byte {
	g := NewGuest("print")
	off := g.Data([]byte("after"))
	var c wasm.Code
	c.I32Const(-16).I32Const(100).Call(g.Func("print"))
	g.Addr(&c, off).I32Const(5).Call(g.Func("print"))
	c.I32Const(7).End()
	g.Export("_start", nil, []wasm.ValType{i32}, nil, &c)
	return g.Build()
}

// Math returns a guest computing pow(2, 10) + log2(8) + log(1) = 1027.
func Math() []byte {
	g := NewGuest("pow", "log", "log2")
	var c wasm.Code
	c.F64Const(2).F64Const(10).Call(g.Func("pow")).
		F64Const(8).Call(g.Func("log2")).Op(wasm.OpF64Add).
		F64Const(1).Call(g.Func("log")).Op(wasm.OpF64Add).End()
	g.Export("_start", nil, []wasm.ValType{f64}, nil, &c)
	return g.Build()
}

// StackPointer returns a guest whose _start returns __stack_pointer.
func StackPointer() []byte {
	g := NewGuest()
	var c wasm.Code
	c.GlobalGet(g.SP).End()
	g.Export("_start", nil, []wasm.ValType{i32}, nil, &c)
	return g.Build()
}

// MemoryBase returns a guest whose _start returns __memory_base.
func MemoryBase() []byte {
	g := NewGuest()
	var c wasm.Code
	c.GlobalGet(g.Base).End()
	g.Export("_start", nil, []wasm.ValType{i32}, nil, &c)
	return g.Build()
}

// Render returns a guest with a render(x0, y0, x1, y1 f64) export that
// stores its arguments at __memory_base and passes them to setImageData as
// a 1x8 image, so the image sink receives the 32 argument bytes.
func Render() []byte {
	return RenderAs("render")
}

// RenderAs is Render with the export named export.
func RenderAs(export string) []byte {
	g := NewGuest("setImageData")
	var r wasm.Code
	for i := uint32(0); i < 4; i++ {
		g.Addr(&r, 0).LocalGet(i).Mem(wasm.OpF64Store, 3, i*8)
	}
	g.Addr(&r, 0).I32Const(1).I32Const(8).Call(g.Func("setImageData")).End()
	g.Export(export, []wasm.ValType{f64, f64, f64, f64}, nil, nil, &r)

	var s wasm.Code
	s.I32Const(0).End()
	g.Export("_start", nil, []wasm.ValType{i32}, nil, &s)
	return g.Build()
}

// UnknownImport returns a guest importing env.foo.
func UnknownImport() []byte {
	b := wasm.NewBuilder()
	b.ImportFunc("env", "foo", nil, nil)
	b.ImportMemory("sys", "memory", wasm.Limits{Min: 1})
	var c wasm.Code
	c.Call(0).I32Const(1).End()
	b.ExportFunc("_start", b.AddFunc(nil, []wasm.ValType{i32}, nil, c.Bytes()))
	return mustBuild(b)
}

// WrongPrintSignature returns a guest importing sys.print as (i32) -> ().
func WrongPrintSignature() []byte {
	b := wasm.NewBuilder()
	b.ImportFunc("sys", "print", []wasm.ValType{i32}, nil)
	b.ImportMemory("sys", "memory", wasm.Limits{Min: 1})
	var c wasm.Code
	c.End()
	b.ExportFunc("_start", b.AddFunc(nil, nil, nil, c.Bytes()))
	return mustBuild(b)
}

// MutableBase returns a guest importing __memory_base as mutable.
func MutableBase() []byte {
	b := wasm.NewBuilder()
	b.ImportMemory("sys", "memory", wasm.Limits{Min: 1})
	b.ImportGlobal("sys", "__memory_base", wasm.GlobalType{Type: i32, Mutable: true})
	var c wasm.Code
	c.End()
	b.ExportFunc("_start", b.AddFunc(nil, nil, nil, c.Bytes()))
	return mustBuild(b)
}

// NoMemory returns a guest that does not import sys.memory.
func NoMemory() []byte {
	b := wasm.NewBuilder()
	var c wasm.Code
	c.I32Const(1).End()
	b.ExportFunc("_start", b.AddFunc(nil, []wasm.ValType{i32}, nil, c.Bytes()))
	return mustBuild(b)
}

// NoStart returns a guest exporting main instead of _start.
func NoStart() []byte {
	g := NewGuest()
	var c wasm.Code
	c.I32Const(1).End()
	g.Export("main", nil, []wasm.ValType{i32}, nil, &c)
	return g.Build()
}

// StartWithParams returns a guest whose _start takes an argument.
func StartWithParams() []byte {
	g := NewGuest()
	var c wasm.Code
	c.LocalGet(0).End()
	g.Export("_start", []wasm.ValType{i32}, []wasm.ValType{i32}, nil, &c)
	return g.Build()
}

func mustBuild(b *wasm.Builder) []byte {
	out, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("fixture: %v", err))
	}
	return out
}
