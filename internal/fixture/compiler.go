package fixture

import (
	"fmt"

	"github.com/wippyai/mwrun/wasm"
)

// UnterminatedCharDiagnostic is what the fake compiler prints for a source
// it does not know.
const UnterminatedCharDiagnostic = "missing end quote for char literal. location (line, col): (2, 5)\n"

// UnterminatedCharSource is a source the fake compiler rejects.
const UnterminatedCharSource = "int main() {\n    'a;\n}\n"

// HeapBase is where the fake compiler's allocator starts once initialized.
const HeapBase = 65536

const (
	iovecAddr = 1024
	dataStart = 1040
)

// Program maps a source text to the guest bytecode it compiles to.
type Program struct {
	Source string
	Guest  []byte
}

// Compiler configures the fake trusted compiler.
type Compiler struct {
	Programs []Program

	// Diagnostic is printed through fd_write for unknown sources.
	// Defaults to UnterminatedCharDiagnostic.
	Diagnostic string

	// Version is returned by the version export; empty omits the export.
	Version string

	// AllocName renames the allocate export (the original names it malloc).
	AllocName string

	// Omit leaves the named exports out.
	Omit []string

	// FailAlloc makes the allocator always return 0.
	FailAlloc bool

	// TrapOnCompile makes compile_code execute unreachable.
	TrapOnCompile bool

	// FreeLimit makes free trap once it has been called that many times.
	// 0 never traps.
	FreeLimit int32

	// ExtraImport adds an import outside wasi_snapshot_preview1.
	ExtraImport bool

	// SkipInitialize leaves out _initialize; the heap then starts at HeapBase.
	SkipInitialize bool
}

// Default returns a compiler that knows "10 + 20" and "你好".
func Default() Compiler {
	return Compiler{
		Version: "mw-fixture 1.0",
		Programs: []Program{
			{Source: "10 + 20", Guest: ReturnI32(30)},
			{Source: "print 你好", Guest: PrintText("你好")},
		},
	}
}

type funcExport struct {
	name string
	idx  uint32
}

type layout struct {
	next uint32
	data []byte
}

func (l *layout) put(b []byte) uint32 {
	addr := l.next
	l.data = append(l.data, b...)
	l.next += uint32(len(b))
	return addr
}

func cstr(s string) []byte {
	return append([]byte(s), 0)
}

// Build encodes the module. It panics on an internal encoding error.
func (c Compiler) Build() []byte {
	data, err := c.build()
	if err != nil {
		panic(fmt.Sprintf("fixture: %v", err))
	}
	return data
}

func (c Compiler) omitted(name string) bool {
	for _, n := range c.Omit {
		if n == name {
			return true
		}
	}
	return false
}

func (c Compiler) build() ([]byte, error) {
	diag := c.Diagnostic
	if diag == "" {
		diag = UnterminatedCharDiagnostic
	}
	allocName := c.AllocName
	if allocName == "" {
		allocName = "allocate"
	}

	l := &layout{next: dataStart}
	diagAddr := l.put([]byte(diag))
	versionAddr := l.put(cstr(c.Version))
	srcAddrs := make([]uint32, len(c.Programs))
	guestAddrs := make([]uint32, len(c.Programs))
	for i, p := range c.Programs {
		srcAddrs[i] = l.put(cstr(p.Source))
		guestAddrs[i] = l.put(p.Guest)
	}
	if l.next > HeapBase {
		return nil, fmt.Errorf("static data %d bytes exceeds heap base", l.next)
	}

	b := wasm.NewBuilder()
	fdWrite := b.ImportFunc("wasi_snapshot_preview1", "fd_write", []wasm.ValType{i32, i32, i32, i32}, []wasm.ValType{i32})
	if c.ExtraImport {
		b.ImportFunc("env", "abort", nil, nil)
	}
	b.SetMemory(wasm.Limits{Min: 16})
	b.ExportMemory("memory")

	heapInit := int32(0)
	if c.SkipInitialize {
		heapInit = HeapBase
	}
	heap := b.AddGlobal(wasm.GlobalType{Type: i32, Mutable: true}, wasm.I32Expr(heapInit))
	codeSize := b.AddGlobal(wasm.GlobalType{Type: i32, Mutable: true}, wasm.I32Expr(0))
	frees := b.AddGlobal(wasm.GlobalType{Type: i32, Mutable: true}, wasm.I32Expr(0))
	b.ExportGlobal("frees", frees)
	b.ExportGlobal("heap", heap)

	// allocate(size) -> ptr, 8-byte aligned bump allocation
	var alloc wasm.Code
	if c.FailAlloc {
		alloc.I32Const(0).End()
	} else {
		alloc.GlobalGet(heap).LocalSet(1).
			GlobalGet(heap).LocalGet(0).Op(wasm.OpI32Add).I32Const(7).Op(wasm.OpI32Add).
			I32Const(-8).Op(wasm.OpI32And).GlobalSet(heap).
			LocalGet(1).End()
	}
	allocate := b.AddFunc([]wasm.ValType{i32}, []wasm.ValType{i32}, []wasm.ValType{i32}, alloc.Bytes())

	// free(ptr) only counts calls
	var free wasm.Code
	if c.FreeLimit > 0 {
		free.GlobalGet(frees).I32Const(c.FreeLimit).Op(wasm.OpI32GeU).
			Op(wasm.OpIf, wasm.BlockTypeVoid).Op(wasm.OpUnreachable).End()
	}
	free.GlobalGet(frees).I32Const(1).Op(wasm.OpI32Add).GlobalSet(frees).End()
	freeIdx := b.AddFunc([]wasm.ValType{i32}, nil, nil, free.Bytes())

	strlen := b.AddFunc([]wasm.ValType{i32}, []wasm.ValType{i32}, []wasm.ValType{i32}, strlenBody())
	streq := b.AddFunc([]wasm.ValType{i32, i32}, []wasm.ValType{i32}, []wasm.ValType{i32, i32}, streqBody())

	var compile wasm.Code
	if c.TrapOnCompile {
		compile.Op(wasm.OpUnreachable)
	}
	for i, p := range c.Programs {
		n := int32(len(p.Guest))
		compile.LocalGet(0).I32Const(int32(srcAddrs[i])).Call(streq).
			Op(wasm.OpIf, wasm.BlockTypeVoid).
			I32Const(n).Call(allocate).LocalTee(1).
			I32Const(int32(guestAddrs[i])).I32Const(n).MemoryCopy().
			I32Const(n).GlobalSet(codeSize).
			LocalGet(1).Op(wasm.OpReturn).
			End()
	}
	compile.I32Const(iovecAddr).I32Const(int32(diagAddr)).Mem(wasm.OpI32Store, 2, 0).
		I32Const(iovecAddr).I32Const(int32(len(diag))).Mem(wasm.OpI32Store, 2, 4).
		I32Const(1).I32Const(iovecAddr).I32Const(1).I32Const(iovecAddr + 8).Call(fdWrite).Op(wasm.OpDrop).
		I32Const(0).GlobalSet(codeSize).
		I32Const(0).End()
	compileIdx := b.AddFunc([]wasm.ValType{i32}, []wasm.ValType{i32}, []wasm.ValType{i32}, compile.Bytes())

	var size wasm.Code
	size.GlobalGet(codeSize).End()
	sizeIdx := b.AddFunc(nil, []wasm.ValType{i32}, nil, size.Bytes())

	// highlight_code(src) returns a fresh copy of src
	var hl wasm.Code
	hl.LocalGet(0).Call(strlen).LocalSet(1).
		LocalGet(1).I32Const(1).Op(wasm.OpI32Add).Call(allocate).LocalSet(2).
		LocalGet(2).LocalGet(0).LocalGet(1).I32Const(1).Op(wasm.OpI32Add).MemoryCopy().
		LocalGet(2).End()
	hlIdx := b.AddFunc([]wasm.ValType{i32}, []wasm.ValType{i32}, []wasm.ValType{i32, i32}, hl.Bytes())

	exports := []funcExport{
		{allocName, allocate},
		{"free", freeIdx},
		{"compile_code", compileIdx},
		{"get_code_size", sizeIdx},
		{"strlen", strlen},
		{"highlight_code", hlIdx},
	}
	if c.Version != "" {
		var v wasm.Code
		v.I32Const(int32(versionAddr)).End()
		exports = append(exports, funcExport{"version", b.AddFunc(nil, []wasm.ValType{i32}, nil, v.Bytes())})
	}
	if !c.SkipInitialize {
		var init wasm.Code
		init.I32Const(HeapBase).GlobalSet(heap).End()
		exports = append(exports, funcExport{"_initialize", b.AddFunc(nil, nil, nil, init.Bytes())})
	}
	for _, e := range exports {
		if !c.omitted(e.name) {
			b.ExportFunc(e.name, e.idx)
		}
	}

	b.AddData(wasm.I32Expr(dataStart), l.data)
	return b.Build()
}

// strlen(p) counts bytes up to the first NUL.
func strlenBody() []byte {
	var c wasm.Code
	c.Op(wasm.OpBlock, wasm.BlockTypeVoid).
		Op(wasm.OpLoop, wasm.BlockTypeVoid).
		LocalGet(0).LocalGet(1).Op(wasm.OpI32Add).Mem(wasm.OpI32Load8U, 0, 0).Op(wasm.OpI32Eqz).
		Op(wasm.OpBrIf).U32(1).
		LocalGet(1).I32Const(1).Op(wasm.OpI32Add).LocalSet(1).
		Op(wasm.OpBr).U32(0).
		End().
		End().
		LocalGet(1).End()
	return c.Bytes()
}

// streq(a, b) compares two NUL-terminated strings.
func streqBody() []byte {
	var c wasm.Code
	c.Op(wasm.OpBlock, wasm.BlockTypeVoid).
		Op(wasm.OpLoop, wasm.BlockTypeVoid).
		LocalGet(0).Mem(wasm.OpI32Load8U, 0, 0).LocalSet(2).
		LocalGet(1).Mem(wasm.OpI32Load8U, 0, 0).LocalSet(3).
		LocalGet(2).LocalGet(3).Op(wasm.OpI32Ne).Op(wasm.OpBrIf).U32(1).
		LocalGet(2).Op(wasm.OpI32Eqz).
		Op(wasm.OpIf, wasm.BlockTypeVoid).I32Const(1).Op(wasm.OpReturn).End().
		LocalGet(0).I32Const(1).Op(wasm.OpI32Add).LocalSet(0).
		LocalGet(1).I32Const(1).Op(wasm.OpI32Add).LocalSet(1).
		Op(wasm.OpBr).U32(0).
		End().
		End().
		I32Const(0).End()
	return c.Bytes()
}
