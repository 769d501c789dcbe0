package wasm

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/mwrun/errors"
)

func buildGuest(t *testing.T) []byte {
	t.Helper()
	b := NewBuilder()
	printIdx := b.ImportFunc("sys", "print", []ValType{ValI32, ValI32}, nil)
	b.ImportMemory("sys", "memory", Limits{Min: 1})
	base := b.ImportGlobal("sys", "__memory_base", GlobalType{Type: ValI32})

	var c Code
	c.GlobalGet(base).I32Const(5).Call(printIdx).I32Const(30).End()
	start := b.AddFunc(nil, []ValType{ValI32}, nil, c.Bytes())
	b.ExportFunc("_start", start)
	b.AddData(GlobalExpr(base), []byte("hello"))

	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return data
}

func TestBuilderParseInterface(t *testing.T) {
	iface, err := ParseInterface(buildGuest(t))
	if err != nil {
		t.Fatalf("ParseInterface: %v", err)
	}

	if len(iface.Imports) != 3 {
		t.Fatalf("imports = %d, want 3", len(iface.Imports))
	}

	imp, ok := iface.Import("sys", "print")
	if !ok || imp.Kind != KindFunc {
		t.Fatalf("sys.print missing or wrong kind: %+v", imp)
	}
	want := FuncType{Params: []ValType{ValI32, ValI32}}
	if !imp.Func.Equal(want) {
		t.Errorf("sys.print = %s, want %s", imp.Func, want)
	}

	mem, ok := iface.Import("sys", "memory")
	if !ok || mem.Kind != KindMemory || mem.Limits.Min != 1 || mem.Limits.Max != nil {
		t.Errorf("sys.memory = %+v", mem)
	}

	g, ok := iface.Import("sys", "__memory_base")
	if !ok || g.Kind != KindGlobal || g.Global.Type != ValI32 || g.Global.Mutable {
		t.Errorf("sys.__memory_base = %+v", g)
	}

	sig, ok := iface.ExportedFunc("_start")
	if !ok {
		t.Fatal("_start not exported")
	}
	if len(sig.Params) != 0 || len(sig.Results) != 1 || sig.Results[0] != ValI32 {
		t.Errorf("_start = %s", sig)
	}
	if iface.FuncImportCount() != 1 {
		t.Errorf("FuncImportCount = %d, want 1", iface.FuncImportCount())
	}
}

func TestBuilderRunsOnWazero(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	b := NewBuilder()
	b.SetMemory(Limits{Min: 1})
	b.ExportMemory("memory")
	sp := b.AddGlobal(GlobalType{Type: ValI32, Mutable: true}, I32Expr(65536))
	b.ExportGlobal("__stack_pointer", sp)

	// add(a, b) = a + b, with a scratch local to exercise local encoding
	var add Code
	add.LocalGet(0).LocalGet(1).Op(OpI32Add).LocalTee(2).End()
	b.ExportFunc("add", b.AddFunc([]ValType{ValI32, ValI32}, []ValType{ValI32}, []ValType{ValI32}, add.Bytes()))

	var half Code
	half.LocalGet(0).F64Const(0.5).Op(OpF64Mul).End()
	b.ExportFunc("half", b.AddFunc([]ValType{ValF64}, []ValType{ValF64}, nil, half.Bytes()))

	b.AddData(I32Expr(16), []byte("abc"))

	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	mod, err := r.Instantiate(ctx, data)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	res, err := mod.ExportedFunction("add").Call(ctx, 40, 2)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if api.DecodeI32(res[0]) != 42 {
		t.Errorf("add = %d, want 42", api.DecodeI32(res[0]))
	}

	res, err = mod.ExportedFunction("half").Call(ctx, api.EncodeF64(9))
	if err != nil {
		t.Fatalf("half: %v", err)
	}
	if api.DecodeF64(res[0]) != 4.5 {
		t.Errorf("half = %v, want 4.5", api.DecodeF64(res[0]))
	}

	if got, _ := mod.Memory().Read(16, 3); string(got) != "abc" {
		t.Errorf("data segment = %q, want abc", got)
	}
	if g := mod.ExportedGlobal("__stack_pointer"); g == nil || api.DecodeI32(g.Get()) != 65536 {
		t.Error("__stack_pointer not initialized to 65536")
	}
}

func TestBuilderImportAfterDefinition(t *testing.T) {
	b := NewBuilder()
	var c Code
	b.AddFunc(nil, nil, nil, c.End().Bytes())
	b.ImportFunc("sys", "print", []ValType{ValI32, ValI32}, nil)

	if _, err := b.Build(); err == nil {
		t.Fatal("expected error for import declared after definition")
	}
}

func TestBuilderSharesTypes(t *testing.T) {
	b := NewBuilder()
	a := b.AddType([]ValType{ValF64}, []ValType{ValF64})
	c := b.AddType([]ValType{ValF64}, []ValType{ValF64})
	if a != c {
		t.Errorf("identical signatures got indices %d and %d", a, c)
	}
}

func TestParseInterfaceRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", []byte{0x00, 0x61, 0x73, 0x00, 0x01, 0x00, 0x00, 0x00}},
		{"bad version", []byte{0x00, 0x61, 0x73, 0x6d, 0x02, 0x00, 0x00, 0x00}},
		{"section overruns", []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x10, 0x01}},
		{"import with missing type", []byte{
			0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
			0x02, 0x07, 0x01, 0x01, 'a', 0x01, 'b', 0x00, 0x05,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInterface(tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.HasKind(err, errors.KindInvalidData) {
				t.Errorf("error kind: %v", err)
			}
		})
	}
}
