package engine

import (
	"context"
	"testing"
	"time"

	"github.com/wippyai/mwrun/errors"
	"github.com/wippyai/mwrun/wasm"
)

// growModule exports grow(pages) -> previous size or -1.
func growModule(t *testing.T) []byte {
	t.Helper()
	b := wasm.NewBuilder()
	b.SetMemory(wasm.Limits{Min: 1})
	b.ExportMemory("memory")
	var c wasm.Code
	c.LocalGet(0).Op(wasm.OpMemoryGrow, 0x00).End()
	b.ExportFunc("grow", b.AddFunc([]wasm.ValType{wasm.ValI32}, []wasm.ValType{wasm.ValI32}, nil, c.Bytes()))
	data, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// spinModule exports spin() which never returns.
func spinModule(t *testing.T) []byte {
	t.Helper()
	b := wasm.NewBuilder()
	var c wasm.Code
	c.Op(wasm.OpLoop, wasm.BlockTypeVoid).Op(wasm.OpBr).U32(0).End().End()
	b.ExportFunc("spin", b.AddFunc(nil, nil, nil, c.Bytes()))
	data, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestMemoryLimit(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, &Config{MemoryLimitPages: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close(ctx)

	mod, err := e.Runtime().Instantiate(ctx, growModule(t))
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	res, err := mod.ExportedFunction("grow").Call(ctx, 8)
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	if int32(res[0]) != -1 {
		t.Errorf("grow past limit = %d, want -1", int32(res[0]))
	}
	res, _ = mod.ExportedFunction("grow").Call(ctx, 3)
	if int32(res[0]) != 1 {
		t.Errorf("grow within limit = %d, want 1", int32(res[0]))
	}
}

func TestInvalidMemoryLimit(t *testing.T) {
	_, err := New(context.Background(), &Config{MemoryLimitPages: 70000})
	if !errors.HasKind(err, errors.KindInvalidInput) {
		t.Fatalf("err = %v, want invalid_input", err)
	}
}

func TestCloseOnContextDone(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, &Config{CloseOnContextDone: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close(ctx)

	mod, err := e.Runtime().Instantiate(ctx, spinModule(t))
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := mod.ExportedFunction("spin").Call(callCtx); err == nil {
		t.Fatal("expected spin to be interrupted")
	}
}

func TestSharedCacheAcrossEngines(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		e, err := New(ctx, &Config{SharedCache: true})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := e.Runtime().Instantiate(ctx, growModule(t)); err != nil {
			t.Fatalf("engine %d: %v", i, err)
		}
		if err := e.Close(ctx); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}

func TestCacheDir(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, &Config{CacheDir: t.TempDir(), Interpreter: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.Runtime().Instantiate(ctx, growModule(t)); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
