package memory

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/wippyai/mwrun/errors"
	"github.com/wippyai/mwrun/wasm"
)

// newArena instantiates a module exporting a single one-page memory.
func newArena(t *testing.T) *Arena {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	b := wasm.NewBuilder()
	b.SetMemory(wasm.Limits{Min: 1})
	b.ExportMemory("memory")
	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	mod, err := r.Instantiate(ctx, data)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	return NewArena("test", mod.Memory())
}

func fixedLength(n uint32) LengthFunc {
	return func(context.Context, uint32) (uint32, error) { return n, nil }
}

func TestArenaCheck(t *testing.T) {
	a := newArena(t)
	size := a.Size()

	tests := []struct {
		name string
		span Span
		ok   bool
	}{
		{"empty at zero", Span{0, 0}, true},
		{"whole memory", Span{0, size}, true},
		{"empty at end", Span{size, 0}, true},
		{"one past end", Span{size - 1, 2}, false},
		{"offset past end", Span{size + 1, 0}, false},
		{"wraparound", Span{0xFFFFFFFF, 2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Check(tt.span)
			if (err == nil) != tt.ok {
				t.Fatalf("Check(%+v) = %v, want ok=%v", tt.span, err, tt.ok)
			}
			if err != nil && !errors.HasKind(err, errors.KindOutOfBounds) {
				t.Errorf("kind = %v, want out_of_bounds", err)
			}
		})
	}
}

func TestArenaReadCopies(t *testing.T) {
	a := newArena(t)
	if err := a.Write(100, []byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := a.Read(Span{100, 3})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	got[0] = 'z'

	again, _ := a.Read(Span{100, 3})
	if string(again) != "abc" {
		t.Errorf("Read returned an alias: memory now %q", again)
	}

	view, _ := a.View(Span{100, 3})
	view[0] = 'x'
	again, _ = a.Read(Span{100, 3})
	if string(again) != "xbc" {
		t.Errorf("View should alias memory, got %q", again)
	}
}

func TestWriteCString(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		capacity uint32
		kind     errors.Kind
	}{
		{"fits", "int main()", 11, ""},
		{"fits with room", "x", 64, ""},
		{"empty", "", 1, ""},
		{"multibyte exact", "你好", 7, ""},
		{"no room for terminator", "abcd", 4, errors.KindCapacity},
		{"multibyte overflow", "你好", 6, errors.KindCapacity},
		{"zero capacity", "", 0, errors.KindCapacity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newArena(t)
			// Sentinel right after the reserved area must survive.
			sentinel := 200 + tt.capacity
			_ = a.WriteU8(sentinel, 0xAA)

			err := a.WriteCString(Span{200, tt.capacity}, tt.text)
			if tt.kind != "" {
				if !errors.HasKind(err, tt.kind) {
					t.Fatalf("err = %v, want %s", err, tt.kind)
				}
				region, _ := a.Read(Span{200, tt.capacity + 1})
				for i, b := range region[:tt.capacity] {
					if b != 0 {
						t.Fatalf("rejected write touched byte %d", i)
					}
				}
				if region[tt.capacity] != 0xAA {
					t.Error("rejected write touched the sentinel")
				}
				return
			}
			if err != nil {
				t.Fatalf("WriteCString: %v", err)
			}
			got, _ := a.Read(Span{200, uint32(len(tt.text)) + 1})
			if string(got[:len(tt.text)]) != tt.text || got[len(tt.text)] != 0 {
				t.Errorf("memory = %q, want %q + NUL", got, tt.text)
			}
			if b, _ := a.Read(Span{sentinel, 1}); b[0] != 0xAA {
				t.Error("write ran past the reserved area")
			}
		})
	}
}

func TestWriteCStringOutOfBounds(t *testing.T) {
	a := newArena(t)
	err := a.WriteCString(Span{a.Size() - 2, 16}, "hello")
	if !errors.HasKind(err, errors.KindOutOfBounds) {
		t.Fatalf("err = %v, want out_of_bounds", err)
	}
}

func TestReadCString(t *testing.T) {
	a := newArena(t)
	_ = a.WriteCString(Span{300, 16}, "v0.3.1")

	got, err := a.ReadCString(context.Background(), 300, fixedLength(6))
	if err != nil {
		t.Fatalf("ReadCString: %v", err)
	}
	if got != "v0.3.1" {
		t.Errorf("got %q, want v0.3.1", got)
	}

	// The reported length wins over any terminator in memory.
	got, _ = a.ReadCString(context.Background(), 300, fixedLength(2))
	if got != "v0" {
		t.Errorf("got %q, want v0", got)
	}
}

func TestReadCStringErrors(t *testing.T) {
	a := newArena(t)
	_ = a.Write(400, []byte{0xff, 0xfe})

	_, err := a.ReadCString(context.Background(), 400, fixedLength(2))
	if !errors.HasKind(err, errors.KindInvalidUTF8) {
		t.Errorf("invalid utf8: err = %v", err)
	}

	_, err = a.ReadCString(context.Background(), a.Size()-1, fixedLength(8))
	if !errors.HasKind(err, errors.KindOutOfBounds) {
		t.Errorf("overrun: err = %v", err)
	}

	failing := func(context.Context, uint32) (uint32, error) { return 0, context.Canceled }
	_, err = a.ReadCString(context.Background(), 0, failing)
	if err == nil {
		t.Error("expected error from failing length query")
	}
}

func TestReadText(t *testing.T) {
	a := newArena(t)
	_ = a.Write(500, []byte("你好"))

	got, err := a.ReadText(Span{500, 6})
	if err != nil || got != "你好" {
		t.Errorf("ReadText = %q, %v", got, err)
	}

	if got := DecodeText([]byte{'a', 0xff, 'b'}); got != "a�b" {
		t.Errorf("DecodeText = %q", got)
	}
}

func TestU32RoundTrip(t *testing.T) {
	a := newArena(t)
	if err := a.WriteU32(8, 0xDEADBEEF); err != nil {
		t.Fatalf("WriteU32: %v", err)
	}
	v, err := a.ReadU32(8)
	if err != nil || v != 0xDEADBEEF {
		t.Errorf("ReadU32 = %x, %v", v, err)
	}
	if _, err := a.ReadU32(a.Size() - 3); err == nil {
		t.Error("expected out of bounds")
	}
}
