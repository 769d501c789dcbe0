package fixture

import (
	"testing"

	"github.com/wippyai/mwrun/wasm"
)

// Every fixture must at least parse; the ABI-violating ones on purpose
// still have to be well-formed binaries.
func TestFixturesParse(t *testing.T) {
	tests := map[string][]byte{
		"compiler":          Default().Build(),
		"compiler malloc":   Compiler{AllocName: "malloc"}.Build(),
		"compiler trap":     Compiler{TrapOnCompile: true, ExtraImport: true}.Build(),
		"return":            ReturnI32(30),
		"return f64":        ReturnF64(1.5),
		"print":             PrintText("你好"),
		"putchar":           Putchars(Bytes("你好")...),
		"image":             ImageData(300, 200),
		"image at":          ImageAt(0, 1, 1),
		"trap":              Trap(),
		"bad print":         BadPrint(),
		"math":              Math(),
		"stack pointer":     StackPointer(),
		"memory base":       MemoryBase(),
		"render":            Render(),
		"unknown import":    UnknownImport(),
		"wrong signature":   WrongPrintSignature(),
		"mutable base":      MutableBase(),
		"no memory":         NoMemory(),
		"no start":          NoStart(),
		"start with params": StartWithParams(),
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := wasm.ParseInterface(data); err != nil {
				t.Fatalf("ParseInterface: %v", err)
			}
		})
	}
}

func TestCompilerExports(t *testing.T) {
	iface, err := wasm.ParseInterface(Compiler{AllocName: "malloc", Omit: []string{"free"}}.Build())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := iface.ExportedFunc("malloc"); !ok {
		t.Error("malloc not exported")
	}
	if _, ok := iface.ExportedFunc("allocate"); ok {
		t.Error("allocate should be renamed")
	}
	if _, ok := iface.ExportedFunc("free"); ok {
		t.Error("free should be omitted")
	}
	if _, ok := iface.ExportedFunc("version"); ok {
		t.Error("version exported without a version string")
	}
}
