package linker

import (
	"fmt"

	"github.com/wippyai/mwrun/errors"
	"github.com/wippyai/mwrun/wasm"
)

// Import namespaces and names the guest links against.
const (
	SysModule  = "sys"
	MathModule = "math"
	HostModule = "sys.host"

	MemoryName       = "memory"
	StackPointerName = "__stack_pointer"
	MemoryBaseName   = "__memory_base"
)

// Defaults of DefaultABI.
const (
	DefaultEntry        = "_start"
	DefaultMemoryBase   = 64 * 1024
	DefaultStackPointer = 64 * 1024
	DefaultMemoryPages  = 16
)

// Entry is one importable item of the ABI.
type Entry struct {
	Module   string
	Name     string
	Func     wasm.FuncType   // when Kind == wasm.KindFunc
	Global   wasm.GlobalType // when Kind == wasm.KindGlobal
	Kind     byte
	Required bool
}

func (e Entry) String() string {
	switch e.Kind {
	case wasm.KindFunc:
		return e.Module + "." + e.Name + " func " + e.Func.String()
	case wasm.KindGlobal:
		return e.Module + "." + e.Name + " global " + e.Global.String()
	default:
		return e.Module + "." + e.Name + " " + wasm.KindName(e.Kind)
	}
}

// ABI describes everything a guest can import and what it must export.
type ABI struct {
	Entries []Entry
	// EntryExport is called by Execute. It takes no parameters and returns
	// at most one value.
	EntryExport string

	MemoryBase   uint32
	StackPointer uint32

	// MemoryPages is the initial size of the guest memory. MaxMemoryPages
	// caps it; 0 leaves the cap to the runtime.
	MemoryPages    uint32
	MaxMemoryPages uint32
}

var (
	i32 = wasm.ValI32
	f64 = wasm.ValF64
)

// DefaultABI returns the host ABI compiled guests are generated against.
func DefaultABI() ABI {
	return ABI{
		Entries: []Entry{
			{Module: SysModule, Name: MemoryName, Kind: wasm.KindMemory, Required: true},
			{Module: SysModule, Name: "print", Kind: wasm.KindFunc, Func: wasm.FuncType{Params: []wasm.ValType{i32, i32}}},
			{Module: SysModule, Name: "putchar", Kind: wasm.KindFunc, Func: wasm.FuncType{Params: []wasm.ValType{i32}}},
			{Module: SysModule, Name: StackPointerName, Kind: wasm.KindGlobal, Global: wasm.GlobalType{Type: i32, Mutable: true}},
			{Module: SysModule, Name: MemoryBaseName, Kind: wasm.KindGlobal, Global: wasm.GlobalType{Type: i32}},
			{Module: SysModule, Name: "setImageData", Kind: wasm.KindFunc, Func: wasm.FuncType{Params: []wasm.ValType{i32, i32, i32}}},
			{Module: MathModule, Name: "pow", Kind: wasm.KindFunc, Func: wasm.FuncType{Params: []wasm.ValType{f64, f64}, Results: []wasm.ValType{f64}}},
			{Module: MathModule, Name: "log", Kind: wasm.KindFunc, Func: wasm.FuncType{Params: []wasm.ValType{f64}, Results: []wasm.ValType{f64}}},
			{Module: MathModule, Name: "log2", Kind: wasm.KindFunc, Func: wasm.FuncType{Params: []wasm.ValType{f64}, Results: []wasm.ValType{f64}}},
		},
		EntryExport:  DefaultEntry,
		MemoryBase:   DefaultMemoryBase,
		StackPointer: DefaultStackPointer,
		MemoryPages:  DefaultMemoryPages,
	}
}

// Lookup finds the entry for module.name.
func (a ABI) Lookup(module, name string) (Entry, bool) {
	for _, e := range a.Entries {
		if e.Module == module && e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// funcs returns the function entries of one namespace.
func (a ABI) funcs(module string) []Entry {
	var out []Entry
	for _, e := range a.Entries {
		if e.Module == module && e.Kind == wasm.KindFunc {
			out = append(out, e)
		}
	}
	return out
}

// Check validates a guest's imports and entry export against the ABI. It
// reports every problem at once as a *LinkError.
func (a ABI) Check(iface *wasm.Interface) error {
	le := &LinkError{}
	problem := func(kind errors.Kind, module, name, format string, args ...any) {
		path := []string{name}
		if module != "" {
			path = []string{module, name}
		}
		le.add(errors.New(errors.PhaseLinking, kind).
			Path(path...).
			Detail(format, args...).
			Build())
	}

	imported := make(map[string]bool, len(iface.Imports))
	for _, imp := range iface.Imports {
		imported[imp.Module+"."+imp.Name] = true

		e, ok := a.Lookup(imp.Module, imp.Name)
		if !ok {
			problem(errors.KindMissingImport, imp.Module, imp.Name,
				"host provides no %s %s.%s", wasm.KindName(imp.Kind), imp.Module, imp.Name)
			continue
		}
		if imp.Kind != e.Kind {
			problem(errors.KindSignatureMismatch, imp.Module, imp.Name,
				"imported as %s, host provides %s", wasm.KindName(imp.Kind), wasm.KindName(e.Kind))
			continue
		}
		switch e.Kind {
		case wasm.KindFunc:
			if !imp.Func.Equal(e.Func) {
				problem(errors.KindSignatureMismatch, imp.Module, imp.Name,
					"imported as %s, host provides %s", imp.Func, e.Func)
			}
		case wasm.KindGlobal:
			if imp.Global != e.Global {
				problem(errors.KindSignatureMismatch, imp.Module, imp.Name,
					"imported as global %s, host provides %s", imp.Global, e.Global)
			}
		case wasm.KindMemory:
			if msg := a.checkMemory(imp.Limits); msg != "" {
				problem(errors.KindSignatureMismatch, imp.Module, imp.Name, "%s", msg)
			}
		}
	}

	for _, e := range a.Entries {
		if e.Required && !imported[e.Module+"."+e.Name] {
			problem(errors.KindMissingImport, e.Module, e.Name, "guest must import %s", e)
		}
	}

	if sig, ok := iface.ExportedFunc(a.EntryExport); !ok {
		le.add(errors.MissingExport(errors.PhaseLinking, a.EntryExport))
	} else if len(sig.Params) != 0 || len(sig.Results) > 1 {
		problem(errors.KindSignatureMismatch, "", a.EntryExport,
			"entry is %s, want no parameters and at most one result", sig)
	}

	if len(le.Problems) > 0 {
		return le
	}
	return nil
}

func (a ABI) checkMemory(l wasm.Limits) string {
	if l.Min > a.MemoryPages {
		return fmt.Sprintf("guest needs %d pages, host provides %d", l.Min, a.MemoryPages)
	}
	if l.Max != nil {
		if a.MaxMemoryPages == 0 {
			return fmt.Sprintf("guest caps memory at %d pages, host memory is uncapped", *l.Max)
		}
		if a.MaxMemoryPages > *l.Max {
			return fmt.Sprintf("guest caps memory at %d pages, host allows %d", *l.Max, a.MaxMemoryPages)
		}
	}
	return ""
}
