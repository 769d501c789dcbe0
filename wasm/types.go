package wasm

import (
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// ValType is a WebAssembly value type.
type ValType byte

// String returns the text-format name of the type.
func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	default:
		return "unknown"
	}
}

// FromAPI converts a wazero value type. wazero uses the binary encoding.
func FromAPI(t api.ValueType) ValType {
	return ValType(t)
}

// FromAPITypes converts a wazero signature.
func FromAPITypes(ts []api.ValueType) []ValType {
	if len(ts) == 0 {
		return nil
	}
	out := make([]ValType, len(ts))
	for i, t := range ts {
		out[i] = FromAPI(t)
	}
	return out
}

// API converts to a wazero value type.
func (v ValType) API() api.ValueType {
	return api.ValueType(v)
}

// APITypes converts a signature to wazero value types.
func APITypes(vs []ValType) []api.ValueType {
	if len(vs) == 0 {
		return nil
	}
	out := make([]api.ValueType, len(vs))
	for i, v := range vs {
		out[i] = v.API()
	}
	return out
}

// FuncType represents a WebAssembly function signature with parameter and result types.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are identical.
func (f FuncType) Equal(o FuncType) bool {
	return equalTypes(f.Params, o.Params) && equalTypes(f.Results, o.Results)
}

// String renders the signature as "(i32, i32) -> (f64)".
func (f FuncType) String() string {
	return "(" + joinTypes(f.Params) + ") -> (" + joinTypes(f.Results) + ")"
}

func equalTypes(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func joinTypes(ts []ValType) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.String()
	}
	return strings.Join(parts, ", ")
}

// GlobalType describes a global's value type and mutability.
type GlobalType struct {
	Type    ValType
	Mutable bool
}

// String renders the global type as "mut i32" or "i32".
func (g GlobalType) String() string {
	if g.Mutable {
		return "mut " + g.Type.String()
	}
	return g.Type.String()
}

// Limits bounds a memory or table, in pages or elements.
type Limits struct {
	Max *uint32
	Min uint32
}

// Import is one entry of a module's import section.
type Import struct {
	Module string
	Name   string
	Func   FuncType   // set when Kind == KindFunc
	Global GlobalType // set when Kind == KindGlobal
	Limits Limits     // set when Kind is KindMemory or KindTable
	Kind   byte

	typeIdx uint32
}

// Export is one entry of a module's export section.
type Export struct {
	Name  string
	Index uint32
	Kind  byte
}
