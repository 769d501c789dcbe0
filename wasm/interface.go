package wasm

import (
	"encoding/binary"

	"github.com/wippyai/mwrun/errors"
)

// Interface is the import/export surface of a module with resolved signatures.
type Interface struct {
	Types   []FuncType
	Imports []Import
	Exports []Export
	// Funcs holds the type index of every function defined in the module.
	Funcs []uint32
}

// ParseInterface reads the type, import, function and export sections of a
// binary module. Code and data are skipped, never interpreted.
func ParseInterface(data []byte) (*Interface, error) {
	r := newReader(data)
	if len(data) < 8 {
		return nil, r.fail("module too short: %d bytes", len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return nil, r.fail("bad magic number")
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != Version {
		return nil, r.fail("unsupported binary version %d", v)
	}
	r.pos = 8

	iface := &Interface{}
	for r.remaining() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		size, err := r.readU32()
		if err != nil {
			return nil, err
		}
		body, err := r.readBytes(size)
		if err != nil {
			return nil, err
		}
		sr := &reader{data: data[:r.pos], pos: r.pos - len(body)}

		switch id {
		case SectionType:
			err = iface.parseTypes(sr)
		case SectionImport:
			err = iface.parseImports(sr)
		case SectionFunction:
			err = iface.parseFuncs(sr)
		case SectionExport:
			err = iface.parseExports(sr)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := iface.resolve(); err != nil {
		return nil, err
	}
	return iface, nil
}

func (i *Interface) parseTypes(r *reader) error {
	count, err := r.readU32()
	if err != nil {
		return err
	}
	for n := uint32(0); n < count; n++ {
		tag, err := r.ReadByte()
		if err != nil {
			return err
		}
		if tag != funcTypeTag {
			return r.fail("unsupported type form 0x%02x", tag)
		}
		params, err := readValTypes(r)
		if err != nil {
			return err
		}
		results, err := readValTypes(r)
		if err != nil {
			return err
		}
		i.Types = append(i.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func readValTypes(r *reader) ([]ValType, error) {
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	if n > uint32(r.remaining()) {
		return nil, r.fail("value type count %d exceeds section", n)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]ValType, n)
	for k := range out {
		if out[k], err = r.readValType(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (i *Interface) parseImports(r *reader) error {
	count, err := r.readU32()
	if err != nil {
		return err
	}
	for n := uint32(0); n < count; n++ {
		var imp Import
		if imp.Module, err = r.readName(); err != nil {
			return err
		}
		if imp.Name, err = r.readName(); err != nil {
			return err
		}
		if imp.Kind, err = r.ReadByte(); err != nil {
			return err
		}
		switch imp.Kind {
		case KindFunc:
			if imp.typeIdx, err = r.readU32(); err != nil {
				return err
			}
		case KindTable:
			if _, err := r.readValType(); err != nil {
				return err
			}
			if imp.Limits, err = r.readLimits(); err != nil {
				return err
			}
		case KindMemory:
			if imp.Limits, err = r.readLimits(); err != nil {
				return err
			}
		case KindGlobal:
			if imp.Global.Type, err = r.readValType(); err != nil {
				return err
			}
			mut, err := r.ReadByte()
			if err != nil {
				return err
			}
			imp.Global.Mutable = mut == 0x01
		case KindTag:
			if _, err := r.ReadByte(); err != nil {
				return err
			}
			if _, err := r.readU32(); err != nil {
				return err
			}
		default:
			return r.fail("unknown import kind 0x%02x", imp.Kind)
		}
		i.Imports = append(i.Imports, imp)
	}
	return nil
}

func (i *Interface) parseFuncs(r *reader) error {
	count, err := r.readU32()
	if err != nil {
		return err
	}
	if count > uint32(r.remaining()) {
		return r.fail("function count %d exceeds section", count)
	}
	i.Funcs = make([]uint32, count)
	for n := range i.Funcs {
		if i.Funcs[n], err = r.readU32(); err != nil {
			return err
		}
	}
	return nil
}

func (i *Interface) parseExports(r *reader) error {
	count, err := r.readU32()
	if err != nil {
		return err
	}
	for n := uint32(0); n < count; n++ {
		var exp Export
		if exp.Name, err = r.readName(); err != nil {
			return err
		}
		if exp.Kind, err = r.ReadByte(); err != nil {
			return err
		}
		if exp.Index, err = r.readU32(); err != nil {
			return err
		}
		i.Exports = append(i.Exports, exp)
	}
	return nil
}

// resolve replaces function import type indices with their signatures and
// checks every type reference.
func (i *Interface) resolve() error {
	for n := range i.Imports {
		imp := &i.Imports[n]
		if imp.Kind != KindFunc {
			continue
		}
		idx := imp.typeIdx
		if idx >= uint32(len(i.Types)) {
			return errors.New(errors.PhaseDecode, errors.KindInvalidData).
				Path(imp.Module, imp.Name).
				Detail("type index %d out of range", idx).
				Build()
		}
		imp.Func = i.Types[idx]
	}
	for n, idx := range i.Funcs {
		if idx >= uint32(len(i.Types)) {
			return errors.New(errors.PhaseDecode, errors.KindInvalidData).
				Value(n).
				Detail("function %d references missing type %d", n, idx).
				Build()
		}
	}
	return nil
}

// FuncImportCount returns the number of imported functions.
func (i *Interface) FuncImportCount() int {
	n := 0
	for _, imp := range i.Imports {
		if imp.Kind == KindFunc {
			n++
		}
	}
	return n
}

// FuncType returns the signature of the function at index idx in the
// function index space (imports first).
func (i *Interface) FuncType(idx uint32) (FuncType, bool) {
	for _, imp := range i.Imports {
		if imp.Kind != KindFunc {
			continue
		}
		if idx == 0 {
			return imp.Func, true
		}
		idx--
	}
	if idx >= uint32(len(i.Funcs)) {
		return FuncType{}, false
	}
	return i.Types[i.Funcs[idx]], true
}

// Export returns the named export.
func (i *Interface) Export(name string) (Export, bool) {
	for _, e := range i.Exports {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}

// ExportedFunc returns the signature of the named function export.
func (i *Interface) ExportedFunc(name string) (FuncType, bool) {
	e, ok := i.Export(name)
	if !ok || e.Kind != KindFunc {
		return FuncType{}, false
	}
	return i.FuncType(e.Index)
}

// Import returns the import with the given module and name.
func (i *Interface) Import(module, name string) (Import, bool) {
	for _, imp := range i.Imports {
		if imp.Module == module && imp.Name == name {
			return imp, true
		}
	}
	return Import{}, false
}
