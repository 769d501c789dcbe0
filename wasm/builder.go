package wasm

import (
	"bytes"
	"math"

	"github.com/wippyai/mwrun/errors"
)

// Builder synthesizes a binary module. Imports must be declared before any
// local function or global so the index spaces stay stable.
type Builder struct {
	memory        *Limits
	err           error
	types         []FuncType
	funcImports   []funcImport
	globalImports []globalImport
	memImport     *memImport
	funcs         []localFunc
	globals       []localGlobal
	exports       []Export
	data          []dataSegment
}

type funcImport struct {
	module, name string
	typeIdx      uint32
}

type globalImport struct {
	module, name string
	typ          GlobalType
}

type memImport struct {
	module, name string
	limits       Limits
}

type localFunc struct {
	locals  []ValType
	body    []byte
	typeIdx uint32
}

type localGlobal struct {
	init []byte
	typ  GlobalType
}

type dataSegment struct {
	offset []byte
	bytes  []byte
}

// NewBuilder creates an empty module builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddType registers a signature and returns its index. Identical
// signatures share one index.
func (b *Builder) AddType(params, results []ValType) uint32 {
	ft := FuncType{Params: params, Results: results}
	for i, t := range b.types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	b.types = append(b.types, ft)
	return uint32(len(b.types) - 1)
}

func (b *Builder) importsClosed(what string) bool {
	if len(b.funcs) > 0 || len(b.globals) > 0 {
		if b.err == nil {
			b.err = errors.InvalidInput(errors.PhaseDecode, what+" import declared after local definitions")
		}
		return true
	}
	return false
}

// ImportFunc declares a function import and returns its function index.
func (b *Builder) ImportFunc(module, name string, params, results []ValType) uint32 {
	if b.importsClosed("function") {
		return 0
	}
	b.funcImports = append(b.funcImports, funcImport{module: module, name: name, typeIdx: b.AddType(params, results)})
	return uint32(len(b.funcImports) - 1)
}

// ImportGlobal declares a global import and returns its global index.
func (b *Builder) ImportGlobal(module, name string, typ GlobalType) uint32 {
	if b.importsClosed("global") {
		return 0
	}
	b.globalImports = append(b.globalImports, globalImport{module: module, name: name, typ: typ})
	return uint32(len(b.globalImports) - 1)
}

// ImportMemory declares the module's memory as an import.
func (b *Builder) ImportMemory(module, name string, limits Limits) {
	if b.memory != nil && b.err == nil {
		b.err = errors.InvalidInput(errors.PhaseDecode, "memory both imported and defined")
	}
	b.memImport = &memImport{module: module, name: name, limits: limits}
}

// SetMemory defines the module's own memory.
func (b *Builder) SetMemory(limits Limits) {
	if b.memImport != nil && b.err == nil {
		b.err = errors.InvalidInput(errors.PhaseDecode, "memory both imported and defined")
	}
	b.memory = &limits
}

// AddGlobal defines a global initialized by a constant expression (see
// I32Expr and friends) and returns its global index.
func (b *Builder) AddGlobal(typ GlobalType, init []byte) uint32 {
	b.globals = append(b.globals, localGlobal{typ: typ, init: init})
	return uint32(len(b.globalImports) + len(b.globals) - 1)
}

// AddFunc defines a function and returns its function index. body is the
// instruction sequence including the final end opcode.
func (b *Builder) AddFunc(params, results, locals []ValType, body []byte) uint32 {
	b.funcs = append(b.funcs, localFunc{typeIdx: b.AddType(params, results), locals: locals, body: body})
	return uint32(len(b.funcImports) + len(b.funcs) - 1)
}

// ExportFunc exports the function at idx.
func (b *Builder) ExportFunc(name string, idx uint32) {
	b.exports = append(b.exports, Export{Name: name, Kind: KindFunc, Index: idx})
}

// ExportGlobal exports the global at idx.
func (b *Builder) ExportGlobal(name string, idx uint32) {
	b.exports = append(b.exports, Export{Name: name, Kind: KindGlobal, Index: idx})
}

// ExportMemory exports memory 0.
func (b *Builder) ExportMemory(name string) {
	b.exports = append(b.exports, Export{Name: name, Kind: KindMemory})
}

// AddData places bytes in memory 0 at the offset computed by expr.
func (b *Builder) AddData(offset []byte, data []byte) {
	b.data = append(b.data, dataSegment{offset: offset, bytes: data})
}

// Build encodes the module.
func (b *Builder) Build() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.data) > 0 && b.memory == nil && b.memImport == nil {
		return nil, errors.InvalidInput(errors.PhaseDecode, "data segments without a memory")
	}

	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	if len(b.types) > 0 {
		writeSection(&out, SectionType, b.typeSection())
	}
	if n := len(b.funcImports) + len(b.globalImports); n > 0 || b.memImport != nil {
		writeSection(&out, SectionImport, b.importSection())
	}
	if len(b.funcs) > 0 {
		var s bytes.Buffer
		WriteLEB128u(&s, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			WriteLEB128u(&s, f.typeIdx)
		}
		writeSection(&out, SectionFunction, s.Bytes())
	}
	if b.memory != nil {
		var s bytes.Buffer
		s.WriteByte(1)
		writeLimits(&s, *b.memory)
		writeSection(&out, SectionMemory, s.Bytes())
	}
	if len(b.globals) > 0 {
		var s bytes.Buffer
		WriteLEB128u(&s, uint32(len(b.globals)))
		for _, g := range b.globals {
			writeGlobalType(&s, g.typ)
			s.Write(g.init)
		}
		writeSection(&out, SectionGlobal, s.Bytes())
	}
	if len(b.exports) > 0 {
		var s bytes.Buffer
		WriteLEB128u(&s, uint32(len(b.exports)))
		for _, e := range b.exports {
			writeName(&s, e.Name)
			s.WriteByte(e.Kind)
			WriteLEB128u(&s, e.Index)
		}
		writeSection(&out, SectionExport, s.Bytes())
	}
	if len(b.funcs) > 0 {
		writeSection(&out, SectionCode, b.codeSection())
	}
	if len(b.data) > 0 {
		var s bytes.Buffer
		WriteLEB128u(&s, uint32(len(b.data)))
		for _, d := range b.data {
			s.WriteByte(0x00) // active, memory 0
			s.Write(d.offset)
			WriteLEB128u(&s, uint32(len(d.bytes)))
			s.Write(d.bytes)
		}
		writeSection(&out, SectionData, s.Bytes())
	}
	return out.Bytes(), nil
}

func (b *Builder) typeSection() []byte {
	var s bytes.Buffer
	WriteLEB128u(&s, uint32(len(b.types)))
	for _, t := range b.types {
		s.WriteByte(funcTypeTag)
		writeValTypes(&s, t.Params)
		writeValTypes(&s, t.Results)
	}
	return s.Bytes()
}

func (b *Builder) importSection() []byte {
	var s bytes.Buffer
	n := len(b.funcImports) + len(b.globalImports)
	if b.memImport != nil {
		n++
	}
	WriteLEB128u(&s, uint32(n))
	for _, f := range b.funcImports {
		writeName(&s, f.module)
		writeName(&s, f.name)
		s.WriteByte(KindFunc)
		WriteLEB128u(&s, f.typeIdx)
	}
	if m := b.memImport; m != nil {
		writeName(&s, m.module)
		writeName(&s, m.name)
		s.WriteByte(KindMemory)
		writeLimits(&s, m.limits)
	}
	for _, g := range b.globalImports {
		writeName(&s, g.module)
		writeName(&s, g.name)
		s.WriteByte(KindGlobal)
		writeGlobalType(&s, g.typ)
	}
	return s.Bytes()
}

func (b *Builder) codeSection() []byte {
	var s bytes.Buffer
	WriteLEB128u(&s, uint32(len(b.funcs)))
	for _, f := range b.funcs {
		var body bytes.Buffer
		// One local declaration group per local keeps the encoding trivial.
		WriteLEB128u(&body, uint32(len(f.locals)))
		for _, l := range f.locals {
			body.WriteByte(1)
			body.WriteByte(byte(l))
		}
		body.Write(f.body)
		WriteLEB128u(&s, uint32(body.Len()))
		s.Write(body.Bytes())
	}
	return s.Bytes()
}

func writeSection(out *bytes.Buffer, id byte, body []byte) {
	out.WriteByte(id)
	WriteLEB128u(out, uint32(len(body)))
	out.Write(body)
}

func writeName(w *bytes.Buffer, name string) {
	WriteLEB128u(w, uint32(len(name)))
	w.WriteString(name)
}

func writeValTypes(w *bytes.Buffer, ts []ValType) {
	WriteLEB128u(w, uint32(len(ts)))
	for _, t := range ts {
		w.WriteByte(byte(t))
	}
}

func writeLimits(w *bytes.Buffer, l Limits) {
	if l.Max != nil {
		w.WriteByte(limitsHasMax)
		WriteLEB128u(w, l.Min)
		WriteLEB128u(w, *l.Max)
		return
	}
	w.WriteByte(limitsNoMax)
	WriteLEB128u(w, l.Min)
}

func writeGlobalType(w *bytes.Buffer, g GlobalType) {
	w.WriteByte(byte(g.Type))
	if g.Mutable {
		w.WriteByte(0x01)
	} else {
		w.WriteByte(0x00)
	}
}

// Constant expressions for global initializers and data offsets.

// I32Expr is the constant expression (i32.const v).
func I32Expr(v int32) []byte {
	var c Code
	return c.I32Const(v).End().Bytes()
}

// I64Expr is the constant expression (i64.const v).
func I64Expr(v int64) []byte {
	var c Code
	return c.I64Const(v).End().Bytes()
}

// F64Expr is the constant expression (f64.const v).
func F64Expr(v float64) []byte {
	var c Code
	return c.F64Const(v).End().Bytes()
}

// GlobalExpr is the constant expression (global.get idx). Only imported
// globals may be referenced.
func GlobalExpr(idx uint32) []byte {
	var c Code
	return c.GlobalGet(idx).End().Bytes()
}

// Code accumulates an instruction sequence. The zero value is ready to use.
type Code struct {
	buf bytes.Buffer
}

// Op appends raw opcodes.
func (c *Code) Op(ops ...byte) *Code {
	c.buf.Write(ops)
	return c
}

// U32 appends an unsigned LEB128 immediate.
func (c *Code) U32(v uint32) *Code {
	WriteLEB128u(&c.buf, v)
	return c
}

func (c *Code) I32Const(v int32) *Code {
	c.buf.WriteByte(OpI32Const)
	WriteLEB128s(&c.buf, int64(v))
	return c
}

func (c *Code) I64Const(v int64) *Code {
	c.buf.WriteByte(OpI64Const)
	WriteLEB128s(&c.buf, v)
	return c
}

func (c *Code) F64Const(v float64) *Code {
	c.buf.WriteByte(OpF64Const)
	bits := math.Float64bits(v)
	for i := 0; i < 8; i++ {
		c.buf.WriteByte(byte(bits >> (8 * i)))
	}
	return c
}

func (c *Code) LocalGet(idx uint32) *Code  { return c.Op(OpLocalGet).U32(idx) }
func (c *Code) LocalSet(idx uint32) *Code  { return c.Op(OpLocalSet).U32(idx) }
func (c *Code) LocalTee(idx uint32) *Code  { return c.Op(OpLocalTee).U32(idx) }
func (c *Code) GlobalGet(idx uint32) *Code { return c.Op(OpGlobalGet).U32(idx) }
func (c *Code) GlobalSet(idx uint32) *Code { return c.Op(OpGlobalSet).U32(idx) }
func (c *Code) Call(idx uint32) *Code      { return c.Op(OpCall).U32(idx) }

// Mem appends a load or store with alignment exponent and static offset.
func (c *Code) Mem(op byte, align, offset uint32) *Code {
	return c.Op(op).U32(align).U32(offset)
}

// MemoryCopy appends memory.copy within memory 0. Stack: dst, src, len.
func (c *Code) MemoryCopy() *Code {
	return c.Op(OpPrefixMisc).U32(MiscMemoryCopy).Op(0x00, 0x00)
}

// End appends the end opcode.
func (c *Code) End() *Code {
	return c.Op(OpEnd)
}

// Bytes returns the accumulated instructions.
func (c *Code) Bytes() []byte {
	return bytes.Clone(c.buf.Bytes())
}
