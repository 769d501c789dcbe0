package wasm

import (
	"fmt"
	"unicode/utf8"

	"github.com/wippyai/mwrun/errors"
)

// reader is a bounded cursor over a byte slice with position tracking.
type reader struct {
	data []byte
	pos  int
}

func newReader(data []byte) *reader {
	return &reader{data: data}
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

// ReadByte implements io.ByteReader so the LEB128 helpers apply.
func (r *reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, r.fail("unexpected end of data")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readBytes(n uint32) ([]byte, error) {
	if uint64(n) > uint64(r.remaining()) {
		return nil, r.fail("need %d bytes, have %d", n, r.remaining())
	}
	b := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *reader) readU32() (uint32, error) {
	start := r.pos
	v, err := ReadLEB128u(r)
	if err != nil {
		r.pos = start
		return 0, r.wrap(err)
	}
	return v, nil
}

func (r *reader) readName() (string, error) {
	n, err := r.readU32()
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", r.fail("invalid UTF-8 in name")
	}
	return string(b), nil
}

func (r *reader) readValType() (ValType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch v := ValType(b); v {
	case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExtern:
		return v, nil
	default:
		return 0, r.fail("unsupported value type 0x%02x", b)
	}
}

func (r *reader) readLimits() (Limits, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	if flag > 0x07 {
		return Limits{}, r.fail("invalid limits flag 0x%02x", flag)
	}
	var l Limits
	if l.Min, err = r.readU32(); err != nil {
		return Limits{}, err
	}
	if flag&limitsHasMax != 0 {
		m, err := r.readU32()
		if err != nil {
			return Limits{}, err
		}
		l.Max = &m
	}
	return l, nil
}

func (r *reader) fail(format string, args ...any) error {
	return errors.New(errors.PhaseDecode, errors.KindInvalidData).
		Value(r.pos).
		Detail("at offset %d: %s", r.pos, fmt.Sprintf(format, args...)).
		Build()
}

func (r *reader) wrap(err error) error {
	return errors.New(errors.PhaseDecode, errors.KindInvalidData).
		Value(r.pos).
		Cause(err).
		Detail("at offset %d", r.pos).
		Build()
}
