package memory

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/mwrun/errors"
)

// Span is a byte range in one linear memory.
type Span struct {
	Offset uint32
	Length uint32
}

// End returns the exclusive end offset without wrapping.
func (s Span) End() uint64 {
	return uint64(s.Offset) + uint64(s.Length)
}

// LengthFunc asks a module for the byte length of the string at offset.
type LengthFunc func(ctx context.Context, offset uint32) (uint32, error)

// Arena is a bounds-checked view of a single module's linear memory.
type Arena struct {
	mem  api.Memory
	name string
}

// NewArena wraps mem. name identifies the memory in errors.
func NewArena(name string, mem api.Memory) *Arena {
	return &Arena{name: name, mem: mem}
}

// Name returns the memory's name.
func (a *Arena) Name() string {
	return a.name
}

// Size returns the current memory size in bytes.
func (a *Arena) Size() uint32 {
	return a.mem.Size()
}

// Check validates s against the current memory size.
func (a *Arena) Check(s Span) error {
	if s.End() > uint64(a.mem.Size()) {
		return errors.OutOfBounds(errors.PhaseMarshal, a.name, s.Offset, s.Length, a.mem.Size())
	}
	return nil
}

// View returns a slice aliasing s. It is valid until memory grows.
func (a *Arena) View(s Span) ([]byte, error) {
	if err := a.Check(s); err != nil {
		return nil, err
	}
	b, ok := a.mem.Read(s.Offset, s.Length)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseMarshal, a.name, s.Offset, s.Length, a.mem.Size())
	}
	return b, nil
}

// Read returns a copy of s.
func (a *Arena) Read(s Span) ([]byte, error) {
	b, err := a.View(s)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Write copies data to offset.
func (a *Arena) Write(offset uint32, data []byte) error {
	if uint64(len(data)) > uint64(^uint32(0)) {
		return errors.Overflow(errors.PhaseMarshal, len(data), "u32 length")
	}
	if err := a.Check(Span{Offset: offset, Length: uint32(len(data))}); err != nil {
		return err
	}
	if !a.mem.Write(offset, data) {
		return errors.OutOfBounds(errors.PhaseMarshal, a.name, offset, uint32(len(data)), a.mem.Size())
	}
	return nil
}

// ReadU32 reads a little-endian uint32.
func (a *Arena) ReadU32(offset uint32) (uint32, error) {
	v, ok := a.mem.ReadUint32Le(offset)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseMarshal, a.name, offset, 4, a.mem.Size())
	}
	return v, nil
}

// WriteU32 writes a little-endian uint32.
func (a *Arena) WriteU32(offset, v uint32) error {
	if !a.mem.WriteUint32Le(offset, v) {
		return errors.OutOfBounds(errors.PhaseMarshal, a.name, offset, 4, a.mem.Size())
	}
	return nil
}

// WriteU8 writes a single byte.
func (a *Arena) WriteU8(offset uint32, v byte) error {
	if !a.mem.WriteByte(offset, v) {
		return errors.OutOfBounds(errors.PhaseMarshal, a.name, offset, 1, a.mem.Size())
	}
	return nil
}

// WriteCString writes text followed by one NUL into dst. dst.Length is the
// capacity the caller reserved through the module's allocator; a string that
// would not fit is rejected before anything is written.
func (a *Arena) WriteCString(dst Span, text string) error {
	need := uint64(len(text)) + 1
	if need > uint64(dst.Length) {
		return errors.New(errors.PhaseMarshal, errors.KindCapacity).
			Module(a.name).
			Value(need).
			Detail("string needs %d bytes with terminator, reserved %d", need, dst.Length).
			Build()
	}
	if err := a.Check(Span{Offset: dst.Offset, Length: uint32(need)}); err != nil {
		return err
	}
	buf := make([]byte, need)
	copy(buf, text)
	return a.Write(dst.Offset, buf)
}

// ReadCString decodes the string at offset. The byte count comes from the
// module's own length query; the memory is never scanned for a terminator.
func (a *Arena) ReadCString(ctx context.Context, offset uint32, length LengthFunc) (string, error) {
	n, err := length(ctx, offset)
	if err != nil {
		return "", errors.Wrap(errors.PhaseMarshal, errors.KindInvalidState, err, "string length query failed")
	}
	b, err := a.View(Span{Offset: offset, Length: n})
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.InvalidUTF8(errors.PhaseMarshal, b)
	}
	return string(b), nil
}

// ReadText decodes s as UTF-8 text for a log sink. Invalid sequences are
// replaced with U+FFFD rather than rejected.
func (a *Arena) ReadText(s Span) (string, error) {
	b, err := a.View(s)
	if err != nil {
		return "", err
	}
	return DecodeText(b), nil
}

// DecodeText converts bytes to a string, replacing invalid UTF-8.
func DecodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
