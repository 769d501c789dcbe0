// Package memory moves strings and byte buffers across the linear-memory
// boundary of a wasm module.
//
// An Arena wraps one module's memory. Every span is checked against the
// memory's current size before it is touched, so a bad pointer from a
// module surfaces as an error instead of a panic. Slices returned by View
// alias the memory and are invalidated by the next call that can grow it;
// Read returns a copy.
package memory
