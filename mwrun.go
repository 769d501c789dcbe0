package mwrun

import "context"

// LogSink receives one decoded UTF-8 string per print or fd_write call.
type LogSink func(text string)

// ImageSink receives RGBA8 pixels in row-major order.
// len(pixels) is always width*height*4.
type ImageSink func(pixels []byte, width, height uint32)

// Allocator allocates memory in WASM linear memory through a module's
// own exports.
type Allocator interface {
	Alloc(ctx context.Context, size uint32) (uint32, error)
	Free(ctx context.Context, ptr uint32) error
}

// Discard is a LogSink that drops everything.
func Discard(string) {}
