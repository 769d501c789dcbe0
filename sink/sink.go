package sink

import (
	"fmt"
	"image"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/mwrun"
	"github.com/wippyai/mwrun/errors"
)

// Image is one frame delivered to an image sink.
type Image struct {
	Pixels []byte
	Width  uint32
	Height uint32
}

// Validate checks that pixels holds exactly width*height RGBA8 pixels.
func Validate(pixels []byte, width, height uint32) error {
	want := uint64(width) * uint64(height) * 4
	if uint64(len(pixels)) != want {
		return errors.New(errors.PhaseHost, errors.KindInvalidData).
			Value(len(pixels)).
			Detail("%dx%d image needs %d bytes, got %d", width, height, want, len(pixels)).
			Build()
	}
	return nil
}

// RGBA wraps the pixels as an image without copying.
func (i Image) RGBA() (*image.RGBA, error) {
	if err := Validate(i.Pixels, i.Width, i.Height); err != nil {
		return nil, err
	}
	return &image.RGBA{
		Pix:    i.Pixels,
		Stride: int(i.Width) * 4,
		Rect:   image.Rect(0, 0, int(i.Width), int(i.Height)),
	}, nil
}

// Recorder keeps everything it is sent. Safe for concurrent use.
type Recorder struct {
	lines  []string
	images []Image
	mu     sync.Mutex
}

// Log is a mwrun.LogSink.
func (r *Recorder) Log(text string) {
	r.mu.Lock()
	r.lines = append(r.lines, text)
	r.mu.Unlock()
}

// Image is a mwrun.ImageSink. The pixels are kept as given; the linker
// already hands out a copy.
func (r *Recorder) Image(pixels []byte, width, height uint32) {
	r.mu.Lock()
	r.images = append(r.images, Image{Pixels: pixels, Width: width, Height: height})
	r.mu.Unlock()
}

// Lines returns the recorded log strings.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Text returns the recorded log strings concatenated.
func (r *Recorder) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "")
}

// Images returns the recorded frames.
func (r *Recorder) Images() []Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Image(nil), r.images...)
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.lines = nil
	r.images = nil
	r.mu.Unlock()
}

// Writer returns a LogSink writing each string to w unchanged. Write
// errors are dropped; the guest cannot act on them.
func Writer(w io.Writer) mwrun.LogSink {
	var mu sync.Mutex
	return func(text string) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = io.WriteString(w, text)
	}
}

// Zap returns a LogSink logging each string at info level.
func Zap(l *zap.Logger) mwrun.LogSink {
	return func(text string) {
		l.Info("guest output", zap.String("text", text))
	}
}

// Tee fans one log string out to every sink.
func Tee(sinks ...mwrun.LogSink) mwrun.LogSink {
	return func(text string) {
		for _, s := range sinks {
			if s != nil {
				s(text)
			}
		}
	}
}

// TeeImage fans one frame out to every sink.
func TeeImage(sinks ...mwrun.ImageSink) mwrun.ImageSink {
	return func(pixels []byte, width, height uint32) {
		for _, s := range sinks {
			if s != nil {
				s(pixels, width, height)
			}
		}
	}
}

// Summary returns an ImageSink printing one line per frame to w.
func Summary(w io.Writer) mwrun.ImageSink {
	return func(pixels []byte, width, height uint32) {
		fmt.Fprintf(w, "image %dx%d (%d bytes)\n", width, height, len(pixels))
	}
}
