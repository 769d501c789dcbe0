package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/anthonynsimon/bild/transform"
	"go.uber.org/zap"

	"github.com/wippyai/mwrun"
)

// PNG writes every frame it receives to Dir as <Prefix>-NNNN.png.
type PNG struct {
	Dir    string
	Prefix string
	// Scale enlarges each frame by an integer factor with nearest
	// neighbour sampling. 0 and 1 keep the original size.
	Scale  int
	Logger *zap.Logger

	written []string
	err     error
	mu      sync.Mutex
}

// NewPNG returns a PNG sink writing into dir.
func NewPNG(dir, prefix string) *PNG {
	if prefix == "" {
		prefix = "frame"
	}
	return &PNG{Dir: dir, Prefix: prefix}
}

// Sink returns the mwrun.ImageSink view of p.
func (p *PNG) Sink() mwrun.ImageSink {
	return func(pixels []byte, width, height uint32) {
		if _, err := p.Write(Image{Pixels: pixels, Width: width, Height: height}); err != nil {
			p.logger().Warn("png write failed", zap.Error(err))
		}
	}
}

// Write encodes one frame and returns the file path.
func (p *PNG) Write(frame Image) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	path, err := p.write(frame)
	if err != nil {
		p.err = err
		return "", err
	}
	p.written = append(p.written, path)
	p.logger().Debug("png written", zap.String("path", path), zap.Uint32("width", frame.Width), zap.Uint32("height", frame.Height))
	return path, nil
}

func (p *PNG) write(frame Image) (string, error) {
	img, err := frame.RGBA()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(p.Dir, fmt.Sprintf("%s-%04d.png", p.Prefix, len(p.written)+1))

	out := img
	if p.Scale > 1 {
		out = transform.Resize(img, img.Rect.Dx()*p.Scale, img.Rect.Dy()*p.Scale, transform.NearestNeighbor)
	}
	if err := imgio.Save(path, out, imgio.PNGEncoder()); err != nil {
		return "", err
	}
	return path, nil
}

// Written returns the paths written so far.
func (p *PNG) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

// Err returns the last write error.
func (p *PNG) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *PNG) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
