// Package source provides the byte sources a trusted module is loaded from.
package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/wippyai/mwrun/errors"
)

// ByteSource yields module bytes. Fetching may block; implementations honor
// ctx where the underlying transport allows it.
type ByteSource interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// MaxModuleSize bounds how much any source will read.
const MaxModuleSize = 64 << 20

// File reads a module from the filesystem.
func File(path string) ByteSource {
	return fileSource{path: path}
}

type fileSource struct {
	path string
}

func (s fileSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, errors.Load("open "+s.path, err)
	}
	defer f.Close()
	return readAll(f, s.path)
}

func (s fileSource) String() string { return "file:" + s.path }

// Bytes serves an in-memory module. The slice is copied on every fetch.
func Bytes(name string, data []byte) ByteSource {
	return memSource{name: name, data: data}
}

type memSource struct {
	name string
	data []byte
}

func (s memSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return bytes.Clone(s.data), nil
}

func (s memSource) String() string { return "mem:" + s.name }

// HTTPOption configures an HTTP source.
type HTTPOption func(*httpSource)

// WithClient replaces the default client.
func WithClient(c *http.Client) HTTPOption {
	return func(s *httpSource) { s.client = c }
}

// WithTimeout sets the default client's timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(s *httpSource) { s.client = &http.Client{Timeout: d} }
}

// HTTP fetches a module with a GET request.
func HTTP(url string, opts ...HTTPOption) ByteSource {
	s := &httpSource{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type httpSource struct {
	client *http.Client
	url    string
}

func (s *httpSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, errors.Load("build request for "+s.url, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Load("fetch "+s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Load(fmt.Sprintf("fetch %s: status %s", s.url, resp.Status), nil)
	}
	return readAll(resp.Body, s.url)
}

func (s *httpSource) String() string { return s.url }

func readAll(r io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxModuleSize+1))
	if err != nil {
		return nil, errors.Load("read "+name, err)
	}
	if len(data) > MaxModuleSize {
		return nil, errors.Load(fmt.Sprintf("%s exceeds %d bytes", name, MaxModuleSize), nil)
	}
	return data, nil
}
