package compiler

import (
	"go.uber.org/zap"

	"github.com/wippyai/mwrun"
)

// DefaultScratchSize is the fixed capacity of the source buffer, including
// the terminating NUL.
const DefaultScratchSize = 10 * 1024

// DefaultModuleName is the instance name of the trusted module.
const DefaultModuleName = "compiler"

// Exports names the trusted module's exports.
type Exports struct {
	Allocate   string `koanf:"allocate"`
	Free       string `koanf:"free"`
	Compile    string `koanf:"compile"`
	CodeSize   string `koanf:"code_size"`
	Version    string `koanf:"version"`
	Strlen     string `koanf:"strlen"`
	Highlight  string `koanf:"highlight"`
	Initialize string `koanf:"initialize"`
}

// DefaultExports returns the export names used when none are configured.
func DefaultExports() Exports {
	return Exports{
		Allocate:   "allocate",
		Free:       "free",
		Compile:    "compile_code",
		CodeSize:   "get_code_size",
		Version:    "version",
		Strlen:     "strlen",
		Highlight:  "highlight_code",
		Initialize: "_initialize",
	}
}

func (e Exports) withDefaults() Exports {
	d := DefaultExports()
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	return Exports{
		Allocate:   pick(e.Allocate, d.Allocate),
		Free:       pick(e.Free, d.Free),
		Compile:    pick(e.Compile, d.Compile),
		CodeSize:   pick(e.CodeSize, d.CodeSize),
		Version:    pick(e.Version, d.Version),
		Strlen:     pick(e.Strlen, d.Strlen),
		Highlight:  pick(e.Highlight, d.Highlight),
		Initialize: pick(e.Initialize, d.Initialize),
	}
}

// Options configures a Host.
type Options struct {
	Log        mwrun.LogSink
	Logger     *zap.Logger
	ModuleName string
	Exports    Exports

	// ScratchSize bounds the source text plus terminator. 0 uses
	// DefaultScratchSize.
	ScratchSize uint32
}

func (o Options) withDefaults() Options {
	if o.Log == nil {
		o.Log = mwrun.Discard
	}
	if o.Logger == nil {
		o.Logger = Logger()
	}
	if o.ModuleName == "" {
		o.ModuleName = DefaultModuleName
	}
	if o.ScratchSize == 0 {
		o.ScratchSize = DefaultScratchSize
	}
	o.Exports = o.Exports.withDefaults()
	return o
}
