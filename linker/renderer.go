package linker

import (
	"context"

	"github.com/wippyai/mwrun/errors"
	"github.com/wippyai/mwrun/view"
	"github.com/wippyai/mwrun/wasm"
)

// Renderer replays a guest export taking (x0, y0, x1, y1).
type Renderer struct {
	inst   *Instance
	export string
}

var _ view.Renderer = (*Renderer)(nil)

// NewRenderer binds export of inst as a view.Renderer. The export must take
// four numeric parameters.
func NewRenderer(inst *Instance, export string) (*Renderer, error) {
	sig, ok := inst.iface.ExportedFunc(export)
	if !ok {
		return nil, errors.NotFound(errors.PhaseLinking, "render export", export)
	}
	if len(sig.Params) != 4 {
		return nil, errors.New(errors.PhaseLinking, errors.KindSignatureMismatch).
			Path(export).
			Detail("render export is %s, want four parameters", sig).
			Build()
	}
	for _, p := range sig.Params {
		if p != wasm.ValI32 && p != wasm.ValI64 && p != wasm.ValF32 && p != wasm.ValF64 {
			return nil, errors.New(errors.PhaseLinking, errors.KindSignatureMismatch).
				Path(export).
				Detail("render export parameter %s is not numeric", p).
				Build()
		}
	}
	return &Renderer{inst: inst, export: export}, nil
}

// Render calls the export with the rectangle's bounds.
func (r *Renderer) Render(ctx context.Context, rect view.Rect) error {
	_, err := r.inst.Invoke(ctx, r.export, rect.X0, rect.Y0, rect.X1, rect.Y1)
	return err
}
