package view

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/wippyai/mwrun/errors"
)

// Rect is a view rectangle in the guest's coordinate space.
type Rect struct {
	X0, Y0, X1, Y1 float64
}

// Width returns X1 - X0.
func (r Rect) Width() float64 { return r.X1 - r.X0 }

// Height returns Y1 - Y0.
func (r Rect) Height() float64 { return r.Y1 - r.Y0 }

func (r Rect) String() string {
	return fmt.Sprintf("{%g,%g,%g,%g}", r.X0, r.Y0, r.X1, r.Y1)
}

// Renderer draws a view. The linker supplies one bound to a live guest.
type Renderer interface {
	Render(ctx context.Context, r Rect) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, r Rect) error

// Render calls f.
func (f RendererFunc) Render(ctx context.Context, r Rect) error {
	return f(ctx, r)
}

// History is a bounded, navigable sequence of Rects with a cursor.
// Invariant: -1 <= cursor <= len(entries)-1.
type History struct {
	renderer Renderer
	entries  []Rect
	limit    int
	cursor   int
	mu       sync.Mutex
}

// New returns an empty history holding at most limit entries. A limit of 0
// or less is unbounded. r may be nil, in which case navigation only moves
// the cursor.
func New(limit int, r Renderer) *History {
	if limit < 0 {
		limit = 0
	}
	return &History{renderer: r, limit: limit, cursor: -1}
}

// Init resets the history to [r] with the cursor on it.
func (h *History) Init(r Rect) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries[:0], r)
	h.cursor = 0
}

// Commit drops every entry after the cursor, appends r and moves the cursor
// to it. The oldest entry is evicted once the limit is exceeded.
func (h *History) Commit(r Rect) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commit(r)
}

func (h *History) commit(r Rect) {
	h.entries = append(h.entries[:h.cursor+1], r)
	if h.limit > 0 && len(h.entries) > h.limit {
		drop := len(h.entries) - h.limit
		h.entries = append(h.entries[:0], h.entries[drop:]...)
	}
	h.cursor = len(h.entries) - 1
}

// Back moves to the previous entry and renders it. It reports false, with
// no render, when the cursor is already at the first entry.
func (h *History) Back(ctx context.Context) (Rect, bool, error) {
	return h.move(ctx, -1)
}

// Forward moves to the next entry and renders it. It reports false, with
// no render, when the cursor is already at the last entry.
func (h *History) Forward(ctx context.Context) (Rect, bool, error) {
	return h.move(ctx, 1)
}

func (h *History) move(ctx context.Context, step int) (Rect, bool, error) {
	h.mu.Lock()
	next := h.cursor + step
	if h.cursor < 0 || next < 0 || next >= len(h.entries) {
		h.mu.Unlock()
		return Rect{}, false, nil
	}
	h.cursor = next
	r := h.entries[next]
	h.mu.Unlock()

	return r, true, h.render(ctx, r)
}

// Current returns the entry under the cursor.
func (h *History) Current() (Rect, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cursor < 0 {
		return Rect{}, false
	}
	return h.entries[h.cursor], true
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Cursor returns the cursor position, -1 when empty.
func (h *History) Cursor() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

// CanBack reports whether Back would move.
func (h *History) CanBack() bool {
	return h.Cursor() > 0
}

// CanForward reports whether Forward would move.
func (h *History) CanForward() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor < len(h.entries)-1
}

// Zoom maps sel, a selection in pixels on a width x height canvas showing
// the current view, into view coordinates, commits the result and renders
// it. The selection corners may be given in any order.
func (h *History) Zoom(ctx context.Context, sel Rect, width, height float64) (Rect, error) {
	if !(width > 0) || !(height > 0) {
		return Rect{}, errors.InvalidInput(errors.PhaseRuntime,
			fmt.Sprintf("canvas size %gx%g must be positive", width, height))
	}
	px0, px1 := math.Min(sel.X0, sel.X1), math.Max(sel.X0, sel.X1)
	py0, py1 := math.Min(sel.Y0, sel.Y1), math.Max(sel.Y0, sel.Y1)
	if px0 == px1 || py0 == py1 {
		return Rect{}, errors.InvalidInput(errors.PhaseRuntime, "empty zoom selection "+sel.String())
	}

	h.mu.Lock()
	if h.cursor < 0 {
		h.mu.Unlock()
		return Rect{}, errors.InvalidState(errors.PhaseRuntime, "zoom on an empty history", nil)
	}
	cur := h.entries[h.cursor]
	sx := cur.Width() / width
	sy := cur.Height() / height
	next := Rect{
		X0: cur.X0 + sx*px0,
		Y0: cur.Y0 + sy*py0,
		X1: cur.X0 + sx*px1,
		Y1: cur.Y0 + sy*py1,
	}
	h.commit(next)
	h.mu.Unlock()

	return next, h.render(ctx, next)
}

func (h *History) render(ctx context.Context, r Rect) error {
	if h.renderer == nil {
		return nil
	}
	return h.renderer.Render(ctx, r)
}
