// Package view keeps a bounded undo/redo history of view rectangles and
// replays a guest render export whenever the current entry changes.
//
// A History starts empty with its cursor at -1. Init resets it to a single
// entry; Commit appends, discarding any redo branch past the cursor. Back and
// Forward move the cursor and re-render without recompiling or relinking:
//
//	h := view.New(64, renderer)
//	h.Init(view.Rect{X0: -2, Y0: -1, X1: 1, Y1: 1})
//	h.Commit(view.Rect{X0: -1, Y0: -0.5, X1: 0, Y1: 0.5})
//	prev, ok, err := h.Back(ctx)
package view
