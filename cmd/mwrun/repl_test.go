package main

import (
	"context"
	"io"
	"testing"

	"go.uber.org/zap"

	"github.com/wippyai/mwrun/errors"
	"github.com/wippyai/mwrun/internal/config"
	"github.com/wippyai/mwrun/internal/fixture"
	"github.com/wippyai/mwrun/sink"
	"github.com/wippyai/mwrun/view"
)

func testApp(export string) *app {
	return &app{
		cfg: &config.Config{
			History:  config.HistoryConfig{Limit: 8, Export: export},
			Log:      config.LogConfig{Level: "error", Format: "console"},
			Parallel: 1,
		},
		logger: zap.NewNop(),
		out:    io.Discard,
		errOut: io.Discard,
	}
}

func TestHighlightKeepsHistory(t *testing.T) {
	m := newReplModel(testApp(config.DefaultRenderExport))
	h := view.New(0, nil)
	h.Init(initialView)
	m.history = h

	m.Update(highlightMsg{text: "highlighted\n"})
	if m.history != h {
		t.Fatalf("history after highlight = %v, want the live guest's history", m.history)
	}
	m.Update(highlightMsg{err: errors.InvalidState(errors.PhaseCompile, "closed", nil)})
	if m.history != h {
		t.Fatal("history dropped after a failed highlight")
	}
}

func TestRunMessageHistory(t *testing.T) {
	m := newReplModel(testApp(config.DefaultRenderExport))
	h := view.New(0, nil)
	h.Init(initialView)
	m.history = h

	m.Update(runMsg{err: errors.New(errors.PhaseCompile, errors.KindCompileFailed).Detail("bad").Build()})
	if m.history != h {
		t.Error("compile failure dropped the live guest's history")
	}
	m.Update(runMsg{})
	if m.history != nil {
		t.Error("a new guest without render export kept the old history")
	}
}

func TestBindHistoryUsesConfiguredExport(t *testing.T) {
	tests := []struct {
		name   string
		export string
		guest  []byte
		want   bool
	}{
		{"default name", config.DefaultRenderExport, fixture.Render(), true},
		{"configured name", "plot_mandelbrot_set", fixture.RenderAs("plot_mandelbrot_set"), true},
		{"name not exported", "plot_mandelbrot_set", fixture.Render(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			a := testApp(tt.export)
			rec := &sink.Recorder{}
			s, err := a.openSession(ctx, rec.Log, rec.Image, false)
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close(ctx)
			if _, err := s.RunBytes(ctx, tt.guest); err != nil {
				t.Fatal(err)
			}

			h, err := a.bindHistory(s)
			if err != nil {
				t.Fatalf("bindHistory: %v", err)
			}
			if (h != nil) != tt.want {
				t.Fatalf("history = %v, want bound %v", h, tt.want)
			}
			if h == nil {
				return
			}
			if cur, ok := h.Current(); !ok || cur != initialView {
				t.Errorf("current = %v, want %v", cur, initialView)
			}
			if _, err := h.Zoom(ctx, view.Rect{X0: 100, Y0: 75, X1: 300, Y1: 225}, canvasWidth, canvasHeight); err != nil {
				t.Fatalf("Zoom: %v", err)
			}
			if got := len(rec.Images()); got != 1 {
				t.Errorf("renders = %d, want 1", got)
			}
		})
	}
}
