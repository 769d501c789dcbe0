package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wippyai/mwrun/errors"
	"github.com/wippyai/mwrun/linker"
	"github.com/wippyai/mwrun/runtime"
	"github.com/wippyai/mwrun/sink"
	"github.com/wippyai/mwrun/view"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	viewStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444"))
)

// The initial view and canvas a render guest is explored with.
var (
	initialView  = view.Rect{X0: -2.0, Y0: -1.2, X1: 1.0, Y1: 1.2}
	canvasWidth  = 400.0
	canvasHeight = 300.0
)

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Edit and run programs interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("repl needs an interactive terminal")
			}
			m := newReplModel(appFrom(cmd))
			_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
			m.close()
			return err
		},
	}
}

type replModel struct {
	err     error
	app     *app
	session *runtime.Session
	rec     *sink.Recorder
	png     *sink.PNG
	history *view.History
	editor  textarea.Model
	output  viewport.Model
	log     strings.Builder
	status  string
	busy    bool
	ready   bool
}

type sessionMsg struct {
	err     error
	session *runtime.Session
}

type runMsg struct {
	err     error
	res     *linker.ExecutionResult
	history *view.History
	text    string
}

type highlightMsg struct {
	err  error
	text string
}

type viewMsg struct {
	err   error
	rect  view.Rect
	moved bool
	text  string
}

func newReplModel(a *app) *replModel {
	ed := textarea.New()
	ed.Placeholder = "source text; ctrl+r runs"
	ed.ShowLineNumbers = true
	ed.SetHeight(10)
	ed.Focus()

	m := &replModel{
		app:    a,
		rec:    &sink.Recorder{},
		editor: ed,
		output: viewport.New(80, 10),
		status: "loading compiler...",
	}
	if a.cfg.PNG.Dir != "" {
		m.png = sink.NewPNG(a.cfg.PNG.Dir, "repl")
		m.png.Scale = a.cfg.PNG.Scale
		m.png.Logger = a.logger
	}
	return m
}

func (m *replModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.openSession)
}

func (m *replModel) openSession() tea.Msg {
	img := m.rec.Image
	if m.png != nil {
		img = sink.TeeImage(m.rec.Image, m.png.Sink())
	}
	s, err := m.app.openSession(context.Background(), m.rec.Log, img, true)
	return sessionMsg{session: s, err: err}
}

func (m *replModel) close() {
	if m.session != nil {
		_ = m.session.Close(context.Background())
	}
}

func (m *replModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.editor.SetWidth(msg.Width - 2)
		m.output.Width = msg.Width - 2
		m.output.Height = max(msg.Height-m.editor.Height()-8, 3)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "ctrl+r":
			return m, m.start(m.run(m.editor.Value()))
		case "ctrl+t":
			return m, m.start(m.highlight(m.editor.Value()))
		case "alt+left":
			return m, m.navigate("back", m.history.Back)
		case "alt+right":
			return m, m.navigate("forward", m.history.Forward)
		case "alt+z":
			return m, m.navigate("zoom", m.zoomCenter)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.output, cmd = m.output.Update(msg)
			return m, cmd
		}

	case sessionMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = ""
			return m, nil
		}
		m.session = msg.session
		m.ready = true
		m.status = "compiler " + nonEmpty(msg.session.Version(), "loaded")
		return m, nil

	case runMsg:
		m.busy = false
		// A rejected source leaves the previous guest live.
		if msg.err == nil || !errors.IsCompile(msg.err) {
			m.history = msg.history
		}
		m.appendOutput(msg.text)
		switch {
		case msg.err != nil:
			m.appendOutput(errorStyle.Render(msg.err.Error()) + "\n")
			m.status = "failed"
		case msg.res == nil:
			m.status = "done"
		case msg.res.Trapped:
			m.appendOutput(errorStyle.Render(msg.res.Trap.Error()) + "\n")
			m.status = "trapped"
		default:
			if msg.res.ReturnValue != nil {
				m.appendOutput(resultStyle.Render(fmt.Sprintf("=> %v", msg.res.ReturnValue)) + "\n")
			}
			m.status = fmt.Sprintf("ran in %s", msg.res.Elapsed.Round(time.Microsecond))
		}
		return m, nil

	case highlightMsg:
		m.busy = false
		m.appendOutput(msg.text)
		if msg.err != nil {
			m.appendOutput(errorStyle.Render(msg.err.Error()) + "\n")
			m.status = "failed"
		} else {
			m.status = "highlighted"
		}
		return m, nil

	case viewMsg:
		m.busy = false
		m.appendOutput(msg.text)
		switch {
		case msg.err != nil:
			m.appendOutput(errorStyle.Render(msg.err.Error()) + "\n")
		case msg.moved:
			m.status = "view " + msg.rect.String()
		default:
			m.status = "no more history"
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.editor, cmd = m.editor.Update(msg)
	return m, cmd
}

// start marks the model busy and returns cmd, or nothing while a previous
// command is still running or the compiler is not ready.
func (m *replModel) start(cmd tea.Cmd) tea.Cmd {
	if m.busy || !m.ready || cmd == nil {
		return nil
	}
	m.busy = true
	m.status = "running..."
	return cmd
}

func (m *replModel) run(text string) tea.Cmd {
	s, rec, a := m.session, m.rec, m.app
	return func() tea.Msg {
		ctx, cancel := a.runContext(context.Background())
		defer cancel()
		res, err := s.Run(ctx, text, runtime.RunOptions{})
		msg := runMsg{res: res, err: err, text: drain(rec)}
		if err == nil && !res.Trapped {
			h, herr := a.bindHistory(s)
			if herr != nil {
				msg.text += herr.Error() + "\n"
			}
			msg.history = h
		}
		return msg
	}
}

func (m *replModel) highlight(text string) tea.Cmd {
	s := m.session
	return func() tea.Msg {
		out, err := s.Highlight(context.Background(), text)
		if err != nil {
			return highlightMsg{err: err}
		}
		return highlightMsg{text: out + "\n"}
	}
}

func (m *replModel) navigate(what string, fn func(context.Context) (view.Rect, bool, error)) tea.Cmd {
	if m.history == nil {
		m.status = "guest has no render export"
		return nil
	}
	rec, a := m.rec, m.app
	return m.start(func() tea.Msg {
		ctx, cancel := a.runContext(context.Background())
		defer cancel()
		r, moved, err := fn(ctx)
		text := drain(rec)
		if moved {
			text = viewStyle.Render(what+" "+r.String()) + "\n" + text
		}
		return viewMsg{rect: r, moved: moved, err: err, text: text}
	})
}

// bindHistory returns a history over the live guest's render export, or nil
// when the guest does not export it.
func (a *app) bindHistory(s *runtime.Session) (*view.History, error) {
	h, err := s.History(a.cfg.History.Export, a.cfg.History.Limit)
	if errors.HasKind(err, errors.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h.Init(initialView)
	return h, nil
}

// zoomCenter zooms into the middle half of the canvas.
func (m *replModel) zoomCenter(ctx context.Context) (view.Rect, bool, error) {
	sel := view.Rect{
		X0: canvasWidth / 4, Y0: canvasHeight / 4,
		X1: canvasWidth * 3 / 4, Y1: canvasHeight * 3 / 4,
	}
	r, err := m.history.Zoom(ctx, sel, canvasWidth, canvasHeight)
	return r, err == nil, err
}

// drain returns what the guest printed plus one line per frame, and clears
// the recorder.
func drain(rec *sink.Recorder) string {
	var b strings.Builder
	b.WriteString(rec.Text())
	for _, img := range rec.Images() {
		fmt.Fprintf(&b, "image %dx%d\n", img.Width, img.Height)
	}
	rec.Reset()
	return b.String()
}

func (m *replModel) appendOutput(s string) {
	if s == "" {
		return
	}
	m.log.WriteString(s)
	m.output.SetContent(m.log.String())
	m.output.GotoBottom()
}

func (m *replModel) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress esc to quit.", m.err))
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("mwrun"))
	b.WriteString(" ")
	b.WriteString(m.status)
	b.WriteString("\n\n")
	b.WriteString(m.editor.View())
	b.WriteString("\n")
	b.WriteString(paneStyle.Render(m.output.View()))
	b.WriteString("\n")
	help := "ctrl+r run • ctrl+t highlight • pgup/pgdown scroll • esc quit"
	if m.history != nil {
		help = "ctrl+r run • ctrl+t highlight • alt+←/→ view history • alt+z zoom • esc quit"
	}
	b.WriteString(helpStyle.Render(help))
	return b.String()
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
