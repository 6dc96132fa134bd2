// Package tui is the interactive front end: a two-view bubbletea program
// rendering the live variable set and the engine's diagnostics, with inline
// editing wired straight into the sync engine.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jask/themesync/internal/apply"
	"github.com/jask/themesync/internal/restore"
)

type appState string

const (
	viewVariables   appState = "variables"
	viewDiagnostics appState = "diagnostics"
)

// App ties the engine to the terminal.
type App struct {
	ctx     context.Context
	engine  *restore.Engine
	surface *apply.StyleSurface

	state   appState
	names   []string
	cursor  int
	editing bool
	input   textinput.Model
	status  string
	statErr bool
	ready   bool
	width   int
	height  int
}

type initDoneMsg struct {
	ok  bool
	err error
}

type setDoneMsg struct {
	key string
	err error
}

type tickMsg time.Time

// New builds the app around an engine that has not been initialized yet;
// initialization runs as the program's first command.
func New(ctx context.Context, engine *restore.Engine, surface *apply.StyleSurface) *App {
	ti := textinput.New()
	ti.CharLimit = 256
	ti.Prompt = "new value: "
	return &App{
		ctx:     ctx,
		engine:  engine,
		surface: surface,
		state:   viewVariables,
		input:   ti,
		status:  "initializing…",
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.initialize(), tick())
}

func (a *App) initialize() tea.Cmd {
	return func() tea.Msg {
		ok, err := a.engine.Initialize(a.ctx)
		return initDoneMsg{ok: ok, err: err}
	}
}

// tick drives periodic re-render so broadcast and late-fetch changes applied
// on engine goroutines become visible without user input.
func tick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		return a, nil

	case initDoneMsg:
		a.ready = true
		if msg.err != nil {
			a.status, a.statErr = fmt.Sprintf("init failed: %v", msg.err), true
		} else {
			a.status, a.statErr = a.settleStatus(), false
		}
		a.refreshNames()
		return a, nil

	case setDoneMsg:
		if msg.err != nil {
			a.status, a.statErr = fmt.Sprintf("%s: %v", msg.key, msg.err), true
		} else {
			a.status, a.statErr = fmt.Sprintf("%s updated", msg.key), false
		}
		return a, nil

	case tickMsg:
		a.refreshNames()
		return a, tick()

	case tea.KeyMsg:
		return a.handleKey(msg)
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.editing {
		switch msg.String() {
		case "esc":
			a.editing = false
			a.input.Blur()
			return a, nil
		case "enter":
			a.editing = false
			a.input.Blur()
			key := a.names[a.cursor]
			value := strings.TrimSpace(a.input.Value())
			return a, a.setVariable(key, value)
		}
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit
	case "tab":
		if a.state == viewVariables {
			a.state = viewDiagnostics
		} else {
			a.state = viewVariables
		}
	case "up", "k":
		if a.cursor > 0 {
			a.cursor--
		}
	case "down", "j":
		if a.cursor < len(a.names)-1 {
			a.cursor++
		}
	case "enter", "e":
		if a.state == viewVariables && a.ready && a.cursor < len(a.names) {
			a.editing = true
			a.input.SetValue(a.engine.Value(a.names[a.cursor]))
			a.input.Focus()
			return a, textinput.Blink
		}
	}
	return a, nil
}

func (a *App) setVariable(key, value string) tea.Cmd {
	return func() tea.Msg {
		err := a.engine.SetVariable(a.ctx, key, value)
		return setDoneMsg{key: key, err: err}
	}
}

func (a *App) settleStatus() string {
	d := a.engine.Diagnostics()
	if d.FallbackMode {
		return "degraded: remote unreachable, edits disabled"
	}
	return fmt.Sprintf("settled (%s)", d.State)
}

func (a *App) refreshNames() {
	values := a.engine.Values()
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	a.names = names
	if a.cursor >= len(names) && len(names) > 0 {
		a.cursor = len(names) - 1
	}
}

func (a *App) View() string {
	st := a.surface.Styles()

	var b strings.Builder
	b.WriteString(a.renderTabs(st))
	b.WriteString("\n\n")

	switch a.state {
	case viewDiagnostics:
		b.WriteString(a.renderDiagnostics(st))
	default:
		b.WriteString(a.renderVariables(st))
	}

	b.WriteString("\n")
	if a.statErr {
		b.WriteString(st.StatusError.Render(a.status))
	} else {
		b.WriteString(st.StatusBar.Render(a.status))
	}
	b.WriteString("\n")
	b.WriteString(st.Footer.Render("↑/↓ move · enter edit · tab view · q quit"))
	return st.Body.Render(b.String())
}

func (a *App) renderTabs(st apply.Styles) string {
	tabs := []struct {
		state appState
		label string
	}{
		{viewVariables, "Variables"},
		{viewDiagnostics, "Diagnostics"},
	}
	parts := make([]string, 0, len(tabs))
	for _, t := range tabs {
		if t.state == a.state {
			parts = append(parts, st.TabActive.Render(t.label))
		} else {
			parts = append(parts, st.TabInactive.Render(t.label))
		}
	}
	return st.Header.Render(" themesync ") + " " + lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (a *App) renderVariables(st apply.Styles) string {
	if !a.ready {
		return "loading…"
	}
	d := a.engine.Diagnostics()
	prov := make(map[string]string, len(d.Variables))
	for _, v := range d.Variables {
		prov[v.Name] = string(v.Provenance)
	}

	var b strings.Builder
	for i, name := range a.names {
		marker := "  "
		if i == a.cursor {
			marker = st.Border.Render("> ")
		}
		line := fmt.Sprintf("%s%-18s %-14s %s", marker, name, a.engine.Value(name), prov[name])
		b.WriteString(line)
		b.WriteString("\n")
	}
	if a.editing {
		b.WriteString("\n")
		b.WriteString(a.input.View())
	}
	return b.String()
}

func (a *App) renderDiagnostics(st apply.Styles) string {
	d := a.engine.Diagnostics()
	var b strings.Builder
	fmt.Fprintf(&b, "tab        %s\n", d.TabID)
	fmt.Fprintf(&b, "state      %s\n", d.State)
	fmt.Fprintf(&b, "settled    %t\n", d.Settled)
	fmt.Fprintf(&b, "fallback   %t\n", d.FallbackMode)
	fmt.Fprintf(&b, "queue      %d pending\n", d.QueueDepth)
	fmt.Fprintf(&b, "fetches    %d\n", d.FetchCount)
	if len(d.CascadeBases) > 0 {
		fmt.Fprintf(&b, "cascade    %s\n", strings.Join(d.CascadeBases, ", "))
	}
	if d.LastError != "" {
		b.WriteString(st.StatusError.Render("last error: " + d.LastError))
		b.WriteString("\n")
	}
	return b.String()
}
