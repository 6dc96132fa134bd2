package apply

import (
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/jask/themesync/internal/vars"
)

// Styles is the live style set consumers render with. Built on demand from
// whatever the surface currently holds.
type Styles struct {
	Body        lipgloss.Style
	Header      lipgloss.Style
	TabActive   lipgloss.Style
	TabInactive lipgloss.Style
	StatusBar   lipgloss.Style
	StatusError lipgloss.Style
	Footer      lipgloss.Style
	Border      lipgloss.Style
}

// StyleSurface is the terminal rendering surface. In live-variable mode it
// holds raw variables and derives styles per render; in fallback mode it
// holds only the compiled declaration blocks.
type StyleSurface struct {
	liveVars bool

	mu     sync.Mutex
	values map[string]string
	blocks map[string]string            // namespace -> raw block
	decls  map[string]map[string]string // selector -> property -> value
}

// NewStyleSurface builds a surface. liveVariables comes from the caller's
// capability probe; the surface itself never inspects the terminal.
func NewStyleSurface(liveVariables bool) *StyleSurface {
	return &StyleSurface{
		liveVars: liveVariables,
		values:   vars.Defaults(),
		blocks:   make(map[string]string),
		decls:    make(map[string]map[string]string),
	}
}

// SupportsVariables implements Surface.
func (s *StyleSurface) SupportsVariables() bool { return s.liveVars }

// SetVariables implements Surface.
func (s *StyleSurface) SetVariables(values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = v
	}
	return nil
}

// SetBlock implements Surface. Repeated calls for one namespace replace the
// block; they never accumulate.
func (s *StyleSurface) SetBlock(namespace, block string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[namespace] = block
	s.decls = make(map[string]map[string]string)
	for _, b := range s.blocks {
		parseBlock(b, s.decls)
	}
	return nil
}

// parseBlock folds "selector.property: value" lines into decls.
func parseBlock(block string, decls map[string]map[string]string) {
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		target, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		selector, property, ok := strings.Cut(target, ".")
		if !ok {
			continue
		}
		if decls[selector] == nil {
			decls[selector] = make(map[string]string)
		}
		decls[selector][property] = value
	}
}

// Blocks returns a copy of the installed blocks, for tests and diagnostics.
func (s *StyleSurface) Blocks() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.blocks))
	for k, v := range s.blocks {
		out[k] = v
	}
	return out
}

// Value returns the current value of a variable, falling back to the
// hardcoded default when the surface has nothing newer.
func (s *StyleSurface) Value(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveVars {
		return s.values[name]
	}
	// Fallback mode keeps unconsumed variables under raw.<name>.
	if v, ok := s.decls["raw"][strings.TrimPrefix(name, "--")]; ok {
		return v
	}
	return vars.Defaults()[name]
}

// Styles derives the consumer style set from the surface's current state.
func (s *StyleSurface) Styles() Styles {
	s.mu.Lock()
	defer s.mu.Unlock()

	get := func(selector, property, variable string) lipgloss.Color {
		if s.liveVars {
			return lipgloss.Color(s.values[variable])
		}
		if v, ok := s.decls[selector][property]; ok {
			return lipgloss.Color(v)
		}
		return lipgloss.Color(vars.Defaults()[variable])
	}

	return Styles{
		Body: lipgloss.NewStyle().
			Foreground(get("body", "foreground", "--text")).
			Background(get("body", "background", "--base")),
		Header: lipgloss.NewStyle().Bold(true).
			Foreground(get("header", "foreground", "--accent")).
			Background(get("header", "background", "--mantle")),
		TabActive: lipgloss.NewStyle().Bold(true).Padding(0, 1).
			Foreground(get("tab-active", "foreground", "--accent")).
			Background(get("tab-active", "background", "--surface")),
		TabInactive: lipgloss.NewStyle().Padding(0, 1).
			Foreground(get("tab-inactive", "foreground", "--tab-off")).
			Background(get("tab-inactive", "background", "--mantle")),
		StatusBar: lipgloss.NewStyle().
			Foreground(get("status-bar", "foreground", "--success")).
			Background(get("status-bar", "background", "--surface")),
		StatusError: lipgloss.NewStyle().
			Foreground(get("status-error", "foreground", "--error")).
			Background(get("status-error", "background", "--surface")),
		Footer: lipgloss.NewStyle().
			Foreground(get("footer", "foreground", "--muted")).
			Background(get("footer", "background", "--mantle")),
		Border: lipgloss.NewStyle().
			Foreground(get("border", "foreground", "--border")),
	}
}
