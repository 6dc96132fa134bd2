package vars

// ---------------------------------------------------------------------------
// Hardcoded default variable set — Catppuccin Mocha values
// https://catppuccin.com/palette
// ---------------------------------------------------------------------------
//
// The last rung of the fallback hierarchy: when remote, primary cache and
// secondary store are all unavailable these values still render a usable
// surface.

var defaultVariables = map[string]string{
	"--text":      "#cdd6f4",
	"--muted":     "#a6adc8",
	"--base":      "#1e1e2e",
	"--mantle":    "#181825",
	"--surface":   "#313244",
	"--border":    "#585b70",
	"--accent":    "#89b4fa",
	"--success":   "#a6e3a1",
	"--error":     "#f38ba8",
	"--warning":   "#f9e2af",
	"--info":      "#94e2d5",
	"--tab-off":   "#7f849c",
	"--pad-x":     "1ch",
	"--gap":       "1ch",
	"--rule-char": "─",
}

// Defaults returns a fresh copy of the hardcoded default variables. Callers
// may mutate the returned map freely.
func Defaults() map[string]string {
	out := make(map[string]string, len(defaultVariables))
	for k, v := range defaultVariables {
		out[k] = v
	}
	return out
}

// DefaultNames returns the known default variable names, used for
// nearest-name suggestions on validation failures.
func DefaultNames() []string {
	names := make([]string, 0, len(defaultVariables))
	for k := range defaultVariables {
		names = append(names, k)
	}
	return names
}
