package apply

import (
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Fallback declaration block
// ---------------------------------------------------------------------------
//
// When a surface cannot take live variable writes, values are translated
// into literal declarations against the known consuming selectors and
// installed as one replaceable block per namespace.

// declaration binds a selector property to the variable that feeds it.
type declaration struct {
	selector string
	property string
	variable string
}

// consumerDecls enumerates every selector/property pair a variable feeds.
// Order here is presentation order inside the compiled block.
var consumerDecls = []declaration{
	{"body", "foreground", "--text"},
	{"body", "background", "--base"},
	{"header", "foreground", "--accent"},
	{"header", "background", "--mantle"},
	{"tab-active", "foreground", "--accent"},
	{"tab-active", "background", "--surface"},
	{"tab-inactive", "foreground", "--tab-off"},
	{"tab-inactive", "background", "--mantle"},
	{"status-bar", "foreground", "--success"},
	{"status-bar", "background", "--surface"},
	{"status-error", "foreground", "--error"},
	{"status-error", "background", "--surface"},
	{"footer", "foreground", "--muted"},
	{"footer", "background", "--mantle"},
	{"border", "foreground", "--border"},
}

// CompileBlock renders the literal declarations for every variable present
// in values. Output is line-oriented ("selector.property: value") and
// deterministic.
func CompileBlock(values map[string]string) string {
	var b strings.Builder
	for _, d := range consumerDecls {
		v, ok := values[d.variable]
		if !ok {
			continue
		}
		b.WriteString(d.selector)
		b.WriteByte('.')
		b.WriteString(d.property)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteByte('\n')
	}
	// Variables no selector consumes still belong in the block so sibling
	// readers see the full set.
	var rest []string
	for k := range values {
		if !consumed(k) {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		b.WriteString("raw.")
		b.WriteString(strings.TrimPrefix(k, "--"))
		b.WriteString(": ")
		b.WriteString(values[k])
		b.WriteByte('\n')
	}
	return b.String()
}

func consumed(variable string) bool {
	for _, d := range consumerDecls {
		if d.variable == variable {
			return true
		}
	}
	return false
}
