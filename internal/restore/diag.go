package restore

import (
	"sort"

	"github.com/jask/themesync/internal/vars"
)

// Diagnostics is the read-only snapshot external dashboards consume.
// CascadeBases lists the variables that currently drive derived values.
type Diagnostics struct {
	State        State
	TabID        string
	Settled      bool
	FallbackMode bool
	QueueDepth   int
	FetchCount   int
	LastError    string
	Variables    []vars.Variable
	CascadeBases []string
}

// Diagnostics returns a point-in-time copy of the engine's state. Never
// exposes internal maps.
func (e *Engine) Diagnostics() Diagnostics {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := Diagnostics{
		State:        e.state,
		TabID:        e.opts.TabID,
		Settled:      e.settled,
		FallbackMode: e.fallbackMode,
		QueueDepth:   e.queue.Depth(),
		FetchCount:   e.fetchCount,
	}
	if e.lastErr != nil {
		d.LastError = e.lastErr.Error()
	}
	d.Variables = make([]vars.Variable, 0, len(e.current))
	for k, v := range e.current {
		d.Variables = append(d.Variables, vars.Variable{
			Name:       k,
			Value:      v,
			Provenance: e.provenance[k],
			LastWrite:  e.lastWrites[k],
		})
		if e.resolver.DependsOn(k) {
			d.CascadeBases = append(d.CascadeBases, k)
		}
	}
	sort.Slice(d.Variables, func(i, j int) bool {
		return d.Variables[i].Name < d.Variables[j].Name
	})
	sort.Strings(d.CascadeBases)
	return d
}

// Value returns the engine's current value for one variable.
func (e *Engine) Value(key string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current[key]
}

// Values returns a copy of the full current variable set.
func (e *Engine) Values() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// FallbackMode reports whether write-back is currently suspended.
func (e *Engine) FallbackMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fallbackMode
}

// TabID returns this engine's tab identity.
func (e *Engine) TabID() string { return e.opts.TabID }
