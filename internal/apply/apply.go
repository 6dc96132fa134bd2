// Package apply writes variable values to the live rendering surface. The
// diff against the last-applied snapshot is the engine's principal flicker-
// and cost-avoidance mechanism: identical values never reach the surface.
package apply

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jask/themesync/internal/vars"
)

// Surface is the rendering sink. Exactly one of the two write paths is used
// per applicator, decided by a one-time capability probe at construction.
type Surface interface {
	// SupportsVariables reports whether the surface accepts live
	// per-variable writes.
	SupportsVariables() bool

	// SetVariables applies a batch of changed variables. Called only on
	// capable surfaces.
	SetVariables(values map[string]string) error

	// SetBlock installs the compiled declaration block for namespace,
	// replacing any previous block under the same key. Called only on
	// non-capable surfaces.
	SetBlock(namespace, block string) error
}

// Result reports one Apply pass.
type Result struct {
	Applied  int
	Skipped  int
	Duration time.Duration
}

// Applicator diffs, validates, and batches writes to one surface.
type Applicator struct {
	surface      Surface
	namespace    string
	supportsVars bool // probed once
	log          *slog.Logger
	now          func() time.Time

	mu          sync.Mutex
	lastApplied map[string]string
}

// New probes the surface capability once and returns an applicator bound to
// namespace.
func New(surface Surface, namespace string, log *slog.Logger) *Applicator {
	if log == nil {
		log = slog.Default()
	}
	return &Applicator{
		surface:      surface,
		namespace:    namespace,
		supportsVars: surface.SupportsVariables(),
		log:          log,
		now:          time.Now,
		lastApplied:  make(map[string]string),
	}
}

// Apply validates m, diffs it against the last-applied snapshot, and writes
// the changed subset to the surface in a single batched pass. Invalid values
// are dropped and logged, never applied; a surface write failure absorbs
// into the result (Applied 0) and leaves the snapshot untouched.
func (a *Applicator) Apply(m map[string]string) Result {
	start := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	changed := make(map[string]string)
	skipped := 0
	for k, v := range m {
		if err := vars.ValidateKey(k, vars.DefaultNames()); err != nil {
			a.log.Warn("apply: dropping variable", "key", k, "error", err)
			continue
		}
		if err := vars.ValidateValue(k, v); err != nil {
			a.log.Warn("apply: dropping variable", "key", k, "error", err)
			continue
		}
		if a.lastApplied[k] == v {
			skipped++
			continue
		}
		changed[k] = v
	}

	if len(changed) > 0 {
		if err := a.write(changed); err != nil {
			a.log.Warn("apply: surface write failed", "error", err)
			return Result{Applied: 0, Skipped: skipped, Duration: a.now().Sub(start)}
		}
		for k, v := range changed {
			a.lastApplied[k] = v
		}
	}
	return Result{Applied: len(changed), Skipped: skipped, Duration: a.now().Sub(start)}
}

// write performs the batched surface write under a.mu.
func (a *Applicator) write(changed map[string]string) error {
	if a.supportsVars {
		return a.surface.SetVariables(changed)
	}
	// Fallback path: the block must describe the full variable set, so
	// compile from the merged snapshot, not just the delta.
	merged := make(map[string]string, len(a.lastApplied)+len(changed))
	for k, v := range a.lastApplied {
		merged[k] = v
	}
	for k, v := range changed {
		merged[k] = v
	}
	return a.surface.SetBlock(a.namespace, CompileBlock(merged))
}

// Snapshot returns a copy of the last-applied values, for diagnostics.
func (a *Applicator) Snapshot() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.lastApplied))
	for k, v := range a.lastApplied {
		out[k] = v
	}
	return out
}
