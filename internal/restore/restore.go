package restore

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jask/themesync/internal/apply"
	"github.com/jask/themesync/internal/bus"
	"github.com/jask/themesync/internal/cascade"
	"github.com/jask/themesync/internal/remote"
	"github.com/jask/themesync/internal/vars"
)

var randFloat = rand.Float64

type fetchOutcome struct {
	values map[string]string
	err    error
}

// Restore runs the restoration pass:
//
//	idle -> immediate-applied -> remote-racing -> {remote-won | timeout-fallback} -> settled
//
// Settled is reached exactly once per engine lifetime; re-entrant calls are
// no-ops returning the cached result. A fetch that loses the race is not
// discarded: its eventual result still updates cache and surface.
func (e *Engine) Restore(ctx context.Context) Result {
	e.mu.Lock()
	if e.settled {
		r := e.settleResult
		e.mu.Unlock()
		return r
	}
	e.state = StateImmediateApplied
	e.mu.Unlock()

	// Immediate apply: local values reach the surface before any network
	// activity.
	values, source, primaryHit := e.loadLocal()
	applied := e.applicator.Apply(values)

	e.mu.Lock()
	for k, v := range values {
		e.current[k] = v
		if source == "defaults" {
			e.provenance[k] = vars.ProvenanceDefault
		} else {
			e.provenance[k] = vars.ProvenanceCache
		}
	}
	e.state = StateRemoteRacing
	e.fetchCount++
	e.mu.Unlock()

	// Race the fetch against the settle timer.
	fetchCh := make(chan fetchOutcome, 1)
	go func() {
		m, err := e.client.Fetch(ctx, e.opts.Keys)
		fetchCh <- fetchOutcome{values: m, err: err}
	}()

	timer := time.NewTimer(e.opts.FetchTimeout)
	defer timer.Stop()

	select {
	case out := <-fetchCh:
		if out.err == nil {
			res := e.integrateRemote(out.values)
			return e.settle(Result{State: StateRemoteWon, Source: "remote", Applied: res})
		}
		e.log.Warn("restore: fetch failed, settling on local values", "error", out.err)
		e.noteError(out.err)
		result := e.settle(Result{State: StateTimeoutFallback, Source: source, Applied: applied})
		e.enterFallbackIfDegraded(primaryHit)
		go e.retryFetch(ctx)
		return result

	case <-timer.C:
		e.log.Debug("restore: fetch lost the race, settling on local values", "source", source)
		result := e.settle(Result{State: StateTimeoutFallback, Source: source, Applied: applied})
		e.enterFallbackIfDegraded(primaryHit)
		go func() {
			out := <-fetchCh
			if out.err != nil {
				e.noteError(out.err)
				e.retryFetch(ctx)
				return
			}
			// Late arrival: still worth applying and caching.
			e.integrateRemote(out.values)
		}()
		return result
	}
}

// loadLocal walks the ordered degraded-source list: primary cache, secondary
// file store, hardcoded defaults. Returns the value set layered over the
// defaults, the winning source name, and whether the primary cache hit.
func (e *Engine) loadLocal() (map[string]string, string, bool) {
	values := vars.Defaults()
	if e.opts.Caps.Storage && e.store != nil {
		if env, ok := e.store.ReadEnvelope(); ok {
			for k, v := range env.Variables {
				values[k] = v
			}
			return values, "cache", true
		}
	}
	if e.fallback != nil {
		if env, ok := e.fallback.ReadEnvelope(); ok {
			for k, v := range env.Variables {
				values[k] = v
			}
			return values, "fallback-store", false
		}
	}
	return values, "defaults", false
}

// settle records the terminal transition. First caller wins; later calls
// return the recorded result.
func (e *Engine) settle(r Result) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settled {
		return e.settleResult
	}
	e.settled = true
	e.settleResult = r
	e.state = StateSettled
	return r
}

// integrateRemote runs fetched values through the cascade and dependency
// resolver, applies, persists and broadcasts them. Used for both the
// remote-won transition and late arrivals after a timeout-fallback settle.
func (e *Engine) integrateRemote(fetched map[string]string) apply.Result {
	clean, rejected := vars.Sanitize(fetched, vars.DefaultNames())
	for _, verr := range rejected {
		e.log.Warn("restore: dropping invalid remote variable", "key", verr.Key, "reason", verr.Reason)
	}

	ts := e.opts.Now().UnixMilli()
	batch := make(map[string]string, len(clean))
	for k, v := range clean {
		final := e.resolver.ResolveCascade(k, v, cascade.Meta{SourceTag: "remote"})
		batch[k] = final
		for dk, dv := range e.resolver.Recompute(k, final) {
			batch[dk] = dv
		}
	}

	applied := e.applicator.Apply(batch)

	e.mu.Lock()
	for k, v := range batch {
		e.current[k] = v
		e.provenance[k] = vars.ProvenanceRemote
		e.lastWrites[k] = vars.Write{Timestamp: ts} // empty tab id: local ties beat remote
	}
	snapshot := e.snapshotLocked()
	e.fallbackMode = false
	e.mu.Unlock()

	e.writeCache(snapshot, "remote")
	for k := range clean {
		e.bus.Publish(bus.Message{Key: k, Value: batch[k], Timestamp: ts, TabID: e.opts.TabID})
	}
	return applied
}

// writeCache persists the full current set to the best available store.
func (e *Engine) writeCache(snapshot map[string]string, source string) {
	if e.opts.Caps.Storage && e.store != nil {
		if e.store.Write(snapshot, source) {
			return
		}
	}
	if e.fallback != nil {
		e.fallback.Write(snapshot, source)
	}
}

// snapshotLocked copies current; caller holds e.mu.
func (e *Engine) snapshotLocked() map[string]string {
	out := make(map[string]string, len(e.current))
	for k, v := range e.current {
		out[k] = v
	}
	return out
}

// retryFetch is the background retry loop after a failed fetch: bounded
// exponential backoff, cache untouched until an attempt succeeds.
func (e *Engine) retryFetch(ctx context.Context) {
	for attempt := 0; attempt < e.opts.RetryCap; attempt++ {
		delay := remote.Backoff(e.opts.BackoffBase, attempt, randFloat)
		if err := e.sleep(ctx, delay); err != nil {
			return
		}
		e.mu.Lock()
		e.fetchCount++
		e.mu.Unlock()
		values, err := e.client.Fetch(ctx, e.opts.Keys)
		if err == nil {
			e.integrateRemote(values)
			return
		}
		e.noteError(err)
		e.log.Warn("restore: background fetch retry failed", "attempt", attempt+1, "error", err)
	}
}

// enterFallbackIfDegraded marks the session degraded when both the remote
// and the primary cache path failed. Write-back stays disabled until the
// recovery probe succeeds.
func (e *Engine) enterFallbackIfDegraded(primaryHit bool) {
	if primaryHit {
		return
	}
	e.mu.Lock()
	e.fallbackMode = true
	e.mu.Unlock()
	e.log.Warn("restore: entering fallback mode, write-back disabled")
}

func (e *Engine) noteError(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}
