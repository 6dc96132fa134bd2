package restore

import (
	"context"
	"errors"

	"github.com/jask/themesync/internal/bus"
	"github.com/jask/themesync/internal/cascade"
	"github.com/jask/themesync/internal/remote"
	"github.com/jask/themesync/internal/vars"
)

// ErrFallbackMode rejects writes while the session is degraded: rendering
// continues, write confirmation does not.
var ErrFallbackMode = errors.New("restore: fallback mode active, write-back disabled")

// SetVariable is the tab-local write path: validate, resolve, apply,
// persist, enqueue the remote push, and broadcast to siblings.
func (e *Engine) SetVariable(ctx context.Context, key, value string) error {
	if err := vars.ValidateKey(key, vars.DefaultNames()); err != nil {
		return err
	}
	if err := vars.ValidateValue(key, value); err != nil {
		return err
	}

	e.mu.Lock()
	if e.fallbackMode {
		e.mu.Unlock()
		return ErrFallbackMode
	}
	ts := e.opts.Now().UnixMilli()
	e.mu.Unlock()

	final := e.resolver.ResolveCascade(key, value, cascade.Meta{Specificity: 10, SourceTag: "user"})
	batch := map[string]string{key: final}
	for dk, dv := range e.resolver.Recompute(key, final) {
		batch[dk] = dv
	}
	e.applicator.Apply(batch)

	e.mu.Lock()
	for k, v := range batch {
		e.current[k] = v
		e.provenance[k] = vars.ProvenanceLocal
	}
	e.lastWrites[key] = vars.Write{Timestamp: ts, TabID: e.opts.TabID}
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.writeCache(snapshot, "local")
	e.queue.Enqueue(ctx, key, final)
	e.bus.Publish(bus.Message{Key: key, Value: final, Timestamp: ts, TabID: e.opts.TabID})
	return nil
}

// onBroadcast integrates a foreign tab's change. Consistency comes from the
// lastWrite comparison, not arrival order: a late-arriving older message
// never overwrites a newer applied value.
func (e *Engine) onBroadcast(msg bus.Message) {
	incoming := vars.Write{Timestamp: msg.Timestamp, TabID: msg.TabID}

	e.mu.Lock()
	if cur, ok := e.lastWrites[msg.Key]; ok && cur.Newer(incoming) {
		e.mu.Unlock()
		e.log.Debug("restore: ignoring stale broadcast",
			"key", msg.Key, "from", shortID(msg.TabID))
		return
	}
	e.mu.Unlock()

	if err := vars.ValidateValue(msg.Key, msg.Value); err != nil {
		e.log.Warn("restore: dropping invalid broadcast value", "key", msg.Key, "error", err)
		return
	}

	final := e.resolver.ResolveCascade(msg.Key, msg.Value, cascade.Meta{SourceTag: "broadcast"})
	batch := map[string]string{msg.Key: final}
	for dk, dv := range e.resolver.Recompute(msg.Key, final) {
		batch[dk] = dv
	}
	e.applicator.Apply(batch)

	e.mu.Lock()
	for k, v := range batch {
		e.current[k] = v
		e.provenance[k] = vars.ProvenanceBroadcast
	}
	e.lastWrites[msg.Key] = incoming
	e.mu.Unlock()
	// The originating tab already persisted; writing here would just race
	// sibling processes over the shared record.
}

// onPushResult records terminal push outcomes for diagnostics.
func (e *Engine) onPushResult(r remote.Result) {
	if r.Err != nil {
		e.noteError(r.Err)
		e.log.Warn("restore: push resolved with failure",
			"key", r.Key, "attempts", r.Attempts, "error", r.Err)
		return
	}
	e.log.Debug("restore: push confirmed", "key", r.Key, "attempts", r.Attempts)
}

// startRecoveryProbeLocked launches the background ping loop that lifts
// fallback mode. Caller holds e.mu.
func (e *Engine) startRecoveryProbeLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	e.probeCancel = cancel
	go func() {
		defer cancel()
		for {
			if err := e.sleep(ctx, e.opts.ProbeInterval); err != nil {
				return
			}
			if err := e.client.Ping(ctx); err != nil {
				e.log.Debug("restore: recovery probe failed", "error", err)
				continue
			}
			e.mu.Lock()
			e.fallbackMode = false
			e.probeCancel = nil
			e.fetchCount++
			e.mu.Unlock()
			e.log.Info("restore: remote recovered, write-back enabled")

			// Refresh with authoritative values now that the store is back.
			if values, err := e.client.Fetch(context.Background(), e.opts.Keys); err == nil {
				e.integrateRemote(values)
			}
			return
		}
	}()
}
