// Package cache implements the local persistent side of the engine: a
// versioned, TTL-bound, sanitizing wrapper around durable storage.
//
// Two implementations satisfy Store: the primary SQLite store and a
// secondary JSON file store used on the degraded path. Neither ever
// surfaces a storage failure as an error to readers: Read returns an
// empty map, Write returns false.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jask/themesync/internal/vars"
)

// Store is the persistence contract the orchestrator depends on.
type Store interface {
	// Read returns the cached variables, or an empty map on missing,
	// corrupt, expired, or version-mismatched envelopes. Never errors.
	Read() map[string]string

	// ReadEnvelope exposes the full record for diagnostics and
	// last-write-wins comparisons. ok is false in every case Read would
	// return an empty map.
	ReadEnvelope() (Envelope, bool)

	// Write sanitizes m, persists the clean subset as a fresh envelope and
	// reports success. The whole write is rejected when the serialized
	// envelope would exceed the size budget. Storage failures convert to
	// false, never an error.
	Write(m map[string]string, source string) bool

	// Clear removes the envelope. Idempotent.
	Clear()

	Close() error
}

// StorageError wraps a persistence failure with the operation that hit it.
// Stores log these; they never cross the Store boundary.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("cache: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Options tunes a store. Zero values fall back to the defaults below.
type Options struct {
	Namespace string        // record key, default "themesync"
	TTL       time.Duration // default DefaultTTL
	Budget    int           // max serialized envelope bytes, default 64 KiB
	Now       func() time.Time
}

const defaultBudget = 64 * 1024

func (o Options) withDefaults() Options {
	if o.Namespace == "" {
		o.Namespace = "themesync"
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Budget <= 0 {
		o.Budget = defaultBudget
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// seal sanitizes m and produces the encoded envelope to persist. prevTS is
// the timestamp of the record being replaced (0 when absent); the new
// timestamp never decreases below it. ok is false only when the serialized
// envelope would exceed the budget.
func (o Options) seal(m map[string]string, source string, prevTS int64, log *slog.Logger) ([]byte, Envelope, bool) {
	clean, rejected := vars.Sanitize(m, vars.DefaultNames())
	for _, verr := range rejected {
		log.Warn("cache: dropping invalid variable", "key", verr.Key, "reason", verr.Reason)
	}
	ts := o.Now().UnixMilli()
	if ts < prevTS {
		ts = prevTS
	}
	env := Envelope{
		Variables: clean,
		Timestamp: ts,
		Version:   FormatVersion,
		Source:    source,
	}
	raw, err := env.Encode()
	if err != nil {
		log.Warn("cache: encode failed", "error", err)
		return nil, Envelope{}, false
	}
	if len(raw) > o.Budget {
		log.Warn("cache: write rejected, envelope over budget",
			"size", len(raw), "budget", o.Budget)
		return nil, Envelope{}, false
	}
	return raw, env, true
}

// prevTimestamp extracts the timestamp from a raw stored record, tolerating
// expired or version-mismatched envelopes: monotonicity holds across format
// boundaries too. Returns 0 when the record is absent or unreadable.
func prevTimestamp(raw []byte) int64 {
	if len(raw) == 0 {
		return 0
	}
	var probe struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0
	}
	return probe.Timestamp
}
