package cache

import (
	"encoding/json"
	"errors"
	"time"
)

// ---------------------------------------------------------------------------
// Envelope format
// ---------------------------------------------------------------------------
//
// All cached variables persist as one serialized record. The format carries
// exactly one version; anything else is discarded wholesale on read, never
// migrated.

// FormatVersion is the only envelope version this engine reads or writes.
const FormatVersion = "1.0"

// DefaultTTL bounds how long a cached envelope stays usable.
const DefaultTTL = 24 * time.Hour

var (
	ErrVersionMismatch = errors.New("cache: envelope version mismatch")
	ErrExpired         = errors.New("cache: envelope expired")
)

// Envelope is the single persisted cache record.
type Envelope struct {
	Variables map[string]string `json:"variables"`
	Timestamp int64             `json:"timestamp"` // unix milliseconds
	Version   string            `json:"version"`
	Source    string            `json:"source"`
}

// Encode serializes the envelope for persistence.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// decodeEnvelope parses raw bytes and checks version and TTL against now.
// Returns ErrVersionMismatch or ErrExpired for the two silent-discard cases.
func decodeEnvelope(raw []byte, now time.Time, ttl time.Duration) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, err
	}
	if e.Version != FormatVersion {
		return Envelope{}, ErrVersionMismatch
	}
	age := now.UnixMilli() - e.Timestamp
	if age > ttl.Milliseconds() {
		return Envelope{}, ErrExpired
	}
	if e.Variables == nil {
		e.Variables = map[string]string{}
	}
	return e, nil
}
