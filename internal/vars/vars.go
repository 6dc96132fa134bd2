package vars

import "github.com/google/uuid"

// ---------------------------------------------------------------------------
// Core data model
// ---------------------------------------------------------------------------

// Provenance records which authority a variable's current value came from.
type Provenance string

const (
	ProvenanceDefault   Provenance = "default"
	ProvenanceCache     Provenance = "cache"
	ProvenanceRemote    Provenance = "remote"
	ProvenanceBroadcast Provenance = "broadcast"
	// ProvenanceLocal marks a write made in this tab that has not yet been
	// confirmed by the remote store.
	ProvenanceLocal Provenance = "local"
)

// Write identifies a single write for last-write-wins resolution.
// Timestamp is unix milliseconds. TabID breaks exact-timestamp ties.
type Write struct {
	Timestamp int64
	TabID     string
}

// Newer reports whether w should win over other. Equal timestamps fall back
// to a lexicographic tab-id comparison so that two tabs always agree on the
// winner regardless of delivery order.
func (w Write) Newer(other Write) bool {
	if w.Timestamp != other.Timestamp {
		return w.Timestamp > other.Timestamp
	}
	return w.TabID > other.TabID
}

// Variable is one named style variable plus its sync metadata.
type Variable struct {
	Name       string
	Value      string
	Provenance Provenance
	LastWrite  Write
}

// NewTabID generates the random identity for one browsing context. Generated
// once per engine instance; used to filter self-originated broadcasts.
func NewTabID() string {
	return uuid.NewString()
}
