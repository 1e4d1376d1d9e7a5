package domain

import "time"

// LedgerEntry is one append-only, content-addressed record of a state
// transition. ID is the hex-encoded content hash (blake2b-256 over the
// entry's causally-relevant fields), computed by the ledger package — the
// zero value here is filled in by Ledger.Append, never by a caller.
type LedgerEntry struct {
	ID         string          `json:"id"`
	Sequence   uint64          `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
	Actor      string          `json:"actor"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	EventKind  string          `json:"event_kind"`
	Payload    map[string]any  `json:"payload,omitempty"`
	ParentID   string          `json:"parent_id,omitempty"`
}
