package ledger

import (
	"fmt"

	"github.com/corpcore/orchestrator/domain"
)

// EntityState is the reduction of one entity's event history: what a
// replay of the ledger says the entity last did. The ledger is the source
// of truth; Rebuild folds it into a per-entity view that recovery
// and verification code can diff against the record stores.
type EntityState struct {
	EntityKind   string
	EntityID     string
	LastEvent    string
	LastActor    string
	LastSequence uint64
	Events       int
}

// Rebuild replays every entry in sequence order into a per-entity state
// map, verifying the sequence is gap-free and strictly monotonic as it
// goes — a corrupt or partially-written ledger fails loudly here rather
// than producing a silently wrong rebuild.
func (l *Ledger) Rebuild() (map[string]EntityState, error) {
	entries, err := l.ReadSince(0)
	if err != nil {
		return nil, err
	}
	states := make(map[string]EntityState)
	var prev uint64
	for _, e := range entries {
		if e.Sequence != prev+1 {
			return nil, fmt.Errorf("ledger: sequence gap: %d follows %d", e.Sequence, prev)
		}
		prev = e.Sequence

		s := states[e.EntityID]
		s.EntityKind = e.EntityKind
		s.EntityID = e.EntityID
		s.LastEvent = e.EventKind
		s.LastActor = e.Actor
		s.LastSequence = e.Sequence
		s.Events++
		states[e.EntityID] = s
	}
	return states, nil
}

// History returns one entity's entries in sequence order: the causal
// chain a recovery pass walks, e.g. claim, checkpoint, stale-reclaim,
// claim again, completion for a work item whose first holder crashed.
func (l *Ledger) History(entityID string) ([]domain.LedgerEntry, error) {
	entries, err := l.Query("", entityID)
	if err != nil {
		return nil, err
	}
	// Query returns most recent first; recovery wants causal order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
