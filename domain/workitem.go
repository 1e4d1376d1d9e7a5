package domain

import "time"

// Priority orders work items within a hook, strict descending (P0 claims
// before P1..P3 regardless of arrival order).
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
)

func (p Priority) String() string {
	switch p {
	case P0:
		return "P0"
	case P1:
		return "P1"
	case P2:
		return "P2"
	case P3:
		return "P3"
	default:
		return "P?"
	}
}

// WorkItem is a schedulable unit placed into a Hook.
type WorkItem struct {
	ID                   string            `json:"id"`
	MoleculeID           string            `json:"molecule_id"`
	StepID               string            `json:"step_id"`
	Priority             Priority          `json:"priority"`
	RequiredCapabilities []string          `json:"required_capabilities"`
	Instruction          string            `json:"instruction"`
	MaxRetries           int               `json:"max_retries"`
	RetryCount           int               `json:"retry_count"`
	ClaimedAt            *time.Time        `json:"claimed_at,omitempty"`
	Deadline             *time.Time        `json:"deadline,omitempty"`

	// ArrivalSequence breaks ties within a priority band, FIFO.
	// Assigned by the hook on enqueue.
	ArrivalSequence uint64 `json:"arrival_sequence"`

	// ClaimToken, when present, is the signed proof that Owner currently
	// holds this item (security package); empty for items that have never
	// been claimed or have been released back to queued.
	ClaimToken string `json:"claim_token,omitempty"`
}

// Less implements the hook's strict ordering: priority first, then arrival
// sequence, then item id lexicographically as a last-resort tie-break that
// should not occur in practice but is defined anyway.
func Less(a, b WorkItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.ArrivalSequence != b.ArrivalSequence {
		return a.ArrivalSequence < b.ArrivalSequence
	}
	return a.ID < b.ID
}
