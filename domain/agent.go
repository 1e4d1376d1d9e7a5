// Package domain holds the shared data model for the orchestration core:
// the entity types common to the ledger, hooks, channels, gates,
// contracts, molecule engine, scheduler, and monitor. Centralizing them
// here (rather than letting each
// component define its own view) is what makes the ledger's "rebuild every
// other store by replaying entries" guarantee possible — every component
// serializes the same struct it reads back.
package domain

import "time"

// Tier orders agents for routing and scheduling purposes, lowest (most
// senior) first.
type Tier string

const (
	TierExecutive Tier = "executive"
	TierVP        Tier = "vp"
	TierDirector  Tier = "director"
	TierWorker    Tier = "worker"
)

// tierRank gives each tier a comparable rank; lower is more senior. Callers
// needing "sender.tier < recipient.tier" (downchain) or the reverse
// (upchain) compare via Rank(), not struct equality.
var tierRank = map[Tier]int{
	TierExecutive: 0,
	TierVP:        1,
	TierDirector:  2,
	TierWorker:    3,
}

// Rank returns the tier's seniority rank, lower being more senior. Unknown
// tiers rank below Worker so they never satisfy downchain/upchain checks by
// accident.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return len(tierRank)
}

// OwnerType distinguishes the kind of entity that owns a Hook — it overlaps
// with Tier for individual agents but also covers pools of workers.
type OwnerType string

const (
	OwnerExecutive OwnerType = "executive"
	OwnerManager   OwnerType = "manager"
	OwnerDirector  OwnerType = "director"
	OwnerWorker    OwnerType = "worker"
	OwnerPool      OwnerType = "pool"
)

// Agent is a participant in the hierarchy: it claims work from its Hook,
// sends/receives Channel messages, and is scheduled against by capability.
type Agent struct {
	ID             string            `json:"id"`
	Role           string            `json:"role"`
	Tier           Tier              `json:"tier"`
	Department     string            `json:"department"`
	Capabilities   map[string]struct{} `json:"-"`
	CapabilityList []string          `json:"capabilities"`
	Skills         []string          `json:"skills"`
	ReportsTo      string            `json:"reports_to,omitempty"`
	DirectReports  []string          `json:"direct_reports,omitempty"`

	// TrustScore is an exponentially-decayed aggregate of
	// ReputationRecord history, used as a scheduler tie-break and a
	// circuit-breaker signal.
	TrustScore float64 `json:"trust_score"`

	RegisteredAt time.Time `json:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// HasCapabilities reports whether the agent's capability set is a superset
// of required.
func (a *Agent) HasCapabilities(required []string) bool {
	if a.Capabilities == nil {
		a.rebuildCapabilitySet()
	}
	for _, r := range required {
		if _, ok := a.Capabilities[r]; !ok {
			return false
		}
	}
	return true
}

func (a *Agent) rebuildCapabilitySet() {
	a.Capabilities = make(map[string]struct{}, len(a.CapabilityList))
	for _, c := range a.CapabilityList {
		a.Capabilities[c] = struct{}{}
	}
}

// NormalizeForStorage prepares the agent for JSON marshaling by flattening
// the capability set back into CapabilityList, and should be called before
// every persist.
func (a *Agent) NormalizeForStorage() {
	if a.Capabilities == nil {
		return
	}
	list := make([]string, 0, len(a.Capabilities))
	for c := range a.Capabilities {
		list = append(list, c)
	}
	a.CapabilityList = list
}

// ReputationRecord is a supplemented attribute: one outcome rating issued
// by a delegator against an agent for a completed or failed molecule step.
type ReputationRecord struct {
	AgentID          string    `json:"agent_id"`
	MoleculeID       string    `json:"molecule_id"`
	Outcome          string    `json:"outcome"` // "success", "failure", "partial"
	QualityScore     float64   `json:"quality_score"`
	TimelinessScore  float64   `json:"timeliness_score"`
	CostAdherence    float64   `json:"cost_adherence"`
	SafetyCompliance float64   `json:"safety_compliance"`
	DelegatorID      string    `json:"delegator_id"`
	RecordedAt       time.Time `json:"recorded_at"`
}
