// Package registry implements agent registration, capability lookup,
// hierarchy navigation, and reputation-backed trust scoring over the
// fsstore-backed org tree.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/corpcore/orchestrator/corperrors"
	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/internal/fsstore"
	"github.com/corpcore/orchestrator/internal/keyedmutex"
)

// Registry tracks the agent hierarchy and capability index.
type Registry struct {
	store *fsstore.Store
	locks *keyedmutex.Map

	mu     sync.RWMutex
	agents map[string]*domain.Agent
}

// Open loads the registry, hydrating its in-memory index from whatever
// agents already exist under "org/agents/".
func Open(store *fsstore.Store) (*Registry, error) {
	r := &Registry{
		store:  store,
		locks:  keyedmutex.New(),
		agents: make(map[string]*domain.Agent),
	}
	names, err := store.List("org/agents")
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	for _, name := range names {
		var agent domain.Agent
		if err := store.ReadJSON("org/agents/"+name, &agent); err != nil {
			return nil, fmt.Errorf("registry: load %s: %w", name, err)
		}
		agent.HasCapabilities(nil) // forces capability set rebuild
		r.agents[agent.ID] = &agent
	}
	return r, nil
}

// Register creates or replaces an agent's profile. TrustScore defaults to
// a neutral 0.5 for newly-seen agents.
func (r *Registry) Register(agent domain.Agent) (*domain.Agent, error) {
	unlock := r.locks.Lock(agent.ID)
	defer unlock()

	now := time.Now().UTC()
	agent.RegisteredAt = now
	agent.LastSeenAt = now
	if agent.TrustScore == 0 {
		agent.TrustScore = 0.5
	}
	agent.NormalizeForStorage()

	if err := r.store.WriteJSON("org/agents/"+agent.ID+".json", agent); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	r.mu.Lock()
	stored := agent
	stored.HasCapabilities(nil)
	r.agents[agent.ID] = &stored
	r.mu.Unlock()

	if err := r.linkReportsTo(&stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// linkReportsTo appends agent to its manager's DirectReports, if any.
func (r *Registry) linkReportsTo(agent *domain.Agent) error {
	if agent.ReportsTo == "" {
		return nil
	}
	manager, err := r.Get(agent.ReportsTo)
	if err != nil {
		return nil // manager not yet registered; tolerated, and the link is not added later
	}
	for _, id := range manager.DirectReports {
		if id == agent.ID {
			return nil
		}
	}
	manager.DirectReports = append(manager.DirectReports, agent.ID)
	_, err = r.Register(*manager)
	return err
}

// Get returns the agent by ID.
func (r *Registry) Get(id string) (*domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", corperrors.ErrNotFound, id)
	}
	clone := *agent
	return &clone, nil
}

// Touch updates an agent's LastSeenAt, called by agent behaviors on every
// ClaimWork, right after the hook heartbeat.
func (r *Registry) Touch(id string) error {
	agent, err := r.Get(id)
	if err != nil {
		return err
	}
	agent.LastSeenAt = time.Now().UTC()
	_, err = r.Register(*agent)
	return err
}

// FindByCapability returns every agent whose capability set is a superset
// of required, sorted by TrustScore descending.
func (r *Registry) FindByCapability(required []string) []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []domain.Agent
	for _, agent := range r.agents {
		if agent.HasCapabilities(required) {
			matches = append(matches, *agent)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].TrustScore > matches[j].TrustScore
	})
	return matches
}

// DirectReportsOf returns the immediate DirectReports of agent id.
func (r *Registry) DirectReportsOf(id string) ([]domain.Agent, error) {
	agent, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Agent, 0, len(agent.DirectReports))
	for _, childID := range agent.DirectReports {
		child, err := r.Get(childID)
		if err != nil {
			continue
		}
		out = append(out, *child)
	}
	return out, nil
}

// ByTier returns every registered agent at the given tier, used by the
// executor to cycle tiers executive→manager→director→worker.
func (r *Registry) ByTier(tier domain.Tier) []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Agent
	for _, agent := range r.agents {
		if agent.Tier == tier {
			out = append(out, *agent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordReputation appends a reputation record for an agent and
// immediately recomputes its TrustScore, so trust never goes stale
// waiting for a separate recompute pass.
func (r *Registry) RecordReputation(record domain.ReputationRecord) error {
	record.RecordedAt = time.Now().UTC()
	key := fmt.Sprintf("org/reputation/%s/%s_%d.json", record.AgentID, record.MoleculeID, record.RecordedAt.UnixNano())
	if err := r.store.WriteJSON(key, record); err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	score, err := r.ComputeTrustScore(record.AgentID)
	if err != nil {
		return err
	}
	agent, err := r.Get(record.AgentID)
	if err != nil {
		return nil // agent not registered yet; reputation recorded regardless
	}
	agent.TrustScore = score
	_, err = r.Register(*agent)
	return err
}

// ReputationHistory returns every reputation record filed against agentID.
func (r *Registry) ReputationHistory(agentID string) ([]domain.ReputationRecord, error) {
	names, err := r.store.List("org/reputation/" + agentID)
	if err != nil {
		return nil, nil // no history yet
	}
	records := make([]domain.ReputationRecord, 0, len(names))
	for _, name := range names {
		var rec domain.ReputationRecord
		if err := r.store.ReadJSON("org/reputation/"+agentID+"/"+name, &rec); err != nil {
			return nil, fmt.Errorf("registry: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ComputeTrustScore aggregates an agent's reputation history with a
// 30-day recency decay — recent outcomes dominate, but a single old
// failure never permanently anchors the score.
func (r *Registry) ComputeTrustScore(agentID string) (float64, error) {
	records, err := r.ReputationHistory(agentID)
	if err != nil || len(records) == 0 {
		return 0.5, err
	}

	var weightedSum, totalWeight float64
	now := time.Now().UTC()
	for _, rec := range records {
		ageDays := now.Sub(rec.RecordedAt).Hours() / 24.0
		weight := 1.0 / (1.0 + ageDays/30.0)
		score := (rec.QualityScore + rec.TimelinessScore + rec.CostAdherence + rec.SafetyCompliance) / 4.0
		weightedSum += score * weight
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0.5, nil
	}
	return weightedSum / totalWeight, nil
}

// IsDownchain reports whether recipient reports (directly or transitively)
// to sender — used by the channel package to validate downchain/upchain
// routing rules.
func (r *Registry) IsDownchain(senderID, recipientID string) bool {
	recipient, err := r.Get(recipientID)
	if err != nil {
		return false
	}
	seen := map[string]bool{}
	for cur := recipient.ReportsTo; cur != "" && !seen[cur]; {
		if cur == senderID {
			return true
		}
		seen[cur] = true
		next, err := r.Get(cur)
		if err != nil {
			break
		}
		cur = next.ReportsTo
	}
	return false
}
