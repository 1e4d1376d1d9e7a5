// Package scheduler assigns ready work items to agent hooks by capability
// match and load balancing: candidates are scored on queue depth, then
// assignment age, with trust score and agent id breaking remaining ties.
// There is no bidding step — items are placed, not bid on.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/corpcore/orchestrator/corperrors"
	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/hook"
	"github.com/corpcore/orchestrator/ledger"
	"github.com/corpcore/orchestrator/registry"
	"github.com/corpcore/orchestrator/security"
)

// breakerFailureThreshold and breakerTrustFloor are the defaults a new
// per-agent CircuitBreaker is constructed with.
const (
	breakerFailureThreshold = 3
	breakerTrustFloor       = 0.2
)

// pendingItem is a work item parked because no candidate agent existed at
// schedule time.
type pendingItem struct {
	Item                 domain.WorkItem
	RequiredCapabilities []string
	RequiredTier         *domain.Tier
}

// Scheduler places work items into hooks. It is stateless across calls
// except for the pending-assignments queue; all agent inventory comes
// from the registry.
type Scheduler struct {
	registry *registry.Registry
	hooks    *hook.Manager
	ledger   *ledger.Ledger

	mu             sync.Mutex
	lastAssignedAt map[string]time.Time
	pending        []pendingItem
	breakers       map[string]*security.CircuitBreaker
}

// New constructs a Scheduler.
func New(reg *registry.Registry, hooks *hook.Manager, led *ledger.Ledger) *Scheduler {
	return &Scheduler{
		registry:       reg,
		hooks:          hooks,
		ledger:         led,
		lastAssignedAt: make(map[string]time.Time),
		breakers:       make(map[string]*security.CircuitBreaker),
	}
}

// RecordOutcome updates agentID's circuit breaker after a work item
// completes or fails, and checks its current trust score against the
// breaker's floor — the two tripping conditions: repeated failures and a
// sudden trust drop. Callers (the executor, when a claimed step resolves)
// drive this; scheduling itself only consults IsAllowed().
func (s *Scheduler) RecordOutcome(agentID string, success bool) *security.CircuitBreaker {
	s.mu.Lock()
	cb, ok := s.breakers[agentID]
	if !ok {
		cb = security.NewCircuitBreaker(agentID, breakerFailureThreshold, breakerTrustFloor)
		s.breakers[agentID] = cb
	}
	s.mu.Unlock()

	if success {
		cb.RecordSuccess()
	} else {
		cb.RecordFailure()
	}
	if trust, err := s.registry.ComputeTrustScore(agentID); err == nil {
		cb.CheckTrustDrop(trust)
	}
	return cb
}

// breakerAllowsLocked assumes s.mu is already held by the caller.
func (s *Scheduler) breakerAllowsLocked(agentID string) bool {
	cb, ok := s.breakers[agentID]
	if !ok {
		return true
	}
	return cb.IsAllowed()
}

// Schedule assigns item to the best-matching agent's hook. stepReady must
// reflect whether the item's molecule step has all dependencies satisfied
// — the molecule engine computes this via domain.Step.ReadyGiven before
// calling in, since only it holds the step graph.
func (s *Scheduler) Schedule(item domain.WorkItem, requiredCapabilities []string, requiredTier *domain.Tier, stepReady bool) (string, error) {
	if !stepReady {
		return "", fmt.Errorf("%w: step for item %s has unmet dependencies", corperrors.ErrNotReady, item.ID)
	}

	candidates := s.registry.FindByCapability(requiredCapabilities)
	if requiredTier != nil {
		filtered := candidates[:0]
		for _, c := range candidates {
			if c.Tier == *requiredTier {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	agentID, ok := s.pickBest(candidates)
	if !ok {
		s.mu.Lock()
		s.pending = append(s.pending, pendingItem{Item: item, RequiredCapabilities: requiredCapabilities, RequiredTier: requiredTier})
		s.mu.Unlock()
		return "", nil
	}

	if err := s.place(agentID, item); err != nil {
		return "", err
	}
	return agentID, nil
}

// pickBest implements the load-balancing tie-break: minimize
// (queue_depth_including_claimed, age_of_last_assignment); agents still
// tied on both are separated by trust score descending, then agent id
// lexicographic.
func (s *Scheduler) pickBest(candidates []domain.Agent) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	type scored struct {
		id         string
		queueDepth int
		lastAssign time.Time
		trust      float64
	}
	s.mu.Lock()
	scoredCandidates := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if !s.breakerAllowsLocked(c.ID) {
			continue
		}
		stats, err := s.hooks.Stats(c.ID)
		depth := stats.Queued + stats.InProgress
		if err != nil {
			depth = 0
		}
		scoredCandidates = append(scoredCandidates, scored{id: c.ID, queueDepth: depth, lastAssign: s.lastAssignedAt[c.ID], trust: c.TrustScore})
	}
	s.mu.Unlock()
	if len(scoredCandidates) == 0 {
		return "", false // every candidate's breaker is open
	}

	sort.Slice(scoredCandidates, func(i, j int) bool {
		a, b := scoredCandidates[i], scoredCandidates[j]
		if a.queueDepth != b.queueDepth {
			return a.queueDepth < b.queueDepth
		}
		if !a.lastAssign.Equal(b.lastAssign) {
			return a.lastAssign.Before(b.lastAssign)
		}
		if a.trust != b.trust {
			return a.trust > b.trust
		}
		return a.id < b.id
	})
	return scoredCandidates[0].id, true
}

func (s *Scheduler) place(agentID string, item domain.WorkItem) error {
	agent, err := s.registry.Get(agentID)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	ownerType := ownerTypeForTier(agent.Tier)
	if _, err := s.hooks.Enqueue(agentID, ownerType, item); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	s.mu.Lock()
	s.lastAssignedAt[agentID] = time.Now().UTC()
	s.mu.Unlock()

	_, err = s.ledger.Append(domain.LedgerEntry{
		Actor: "scheduler", EntityKind: "work_item", EntityID: item.ID, EventKind: "WorkItemScheduled",
		Payload: map[string]any{"agent_id": agentID},
	})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	return nil
}

func ownerTypeForTier(tier domain.Tier) domain.OwnerType {
	switch tier {
	case domain.TierExecutive:
		return domain.OwnerExecutive
	case domain.TierVP:
		return domain.OwnerManager
	case domain.TierDirector:
		return domain.OwnerDirector
	default:
		return domain.OwnerWorker
	}
}

// RegisterAgent registers a new agent and retries any pending items that
// might now be placeable.
func (s *Scheduler) RegisterAgent(agent domain.Agent) (*domain.Agent, error) {
	registered, err := s.registry.Register(agent)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	s.Rebalance()
	return registered, nil
}

// UpdateAgent re-registers an existing agent's profile and retries
// pending items.
func (s *Scheduler) UpdateAgent(agent domain.Agent) (*domain.Agent, error) {
	return s.RegisterAgent(agent)
}

// Rebalance re-attempts every parked item against current agent
// inventory, keeping still-unplaceable items parked in arrival order.
func (s *Scheduler) Rebalance() []string {
	s.mu.Lock()
	items := s.pending
	s.pending = nil
	s.mu.Unlock()

	var placed []string
	var stillPending []pendingItem
	for _, p := range items {
		candidates := s.registry.FindByCapability(p.RequiredCapabilities)
		if p.RequiredTier != nil {
			filtered := candidates[:0]
			for _, c := range candidates {
				if c.Tier == *p.RequiredTier {
					filtered = append(filtered, c)
				}
			}
			candidates = filtered
		}
		agentID, ok := s.pickBest(candidates)
		if !ok {
			stillPending = append(stillPending, p)
			continue
		}
		if err := s.place(agentID, p.Item); err != nil {
			stillPending = append(stillPending, p)
			continue
		}
		placed = append(placed, p.Item.ID)
	}

	s.mu.Lock()
	s.pending = append(s.pending, stillPending...)
	s.mu.Unlock()
	return placed
}

// PendingCount returns the number of work items currently parked for lack
// of a matching agent.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
