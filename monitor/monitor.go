// Package monitor observes the running system: heartbeat ages, queue
// depths, molecule progress, and recent failures, compared against
// thresholds to raise health alerts. The monitor is a read-only observer —
// it never mutates hooks, molecules, or contracts; its only writes are its
// own snapshot and alert records under metrics/.
package monitor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/hook"
	"github.com/corpcore/orchestrator/internal/fsstore"
	"github.com/corpcore/orchestrator/ledger"
	"github.com/corpcore/orchestrator/molecule"
	"github.com/corpcore/orchestrator/registry"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Thresholds are the health comparison limits.
type Thresholds struct {
	HeartbeatWarning  time.Duration `json:"heartbeat_warning"`
	HeartbeatCritical time.Duration `json:"heartbeat_critical"`
	QueueWarning      int           `json:"queue_warning"`
	QueueCritical     int           `json:"queue_critical"`
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HeartbeatWarning:  60 * time.Second,
		HeartbeatCritical: 300 * time.Second,
		QueueWarning:      10,
		QueueCritical:     50,
	}
}

// AgentMetrics is one agent's slice of a snapshot.
type AgentMetrics struct {
	AgentID       string    `json:"agent_id"`
	Tier          domain.Tier `json:"tier"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	QueueDepth    int       `json:"queue_depth"`
	InProgress    int       `json:"in_progress"`
	Completed     int       `json:"completed"`
	Failed        int       `json:"failed"`
}

// MoleculeMetrics is one active molecule's slice of a snapshot.
type MoleculeMetrics struct {
	MoleculeID string                `json:"molecule_id"`
	Name       string                `json:"name"`
	Status     domain.MoleculeStatus `json:"status"`
	Progress   float64               `json:"progress"`
}

// Snapshot is a consistent point-in-time view. Consistency is at entity
// granularity: each hook's stats are read atomically, but the snapshot
// makes no cross-hook atomicity claim.
type Snapshot struct {
	CollectedAt  time.Time         `json:"collected_at"`
	Agents       []AgentMetrics    `json:"agents"`
	Molecules    []MoleculeMetrics `json:"molecules"`
	RecentErrors []string          `json:"recent_errors,omitempty"`
}

// Alert is one health finding with a suggested action.
type Alert struct {
	Severity  Severity  `json:"severity"`
	AgentID   string    `json:"agent_id,omitempty"`
	Condition string    `json:"condition"`
	Action    string    `json:"action"`
	RaisedAt  time.Time `json:"raised_at"`
}

// Monitor collects metrics and raises alerts.
type Monitor struct {
	store      *fsstore.Store
	ledger     *ledger.Ledger
	registry   *registry.Registry
	hooks      *hook.Manager
	engine     *molecule.Engine
	thresholds Thresholds
	cache      *gocache.Cache
}

// New constructs a Monitor. snapshotTTL bounds how stale a cached
// CollectMetrics result may be before a fresh walk.
func New(store *fsstore.Store, led *ledger.Ledger, reg *registry.Registry, hooks *hook.Manager, eng *molecule.Engine, thresholds Thresholds, snapshotTTL time.Duration) *Monitor {
	return &Monitor{
		store:      store,
		ledger:     led,
		registry:   reg,
		hooks:      hooks,
		engine:     eng,
		thresholds: thresholds,
		cache:      gocache.New(snapshotTTL, snapshotTTL*2),
	}
}

const snapshotCacheKey = "current"

// CollectMetrics walks agents, hooks, and molecules into a Snapshot,
// persists it at metrics/current, and serves repeat calls from a TTL
// cache.
func (m *Monitor) CollectMetrics() (*Snapshot, error) {
	if cached, ok := m.cache.Get(snapshotCacheKey); ok {
		snap := cached.(Snapshot)
		return &snap, nil
	}

	snap := Snapshot{CollectedAt: time.Now().UTC()}

	for _, tier := range []domain.Tier{domain.TierExecutive, domain.TierVP, domain.TierDirector, domain.TierWorker} {
		for _, a := range m.registry.ByTier(tier) {
			stats, err := m.hooks.Stats(a.ID)
			if err != nil {
				return nil, fmt.Errorf("monitor: stats %s: %w", a.ID, err)
			}
			snap.Agents = append(snap.Agents, AgentMetrics{
				AgentID:       a.ID,
				Tier:          a.Tier,
				LastHeartbeat: a.LastSeenAt,
				QueueDepth:    stats.Queued,
				InProgress:    stats.InProgress,
				Completed:     stats.Completed,
				Failed:        stats.Failed,
			})
		}
	}

	mols, err := m.engine.List()
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	for _, mol := range mols {
		if mol.Status != domain.MoleculeActive && mol.Status != domain.MoleculePaused {
			continue
		}
		snap.Molecules = append(snap.Molecules, MoleculeMetrics{
			MoleculeID: mol.ID,
			Name:       mol.Name,
			Status:     mol.Status,
			Progress:   mol.Progress.Fraction,
		})
	}

	snap.RecentErrors = m.recentErrors(20)

	if err := m.store.WriteJSON("metrics/current.json", snap); err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	m.cache.SetDefault(snapshotCacheKey, snap)
	return &snap, nil
}

// recentErrors scans the tail of the ledger for failure events.
func (m *Monitor) recentErrors(limit int) []string {
	latest := m.ledger.LatestSequence()
	var since uint64
	if latest > 200 {
		since = latest - 200
	}
	entries, err := m.ledger.ReadSince(since)
	if err != nil {
		return nil
	}
	var out []string
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := entries[i]
		if strings.Contains(e.EventKind, "Failed") || strings.Contains(e.EventKind, "CostCapExceeded") {
			out = append(out, fmt.Sprintf("seq %d: %s %s %s", e.Sequence, e.EventKind, e.EntityKind, e.EntityID))
		}
	}
	return out
}

// CheckHealth compares a fresh snapshot against the thresholds, persists
// the active alert list at metrics/alerts, and returns it, most severe
// first.
func (m *Monitor) CheckHealth() ([]Alert, error) {
	snap, err := m.CollectMetrics()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var alerts []Alert

	for _, a := range snap.Agents {
		if !a.LastHeartbeat.IsZero() {
			age := now.Sub(a.LastHeartbeat)
			switch {
			case age > m.thresholds.HeartbeatCritical:
				alerts = append(alerts, Alert{
					Severity: SeverityCritical, AgentID: a.AgentID, RaisedAt: now,
					Condition: fmt.Sprintf("heartbeat age %s exceeds critical %s", age.Round(time.Second), m.thresholds.HeartbeatCritical),
					Action:    "restart agent",
				})
			case age > m.thresholds.HeartbeatWarning:
				alerts = append(alerts, Alert{
					Severity: SeverityWarning, AgentID: a.AgentID, RaisedAt: now,
					Condition: fmt.Sprintf("heartbeat age %s exceeds warning %s", age.Round(time.Second), m.thresholds.HeartbeatWarning),
					Action:    "check agent",
				})
			}
		}
		switch {
		case a.QueueDepth > m.thresholds.QueueCritical:
			alerts = append(alerts, Alert{
				Severity: SeverityCritical, AgentID: a.AgentID, RaisedAt: now,
				Condition: fmt.Sprintf("queue depth %d exceeds critical %d", a.QueueDepth, m.thresholds.QueueCritical),
				Action:    "investigate bottleneck",
			})
		case a.QueueDepth > m.thresholds.QueueWarning:
			alerts = append(alerts, Alert{
				Severity: SeverityWarning, AgentID: a.AgentID, RaisedAt: now,
				Condition: fmt.Sprintf("queue depth %d exceeds warning %d", a.QueueDepth, m.thresholds.QueueWarning),
				Action:    "scale workers",
			})
		}
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Severity == SeverityCritical && alerts[j].Severity != SeverityCritical
	})
	if err := m.store.WriteJSON("metrics/alerts.json", alerts); err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	return alerts, nil
}
