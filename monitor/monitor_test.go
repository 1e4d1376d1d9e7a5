package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/hook"
	"github.com/corpcore/orchestrator/internal/fsstore"
	"github.com/corpcore/orchestrator/ledger"
	"github.com/corpcore/orchestrator/molecule"
	"github.com/corpcore/orchestrator/registry"
)

func newMonitor(t *testing.T, thresholds Thresholds) (*Monitor, *registry.Registry, *hook.Manager, *molecule.Engine) {
	t.Helper()
	store := fsstore.OpenMemory()
	led, err := ledger.Open(store)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	reg, err := registry.Open(store)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	hooks := hook.New(store, led, time.Nanosecond)
	eng := molecule.New(store, led, nil, nil)
	return New(store, led, reg, hooks, eng, thresholds, time.Nanosecond), reg, hooks, eng
}

func TestCollectMetricsReportsQueuesAndMolecules(t *testing.T) {
	mon, reg, hooks, eng := newMonitor(t, DefaultThresholds())
	if _, err := reg.Register(domain.Agent{ID: "w-1", Tier: domain.TierWorker, CapabilityList: []string{"impl"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := hooks.Enqueue("w-1", domain.OwnerWorker, domain.WorkItem{Priority: domain.P2}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	m, err := eng.Create(molecule.Spec{
		Name:  "observed",
		RACI:  []domain.RACIAssignment{{AgentID: "w-1", Role: domain.RACIAccountable}},
		Steps: []domain.Step{{ID: "S", Name: "s"}},
		Topology: domain.Topology{Type: domain.WorkflowLinear},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := eng.Start(m.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap, err := mon.CollectMetrics()
	if err != nil {
		t.Fatalf("CollectMetrics: %v", err)
	}
	if len(snap.Agents) != 1 || snap.Agents[0].QueueDepth != 3 {
		t.Fatalf("agents = %+v, want w-1 with queue depth 3", snap.Agents)
	}
	if len(snap.Molecules) != 1 || snap.Molecules[0].MoleculeID != m.ID {
		t.Fatalf("molecules = %+v, want the active molecule", snap.Molecules)
	}
}

func TestCheckHealthQueueDepthAlerts(t *testing.T) {
	mon, reg, hooks, _ := newMonitor(t, Thresholds{
		HeartbeatWarning:  time.Hour,
		HeartbeatCritical: 2 * time.Hour,
		QueueWarning:      2,
		QueueCritical:     5,
	})
	if _, err := reg.Register(domain.Agent{ID: "w-warn", Tier: domain.TierWorker}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Register(domain.Agent{ID: "w-crit", Tier: domain.TierWorker}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := hooks.Enqueue("w-warn", domain.OwnerWorker, domain.WorkItem{ID: fmt.Sprintf("a%d", i), Priority: domain.P2}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	for i := 0; i < 6; i++ {
		if _, err := hooks.Enqueue("w-crit", domain.OwnerWorker, domain.WorkItem{ID: fmt.Sprintf("b%d", i), Priority: domain.P2}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	alerts, err := mon.CheckHealth()
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want 2: %+v", len(alerts), alerts)
	}
	// Critical sorts first.
	if alerts[0].Severity != SeverityCritical || alerts[0].AgentID != "w-crit" {
		t.Fatalf("first alert = %+v, want critical for w-crit", alerts[0])
	}
	if alerts[0].Action != "investigate bottleneck" {
		t.Fatalf("critical action = %q", alerts[0].Action)
	}
	if alerts[1].Severity != SeverityWarning || alerts[1].Action != "scale workers" {
		t.Fatalf("second alert = %+v, want queue warning", alerts[1])
	}
}

func TestCheckHealthHeartbeatAlerts(t *testing.T) {
	mon, reg, _, _ := newMonitor(t, Thresholds{
		HeartbeatWarning:  time.Millisecond,
		HeartbeatCritical: time.Hour,
		QueueWarning:      100,
		QueueCritical:     200,
	})
	if _, err := reg.Register(domain.Agent{ID: "w-stale", Tier: domain.TierWorker}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	alerts, err := mon.CheckHealth()
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Severity != SeverityWarning || alerts[0].Action != "check agent" {
		t.Fatalf("alerts = %+v, want one heartbeat warning", alerts)
	}
}
