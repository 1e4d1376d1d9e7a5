package molecule

import (
	"errors"
	"testing"

	"github.com/corpcore/orchestrator/corperrors"
	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/internal/fsstore"
	"github.com/corpcore/orchestrator/ledger"
)

type recordingScheduler struct {
	scheduled []domain.WorkItem
}

func (s *recordingScheduler) Schedule(item domain.WorkItem, caps []string, tier *domain.Tier, ready bool) (string, error) {
	s.scheduled = append(s.scheduled, item)
	return "agt_worker", nil
}

func newTestEngine(t *testing.T, sched Scheduler, checker ExitChecker) *Engine {
	t.Helper()
	store := fsstore.OpenMemory()
	led, err := ledger.Open(store)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	return New(store, led, sched, checker)
}

func accountable(agentID string) []domain.RACIAssignment {
	return []domain.RACIAssignment{{AgentID: agentID, Role: domain.RACIAccountable}}
}

// Linear molecule happy path — steps become ready in dependency order
// and the molecule completes once all are done.
func TestLinearHappyPath(t *testing.T) {
	sched := &recordingScheduler{}
	e := newTestEngine(t, sched, nil)

	m, err := e.Create(Spec{
		Name:      "deploy",
		CreatorID: "vp_eng",
		RACI:      accountable("vp_eng"),
		Steps: []domain.Step{
			{ID: "A"},
			{ID: "B", DependsOn: []string{"A"}},
			{ID: "C", DependsOn: []string{"B"}},
		},
		Topology: domain.Topology{Type: domain.WorkflowLinear},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	started, err := e.Start(m.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.StepByID("A").Status != domain.StepReady {
		t.Fatalf("expected A ready, got %s", started.StepByID("A").Status)
	}
	if len(sched.scheduled) != 1 || sched.scheduled[0].StepID != "A" {
		t.Fatalf("expected only A scheduled, got %+v", sched.scheduled)
	}

	if _, err := e.CompleteStep(m.ID, "A", nil); err != nil {
		t.Fatalf("CompleteStep A: %v", err)
	}
	afterA, err := e.Get(m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if afterA.StepByID("B").Status != domain.StepReady {
		t.Fatalf("expected B ready after A completes, got %s", afterA.StepByID("B").Status)
	}

	if _, err := e.CompleteStep(m.ID, "B", nil); err != nil {
		t.Fatalf("CompleteStep B: %v", err)
	}
	final, err := e.CompleteStep(m.ID, "C", nil)
	if err != nil {
		t.Fatalf("CompleteStep C: %v", err)
	}
	if final.Status != domain.MoleculeCompleted {
		t.Fatalf("expected molecule completed, got %s", final.Status)
	}
	if final.Progress.Fraction != 1.0 {
		t.Fatalf("expected full progress, got %f", final.Progress.Fraction)
	}
}

// Swarm expansion — 3 scatter steps with no dependencies among them,
// 3 critique steps each depending on the matching scatter step, and 1
// convergence step depending on all 3 critiques.
func TestSwarmExpansion(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	m, err := e.Create(Spec{
		Name:      "research",
		CreatorID: "vp_research",
		RACI:      accountable("vp_research"),
		Topology: domain.Topology{
			Type: domain.WorkflowSwarm,
			Swarm: &domain.SwarmConfig{
				ScatterCount:   3,
				CritiqueRounds: 1,
				Convergence:    domain.ConvergeSynthesize,
			},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	started, err := e.Start(m.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cfg := started.Topology.Swarm
	if len(cfg.ScatterStepIDs) != 3 {
		t.Fatalf("expected 3 scatter steps, got %d", len(cfg.ScatterStepIDs))
	}
	if len(cfg.CritiqueStepIDs) != 3 {
		t.Fatalf("expected 3 critique steps, got %d", len(cfg.CritiqueStepIDs))
	}
	if cfg.ConvergeStepID == "" {
		t.Fatal("expected a convergence step id")
	}
	for i, scatterID := range cfg.ScatterStepIDs {
		critique := started.StepByID(cfg.CritiqueStepIDs[i])
		if len(critique.DependsOn) != 1 || critique.DependsOn[0] != scatterID {
			t.Fatalf("critique %d should depend on matching scatter %s, got %+v", i, scatterID, critique.DependsOn)
		}
	}
	converge := started.StepByID(cfg.ConvergeStepID)
	if len(converge.DependsOn) != 3 {
		t.Fatalf("expected convergence to depend on all 3 critiques, got %+v", converge.DependsOn)
	}
	for _, scatterID := range cfg.ScatterStepIDs {
		if started.StepByID(scatterID).Status != domain.StepReady {
			t.Fatalf("expected scatter step %s ready with no dependencies", scatterID)
		}
	}
}

// Persistent-retry with cost cap — each failing attempt authorizes and
// records a real 2.5 spend; after four attempts (cumulative 10.0, at the
// cap) the fifth authorization is rejected with CostCapExceeded and the
// molecule fails, well before its retry budget runs out.
func TestPersistentRetryCostCap(t *testing.T) {
	store := fsstore.OpenMemory()
	led, err := ledger.Open(store)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	e := New(store, led, nil, func(expr, moleculeID string) (bool, error) { return false, nil })

	m, err := e.Create(Spec{
		Name:      "ralph",
		CreatorID: "vp_eng",
		RACI:      accountable("vp_eng"),
		Steps:     []domain.Step{{ID: "attempt"}},
		Topology: domain.Topology{
			Type: domain.WorkflowRetry,
			Retry: &domain.RetryConfig{
				MaxRetries: 10,
				CostCap:    10.0,
			},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.Start(m.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := e.AuthorizeSpend(m.ID, 2.5); err != nil {
			t.Fatalf("AuthorizeSpend attempt %d: %v", i, err)
		}
		if err := e.RecordCost(m.ID, 2.5); err != nil {
			t.Fatalf("RecordCost attempt %d: %v", i, err)
		}
		if _, err := e.FailStep(m.ID, "attempt", errors.New("tests failed")); err != nil {
			t.Fatalf("FailStep attempt %d: %v", i, err)
		}
	}

	err = e.AuthorizeSpend(m.ID, 2.5)
	if !errors.Is(err, corperrors.ErrCostCapExceeded) {
		t.Fatalf("fifth authorization error = %v, want CostCapExceeded", err)
	}

	final := mustGet(t, e, m.ID)
	if final.Status != domain.MoleculeFailed {
		t.Fatalf("expected molecule failed on cost cap, got %s", final.Status)
	}
	if final.Topology.Retry.CumulativeCost != 10.0 {
		t.Fatalf("cumulative cost = %v, want 10.0", final.Topology.Retry.CumulativeCost)
	}
	if final.Topology.Retry.AttemptCount >= 10 {
		t.Fatalf("failed via retries (%d attempts), not the cost cap", final.Topology.Retry.AttemptCount)
	}

	entries, err := led.Query("molecule", m.ID)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) == 0 || entries[0].EventKind != "MoleculeCostCapExceeded" {
		t.Fatalf("latest molecule ledger event = %+v, want MoleculeCostCapExceeded", entries)
	}
}

// Composite escalation — a failed phase configured with
// escalate_to_swarm inserts a research phase and increments
// escalation_count; exceeding max_escalations fails the composite.
//
// Composite phases materialize lazily (Start only validates), so each
// transition below is driven by an explicit Advance: one call discovers a
// phase needs a child and creates it, the next observes that child's
// terminal status.
func TestCompositeEscalateToSwarm(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	m, err := e.Create(Spec{
		Name:      "build-feature",
		CreatorID: "vp_eng",
		RACI:      accountable("vp_eng"),
		Topology: domain.Topology{
			Type: domain.WorkflowComposite,
			Composite: &domain.CompositeConfig{
				MaxEscalations: 1,
				Phases: []domain.CompositePhase{
					{
						Name:      "implement",
						ChildType: domain.WorkflowLinear,
						OnFailure: domain.OnFailureEscalateToSwarm,
						ChildSteps: []domain.Step{
							{Name: "impl"},
						},
					},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.Start(m.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Materializes the implement phase's child molecule.
	afterMaterialize, err := e.Advance(m.ID)
	if err != nil {
		t.Fatalf("Advance (materialize implement): %v", err)
	}
	cfg := afterMaterialize.Topology.Composite
	if len(cfg.Phases) != 1 {
		t.Fatalf("expected 1 phase before any failure, got %d", len(cfg.Phases))
	}
	implementChildID := cfg.Phases[0].ChildMoleculeID
	if implementChildID == "" {
		t.Fatal("expected implement phase to materialize a child molecule")
	}
	implStepID := mustGet(t, e, implementChildID).Steps[0].ID

	if _, err := e.FailStep(implementChildID, implStepID, errors.New("boom")); err != nil {
		t.Fatalf("FailStep on child: %v", err)
	}

	// Observes the implement child's failure and escalates to a swarm.
	afterFirstEscalation, err := e.Advance(m.ID)
	if err != nil {
		t.Fatalf("Advance (escalate): %v", err)
	}
	cfg = afterFirstEscalation.Topology.Composite
	if cfg.EscalationCount != 1 {
		t.Fatalf("expected escalation_count 1, got %d", cfg.EscalationCount)
	}
	if len(cfg.Phases) != 2 {
		t.Fatalf("expected a research phase inserted, got %d phases", len(cfg.Phases))
	}
	if cfg.Phases[0].ChildType != domain.WorkflowSwarm {
		t.Fatalf("expected inserted phase to be a swarm, got %s", cfg.Phases[0].ChildType)
	}
	if cfg.Phases[1].ChildMoleculeID != "" {
		t.Fatal("expected implement phase's child cleared for re-materialization")
	}

	// Materializes the inserted research phase.
	afterResearchMaterialize, err := e.Advance(m.ID)
	if err != nil {
		t.Fatalf("Advance (materialize research): %v", err)
	}
	cfg = afterResearchMaterialize.Topology.Composite
	researchChildID := cfg.Phases[0].ChildMoleculeID
	if researchChildID == "" {
		t.Fatal("expected research phase to materialize a child molecule")
	}

	// Completing every scatter and converge step (no critique rounds
	// configured) finishes the research swarm and drives the composite
	// back to the implement phase.
	researchChild := mustGet(t, e, researchChildID)
	for _, id := range researchChild.Topology.Swarm.ScatterStepIDs {
		if _, err := e.CompleteStep(researchChildID, id, nil); err != nil {
			t.Fatalf("CompleteStep research scatter %s: %v", id, err)
		}
	}
	if _, err := e.CompleteStep(researchChildID, researchChild.Topology.Swarm.ConvergeStepID, nil); err != nil {
		t.Fatalf("CompleteStep research converge: %v", err)
	}

	afterResearchDone, err := e.Advance(m.ID)
	if err != nil {
		t.Fatalf("Advance (research complete): %v", err)
	}
	cfg = afterResearchDone.Topology.Composite
	if cfg.CurrentPhase != 1 {
		t.Fatalf("expected composite to have moved on to phase 1, got %d", cfg.CurrentPhase)
	}

	// Materializes a fresh implement child for the retried phase.
	afterReimplement, err := e.Advance(m.ID)
	if err != nil {
		t.Fatalf("Advance (materialize retried implement): %v", err)
	}
	cfg = afterReimplement.Topology.Composite
	retriedImplementID := cfg.Phases[1].ChildMoleculeID
	if retriedImplementID == "" {
		t.Fatal("expected implement phase re-materialized after research completes")
	}
	if retriedImplementID == implementChildID {
		t.Fatal("expected a fresh child molecule, not the original failed one")
	}
	retriedStepID := mustGet(t, e, retriedImplementID).Steps[0].ID

	if _, err := e.FailStep(retriedImplementID, retriedStepID, errors.New("boom again")); err != nil {
		t.Fatalf("FailStep on re-materialized child: %v", err)
	}
	final, err := e.Advance(m.ID)
	if err != nil {
		t.Fatalf("Advance final: %v", err)
	}
	if final.Status != domain.MoleculeFailed {
		t.Fatalf("expected composite failed once max_escalations exceeded, got %s", final.Status)
	}
}

func mustGet(t *testing.T, e *Engine, id string) *domain.Molecule {
	t.Helper()
	m, err := e.Get(id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return m
}
