package molecule

import (
	"fmt"
	"time"

	"github.com/corpcore/orchestrator/domain"
)

// advanceComposite materializes the current phase's child molecule if
// needed, and reacts to its completion or failure. Called from Advance
// while the composite's own lock is held; child operations below take the
// child molecule's own lock (a different key), so no self-deadlock.
//
// Phase access is by index, not pointer: applyPhaseFailure mutates
// cfg.Phases (inserting an escalation phase), which can move or reallocate
// the backing array, so a *CompositePhase taken before that call would be
// left dangling.
func (e *Engine) advanceComposite(m *domain.Molecule) error {
	cfg := m.Topology.Composite
	if cfg == nil || m.Status != domain.MoleculeActive {
		return nil
	}
	if cfg.CurrentPhase >= len(cfg.Phases) {
		return nil
	}
	idx := cfg.CurrentPhase

	if cfg.Phases[idx].ChildMoleculeID == "" {
		if err := e.materializePhase(m, idx); err != nil {
			return err
		}
	}

	childID := cfg.Phases[idx].ChildMoleculeID
	child, err := e.Get(childID)
	if err != nil {
		return fmt.Errorf("molecule: composite %s phase %q: %w", m.ID, cfg.Phases[idx].Name, err)
	}

	switch child.Status {
	case domain.MoleculeCompleted:
		cfg.CurrentPhase++
		if cfg.CurrentPhase >= len(cfg.Phases) {
			m.Status = domain.MoleculeCompleted
			now := time.Now().UTC()
			m.CompletedAt = &now
		}
	case domain.MoleculeFailed:
		return e.applyPhaseFailure(m, idx, "child molecule failed")
	}
	return nil
}

// materializePhase creates and starts the child molecule for cfg.Phases[idx],
// recording its id both on the phase and on the composite's
// ChildMoleculeIDs list.
func (e *Engine) materializePhase(m *domain.Molecule, idx int) error {
	phase := m.Topology.Composite.Phases[idx]
	topology := phase.ChildTopology
	topology.Type = phase.ChildType

	child, err := e.Create(Spec{
		Name:        fmt.Sprintf("%s / %s", m.Name, phase.Name),
		Description: phase.Name,
		CreatorID:   m.CreatorID,
		Criticality: m.Criticality,
		RACI:        m.RACI,
		Steps:       cloneSteps(phase.ChildSteps),
		Topology:    topology,
		MaxRetries:  m.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("molecule: materialize phase %q: %w", phase.Name, err)
	}

	m.Topology.Composite.Phases[idx].ChildMoleculeID = child.ID
	m.ChildMoleculeIDs = append(m.ChildMoleculeIDs, child.ID)

	if _, err := e.Start(child.ID); err != nil {
		return fmt.Errorf("molecule: start phase %q child %s: %w", phase.Name, child.ID, err)
	}
	return nil
}

func cloneSteps(steps []domain.Step) []domain.Step {
	out := make([]domain.Step, len(steps))
	copy(out, steps)
	for i := range out {
		out[i].ID = "" // Create assigns fresh ids per instantiation
		out[i].Status = ""
	}
	return out
}

// HandleCompositePhaseFailure applies the current phase's configured
// on_failure action after its child molecule childID has failed for
// reason. It is exposed directly (in addition to being invoked
// automatically from Advance) so a caller that observes the failure
// through another path — e.g. replaying the ledger — can drive the same
// transition.
func (e *Engine) HandleCompositePhaseFailure(moleculeID, childID, reason string) (*domain.Molecule, error) {
	unlock := e.locks.Lock(moleculeID)
	defer unlock()

	m, err := e.Get(moleculeID)
	if err != nil {
		return nil, err
	}
	cfg := m.Topology.Composite
	if cfg == nil || cfg.CurrentPhase >= len(cfg.Phases) {
		return m, nil
	}
	idx := cfg.CurrentPhase
	if cfg.Phases[idx].ChildMoleculeID != childID {
		return m, nil // stale notification; current phase has already moved on
	}
	if err := e.applyPhaseFailure(m, idx, reason); err != nil {
		return nil, err
	}
	return m, e.save(m)
}

// applyPhaseFailure applies the phase's configured on_failure action to
// cfg.Phases[idx]. Escalations beyond MaxEscalations force the composite
// to fail.
func (e *Engine) applyPhaseFailure(m *domain.Molecule, idx int, reason string) error {
	cfg := m.Topology.Composite
	cfg.Phases[idx].FailureCount++
	onFailure := cfg.Phases[idx].OnFailure
	maxFailures := cfg.Phases[idx].MaxFailures
	failureCount := cfg.Phases[idx].FailureCount

	fail := func() error {
		m.Status = domain.MoleculeFailed
		now := time.Now().UTC()
		m.CompletedAt = &now
		return nil
	}

	switch onFailure {
	case domain.OnFailureFail:
		return fail()

	case domain.OnFailureRetry:
		if maxFailures > 0 && failureCount >= maxFailures {
			return fail()
		}
		cfg.Phases[idx].ChildMoleculeID = "" // re-materialized on next Advance

	case domain.OnFailureEscalateToPrevious:
		if idx == 0 {
			return fail()
		}
		cfg.CurrentPhase--
		cfg.Phases[cfg.CurrentPhase].ChildMoleculeID = ""

	case domain.OnFailureEscalateToSwarm:
		cfg.EscalationCount++
		if cfg.EscalationCount > cfg.MaxEscalations {
			return fail()
		}
		// The failed phase gets a fresh child once the inserted research
		// phase (ahead of it in the list) completes.
		cfg.Phases[idx].ChildMoleculeID = ""
		research := domain.CompositePhase{
			Name:      fmt.Sprintf("additional research after failure: %s", reason),
			ChildType: domain.WorkflowSwarm,
			OnFailure: domain.OnFailureFail,
			ChildTopology: domain.Topology{
				Swarm: &domain.SwarmConfig{ScatterCount: 3, Convergence: domain.ConvergeSynthesize},
			},
		}
		cfg.Phases = append(cfg.Phases[:idx], append([]domain.CompositePhase{research}, cfg.Phases[idx:]...)...)
	}
	return nil
}
