package molecule

import (
	"fmt"
	"time"

	"github.com/corpcore/orchestrator/domain"
)

// AdvanceIteration evaluates a continuous molecule's exit conditions at an
// iteration boundary. If none are met and MaxIterations has not been
// reached, every step is reset to pending (re-running the topology from
// scratch) and CurrentIteration increments; otherwise the molecule
// transitions to completed. Continuous molecules are non-absorbing until
// this point. Nothing in this module calls AdvanceIteration on a timer
// (executor.RunContinuous does not call it); the caller decides when an
// iteration boundary is reached, and this method only performs the
// boundary transition.
func (e *Engine) AdvanceIteration(moleculeID string) (*domain.Molecule, error) {
	unlock := e.locks.Lock(moleculeID)
	defer unlock()

	m, err := e.Get(moleculeID)
	if err != nil {
		return nil, err
	}
	cfg := m.Topology.Continuous
	if cfg == nil {
		return nil, fmt.Errorf("molecule: %s is not a continuous workflow", moleculeID)
	}
	if m.Status != domain.MoleculeActive {
		return m, nil
	}

	exitMet := false
	for i := range cfg.ExitConditions {
		met, err := e.checker(cfg.ExitConditions[i].Expr, moleculeID)
		if err != nil {
			return nil, fmt.Errorf("molecule: exit condition %s: %w", cfg.ExitConditions[i].Name, err)
		}
		if met {
			cfg.ExitConditions[i].Met = true
			exitMet = true
		}
	}

	maxReached := cfg.MaxIterations != nil && cfg.CurrentIteration+1 >= *cfg.MaxIterations
	if exitMet || maxReached {
		m.Status = domain.MoleculeCompleted
		now := time.Now().UTC()
		m.CompletedAt = &now
		if _, err := e.ledger.Append(domain.LedgerEntry{
			Actor: "molecule-engine", EntityKind: "molecule", EntityID: m.ID, EventKind: "MoleculeContinuousExited",
			Payload: map[string]any{"iteration": cfg.CurrentIteration, "exit_condition_met": exitMet},
		}); err != nil {
			return nil, fmt.Errorf("molecule: %w", err)
		}
		return m, e.save(m)
	}

	cfg.CurrentIteration++
	for i := range m.Steps {
		m.Steps[i].Status = domain.StepPending
	}
	if err := e.seedReadySteps(m); err != nil {
		return nil, err
	}
	if _, err := e.ledger.Append(domain.LedgerEntry{
		Actor: "molecule-engine", EntityKind: "molecule", EntityID: m.ID, EventKind: "MoleculeIterationAdvanced",
		Payload: map[string]any{"iteration": cfg.CurrentIteration},
	}); err != nil {
		return nil, fmt.Errorf("molecule: %w", err)
	}
	return m, e.save(m)
}
