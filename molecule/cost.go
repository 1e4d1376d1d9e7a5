package molecule

import (
	"fmt"
	"time"

	"github.com/corpcore/orchestrator/corperrors"
	"github.com/corpcore/orchestrator/domain"
)

// AuthorizeSpend checks whether spending estimated more would push the
// molecule's actual cost over its cost cap. If it would, the molecule is
// transitioned to failed before the error returns, so callers see
// CostCapExceeded and the molecule's terminal state together.
func (e *Engine) AuthorizeSpend(moleculeID string, estimated float64) error {
	unlock := e.locks.Lock(moleculeID)
	defer unlock()

	m, err := e.Get(moleculeID)
	if err != nil {
		return err
	}
	limit := m.CostCap
	if cfg := m.Topology.Retry; cfg != nil && cfg.CostCap > 0 {
		limit = cfg.CostCap
	}
	if limit <= 0 || m.Economic.ActualCost+estimated <= limit {
		return nil
	}

	m.Status = domain.MoleculeFailed
	now := time.Now().UTC()
	m.CompletedAt = &now
	if err := e.save(m); err != nil {
		return err
	}
	if _, err := e.ledger.Append(domain.LedgerEntry{
		Actor: "molecule-engine", EntityKind: "molecule", EntityID: m.ID, EventKind: "MoleculeCostCapExceeded",
		Payload: map[string]any{"actual_cost": m.Economic.ActualCost, "estimated": estimated, "cost_cap": limit},
	}); err != nil {
		return fmt.Errorf("molecule: %w", err)
	}
	return fmt.Errorf("%w: molecule %s at %.2f of cap %.2f, attempt would add %.2f",
		corperrors.ErrCostCapExceeded, moleculeID, m.Economic.ActualCost, limit, estimated)
}

// RecordCost adds an attempt's actual cost to the molecule's economics
// (and the persistent-retry cumulative counter when that topology is in
// play). Exceeding the cap here — actuals can overshoot an estimate —
// fails the molecule the same way AuthorizeSpend does.
func (e *Engine) RecordCost(moleculeID string, cost float64) error {
	unlock := e.locks.Lock(moleculeID)
	defer unlock()

	m, err := e.Get(moleculeID)
	if err != nil {
		return err
	}
	m.Economic.ActualCost += cost
	if cfg := m.Topology.Retry; cfg != nil {
		cfg.CumulativeCost += cost
	}

	limit := m.CostCap
	if cfg := m.Topology.Retry; cfg != nil && cfg.CostCap > 0 {
		limit = cfg.CostCap
	}
	exceeded := limit > 0 && m.Economic.ActualCost > limit
	if exceeded {
		m.Status = domain.MoleculeFailed
		now := time.Now().UTC()
		m.CompletedAt = &now
	}

	if err := e.save(m); err != nil {
		return err
	}
	if _, err := e.ledger.Append(domain.LedgerEntry{
		Actor: "molecule-engine", EntityKind: "molecule", EntityID: m.ID, EventKind: "MoleculeCostRecorded",
		Payload: map[string]any{"cost": cost, "actual_cost": m.Economic.ActualCost},
	}); err != nil {
		return fmt.Errorf("molecule: %w", err)
	}
	if exceeded {
		return fmt.Errorf("%w: molecule %s actual cost %.2f over cap %.2f",
			corperrors.ErrCostCapExceeded, moleculeID, m.Economic.ActualCost, limit)
	}
	return nil
}

// List returns every persisted molecule, ordered by id.
func (e *Engine) List() ([]domain.Molecule, error) {
	names, err := e.store.List("molecules")
	if err != nil {
		return nil, nil
	}
	out := make([]domain.Molecule, 0, len(names))
	for _, name := range names {
		var m domain.Molecule
		if err := e.store.ReadJSON("molecules/"+name, &m); err != nil {
			return nil, fmt.Errorf("molecule: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}
