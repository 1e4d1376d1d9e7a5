// Package contract implements versioned success criteria linked 1:1 to a
// molecule: creation, activation, one-time/continuous/periodic validation,
// and amendment (which creates a new immutable version rather than
// mutating the active one).
package contract

import (
	"fmt"
	"sync"
	"time"

	"github.com/corpcore/orchestrator/corperrors"
	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/internal/fsstore"
	"github.com/corpcore/orchestrator/internal/ids"
	"github.com/corpcore/orchestrator/internal/keyedmutex"
	"github.com/corpcore/orchestrator/ledger"
)

// ContinuousChecker evaluates one ContinuousCheck against live state. The
// specification leaves check semantics to the caller; this mirrors gate's
// AutoChecker for the same reason.
type ContinuousChecker func(check domain.ContinuousCheck, moleculeID string) (bool, error)

// Manager owns contracts, keyed by molecule id — always the latest
// version; prior versions stay immutable in the ledger and under
// "contracts/<molecule_id>/v<N>.json".
type Manager struct {
	store   *fsstore.Store
	ledger  *ledger.Ledger
	locks   *keyedmutex.Map
	checker ContinuousChecker

	mu   sync.Mutex
	head map[string]domain.Contract // moleculeID -> latest version
}

// New constructs a contract Manager.
func New(store *fsstore.Store, led *ledger.Ledger, checker ContinuousChecker) *Manager {
	if checker == nil {
		checker = func(domain.ContinuousCheck, string) (bool, error) { return false, nil }
	}
	return &Manager{
		store:   store,
		ledger:  led,
		locks:   keyedmutex.New(),
		checker: checker,
		head:    make(map[string]domain.Contract),
	}
}

func (m *Manager) versionPath(moleculeID string, version int) string {
	return fmt.Sprintf("contracts/%s/v%d.json", moleculeID, version)
}

func (m *Manager) headPath(moleculeID string) string {
	return "contracts/" + moleculeID + "/HEAD.json"
}

// Create writes version 1 of a molecule's contract, in draft status.
func (m *Manager) Create(moleculeID, objective string, criteria []domain.SuccessCriterion, mode domain.ValidationMode) (*domain.Contract, error) {
	unlock := m.locks.Lock(moleculeID)
	defer unlock()

	c := domain.Contract{
		ID:              ids.New(ids.Contract),
		MoleculeID:      moleculeID,
		Version:         1,
		Status:          domain.ContractDraft,
		Objective:       objective,
		SuccessCriteria: criteria,
		ValidationMode:  mode,
		CreatedAt:       time.Now().UTC(),
	}
	if err := m.writeVersion(c); err != nil {
		return nil, err
	}
	if _, err := m.ledger.Append(domain.LedgerEntry{
		Actor: "contract-system", EntityKind: "contract", EntityID: c.ID, EventKind: "ContractCreated",
		Payload: map[string]any{"molecule_id": moleculeID, "version": 1},
	}); err != nil {
		return nil, fmt.Errorf("contract: %w", err)
	}
	return &c, nil
}

func (m *Manager) writeVersion(c domain.Contract) error {
	if err := m.store.WriteJSON(m.versionPath(c.MoleculeID, c.Version), c); err != nil {
		return fmt.Errorf("contract: %w", err)
	}
	if err := m.store.WriteJSON(m.headPath(c.MoleculeID), c); err != nil {
		return fmt.Errorf("contract: %w", err)
	}
	m.mu.Lock()
	m.head[c.MoleculeID] = c
	m.mu.Unlock()
	return nil
}

// Head returns the latest (authoritative) version of a molecule's
// contract.
func (m *Manager) Head(moleculeID string) (*domain.Contract, error) {
	m.mu.Lock()
	c, ok := m.head[moleculeID]
	m.mu.Unlock()
	if ok {
		return &c, nil
	}
	if err := m.store.ReadJSON(m.headPath(moleculeID), &c); err != nil {
		return nil, fmt.Errorf("contract: %w", err)
	}
	m.mu.Lock()
	m.head[moleculeID] = c
	m.mu.Unlock()
	return &c, nil
}

// Activate transitions a draft contract to active.
func (m *Manager) Activate(moleculeID string) (*domain.Contract, error) {
	unlock := m.locks.Lock(moleculeID)
	defer unlock()

	c, err := m.Head(moleculeID)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.ContractDraft {
		return nil, fmt.Errorf("%w: contract %s is not draft", corperrors.ErrInvalidState, c.ID)
	}
	c.Status = domain.ContractActive
	if err := m.writeVersion(*c); err != nil {
		return nil, err
	}
	if _, err := m.ledger.Append(domain.LedgerEntry{
		Actor: "contract-system", EntityKind: "contract", EntityID: c.ID, EventKind: "ContractActivated",
	}); err != nil {
		return nil, fmt.Errorf("contract: %w", err)
	}
	return c, nil
}

// Check marks criterionDescription as met by verifier, and if every
// required criterion is now met (one_time mode) transitions the contract
// to completed.
func (m *Manager) Check(moleculeID, criterionDescription, verifier string) (*domain.Contract, error) {
	unlock := m.locks.Lock(moleculeID)
	defer unlock()

	c, err := m.Head(moleculeID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	found := false
	for i := range c.SuccessCriteria {
		if c.SuccessCriteria[i].Description == criterionDescription {
			c.SuccessCriteria[i].Met = true
			c.SuccessCriteria[i].Verifier = verifier
			c.SuccessCriteria[i].VerifiedAt = &now
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: criterion %q on contract %s", corperrors.ErrNotFound, criterionDescription, c.ID)
	}

	if c.ValidationMode == domain.ValidationOneTime && c.AllRequiredMet() {
		c.Status = domain.ContractCompleted
	}
	if err := m.writeVersion(*c); err != nil {
		return nil, err
	}
	if _, err := m.ledger.Append(domain.LedgerEntry{
		Actor: verifier, EntityKind: "contract", EntityID: c.ID, EventKind: "ContractCriterionChecked",
		Payload: map[string]any{"criterion": criterionDescription, "status": string(c.Status)},
	}); err != nil {
		return nil, fmt.Errorf("contract: %w", err)
	}
	return c, nil
}

// ValidateContinuous re-evaluates every ContinuousCheck against live
// state. A failing round increments ConsecutiveFailures; reaching
// EscalationThreshold fails the contract. Any passing round resets the
// counter to zero.
func (m *Manager) ValidateContinuous(moleculeID string) (*domain.Contract, error) {
	unlock := m.locks.Lock(moleculeID)
	defer unlock()

	c, err := m.Head(moleculeID)
	if err != nil {
		return nil, err
	}
	if c.ValidationMode != domain.ValidationContinuous && c.ValidationMode != domain.ValidationPeriodic {
		return nil, fmt.Errorf("%w: contract %s is not continuous/periodic", corperrors.ErrInvalidState, c.ID)
	}

	allPassed := true
	for _, check := range c.ContinuousCriteria {
		passed, err := m.checker(check, moleculeID)
		if err != nil {
			return nil, fmt.Errorf("contract: continuous check %s: %w", check.Name, err)
		}
		if !passed {
			allPassed = false
		}
	}

	if allPassed {
		c.ConsecutiveFailures = 0
	} else {
		c.ConsecutiveFailures++
		if c.EscalationThreshold > 0 && c.ConsecutiveFailures >= c.EscalationThreshold {
			c.Status = domain.ContractFailed
		}
	}

	if err := m.writeVersion(*c); err != nil {
		return nil, err
	}
	if _, err := m.ledger.Append(domain.LedgerEntry{
		Actor: "contract-system", EntityKind: "contract", EntityID: c.ID, EventKind: "ContractContinuousValidated",
		Payload: map[string]any{"all_passed": allPassed, "consecutive_failures": c.ConsecutiveFailures},
	}); err != nil {
		return nil, fmt.Errorf("contract: %w", err)
	}
	return c, nil
}

// Amend creates a new immutable version of moleculeID's contract,
// carrying over whatever the caller doesn't explicitly override. The
// previous version remains retrievable at its own versionPath and via the
// ledger; it is never mutated.
func (m *Manager) Amend(moleculeID string, mutate func(next *domain.Contract)) (*domain.Contract, error) {
	unlock := m.locks.Lock(moleculeID)
	defer unlock()

	current, err := m.Head(moleculeID)
	if err != nil {
		return nil, err
	}
	previous := *current
	previous.Status = domain.ContractAmended
	if err := m.store.WriteJSON(m.versionPath(previous.MoleculeID, previous.Version), previous); err != nil {
		return nil, fmt.Errorf("contract: %w", err)
	}

	next := *current
	next.ID = ids.New(ids.Contract)
	next.Version = current.Version + 1
	next.Status = domain.ContractDraft
	next.PreviousVersionID = current.ID
	next.CreatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(&next)
	}

	if err := m.writeVersion(next); err != nil {
		return nil, err
	}
	if _, err := m.ledger.Append(domain.LedgerEntry{
		Actor: "contract-system", EntityKind: "contract", EntityID: next.ID, EventKind: "ContractAmended",
		Payload: map[string]any{"molecule_id": moleculeID, "version": next.Version, "previous_version_id": current.ID},
	}); err != nil {
		return nil, fmt.Errorf("contract: %w", err)
	}
	return &next, nil
}
