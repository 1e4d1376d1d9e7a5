// Package gate implements quality checkpoints: submission lifecycle,
// per-criterion auto-check evaluation, confidence scoring, and the four
// auto-approval policies (manual, strict, lenient, auto-checks-only).
package gate

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

// AutoChecker evaluates a criterion's auto-check expression against a
// submission's artifacts. The specification leaves the expression
// language unconstrained; AutoChecker lets the caller supply whatever
// evaluator it wants (a simple registry of named checks, a scripting
// engine, ...) without the gate package depending on one.
type AutoChecker func(expr string, submission domain.Submission) (bool, error)

// StepResolver unblocks or fails the molecule step a decided submission
// gates: approval lets the step proceed, rejection fails it (or returns
// it for rework, at the molecule engine's discretion).
type StepResolver func(moleculeID, stepID string, approved bool, reason string) error

// Manager owns gates and their submissions.
type Manager struct {
	store   *fsstore.Store
	ledger  *ledger.Ledger
	locks   *keyedmutex.Map
	checker AutoChecker

	mu       sync.RWMutex
	gates    map[string]domain.Gate
	resolver StepResolver
}

// New constructs a gate Manager. checker evaluates auto-check
// expressions; a nil checker fails every auto-check it is asked to run
// (criteria with an expression are recorded as checked and not passed).
func New(store *fsstore.Store, led *ledger.Ledger, checker AutoChecker) *Manager {
	if checker == nil {
		checker = func(string, domain.Submission) (bool, error) { return false, nil }
	}
	return &Manager{
		store:   store,
		ledger:  led,
		locks:   keyedmutex.New(),
		checker: checker,
		gates:   make(map[string]domain.Gate),
	}
}

// SetStepResolver wires the callback Decide and auto-approval use to
// resolve a submission's gated step. Left unset, decisions only update the
// submission record — useful for tests that exercise gate logic in
// isolation from a molecule engine.
func (m *Manager) SetStepResolver(resolver StepResolver) {
	m.mu.Lock()
	m.resolver = resolver
	m.mu.Unlock()
}

func (m *Manager) resolveStep(sub domain.Submission, approved bool, reason string) error {
	m.mu.RLock()
	resolver := m.resolver
	m.mu.RUnlock()
	if resolver == nil || sub.MoleculeID == "" || sub.StepID == "" {
		return nil
	}
	if err := resolver(sub.MoleculeID, sub.StepID, approved, reason); err != nil {
		return fmt.Errorf("gate: resolve step %s on molecule %s: %w", sub.StepID, sub.MoleculeID, err)
	}
	return nil
}

// DefineGate registers (or replaces) a gate's criteria and policy.
func (m *Manager) DefineGate(gate domain.Gate) error {
	if gate.ID == "" {
		gate.ID = ids.New(ids.Gate)
	}
	if err := m.store.WriteJSON("gates/"+gate.ID+".json", gate); err != nil {
		return fmt.Errorf("gate: %w", err)
	}
	m.mu.Lock()
	m.gates[gate.ID] = gate
	m.mu.Unlock()
	return nil
}

func (m *Manager) gateByID(gateID string) (domain.Gate, error) {
	m.mu.RLock()
	g, ok := m.gates[gateID]
	m.mu.RUnlock()
	if ok {
		return g, nil
	}
	var gate domain.Gate
	if err := m.store.ReadJSON("gates/"+gateID+".json", &gate); err != nil {
		return domain.Gate{}, fmt.Errorf("gate: %w", err)
	}
	m.mu.Lock()
	m.gates[gateID] = gate
	m.mu.Unlock()
	return gate, nil
}

func (m *Manager) submissionPath(id string) string { return "submissions/" + id + ".json" }

// Submit creates a pending submission and synchronously runs evaluation.
func (m *Manager) Submit(gateID, moleculeID, stepID, submitter string, artifacts []string) (*domain.Submission, error) {
	gate, err := m.gateByID(gateID)
	if err != nil {
		return nil, err
	}
	sub := domain.Submission{
		ID:          ids.New(ids.Submission),
		GateID:      gateID,
		MoleculeID:  moleculeID,
		StepID:      stepID,
		Submitter:   submitter,
		Artifacts:   artifacts,
		Status:      domain.SubmissionPending,
		SubmittedAt: time.Now().UTC(),
	}

	unlock := m.locks.Lock(sub.ID)
	defer unlock()

	if err := m.store.WriteJSON(m.submissionPath(sub.ID), sub); err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}
	if _, err := m.ledger.Append(domain.LedgerEntry{
		Actor: submitter, EntityKind: "submission", EntityID: sub.ID, EventKind: "SubmissionCreated",
		Payload: map[string]any{"gate_id": gateID, "step_id": stepID},
	}); err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}

	evaluated, err := m.evaluateLocked(gate, sub)
	if err != nil {
		return nil, err
	}
	return &evaluated, nil
}

// Evaluate re-runs auto-checks and policy aggregation for an existing
// submission, e.g. after artifacts change or a checker's backing data
// updates.
func (m *Manager) Evaluate(submissionID string) (*domain.Submission, error) {
	unlock := m.locks.Lock(submissionID)
	defer unlock()

	sub, err := m.loadSubmission(submissionID)
	if err != nil {
		return nil, err
	}
	gate, err := m.gateByID(sub.GateID)
	if err != nil {
		return nil, err
	}
	evaluated, err := m.evaluateLocked(gate, sub)
	if err != nil {
		return nil, err
	}
	return &evaluated, nil
}

// evaluateLocked assumes the submission's lock is already held.
func (m *Manager) evaluateLocked(gate domain.Gate, sub domain.Submission) (domain.Submission, error) {
	if sub.Status == domain.SubmissionApproved || sub.Status == domain.SubmissionRejected {
		return sub, nil // terminal; never rolled back
	}
	sub.Status = domain.SubmissionEvaluating

	var results []domain.CriterionResult
	var requiredTotal, requiredSatisfied float64
	var optionalTotal, optionalSatisfied float64
	allAutoChecksPassed := true

	for _, c := range gate.Criteria {
		result := domain.CriterionResult{CriterionID: c.ID}
		if c.AutoCheckExpr != "" {
			passed, err := m.checker(c.AutoCheckExpr, sub)
			if err != nil {
				return domain.Submission{}, fmt.Errorf("gate: auto-check %s: %w", c.ID, err)
			}
			result.Checked = true
			result.Passed = passed
			if !passed {
				allAutoChecksPassed = false
			}
		}
		results = append(results, result)

		weight := 1.0
		if !c.Required {
			weight = 0.5
		}
		if c.Required {
			requiredTotal += weight
			if result.Checked && result.Passed {
				requiredSatisfied += weight
			}
		} else {
			optionalTotal += weight
			if result.Checked && result.Passed {
				optionalSatisfied += weight
			}
		}
	}

	confidence := 0.0
	if requiredTotal+optionalTotal > 0 {
		confidence = (requiredSatisfied + optionalSatisfied) / (requiredTotal + optionalTotal)
	}

	sub.Results = results
	sub.Confidence = confidence

	switch gate.AutoApproval {
	case domain.PolicyManual:
		sub.Status = domain.SubmissionPending
	case domain.PolicyStrict:
		// A gate with no required criteria has nothing for strict to
		// verify, so it stays pending rather than approving vacuously.
		if requiredTotal > 0 && allRequiredAutoChecksPassed(gate, results) {
			sub.Status = domain.SubmissionApproved
		} else {
			sub.Status = domain.SubmissionPending
		}
	case domain.PolicyLenient:
		if confidence >= gate.MinConfidence {
			sub.Status = domain.SubmissionApproved
		} else {
			sub.Status = domain.SubmissionPending
		}
	case domain.PolicyAutoChecksOnly:
		// Approved iff every auto-check passed and no required criterion
		// lacks one; optional criteria without auto-checks don't block.
		if allAutoChecksPassed && allRequiredAutoChecksPassed(gate, results) {
			sub.Status = domain.SubmissionApproved
		} else {
			sub.Status = domain.SubmissionPending
		}
	default:
		sub.Status = domain.SubmissionPending
	}

	if err := m.store.WriteJSON(m.submissionPath(sub.ID), sub); err != nil {
		return domain.Submission{}, fmt.Errorf("gate: %w", err)
	}
	event := "SubmissionEvaluated"
	if sub.Status == domain.SubmissionApproved {
		event = "SubmissionAutoApproved"
	}
	if _, err := m.ledger.Append(domain.LedgerEntry{
		Actor: "gate-system", EntityKind: "submission", EntityID: sub.ID, EventKind: event,
		Payload: map[string]any{"confidence": confidence, "status": string(sub.Status)},
	}); err != nil {
		return domain.Submission{}, fmt.Errorf("gate: %w", err)
	}
	if sub.Status == domain.SubmissionApproved {
		if err := m.resolveStep(sub, true, "auto-approved"); err != nil {
			return domain.Submission{}, err
		}
	}
	return sub, nil
}

// allRequiredAutoChecksPassed implements the strict policy: approved iff
// every required criterion's auto-check passed (criteria without an
// auto-check are not satisfied under strict policy).
func allRequiredAutoChecksPassed(gate domain.Gate, results []domain.CriterionResult) bool {
	byID := make(map[string]domain.CriterionResult, len(results))
	for _, r := range results {
		byID[r.CriterionID] = r
	}
	for _, c := range gate.Criteria {
		if !c.Required {
			continue
		}
		r, ok := byID[c.ID]
		if !ok || !r.Checked || !r.Passed {
			return false
		}
	}
	return true
}

// Decide finalizes a pending submission to approved or rejected. A
// decided submission's status is never rolled back.
func (m *Manager) Decide(submissionID, decider string, approve bool, reason string) (*domain.Submission, error) {
	unlock := m.locks.Lock(submissionID)
	defer unlock()

	sub, err := m.loadSubmission(submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == domain.SubmissionApproved || sub.Status == domain.SubmissionRejected {
		return nil, fmt.Errorf("%w: submission %s already decided", corperrors.ErrInvalidState, submissionID)
	}

	now := time.Now().UTC()
	sub.DeciderID = decider
	sub.DecidedAt = &now
	if approve {
		sub.Status = domain.SubmissionApproved
	} else {
		sub.Status = domain.SubmissionRejected
	}

	if err := m.store.WriteJSON(m.submissionPath(sub.ID), sub); err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}
	if _, err := m.ledger.Append(domain.LedgerEntry{
		Actor: decider, EntityKind: "submission", EntityID: sub.ID, EventKind: "SubmissionDecided",
		Payload: map[string]any{"approved": approve, "reason": reason},
	}); err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}
	if err := m.resolveStep(sub, approve, reason); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (m *Manager) loadSubmission(id string) (domain.Submission, error) {
	var sub domain.Submission
	if err := m.store.ReadJSON(m.submissionPath(id), &sub); err != nil {
		return domain.Submission{}, fmt.Errorf("gate: %w", err)
	}
	return sub, nil
}

// List returns every defined gate, ordered by id.
func (m *Manager) List() ([]domain.Gate, error) {
	names, err := m.store.List("gates")
	if err != nil {
		return nil, nil
	}
	out := make([]domain.Gate, 0, len(names))
	for _, name := range names {
		var g domain.Gate
		if err := m.store.ReadJSON("gates/"+name, &g); err != nil {
			return nil, fmt.Errorf("gate: %w", err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Submission returns the current state of a submission.
func (m *Manager) Submission(id string) (*domain.Submission, error) {
	sub, err := m.loadSubmission(id)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
