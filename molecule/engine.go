// Package molecule implements the workflow engine: molecule and step
// lifecycle, the five topology expansions (linear, swarm, persistent-retry,
// composite, continuous), checkpointing, and progress calculation.
package molecule

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/corpcore/orchestrator/corperrors"
	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/internal/fsstore"
	"github.com/corpcore/orchestrator/internal/ids"
	"github.com/corpcore/orchestrator/internal/keyedmutex"
	"github.com/corpcore/orchestrator/ledger"
)

// Scheduler is the narrow surface the engine needs to seed ready steps;
// scheduler.Scheduler satisfies it without this package importing
// scheduler directly.
type Scheduler interface {
	Schedule(item domain.WorkItem, requiredCapabilities []string, requiredTier *domain.Tier, stepReady bool) (string, error)
}

// ExitChecker evaluates a named exit/check expression against live state
// for persistent-retry exit criteria and continuous loop exit conditions.
type ExitChecker func(expr, moleculeID string) (bool, error)

// Spec is the input to Create.
type Spec struct {
	Name        string
	Description string
	CreatorID   string
	Criticality domain.Criticality
	RACI        []domain.RACIAssignment
	Steps       []domain.Step // for swarm, Start appends the expanded steps after these
	Topology    domain.Topology
	ContractID  string
	Economic    domain.EconomicMetadata
	MaxRetries  int
	CostCap     float64
}

// Engine owns the molecule/step graph.
type Engine struct {
	store     *fsstore.Store
	ledger    *ledger.Ledger
	scheduler Scheduler
	checker   ExitChecker
	locks     *keyedmutex.Map
}

// New constructs a molecule Engine. scheduler may be nil for engines that
// only manage workflow state without placing work (e.g. in tests);
// checker may be nil, in which case every exit/check expression
// evaluates false.
func New(store *fsstore.Store, led *ledger.Ledger, sched Scheduler, checker ExitChecker) *Engine {
	if checker == nil {
		checker = func(string, string) (bool, error) { return false, nil }
	}
	return &Engine{store: store, ledger: led, scheduler: sched, checker: checker, locks: keyedmutex.New()}
}

func (e *Engine) path(id string) string { return "molecules/" + id + ".json" }

// Create persists a new molecule in draft status.
func (e *Engine) Create(spec Spec) (*domain.Molecule, error) {
	m := domain.Molecule{
		ID:          ids.New(ids.Molecule),
		Name:        spec.Name,
		Description: spec.Description,
		Status:      domain.MoleculeDraft,
		Criticality: spec.Criticality,
		CreatorID:   spec.CreatorID,
		RACI:        spec.RACI,
		Steps:       spec.Steps,
		Topology:    spec.Topology,
		ContractID:  spec.ContractID,
		Economic:    spec.Economic,
		MaxRetries:  spec.MaxRetries,
		CostCap:     spec.CostCap,
		CreatedAt:   time.Now().UTC(),
	}
	for i := range m.Steps {
		m.Steps[i].DeclarationOrder = i
		if m.Steps[i].ID == "" {
			m.Steps[i].ID = ids.New(ids.Step)
		}
		if m.Steps[i].Status == "" {
			m.Steps[i].Status = domain.StepPending
		}
	}
	m.Progress.TotalSteps = len(m.Steps)

	if err := e.save(&m); err != nil {
		return nil, err
	}
	if _, err := e.ledger.Append(domain.LedgerEntry{
		Actor: spec.CreatorID, EntityKind: "molecule", EntityID: m.ID, EventKind: "MoleculeCreated",
		Payload: map[string]any{"workflow_type": string(m.Topology.Type)},
	}); err != nil {
		return nil, fmt.Errorf("molecule: %w", err)
	}
	return &m, nil
}

func (e *Engine) save(m *domain.Molecule) error {
	if err := e.store.WriteJSON(e.path(m.ID), m); err != nil {
		return fmt.Errorf("molecule: %w", err)
	}
	return nil
}

// Get loads a molecule by id.
func (e *Engine) Get(id string) (*domain.Molecule, error) {
	var m domain.Molecule
	if err := e.store.ReadJSON(e.path(id), &m); err != nil {
		return nil, fmt.Errorf("molecule: %w", err)
	}
	return &m, nil
}

// Start validates the molecule and transitions it to active, expanding
// swarm topologies into concrete steps first; composite phases are
// materialized later, by Advance.
func (e *Engine) Start(moleculeID string) (*domain.Molecule, error) {
	unlock := e.locks.Lock(moleculeID)
	defer unlock()

	m, err := e.Get(moleculeID)
	if err != nil {
		return nil, err
	}
	if m.AccountableAgent() == "" {
		return nil, fmt.Errorf("%w: molecule %s has no accountable agent", corperrors.ErrInvalidState, moleculeID)
	}
	if err := checkDAG(m.Steps); err != nil {
		return nil, fmt.Errorf("%w: %v", corperrors.ErrInvalidState, err)
	}

	switch m.Topology.Type {
	case domain.WorkflowSwarm:
		expandSwarm(m)
	case domain.WorkflowComposite:
		// Composite molecules materialize each phase as a child molecule
		// lazily (see advanceComposite); Start just validates phase config.
		if m.Topology.Composite == nil || len(m.Topology.Composite.Phases) == 0 {
			return nil, fmt.Errorf("%w: composite molecule %s has no phases", corperrors.ErrInvalidState, moleculeID)
		}
	}
	m.Progress.TotalSteps = len(m.Steps)
	m.Status = domain.MoleculeActive

	if err := e.save(m); err != nil {
		return nil, err
	}
	if _, err := e.ledger.Append(domain.LedgerEntry{
		Actor: "molecule-engine", EntityKind: "molecule", EntityID: m.ID, EventKind: "MoleculeStarted",
	}); err != nil {
		return nil, fmt.Errorf("molecule: %w", err)
	}

	if err := e.seedReadySteps(m); err != nil {
		return nil, err
	}
	if err := e.save(m); err != nil {
		return nil, err
	}
	return m, nil
}

// checkDAG rejects a step graph containing a dependency cycle.
func checkDAG(steps []domain.Step) error {
	byID := make(map[string]domain.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("dependency cycle at step %s", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// statusOf builds the dependency-readiness lookup table for ReadyGiven.
func statusOf(steps []domain.Step) map[string]domain.StepStatus {
	out := make(map[string]domain.StepStatus, len(steps))
	for _, s := range steps {
		out[s.ID] = s.Status
	}
	return out
}

// seedReadySteps marks every currently-pending, dependency-satisfied step
// ready (in declaration order) and schedules it.
func (e *Engine) seedReadySteps(m *domain.Molecule) error {
	statuses := statusOf(m.Steps)
	var readyIdx []int
	for i, s := range m.Steps {
		if s.Status == domain.StepPending && s.ReadyGiven(statuses) {
			readyIdx = append(readyIdx, i)
		}
	}
	sort.Slice(readyIdx, func(i, j int) bool {
		return m.Steps[readyIdx[i]].DeclarationOrder < m.Steps[readyIdx[j]].DeclarationOrder
	})

	for _, i := range readyIdx {
		m.Steps[i].Status = domain.StepReady
		if m.Steps[i].IsGate {
			// Gate steps never enter a hook: they complete only through an
			// approved submission against their gate.
			continue
		}
		if e.scheduler == nil {
			continue
		}
		caps := stepCapabilities(m.Steps[i])
		item := domain.WorkItem{
			ID:                   ids.New(ids.WorkItem),
			MoleculeID:           m.ID,
			StepID:               m.Steps[i].ID,
			Priority:             priorityForCriticality(m.Criticality),
			RequiredCapabilities: caps,
			Instruction:          m.Steps[i].Name,
			MaxRetries:           m.MaxRetries,
		}
		if _, err := e.scheduler.Schedule(item, caps, nil, true); err != nil {
			return fmt.Errorf("molecule: %w", err)
		}
	}
	return nil
}

func stepCapabilities(s domain.Step) []string {
	raw, ok := s.Metadata["capabilities"]
	if !ok || raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func priorityForCriticality(c domain.Criticality) domain.Priority {
	switch c {
	case domain.CriticalityCritical:
		return domain.P0
	case domain.CriticalityHigh:
		return domain.P1
	case domain.CriticalityMedium:
		return domain.P2
	default:
		return domain.P3
	}
}

// Advance re-evaluates step readiness and progress. It must be called
// after every step completion or dependency change.
func (e *Engine) Advance(moleculeID string) (*domain.Molecule, error) {
	unlock := e.locks.Lock(moleculeID)
	defer unlock()

	m, err := e.Get(moleculeID)
	if err != nil {
		return nil, err
	}
	if err := e.seedReadySteps(m); err != nil {
		return nil, err
	}
	if m.Topology.Type == domain.WorkflowComposite {
		if err := e.advanceComposite(m); err != nil {
			return nil, err
		}
	}
	recomputeProgress(m)
	e.checkTerminal(m)

	if err := e.save(m); err != nil {
		return nil, err
	}
	return m, nil
}

// checkTerminal transitions the molecule to completed/failed once its
// topology's completion condition is met. Continuous molecules are
// non-absorbing and handled separately by AdvanceIteration.
func (e *Engine) checkTerminal(m *domain.Molecule) {
	if m.Status != domain.MoleculeActive {
		return
	}
	if m.CostCap > 0 && m.Economic.ActualCost > m.CostCap {
		m.Status = domain.MoleculeFailed
		now := time.Now().UTC()
		m.CompletedAt = &now
		return
	}
	if m.Topology.Type == domain.WorkflowContinuous {
		return
	}
	allDone := true
	anyFailed := false
	for _, s := range m.Steps {
		if s.Status == domain.StepFailed {
			anyFailed = true
		}
		if s.Status != domain.StepCompleted && s.Status != domain.StepSkipped && s.Status != domain.StepFailed {
			allDone = false
		}
	}
	if anyFailed {
		m.Status = domain.MoleculeFailed
		now := time.Now().UTC()
		m.CompletedAt = &now
	} else if allDone && len(m.Steps) > 0 {
		m.Status = domain.MoleculeCompleted
		now := time.Now().UTC()
		m.CompletedAt = &now
	}
}

// recomputeProgress implements the per-topology progress calculation.
func recomputeProgress(m *domain.Molecule) {
	completed := 0
	for _, s := range m.Steps {
		if s.Status == domain.StepCompleted || s.Status == domain.StepSkipped {
			completed++
		}
	}
	m.Progress.CompletedSteps = completed
	m.Progress.TotalSteps = len(m.Steps)

	switch m.Topology.Type {
	case domain.WorkflowSwarm:
		m.Progress.Fraction = swarmProgress(m)
	case domain.WorkflowComposite:
		m.Progress.Fraction = compositeProgress(m)
	default:
		if len(m.Steps) == 0 {
			m.Progress.Fraction = 0
			return
		}
		m.Progress.Fraction = float64(completed) / float64(len(m.Steps))
	}
}

func swarmProgress(m *domain.Molecule) float64 {
	cfg := m.Topology.Swarm
	if cfg == nil {
		return 0
	}
	fracOf := func(ids []string) float64 {
		if len(ids) == 0 {
			return 0
		}
		done := 0
		for _, id := range ids {
			if s := m.StepByID(id); s != nil && (s.Status == domain.StepCompleted || s.Status == domain.StepSkipped) {
				done++
			}
		}
		return float64(done) / float64(len(ids))
	}
	convergeDone := 0.0
	if s := m.StepByID(cfg.ConvergeStepID); s != nil && (s.Status == domain.StepCompleted || s.Status == domain.StepSkipped) {
		convergeDone = 1
	}
	return 0.3*fracOf(cfg.ScatterStepIDs) + 0.5*fracOf(cfg.CritiqueStepIDs) + 0.2*convergeDone
}

func compositeProgress(m *domain.Molecule) float64 {
	cfg := m.Topology.Composite
	if cfg == nil || len(cfg.Phases) == 0 {
		return 0
	}
	return float64(cfg.CurrentPhase) / float64(len(cfg.Phases))
}

// CompleteStep transitions a claimed step to completed and triggers
// Advance. Gate steps are rejected here; their only completion path is an
// approved submission routed through ResolveGatedStep.
func (e *Engine) CompleteStep(moleculeID, stepID string, result map[string]string) (*domain.Molecule, error) {
	return e.completeStep(moleculeID, stepID, result, false)
}

func (e *Engine) completeStep(moleculeID, stepID string, result map[string]string, viaGate bool) (*domain.Molecule, error) {
	// The molecule lock must be released before Advance re-acquires it.
	err := func() error {
		unlock := e.locks.Lock(moleculeID)
		defer unlock()

		m, err := e.Get(moleculeID)
		if err != nil {
			return err
		}
		step := m.StepByID(stepID)
		if step == nil {
			return fmt.Errorf("%w: step %s on molecule %s", corperrors.ErrNotFound, stepID, moleculeID)
		}
		if step.IsGate && !viaGate {
			return fmt.Errorf("%w: step %s is gated by %s and completes only through an approved submission",
				corperrors.ErrInvalidState, stepID, step.GateID)
		}
		step.Status = domain.StepCompleted
		for k, v := range result {
			step.AddCheckpoint(k, v)
		}

		if err := e.save(m); err != nil {
			return err
		}
		if _, err := e.ledger.Append(domain.LedgerEntry{
			Actor: step.Assignee, EntityKind: "step", EntityID: stepID, EventKind: "StepCompleted",
			Payload: map[string]any{"molecule_id": moleculeID},
		}); err != nil {
			return fmt.Errorf("molecule: %w", err)
		}
		return nil
	}()
	if err != nil {
		return nil, err
	}
	return e.Advance(moleculeID)
}

// FailStep transitions a claimed step to failed, applying the
// persistent-retry "failure as context" loop when the molecule's
// topology is WorkflowRetry, and composite escalation when it is
// WorkflowComposite.
func (e *Engine) FailStep(moleculeID, stepID string, cause error) (*domain.Molecule, error) {
	unlock := e.locks.Lock(moleculeID)

	m, err := e.Get(moleculeID)
	if err != nil {
		unlock()
		return nil, err
	}
	step := m.StepByID(stepID)
	if step == nil {
		unlock()
		return nil, fmt.Errorf("%w: step %s on molecule %s", corperrors.ErrNotFound, stepID, moleculeID)
	}

	if m.Topology.Type == domain.WorkflowRetry {
		e.failRetryStep(m, step, cause)
		if err := e.save(m); err != nil {
			unlock()
			return nil, err
		}
		unlock()
		return e.Advance(moleculeID)
	}

	step.Status = domain.StepFailed
	if cause != nil {
		step.AddCheckpoint("failure", cause.Error())
	}
	if err := e.save(m); err != nil {
		unlock()
		return nil, err
	}
	if _, err := e.ledger.Append(domain.LedgerEntry{
		Actor: step.Assignee, EntityKind: "step", EntityID: stepID, EventKind: "StepFailed",
		Payload: map[string]any{"molecule_id": moleculeID, "error": errString(cause)},
	}); err != nil {
		unlock()
		return nil, fmt.Errorf("molecule: %w", err)
	}
	unlock()
	return e.Advance(moleculeID)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// failRetryStep implements the Ralph loop: append a failure checkpoint
// ("failure as context"), increment attempt count, and either reset the
// step to ready for another attempt or exhaust it.
func (e *Engine) failRetryStep(m *domain.Molecule, step *domain.Step, cause error) {
	cfg := m.Topology.Retry
	if cfg == nil {
		step.Status = domain.StepFailed
		return
	}
	step.AddCheckpoint("failure", errString(cause))
	cfg.AttemptCount++
	step.RetryCount = cfg.AttemptCount

	exitMet := false
	for i := range cfg.ExitCriteria {
		met, err := e.checker(cfg.ExitCriteria[i].Expr, m.ID)
		if err == nil && met {
			cfg.ExitCriteria[i].Met = true
			exitMet = true
		}
	}

	costExceeded := cfg.CostCap > 0 && cfg.CumulativeCost > cfg.CostCap
	retriesExhausted := cfg.MaxRetries > 0 && cfg.AttemptCount >= cfg.MaxRetries

	if exitMet || costExceeded || retriesExhausted {
		step.Status = domain.StepFailed
		if exitMet {
			step.Status = domain.StepCompleted // an exit condition being met ends the loop successfully
		}
		return
	}
	step.Status = domain.StepReady
}

// Checkpoint appends a checkpoint to a step without changing its status.
func (e *Engine) Checkpoint(moleculeID, stepID, description, data string) error {
	unlock := e.locks.Lock(moleculeID)
	defer unlock()

	m, err := e.Get(moleculeID)
	if err != nil {
		return err
	}
	step := m.StepByID(stepID)
	if step == nil {
		return fmt.Errorf("%w: step %s on molecule %s", corperrors.ErrNotFound, stepID, moleculeID)
	}
	step.AddCheckpoint(description, data)
	return e.save(m)
}

// Pause transitions an active molecule to paused.
func (e *Engine) Pause(moleculeID string) (*domain.Molecule, error) {
	unlock := e.locks.Lock(moleculeID)
	defer unlock()
	m, err := e.Get(moleculeID)
	if err != nil {
		return nil, err
	}
	if m.Status != domain.MoleculeActive {
		return nil, fmt.Errorf("%w: molecule %s is not active", corperrors.ErrInvalidState, moleculeID)
	}
	m.Status = domain.MoleculePaused
	return m, e.save(m)
}

// Resume transitions a paused molecule back to active.
func (e *Engine) Resume(moleculeID string) (*domain.Molecule, error) {
	unlock := e.locks.Lock(moleculeID)
	defer unlock()
	m, err := e.Get(moleculeID)
	if err != nil {
		return nil, err
	}
	if m.Status != domain.MoleculePaused {
		return nil, fmt.Errorf("%w: molecule %s is not paused", corperrors.ErrInvalidState, moleculeID)
	}
	m.Status = domain.MoleculeActive
	return m, e.save(m)
}

// ResolveGatedStep implements gate.StepResolver: an approved submission
// completes the step it gates; a rejected one records the rejection as a
// checkpoint and leaves the step ready, since each submission is
// independent and a rejection never forecloses resubmission against the
// same gate. Wire it with gate.Manager.SetStepResolver so a gate decision
// actually unblocks the dependent step instead of only updating the
// submission record.
func (e *Engine) ResolveGatedStep(moleculeID, stepID string, approved bool, reason string) error {
	if approved {
		_, err := e.completeStep(moleculeID, stepID, nil, true)
		return err
	}

	unlock := e.locks.Lock(moleculeID)
	defer unlock()
	m, err := e.Get(moleculeID)
	if err != nil {
		return err
	}
	step := m.StepByID(stepID)
	if step == nil {
		return fmt.Errorf("%w: step %s on molecule %s", corperrors.ErrNotFound, stepID, moleculeID)
	}
	step.AddCheckpoint("gate_rejected", reason)
	step.RetryCount++
	step.Status = domain.StepReady
	if err := e.save(m); err != nil {
		return err
	}
	if _, err := e.ledger.Append(domain.LedgerEntry{
		Actor: "gate-system", EntityKind: "step", EntityID: stepID, EventKind: "StepGateRejected",
		Payload: map[string]any{"molecule_id": moleculeID, "reason": reason},
	}); err != nil {
		return fmt.Errorf("molecule: %w", err)
	}
	return nil
}
