package domain

import "time"

// MoleculeStatus is the workflow's lifecycle state.
type MoleculeStatus string

const (
	MoleculeDraft     MoleculeStatus = "draft"
	MoleculePending   MoleculeStatus = "pending"
	MoleculeActive    MoleculeStatus = "active"
	MoleculeCompleted MoleculeStatus = "completed"
	MoleculeFailed    MoleculeStatus = "failed"
	MoleculePaused    MoleculeStatus = "paused"
)

// WorkflowType selects which *Config variant is populated on Topology.
type WorkflowType string

const (
	WorkflowLinear    WorkflowType = "linear"
	WorkflowContinuous WorkflowType = "continuous"
	WorkflowHybrid    WorkflowType = "hybrid"
	WorkflowSwarm     WorkflowType = "swarm"
	WorkflowComposite WorkflowType = "composite"
	WorkflowRetry     WorkflowType = "persistent-retry"
)

// RACIRole is one of Responsible/Accountable/Consulted/Informed.
type RACIRole string

const (
	RACIResponsible RACIRole = "responsible"
	RACIAccountable RACIRole = "accountable"
	RACIConsulted   RACIRole = "consulted"
	RACIInformed    RACIRole = "informed"
)

// RACIAssignment ties one agent to one role on a molecule. Exactly one
// assignment with Role == RACIAccountable must exist at all times.
type RACIAssignment struct {
	AgentID string   `json:"agent_id"`
	Role    RACIRole `json:"role"`
}

// Topology is a tagged union over the five workflow configurations.
// Exactly one of the pointer fields is non-nil, selected by Type.
type Topology struct {
	Type      WorkflowType     `json:"type"`
	Linear    *LinearConfig    `json:"linear,omitempty"`
	Swarm     *SwarmConfig     `json:"swarm,omitempty"`
	Retry     *RetryConfig     `json:"retry,omitempty"`
	Composite *CompositeConfig `json:"composite,omitempty"`
	Continuous *ContinuousConfig `json:"continuous,omitempty"`
}

// LinearConfig carries no extra state beyond the step DAG itself.
type LinearConfig struct{}

// ConvergenceStrategy selects how a swarm's scatter/critique outputs are
// combined into one result.
type ConvergenceStrategy string

const (
	ConvergeVote      ConvergenceStrategy = "vote"
	ConvergeSynthesize ConvergenceStrategy = "synthesize"
	ConvergeBest      ConvergenceStrategy = "best"
	ConvergeMerge     ConvergenceStrategy = "merge"
)

// SwarmConfig configures the scatter → critique → converge topology.
type SwarmConfig struct {
	ScatterCount         int                 `json:"scatter_count"`
	CritiqueRounds       int                 `json:"critique_rounds"`
	Convergence          ConvergenceStrategy `json:"convergence"`
	MinAgreementThreshold float64            `json:"min_agreement_threshold,omitempty"` // applies only to ConvergeVote

	// Populated by the engine on start: the three step id sets.
	ScatterStepIDs   []string `json:"scatter_step_ids,omitempty"`
	CritiqueStepIDs  []string `json:"critique_step_ids,omitempty"`
	ConvergeStepID   string   `json:"converge_step_id,omitempty"`
}

// RetryConfig configures the persistent-retry ("Ralph") topology: a single
// logical step wrapped in a retry loop with explicit exit criteria.
type RetryConfig struct {
	MaxRetries    int              `json:"max_retries"`
	CostCap       float64          `json:"cost_cap"`
	ExitCriteria  []ExitCondition  `json:"exit_criteria"`
	AttemptCount  int              `json:"attempt_count"`
	CumulativeCost float64         `json:"cumulative_cost"`
}

// ExitCondition is a boolean condition evaluated after every attempt of a
// persistent-retry step, or at iteration boundaries of a continuous loop.
// Expr is an opaque identifier resolved by the caller (e.g. "tests_pass");
// the engine does not interpret it, matching the contract system's
// continuous-criteria design.
type ExitCondition struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
	Met  bool   `json:"met"`
}

// PhaseFailureAction selects the composite engine's response to a failed
// phase.
type PhaseFailureAction string

const (
	OnFailureFail               PhaseFailureAction = "fail"
	OnFailureRetry              PhaseFailureAction = "retry"
	OnFailureEscalateToPrevious PhaseFailureAction = "escalate_to_previous"
	OnFailureEscalateToSwarm    PhaseFailureAction = "escalate_to_swarm"
)

// CompositePhase describes one phase of a composite molecule: the child
// topology it materializes as and what to do if that child fails.
type CompositePhase struct {
	Name        string             `json:"name"`
	ChildType   WorkflowType       `json:"child_type"`
	OnFailure   PhaseFailureAction `json:"on_failure"`
	MaxFailures int                `json:"max_failures,omitempty"` // for OnFailureRetry
	ChildMoleculeID string         `json:"child_molecule_id,omitempty"`
	FailureCount int              `json:"failure_count"`

	// ChildSteps and ChildTopology fully describe the child molecule this
	// phase materializes when it becomes current; ChildTopology.Type is
	// overridden to ChildType at materialization time so callers only set
	// the variant-specific config (e.g. Swarm) here.
	ChildSteps    []Step   `json:"child_steps,omitempty"`
	ChildTopology Topology `json:"child_topology,omitempty"`
}

// CompositeConfig configures an ordered sequence of phases, each a child
// molecule.
type CompositeConfig struct {
	Phases          []CompositePhase `json:"phases"`
	CurrentPhase    int              `json:"current_phase"`
	EscalationCount int              `json:"escalation_count"`
	MaxEscalations  int              `json:"max_escalations"`
}

// ContinuousConfig configures a repeating loop: each iteration resets steps
// to pending and re-evaluates exit conditions at the boundary.
type ContinuousConfig struct {
	IntervalSeconds int             `json:"interval_seconds"`
	MaxIterations   *int            `json:"max_iterations,omitempty"` // nil = unbounded
	ExitConditions  []ExitCondition `json:"exit_conditions"`
	CurrentIteration int            `json:"current_iteration"`
}

// EconomicMetadata tracks a molecule's cost/value estimate and actuals.
type EconomicMetadata struct {
	EstimatedCost  float64 `json:"estimated_cost"`
	EstimatedValue float64 `json:"estimated_value"`
	ActualCost     float64 `json:"actual_cost"`
	Confidence     float64 `json:"confidence"`
}

// Criticality sets the priority of the work items the molecule engine
// creates for a molecule's steps; the scheduler's candidate ranking does
// not read it.
type Criticality string

const (
	CriticalityLow      Criticality = "low"
	CriticalityMedium   Criticality = "medium"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

// Progress reports completion fractions; how it is computed depends on
// WorkflowType.
type Progress struct {
	CompletedSteps int     `json:"completed_steps"`
	TotalSteps     int     `json:"total_steps"`
	Fraction       float64 `json:"fraction"`
}

// Molecule is a persistent workflow: the top-level unit the engine creates,
// starts, advances, and completes.
type Molecule struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Status      MoleculeStatus `json:"status"`
	Criticality Criticality    `json:"criticality,omitempty"`

	CreatorID      string           `json:"creator_id"`
	RACI           []RACIAssignment `json:"raci"`
	Steps          []Step           `json:"steps"`
	Progress       Progress         `json:"progress"`
	Topology       Topology         `json:"topology"`
	ChildMoleculeIDs []string       `json:"child_molecule_ids,omitempty"`
	ContractID     string           `json:"contract_id,omitempty"`

	Economic EconomicMetadata `json:"economic"`
	MaxRetries int            `json:"max_retries,omitempty"`
	CostCap    float64        `json:"cost_cap,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AccountableAgent returns the single RACI-A assignment, or "" if none is
// present (a state the engine must never allow to persist).
func (m *Molecule) AccountableAgent() string {
	for _, r := range m.RACI {
		if r.Role == RACIAccountable {
			return r.AgentID
		}
	}
	return ""
}

// StepByID finds a step by id, or nil.
func (m *Molecule) StepByID(id string) *Step {
	for i := range m.Steps {
		if m.Steps[i].ID == id {
			return &m.Steps[i]
		}
	}
	return nil
}

// IsAbsorbing reports whether terminal status is absorbing for this
// molecule's topology: true for every type except continuous.
func (m *Molecule) IsAbsorbing() bool {
	return m.Topology.Type != WorkflowContinuous
}
