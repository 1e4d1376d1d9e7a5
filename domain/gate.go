package domain

import "time"

// AutoApprovalPolicy selects how Gate.evaluate aggregates criterion
// auto-checks into a submission decision.
type AutoApprovalPolicy string

const (
	PolicyManual        AutoApprovalPolicy = "manual"
	PolicyStrict        AutoApprovalPolicy = "strict"
	PolicyLenient       AutoApprovalPolicy = "lenient"
	PolicyAutoChecksOnly AutoApprovalPolicy = "auto-checks-only"
)

// Criterion is one named, optionally-automated pass/fail check a
// submission must satisfy.
type Criterion struct {
	ID               string `json:"id"`
	Description      string `json:"description"`
	Required         bool   `json:"required"`
	AutoCheckExpr    string `json:"auto_check_expr,omitempty"`
}

// Gate is a quality checkpoint shared across any number of molecule steps.
type Gate struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Criteria          []Criterion        `json:"criteria"`
	AutoApproval      AutoApprovalPolicy `json:"auto_approval"`
	MinConfidence     float64            `json:"min_confidence"` // 0..1, lenient policy only
}

// SubmissionStatus is the submission state machine's current state.
type SubmissionStatus string

const (
	SubmissionPending    SubmissionStatus = "pending"
	SubmissionEvaluating SubmissionStatus = "evaluating"
	SubmissionApproved   SubmissionStatus = "approved"
	SubmissionRejected   SubmissionStatus = "rejected"
)

// CriterionResult is the auto-check outcome for one criterion against one
// submission.
type CriterionResult struct {
	CriterionID string `json:"criterion_id"`
	Passed      bool   `json:"passed"`
	Checked     bool   `json:"checked"` // false if the criterion has no auto-check
}

// Submission is one gated-step candidate awaiting evaluation/decision.
type Submission struct {
	ID         string             `json:"id"`
	GateID     string             `json:"gate_id"`
	MoleculeID string             `json:"molecule_id"`
	StepID     string             `json:"step_id"`
	Submitter  string             `json:"submitter"`
	Artifacts  []string           `json:"artifacts"`
	Status     SubmissionStatus   `json:"status"`
	Results    []CriterionResult  `json:"results,omitempty"`
	Confidence float64            `json:"confidence"`
	DecidedAt  *time.Time         `json:"decided_at,omitempty"`
	DeciderID  string             `json:"decider_id,omitempty"`

	// DecisionSignature holds a signature over the decision. No code path
	// in this module sets it: decisions and auto-approvals record
	// DeciderID only, and this field stays empty.
	DecisionSignature string `json:"decision_signature,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
}
