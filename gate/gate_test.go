package gate

import (
	"testing"

	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/internal/fsstore"
	"github.com/corpcore/orchestrator/ledger"
)

func newTestManager(t *testing.T, checker AutoChecker) *Manager {
	t.Helper()
	store := fsstore.OpenMemory()
	led, err := ledger.Open(store)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	return New(store, led, checker)
}

func alwaysPass(string, domain.Submission) (bool, error) { return true, nil }
func alwaysFail(string, domain.Submission) (bool, error) { return false, nil }

func TestManualPolicyStaysPending(t *testing.T) {
	m := newTestManager(t, alwaysPass)
	if err := m.DefineGate(domain.Gate{
		ID:           "gt_1",
		AutoApproval: domain.PolicyManual,
		Criteria:     []domain.Criterion{{ID: "c1", Required: true, AutoCheckExpr: "true"}},
	}); err != nil {
		t.Fatalf("DefineGate: %v", err)
	}

	sub, err := m.Submit("gt_1", "mol_1", "step_1", "agt_1", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Status != domain.SubmissionPending {
		t.Fatalf("expected pending under manual policy, got %s", sub.Status)
	}
}

func TestStrictPolicyRequiresAllRequiredChecks(t *testing.T) {
	m := newTestManager(t, alwaysFail)
	if err := m.DefineGate(domain.Gate{
		ID:           "gt_1",
		AutoApproval: domain.PolicyStrict,
		Criteria:     []domain.Criterion{{ID: "c1", Required: true, AutoCheckExpr: "true"}},
	}); err != nil {
		t.Fatalf("DefineGate: %v", err)
	}

	sub, err := m.Submit("gt_1", "mol_1", "step_1", "agt_1", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Status != domain.SubmissionPending {
		t.Fatalf("expected pending when required check fails, got %s", sub.Status)
	}
}

func TestStrictPolicyApprovesWhenAllPass(t *testing.T) {
	m := newTestManager(t, alwaysPass)
	if err := m.DefineGate(domain.Gate{
		ID:           "gt_1",
		AutoApproval: domain.PolicyStrict,
		Criteria:     []domain.Criterion{{ID: "c1", Required: true, AutoCheckExpr: "true"}},
	}); err != nil {
		t.Fatalf("DefineGate: %v", err)
	}

	sub, err := m.Submit("gt_1", "mol_1", "step_1", "agt_1", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Status != domain.SubmissionApproved {
		t.Fatalf("expected approved, got %s", sub.Status)
	}
}

func TestLenientPolicyUsesConfidenceThreshold(t *testing.T) {
	m := newTestManager(t, alwaysPass)
	if err := m.DefineGate(domain.Gate{
		ID:            "gt_1",
		AutoApproval:  domain.PolicyLenient,
		MinConfidence: 0.4,
		Criteria: []domain.Criterion{
			{ID: "c1", Required: true, AutoCheckExpr: "true"},
			{ID: "c2", Required: false}, // no auto-check, never satisfied
		},
	}); err != nil {
		t.Fatalf("DefineGate: %v", err)
	}

	sub, err := m.Submit("gt_1", "mol_1", "step_1", "agt_1", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Status != domain.SubmissionApproved {
		t.Fatalf("expected approved with confidence %.2f >= 0.4, got %s", sub.Confidence, sub.Status)
	}
}

func TestAutoChecksOnlyIgnoresUncheckedOptionalCriteria(t *testing.T) {
	m := newTestManager(t, alwaysPass)
	if err := m.DefineGate(domain.Gate{
		ID:           "gt_1",
		AutoApproval: domain.PolicyAutoChecksOnly,
		Criteria: []domain.Criterion{
			{ID: "c1", Required: true, AutoCheckExpr: "true"},
			{ID: "c2", Required: false}, // no auto-check; must not block approval
		},
	}); err != nil {
		t.Fatalf("DefineGate: %v", err)
	}

	sub, err := m.Submit("gt_1", "mol_1", "step_1", "agt_1", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Status != domain.SubmissionApproved {
		t.Fatalf("expected approved when only an optional criterion lacks an auto-check, got %s", sub.Status)
	}
}

func TestAutoChecksOnlyStaysPendingWhenRequiredCriterionUnchecked(t *testing.T) {
	m := newTestManager(t, alwaysPass)
	if err := m.DefineGate(domain.Gate{
		ID:           "gt_1",
		AutoApproval: domain.PolicyAutoChecksOnly,
		Criteria: []domain.Criterion{
			{ID: "c1", Required: true, AutoCheckExpr: "true"},
			{ID: "c2", Required: true}, // required with no auto-check
		},
	}); err != nil {
		t.Fatalf("DefineGate: %v", err)
	}

	sub, err := m.Submit("gt_1", "mol_1", "step_1", "agt_1", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Status != domain.SubmissionPending {
		t.Fatalf("expected pending since required c2 has no auto-check, got %s", sub.Status)
	}
}

func TestDecideCannotRollBack(t *testing.T) {
	m := newTestManager(t, alwaysPass)
	if err := m.DefineGate(domain.Gate{
		ID:           "gt_1",
		AutoApproval: domain.PolicyManual,
		Criteria:     []domain.Criterion{{ID: "c1", Required: true}},
	}); err != nil {
		t.Fatalf("DefineGate: %v", err)
	}
	sub, err := m.Submit("gt_1", "mol_1", "step_1", "agt_1", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := m.Decide(sub.ID, "human_1", true, "looks good"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := m.Decide(sub.ID, "human_1", false, "changed my mind"); err == nil {
		t.Fatal("expected error re-deciding an already-decided submission")
	}
}
