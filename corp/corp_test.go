package corp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/corpcore/orchestrator/collab"
	"github.com/corpcore/orchestrator/corperrors"
	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/molecule"
	"github.com/corpcore/orchestrator/security"
)

func newCorp(t *testing.T, cfg Config) *Corporation {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("corp.New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func hireHierarchy(t *testing.T, c *Corporation) {
	t.Helper()
	for _, a := range []domain.Agent{
		{ID: "ceo", Tier: domain.TierExecutive, Role: "CEO", CapabilityList: []string{"strategy"}},
		{ID: "vp", Tier: domain.TierVP, Role: "VP", ReportsTo: "ceo", CapabilityList: []string{"planning"}},
		{ID: "w1", Tier: domain.TierWorker, Role: "Engineer", ReportsTo: "vp", CapabilityList: []string{"impl"}},
	} {
		if _, err := c.Hire(a); err != nil {
			t.Fatalf("Hire %s: %v", a.ID, err)
		}
	}
}

// End-to-end through the facade: gated molecule, rejection, resubmission,
// approval, completion — each submission independent of the last.
func TestGateRejectionThenResubmission(t *testing.T) {
	passing := map[string]bool{}
	c := newCorp(t, Config{
		LLM: &collab.FakeLLM{},
		GateChecker: func(expr string, sub domain.Submission) (bool, error) {
			return passing[expr], nil
		},
	})
	hireHierarchy(t, c)

	g := domain.Gate{ID: "g1", Name: "review", AutoApproval: domain.PolicyStrict,
		Criteria: []domain.Criterion{{ID: "c1", Description: "tests pass", Required: true, AutoCheckExpr: "tests_pass"}}}
	if err := c.Gates.DefineGate(g); err != nil {
		t.Fatalf("DefineGate: %v", err)
	}

	m, err := c.CreateMolecule(molecule.Spec{
		Name:      "gated work",
		CreatorID: "vp",
		RACI:      []domain.RACIAssignment{{AgentID: "vp", Role: domain.RACIAccountable}},
		Steps: []domain.Step{
			{ID: "impl", Name: "implement", Metadata: map[string]string{"capabilities": "impl"}},
			{ID: "review", Name: "review", DependsOn: []string{"impl"}, IsGate: true, GateID: "g1"},
		},
		Topology:   domain.Topology{Type: domain.WorkflowLinear},
		MaxRetries: 1,
	})
	if err != nil {
		t.Fatalf("CreateMolecule: %v", err)
	}
	if _, err := c.Engine.Start(m.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := c.Executor.RunCycle(context.Background()); err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
	}
	mid, err := c.GetMolecule(m.ID)
	if err != nil {
		t.Fatalf("GetMolecule: %v", err)
	}
	if s := mid.StepByID("review"); s.Status != domain.StepReady {
		t.Fatalf("review step = %s, want ready (gate steps wait for submissions)", s.Status)
	}

	// First submission: required auto-check fails, strict policy leaves it
	// pending; the executive rejects it.
	sub1, err := c.Gates.Submit("g1", m.ID, "review", "w1", []string{"draft"})
	if err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	if sub1.Status != domain.SubmissionPending {
		t.Fatalf("submission 1 = %s, want pending under strict with failing check", sub1.Status)
	}
	if _, err := c.DecideSubmission(sub1.ID, "ceo", false, "not ready"); err != nil {
		t.Fatalf("DecideSubmission reject: %v", err)
	}

	after, err := c.GetMolecule(m.ID)
	if err != nil {
		t.Fatalf("GetMolecule: %v", err)
	}
	if s := after.StepByID("review"); s.Status != domain.StepReady {
		t.Fatalf("review step after rejection = %s, want ready for resubmission", s.Status)
	}

	// Second submission: the check now passes, strict auto-approves, the
	// gated step completes and the molecule with it.
	passing["tests_pass"] = true
	sub2, err := c.Gates.Submit("g1", m.ID, "review", "w1", []string{"final"})
	if err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	if sub2.Status != domain.SubmissionApproved {
		t.Fatalf("submission 2 = %s, want approved", sub2.Status)
	}

	final, err := c.GetMolecule(m.ID)
	if err != nil {
		t.Fatalf("GetMolecule: %v", err)
	}
	if final.Status != domain.MoleculeCompleted {
		t.Fatalf("molecule = %s, want completed", final.Status)
	}
}

// Attenuated tokens lose the decide operation on the way down the
// hierarchy; only root-token holders may decide submissions.
func TestDecideRequiresCapabilityToken(t *testing.T) {
	c := newCorp(t, Config{LLM: &collab.FakeLLM{}})
	hireHierarchy(t, c)

	g := domain.Gate{ID: "g1", Name: "review", AutoApproval: domain.PolicyManual,
		Criteria: []domain.Criterion{{ID: "c1", Description: "looks right", Required: true}}}
	if err := c.Gates.DefineGate(g); err != nil {
		t.Fatalf("DefineGate: %v", err)
	}
	sub, err := c.Gates.Submit("g1", "", "", "w1", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := c.DecideSubmission(sub.ID, "w1", true, ""); err == nil {
		t.Fatal("expected worker's attenuated token to be denied decide")
	}
	if _, err := c.DecideSubmission(sub.ID, "ceo", true, "approved"); err != nil {
		t.Fatalf("executive decide: %v", err)
	}
}

// A hired agent's claims carry a signed token; claim-mutating calls must
// present it, and a token signed by anyone but the claim's owner is
// rejected.
func TestClaimTokenVerification(t *testing.T) {
	c := newCorp(t, Config{LLM: &collab.FakeLLM{}})
	hireHierarchy(t, c)

	if _, err := c.Hooks.Enqueue("w1", domain.OwnerWorker, domain.WorkItem{ID: "wi1", Priority: domain.P1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item, err := c.Hooks.Claim("w1")
	if err != nil || item == nil {
		t.Fatalf("Claim: item=%v err=%v", item, err)
	}
	if item.ClaimToken == "" {
		t.Fatal("claim token empty for hired agent")
	}

	// A token signed by a different identity, even naming the right owner
	// and item, fails verification.
	imposter, err := security.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	forgedTok, err := security.SignClaim(imposter, "w1", item.ID)
	if err != nil {
		t.Fatalf("SignClaim: %v", err)
	}
	forged, err := json.Marshal(forgedTok)
	if err != nil {
		t.Fatalf("marshal forged token: %v", err)
	}
	if err := c.verifyClaim("w1", item.ID, string(forged)); err == nil {
		t.Fatal("expected forged-signer token to fail verification")
	}
	if err := c.Hooks.Complete("w1", item.ID, string(forged), nil); err == nil {
		t.Fatal("expected Complete with forged token to be rejected")
	}

	// An empty token is rejected too — claim-mutating calls must present
	// the proof, not just know the owner id.
	if err := c.Hooks.Complete("w1", item.ID, "", nil); err == nil {
		t.Fatal("expected Complete without the claim token to be rejected")
	}

	if err := c.Hooks.Complete("w1", item.ID, item.ClaimToken, nil); err != nil {
		t.Fatalf("Complete with genuine token: %v", err)
	}
}

// The ledger's rebuild is gap-free and covers every entity the facade
// touched.
func TestLedgerRebuildAfterHiring(t *testing.T) {
	c := newCorp(t, Config{LLM: &collab.FakeLLM{}})
	hireHierarchy(t, c)

	states, err := c.Ledger.Rebuild()
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	for _, id := range []string{"ceo", "vp", "w1"} {
		if s, ok := states[id]; !ok || s.LastEvent != "AgentHired" {
			t.Fatalf("rebuild for %s = %+v, want AgentHired", id, s)
		}
	}
}

// A continuous contract crossing its failure threshold escalates upchain
// from the accountable agent.
func TestContinuousContractEscalation(t *testing.T) {
	c := newCorp(t, Config{
		LLM: &collab.FakeLLM{},
		ContractChecker: func(check domain.ContinuousCheck, moleculeID string) (bool, error) {
			return false, nil
		},
	})
	hireHierarchy(t, c)

	m, err := c.CreateMolecule(molecule.Spec{
		Name:      "keep it green",
		CreatorID: "vp",
		RACI:      []domain.RACIAssignment{{AgentID: "vp", Role: domain.RACIAccountable}},
		Steps:     []domain.Step{{ID: "S", Name: "serve"}},
		Topology:  domain.Topology{Type: domain.WorkflowContinuous, Continuous: &domain.ContinuousConfig{IntervalSeconds: 60}},
	})
	if err != nil {
		t.Fatalf("CreateMolecule: %v", err)
	}
	if _, err := c.Contracts.Create(m.ID, "stay healthy", nil, domain.ValidationContinuous); err != nil {
		t.Fatalf("Contract create: %v", err)
	}
	if _, err := c.Contracts.Amend(m.ID, func(next *domain.Contract) {
		next.ContinuousCriteria = []domain.ContinuousCheck{{Name: "healthy", Expr: "health_ok"}}
		next.EscalationThreshold = 2
	}); err != nil {
		t.Fatalf("Amend: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.ValidateContract(m.ID); err != nil {
			t.Fatalf("ValidateContract round %d: %v", i, err)
		}
	}

	head, err := c.GetContract(m.ID)
	if err != nil {
		t.Fatalf("GetContract: %v", err)
	}
	if head.Status != domain.ContractFailed || head.ConsecutiveFailures != 2 {
		t.Fatalf("contract = %s/%d, want failed/2", head.Status, head.ConsecutiveFailures)
	}

	inbox, err := c.Channels.Inbox("ceo")
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].ChannelType != domain.ChannelUpchain {
		t.Fatalf("ceo inbox = %+v, want one upchain escalation", inbox)
	}
}

func TestGetMoleculeNotFound(t *testing.T) {
	c := newCorp(t, Config{LLM: &collab.FakeLLM{}})
	if _, err := c.GetMolecule("mol_missing"); !errors.Is(err, corperrors.ErrNotFound) {
		t.Fatalf("error = %v, want not found", err)
	}
}
