// Example: full orchestration lifecycle
//
// Demonstrates the end-to-end flow through the core:
//   1. Assemble the corporation (ledger, hooks, channels, gates,
//      contracts, molecule engine, scheduler, executor, monitor)
//   2. Hire the hierarchy (executive → vp → director → workers)
//   3. Create a linear molecule with a gated final step and a contract
//   4. Run executor cycles until the molecule completes
//   5. Submit against the strict gate (auto-approved when its checks
//      pass), check the contract criterion
//   6. Read metrics, alerts, and the ledger history
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/corpcore/orchestrator/collab"
	"github.com/corpcore/orchestrator/corp"
	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/molecule"
)

func main() {
	root := flag.String("root", "", "state directory (empty = in-memory)")
	natsURL := flag.String("nats", "", "NATS URL for the channel bus (empty = in-process)")
	cycles := flag.Int("cycles", 12, "executor cycles to run")
	flag.Parse()

	llm := &collab.FakeLLM{
		Responses: map[string]collab.LLMResult{
			"": {},
		},
		CostPerCall: 0.05,
	}

	corporation, err := corp.New(corp.Config{
		Root:    *root,
		NATSURL: *natsURL,
		LLM:     llm,
		GateChecker: func(expr string, sub domain.Submission) (bool, error) {
			// Demo checker: an expression passes when any artifact names it.
			for _, a := range sub.Artifacts {
				if a == expr {
					return true, nil
				}
			}
			return false, nil
		},
	})
	if err != nil {
		log.Fatalf("Failed to assemble corporation: %v", err)
	}
	defer corporation.Close()

	// ── Hire the hierarchy ──────────────────────────────────────────────

	ceo, err := corporation.Hire(domain.Agent{
		ID: "ceo-01", Role: "Chief Executive", Tier: domain.TierExecutive,
		CapabilityList: []string{"strategy"},
	})
	if err != nil {
		log.Fatalf("Hire ceo: %v", err)
	}
	vpEng, err := corporation.Hire(domain.Agent{
		ID: "vp-eng-01", Role: "VP Engineering", Tier: domain.TierVP,
		Department: "engineering", ReportsTo: ceo.ID,
		CapabilityList: []string{"planning"},
	})
	if err != nil {
		log.Fatalf("Hire vp: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if _, err := corporation.Hire(domain.Agent{
			ID:   fmt.Sprintf("worker-%02d", i),
			Role: "Engineer", Tier: domain.TierWorker,
			Department: "engineering", ReportsTo: vpEng.ID,
			CapabilityList: []string{"impl", "research"},
		}); err != nil {
			log.Fatalf("Hire worker-%02d: %v", i, err)
		}
	}
	fmt.Println("=== Hierarchy hired ===")

	// ── Gate and molecule ───────────────────────────────────────────────

	reviewGate := domain.Gate{
		ID: "gate-review", Name: "Code review",
		AutoApproval: domain.PolicyStrict,
		Criteria: []domain.Criterion{
			{ID: "crit-tests", Description: "tests pass", Required: true, AutoCheckExpr: "tests_pass"},
			{ID: "crit-style", Description: "style clean", Required: false, AutoCheckExpr: "style_clean"},
		},
	}
	if err := corporation.Gates.DefineGate(reviewGate); err != nil {
		log.Fatalf("DefineGate: %v", err)
	}

	m, err := corporation.CreateMolecule(molecule.Spec{
		Name:        "Ship feature X",
		Description: "design, implement, review",
		CreatorID:   vpEng.ID,
		Criticality: domain.CriticalityMedium,
		RACI: []domain.RACIAssignment{
			{AgentID: vpEng.ID, Role: domain.RACIAccountable},
		},
		Steps: []domain.Step{
			{ID: "s-design", Name: "design feature X", Metadata: map[string]string{"capabilities": "impl"}},
			{ID: "s-impl", Name: "implement feature X", DependsOn: []string{"s-design"}, Metadata: map[string]string{"capabilities": "impl"}},
			{ID: "s-review", Name: "review feature X", DependsOn: []string{"s-impl"}, IsGate: true, GateID: reviewGate.ID},
		},
		Topology:   domain.Topology{Type: domain.WorkflowLinear},
		MaxRetries: 2,
		CostCap:    5.0,
	})
	if err != nil {
		log.Fatalf("CreateMolecule: %v", err)
	}

	if _, err := corporation.Contracts.Create(m.ID, "feature X shipped",
		[]domain.SuccessCriterion{{Description: "all steps complete"}}, domain.ValidationOneTime); err != nil {
		log.Fatalf("Contract create: %v", err)
	}
	if _, err := corporation.Contracts.Activate(m.ID); err != nil {
		log.Fatalf("Contract activate: %v", err)
	}
	if _, err := corporation.Engine.Start(m.ID); err != nil {
		log.Fatalf("Start molecule: %v", err)
	}
	fmt.Printf("=== Molecule %s started ===\n", m.ID)

	// ── Run the corporation ─────────────────────────────────────────────

	ctx := context.Background()
	for i := 0; i < *cycles; i++ {
		report, err := corporation.Executor.RunCycle(ctx)
		if err != nil {
			log.Fatalf("RunCycle: %v", err)
		}
		current, err := corporation.GetMolecule(m.ID)
		if err != nil {
			log.Fatalf("GetMolecule: %v", err)
		}
		log.Printf("Cycle %d: %d agents, %d items done, molecule %.0f%% (%s)",
			i+1, report.AgentsRun, report.ItemsExecuted, current.Progress.Fraction*100, current.Status)

		// The review step is gated: once implementation is done, submit
		// artifacts against the gate. Strict policy auto-approves when
		// every required auto-check passes.
		if step := current.StepByID("s-review"); step != nil && step.Status == domain.StepReady {
			sub, err := corporation.Gates.Submit(reviewGate.ID, m.ID, "s-review", "worker-01",
				[]string{"tests_pass", "style_clean"})
			if err != nil {
				log.Fatalf("Submit: %v", err)
			}
			log.Printf("Gate submission %s: %s (confidence %.2f)", sub.ID, sub.Status, sub.Confidence)
		}
		if current.Status == domain.MoleculeCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// ── Wrap up: contract, metrics, ledger ──────────────────────────────

	if _, err := corporation.CheckCriterion(m.ID, "all steps complete", vpEng.ID); err != nil {
		log.Fatalf("CheckCriterion: %v", err)
	}
	if err := corporation.NotifyTerminal(m.ID); err != nil {
		log.Fatalf("NotifyTerminal: %v", err)
	}

	contractHead, err := corporation.GetContract(m.ID)
	if err != nil {
		log.Fatalf("GetContract: %v", err)
	}
	fmt.Printf("=== Contract v%d: %s ===\n", contractHead.Version, contractHead.Status)

	snap, err := corporation.CollectMetrics()
	if err != nil {
		log.Fatalf("CollectMetrics: %v", err)
	}
	for _, a := range snap.Agents {
		fmt.Printf("agent %-12s queue=%d done=%d failed=%d\n", a.AgentID, a.QueueDepth, a.Completed, a.Failed)
	}
	alerts, err := corporation.ListAlerts()
	if err != nil {
		log.Fatalf("ListAlerts: %v", err)
	}
	fmt.Printf("=== %d active alerts ===\n", len(alerts))

	history, err := corporation.Ledger.History(m.ID)
	if err != nil {
		log.Fatalf("Ledger history: %v", err)
	}
	fmt.Printf("=== Ledger: %d entries for molecule %s, latest sequence %d ===\n",
		len(history), m.ID, corporation.Ledger.LatestSequence())
}
