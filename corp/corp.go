// Package corp is the assembly point: it constructs every component of
// the orchestration core once per process, wires their collaborators
// together, and exposes the narrow surface the CLI and dashboard consume
// (molecule listing, gate/submission lookup, metrics, alerts, contract
// checks, and agent hiring). All global-registry patterns of the source
// material become explicit fields here, created at startup and passed
// down as constructor parameters.
package corp

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/corpcore/orchestrator/agent"
	"github.com/corpcore/orchestrator/channel"
	"github.com/corpcore/orchestrator/collab"
	"github.com/corpcore/orchestrator/contract"
	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/executor"
	"github.com/corpcore/orchestrator/gate"
	"github.com/corpcore/orchestrator/hook"
	"github.com/corpcore/orchestrator/internal/fsstore"
	"github.com/corpcore/orchestrator/ledger"
	"github.com/corpcore/orchestrator/molecule"
	"github.com/corpcore/orchestrator/monitor"
	"github.com/corpcore/orchestrator/registry"
	"github.com/corpcore/orchestrator/scheduler"
	"github.com/corpcore/orchestrator/security"
)

// Config is everything New needs. Zero values pick the in-memory/test
// defaults: empty Root runs on an in-memory filesystem, empty NATSURL on
// an in-process bus, nil LLM on a fake that answers every prompt.
type Config struct {
	Root        string
	NATSURL     string
	SnapshotTTL time.Duration
	Thresholds  monitor.Thresholds

	LLM         collab.LLMBackend
	Knowledge   collab.KnowledgeStore
	EntityGraph collab.EntityGraph
	Learning    collab.LearningSink
	Skills      collab.SkillRegistry

	GateChecker     gate.AutoChecker
	ExitChecker     molecule.ExitChecker
	ContractChecker contract.ContinuousChecker
}

// Corporation holds the wired system.
type Corporation struct {
	Store     *fsstore.Store
	Ledger    *ledger.Ledger
	Registry  *registry.Registry
	Hooks     *hook.Manager
	Channels  *channel.Manager
	Gates     *gate.Manager
	Contracts *contract.Manager
	Engine    *molecule.Engine
	Scheduler *scheduler.Scheduler
	Executor  *executor.Executor
	Monitor   *monitor.Monitor

	bus        channel.Bus
	learning   collab.LearningSink
	identities map[string]*security.Identity
	tokens     map[string]*security.DCT
}

// New assembles the corporation.
func New(cfg Config) (*Corporation, error) {
	if cfg.SnapshotTTL == 0 {
		cfg.SnapshotTTL = 5 * time.Second
	}
	if cfg.Thresholds == (monitor.Thresholds{}) {
		cfg.Thresholds = monitor.DefaultThresholds()
	}
	if cfg.LLM == nil {
		cfg.LLM = &collab.FakeLLM{}
	}
	if cfg.Learning == nil {
		cfg.Learning = collab.NewFakeLearningSink()
	}

	var store *fsstore.Store
	if cfg.Root == "" {
		store = fsstore.OpenMemory()
	} else {
		var err error
		store, err = fsstore.OpenOS(cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("corp: %w", err)
		}
	}

	led, err := ledger.Open(store)
	if err != nil {
		return nil, fmt.Errorf("corp: %w", err)
	}
	reg, err := registry.Open(store)
	if err != nil {
		return nil, fmt.Errorf("corp: %w", err)
	}
	hooks := hook.New(store, led, cfg.SnapshotTTL)

	bus, err := channel.ConnectBus(cfg.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("corp: %w", err)
	}
	channels := channel.New(store, led, reg, bus)

	sched := scheduler.New(reg, hooks, led)
	eng := molecule.New(store, led, sched, cfg.ExitChecker)
	gates := gate.New(store, led, cfg.GateChecker)
	gates.SetStepResolver(eng.ResolveGatedStep)
	contracts := contract.New(store, led, cfg.ContractChecker)
	mon := monitor.New(store, led, reg, hooks, eng, cfg.Thresholds, cfg.SnapshotTTL)

	c := &Corporation{
		Store:      store,
		Ledger:     led,
		Registry:   reg,
		Hooks:      hooks,
		Channels:   channels,
		Gates:      gates,
		Contracts:  contracts,
		Engine:     eng,
		Scheduler:  sched,
		Monitor:    mon,
		bus:        bus,
		learning:   cfg.Learning,
		identities: make(map[string]*security.Identity),
		tokens:     make(map[string]*security.DCT),
	}
	hooks.SetSigner(c.signClaim)
	hooks.SetVerifier(c.verifyClaim)

	c.Executor = executor.New(agent.Deps{
		Hooks:     hooks,
		Channels:  channels,
		Engine:    eng,
		Scheduler: sched,
		Registry:  reg,
		LLM:       cfg.LLM,
		Knowledge: cfg.Knowledge,
		Learning:  cfg.Learning,
	})
	return c, nil
}

// signClaim is the hook.Signer for hired agents: claims by an agent with a
// minted identity carry an nkeys signature, claims by anyone else carry
// none (and are trusted on owner id alone, the no-identity deployment
// mode).
func (c *Corporation) signClaim(ownerID, itemID string) (string, error) {
	id, ok := c.identities[ownerID]
	if !ok {
		return "", nil
	}
	tok, err := security.SignClaim(id, ownerID, itemID)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("corp: marshal claim token: %w", err)
	}
	return string(data), nil
}

// verifyClaim is the hook.Verifier: the presented token must be a
// well-formed ClaimToken naming exactly this owner and item, signed by the
// key minted for that owner at hire time. Owners hired before the identity
// layer existed have no key on file and pass unchecked.
func (c *Corporation) verifyClaim(ownerID, itemID, token string) error {
	identity, ok := c.identities[ownerID]
	if !ok {
		return nil
	}
	var tok security.ClaimToken
	if err := json.Unmarshal([]byte(token), &tok); err != nil {
		return fmt.Errorf("corp: unmarshal claim token: %w", err)
	}
	if tok.OwnerID != ownerID || tok.ItemID != itemID {
		return fmt.Errorf("corp: claim token names %s/%s, not %s/%s", tok.OwnerID, tok.ItemID, ownerID, itemID)
	}
	pub, err := identity.PublicKey()
	if err != nil {
		return fmt.Errorf("corp: %w", err)
	}
	return security.VerifyClaim(tok, pub)
}

// Hire registers an agent with the scheduler, mints its signing identity,
// and creates its hook by writing an initial heartbeat — the agent-hiring
// operation the external interface names.
func (c *Corporation) Hire(a domain.Agent) (*domain.Agent, error) {
	registered, err := c.Scheduler.RegisterAgent(a)
	if err != nil {
		return nil, err
	}
	identity, err := security.NewIdentity()
	if err != nil {
		return nil, fmt.Errorf("corp: %w", err)
	}
	c.identities[registered.ID] = identity

	// Capability token: attenuated from the manager's token when one
	// exists, so permissions only ever narrow down the hierarchy —
	// subordinates lose the decide operation. Agents with no manager get
	// a root token minted directly.
	if parent, ok := c.tokens[registered.ReportsTo]; ok {
		child, err := parent.Attenuate(registered.ID,
			security.Caveat{Type: "operation", Key: "ops", Value: "claim,complete,submit"})
		if err != nil {
			return nil, fmt.Errorf("corp: %w", err)
		}
		c.tokens[registered.ID] = child
	} else {
		c.tokens[registered.ID] = security.MintDCT("corp", registered.ID, "orchestrator", 24*time.Hour,
			security.Caveat{Type: "operation", Key: "ops", Value: "claim,complete,decide,submit"})
	}

	if err := c.Hooks.Heartbeat(registered.ID, time.Now().UTC(), ""); err != nil {
		return nil, err
	}
	if _, err := c.Ledger.Append(domain.LedgerEntry{
		Actor: "corp", EntityKind: "agent", EntityID: registered.ID, EventKind: "AgentHired",
		Payload: map[string]any{"tier": string(registered.Tier), "role": registered.Role},
	}); err != nil {
		return nil, fmt.Errorf("corp: %w", err)
	}
	log.Printf("Agent hired: %s (%s, %s)", registered.ID, registered.Tier, registered.Role)
	return registered, nil
}

// CreateMolecule persists a new molecule, screening it for red flags
// first; warnings are logged and recorded but never block creation — the
// screen advises, the accountable agent decides.
func (c *Corporation) CreateMolecule(spec molecule.Spec) (*domain.Molecule, error) {
	m, err := c.Engine.Create(spec)
	if err != nil {
		return nil, err
	}
	if warnings := security.ScreenMolecule(m); len(warnings) > 0 {
		for _, w := range warnings {
			log.Printf("Molecule %s screening: %s", m.ID, w)
		}
		if _, err := c.Ledger.Append(domain.LedgerEntry{
			Actor: "corp", EntityKind: "molecule", EntityID: m.ID, EventKind: "MoleculeScreeningFlagged",
			Payload: map[string]any{"warnings": warnings},
		}); err != nil {
			return nil, fmt.Errorf("corp: %w", err)
		}
	}
	return m, nil
}

// DecideSubmission finalizes a gate submission after validating the
// decider's capability token covers the decide operation.
func (c *Corporation) DecideSubmission(submissionID, decider string, approve bool, reason string) (*domain.Submission, error) {
	if tok, ok := c.tokens[decider]; ok {
		if err := tok.ValidateAccess("decide", "gates/"); err != nil {
			return nil, err
		}
	}
	return c.Gates.Decide(submissionID, decider, approve, reason)
}

// ListMolecules returns every molecule.
func (c *Corporation) ListMolecules() ([]domain.Molecule, error) { return c.Engine.List() }

// GetMolecule returns one molecule by id.
func (c *Corporation) GetMolecule(id string) (*domain.Molecule, error) { return c.Engine.Get(id) }

// ListGates returns every defined gate.
func (c *Corporation) ListGates() ([]domain.Gate, error) { return c.Gates.List() }

// GetSubmission returns one submission by id.
func (c *Corporation) GetSubmission(id string) (*domain.Submission, error) {
	return c.Gates.Submission(id)
}

// CollectMetrics returns the monitor's current snapshot.
func (c *Corporation) CollectMetrics() (*monitor.Snapshot, error) { return c.Monitor.CollectMetrics() }

// ListAlerts returns the monitor's active health alerts.
func (c *Corporation) ListAlerts() ([]monitor.Alert, error) { return c.Monitor.CheckHealth() }

// GetContract returns the latest version of a molecule's contract.
func (c *Corporation) GetContract(moleculeID string) (*domain.Contract, error) {
	return c.Contracts.Head(moleculeID)
}

// CheckCriterion marks one contract criterion met.
func (c *Corporation) CheckCriterion(moleculeID, criterion, verifier string) (*domain.Contract, error) {
	return c.Contracts.Check(moleculeID, criterion, verifier)
}

// ValidateContract runs a continuous contract's checks, and when the
// consecutive-failure threshold trips, sends the automatic upchain
// escalation from the molecule's accountable agent to its manager.
func (c *Corporation) ValidateContract(moleculeID string) (*domain.Contract, error) {
	ct, err := c.Contracts.ValidateContinuous(moleculeID)
	if err != nil {
		return nil, err
	}
	if ct.Status != domain.ContractFailed {
		return ct, nil
	}

	m, err := c.Engine.Get(moleculeID)
	if err != nil {
		return ct, nil // escalation has no addressee without the molecule
	}
	accountable := m.AccountableAgent()
	if accountable == "" {
		return ct, nil
	}
	owner, err := c.Registry.Get(accountable)
	if err != nil || owner.ReportsTo == "" {
		return ct, nil
	}
	if _, err := c.Channels.Send(accountable, domain.ChannelUpchain, []string{owner.ReportsTo},
		fmt.Sprintf("contract %s breached", ct.ID),
		fmt.Sprintf("molecule %s failed %d consecutive continuous validations (threshold %d)",
			moleculeID, ct.ConsecutiveFailures, ct.EscalationThreshold),
		domain.P0, ""); err != nil {
		return ct, err
	}
	return ct, nil
}

// NotifyTerminal routes a terminal molecule to the learning sink. The
// engine flips status; this is the notification edge the external
// LearningSink interface consumes.
func (c *Corporation) NotifyTerminal(moleculeID string) error {
	m, err := c.Engine.Get(moleculeID)
	if err != nil {
		return err
	}
	switch m.Status {
	case domain.MoleculeCompleted:
		c.learning.OnMoleculeCompleted(m)
	case domain.MoleculeFailed:
		c.learning.OnMoleculeFailed(m, "molecule reached failed status")
	}
	return nil
}

// Close releases the message bus connection. The vfs-backed store needs
// no close.
func (c *Corporation) Close() {
	c.bus.Close()
}
