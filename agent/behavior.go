// Package agent implements the per-tier agent behaviors the executor
// drives each cycle: claiming from the agent's hook, processing inbox
// messages, and executing (or delegating) claimed work. One Behavior
// implementation exists per tier — workers execute through the LLM
// backend, managerial tiers (executive, vp, director) delegate downchain —
// with the shared mechanics in a common base.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/corpcore/orchestrator/channel"
	"github.com/corpcore/orchestrator/collab"
	"github.com/corpcore/orchestrator/corperrors"
	"github.com/corpcore/orchestrator/domain"
	"github.com/corpcore/orchestrator/hook"
	"github.com/corpcore/orchestrator/molecule"
	"github.com/corpcore/orchestrator/registry"
	"github.com/corpcore/orchestrator/scheduler"
)

// Behavior is the tier-polymorphic agent surface: the executor calls these
// three methods in order (messages, claim, execute) once per agent per
// cycle.
type Behavior interface {
	// Self identifies the agent this behavior acts for.
	Self() domain.Agent

	// ClaimWork claims the highest-priority ready item from the agent's
	// hook, or returns nil when the queue is empty.
	ClaimWork(ctx context.Context) (*domain.WorkItem, error)

	// ProcessMessage handles one inbox message and marks it read.
	ProcessMessage(ctx context.Context, msg domain.Message) error

	// ExecuteTask processes a claimed item to completion or failure,
	// updating the hook and the owning molecule.
	ExecuteTask(ctx context.Context, item domain.WorkItem) error
}

// Deps bundles the collaborators every behavior needs. All fields are
// required except Knowledge and Learning, which degrade to no-ops when nil.
type Deps struct {
	Hooks     *hook.Manager
	Channels  *channel.Manager
	Engine    *molecule.Engine
	Scheduler *scheduler.Scheduler
	Registry  *registry.Registry
	LLM       collab.LLMBackend
	Knowledge collab.KnowledgeStore
	Learning  collab.LearningSink
}

// ForTier returns the Behavior implementation for self's tier.
func ForTier(self domain.Agent, deps Deps) Behavior {
	b := base{self: self, deps: deps}
	switch self.Tier {
	case domain.TierWorker:
		return &Worker{base: b}
	case domain.TierDirector:
		return &Director{managerial{base: b, delegateTier: domain.TierWorker}}
	case domain.TierVP:
		return &VP{managerial{base: b, delegateTier: domain.TierDirector}}
	case domain.TierExecutive:
		return &Executive{managerial{base: b, delegateTier: domain.TierVP}}
	default:
		return &Worker{base: b}
	}
}

// base carries the mechanics shared by every tier.
type base struct {
	self domain.Agent
	deps Deps
}

func (b *base) Self() domain.Agent { return b.self }

// ClaimWork heartbeats, then claims. The heartbeat-first order matters:
// a claim immediately followed by a crash still leaves a fresh LastSeen,
// so the monitor's heartbeat-age alert and the hook's stale-claim reclaim
// measure from the same instant.
func (b *base) ClaimWork(ctx context.Context) (*domain.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", corperrors.ErrCancelled, err)
	}
	now := time.Now().UTC()
	if err := b.deps.Hooks.Heartbeat(b.self.ID, now, ""); err != nil {
		return nil, err
	}
	_ = b.deps.Registry.Touch(b.self.ID)
	return b.deps.Hooks.Claim(b.self.ID)
}

// ProcessMessage marks the message read. Tier implementations layer their
// own handling (escalation triage, knowledge capture) on top.
func (b *base) ProcessMessage(ctx context.Context, msg domain.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", corperrors.ErrCancelled, err)
	}
	return b.deps.Channels.MarkRead(b.self.ID, msg.ID)
}

// escalateUpchain sends a high-priority upchain message to the agent's
// manager, used when a step exhausts its retries. Agents with no manager
// (the executive) have nowhere to escalate; the ledger entry written by
// the failing component stands as the record.
func (b *base) escalateUpchain(subject, body string) error {
	if b.self.ReportsTo == "" {
		return nil
	}
	_, err := b.deps.Channels.Send(b.self.ID, domain.ChannelUpchain, []string{b.self.ReportsTo},
		subject, body, domain.P0, "")
	return err
}

// releaseOnCancel returns the claimed item to queued (not failed) when
// ctx was cancelled mid-execution; cancellation releases claims without
// consuming a retry.
func (b *base) releaseOnCancel(item domain.WorkItem) error {
	if _, err := b.deps.Engine.Get(item.MoleculeID); err == nil {
		_ = b.deps.Engine.Checkpoint(item.MoleculeID, item.StepID, "cancelled", "claim released")
	}
	return b.deps.Hooks.Release(b.self.ID, item.ID, item.ClaimToken)
}
