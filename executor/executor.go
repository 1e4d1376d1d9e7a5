// Package executor drives the corporation in cycles: one pass through the
// tiers in order (executive → vp → director → worker), refreshing every
// hook between tiers so work delegated by tier T is visible to tier T+1
// within the same cycle — the ordering guarantee the whole top-down flow
// rests on.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/corpcore/orchestrator/agent"
	"github.com/corpcore/orchestrator/corperrors"
	"github.com/corpcore/orchestrator/domain"
)

// tierOrder is the fixed cycle order, most senior first.
var tierOrder = []domain.Tier{domain.TierExecutive, domain.TierVP, domain.TierDirector, domain.TierWorker}

// CycleReport summarizes one RunCycle pass for callers and the log.
type CycleReport struct {
	AgentsRun      int
	ItemsExecuted  int
	ItemsFailed    int
	MessagesHandled int
}

// Executor drives agent behaviors tier by tier.
type Executor struct {
	deps agent.Deps
}

// New constructs an Executor over the same dependency bundle the agent
// behaviors take — the executor owns no state of its own beyond it.
func New(deps agent.Deps) *Executor {
	return &Executor{deps: deps}
}

// RunCycle executes one pass through the tiers. Within a tier, agents run
// in registry order (sorted by id); between tiers every hook is refreshed
// from durable storage, which is the cache-coherence point.
func (e *Executor) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	for _, tier := range tierOrder {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("%w: %v", corperrors.ErrCancelled, err)
		}
		for _, a := range e.deps.Registry.ByTier(tier) {
			if err := e.runAgent(ctx, a, &report); err != nil {
				if errors.Is(err, corperrors.ErrCancelled) {
					return report, err
				}
				log.Printf("Executor: agent %s cycle error: %v", a.ID, err)
			}
			report.AgentsRun++
		}
		if err := e.refreshAll(); err != nil {
			return report, err
		}
	}
	return report, nil
}

// runAgent gives one agent its turn: drain the inbox, then claim and
// execute at most one work item. A behavior error on one item is recorded
// on the agent's circuit breaker and counted in report.ItemsFailed; only a
// cancellation error is returned, and none aborts the whole tier.
func (e *Executor) runAgent(ctx context.Context, a domain.Agent, report *CycleReport) error {
	b := agent.ForTier(a, e.deps)

	inbox, err := e.deps.Channels.Inbox(a.ID)
	if err != nil {
		return err
	}
	for _, msg := range inbox {
		if err := b.ProcessMessage(ctx, msg); err != nil {
			return err
		}
		report.MessagesHandled++
	}

	item, err := b.ClaimWork(ctx)
	if err != nil || item == nil {
		return err
	}
	execErr := b.ExecuteTask(ctx, *item)
	if e.deps.Scheduler != nil {
		e.deps.Scheduler.RecordOutcome(a.ID, execErr == nil)
	}
	if execErr != nil {
		report.ItemsFailed++
		if errors.Is(execErr, corperrors.ErrCancelled) {
			return execErr
		}
		// Retryable failures were already requeued by the behavior; the
		// cycle itself proceeds.
		return nil
	}
	report.ItemsExecuted++
	return nil
}

// refreshAll reloads every registered agent's hook from durable storage.
func (e *Executor) refreshAll() error {
	for _, tier := range tierOrder {
		for _, a := range e.deps.Registry.ByTier(tier) {
			if err := e.deps.Hooks.Refresh(a.ID); err != nil {
				return fmt.Errorf("executor: refresh hook %s: %w", a.ID, err)
			}
		}
	}
	return nil
}

// RunContinuous repeats RunCycle at a fixed interval until ctx is
// cancelled. Each tick also sweeps stale claims so a crashed agent's work
// returns to its queue without an external janitor.
func (e *Executor) RunContinuous(ctx context.Context, interval time.Duration, staleThreshold time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", corperrors.ErrCancelled, ctx.Err())
		case <-ticker.C:
			if reclaimed, err := e.deps.Hooks.ReclaimStale(staleThreshold); err != nil {
				log.Printf("Executor: reclaim stale: %v", err)
			} else if len(reclaimed) > 0 {
				log.Printf("Executor: reclaimed %d stale claims", len(reclaimed))
			}
			report, err := e.RunCycle(ctx)
			if err != nil {
				if errors.Is(err, corperrors.ErrCancelled) {
					return err
				}
				log.Printf("Executor: cycle error: %v", err)
			}
			if report.ItemsExecuted+report.ItemsFailed > 0 {
				log.Printf("Executor: cycle ran %d agents, %d items completed, %d failed",
					report.AgentsRun, report.ItemsExecuted, report.ItemsFailed)
			}
		}
	}
}
