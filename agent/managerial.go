package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/corpcore/orchestrator/corperrors"
	"github.com/corpcore/orchestrator/domain"
)

// managerial is the shared behavior of the executive, vp, and director
// tiers: claimed work is not executed directly but delegated one tier
// down, re-entering the scheduler with the subordinate tier required so
// the executor's refresh point makes it visible in the same cycle.
type managerial struct {
	base
	delegateTier domain.Tier
}

// ExecuteTask delegates the claimed item: a fresh work item for the same
// molecule step is scheduled at the subordinate tier, a downchain message
// records the delegation, and the manager's own item completes. When no
// subordinate can take the work the scheduler parks it; delegation still
// counts as this manager's completion — the parked item is the pending
// work now, not the manager's copy.
func (g *managerial) ExecuteTask(ctx context.Context, item domain.WorkItem) error {
	if ctx.Err() != nil {
		if err := g.releaseOnCancel(item); err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s", corperrors.ErrCancelled, item.ID)
	}

	delegated := item
	delegated.ID = ""
	delegated.RetryCount = 0
	delegated.ClaimedAt = nil
	delegated.ClaimToken = ""

	tier := g.delegateTier
	assignee, err := g.deps.Scheduler.Schedule(delegated, item.RequiredCapabilities, &tier, true)
	if err != nil {
		return g.deps.Hooks.Fail(g.self.ID, item.ID, item.ClaimToken, err, true)
	}

	if assignee != "" {
		if _, err := g.deps.Channels.Send(g.self.ID, domain.ChannelDownchain, []string{assignee},
			fmt.Sprintf("delegated: %s", item.Instruction),
			fmt.Sprintf("work item for molecule %s step %s, priority %s", item.MoleculeID, item.StepID, item.Priority),
			item.Priority, ""); err != nil && !isRoutingToNonReport(err) {
			return err
		}
	}
	return g.deps.Hooks.Complete(g.self.ID, item.ID, item.ClaimToken, map[string]any{"delegated_to": assignee})
}

// isRoutingToNonReport tolerates delegation to a capable agent outside the
// manager's own reporting line: the scheduler optimizes for capability and
// load across the whole tier, and a strict downchain notification is then
// impossible by the routing rules. The work placement stands either way.
func isRoutingToNonReport(err error) bool {
	return errors.Is(err, corperrors.ErrRouting)
}

// ProcessMessage triages the inbox: upchain escalations get forwarded one
// tier further up (stopping at the executive), everything else is read and
// filed.
func (g *managerial) ProcessMessage(ctx context.Context, msg domain.Message) error {
	if err := g.base.ProcessMessage(ctx, msg); err != nil {
		return err
	}
	if msg.ChannelType == domain.ChannelUpchain && msg.Priority == domain.P0 && g.self.ReportsTo != "" {
		_, err := g.deps.Channels.Send(g.self.ID, domain.ChannelUpchain, []string{g.self.ReportsTo},
			msg.Subject, msg.Body, msg.Priority, msg.ID)
		return err
	}
	return nil
}

// Director delegates to workers.
type Director struct{ managerial }

// VP delegates to directors.
type VP struct{ managerial }

// Executive sits at the top of the hierarchy. Beyond the shared delegation
// behavior it announces molecule failures it learns of to its whole
// subordinate tree, so every department sees a P0 stop signal without each
// manager relaying it by hand.
type Executive struct{ managerial }

func (e *Executive) ProcessMessage(ctx context.Context, msg domain.Message) error {
	if err := e.base.ProcessMessage(ctx, msg); err != nil {
		return err
	}
	if msg.ChannelType == domain.ChannelUpchain && msg.Priority == domain.P0 {
		_, err := e.deps.Channels.Broadcast(e.self.ID, "",
			fmt.Sprintf("escalation: %s", msg.Subject), msg.Body, domain.P0)
		return err
	}
	return nil
}
