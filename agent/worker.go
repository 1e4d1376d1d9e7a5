package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/corpcore/orchestrator/corperrors"
	"github.com/corpcore/orchestrator/domain"
)

// Worker executes claimed work items through the LLM backend and reports
// the outcome to the hook and the molecule engine.
type Worker struct {
	base
}

// ExecuteTask runs one attempt of the item's step: authorize the spend,
// invoke the model with the instruction plus any learned patterns, then
// complete or fail both the hook item and the molecule step. Failures are
// retried at the hook until the item's retry budget is exhausted, at which
// point the step fails and an escalation goes upchain.
func (w *Worker) ExecuteTask(ctx context.Context, item domain.WorkItem) error {
	if ctx.Err() != nil {
		if err := w.releaseOnCancel(item); err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s", corperrors.ErrCancelled, item.ID)
	}

	m, err := w.deps.Engine.Get(item.MoleculeID)
	if err != nil {
		return err
	}
	if err := w.deps.Engine.AuthorizeSpend(item.MoleculeID, m.Economic.EstimatedCost); err != nil {
		if failErr := w.deps.Hooks.Fail(w.self.ID, item.ID, item.ClaimToken, err, false); failErr != nil && !errors.Is(failErr, corperrors.ErrRetriesExhausted) {
			return failErr
		}
		return err
	}

	res, llmErr := w.deps.LLM.Execute(ctx, w.prompt(item), nil, "")
	if errors.Is(llmErr, context.Canceled) {
		if err := w.releaseOnCancel(item); err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s", corperrors.ErrCancelled, item.ID)
	}
	if res.Cost > 0 {
		if costErr := w.deps.Engine.RecordCost(item.MoleculeID, res.Cost); costErr != nil {
			llmErr = costErr
		}
	}
	if llmErr != nil {
		return w.failAttempt(item, llmErr)
	}

	if err := w.deps.Hooks.Complete(w.self.ID, item.ID, item.ClaimToken, map[string]any{"content": res.Content, "tokens": res.Tokens}); err != nil {
		return err
	}
	if _, err := w.deps.Engine.CompleteStep(item.MoleculeID, item.StepID, map[string]string{"result": res.Content}); err != nil {
		return err
	}
	if w.deps.Knowledge != nil && res.Content != "" {
		_ = w.deps.Knowledge.Put("molecule/"+item.MoleculeID, res.Content)
	}
	return nil
}

// failAttempt routes one failed attempt through the hook's retry policy.
// Exhaustion fails the molecule step and escalates upchain.
func (w *Worker) failAttempt(item domain.WorkItem, cause error) error {
	retryable := !errors.Is(cause, corperrors.ErrCostCapExceeded)
	failErr := w.deps.Hooks.Fail(w.self.ID, item.ID, item.ClaimToken, cause, retryable)
	if failErr == nil {
		// Requeued; the molecule step stays where it was for the next attempt.
		return cause
	}
	if !errors.Is(failErr, corperrors.ErrRetriesExhausted) {
		return failErr
	}

	if _, err := w.deps.Engine.FailStep(item.MoleculeID, item.StepID, cause); err != nil {
		return err
	}
	if err := w.escalateUpchain(
		fmt.Sprintf("retries exhausted on step %s", item.StepID),
		fmt.Sprintf("work item %s on molecule %s failed after %d retries: %v", item.ID, item.MoleculeID, item.RetryCount, cause),
	); err != nil {
		return err
	}
	return fmt.Errorf("%w: item %s: %v", corperrors.ErrRetriesExhausted, item.ID, cause)
}

// prompt assembles the model prompt from the item's instruction, prior
// failure checkpoints ("failure as context" for persistent-retry work),
// and any patterns the learning sink offers.
func (w *Worker) prompt(item domain.WorkItem) string {
	var sb strings.Builder
	sb.WriteString(item.Instruction)

	if m, err := w.deps.Engine.Get(item.MoleculeID); err == nil {
		if step := m.StepByID(item.StepID); step != nil {
			for _, cp := range step.Checkpoints {
				if cp.Description == "failure" {
					sb.WriteString("\nprevious attempt failed: ")
					sb.WriteString(cp.Data)
				}
			}
		}
	}
	if w.deps.Learning != nil {
		for _, p := range w.deps.Learning.PatternsFor(item.Instruction) {
			sb.WriteString("\npattern: ")
			sb.WriteString(p)
		}
	}
	return sb.String()
}
