package apflow

import (
	"context"
)

const defaultReviewerID = "system"

// Resume applies a reviewer decision to a paused workflow and, when the decision
// lets it continue, keeps driving it under the same lease.
//
// A decision is applied at most once: after it is persisted the workflow is no
// longer paused, so a repeated call fails with ErrWorkflowNotPaused.
func (engine *Engine) Resume(ctx context.Context, workflowID string, decision Decision) (WorkflowStatus, error) {
	lease, err := engine.acquireLease(ctx, workflowID)
	if err != nil {
		return "", err
	}
	defer engine.releaseLease(ctx, lease)

	instance, err := engine.store.LoadLatest(ctx, workflowID)
	if err != nil {
		return "", err
	}

	if instance.Status.IsTerminal() {
		return instance.Status, ErrWorkflowTerminal
	}
	if instance.Status != StatusPausedForReview || instance.PendingDecisionRequest == nil {
		return instance.Status, ErrWorkflowNotPaused
	}

	req := instance.PendingDecisionRequest
	if !req.Accepts(decision.Kind) {
		return instance.Status, &InvalidDecisionError{
			Kind:    decision.Kind,
			Allowed: append([]DecisionKind(nil), req.Options...),
		}
	}
	if decision.ReviewerID == "" {
		decision.ReviewerID = defaultReviewerID
	}

	engine.logger.Info("applying review decision",
		KeyWorkflowID, workflowID,
		KeyDecision, decision.Kind,
		KeyReviewerID, decision.ReviewerID,
		KeyReviewCycle, req.Cycle,
	)

	stage := instance.CurrentStage
	next, outcome, err := engine.step(ctx, lease, instance, &decision)
	if err != nil {
		return instance.Status, err
	}

	if next.Status == StatusRunning {
		engine.pluginManager.ExecuteWorkflowResumed(ctx, next.Clone(), decision)
	}
	engine.notifyOutcome(ctx, next, stage, outcome)

	if next.Status != StatusRunning {
		return next.Status, nil
	}

	return engine.drive(ctx, lease, next)
}
