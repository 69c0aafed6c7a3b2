package apflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PendingReview is a reviewer's view of a workflow paused for a decision.
type PendingReview struct {
	WorkflowID     string         `json:"workflow_id"`
	ReviewTicketID string         `json:"review_ticket_id"`
	InvoiceID      string         `json:"invoice_id"`
	VendorName     string         `json:"vendor_name"`
	Amount         float64        `json:"amount"`
	MatchScore     float64        `json:"match_score"`
	Reason         string         `json:"reason"`
	Options        []DecisionKind `json:"options"`
	Cycle          int            `json:"cycle"`
	RequestedInfo  string         `json:"requested_info,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	PausedAt       time.Time      `json:"paused_at"`
}

// ListPendingReviews returns one entry per workflow paused for review, ordered by
// workflow id. Workflows resumed between listing and loading are skipped.
func (engine *Engine) ListPendingReviews(ctx context.Context) ([]PendingReview, error) {
	ids, err := engine.store.ListByStatus(ctx, StatusPausedForReview)
	if err != nil {
		return nil, err
	}

	reviews := make([]PendingReview, 0, len(ids))
	for _, id := range ids {
		review, err := engine.GetPendingReview(ctx, id)
		switch {
		case err == nil:
			reviews = append(reviews, *review)
		case errors.Is(err, ErrWorkflowNotPaused), errors.Is(err, ErrWorkflowTerminal):
			continue
		default:
			return nil, err
		}
	}

	return reviews, nil
}

// GetPendingReview returns the review details of one paused workflow.
func (engine *Engine) GetPendingReview(ctx context.Context, workflowID string) (*PendingReview, error) {
	instance, err := engine.store.LoadLatest(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	switch {
	case instance.Status.IsTerminal():
		return nil, ErrWorkflowTerminal
	case instance.Status != StatusPausedForReview || instance.PendingDecisionRequest == nil:
		return nil, ErrWorkflowNotPaused
	}

	section, err := engine.registry.Section(StageCheckpointHITL)
	if err != nil {
		return nil, err
	}

	var ticket CheckpointSection
	if _, err := instance.Section(section, &ticket); err != nil {
		return nil, fmt.Errorf("decode checkpoint section of %s: %w", workflowID, err)
	}

	req := instance.PendingDecisionRequest
	review := &PendingReview{
		WorkflowID:     instance.ID,
		ReviewTicketID: req.ReviewTicketID,
		InvoiceID:      ticket.InvoiceID,
		VendorName:     ticket.VendorName,
		Amount:         ticket.Amount,
		MatchScore:     ticket.MatchScore,
		Reason:         req.Reason,
		Options:        append([]DecisionKind(nil), req.Options...),
		Cycle:          req.Cycle,
		RequestedInfo:  req.RequestedInfo,
		CreatedAt:      firstPauseAt(instance),
		PausedAt:       instance.UpdatedAt,
	}
	if review.ReviewTicketID == "" {
		review.ReviewTicketID = ticket.ReviewTicketID
	}

	return review, nil
}

func firstPauseAt(instance *WorkflowInstance) time.Time {
	for _, entry := range instance.History {
		if entry.Outcome == OutcomePaused {
			return entry.At
		}
	}

	return instance.UpdatedAt
}
