package notifications

import (
	"context"

	"github.com/rom8726/apflow"
)

var _ apflow.Plugin = (*NotificationsPlugin)(nil)

type NotificationType string

const (
	NotificationTypeReviewRequested   NotificationType = "review_requested"
	NotificationTypeReviewResolved    NotificationType = "review_resolved"
	NotificationTypeWorkflowCompleted NotificationType = "workflow_completed"
	NotificationTypeWorkflowFailed    NotificationType = "workflow_failed"
)

type Notification struct {
	Type           NotificationType
	WorkflowID     string
	Stage          apflow.Stage
	Status         string
	ReviewTicketID string
	Reason         string
	Options        []apflow.DecisionKind
	Cycle          int
	Decision       apflow.DecisionKind
	ReviewerID     string
	Error          string
}

type NotificationChannel interface {
	Send(ctx context.Context, notification Notification) error
}

// NotificationsPlugin tells reviewers about pending decisions and outcomes.
type NotificationsPlugin struct {
	apflow.BasePlugin

	channel NotificationChannel
}

func New(channel NotificationChannel) *NotificationsPlugin {
	return &NotificationsPlugin{
		BasePlugin: apflow.NewBasePlugin("notifications", apflow.PriorityLow),
		channel:    channel,
	}
}

func (p *NotificationsPlugin) OnWorkflowPaused(ctx context.Context, instance *apflow.WorkflowInstance) error {
	if p.channel == nil {
		return nil
	}

	notification := Notification{
		Type:       NotificationTypeReviewRequested,
		WorkflowID: instance.ID,
		Stage:      instance.CurrentStage,
		Status:     string(instance.Status),
	}
	if req := instance.PendingDecisionRequest; req != nil {
		notification.ReviewTicketID = req.ReviewTicketID
		notification.Reason = req.Reason
		notification.Options = append([]apflow.DecisionKind(nil), req.Options...)
		notification.Cycle = req.Cycle
	}

	return p.channel.Send(ctx, notification)
}

func (p *NotificationsPlugin) OnWorkflowResumed(
	ctx context.Context,
	instance *apflow.WorkflowInstance,
	decision apflow.Decision,
) error {
	if p.channel == nil {
		return nil
	}

	return p.channel.Send(ctx, Notification{
		Type:       NotificationTypeReviewResolved,
		WorkflowID: instance.ID,
		Stage:      instance.CurrentStage,
		Status:     string(instance.Status),
		Decision:   decision.Kind,
		ReviewerID: decision.ReviewerID,
	})
}

func (p *NotificationsPlugin) OnWorkflowComplete(ctx context.Context, instance *apflow.WorkflowInstance) error {
	if p.channel == nil {
		return nil
	}

	return p.channel.Send(ctx, Notification{
		Type:       NotificationTypeWorkflowCompleted,
		WorkflowID: instance.ID,
		Stage:      instance.CurrentStage,
		Status:     string(instance.Status),
	})
}

func (p *NotificationsPlugin) OnWorkflowFailed(ctx context.Context, instance *apflow.WorkflowInstance) error {
	if p.channel == nil {
		return nil
	}

	var errorMsg string
	if instance.Error != nil {
		errorMsg = *instance.Error
	}

	notification := Notification{
		Type:       NotificationTypeWorkflowFailed,
		WorkflowID: instance.ID,
		Stage:      instance.CurrentStage,
		Status:     string(instance.Status),
		Error:      errorMsg,
	}
	if n := len(instance.History); n > 0 {
		notification.Decision = instance.History[n-1].Decision
		notification.ReviewerID = instance.History[n-1].DecidedBy
	}

	return p.channel.Send(ctx, notification)
}
