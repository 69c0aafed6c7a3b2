package audit

import (
	"context"
	"time"

	"github.com/rom8726/apflow"
)

var _ apflow.Plugin = (*AuditPlugin)(nil)

type AuditLogEntry struct {
	Timestamp    time.Time           `json:"timestamp"`
	EventType    string              `json:"event_type"`
	WorkflowID   string              `json:"workflow_id"`
	Stage        apflow.Stage        `json:"stage,omitempty"`
	Status       string              `json:"status"`
	CheckpointID int64               `json:"checkpoint_id"`
	Decision     apflow.DecisionKind `json:"decision,omitempty"`
	ReviewerID   string              `json:"reviewer_id,omitempty"`
	ReviewCycle  int                 `json:"review_cycle,omitempty"`
	Error        string              `json:"error,omitempty"`
}

type Writer interface {
	Write(ctx context.Context, entry *AuditLogEntry) error
}

// AuditPlugin writes one entry per lifecycle event, including every stage start and
// every persisted stage outcome.
type AuditPlugin struct {
	apflow.BasePlugin

	writer Writer
	now    func() time.Time
}

func New(writer Writer) *AuditPlugin {
	return &AuditPlugin{
		BasePlugin: apflow.NewBasePlugin("audit", apflow.PriorityNormal),
		writer:     writer,
		now:        time.Now,
	}
}

func (p *AuditPlugin) OnWorkflowStart(ctx context.Context, instance *apflow.WorkflowInstance) error {
	return p.logEvent(ctx, p.entry(apflow.EventWorkflowStarted, instance))
}

func (p *AuditPlugin) OnWorkflowPaused(ctx context.Context, instance *apflow.WorkflowInstance) error {
	entry := p.entry(apflow.EventWorkflowPaused, instance)
	if req := instance.PendingDecisionRequest; req != nil {
		entry.ReviewCycle = req.Cycle
	}

	return p.logEvent(ctx, entry)
}

func (p *AuditPlugin) OnWorkflowResumed(
	ctx context.Context,
	instance *apflow.WorkflowInstance,
	decision apflow.Decision,
) error {
	entry := p.entry(apflow.EventWorkflowResumed, instance)
	entry.Decision = decision.Kind
	entry.ReviewerID = decision.ReviewerID

	return p.logEvent(ctx, entry)
}

func (p *AuditPlugin) OnWorkflowComplete(ctx context.Context, instance *apflow.WorkflowInstance) error {
	return p.logEvent(ctx, p.entry(apflow.EventWorkflowCompleted, instance))
}

func (p *AuditPlugin) OnWorkflowFailed(ctx context.Context, instance *apflow.WorkflowInstance) error {
	entry := p.entry(apflow.EventWorkflowFailed, instance)
	if instance.Error != nil {
		entry.Error = *instance.Error
	}
	if n := len(instance.History); n > 0 {
		entry.Decision = instance.History[n-1].Decision
		entry.ReviewerID = instance.History[n-1].DecidedBy
	}

	return p.logEvent(ctx, entry)
}

func (p *AuditPlugin) OnStageStart(ctx context.Context, instance *apflow.WorkflowInstance, stage apflow.Stage) error {
	entry := p.entry(apflow.EventStageStarted, instance)
	entry.Stage = stage

	return p.logEvent(ctx, entry)
}

func (p *AuditPlugin) OnStageComplete(ctx context.Context, instance *apflow.WorkflowInstance, stage apflow.Stage) error {
	entry := p.entry(apflow.EventStageCompleted, instance)
	entry.Stage = stage

	return p.logEvent(ctx, entry)
}

func (p *AuditPlugin) OnStageFailed(
	ctx context.Context,
	instance *apflow.WorkflowInstance,
	stage apflow.Stage,
	err error,
) error {
	entry := p.entry(apflow.EventStageFailed, instance)
	entry.Stage = stage
	if err != nil {
		entry.Error = err.Error()
	}

	return p.logEvent(ctx, entry)
}

func (p *AuditPlugin) entry(eventType string, instance *apflow.WorkflowInstance) *AuditLogEntry {
	return &AuditLogEntry{
		Timestamp:    p.now(),
		EventType:    eventType,
		WorkflowID:   instance.ID,
		Stage:        instance.CurrentStage,
		Status:       string(instance.Status),
		CheckpointID: instance.CheckpointID,
	}
}

func (p *AuditPlugin) logEvent(ctx context.Context, entry *AuditLogEntry) error {
	return p.writer.Write(ctx, entry)
}
