package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rom8726/apflow"
)

var _ apflow.Plugin = (*MetricsPlugin)(nil)

type stageKey struct {
	workflowID string
	stage      apflow.Stage
}

type MetricsPlugin struct {
	apflow.BasePlugin

	collector          MetricsCollector
	workflowStartTimes map[string]time.Time
	stageStartTimes    map[stageKey]time.Time
	now                func() time.Time
	mu                 sync.Mutex
}

func New(collector MetricsCollector) *MetricsPlugin {
	return &MetricsPlugin{
		BasePlugin:         apflow.NewBasePlugin("metrics", apflow.PriorityHigh),
		collector:          collector,
		workflowStartTimes: make(map[string]time.Time),
		stageStartTimes:    make(map[stageKey]time.Time),
		now:                time.Now,
	}
}

func (p *MetricsPlugin) OnWorkflowStart(_ context.Context, instance *apflow.WorkflowInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.workflowStartTimes[instance.ID] = p.now()

	if p.collector != nil {
		p.collector.RecordWorkflowStarted()
		p.collector.RecordWorkflowStatus(apflow.StatusRunning, 1)
	}

	return nil
}

func (p *MetricsPlugin) OnWorkflowPaused(_ context.Context, instance *apflow.WorkflowInstance) error {
	if p.collector != nil {
		p.collector.RecordWorkflowPaused(instance.CurrentStage)
	}

	return nil
}

func (p *MetricsPlugin) OnWorkflowResumed(
	_ context.Context,
	_ *apflow.WorkflowInstance,
	decision apflow.Decision,
) error {
	if p.collector != nil {
		p.collector.RecordWorkflowResumed(decision.Kind)
	}

	return nil
}

func (p *MetricsPlugin) OnWorkflowComplete(_ context.Context, instance *apflow.WorkflowInstance) error {
	p.finishWorkflow(instance)

	return nil
}

func (p *MetricsPlugin) OnWorkflowFailed(_ context.Context, instance *apflow.WorkflowInstance) error {
	p.finishWorkflow(instance)

	return nil
}

// finishWorkflow records durations only for workflows started by this process.
func (p *MetricsPlugin) finishWorkflow(instance *apflow.WorkflowInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()

	startTime, ok := p.workflowStartTimes[instance.ID]
	if !ok {
		return
	}
	delete(p.workflowStartTimes, instance.ID)

	if p.collector != nil {
		p.collector.RecordWorkflowFinished(instance.Status, p.now().Sub(startTime))
		p.collector.RecordWorkflowStatus(apflow.StatusRunning, -1)
		p.collector.RecordWorkflowStatus(instance.Status, 1)
	}
}

func (p *MetricsPlugin) OnStageStart(_ context.Context, instance *apflow.WorkflowInstance, stage apflow.Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stageStartTimes[stageKey{workflowID: instance.ID, stage: stage}] = p.now()

	if p.collector != nil {
		p.collector.RecordStageStarted(stage)
	}

	return nil
}

func (p *MetricsPlugin) OnStageComplete(_ context.Context, instance *apflow.WorkflowInstance, stage apflow.Stage) error {
	duration, ok := p.stageDuration(instance.ID, stage)
	if !ok {
		return nil
	}

	if p.collector != nil {
		p.collector.RecordStageCompleted(stage, duration)
	}

	return nil
}

func (p *MetricsPlugin) OnStageFailed(
	_ context.Context,
	instance *apflow.WorkflowInstance,
	stage apflow.Stage,
	_ error,
) error {
	duration, ok := p.stageDuration(instance.ID, stage)
	if !ok {
		return nil
	}

	errorType := ""
	if n := len(instance.History); n > 0 {
		errorType = instance.History[n-1].ErrorType
	}

	if p.collector != nil {
		p.collector.RecordStageFailed(stage, errorType, duration)
	}

	return nil
}

func (p *MetricsPlugin) stageDuration(workflowID string, stage apflow.Stage) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := stageKey{workflowID: workflowID, stage: stage}
	startTime, ok := p.stageStartTimes[key]
	if !ok {
		return 0, false
	}
	delete(p.stageStartTimes, key)

	return p.now().Sub(startTime), true
}
