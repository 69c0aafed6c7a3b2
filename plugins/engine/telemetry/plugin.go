package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rom8726/apflow"
)

var _ apflow.Plugin = (*TelemetryPlugin)(nil)

type spanEntry struct {
	span      trace.Span
	createdAt time.Time
	review    bool
}

type workflowCtxEntry struct {
	ctx       context.Context
	createdAt time.Time
}

// TelemetryPlugin opens a span per workflow, one child span per stage execution and
// one child span per review pause.
type TelemetryPlugin struct {
	apflow.BasePlugin

	tracer       trace.Tracer
	mu           sync.Mutex
	spans        map[string]*spanEntry
	workflowCtxs map[string]*workflowCtxEntry
	defaultTTL   time.Duration
	reviewTTL    time.Duration
	now          func() time.Time
}

type TelemetryOption func(*TelemetryPlugin)

func WithDefaultTTL(ttl time.Duration) TelemetryOption {
	return func(p *TelemetryPlugin) {
		p.defaultTTL = ttl
	}
}

// WithReviewTTL bounds how long a review span stays open while a workflow waits for a decision.
func WithReviewTTL(ttl time.Duration) TelemetryOption {
	return func(p *TelemetryPlugin) {
		p.reviewTTL = ttl
	}
}

func New(tracer trace.Tracer, opts ...TelemetryOption) *TelemetryPlugin {
	if tracer == nil {
		tracer = otel.Tracer("apflow")
	}

	plugin := &TelemetryPlugin{
		BasePlugin:   apflow.NewBasePlugin("telemetry", apflow.PriorityHigh),
		tracer:       tracer,
		spans:        make(map[string]*spanEntry),
		workflowCtxs: make(map[string]*workflowCtxEntry),
		defaultTTL:   1 * time.Hour,
		reviewTTL:    24 * time.Hour,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(plugin)
	}

	return plugin
}

func workflowKey(id string) string { return "workflow:" + id }
func reviewKey(id string) string   { return "review:" + id }
func stageKey(id string, stage apflow.Stage) string {
	return "stage:" + id + ":" + string(stage)
}

func (p *TelemetryPlugin) OnWorkflowStart(ctx context.Context, instance *apflow.WorkflowInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	workflowCtx, span := p.tracer.Start(ctx, "workflow.invoice", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("workflow.id", instance.ID),
		attribute.String("workflow.status", string(instance.Status)),
	)

	now := p.now()
	p.spans[workflowKey(instance.ID)] = &spanEntry{span: span, createdAt: now}
	p.workflowCtxs[instance.ID] = &workflowCtxEntry{ctx: workflowCtx, createdAt: now}

	p.cleanupExpired()

	return nil
}

func (p *TelemetryPlugin) OnWorkflowPaused(ctx context.Context, instance *apflow.WorkflowInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("workflow.id", instance.ID),
		attribute.String("review.stage", string(instance.CurrentStage)),
	}
	if req := instance.PendingDecisionRequest; req != nil {
		attrs = append(attrs,
			attribute.String("review.ticket_id", req.ReviewTicketID),
			attribute.String("review.reason", req.Reason),
			attribute.Int("review.cycle", req.Cycle),
		)
	}

	_, span := p.tracer.Start(p.parentCtx(ctx, instance.ID), "review.pending", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attrs...)
	if prev, ok := p.spans[reviewKey(instance.ID)]; ok {
		prev.span.End()
	}
	p.spans[reviewKey(instance.ID)] = &spanEntry{span: span, createdAt: p.now(), review: true}

	return nil
}

func (p *TelemetryPlugin) OnWorkflowResumed(
	_ context.Context,
	instance *apflow.WorkflowInstance,
	decision apflow.Decision,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.endReview(instance.ID, decision)

	return nil
}

func (p *TelemetryPlugin) OnWorkflowComplete(_ context.Context, instance *apflow.WorkflowInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := workflowKey(instance.ID)
	if entry, ok := p.spans[key]; ok {
		entry.span.SetAttributes(attribute.String("workflow.status", string(instance.Status)))
		entry.span.SetStatus(codes.Ok, "workflow completed")
		entry.span.End()
		delete(p.spans, key)
	}
	delete(p.workflowCtxs, instance.ID)

	return nil
}

func (p *TelemetryPlugin) OnWorkflowFailed(_ context.Context, instance *apflow.WorkflowInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// a rejection ends the pending review as well as the workflow
	if n := len(instance.History); n > 0 && instance.History[n-1].Decision != "" {
		last := instance.History[n-1]
		p.endReview(instance.ID, apflow.Decision{Kind: last.Decision, ReviewerID: last.DecidedBy})
	}

	key := workflowKey(instance.ID)
	if entry, ok := p.spans[key]; ok {
		entry.span.SetAttributes(attribute.String("workflow.status", string(instance.Status)))
		if instance.Error != nil {
			entry.span.SetAttributes(attribute.String("workflow.error", *instance.Error))
		}
		entry.span.SetStatus(codes.Error, "workflow failed")
		entry.span.End()
		delete(p.spans, key)
	}
	delete(p.workflowCtxs, instance.ID)

	return nil
}

func (p *TelemetryPlugin) OnStageStart(ctx context.Context, instance *apflow.WorkflowInstance, stage apflow.Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, span := p.tracer.Start(p.parentCtx(ctx, instance.ID), "stage."+string(stage),
		trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("workflow.id", instance.ID),
		attribute.String("stage.name", string(stage)),
		attribute.Int64("stage.checkpoint_id", instance.CheckpointID),
	)
	p.spans[stageKey(instance.ID, stage)] = &spanEntry{span: span, createdAt: p.now()}

	p.cleanupExpired()

	return nil
}

func (p *TelemetryPlugin) OnStageComplete(_ context.Context, instance *apflow.WorkflowInstance, stage apflow.Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := stageKey(instance.ID, stage)
	if entry, ok := p.spans[key]; ok {
		entry.span.SetAttributes(
			attribute.String("stage.next", string(instance.CurrentStage)),
			attribute.Int64("stage.checkpoint_id", instance.CheckpointID),
		)
		entry.span.SetStatus(codes.Ok, "stage completed")
		entry.span.End()
		delete(p.spans, key)
	}

	return nil
}

func (p *TelemetryPlugin) OnStageFailed(
	_ context.Context,
	instance *apflow.WorkflowInstance,
	stage apflow.Stage,
	err error,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := stageKey(instance.ID, stage)
	if entry, ok := p.spans[key]; ok {
		if n := len(instance.History); n > 0 {
			entry.span.SetAttributes(attribute.String("stage.error_type", instance.History[n-1].ErrorType))
		}
		if err != nil {
			entry.span.RecordError(err)
		}
		entry.span.SetStatus(codes.Error, "stage failed")
		entry.span.End()
		delete(p.spans, key)
	}

	return nil
}

// parentCtx links child spans to the workflow span when it was opened in this process.
func (p *TelemetryPlugin) parentCtx(ctx context.Context, workflowID string) context.Context {
	if entry, ok := p.workflowCtxs[workflowID]; ok {
		return entry.ctx
	}

	return ctx
}

func (p *TelemetryPlugin) endReview(workflowID string, decision apflow.Decision) {
	key := reviewKey(workflowID)
	entry, ok := p.spans[key]
	if !ok {
		return
	}
	entry.span.SetAttributes(
		attribute.String("review.decision", string(decision.Kind)),
		attribute.String("review.reviewer_id", decision.ReviewerID),
	)
	entry.span.SetStatus(codes.Ok, "decision applied")
	entry.span.End()
	delete(p.spans, key)
}

func (p *TelemetryPlugin) cleanupExpired() {
	now := p.now()

	for key, entry := range p.spans {
		ttl := p.defaultTTL
		if entry.review {
			ttl = p.reviewTTL
		}

		if now.Sub(entry.createdAt) > ttl {
			entry.span.SetStatus(codes.Error, "span expired due to TTL")
			entry.span.End()
			delete(p.spans, key)
		}
	}

	for workflowID, entry := range p.workflowCtxs {
		if now.Sub(entry.createdAt) > p.defaultTTL {
			delete(p.workflowCtxs, workflowID)
		}
	}
}
