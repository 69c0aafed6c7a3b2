package apflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultLeaseTTL     = 45 * time.Second
	DefaultStageTimeout = 30 * time.Second
)

// Engine drives workflow instances through the stage registry, writing a checkpoint
// after every stage.
type Engine struct {
	store         CheckpointStore
	registry      *StageRegistry
	capabilities  Capabilities
	pluginManager *PluginManager
	logger        *slog.Logger
	leaseTTL      time.Duration
	stageTimeout  time.Duration
	owner         string
	now           func() time.Time
}

func NewEngine(store CheckpointStore, capabilities Capabilities, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if err := capabilities.validate(); err != nil {
		return nil, fmt.Errorf("invalid capabilities: %w", err)
	}

	engine := &Engine{
		store:         store,
		registry:      NewStageRegistry(),
		capabilities:  capabilities,
		pluginManager: NewPluginManager(),
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		leaseTTL:      DefaultLeaseTTL,
		stageTimeout:  DefaultStageTimeout,
		owner:         "engine-" + uuid.NewString(),
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine, nil
}

func (engine *Engine) Registry() *StageRegistry {
	return engine.registry
}

// Start creates a workflow at INTAKE and durably writes its first checkpoint.
func (engine *Engine) Start(ctx context.Context, payload json.RawMessage) (string, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		return "", ErrInvalidPayload
	}

	now := engine.now()
	instance := &WorkflowInstance{
		ID:           NewWorkflowID(),
		CurrentStage: StageIntake,
		Status:       StatusRunning,
		Payload:      cloneRaw(payload),
		Context:      make(map[string]json.RawMessage),
		CheckpointID: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	instance.appendHistory(HistoryEntry{
		Stage:        StageIntake,
		Outcome:      OutcomeStarted,
		At:           now,
		CheckpointID: 1,
	})

	if _, err := engine.store.Save(ctx, instance); err != nil {
		return "", fmt.Errorf("save initial checkpoint: %w", err)
	}

	engine.logger.Info("workflow started", KeyWorkflowID, instance.ID)
	engine.pluginManager.ExecuteWorkflowStart(ctx, instance.Clone())

	return instance.ID, nil
}

// StartAndRun starts a workflow and drives it until it pauses or terminates.
func (engine *Engine) StartAndRun(ctx context.Context, payload json.RawMessage) (string, WorkflowStatus, error) {
	id, err := engine.Start(ctx, payload)
	if err != nil {
		return "", "", err
	}

	status, err := engine.Run(ctx, id)

	return id, status, err
}

// Run drives a RUNNING workflow until it pauses, completes, or fails. Running a
// paused workflow is a no-op that reports PAUSED_FOR_REVIEW.
func (engine *Engine) Run(ctx context.Context, workflowID string) (WorkflowStatus, error) {
	lease, err := engine.acquireLease(ctx, workflowID)
	if err != nil {
		return "", err
	}
	defer engine.releaseLease(ctx, lease)

	instance, err := engine.store.LoadLatest(ctx, workflowID)
	if err != nil {
		return "", err
	}

	switch {
	case instance.Status.IsTerminal():
		return instance.Status, ErrWorkflowTerminal
	case instance.Status == StatusPausedForReview:
		return instance.Status, nil
	}

	return engine.drive(ctx, lease, instance)
}

func (engine *Engine) GetStatus(ctx context.Context, workflowID string) (*WorkflowInstance, error) {
	instance, err := engine.store.LoadLatest(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	return instance.Clone(), nil
}

func (engine *Engine) ListPaused(ctx context.Context) ([]string, error) {
	return engine.store.ListByStatus(ctx, StatusPausedForReview)
}

func (engine *Engine) ListCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	return engine.store.ListCheckpoints(ctx, workflowID)
}

// drive runs stages while instance is RUNNING. The caller holds lease.
func (engine *Engine) drive(ctx context.Context, lease *Lease, instance *WorkflowInstance) (WorkflowStatus, error) {
	for instance.Status == StatusRunning {
		if err := ctx.Err(); err != nil {
			return instance.Status, err
		}
		if err := engine.store.RenewLease(ctx, lease, engine.leaseTTL); err != nil {
			return instance.Status, err
		}

		stage := instance.CurrentStage
		if engine.registry.ResumeOnly(stage) {
			return instance.Status, fmt.Errorf("%w: %s requires a reviewer decision", ErrInvalidTransition, stage)
		}

		next, outcome, err := engine.step(ctx, lease, instance, nil)
		if err != nil {
			return instance.Status, err
		}

		instance = next
		engine.notifyOutcome(ctx, instance, stage, outcome)
	}

	return instance.Status, nil
}

// step executes one stage, applies its outcome to a copy of instance and persists
// the copy. On a failed save the returned error carries no advanced instance.
func (engine *Engine) step(
	ctx context.Context,
	lease *Lease,
	instance *WorkflowInstance,
	decision *Decision,
) (*WorkflowInstance, Outcome, error) {
	stage := instance.CurrentStage
	engine.pluginManager.ExecuteStageStart(ctx, instance.Clone(), stage)
	started := engine.now()

	delta, outcome, err := engine.executeStage(ctx, lease, instance, decision)
	if err != nil {
		return nil, Outcome{}, err
	}

	next, err := engine.applyOutcome(instance, stage, delta, outcome, decision)
	if err != nil {
		return nil, Outcome{}, err
	}

	if _, err := engine.store.Save(ctx, next); err != nil {
		engine.logger.Error("checkpoint write failed",
			KeyWorkflowID, instance.ID, KeyStage, stage, KeyCheckpointID, next.CheckpointID, KeyError, err)

		return nil, Outcome{}, err
	}

	engine.logger.Info("stage finished",
		KeyWorkflowID, next.ID,
		KeyStage, stage,
		KeyOutcome, outcome.Kind.String(),
		KeyNextStage, next.CurrentStage,
		KeyCheckpointID, next.CheckpointID,
		KeyDuration, engine.now().Sub(started),
	)

	return next, outcome, nil
}

// executeStage runs the stage function under the stage timeout while a heartbeat keeps
// lease alive. Panics and timeouts become fail outcomes. Cancellation of ctx by the
// caller and loss of the lease are returned as errors.
func (engine *Engine) executeStage(
	ctx context.Context,
	lease *Lease,
	instance *WorkflowInstance,
	decision *Decision,
) (json.RawMessage, Outcome, error) {
	stage := instance.CurrentStage
	if !engine.registry.Has(stage) {
		return nil, Outcome{}, &UnknownStageError{Stage: stage}
	}

	in := StageInput{
		WorkflowID:   instance.ID,
		Payload:      cloneRaw(instance.Payload),
		CreatedAt:    instance.CreatedAt,
		Instance:     instance.Clone(),
		Decision:     decision,
		Capabilities: engine.capabilities,
	}

	leaseCtx, loseLease := context.WithCancelCause(ctx)
	defer loseLease(nil)
	stopHeartbeat := engine.heartbeat(leaseCtx, lease, loseLease)
	defer stopHeartbeat()

	stageCtx, cancel := context.WithTimeout(leaseCtx, engine.stageTimeout)
	defer cancel()

	interrupted := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cause := context.Cause(leaseCtx); errors.Is(cause, ErrLeaseLost) {
			return cause
		}

		return nil
	}

	type stageResult struct {
		delta   json.RawMessage
		outcome Outcome
		err     error
	}
	done := make(chan stageResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stageResult{outcome: Outcome{
					Kind:      TransitionFail,
					Err:       newStageError(stage, "", fmt.Errorf("panic: %v", r)),
					ErrorType: ErrorTypePanic,
				}}
			}
		}()

		delta, outcome, err := engine.registry.Transition(stageCtx, stage, in)
		done <- stageResult{delta: delta, outcome: outcome, err: err}
	}()

	select {
	case res := <-done:
		stopHeartbeat()
		if err := interrupted(); err != nil {
			return nil, Outcome{}, err
		}

		return res.delta, res.outcome, res.err
	case <-stageCtx.Done():
		stopHeartbeat()
		if err := interrupted(); err != nil {
			return nil, Outcome{}, err
		}

		return nil, Fail(newStageError(stage, "",
			fmt.Errorf("stage timeout after %s: %w", engine.stageTimeout, context.DeadlineExceeded))), nil
	}
}

// heartbeat renews lease every third of the lease TTL until the returned stop function
// is called. A lost lease cancels ctx with an ErrLeaseLost cause; other renewal errors
// are retried on the next tick.
func (engine *Engine) heartbeat(ctx context.Context, lease *Lease, lose context.CancelCauseFunc) func() {
	if lease == nil {
		return func() {}
	}

	interval := engine.leaseTTL / 3
	if interval <= 0 {
		interval = engine.leaseTTL
	}

	stopCh := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := engine.store.RenewLease(ctx, lease, engine.leaseTTL)
				switch {
				case err == nil:
				case errors.Is(err, ErrLeaseLost):
					engine.logger.Warn("lease lost during stage",
						KeyWorkflowID, lease.WorkflowID, KeyLeaseOwner, lease.Owner, KeyError, err)
					lose(err)

					return
				case ctx.Err() == nil:
					engine.logger.Warn("lease heartbeat failed",
						KeyWorkflowID, lease.WorkflowID, KeyLeaseOwner, lease.Owner, KeyError, err)
				}
			}
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() {
			close(stopCh)
			<-finished
		})
	}
}

// applyOutcome returns the post-stage copy of instance carrying the next checkpoint id.
func (engine *Engine) applyOutcome(
	instance *WorkflowInstance,
	stage Stage,
	delta json.RawMessage,
	outcome Outcome,
	decision *Decision,
) (*WorkflowInstance, error) {
	section, err := engine.registry.Section(stage)
	if err != nil {
		return nil, err
	}

	now := engine.now()
	next := instance.Clone()
	if delta != nil {
		next.Context[section] = cloneRaw(delta)
	}
	next.CheckpointID = instance.CheckpointID + 1
	next.UpdatedAt = now

	entry := HistoryEntry{Stage: stage, At: now, CheckpointID: next.CheckpointID}
	if decision != nil {
		entry.Decision = decision.Kind
		entry.DecidedBy = decision.ReviewerID
	}

	switch outcome.Kind {
	case TransitionAdvance:
		if err := engine.registry.ValidateEdge(stage, outcome.Next, engine.registry.AdvanceKind(stage)); err != nil {
			return nil, err
		}
		next.CurrentStage = outcome.Next
		next.Status = StatusRunning
		next.PendingDecisionRequest = nil
		entry.Outcome = OutcomeAdvanced
		if decision != nil {
			entry.Outcome = OutcomeDecisionApplied
		}
		entry.Next = outcome.Next

	case TransitionPause:
		target, ok := engine.registry.PauseTarget(stage)
		if !ok || outcome.Request == nil {
			return nil, fmt.Errorf("%w: %s cannot pause", ErrInvalidTransition, stage)
		}
		if err := engine.registry.ValidateEdge(stage, target, EdgePause); err != nil {
			return nil, err
		}
		req := *outcome.Request
		req.Options = append([]DecisionKind(nil), outcome.Request.Options...)
		next.CurrentStage = target
		next.Status = StatusPausedForReview
		next.PendingDecisionRequest = &req
		entry.Outcome = OutcomePaused
		if decision != nil {
			entry.Outcome = OutcomeMoreInfoRequested
		}
		entry.Next = target
		entry.Detail = req.Reason
		entry.ReviewCycle = req.Cycle

	case TransitionFail:
		detail := "stage failed"
		if outcome.Err != nil {
			detail = outcome.Err.Error()
		}
		errorType := outcome.ErrorType
		if errorType == "" && outcome.Err != nil {
			errorType = ClassifyStageError(outcome.Err)
		}
		next.Status = StatusFailed
		next.Error = &detail
		next.PendingDecisionRequest = nil
		entry.Outcome = OutcomeFailed
		entry.Detail = detail
		entry.ErrorType = errorType

	case TransitionComplete:
		next.Status = StatusCompleted
		next.PendingDecisionRequest = nil
		entry.Outcome = OutcomeCompleted

	default:
		return nil, fmt.Errorf("%w: unknown outcome %s from %s", ErrInvalidTransition, outcome.Kind, stage)
	}

	if decision != nil && instance.PendingDecisionRequest != nil && entry.ReviewCycle == 0 {
		entry.ReviewCycle = instance.PendingDecisionRequest.Cycle
	}
	next.appendHistory(entry)

	return next, nil
}

func (engine *Engine) notifyOutcome(ctx context.Context, instance *WorkflowInstance, stage Stage, outcome Outcome) {
	view := instance.Clone()

	switch instance.Status {
	case StatusFailed:
		engine.logger.Warn("workflow failed",
			KeyWorkflowID, instance.ID, KeyStage, stage, KeyErrorType, outcome.ErrorType, KeyError, outcome.Err)
		engine.pluginManager.ExecuteStageFailed(ctx, view, stage, outcome.Err)
		engine.pluginManager.ExecuteWorkflowFailed(ctx, view)
	case StatusPausedForReview:
		engine.pluginManager.ExecuteStageComplete(ctx, view, stage)
		engine.logger.Info("workflow paused for review",
			KeyWorkflowID, instance.ID, KeyStage, instance.CurrentStage,
			KeyReviewCycle, instance.PendingDecisionRequest.Cycle)
		engine.pluginManager.ExecuteWorkflowPaused(ctx, view)
	case StatusCompleted:
		engine.pluginManager.ExecuteStageComplete(ctx, view, stage)
		engine.logger.Info("workflow completed", KeyWorkflowID, instance.ID)
		engine.pluginManager.ExecuteWorkflowComplete(ctx, view)
	default:
		engine.pluginManager.ExecuteStageComplete(ctx, view, stage)
	}
}

func (engine *Engine) acquireLease(ctx context.Context, workflowID string) (*Lease, error) {
	lease, err := engine.store.AcquireLease(ctx, workflowID, engine.owner, engine.leaseTTL)
	if err != nil {
		if errors.Is(err, ErrWorkflowBusy) {
			engine.logger.Debug("workflow busy", KeyWorkflowID, workflowID)
		}

		return nil, err
	}

	return lease, nil
}

func (engine *Engine) releaseLease(ctx context.Context, lease *Lease) {
	if err := engine.store.ReleaseLease(context.WithoutCancel(ctx), lease); err != nil {
		engine.logger.Warn("release lease failed",
			KeyWorkflowID, lease.WorkflowID, KeyLeaseOwner, lease.Owner, KeyError, err)
	}
}
