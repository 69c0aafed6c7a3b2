package apflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownStage       = errors.New("apflow: unknown stage")
	ErrWorkflowNotFound   = errors.New("apflow: workflow not found")
	ErrWorkflowTerminal   = errors.New("apflow: workflow is terminal")
	ErrWorkflowNotPaused  = errors.New("apflow: workflow is not paused for review")
	ErrInvalidDecision    = errors.New("apflow: invalid decision")
	ErrWorkflowBusy       = errors.New("apflow: workflow is busy")
	ErrStageExecution     = errors.New("apflow: stage execution failed")
	ErrCheckpointWrite    = errors.New("apflow: checkpoint write failed")
	ErrInvalidTransition  = errors.New("apflow: invalid stage transition")
	ErrInvalidPayload     = errors.New("apflow: invalid payload")
	ErrCheckpointConflict = fmt.Errorf("%w: checkpoint sequence conflict", ErrCheckpointWrite)
	ErrLeaseLost          = fmt.Errorf("%w: lease lost", ErrWorkflowBusy)
)

const (
	ErrorTypeTimeout          = "timeout"
	ErrorTypeCapabilityFailed = "capability_failed"
	ErrorTypePanic            = "panic"
	ErrorTypeRejected         = "rejected"
)

// StageExecutionError wraps a failing capability call made by a stage.
type StageExecutionError struct {
	Stage      Stage
	Capability string
	Err        error
}

func (e *StageExecutionError) Error() string {
	if e.Capability == "" {
		return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
	}

	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Capability, e.Err)
}

func (e *StageExecutionError) Unwrap() error {
	return e.Err
}

func (e *StageExecutionError) Is(target error) bool {
	return target == ErrStageExecution
}

// CheckpointWriteError reports that the store did not durably acknowledge a checkpoint.
type CheckpointWriteError struct {
	WorkflowID   string
	CheckpointID int64
	Err          error
}

func (e *CheckpointWriteError) Error() string {
	return fmt.Sprintf("checkpoint %d of workflow %s: %v", e.CheckpointID, e.WorkflowID, e.Err)
}

func (e *CheckpointWriteError) Unwrap() error {
	return e.Err
}

func (e *CheckpointWriteError) Is(target error) bool {
	return target == ErrCheckpointWrite
}

// UnknownStageError carries the offending stage id.
type UnknownStageError struct {
	Stage Stage
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("unknown stage %q", e.Stage)
}

func (e *UnknownStageError) Is(target error) bool {
	return target == ErrUnknownStage
}

// InvalidDecisionError carries the rejected kind and what the paused stage accepts.
type InvalidDecisionError struct {
	Kind    DecisionKind
	Allowed []DecisionKind
}

func (e *InvalidDecisionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, kind := range e.Allowed {
		allowed[i] = string(kind)
	}

	return fmt.Sprintf("decision %q not accepted, allowed: %s", e.Kind, strings.Join(allowed, ", "))
}

func (e *InvalidDecisionError) Is(target error) bool {
	return target == ErrInvalidDecision
}

func newStageError(stage Stage, capability string, err error) *StageExecutionError {
	return &StageExecutionError{Stage: stage, Capability: capability, Err: err}
}

// ClassifyStageError maps a stage failure to the error type recorded in history.
func ClassifyStageError(err error) string {
	if err == nil {
		return ErrorTypeCapabilityFailed
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return ErrorTypeTimeout
	}

	return ErrorTypeCapabilityFailed
}
