package apflow

const (
	// Event types
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowPaused    = "workflow_paused"
	EventWorkflowResumed   = "workflow_resumed"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventStageStarted      = "stage_started"
	EventStageCompleted    = "stage_completed"
	EventStageFailed       = "stage_failed"

	// Log keys
	KeyWorkflowID   = "workflow_id"
	KeyStage        = "stage"
	KeyNextStage    = "next_stage"
	KeyStatus       = "status"
	KeyCheckpointID = "checkpoint_id"
	KeyOutcome      = "outcome"
	KeyDecision     = "decision"
	KeyReviewerID   = "reviewer_id"
	KeyReviewCycle  = "review_cycle"
	KeyLeaseOwner   = "lease_owner"
	KeyWorkerID     = "worker_id"
	KeyPlugin       = "plugin"
	KeyErrorType    = "error_type"
	KeyError        = "error"
	KeyDuration     = "duration"
)
