package metrics

import (
	"time"

	"github.com/rom8726/apflow"
)

type MetricsCollector interface {
	RecordWorkflowStarted()
	RecordWorkflowFinished(status apflow.WorkflowStatus, duration time.Duration)
	RecordWorkflowPaused(stage apflow.Stage)
	RecordWorkflowResumed(decision apflow.DecisionKind)
	RecordStageStarted(stage apflow.Stage)
	RecordStageCompleted(stage apflow.Stage, duration time.Duration)
	RecordStageFailed(stage apflow.Stage, errorType string, duration time.Duration)
	RecordWorkflowStatus(status apflow.WorkflowStatus, delta float64)
}
