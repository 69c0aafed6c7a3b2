package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/rom8726/apflow"
)

func TestPrometheusCollector_WorkflowMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordWorkflowStarted()
	c.RecordWorkflowStatus(apflow.StatusRunning, 1)
	c.RecordWorkflowPaused(apflow.StageHITLDecision)
	c.RecordWorkflowResumed(apflow.DecisionApproveOverride)
	c.RecordWorkflowFinished(apflow.StatusCompleted, 150*time.Millisecond)
	c.RecordWorkflowStatus(apflow.StatusRunning, -1)
	c.RecordWorkflowStatus(apflow.StatusCompleted, 1)

	assert.InDelta(t, 1, testutil.ToFloat64(c.workflowStarted), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.workflowFinished.WithLabelValues("COMPLETED")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.workflowPaused.WithLabelValues("HITL_DECISION")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.workflowResumed.WithLabelValues("approve_override")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(c.workflowStatus.WithLabelValues("RUNNING")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.workflowStatus.WithLabelValues("COMPLETED")), 0)
	assert.NotZero(t, testutil.CollectAndCount(c.workflowDuration))
}

func TestPrometheusCollector_StageMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordStageStarted(apflow.StagePosting)
	c.RecordStageCompleted(apflow.StagePosting, 20*time.Millisecond)
	c.RecordStageFailed(apflow.StagePosting, apflow.ErrorTypeTimeout, 30*time.Millisecond)

	assert.InDelta(t, 1, testutil.ToFloat64(c.stageStarted.WithLabelValues("POSTING")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.stageCompleted.WithLabelValues("POSTING")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.stageFailed.WithLabelValues("POSTING", "timeout")), 0)
	assert.NotZero(t, testutil.CollectAndCount(c.stageDuration))
}
