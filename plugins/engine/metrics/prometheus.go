package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rom8726/apflow"
)

var _ MetricsCollector = (*PrometheusCollector)(nil)

type PrometheusCollector struct {
	workflowStarted  prometheus.Counter
	workflowFinished *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	workflowStatus   *prometheus.GaugeVec
	workflowPaused   *prometheus.CounterVec
	workflowResumed  *prometheus.CounterVec

	stageStarted   *prometheus.CounterVec
	stageCompleted *prometheus.CounterVec
	stageFailed    *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
}

func NewPrometheusCollector(registry prometheus.Registerer) *PrometheusCollector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusCollector{
		workflowStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "apflow_workflow_started_total",
				Help: "Total number of invoice workflows started",
			},
		),
		workflowFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apflow_workflow_finished_total",
				Help: "Total number of invoice workflows that reached a terminal status",
			},
			[]string{"status"},
		),
		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apflow_workflow_duration_seconds",
				Help:    "Wall time from start to terminal status, review pauses included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		workflowStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "apflow_workflows",
				Help: "Workflows observed by this process per status",
			},
			[]string{"status"},
		),
		workflowPaused: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apflow_workflow_paused_total",
				Help: "Total number of pauses for human review",
			},
			[]string{"stage"},
		),
		workflowResumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apflow_workflow_resumed_total",
				Help: "Total number of review decisions that let a workflow continue",
			},
			[]string{"decision"},
		),
		stageStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apflow_stage_started_total",
				Help: "Total number of stage executions started",
			},
			[]string{"stage"},
		),
		stageCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apflow_stage_completed_total",
				Help: "Total number of stage executions that advanced, paused or completed",
			},
			[]string{"stage"},
		),
		stageFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apflow_stage_failed_total",
				Help: "Total number of failed stage executions",
			},
			[]string{"stage", "error_type"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apflow_stage_duration_seconds",
				Help:    "Duration of stage execution in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
	}
}

func (c *PrometheusCollector) RecordWorkflowStarted() {
	c.workflowStarted.Inc()
}

func (c *PrometheusCollector) RecordWorkflowFinished(status apflow.WorkflowStatus, duration time.Duration) {
	c.workflowFinished.WithLabelValues(string(status)).Inc()
	c.workflowDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordWorkflowPaused(stage apflow.Stage) {
	c.workflowPaused.WithLabelValues(string(stage)).Inc()
}

func (c *PrometheusCollector) RecordWorkflowResumed(decision apflow.DecisionKind) {
	c.workflowResumed.WithLabelValues(string(decision)).Inc()
}

func (c *PrometheusCollector) RecordStageStarted(stage apflow.Stage) {
	c.stageStarted.WithLabelValues(string(stage)).Inc()
}

func (c *PrometheusCollector) RecordStageCompleted(stage apflow.Stage, duration time.Duration) {
	c.stageCompleted.WithLabelValues(string(stage)).Inc()
	c.stageDuration.WithLabelValues(string(stage)).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordStageFailed(stage apflow.Stage, errorType string, duration time.Duration) {
	c.stageFailed.WithLabelValues(string(stage), errorType).Inc()
	c.stageDuration.WithLabelValues(string(stage)).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordWorkflowStatus(status apflow.WorkflowStatus, delta float64) {
	c.workflowStatus.WithLabelValues(string(status)).Add(delta)
}
