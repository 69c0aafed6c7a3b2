package apflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageRegistry_StagesAndSections(t *testing.T) {
	registry := NewStageRegistry()

	assert.Equal(t, []Stage{
		StageIntake, StageUnderstand, StagePrepare, StageRetrieve, StageMatchTwoWay, StageCheckpointHITL,
		StageHITLDecision, StageReconcile, StageApprove, StagePosting, StageNotify, StageComplete,
	}, registry.Stages())

	sections := make(map[string]Stage)
	for _, stage := range registry.Stages() {
		section, err := registry.Section(stage)
		require.NoError(t, err)
		_, dup := sections[section]
		assert.False(t, dup, "section %s owned twice", section)
		sections[section] = stage
	}

	assert.True(t, registry.ResumeOnly(StageHITLDecision))
	assert.False(t, registry.ResumeOnly(StageCheckpointHITL))
}

func TestStageRegistry_UnknownStage(t *testing.T) {
	registry := NewStageRegistry()

	_, err := registry.Section("ARCHIVE")
	require.ErrorIs(t, err, ErrUnknownStage)

	var unknown *UnknownStageError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, Stage("ARCHIVE"), unknown.Stage)

	_, _, err = registry.Transition(context.Background(), "ARCHIVE", StageInput{})
	assert.ErrorIs(t, err, ErrUnknownStage)

	assert.ErrorIs(t, registry.ValidateEdge(StageIntake, "ARCHIVE", EdgeAdvance), ErrUnknownStage)
}

func TestStageRegistry_ValidateEdge(t *testing.T) {
	registry := NewStageRegistry()

	tests := []struct {
		name  string
		from  Stage
		to    Stage
		kind  EdgeKind
		valid bool
	}{
		{"linear advance", StageIntake, StageUnderstand, EdgeAdvance, true},
		{"match to reconcile", StageMatchTwoWay, StageReconcile, EdgeAdvance, true},
		{"match to checkpoint", StageMatchTwoWay, StageCheckpointHITL, EdgeAdvance, true},
		{"checkpoint pauses", StageCheckpointHITL, StageHITLDecision, EdgePause, true},
		{"decision re-pause", StageHITLDecision, StageHITLDecision, EdgePause, true},
		{"decision to reconcile", StageHITLDecision, StageReconcile, EdgeDecision, true},
		{"skip a stage", StageIntake, StagePrepare, EdgeAdvance, false},
		{"backwards", StageApprove, StageReconcile, EdgeAdvance, false},
		{"advance past a pause", StageCheckpointHITL, StageReconcile, EdgeAdvance, false},
		{"decision edge as advance", StageHITLDecision, StageReconcile, EdgeAdvance, false},
		{"nothing after complete", StageComplete, StageIntake, EdgeAdvance, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.ValidateEdge(tt.from, tt.to, tt.kind)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestStageRegistry_AdvanceKindAndPauseTarget(t *testing.T) {
	registry := NewStageRegistry()

	assert.Equal(t, EdgeAdvance, registry.AdvanceKind(StagePosting))
	assert.Equal(t, EdgeDecision, registry.AdvanceKind(StageHITLDecision))

	target, ok := registry.PauseTarget(StageCheckpointHITL)
	require.True(t, ok)
	assert.Equal(t, StageHITLDecision, target)

	target, ok = registry.PauseTarget(StageHITLDecision)
	require.True(t, ok)
	assert.Equal(t, StageHITLDecision, target)

	_, ok = registry.PauseTarget(StageReconcile)
	assert.False(t, ok)
}

func TestHITLDecisionStage(t *testing.T) {
	pending := &DecisionRequest{
		Stage:          StageHITLDecision,
		Options:        []DecisionKind{DecisionApproveOverride, DecisionReject, DecisionRequestMoreInfo},
		ReviewTicketID: "rev_x",
		Cycle:          2,
	}
	input := func(decision Decision) StageInput {
		return StageInput{
			WorkflowID: "inv_x",
			Stage:      StageHITLDecision,
			Instance:   &WorkflowInstance{ID: "inv_x", PendingDecisionRequest: pending},
			Decision:   &decision,
		}
	}

	t.Run("approve advances to reconcile", func(t *testing.T) {
		delta, outcome := hitlDecisionStage(context.Background(), input(Decision{Kind: DecisionApproveOverride, ReviewerID: "r"}))
		require.Equal(t, TransitionAdvance, outcome.Kind)
		assert.Equal(t, StageReconcile, outcome.Next)

		var section HITLSection
		require.NoError(t, json.Unmarshal(delta, &section))
		assert.Equal(t, "r", section.ReviewerID)
		assert.Equal(t, 2, section.Cycle)
	})

	t.Run("reject fails with default reason", func(t *testing.T) {
		_, outcome := hitlDecisionStage(context.Background(), input(Decision{Kind: DecisionReject}))
		require.Equal(t, TransitionFail, outcome.Kind)
		assert.Equal(t, ErrorTypeRejected, outcome.ErrorType)
		assert.EqualError(t, outcome.Err, "rejected by reviewer")
	})

	t.Run("more info re-pauses with next cycle", func(t *testing.T) {
		_, outcome := hitlDecisionStage(context.Background(), input(Decision{Kind: DecisionRequestMoreInfo, Notes: "need GRN"}))
		require.Equal(t, TransitionPause, outcome.Kind)
		require.NotNil(t, outcome.Request)
		assert.Equal(t, 3, outcome.Request.Cycle)
		assert.Equal(t, "need GRN", outcome.Request.RequestedInfo)
		assert.Equal(t, "rev_x", outcome.Request.ReviewTicketID)
	})

	t.Run("missing decision fails", func(t *testing.T) {
		in := input(Decision{})
		in.Decision = nil
		_, outcome := hitlDecisionStage(context.Background(), in)
		assert.Equal(t, TransitionFail, outcome.Kind)
	})
}

func TestIntakeStage_RequiredFields(t *testing.T) {
	in := StageInput{
		WorkflowID: "inv_abc",
		Stage:      StageIntake,
		Payload:    json.RawMessage(`{"invoice_id":"INV-1","amount":10}`),
	}

	_, outcome := intakeStage(context.Background(), in)
	require.Equal(t, TransitionFail, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrInvalidPayload)
	assert.ErrorIs(t, outcome.Err, ErrStageExecution)
	assert.Contains(t, outcome.Err.Error(), "vendor_name")

	in.Payload = json.RawMessage(`{"invoice_id":"INV-1","vendor_name":"Acme","amount":10}`)
	delta, outcome := intakeStage(context.Background(), in)
	require.Equal(t, TransitionAdvance, outcome.Kind)

	var section IntakeSection
	require.NoError(t, json.Unmarshal(delta, &section))
	assert.Equal(t, "raw_abc", section.RawID)
	assert.Equal(t, "INV-1", section.InvoiceID)
}

func TestFail_Classification(t *testing.T) {
	var outcome Outcome
	require.NotPanics(t, func() { outcome = Fail(nil) })
	assert.Equal(t, TransitionFail, outcome.Kind)
	assert.Equal(t, ErrorTypeCapabilityFailed, outcome.ErrorType)

	assert.Equal(t, ErrorTypeTimeout, Fail(context.DeadlineExceeded).ErrorType)
	assert.Equal(t, ErrorTypeTimeout, Fail(errors.New("ERP timeout")).ErrorType)
	assert.Equal(t, ErrorTypeCapabilityFailed, Fail(errors.New("connection refused")).ErrorType)
}

func TestRiskLevel(t *testing.T) {
	assert.Equal(t, "LOW", riskLevel(0.1))
	assert.Equal(t, "MEDIUM", riskLevel(0.3))
	assert.Equal(t, "HIGH", riskLevel(0.7))
}
