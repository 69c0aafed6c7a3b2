package apflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qmuntal/stateless"
)

type TransitionKind int

const (
	TransitionAdvance TransitionKind = iota
	TransitionPause
	TransitionFail
	TransitionComplete
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionAdvance:
		return "advance"
	case TransitionPause:
		return "pause"
	case TransitionFail:
		return "fail"
	case TransitionComplete:
		return "complete"
	default:
		return fmt.Sprintf("transition(%d)", int(k))
	}
}

// Outcome is the next-stage decision returned by a stage function.
type Outcome struct {
	Kind      TransitionKind
	Next      Stage
	Request   *DecisionRequest
	Err       error
	ErrorType string
}

func Advance(next Stage) Outcome {
	return Outcome{Kind: TransitionAdvance, Next: next}
}

func Pause(req DecisionRequest) Outcome {
	return Outcome{Kind: TransitionPause, Request: &req}
}

func Fail(err error) Outcome {
	return Outcome{Kind: TransitionFail, Err: err, ErrorType: ClassifyStageError(err)}
}

func Complete() Outcome {
	return Outcome{Kind: TransitionComplete}
}

// StageInput is everything a stage function may read. It is a private copy of the
// persisted state, so stage functions cannot mutate the instance.
type StageInput struct {
	WorkflowID   string
	Stage        Stage
	Payload      json.RawMessage
	CreatedAt    time.Time
	Instance     *WorkflowInstance
	Decision     *Decision
	Capabilities Capabilities
}

// TransitionFunc runs one stage. The returned delta replaces the stage's own context
// section; a nil delta leaves the section untouched.
type TransitionFunc func(ctx context.Context, in StageInput) (json.RawMessage, Outcome)

type EdgeKind string

const (
	EdgeAdvance  EdgeKind = "advance"
	EdgePause    EdgeKind = "pause"
	EdgeDecision EdgeKind = "decision"
)

type Edge struct {
	From Stage
	To   Stage
	Kind EdgeKind
}

type stageDefinition struct {
	stage      Stage
	section    string
	transition TransitionFunc
	resumeOnly bool
}

// StageRegistry is the static stage table. It is built once and never mutated.
type StageRegistry struct {
	stages map[Stage]stageDefinition
	order  []Stage
	edges  []Edge
}

func NewStageRegistry() *StageRegistry {
	definitions := []stageDefinition{
		{stage: StageIntake, section: "intake", transition: intakeStage},
		{stage: StageUnderstand, section: "understand", transition: understandStage},
		{stage: StagePrepare, section: "prepare", transition: prepareStage},
		{stage: StageRetrieve, section: "retrieve", transition: retrieveStage},
		{stage: StageMatchTwoWay, section: "match", transition: matchStage},
		{stage: StageCheckpointHITL, section: "checkpoint", transition: checkpointStage},
		{stage: StageHITLDecision, section: "hitl", transition: hitlDecisionStage, resumeOnly: true},
		{stage: StageReconcile, section: "reconcile", transition: reconcileStage},
		{stage: StageApprove, section: "approve", transition: approveStage},
		{stage: StagePosting, section: "posting", transition: postingStage},
		{stage: StageNotify, section: "notify", transition: notifyStage},
		{stage: StageComplete, section: "complete", transition: completeStage},
	}

	registry := &StageRegistry{
		stages: make(map[Stage]stageDefinition, len(definitions)),
		order:  make([]Stage, 0, len(definitions)),
		edges: []Edge{
			{From: StageIntake, To: StageUnderstand, Kind: EdgeAdvance},
			{From: StageUnderstand, To: StagePrepare, Kind: EdgeAdvance},
			{From: StagePrepare, To: StageRetrieve, Kind: EdgeAdvance},
			{From: StageRetrieve, To: StageMatchTwoWay, Kind: EdgeAdvance},
			{From: StageMatchTwoWay, To: StageReconcile, Kind: EdgeAdvance},
			{From: StageMatchTwoWay, To: StageCheckpointHITL, Kind: EdgeAdvance},
			{From: StageCheckpointHITL, To: StageHITLDecision, Kind: EdgePause},
			{From: StageHITLDecision, To: StageHITLDecision, Kind: EdgePause},
			{From: StageHITLDecision, To: StageReconcile, Kind: EdgeDecision},
			{From: StageReconcile, To: StageApprove, Kind: EdgeAdvance},
			{From: StageApprove, To: StagePosting, Kind: EdgeAdvance},
			{From: StagePosting, To: StageNotify, Kind: EdgeAdvance},
			{From: StageNotify, To: StageComplete, Kind: EdgeAdvance},
		},
	}

	for _, def := range definitions {
		registry.stages[def.stage] = def
		registry.order = append(registry.order, def.stage)
	}

	return registry
}

// Stages returns the stage identifiers in pipeline order.
func (r *StageRegistry) Stages() []Stage {
	return append([]Stage(nil), r.order...)
}

func (r *StageRegistry) Edges() []Edge {
	return append([]Edge(nil), r.edges...)
}

func (r *StageRegistry) Has(stage Stage) bool {
	_, ok := r.stages[stage]

	return ok
}

// Section returns the context namespace owned by stage.
func (r *StageRegistry) Section(stage Stage) (string, error) {
	def, ok := r.stages[stage]
	if !ok {
		return "", &UnknownStageError{Stage: stage}
	}

	return def.section, nil
}

// Transition invokes the stage function registered for stage.
func (r *StageRegistry) Transition(ctx context.Context, stage Stage, in StageInput) (json.RawMessage, Outcome, error) {
	def, ok := r.stages[stage]
	if !ok {
		return nil, Outcome{}, &UnknownStageError{Stage: stage}
	}

	in.Stage = stage
	delta, outcome := def.transition(ctx, in)

	return delta, outcome, nil
}

// ResumeOnly reports whether stage runs only when a reviewer decision is supplied.
func (r *StageRegistry) ResumeOnly(stage Stage) bool {
	return r.stages[stage].resumeOnly
}

// AdvanceKind returns the edge kind an advance outcome from stage travels along.
func (r *StageRegistry) AdvanceKind(from Stage) EdgeKind {
	if r.ResumeOnly(from) {
		return EdgeDecision
	}

	return EdgeAdvance
}

// PauseTarget returns the stage a paused workflow waits in after from suspends.
func (r *StageRegistry) PauseTarget(from Stage) (Stage, bool) {
	for _, edge := range r.edges {
		if edge.From == from && edge.Kind == EdgePause {
			return edge.To, true
		}
	}

	return "", false
}

// ValidateEdge checks from -> to against the edge table using a state machine
// seeded at from.
func (r *StageRegistry) ValidateEdge(from, to Stage, kind EdgeKind) error {
	if !r.Has(from) {
		return &UnknownStageError{Stage: from}
	}
	if !r.Has(to) {
		return &UnknownStageError{Stage: to}
	}

	machine := stateless.NewStateMachine(from)
	for _, edge := range r.edges {
		if edge.From == edge.To {
			machine.Configure(edge.From).PermitReentry(edgeTrigger(edge.Kind, edge.To))
			continue
		}
		machine.Configure(edge.From).Permit(edgeTrigger(edge.Kind, edge.To), edge.To)
	}

	ok, err := machine.CanFire(edgeTrigger(kind, to))
	if err != nil {
		return fmt.Errorf("%w: %s -> %s: %v", ErrInvalidTransition, from, to, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, from, to, kind)
	}

	return nil
}

func edgeTrigger(kind EdgeKind, to Stage) string {
	return string(kind) + ":" + string(to)
}
