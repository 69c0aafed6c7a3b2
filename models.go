package apflow

import (
	"encoding/json"
	"time"
)

type Stage string

const (
	StageIntake         Stage = "INTAKE"
	StageUnderstand     Stage = "UNDERSTAND"
	StagePrepare        Stage = "PREPARE"
	StageRetrieve       Stage = "RETRIEVE"
	StageMatchTwoWay    Stage = "MATCH_TWO_WAY"
	StageCheckpointHITL Stage = "CHECKPOINT_HITL"
	StageHITLDecision   Stage = "HITL_DECISION"
	StageReconcile      Stage = "RECONCILE"
	StageApprove        Stage = "APPROVE"
	StagePosting        Stage = "POSTING"
	StageNotify         Stage = "NOTIFY"
	StageComplete       Stage = "COMPLETE"
)

type WorkflowStatus string

const (
	StatusRunning         WorkflowStatus = "RUNNING"
	StatusPausedForReview WorkflowStatus = "PAUSED_FOR_REVIEW"
	StatusCompleted       WorkflowStatus = "COMPLETED"
	StatusFailed          WorkflowStatus = "FAILED"
)

// IsTerminal reports whether no further stage execution or resume is permitted.
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type DecisionKind string

const (
	DecisionApproveOverride DecisionKind = "approve_override"
	DecisionReject          DecisionKind = "reject"
	DecisionRequestMoreInfo DecisionKind = "request_more_info"
)

type HistoryOutcome string

const (
	OutcomeStarted           HistoryOutcome = "started"
	OutcomeAdvanced          HistoryOutcome = "advanced"
	OutcomePaused            HistoryOutcome = "paused"
	OutcomeFailed            HistoryOutcome = "failed"
	OutcomeCompleted         HistoryOutcome = "completed"
	OutcomeDecisionApplied   HistoryOutcome = "decision_applied"
	OutcomeMoreInfoRequested HistoryOutcome = "more_info_requested"
)

type WorkflowInstance struct {
	ID                     string                     `json:"id"`
	CurrentStage           Stage                      `json:"current_stage"`
	Status                 WorkflowStatus             `json:"status"`
	Payload                json.RawMessage            `json:"payload"`
	Context                map[string]json.RawMessage `json:"context"`
	CheckpointID           int64                      `json:"checkpoint_id"`
	PendingDecisionRequest *DecisionRequest           `json:"pending_decision_request"`
	History                []HistoryEntry             `json:"history"`
	Error                  *string                    `json:"error"`
	CreatedAt              time.Time                  `json:"created_at"`
	UpdatedAt              time.Time                  `json:"updated_at"`
}

type HistoryEntry struct {
	Seq          int            `json:"seq"`
	Stage        Stage          `json:"stage"`
	Outcome      HistoryOutcome `json:"outcome"`
	At           time.Time      `json:"at"`
	CheckpointID int64          `json:"checkpoint_id"`
	Next         Stage          `json:"next,omitempty"`
	Detail       string         `json:"detail,omitempty"`
	ErrorType    string         `json:"error_type,omitempty"`
	Decision     DecisionKind   `json:"decision,omitempty"`
	DecidedBy    string         `json:"decided_by,omitempty"`
	ReviewCycle  int            `json:"review_cycle,omitempty"`
}

type DecisionRequest struct {
	Stage          Stage          `json:"stage"`
	Reason         string         `json:"reason"`
	Options        []DecisionKind `json:"options"`
	ReviewTicketID string         `json:"review_ticket_id"`
	Cycle          int            `json:"cycle"`
	RequestedInfo  string         `json:"requested_info,omitempty"`
}

// Accepts reports whether kind is one of the options the paused stage declared.
func (r *DecisionRequest) Accepts(kind DecisionKind) bool {
	for _, option := range r.Options {
		if option == kind {
			return true
		}
	}

	return false
}

type Decision struct {
	Kind       DecisionKind `json:"kind"`
	ReviewerID string       `json:"reviewer_id"`
	Reason     string       `json:"reason,omitempty"`
	Notes      string       `json:"notes,omitempty"`
}

type Checkpoint struct {
	WorkflowID   string            `json:"workflow_id"`
	CheckpointID int64             `json:"checkpoint_id"`
	Stage        Stage             `json:"stage"`
	Status       WorkflowStatus    `json:"status"`
	Snapshot     *WorkflowInstance `json:"snapshot"`
	CreatedAt    time.Time         `json:"created_at"`
}

type Lease struct {
	WorkflowID string    `json:"workflow_id"`
	Token      string    `json:"token"`
	Owner      string    `json:"owner"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Clone returns a deep copy so callers never share maps or slices with the engine.
func (instance *WorkflowInstance) Clone() *WorkflowInstance {
	if instance == nil {
		return nil
	}

	clone := *instance
	clone.Payload = cloneRaw(instance.Payload)
	clone.Context = make(map[string]json.RawMessage, len(instance.Context))
	for key, section := range instance.Context {
		clone.Context[key] = cloneRaw(section)
	}
	clone.History = append([]HistoryEntry(nil), instance.History...)
	if instance.PendingDecisionRequest != nil {
		req := *instance.PendingDecisionRequest
		req.Options = append([]DecisionKind(nil), instance.PendingDecisionRequest.Options...)
		clone.PendingDecisionRequest = &req
	}
	if instance.Error != nil {
		errMsg := *instance.Error
		clone.Error = &errMsg
	}

	return &clone
}

// Section decodes the named context section into dst. It reports false when the section is absent.
func (instance *WorkflowInstance) Section(name string, dst any) (bool, error) {
	raw, ok := instance.Context[name]
	if !ok || len(raw) == 0 {
		return false, nil
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return true, err
	}

	return true, nil
}

func (instance *WorkflowInstance) appendHistory(entry HistoryEntry) {
	entry.Seq = len(instance.History) + 1
	instance.History = append(instance.History, entry)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}

	return append(json.RawMessage(nil), raw...)
}
