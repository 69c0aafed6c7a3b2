package apflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

type IntakeSection struct {
	RawID      string    `json:"raw_id"`
	InvoiceID  string    `json:"invoice_id"`
	IngestedAt time.Time `json:"ingested_at"`
}

type UnderstandSection struct {
	Invoice ParsedInvoice `json:"invoice"`
}

type PrepareSection struct {
	Vendor    VendorProfile `json:"vendor"`
	RiskLevel string        `json:"risk_level"`
}

type RetrieveSection struct {
	PurchaseOrders []PurchaseOrder `json:"purchase_orders"`
	GoodsReceipts  []GoodsReceipt  `json:"goods_receipts"`
}

type MatchSection struct {
	Result MatchResult `json:"result"`
}

type CheckpointSection struct {
	ReviewTicketID string  `json:"review_ticket_id"`
	Reason         string  `json:"reason"`
	InvoiceID      string  `json:"invoice_id"`
	VendorName     string  `json:"vendor_name"`
	Amount         float64 `json:"amount"`
	MatchScore     float64 `json:"match_score"`
}

type HITLSection struct {
	Decision   DecisionKind `json:"decision"`
	ReviewerID string       `json:"reviewer_id"`
	Reason     string       `json:"reason,omitempty"`
	Notes      string       `json:"notes,omitempty"`
	Cycle      int          `json:"cycle"`
}

type ReconcileSection struct {
	Entries      []AccountingEntry `json:"entries"`
	Override     bool              `json:"override"`
	OverrideBy   string            `json:"override_by,omitempty"`
	TotalDebits  float64           `json:"total_debits"`
	TotalCredits float64           `json:"total_credits"`
	Balanced     bool              `json:"balanced"`
}

type ApproveSection struct {
	Result ApprovalResult `json:"result"`
}

type PostingSection struct {
	IdempotencyKey string        `json:"idempotency_key"`
	Result         PostingResult `json:"result"`
}

type NotifySection struct {
	Recipients []string            `json:"recipients"`
	Receipt    NotificationReceipt `json:"receipt"`
}

type CompleteSection struct {
	InvoiceID      string  `json:"invoice_id"`
	Vendor         string  `json:"vendor"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	ERPTxnID       string  `json:"erp_txn_id"`
	ApprovalStatus string  `json:"approval_status"`
	HumanReviewed  bool    `json:"human_reviewed"`
	MatchOverride  bool    `json:"match_override"`
	ReviewTicketID string  `json:"review_ticket_id,omitempty"`
}

const financeRecipient = "finance@company.com"

var requiredPayloadFields = []string{"invoice_id", "vendor_name", "amount"}

func intakeStage(_ context.Context, in StageInput) (json.RawMessage, Outcome) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(in.Payload, &fields); err != nil {
		return nil, Fail(newStageError(in.Stage, "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)))
	}

	var missing []string
	for _, name := range requiredPayloadFields {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, Fail(newStageError(in.Stage, "", fmt.Errorf("%w: missing required fields: %s",
			ErrInvalidPayload, strings.Join(missing, ", "))))
	}

	var invoiceID string
	_ = json.Unmarshal(fields["invoice_id"], &invoiceID)

	return marshalSection(in.Stage, IntakeSection{
		RawID:      "raw_" + strings.TrimPrefix(in.WorkflowID, workflowIDPrefix+"_"),
		InvoiceID:  invoiceID,
		IngestedAt: in.CreatedAt.UTC(),
	}, Advance(StageUnderstand))
}

func understandStage(ctx context.Context, in StageInput) (json.RawMessage, Outcome) {
	invoice, err := in.Capabilities.Parser.Parse(ctx, in.Payload)
	if err != nil {
		return nil, Fail(newStageError(in.Stage, "document_parser", err))
	}
	if invoice.Currency == "" {
		invoice.Currency = "USD"
	}

	return marshalSection(in.Stage, UnderstandSection{Invoice: *invoice}, Advance(StagePrepare))
}

func prepareStage(ctx context.Context, in StageInput) (json.RawMessage, Outcome) {
	understood, err := requireSection[UnderstandSection](in, "understand")
	if err != nil {
		return nil, Fail(err)
	}

	vendor, err := in.Capabilities.Vendors.Prepare(ctx, understood.Invoice)
	if err != nil {
		return nil, Fail(newStageError(in.Stage, "vendor_service", err))
	}

	return marshalSection(in.Stage, PrepareSection{
		Vendor:    *vendor,
		RiskLevel: riskLevel(vendor.RiskScore),
	}, Advance(StageRetrieve))
}

func retrieveStage(ctx context.Context, in StageInput) (json.RawMessage, Outcome) {
	understood, err := requireSection[UnderstandSection](in, "understand")
	if err != nil {
		return nil, Fail(err)
	}

	orders, err := in.Capabilities.ERP.FindPurchaseOrders(ctx, understood.Invoice)
	if err != nil {
		return nil, Fail(newStageError(in.Stage, "erp.find_purchase_orders", err))
	}

	section := RetrieveSection{PurchaseOrders: orders}
	if len(orders) > 0 {
		receipts, err := in.Capabilities.ERP.FindGoodsReceipts(ctx, understood.Invoice, orders)
		if err != nil {
			return nil, Fail(newStageError(in.Stage, "erp.find_goods_receipts", err))
		}
		section.GoodsReceipts = receipts
	}

	return marshalSection(in.Stage, section, Advance(StageMatchTwoWay))
}

func matchStage(ctx context.Context, in StageInput) (json.RawMessage, Outcome) {
	understood, err := requireSection[UnderstandSection](in, "understand")
	if err != nil {
		return nil, Fail(err)
	}
	retrieved, err := requireSection[RetrieveSection](in, "retrieve")
	if err != nil {
		return nil, Fail(err)
	}

	result, err := in.Capabilities.Matcher.MatchTwoWay(ctx, understood.Invoice, retrieved.PurchaseOrders)
	if err != nil {
		return nil, Fail(newStageError(in.Stage, "matcher", err))
	}

	next := StageCheckpointHITL
	if result.Matched {
		next = StageReconcile
	}

	return marshalSection(in.Stage, MatchSection{Result: *result}, Advance(next))
}

func checkpointStage(_ context.Context, in StageInput) (json.RawMessage, Outcome) {
	understood, err := requireSection[UnderstandSection](in, "understand")
	if err != nil {
		return nil, Fail(err)
	}
	matched, err := requireSection[MatchSection](in, "match")
	if err != nil {
		return nil, Fail(err)
	}

	vendorName := understood.Invoice.VendorName
	var prepared PrepareSection
	if ok, _ := in.Instance.Section("prepare", &prepared); ok && prepared.Vendor.NormalizedName != "" {
		vendorName = prepared.Vendor.NormalizedName
	}

	section := CheckpointSection{
		ReviewTicketID: reviewTicketID(in.WorkflowID),
		Reason: fmt.Sprintf("2-way match failed. Match score: %.2f (threshold: %.2f)",
			matched.Result.Score, matched.Result.Threshold),
		InvoiceID:  understood.Invoice.InvoiceID,
		VendorName: vendorName,
		Amount:     understood.Invoice.Amount,
		MatchScore: matched.Result.Score,
	}

	return marshalSection(in.Stage, section, Pause(DecisionRequest{
		Stage:          StageHITLDecision,
		Reason:         section.Reason,
		Options:        []DecisionKind{DecisionApproveOverride, DecisionReject, DecisionRequestMoreInfo},
		ReviewTicketID: section.ReviewTicketID,
		Cycle:          1,
	}))
}

// hitlDecisionStage applies a reviewer decision. It only runs from Resume, with the
// pending request still present on the input instance.
func hitlDecisionStage(_ context.Context, in StageInput) (json.RawMessage, Outcome) {
	if in.Decision == nil {
		return nil, Fail(newStageError(in.Stage, "", errors.New("decision is required")))
	}

	req := in.Instance.PendingDecisionRequest
	cycle := 1
	if req != nil && req.Cycle > 0 {
		cycle = req.Cycle
	}

	section := HITLSection{
		Decision:   in.Decision.Kind,
		ReviewerID: in.Decision.ReviewerID,
		Reason:     in.Decision.Reason,
		Notes:      in.Decision.Notes,
		Cycle:      cycle,
	}

	var outcome Outcome
	switch in.Decision.Kind {
	case DecisionApproveOverride:
		outcome = Advance(StageReconcile)
	case DecisionReject:
		reason := in.Decision.Reason
		if reason == "" {
			reason = "rejected by reviewer"
		}
		outcome = Outcome{Kind: TransitionFail, Err: errors.New(reason), ErrorType: ErrorTypeRejected}
	case DecisionRequestMoreInfo:
		next := DecisionRequest{
			Stage:          StageHITLDecision,
			Reason:         "more information requested",
			Options:        []DecisionKind{DecisionApproveOverride, DecisionReject, DecisionRequestMoreInfo},
			ReviewTicketID: reviewTicketID(in.WorkflowID),
			Cycle:          cycle + 1,
			RequestedInfo:  firstNonEmpty(in.Decision.Notes, in.Decision.Reason),
		}
		if req != nil {
			next.Options = append([]DecisionKind(nil), req.Options...)
			next.ReviewTicketID = req.ReviewTicketID
		}
		outcome = Pause(next)
	default:
		return nil, Fail(newStageError(in.Stage, "", &InvalidDecisionError{Kind: in.Decision.Kind}))
	}

	return marshalSection(in.Stage, section, outcome)
}

func reconcileStage(ctx context.Context, in StageInput) (json.RawMessage, Outcome) {
	understood, err := requireSection[UnderstandSection](in, "understand")
	if err != nil {
		return nil, Fail(err)
	}
	prepared, err := requireSection[PrepareSection](in, "prepare")
	if err != nil {
		return nil, Fail(err)
	}

	var hitl HITLSection
	override := false
	if ok, _ := in.Instance.Section("hitl", &hitl); ok {
		override = hitl.Decision == DecisionApproveOverride
	}

	entries, err := in.Capabilities.Ledger.BuildEntries(ctx, ReconcileRequest{
		Invoice:  understood.Invoice,
		Vendor:   prepared.Vendor,
		Override: override,
	})
	if err != nil {
		return nil, Fail(newStageError(in.Stage, "ledger", err))
	}

	section := ReconcileSection{Entries: entries, Override: override}
	if override {
		section.OverrideBy = hitl.ReviewerID
	}
	for _, entry := range entries {
		section.TotalDebits += entry.Debit
		section.TotalCredits += entry.Credit
	}
	section.Balanced = math.Abs(section.TotalDebits-section.TotalCredits) < 0.01

	return marshalSection(in.Stage, section, Advance(StageApprove))
}

func approveStage(ctx context.Context, in StageInput) (json.RawMessage, Outcome) {
	understood, err := requireSection[UnderstandSection](in, "understand")
	if err != nil {
		return nil, Fail(err)
	}
	prepared, err := requireSection[PrepareSection](in, "prepare")
	if err != nil {
		return nil, Fail(err)
	}

	result, err := in.Capabilities.Approval.Evaluate(ctx, ApprovalRequest{
		Invoice: understood.Invoice,
		Vendor:  prepared.Vendor,
	})
	if err != nil {
		return nil, Fail(newStageError(in.Stage, "approval_policy", err))
	}

	return marshalSection(in.Stage, ApproveSection{Result: *result}, Advance(StagePosting))
}

func postingStage(ctx context.Context, in StageInput) (json.RawMessage, Outcome) {
	understood, err := requireSection[UnderstandSection](in, "understand")
	if err != nil {
		return nil, Fail(err)
	}
	reconciled, err := requireSection[ReconcileSection](in, "reconcile")
	if err != nil {
		return nil, Fail(err)
	}
	if len(reconciled.Entries) == 0 {
		return nil, Fail(newStageError(in.Stage, "", errors.New("accounting entries are required for posting")))
	}

	key := in.WorkflowID + ":posting"
	result, err := in.Capabilities.ERP.Post(ctx, PostingRequest{
		IdempotencyKey: key,
		Invoice:        understood.Invoice,
		Entries:        reconciled.Entries,
	})
	if err != nil {
		return nil, Fail(newStageError(in.Stage, "erp.post", err))
	}

	return marshalSection(in.Stage, PostingSection{IdempotencyKey: key, Result: *result}, Advance(StageNotify))
}

func notifyStage(ctx context.Context, in StageInput) (json.RawMessage, Outcome) {
	understood, err := requireSection[UnderstandSection](in, "understand")
	if err != nil {
		return nil, Fail(err)
	}
	posted, err := requireSection[PostingSection](in, "posting")
	if err != nil {
		return nil, Fail(err)
	}

	vendorName := understood.Invoice.VendorName
	var prepared PrepareSection
	if ok, _ := in.Instance.Section("prepare", &prepared); ok && prepared.Vendor.NormalizedName != "" {
		vendorName = prepared.Vendor.NormalizedName
	}

	recipients := []string{vendorEmail(vendorName), financeRecipient}
	receipt, err := in.Capabilities.Notifier.Notify(ctx, Notification{
		IdempotencyKey: in.WorkflowID + ":notify",
		Recipients:     recipients,
		Subject:        fmt.Sprintf("Invoice %s Processed", understood.Invoice.InvoiceID),
		Body: fmt.Sprintf("Invoice %s from %s for %.2f %s was posted as %s.",
			understood.Invoice.InvoiceID, vendorName, understood.Invoice.Amount,
			understood.Invoice.Currency, posted.Result.TxnID),
	})
	if err != nil {
		return nil, Fail(newStageError(in.Stage, "notifier", err))
	}

	return marshalSection(in.Stage, NotifySection{Recipients: recipients, Receipt: *receipt}, Advance(StageComplete))
}

func completeStage(_ context.Context, in StageInput) (json.RawMessage, Outcome) {
	understood, err := requireSection[UnderstandSection](in, "understand")
	if err != nil {
		return nil, Fail(err)
	}

	section := CompleteSection{
		InvoiceID: understood.Invoice.InvoiceID,
		Vendor:    understood.Invoice.VendorName,
		Amount:    understood.Invoice.Amount,
		Currency:  understood.Invoice.Currency,
	}

	var (
		prepared   PrepareSection
		posted     PostingSection
		approved   ApproveSection
		reconciled ReconcileSection
		held       CheckpointSection
		hitl       HITLSection
	)
	if ok, _ := in.Instance.Section("prepare", &prepared); ok && prepared.Vendor.NormalizedName != "" {
		section.Vendor = prepared.Vendor.NormalizedName
	}
	if ok, _ := in.Instance.Section("posting", &posted); ok {
		section.ERPTxnID = posted.Result.TxnID
	}
	if ok, _ := in.Instance.Section("approve", &approved); ok {
		section.ApprovalStatus = approved.Result.Status
	}
	if ok, _ := in.Instance.Section("reconcile", &reconciled); ok {
		section.MatchOverride = reconciled.Override
	}
	if ok, _ := in.Instance.Section("checkpoint", &held); ok {
		section.ReviewTicketID = held.ReviewTicketID
	}
	if ok, _ := in.Instance.Section("hitl", &hitl); ok {
		section.HumanReviewed = hitl.Decision != ""
	}

	return marshalSection(in.Stage, section, Complete())
}

func requireSection[T any](in StageInput, name string) (*T, error) {
	var section T
	ok, err := in.Instance.Section(name, &section)
	if err != nil {
		return nil, newStageError(in.Stage, "", fmt.Errorf("decode %s section: %w", name, err))
	}
	if !ok {
		return nil, newStageError(in.Stage, "", fmt.Errorf("%s section is required", name))
	}

	return &section, nil
}

func marshalSection(stage Stage, section any, outcome Outcome) (json.RawMessage, Outcome) {
	data, err := json.Marshal(section)
	if err != nil {
		return nil, Fail(newStageError(stage, "", fmt.Errorf("encode section: %w", err)))
	}

	return data, outcome
}

func riskLevel(score float64) string {
	switch {
	case score < 0.3:
		return "LOW"
	case score < 0.7:
		return "MEDIUM"
	default:
		return "HIGH"
	}
}

func reviewTicketID(workflowID string) string {
	return "rev_" + strings.TrimPrefix(workflowID, workflowIDPrefix+"_")
}

func vendorEmail(vendorName string) string {
	local := strings.ToLower(strings.ReplaceAll(vendorName, " ", ""))
	if local == "" {
		local = "unknown"
	}

	return "vendor@" + local + ".com"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
