package apflow

import (
	"context"
	"encoding/json"
	"errors"
)

type LineItem struct {
	ID          string  `json:"line_item_id,omitempty"`
	Description string  `json:"desc"`
	Quantity    float64 `json:"qty"`
	UnitPrice   float64 `json:"unit_price"`
	Total       float64 `json:"total"`
}

type ParsedInvoice struct {
	InvoiceID   string     `json:"invoice_id"`
	VendorName  string     `json:"vendor_name"`
	VendorTaxID string     `json:"vendor_tax_id,omitempty"`
	InvoiceDate string     `json:"invoice_date,omitempty"`
	DueDate     string     `json:"due_date,omitempty"`
	Amount      float64    `json:"amount"`
	Currency    string     `json:"currency"`
	LineItems   []LineItem `json:"line_items"`
	PONumbers   []string   `json:"po_numbers,omitempty"`
	ParsedBy    string     `json:"parsed_by,omitempty"`
}

type VendorProfile struct {
	OriginalName   string         `json:"original_name"`
	NormalizedName string         `json:"normalized_name"`
	TaxID          string         `json:"tax_id,omitempty"`
	RiskScore      float64        `json:"risk_score"`
	Flags          map[string]any `json:"flags,omitempty"`
}

// Flag reports a boolean risk flag, false when absent.
func (p *VendorProfile) Flag(name string) bool {
	v, ok := p.Flags[name].(bool)

	return ok && v
}

type PurchaseOrder struct {
	PONumber  string     `json:"po_number"`
	Amount    float64    `json:"amount"`
	Date      string     `json:"date,omitempty"`
	LineItems []LineItem `json:"line_items"`
}

type GoodsReceipt struct {
	GRNNumber string `json:"grn_number"`
	PONumber  string `json:"po_number"`
	Date      string `json:"date,omitempty"`
}

type MatchResult struct {
	Matched   bool               `json:"matched"`
	Score     float64            `json:"score"`
	Threshold float64            `json:"threshold"`
	Details   map[string]float64 `json:"details,omitempty"`
}

type AccountingEntry struct {
	EntryID     string  `json:"entry_id"`
	Account     string  `json:"account"`
	Debit       float64 `json:"debit"`
	Credit      float64 `json:"credit"`
	Description string  `json:"description"`
	InvoiceID   string  `json:"invoice_id"`
}

type ReconcileRequest struct {
	Invoice  ParsedInvoice `json:"invoice"`
	Vendor   VendorProfile `json:"vendor"`
	Override bool          `json:"override"`
}

type ApprovalResult struct {
	Status string `json:"status"`
	Policy string `json:"policy"`
}

const (
	ApprovalAutoApproved    = "AUTO_APPROVED"
	ApprovalPendingApproval = "PENDING_APPROVAL"
)

type ApprovalRequest struct {
	Invoice ParsedInvoice `json:"invoice"`
	Vendor  VendorProfile `json:"vendor"`
}

type PostingRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	Invoice        ParsedInvoice     `json:"invoice"`
	Entries        []AccountingEntry `json:"entries"`
}

type PostingResult struct {
	TxnID            string `json:"erp_txn_id"`
	PaymentScheduled bool   `json:"payment_scheduled"`
	PaymentID        string `json:"payment_id,omitempty"`
}

type Notification struct {
	IdempotencyKey string   `json:"idempotency_key"`
	Recipients     []string `json:"recipients"`
	Subject        string   `json:"subject"`
	Body           string   `json:"body"`
}

type NotificationReceipt struct {
	MessageIDs []string `json:"message_ids"`
}

type DocumentParser interface {
	Parse(ctx context.Context, payload json.RawMessage) (*ParsedInvoice, error)
}

type VendorService interface {
	Prepare(ctx context.Context, invoice ParsedInvoice) (*VendorProfile, error)
}

type ERPClient interface {
	FindPurchaseOrders(ctx context.Context, invoice ParsedInvoice) ([]PurchaseOrder, error)
	FindGoodsReceipts(ctx context.Context, invoice ParsedInvoice, orders []PurchaseOrder) ([]GoodsReceipt, error)
	Post(ctx context.Context, req PostingRequest) (*PostingResult, error)
}

type Matcher interface {
	MatchTwoWay(ctx context.Context, invoice ParsedInvoice, orders []PurchaseOrder) (*MatchResult, error)
}

type Ledger interface {
	BuildEntries(ctx context.Context, req ReconcileRequest) ([]AccountingEntry, error)
}

type ApprovalPolicy interface {
	Evaluate(ctx context.Context, req ApprovalRequest) (*ApprovalResult, error)
}

type Notifier interface {
	Notify(ctx context.Context, notification Notification) (*NotificationReceipt, error)
}

// Capabilities is the fixed set of collaborators injected into stage functions.
type Capabilities struct {
	Parser   DocumentParser
	Vendors  VendorService
	ERP      ERPClient
	Matcher  Matcher
	Ledger   Ledger
	Approval ApprovalPolicy
	Notifier Notifier
}

func (c Capabilities) validate() error {
	var errs []error
	if c.Parser == nil {
		errs = append(errs, errors.New("document parser is required"))
	}
	if c.Vendors == nil {
		errs = append(errs, errors.New("vendor service is required"))
	}
	if c.ERP == nil {
		errs = append(errs, errors.New("erp client is required"))
	}
	if c.Matcher == nil {
		errs = append(errs, errors.New("matcher is required"))
	}
	if c.Ledger == nil {
		errs = append(errs, errors.New("ledger is required"))
	}
	if c.Approval == nil {
		errs = append(errs, errors.New("approval policy is required"))
	}
	if c.Notifier == nil {
		errs = append(errs, errors.New("notifier is required"))
	}

	return errors.Join(errs...)
}
