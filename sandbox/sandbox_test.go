package sandbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rom8726/apflow"
)

func TestParser_Defaults(t *testing.T) {
	payload := json.RawMessage(`{"invoice_id":"INV-1","vendor_name":"Acme","amount":300,
		"line_items":[{"desc":"Consulting","qty":3,"unit_price":100}]}`)

	invoice, err := (&Parser{}).Parse(context.Background(), payload)
	require.NoError(t, err)

	assert.Equal(t, "USD", invoice.Currency)
	assert.Equal(t, "sandbox", invoice.ParsedBy)
	require.Len(t, invoice.LineItems, 1)
	assert.Equal(t, "LI-1", invoice.LineItems[0].ID)
	assert.InDelta(t, 300, invoice.LineItems[0].Total, 1e-9)
}

func TestParser_InvalidPayload(t *testing.T) {
	_, err := (&Parser{}).Parse(context.Background(), json.RawMessage(`[`))
	assert.Error(t, err)
}

func TestVendorDirectory_Prepare(t *testing.T) {
	dir := NewVendorDirectory()
	dir.Register(apflow.VendorProfile{
		OriginalName: "Risky  Corp",
		RiskScore:    0.9,
		Flags:        map[string]any{"high_risk": true},
	})

	profile, err := dir.Prepare(context.Background(), apflow.ParsedInvoice{VendorName: " risky corp "})
	require.NoError(t, err)
	assert.Equal(t, "RISKY CORP", profile.NormalizedName)
	assert.InDelta(t, 0.9, profile.RiskScore, 1e-9)
	assert.True(t, profile.Flag("high_risk"))
	assert.False(t, profile.Flag("new_vendor"))

	unknown, err := dir.Prepare(context.Background(), apflow.ParsedInvoice{VendorName: "Acme"})
	require.NoError(t, err)
	assert.InDelta(t, defaultRiskScore, unknown.RiskScore, 1e-9)
}

func TestERP_MirrorsPurchaseOrder(t *testing.T) {
	erp := NewERP()
	invoice := apflow.ParsedInvoice{InvoiceID: "INV-1", Amount: 100, PONumbers: []string{"PO-77"}}

	orders, err := erp.FindPurchaseOrders(context.Background(), invoice)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "PO-77", orders[0].PONumber)
	assert.InDelta(t, 100, orders[0].Amount, 1e-9)

	receipts, err := erp.FindGoodsReceipts(context.Background(), invoice, orders)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "GRN-PO-77", receipts[0].GRNNumber)

	erp.SetPurchaseOrders("INV-1")
	orders, err = erp.FindPurchaseOrders(context.Background(), invoice)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestERP_PostIsIdempotent(t *testing.T) {
	erp := NewERP()
	req := apflow.PostingRequest{IdempotencyKey: "wf:posting", Invoice: apflow.ParsedInvoice{InvoiceID: "INV-1"}}

	first, err := erp.Post(context.Background(), req)
	require.NoError(t, err)
	second, err := erp.Post(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, erp.Postings())
	assert.Equal(t, 2, erp.PostCalls())

	_, err = erp.Post(context.Background(), apflow.PostingRequest{})
	assert.Error(t, err)
}

func TestTwoWayMatcher(t *testing.T) {
	matcher := &TwoWayMatcher{Threshold: 0.9, TolerancePct: 5}
	items := []apflow.LineItem{{Description: "a", Total: 50}, {Description: "b", Total: 50}}
	invoice := apflow.ParsedInvoice{Amount: 100, InvoiceDate: "2024-01-01", LineItems: items}

	tests := []struct {
		name    string
		orders  []apflow.PurchaseOrder
		score   float64
		matched bool
	}{
		{
			name:    "exact",
			orders:  []apflow.PurchaseOrder{{Amount: 100, LineItems: items}},
			score:   1,
			matched: true,
		},
		{
			name:    "half amount",
			orders:  []apflow.PurchaseOrder{{Amount: 50, LineItems: items}},
			score:   0.8,
			matched: false,
		},
		{
			name:    "no orders",
			orders:  nil,
			score:   0.2,
			matched: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := matcher.MatchTwoWay(context.Background(), invoice, tt.orders)
			require.NoError(t, err)
			assert.InDelta(t, tt.score, result.Score, 1e-9)
			assert.Equal(t, tt.matched, result.Matched)
			assert.InDelta(t, 0.9, result.Threshold, 1e-9)
		})
	}
}

func TestKeywordLedger_BuildEntries(t *testing.T) {
	req := apflow.ReconcileRequest{Invoice: apflow.ParsedInvoice{
		InvoiceID: "INV-9",
		Amount:    350,
		LineItems: []apflow.LineItem{
			{Description: "Consulting hours", Total: 200},
			{Description: "Hotel stay", Total: 100},
			{Description: "Widgets", Total: 50},
		},
	}}

	entries, err := (&KeywordLedger{}).BuildEntries(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, "6000-PROF-SERVICES", entries[0].Account)
	assert.Equal(t, "8000-TRAVEL", entries[1].Account)
	assert.Equal(t, "9000-OTHER-EXPENSE", entries[2].Account)
	assert.Equal(t, AccountsPayable, entries[3].Account)
	assert.Equal(t, "ENTRY-4", entries[3].EntryID)
	assert.Equal(t, "Invoice INV-9 - Accounts Payable", entries[3].Description)
	assert.InDelta(t, 350, entries[3].Credit, 1e-9)
}

func TestGLAccount(t *testing.T) {
	assert.Equal(t, "5000-SOFTWARE", GLAccount("Annual SaaS subscription"))
	assert.Equal(t, "7000-OFFICE-SUPPLIES", GLAccount("Office chairs"))
	assert.Equal(t, "9000-OTHER-EXPENSE", GLAccount(""))
}

func TestThresholdPolicy_Evaluate(t *testing.T) {
	policy := &ThresholdPolicy{AutoApprovalThreshold: 20000}

	tests := []struct {
		name   string
		amount float64
		vendor apflow.VendorProfile
		status string
		policy string
	}{
		{"high risk score", 100, apflow.VendorProfile{RiskScore: 0.8}, apflow.ApprovalPendingApproval, PolicyHighRisk},
		{"high risk flag", 100, apflow.VendorProfile{Flags: map[string]any{"high_risk": true}}, apflow.ApprovalPendingApproval, PolicyHighRiskFlag},
		{"new vendor large", 6000, apflow.VendorProfile{Flags: map[string]any{"new_vendor": true}}, apflow.ApprovalPendingApproval, PolicyNewVendor},
		{"new vendor small", 1000, apflow.VendorProfile{Flags: map[string]any{"new_vendor": true}}, apflow.ApprovalAutoApproved, PolicyAmountLimit},
		{"under threshold", 20000, apflow.VendorProfile{RiskScore: 0.1}, apflow.ApprovalAutoApproved, PolicyAmountLimit},
		{"over threshold", 20001, apflow.VendorProfile{RiskScore: 0.1}, apflow.ApprovalPendingApproval, PolicyLargeAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := policy.Evaluate(context.Background(), apflow.ApprovalRequest{
				Invoice: apflow.ParsedInvoice{Amount: tt.amount},
				Vendor:  tt.vendor,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.status, result.Status)
			assert.Equal(t, tt.policy, result.Policy)
		})
	}
}

func TestRecordingNotifier_DedupsByKey(t *testing.T) {
	notifier := NewRecordingNotifier()
	msg := apflow.Notification{IdempotencyKey: "wf:notify", Recipients: []string{"a@x", "b@x"}}

	first, err := notifier.Notify(context.Background(), msg)
	require.NoError(t, err)
	second, err := notifier.Notify(context.Background(), msg)
	require.NoError(t, err)

	assert.Len(t, first.MessageIDs, 2)
	assert.Equal(t, first.MessageIDs, second.MessageIDs)
	assert.Len(t, notifier.Sent(), 1)
}

func TestSandbox_Capabilities(t *testing.T) {
	sb := New(DefaultOptions())
	caps := sb.Capabilities()

	assert.Same(t, sb.ERP, caps.ERP)
	assert.Same(t, sb.Notifier, caps.Notifier)

	opts := OptionsFromConfig(apflow.DefaultConfig())
	assert.Equal(t, DefaultOptions(), opts)
}
