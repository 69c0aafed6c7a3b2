package sandbox

import (
	"context"
	"errors"
	"sync"

	"github.com/rom8726/apflow"
)

var _ apflow.ERPClient = (*ERP)(nil)

// ERP serves purchase orders and records postings keyed by idempotency key. Invoices
// without seeded orders get one mirrored purchase order.
type ERP struct {
	mu        sync.Mutex
	orders    map[string][]apflow.PurchaseOrder
	postings  map[string]apflow.PostingResult
	postCalls int
}

func NewERP() *ERP {
	return &ERP{
		orders:   make(map[string][]apflow.PurchaseOrder),
		postings: make(map[string]apflow.PostingResult),
	}
}

// SetPurchaseOrders seeds the orders returned for invoiceID. No orders means none exist.
func (e *ERP) SetPurchaseOrders(invoiceID string, orders ...apflow.PurchaseOrder) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.orders[invoiceID] = append([]apflow.PurchaseOrder{}, orders...)
}

func (e *ERP) FindPurchaseOrders(_ context.Context, invoice apflow.ParsedInvoice) ([]apflow.PurchaseOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if orders, ok := e.orders[invoice.InvoiceID]; ok {
		return append([]apflow.PurchaseOrder(nil), orders...), nil
	}

	poNumber := "PO-" + invoice.InvoiceID
	if len(invoice.PONumbers) > 0 {
		poNumber = invoice.PONumbers[0]
	}

	return []apflow.PurchaseOrder{{
		PONumber:  poNumber,
		Amount:    invoice.Amount,
		Date:      invoice.InvoiceDate,
		LineItems: append([]apflow.LineItem(nil), invoice.LineItems...),
	}}, nil
}

func (e *ERP) FindGoodsReceipts(
	_ context.Context,
	_ apflow.ParsedInvoice,
	orders []apflow.PurchaseOrder,
) ([]apflow.GoodsReceipt, error) {
	receipts := make([]apflow.GoodsReceipt, 0, len(orders))
	for _, order := range orders {
		receipts = append(receipts, apflow.GoodsReceipt{
			GRNNumber: "GRN-" + order.PONumber,
			PONumber:  order.PONumber,
			Date:      order.Date,
		})
	}

	return receipts, nil
}

func (e *ERP) Post(_ context.Context, req apflow.PostingRequest) (*apflow.PostingResult, error) {
	if req.IdempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.postCalls++
	if result, ok := e.postings[req.IdempotencyKey]; ok {
		return &result, nil
	}

	result := apflow.PostingResult{
		TxnID:            "TXN-" + req.Invoice.InvoiceID + "-" + shortHash(req.IdempotencyKey),
		PaymentScheduled: true,
		PaymentID:        "PAY-" + shortHash("payment:"+req.IdempotencyKey),
	}
	e.postings[req.IdempotencyKey] = result

	return &result, nil
}

// Postings returns the number of distinct postings recorded.
func (e *ERP) Postings() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.postings)
}

// PostCalls counts every Post invocation, duplicates included.
func (e *ERP) PostCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.postCalls
}
