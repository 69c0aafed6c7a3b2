package sandbox

import (
	"context"
	"math"

	"github.com/rom8726/apflow"
)

var _ apflow.Matcher = (*TwoWayMatcher)(nil)

const (
	weightAmount    = 0.4
	weightLineItems = 0.3
	weightDate      = 0.1
	weightVendor    = 0.2
)

// TwoWayMatcher scores an invoice against its purchase orders as a weighted sum of
// amount, line item, date and vendor agreement.
type TwoWayMatcher struct {
	Threshold    float64
	TolerancePct float64
}

func (m *TwoWayMatcher) MatchTwoWay(
	_ context.Context,
	invoice apflow.ParsedInvoice,
	orders []apflow.PurchaseOrder,
) (*apflow.MatchResult, error) {
	details := map[string]float64{
		"invoice_amount":    invoice.Amount,
		"matched_pos_count": float64(len(orders)),
	}

	var amountScore, lineItemScore, dateScore float64
	// vendor identity is settled when PREPARE normalizes the name
	vendorScore := 1.0

	if len(orders) > 0 {
		var poTotal float64
		var poLines int
		for _, order := range orders {
			poTotal += order.Amount
			poLines += len(order.LineItems)
		}

		diff := math.Abs(invoice.Amount - poTotal)
		switch {
		case invoice.Amount > 0:
			amountScore = math.Max(0, 1-diff/invoice.Amount)
		case diff == 0:
			amountScore = 1
		}
		details["po_total_amount"] = poTotal
		details["amount_diff"] = diff
		details["tolerance"] = invoice.Amount * m.TolerancePct / 100
		details["within_tolerance"] = boolScore(diff <= details["tolerance"])

		invoiceLines := len(invoice.LineItems)
		switch {
		case invoiceLines == poLines:
			lineItemScore = 1
		case poLines > 0 && invoiceLines > 0:
			lineItemScore = float64(min(invoiceLines, poLines)) / float64(max(invoiceLines, poLines))
		}
		details["invoice_line_items_count"] = float64(invoiceLines)
		details["po_line_items_count"] = float64(poLines)

		if invoice.InvoiceDate != "" {
			dateScore = 1
		}
	}

	details["amount_score"] = amountScore
	details["line_item_score"] = lineItemScore
	details["date_score"] = dateScore
	details["vendor_score"] = vendorScore

	score := amountScore*weightAmount + lineItemScore*weightLineItems + dateScore*weightDate + vendorScore*weightVendor
	score = math.Round(score*1e4) / 1e4

	return &apflow.MatchResult{
		Matched:   score >= m.Threshold,
		Score:     score,
		Threshold: m.Threshold,
		Details:   details,
	}, nil
}

func boolScore(ok bool) float64 {
	if ok {
		return 1
	}

	return 0
}
