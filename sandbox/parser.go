package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rom8726/apflow"
)

var _ apflow.DocumentParser = (*Parser)(nil)

// Parser reads structured invoice fields straight from the JSON payload.
type Parser struct{}

func (p *Parser) Parse(_ context.Context, payload json.RawMessage) (*apflow.ParsedInvoice, error) {
	var invoice apflow.ParsedInvoice
	if err := json.Unmarshal(payload, &invoice); err != nil {
		return nil, fmt.Errorf("parse invoice payload: %w", err)
	}
	if invoice.Currency == "" {
		invoice.Currency = "USD"
	}
	for i := range invoice.LineItems {
		item := &invoice.LineItems[i]
		if item.ID == "" {
			item.ID = fmt.Sprintf("LI-%d", i+1)
		}
		if item.Total == 0 {
			item.Total = item.Quantity * item.UnitPrice
		}
	}
	invoice.ParsedBy = "sandbox"

	return &invoice, nil
}
