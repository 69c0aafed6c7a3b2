package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/rom8726/apflow"
)

var _ apflow.Ledger = (*KeywordLedger)(nil)

const AccountsPayable = "2000-AP"

var glKeywords = []struct {
	account  string
	keywords []string
}{
	{account: "6000-PROF-SERVICES", keywords: []string{"service", "consulting", "professional"}},
	{account: "5000-SOFTWARE", keywords: []string{"software", "license", "saas", "subscription"}},
	{account: "7000-OFFICE-SUPPLIES", keywords: []string{"supply", "office", "material"}},
	{account: "8000-TRAVEL", keywords: []string{"travel", "hotel", "flight", "transport"}},
}

const defaultExpenseAccount = "9000-OTHER-EXPENSE"

// KeywordLedger debits an expense account per line item, chosen by description
// keywords, and credits accounts payable with the invoice amount.
type KeywordLedger struct{}

func (l *KeywordLedger) BuildEntries(_ context.Context, req apflow.ReconcileRequest) ([]apflow.AccountingEntry, error) {
	invoice := req.Invoice
	entries := make([]apflow.AccountingEntry, 0, len(invoice.LineItems)+1)

	for _, item := range invoice.LineItems {
		description := item.Description
		if description == "" {
			description = "Invoice line item"
		}
		entries = append(entries, apflow.AccountingEntry{
			EntryID:     fmt.Sprintf("ENTRY-%d", len(entries)+1),
			Account:     GLAccount(description),
			Debit:       item.Total,
			Description: description,
			InvoiceID:   invoice.InvoiceID,
		})
	}

	description := fmt.Sprintf("Invoice %s - Accounts Payable", invoice.InvoiceID)
	if req.Override {
		description += " (review override)"
	}
	entries = append(entries, apflow.AccountingEntry{
		EntryID:     fmt.Sprintf("ENTRY-%d", len(entries)+1),
		Account:     AccountsPayable,
		Credit:      invoice.Amount,
		Description: description,
		InvoiceID:   invoice.InvoiceID,
	})

	return entries, nil
}

func GLAccount(description string) string {
	lower := strings.ToLower(description)
	for _, rule := range glKeywords {
		for _, keyword := range rule.keywords {
			if strings.Contains(lower, keyword) {
				return rule.account
			}
		}
	}

	return defaultExpenseAccount
}
