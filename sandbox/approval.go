package sandbox

import (
	"context"

	"github.com/rom8726/apflow"
)

var _ apflow.ApprovalPolicy = (*ThresholdPolicy)(nil)

const (
	PolicyHighRisk       = "HIGH_RISK_POLICY"
	PolicyHighRiskFlag   = "HIGH_RISK_FLAG_POLICY"
	PolicyNewVendor      = "NEW_VENDOR_POLICY"
	PolicyAmountLimit    = "AMOUNT_THRESHOLD_POLICY"
	PolicyLargeAmount    = "LARGE_AMOUNT_POLICY"
	newVendorAmountLimit = 5000.0
	highRiskScore        = 0.7
)

type ThresholdPolicy struct {
	AutoApprovalThreshold float64
}

// Evaluate applies the first matching rule: risk score, risk flag, new vendor, then amount.
func (p *ThresholdPolicy) Evaluate(_ context.Context, req apflow.ApprovalRequest) (*apflow.ApprovalResult, error) {
	amount := req.Invoice.Amount
	vendor := req.Vendor

	pending := func(policy string) (*apflow.ApprovalResult, error) {
		return &apflow.ApprovalResult{Status: apflow.ApprovalPendingApproval, Policy: policy}, nil
	}

	switch {
	case vendor.RiskScore > highRiskScore:
		return pending(PolicyHighRisk)
	case vendor.Flag("high_risk"):
		return pending(PolicyHighRiskFlag)
	case vendor.Flag("new_vendor") && amount > newVendorAmountLimit:
		return pending(PolicyNewVendor)
	case amount <= p.AutoApprovalThreshold:
		return &apflow.ApprovalResult{Status: apflow.ApprovalAutoApproved, Policy: PolicyAmountLimit}, nil
	default:
		return pending(PolicyLargeAmount)
	}
}
