// Package sandbox provides deterministic in-process capabilities for demos and tests.
// Every result is derived from its inputs, so re-running a stage yields the same
// output.
package sandbox

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/rom8726/apflow"
)

type Options struct {
	MatchThreshold        float64
	TwoWayTolerancePct    float64
	AutoApprovalThreshold float64
}

func DefaultOptions() Options {
	return Options{
		MatchThreshold:        0.90,
		TwoWayTolerancePct:    5.0,
		AutoApprovalThreshold: 20000,
	}
}

func OptionsFromConfig(cfg apflow.Config) Options {
	return Options{
		MatchThreshold:        cfg.MatchThreshold,
		TwoWayTolerancePct:    cfg.TwoWayTolerancePct,
		AutoApprovalThreshold: cfg.AutoApprovalThreshold,
	}
}

// Sandbox bundles one instance of each capability so tests can seed and inspect them.
type Sandbox struct {
	Parser   *Parser
	Vendors  *VendorDirectory
	ERP      *ERP
	Matcher  *TwoWayMatcher
	Ledger   *KeywordLedger
	Approval *ThresholdPolicy
	Notifier *RecordingNotifier
}

func New(opts Options) *Sandbox {
	return &Sandbox{
		Parser:   &Parser{},
		Vendors:  NewVendorDirectory(),
		ERP:      NewERP(),
		Matcher:  &TwoWayMatcher{Threshold: opts.MatchThreshold, TolerancePct: opts.TwoWayTolerancePct},
		Ledger:   &KeywordLedger{},
		Approval: &ThresholdPolicy{AutoApprovalThreshold: opts.AutoApprovalThreshold},
		Notifier: NewRecordingNotifier(),
	}
}

func (s *Sandbox) Capabilities() apflow.Capabilities {
	return apflow.Capabilities{
		Parser:   s.Parser,
		Vendors:  s.Vendors,
		ERP:      s.ERP,
		Matcher:  s.Matcher,
		Ledger:   s.Ledger,
		Approval: s.Approval,
		Notifier: s.Notifier,
	}
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))

	return hex.EncodeToString(sum[:4])
}
