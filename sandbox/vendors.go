package sandbox

import (
	"context"
	"strings"
	"sync"

	"github.com/rom8726/apflow"
)

var _ apflow.VendorService = (*VendorDirectory)(nil)

const defaultRiskScore = 0.15

// VendorDirectory normalizes vendor names and attaches registered risk profiles.
type VendorDirectory struct {
	mu       sync.RWMutex
	profiles map[string]apflow.VendorProfile
}

func NewVendorDirectory() *VendorDirectory {
	return &VendorDirectory{profiles: make(map[string]apflow.VendorProfile)}
}

// Register stores profile under its normalized name.
func (d *VendorDirectory) Register(profile apflow.VendorProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := normalizeVendor(profile.OriginalName)
	if profile.NormalizedName != "" {
		key = profile.NormalizedName
	}
	d.profiles[key] = profile
}

func (d *VendorDirectory) Prepare(_ context.Context, invoice apflow.ParsedInvoice) (*apflow.VendorProfile, error) {
	normalized := normalizeVendor(invoice.VendorName)
	profile := apflow.VendorProfile{
		OriginalName:   invoice.VendorName,
		NormalizedName: normalized,
		TaxID:          strings.ToUpper(strings.TrimSpace(invoice.VendorTaxID)),
		RiskScore:      defaultRiskScore,
		Flags: map[string]any{
			"high_risk":  false,
			"new_vendor": false,
		},
	}

	d.mu.RLock()
	known, ok := d.profiles[normalized]
	d.mu.RUnlock()
	if ok {
		profile.RiskScore = known.RiskScore
		for name, value := range known.Flags {
			profile.Flags[name] = value
		}
		if known.TaxID != "" {
			profile.TaxID = known.TaxID
		}
	}

	return &profile, nil
}

func normalizeVendor(name string) string {
	return strings.Join(strings.Fields(strings.ToUpper(name)), " ")
}
