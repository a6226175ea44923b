package domain

import "time"

// UnlimitedLicenses marks a pool whose distributor places no concurrency
// bound (open-access titles). Capacity counters are not tracked for such pools.
const UnlimitedLicenses = -1

// LicensePool is the licensing record for one title from one distributor.
// Loan period and claim window are distributor policy and live on the row
// rather than in code.
type LicensePool struct {
	ID                string
	Title             string
	TotalLicenses     int
	AvailableLicenses int
	// MeteredRemaining is the remaining metered-checkout budget; nil means
	// the pool is not metered.
	MeteredRemaining *int
	LoanPeriod       time.Duration
	ClaimWindow      time.Duration
	CreatedAt        time.Time
}

func (p LicensePool) Unlimited() bool {
	return p.TotalLicenses == UnlimitedLicenses
}

func (p LicensePool) Metered() bool {
	return p.MeteredRemaining != nil
}

// CanReserve reports whether one more license can be reserved right now.
// An exhausted metered budget blocks reservation regardless of concurrency.
func (p LicensePool) CanReserve() bool {
	if p.Metered() && *p.MeteredRemaining <= 0 {
		return false
	}
	if p.Unlimited() {
		return true
	}
	return p.AvailableLicenses > 0
}
