package domain

import "time"

// Loan represents one patron's active borrow of one license. A patron holds
// at most one loan per pool.
type Loan struct {
	ID        string
	PatronID  string
	PoolID    string
	StartsAt  time.Time
	ExpiresAt time.Time
	Fulfilled bool
}

func (l Loan) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
