package domain

import "time"

type CirculationState string

const (
	StateNone   CirculationState = "none"
	StateQueued CirculationState = "queued"
	StateReady  CirculationState = "ready"
	StateLoaned CirculationState = "loaned"
)

// Status is the expiry-aware projection of one (patron, pool) pair's place in
// the circulation state machine.
type Status struct {
	State CirculationState
	// Position is the 1-based queue position; set only when QUEUED.
	Position int
	// ClaimDeadline is set only when READY.
	ClaimDeadline time.Time
	// LoanExpires is set only when LOANED.
	LoanExpires time.Time
}
