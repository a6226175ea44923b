package domain

import "time"

type EventType string

const (
	EventCheckout    EventType = "checkout"
	EventCheckin     EventType = "checkin"
	EventHoldPlace   EventType = "hold_place"
	EventHoldCancel  EventType = "hold_cancel"
	EventHoldReady   EventType = "hold_ready"
	EventHoldLapse   EventType = "hold_lapse"
	EventLoanExpire  EventType = "loan_expire"
	EventFulfill     EventType = "fulfill"
	EventPoolRefresh EventType = "pool_refresh"
)

// CirculationEvent is an append-only record of a state change, written in the
// same transaction as the change itself. PatronID is empty for pool-level
// events such as a distributor refresh.
type CirculationEvent struct {
	ID         string
	PoolID     string
	PatronID   string
	Type       EventType
	OccurredAt time.Time
}
