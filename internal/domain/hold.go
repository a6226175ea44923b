package domain

import "time"

type HoldState string

const (
	HoldStateQueued HoldState = "queued"
	HoldStateReady  HoldState = "ready"
)

// Hold represents a patron waiting for a license. EnqueueSeq is assigned by
// the store in insertion order and is the FIFO tie-break; queue position is
// always derived from it, never stored. A READY hold owns a reserved license
// until its claim deadline passes.
type Hold struct {
	ID         string
	PatronID   string
	PoolID     string
	EnqueueSeq int64
	State      HoldState
	EnqueuedAt time.Time
	// ClaimDeadline is set when the hold transitions to READY.
	ClaimDeadline *time.Time
}

func (h Hold) Ready() bool {
	return h.State == HoldStateReady
}

// Lapsed reports whether a READY hold's claim window has passed unclaimed.
func (h Hold) Lapsed(now time.Time) bool {
	return h.State == HoldStateReady && h.ClaimDeadline != nil && !h.ClaimDeadline.After(now)
}
