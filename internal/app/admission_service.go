package app

import (
	"context"
	"time"

	"github.com/dbernstein/circulation/internal/clock"
	"github.com/dbernstein/circulation/internal/domain"
)

type AdmissionRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetPool(ctx context.Context, poolID string) (domain.LicensePool, error)
	GetPoolForUpdate(ctx context.Context, poolID string) (domain.LicensePool, error)
	UpdatePoolCounters(ctx context.Context, poolID string, available int, meteredRemaining *int) error
	CountCommitted(ctx context.Context, poolID string) (int, error)

	FindLoan(ctx context.Context, patronID, poolID string) (*domain.Loan, error)
	CreateLoan(ctx context.Context, loan domain.Loan) error
	DeleteLoan(ctx context.Context, patronID, poolID string) error
	MarkLoanFulfilled(ctx context.Context, loanID string) error

	FindHold(ctx context.Context, patronID, poolID string) (*domain.Hold, error)
	CreateHold(ctx context.Context, hold domain.Hold) (domain.Hold, error)
	DeleteHold(ctx context.Context, patronID, poolID string) error
	HoldPosition(ctx context.Context, hold domain.Hold) (int, error)
	FrontQueuedHold(ctx context.Context, poolID string) (*domain.Hold, error)
	MarkHoldReady(ctx context.Context, holdID string, deadline time.Time) error

	RecordEvent(ctx context.Context, event domain.CirculationEvent) error
}

// AdmissionService is the single mutation path for circulation state. Every
// operation runs inside one transaction that locks the pool row first, so the
// (pool counters, loan ledger, hold queue) triple changes as one atomic unit.
type AdmissionService struct {
	repo  AdmissionRepository
	clock clock.Clock
}

func NewAdmissionService(repo AdmissionRepository, clk clock.Clock) *AdmissionService {
	return &AdmissionService{
		repo:  repo,
		clock: clk,
	}
}

// CheckoutResult reports a definitive outcome: either Loan is set (granted)
// or Hold is set (queued at Position). Already marks idempotent repeats.
type CheckoutResult struct {
	Loan     *domain.Loan
	Hold     *domain.Hold
	Position int
	Already  bool
}

func (r CheckoutResult) Granted() bool {
	return r.Loan != nil
}

func (s *AdmissionService) Checkout(ctx context.Context, patronID, poolID string) (CheckoutResult, error) {
	if patronID == "" {
		return CheckoutResult{}, domain.ErrPatronRequired
	}
	if poolID == "" {
		return CheckoutResult{}, domain.ErrInvalidID
	}

	now := s.clock.Now()
	var result CheckoutResult

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		pool, err := s.repo.GetPoolForUpdate(txCtx, poolID)
		if err != nil {
			return err
		}

		loan, err := s.repo.FindLoan(txCtx, patronID, poolID)
		if err != nil {
			return err
		}
		if loan != nil {
			if !loan.Expired(now) {
				result = CheckoutResult{Loan: loan, Already: true}
				return nil
			}
			// The sweeper has not caught this one yet; retire it in place.
			if err := s.expireLoanLocked(txCtx, &pool, *loan, now); err != nil {
				return err
			}
		}

		hold, err := s.repo.FindHold(txCtx, patronID, poolID)
		if err != nil {
			return err
		}
		if hold != nil {
			switch {
			case hold.Ready() && !hold.Lapsed(now):
				created, err := s.claimReadyHoldLocked(txCtx, pool, *hold, now)
				if err != nil {
					return err
				}
				result = CheckoutResult{Loan: &created}
				return s.repo.UpdatePoolCounters(txCtx, pool.ID, pool.AvailableLicenses, pool.MeteredRemaining)
			case hold.Ready():
				if err := s.lapseHoldLocked(txCtx, &pool, *hold, now); err != nil {
					return err
				}
				// Fall through to a fresh attempt; the freed license may
				// already have gone to the next patron in line.
			default:
				pos, err := s.repo.HoldPosition(txCtx, *hold)
				if err != nil {
					return err
				}
				result = CheckoutResult{Hold: hold, Position: pos, Already: true}
				// An expired loan may have been retired above; persist.
				return s.repo.UpdatePoolCounters(txCtx, pool.ID, pool.AvailableLicenses, pool.MeteredRemaining)
			}
		}

		if pool.CanReserve() {
			reserve(&pool)
			created := domain.Loan{
				ID:        newID(),
				PatronID:  patronID,
				PoolID:    pool.ID,
				StartsAt:  now,
				ExpiresAt: now.Add(pool.LoanPeriod),
			}
			if err := s.repo.CreateLoan(txCtx, created); err != nil {
				return err
			}
			if err := recordEvent(txCtx, s.repo, pool.ID, patronID, domain.EventCheckout, now); err != nil {
				return err
			}
			result = CheckoutResult{Loan: &created}
		} else {
			queued, pos, err := s.enqueueLocked(txCtx, pool, patronID, now)
			if err != nil {
				return err
			}
			result = CheckoutResult{Hold: &queued, Position: pos}
		}
		return s.repo.UpdatePoolCounters(txCtx, pool.ID, pool.AvailableLicenses, pool.MeteredRemaining)
	})
	if err != nil {
		return CheckoutResult{}, err
	}
	return result, nil
}

// Return removes the patron's loan if present and hands the freed license to
// the front of the queue. Returning with no active loan is a no-op.
func (s *AdmissionService) Return(ctx context.Context, patronID, poolID string) error {
	if patronID == "" {
		return domain.ErrPatronRequired
	}
	if poolID == "" {
		return domain.ErrInvalidID
	}

	now := s.clock.Now()

	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		pool, err := s.repo.GetPoolForUpdate(txCtx, poolID)
		if err != nil {
			return err
		}
		loan, err := s.repo.FindLoan(txCtx, patronID, poolID)
		if err != nil {
			return err
		}
		if loan == nil {
			return nil
		}
		if err := s.repo.DeleteLoan(txCtx, patronID, poolID); err != nil {
			return err
		}
		if err := releaseAvailability(txCtx, s.repo, &pool); err != nil {
			return err
		}
		if err := recordEvent(txCtx, s.repo, pool.ID, patronID, domain.EventCheckin, now); err != nil {
			return err
		}
		if _, err := promoteLocked(txCtx, s.repo, &pool, now); err != nil {
			return err
		}
		return s.repo.UpdatePoolCounters(txCtx, pool.ID, pool.AvailableLicenses, pool.MeteredRemaining)
	})
}

// HoldResult reports the outcome of PlaceHold: Loan set means the patron
// already has the title on loan; otherwise Hold is set, queued or ready.
type HoldResult struct {
	Loan     *domain.Loan
	Hold     *domain.Hold
	Position int
	Already  bool
}

func (r HoldResult) AlreadyLoaned() bool {
	return r.Loan != nil
}

// PlaceHold queues the patron for the pool. When a license is free the hold
// is created READY with the license reserved, which is just promotion run at
// enqueue time.
func (s *AdmissionService) PlaceHold(ctx context.Context, patronID, poolID string) (HoldResult, error) {
	if patronID == "" {
		return HoldResult{}, domain.ErrPatronRequired
	}
	if poolID == "" {
		return HoldResult{}, domain.ErrInvalidID
	}

	now := s.clock.Now()
	var result HoldResult

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		pool, err := s.repo.GetPoolForUpdate(txCtx, poolID)
		if err != nil {
			return err
		}

		loan, err := s.repo.FindLoan(txCtx, patronID, poolID)
		if err != nil {
			return err
		}
		if loan != nil && !loan.Expired(now) {
			result = HoldResult{Loan: loan, Already: true}
			return nil
		}

		hold, err := s.repo.FindHold(txCtx, patronID, poolID)
		if err != nil {
			return err
		}
		if hold != nil {
			result = HoldResult{Hold: hold, Already: true}
			if !hold.Ready() {
				pos, err := s.repo.HoldPosition(txCtx, *hold)
				if err != nil {
					return err
				}
				result.Position = pos
			}
			return nil
		}

		if pool.CanReserve() {
			reserve(&pool)
			deadline := now.Add(pool.ClaimWindow)
			ready, err := s.repo.CreateHold(txCtx, domain.Hold{
				ID:            newID(),
				PatronID:      patronID,
				PoolID:        pool.ID,
				State:         domain.HoldStateReady,
				EnqueuedAt:    now,
				ClaimDeadline: &deadline,
			})
			if err != nil {
				return err
			}
			if err := recordEvent(txCtx, s.repo, pool.ID, patronID, domain.EventHoldPlace, now); err != nil {
				return err
			}
			if err := recordEvent(txCtx, s.repo, pool.ID, patronID, domain.EventHoldReady, now); err != nil {
				return err
			}
			result = HoldResult{Hold: &ready}
		} else {
			queued, pos, err := s.enqueueLocked(txCtx, pool, patronID, now)
			if err != nil {
				return err
			}
			result = HoldResult{Hold: &queued, Position: pos}
		}
		return s.repo.UpdatePoolCounters(txCtx, pool.ID, pool.AvailableLicenses, pool.MeteredRemaining)
	})
	if err != nil {
		return HoldResult{}, err
	}
	return result, nil
}

// CancelHold removes the patron's hold. Cancelling a READY hold releases its
// reserved license and re-runs promotion for the pool.
func (s *AdmissionService) CancelHold(ctx context.Context, patronID, poolID string) error {
	if patronID == "" {
		return domain.ErrPatronRequired
	}
	if poolID == "" {
		return domain.ErrInvalidID
	}

	now := s.clock.Now()

	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		pool, err := s.repo.GetPoolForUpdate(txCtx, poolID)
		if err != nil {
			return err
		}
		hold, err := s.repo.FindHold(txCtx, patronID, poolID)
		if err != nil {
			return err
		}
		if hold == nil {
			return domain.ErrNotFound
		}
		if err := s.repo.DeleteHold(txCtx, patronID, poolID); err != nil {
			return err
		}
		if hold.Ready() {
			refundMetered(&pool)
			if err := releaseAvailability(txCtx, s.repo, &pool); err != nil {
				return err
			}
		}
		if err := recordEvent(txCtx, s.repo, pool.ID, patronID, domain.EventHoldCancel, now); err != nil {
			return err
		}
		if hold.Ready() {
			if _, err := promoteLocked(txCtx, s.repo, &pool, now); err != nil {
				return err
			}
		}
		return s.repo.UpdatePoolCounters(txCtx, pool.ID, pool.AvailableLicenses, pool.MeteredRemaining)
	})
}

// Fulfill marks the patron's active loan as fulfilled (content delivered).
// A hold instead of a loan means the patron is claiming too early.
func (s *AdmissionService) Fulfill(ctx context.Context, patronID, poolID string) (domain.Loan, error) {
	if patronID == "" {
		return domain.Loan{}, domain.ErrPatronRequired
	}
	if poolID == "" {
		return domain.Loan{}, domain.ErrInvalidID
	}

	now := s.clock.Now()
	var result domain.Loan

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		pool, err := s.repo.GetPoolForUpdate(txCtx, poolID)
		if err != nil {
			return err
		}
		loan, err := s.repo.FindLoan(txCtx, patronID, poolID)
		if err != nil {
			return err
		}
		if loan == nil || loan.Expired(now) {
			hold, err := s.repo.FindHold(txCtx, patronID, poolID)
			if err != nil {
				return err
			}
			if hold != nil {
				return domain.ErrNotReady
			}
			return domain.ErrNotFound
		}
		if !loan.Fulfilled {
			if err := s.repo.MarkLoanFulfilled(txCtx, loan.ID); err != nil {
				return err
			}
			if err := recordEvent(txCtx, s.repo, pool.ID, patronID, domain.EventFulfill, now); err != nil {
				return err
			}
			loan.Fulfilled = true
		}
		result = *loan
		return nil
	})
	if err != nil {
		return domain.Loan{}, err
	}
	return result, nil
}

// Status projects the (patron, pool) pair onto the circulation state machine
// without mutating anything; expiry is applied at read time even if the
// sweeper has not run yet.
func (s *AdmissionService) Status(ctx context.Context, patronID, poolID string) (domain.Status, error) {
	if patronID == "" {
		return domain.Status{}, domain.ErrPatronRequired
	}
	if poolID == "" {
		return domain.Status{}, domain.ErrInvalidID
	}

	now := s.clock.Now()

	if _, err := s.repo.GetPool(ctx, poolID); err != nil {
		return domain.Status{}, err
	}

	loan, err := s.repo.FindLoan(ctx, patronID, poolID)
	if err != nil {
		return domain.Status{}, err
	}
	if loan != nil && !loan.Expired(now) {
		return domain.Status{State: domain.StateLoaned, LoanExpires: loan.ExpiresAt}, nil
	}

	hold, err := s.repo.FindHold(ctx, patronID, poolID)
	if err != nil {
		return domain.Status{}, err
	}
	if hold != nil {
		if hold.Ready() {
			if hold.Lapsed(now) {
				return domain.Status{State: domain.StateNone}, nil
			}
			return domain.Status{State: domain.StateReady, ClaimDeadline: *hold.ClaimDeadline}, nil
		}
		pos, err := s.repo.HoldPosition(ctx, *hold)
		if err != nil {
			return domain.Status{}, err
		}
		return domain.Status{State: domain.StateQueued, Position: pos}, nil
	}

	return domain.Status{State: domain.StateNone}, nil
}

// claimReadyHoldLocked converts a READY hold into a loan. The license was
// reserved when the hold was promoted, so counters do not move again.
func (s *AdmissionService) claimReadyHoldLocked(ctx context.Context, pool domain.LicensePool, hold domain.Hold, now time.Time) (domain.Loan, error) {
	if err := s.repo.DeleteHold(ctx, hold.PatronID, hold.PoolID); err != nil {
		return domain.Loan{}, err
	}
	loan := domain.Loan{
		ID:        newID(),
		PatronID:  hold.PatronID,
		PoolID:    hold.PoolID,
		StartsAt:  now,
		ExpiresAt: now.Add(pool.LoanPeriod),
	}
	if err := s.repo.CreateLoan(ctx, loan); err != nil {
		return domain.Loan{}, err
	}
	if err := recordEvent(ctx, s.repo, pool.ID, hold.PatronID, domain.EventCheckout, now); err != nil {
		return domain.Loan{}, err
	}
	return loan, nil
}

func (s *AdmissionService) enqueueLocked(ctx context.Context, pool domain.LicensePool, patronID string, now time.Time) (domain.Hold, int, error) {
	queued, err := s.repo.CreateHold(ctx, domain.Hold{
		ID:         newID(),
		PatronID:   patronID,
		PoolID:     pool.ID,
		State:      domain.HoldStateQueued,
		EnqueuedAt: now,
	})
	if err != nil {
		return domain.Hold{}, 0, err
	}
	pos, err := s.repo.HoldPosition(ctx, queued)
	if err != nil {
		return domain.Hold{}, 0, err
	}
	if err := recordEvent(ctx, s.repo, pool.ID, patronID, domain.EventHoldPlace, now); err != nil {
		return domain.Hold{}, 0, err
	}
	return queued, pos, nil
}

func (s *AdmissionService) expireLoanLocked(ctx context.Context, pool *domain.LicensePool, loan domain.Loan, now time.Time) error {
	if err := s.repo.DeleteLoan(ctx, loan.PatronID, loan.PoolID); err != nil {
		return err
	}
	if err := releaseAvailability(ctx, s.repo, pool); err != nil {
		return err
	}
	if err := recordEvent(ctx, s.repo, pool.ID, loan.PatronID, domain.EventLoanExpire, now); err != nil {
		return err
	}
	_, err := promoteLocked(ctx, s.repo, pool, now)
	return err
}

func (s *AdmissionService) lapseHoldLocked(ctx context.Context, pool *domain.LicensePool, hold domain.Hold, now time.Time) error {
	if err := s.repo.DeleteHold(ctx, hold.PatronID, hold.PoolID); err != nil {
		return err
	}
	refundMetered(pool)
	if err := releaseAvailability(ctx, s.repo, pool); err != nil {
		return err
	}
	if err := recordEvent(ctx, s.repo, pool.ID, hold.PatronID, domain.EventHoldLapse, now); err != nil {
		return err
	}
	_, err := promoteLocked(ctx, s.repo, pool, now)
	return err
}

// poolMutator is the slice of repository behavior the shared locked
// transitions need; every service repository satisfies it.
type poolMutator interface {
	CountCommitted(ctx context.Context, poolID string) (int, error)
	FrontQueuedHold(ctx context.Context, poolID string) (*domain.Hold, error)
	MarkHoldReady(ctx context.Context, holdID string, deadline time.Time) error
	RecordEvent(ctx context.Context, event domain.CirculationEvent) error
}

// promoteLocked hands freed licenses to the queue front, FIFO, marking holds
// READY with a claim deadline. A promotion is itself a reserve, so it can
// never hand the same license out twice. Every caller runs it under the pool
// row lock; there is no other mutation path.
func promoteLocked(ctx context.Context, repo poolMutator, pool *domain.LicensePool, now time.Time) (int, error) {
	promoted := 0
	for pool.CanReserve() {
		front, err := repo.FrontQueuedHold(ctx, pool.ID)
		if err != nil {
			return promoted, err
		}
		if front == nil {
			break
		}
		reserve(pool)
		deadline := now.Add(pool.ClaimWindow)
		if err := repo.MarkHoldReady(ctx, front.ID, deadline); err != nil {
			return promoted, err
		}
		if err := recordEvent(ctx, repo, pool.ID, front.PatronID, domain.EventHoldReady, now); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// releaseAvailability recomputes the free-license counter from committed
// occupancy (loans plus READY reservations) so an over-committed pool drains
// back into bounds instead of minting licenses on release.
func releaseAvailability(ctx context.Context, repo poolMutator, pool *domain.LicensePool) error {
	if pool.Unlimited() {
		return nil
	}
	committed, err := repo.CountCommitted(ctx, pool.ID)
	if err != nil {
		return err
	}
	available := pool.TotalLicenses - committed
	if available < 0 {
		available = 0
	}
	pool.AvailableLicenses = available
	return nil
}

func recordEvent(ctx context.Context, repo poolMutator, poolID, patronID string, typ domain.EventType, now time.Time) error {
	return repo.RecordEvent(ctx, domain.CirculationEvent{
		ID:         newID(),
		PoolID:     poolID,
		PatronID:   patronID,
		Type:       typ,
		OccurredAt: now,
	})
}

// reserve consumes one license in memory; callers persist via
// UpdatePoolCounters before the transaction commits. Metered budget is
// consumed here too, and refunded only if the reservation lapses unclaimed.
func reserve(p *domain.LicensePool) {
	if !p.Unlimited() {
		p.AvailableLicenses--
	}
	if p.Metered() {
		m := *p.MeteredRemaining - 1
		p.MeteredRemaining = &m
	}
}

func refundMetered(p *domain.LicensePool) {
	if p.Metered() {
		m := *p.MeteredRemaining + 1
		p.MeteredRemaining = &m
	}
}
