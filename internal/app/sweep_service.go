package app

import (
	"context"
	"errors"
	"time"

	"github.com/dbernstein/circulation/internal/clock"
	"github.com/dbernstein/circulation/internal/domain"
)

type SweepRepository interface {
	AdmissionRepository
	PoolsNeedingSweep(ctx context.Context, now time.Time) ([]string, error)
	ListExpiredLoans(ctx context.Context, poolID string, now time.Time) ([]domain.Loan, error)
	ListLapsedHolds(ctx context.Context, poolID string, now time.Time) ([]domain.Hold, error)
}

// SweepService reaps expired loans and lapsed READY holds, then re-runs
// promotion. Each pool is swept in its own transaction through the same
// lock-the-pool-row primitive live requests use, so sweeping is safe to run
// concurrently with them.
type SweepService struct {
	repo  SweepRepository
	clock clock.Clock
}

func NewSweepService(repo SweepRepository, clk clock.Clock) *SweepService {
	return &SweepService{
		repo:  repo,
		clock: clk,
	}
}

// Sweep returns the number of state changes applied (expirations, lapses and
// promotions). A failing pool does not stop the sweep of the others.
func (s *SweepService) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()

	poolIDs, err := s.repo.PoolsNeedingSweep(ctx, now)
	if err != nil {
		return 0, err
	}

	changes := 0
	var errs []error
	for _, poolID := range poolIDs {
		n, err := s.sweepPool(ctx, poolID, now)
		changes += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return changes, errors.Join(errs...)
}

func (s *SweepService) sweepPool(ctx context.Context, poolID string, now time.Time) (int, error) {
	changes := 0
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		pool, err := s.repo.GetPoolForUpdate(txCtx, poolID)
		if err != nil {
			return err
		}

		expired, err := s.repo.ListExpiredLoans(txCtx, poolID, now)
		if err != nil {
			return err
		}
		for _, loan := range expired {
			if err := s.repo.DeleteLoan(txCtx, loan.PatronID, loan.PoolID); err != nil {
				return err
			}
			if err := recordEvent(txCtx, s.repo, pool.ID, loan.PatronID, domain.EventLoanExpire, now); err != nil {
				return err
			}
			changes++
		}

		lapsed, err := s.repo.ListLapsedHolds(txCtx, poolID, now)
		if err != nil {
			return err
		}
		for _, hold := range lapsed {
			if err := s.repo.DeleteHold(txCtx, hold.PatronID, hold.PoolID); err != nil {
				return err
			}
			refundMetered(&pool)
			if err := recordEvent(txCtx, s.repo, pool.ID, hold.PatronID, domain.EventHoldLapse, now); err != nil {
				return err
			}
			changes++
		}

		if len(expired) > 0 || len(lapsed) > 0 {
			if err := releaseAvailability(txCtx, s.repo, &pool); err != nil {
				return err
			}
		}

		promoted, err := promoteLocked(txCtx, s.repo, &pool, now)
		changes += promoted
		if err != nil {
			return err
		}
		return s.repo.UpdatePoolCounters(txCtx, pool.ID, pool.AvailableLicenses, pool.MeteredRemaining)
	})
	if err != nil {
		return 0, err
	}
	return changes, nil
}
