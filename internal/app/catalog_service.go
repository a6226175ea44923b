package app

import (
	"context"
	"time"

	"github.com/dbernstein/circulation/internal/clock"
	"github.com/dbernstein/circulation/internal/domain"
)

type CatalogRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreatePool(ctx context.Context, pool domain.LicensePool) error
	GetPool(ctx context.Context, poolID string) (domain.LicensePool, error)
	GetPoolForUpdate(ctx context.Context, poolID string) (domain.LicensePool, error)
	UpdatePoolLicenses(ctx context.Context, poolID string, total, available int, meteredRemaining *int) error
	ListPools(ctx context.Context) ([]domain.LicensePool, error)
	CountCommitted(ctx context.Context, poolID string) (int, error)
	FrontQueuedHold(ctx context.Context, poolID string) (*domain.Hold, error)
	MarkHoldReady(ctx context.Context, holdID string, deadline time.Time) error
	RecordEvent(ctx context.Context, event domain.CirculationEvent) error
}

// CatalogService manages license pool records on behalf of distributor
// integrations: registration when a title is acquired, refresh when the
// distributor reports changed terms.
type CatalogService struct {
	repo  CatalogRepository
	clock clock.Clock
}

func NewCatalogService(repo CatalogRepository, clk clock.Clock) *CatalogService {
	return &CatalogService{
		repo:  repo,
		clock: clk,
	}
}

const (
	defaultLoanPeriod  = 21 * 24 * time.Hour
	defaultClaimWindow = 72 * time.Hour
)

type RegisterPoolInput struct {
	Title         string
	TotalLicenses int
	// MeteredBudget, when non-nil, caps total checkouts for the pool's life.
	MeteredBudget *int
	// LoanPeriod and ClaimWindow are distributor policy; zero means the
	// library-wide defaults.
	LoanPeriod  time.Duration
	ClaimWindow time.Duration
}

func (s *CatalogService) RegisterPool(ctx context.Context, in RegisterPoolInput) (domain.LicensePool, error) {
	if in.Title == "" {
		return domain.LicensePool{}, domain.ErrTitleRequired
	}
	if in.TotalLicenses <= 0 && in.TotalLicenses != domain.UnlimitedLicenses {
		return domain.LicensePool{}, domain.ErrInvalidCapacity
	}
	if in.MeteredBudget != nil && *in.MeteredBudget < 0 {
		return domain.LicensePool{}, domain.ErrInvalidCapacity
	}
	if in.LoanPeriod < 0 || in.ClaimWindow < 0 {
		return domain.LicensePool{}, domain.ErrInvalidPeriod
	}

	loanPeriod := in.LoanPeriod
	if loanPeriod == 0 {
		loanPeriod = defaultLoanPeriod
	}
	claimWindow := in.ClaimWindow
	if claimWindow == 0 {
		claimWindow = defaultClaimWindow
	}

	available := in.TotalLicenses
	if in.TotalLicenses == domain.UnlimitedLicenses {
		available = 0
	}

	pool := domain.LicensePool{
		ID:                newID(),
		Title:             in.Title,
		TotalLicenses:     in.TotalLicenses,
		AvailableLicenses: available,
		MeteredRemaining:  in.MeteredBudget,
		LoanPeriod:        loanPeriod,
		ClaimWindow:       claimWindow,
		CreatedAt:         s.clock.Now(),
	}

	if err := s.repo.CreatePool(ctx, pool); err != nil {
		return domain.LicensePool{}, err
	}
	return pool, nil
}

type RefreshPoolInput struct {
	PoolID        string
	TotalLicenses int
	// MeteredRemaining, when non-nil, replaces the remaining metered budget
	// with the distributor-reported value.
	MeteredRemaining *int
}

// RefreshPool applies a distributor-reported change of terms. Shrinking the
// total below current occupancy never evicts loans: availability clamps to
// zero and the pool stays over-committed until natural expiry drains it.
func (s *CatalogService) RefreshPool(ctx context.Context, in RefreshPoolInput) (domain.LicensePool, error) {
	if in.PoolID == "" {
		return domain.LicensePool{}, domain.ErrInvalidID
	}
	if in.TotalLicenses <= 0 && in.TotalLicenses != domain.UnlimitedLicenses {
		return domain.LicensePool{}, domain.ErrInvalidCapacity
	}

	now := s.clock.Now()
	var result domain.LicensePool

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		pool, err := s.repo.GetPoolForUpdate(txCtx, in.PoolID)
		if err != nil {
			return err
		}

		pool.TotalLicenses = in.TotalLicenses
		if in.MeteredRemaining != nil {
			m := *in.MeteredRemaining
			pool.MeteredRemaining = &m
		}

		if pool.Unlimited() {
			pool.AvailableLicenses = 0
		} else {
			committed, err := s.repo.CountCommitted(txCtx, in.PoolID)
			if err != nil {
				return err
			}
			available := pool.TotalLicenses - committed
			if available < 0 {
				available = 0
			}
			pool.AvailableLicenses = available
		}

		// Added capacity goes to the queue the same way a return would.
		if _, err := promoteLocked(txCtx, s.repo, &pool, now); err != nil {
			return err
		}

		if err := s.repo.UpdatePoolLicenses(txCtx, pool.ID, pool.TotalLicenses, pool.AvailableLicenses, pool.MeteredRemaining); err != nil {
			return err
		}
		if err := s.repo.RecordEvent(txCtx, domain.CirculationEvent{
			ID:         newID(),
			PoolID:     pool.ID,
			Type:       domain.EventPoolRefresh,
			OccurredAt: now,
		}); err != nil {
			return err
		}
		result = pool
		return nil
	})
	if err != nil {
		return domain.LicensePool{}, err
	}
	return result, nil
}

func (s *CatalogService) GetPool(ctx context.Context, poolID string) (domain.LicensePool, error) {
	if poolID == "" {
		return domain.LicensePool{}, domain.ErrInvalidID
	}
	return s.repo.GetPool(ctx, poolID)
}

func (s *CatalogService) ListPools(ctx context.Context) ([]domain.LicensePool, error) {
	return s.repo.ListPools(ctx)
}
