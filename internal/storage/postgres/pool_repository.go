package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dbernstein/circulation/internal/domain"
)

// PoolRepository adds catalog-side pool management on top of the shared
// circulation access methods.
type PoolRepository struct {
	*CirculationRepository
}

func NewPoolRepository(pool *pgxpool.Pool) *PoolRepository {
	return &PoolRepository{CirculationRepository: NewCirculationRepository(pool)}
}

func (r *PoolRepository) CreatePool(ctx context.Context, p domain.LicensePool) error {
	const stmt = `
INSERT INTO license_pools (id, title, total_licenses, available_licenses, metered_remaining, loan_period_seconds, claim_window_seconds, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.exec(ctx, stmt,
		p.ID,
		p.Title,
		p.TotalLicenses,
		p.AvailableLicenses,
		p.MeteredRemaining,
		int64(p.LoanPeriod.Seconds()),
		int64(p.ClaimWindow.Seconds()),
		p.CreatedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create pool: %w", err)
	}
	return nil
}

func (r *PoolRepository) UpdatePoolLicenses(ctx context.Context, poolID string, total, available int, meteredRemaining *int) error {
	const stmt = `
UPDATE license_pools
SET total_licenses = $2, available_licenses = $3, metered_remaining = $4
WHERE id = $1`

	tag, err := r.exec(ctx, stmt, poolID, total, available, meteredRemaining)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("update pool licenses: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPoolNotFound
	}
	return nil
}

func (r *PoolRepository) ListPools(ctx context.Context) ([]domain.LicensePool, error) {
	query := `SELECT ` + poolColumns + ` FROM license_pools ORDER BY created_at, id`

	rows, err := r.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var pools []domain.LicensePool
	for rows.Next() {
		p, err := r.scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	return pools, nil
}
