package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dbernstein/circulation/internal/domain"
)

// CirculationRepository backs the admission and sweep services. Per-pool
// atomicity comes from locking the license_pools row (GetPoolForUpdate)
// inside the context-carried transaction; all loan and hold mutations happen
// under that lock.
type CirculationRepository struct {
	pool *pgxpool.Pool
}

func NewCirculationRepository(pool *pgxpool.Pool) *CirculationRepository {
	return &CirculationRepository{pool: pool}
}

func (r *CirculationRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

const poolColumns = `id, title, total_licenses, available_licenses, metered_remaining, loan_period_seconds, claim_window_seconds, created_at`

func (r *CirculationRepository) GetPool(ctx context.Context, poolID string) (domain.LicensePool, error) {
	query := `SELECT ` + poolColumns + ` FROM license_pools WHERE id = $1`
	return r.scanPool(r.queryRow(ctx, query, poolID))
}

func (r *CirculationRepository) GetPoolForUpdate(ctx context.Context, poolID string) (domain.LicensePool, error) {
	query := `SELECT ` + poolColumns + ` FROM license_pools WHERE id = $1 FOR UPDATE`
	return r.scanPool(r.queryRow(ctx, query, poolID))
}

func (r *CirculationRepository) scanPool(row pgx.Row) (domain.LicensePool, error) {
	var (
		p                 domain.LicensePool
		loanSecs, winSecs int64
	)
	err := row.Scan(&p.ID, &p.Title, &p.TotalLicenses, &p.AvailableLicenses, &p.MeteredRemaining, &loanSecs, &winSecs, &p.CreatedAt)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.LicensePool{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.LicensePool{}, domain.ErrPoolNotFound
		}
		return domain.LicensePool{}, fmt.Errorf("get pool: %w", err)
	}
	p.LoanPeriod = time.Duration(loanSecs) * time.Second
	p.ClaimWindow = time.Duration(winSecs) * time.Second
	return p, nil
}

func (r *CirculationRepository) UpdatePoolCounters(ctx context.Context, poolID string, available int, meteredRemaining *int) error {
	const stmt = `UPDATE license_pools SET available_licenses = $2, metered_remaining = $3 WHERE id = $1`
	tag, err := r.exec(ctx, stmt, poolID, available, meteredRemaining)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("update pool counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPoolNotFound
	}
	return nil
}

// CountCommitted counts licenses physically occupied: every loan row plus
// every READY reservation. Expired-but-unswept rows still occupy a license.
func (r *CirculationRepository) CountCommitted(ctx context.Context, poolID string) (int, error) {
	const query = `
SELECT (SELECT COUNT(*) FROM loans WHERE pool_id = $1)
     + (SELECT COUNT(*) FROM holds WHERE pool_id = $1 AND state = 'ready')`

	var committed int
	if err := r.queryRow(ctx, query, poolID).Scan(&committed); err != nil {
		if isInvalidUUID(err) {
			return 0, domain.ErrInvalidID
		}
		return 0, fmt.Errorf("count committed: %w", err)
	}
	return committed, nil
}

const loanColumns = `id, patron_id, pool_id, starts_at, expires_at, fulfilled`

func (r *CirculationRepository) FindLoan(ctx context.Context, patronID, poolID string) (*domain.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE patron_id = $1 AND pool_id = $2`

	var l domain.Loan
	err := r.queryRow(ctx, query, patronID, poolID).
		Scan(&l.ID, &l.PatronID, &l.PoolID, &l.StartsAt, &l.ExpiresAt, &l.Fulfilled)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find loan: %w", err)
	}
	return &l, nil
}

func (r *CirculationRepository) CreateLoan(ctx context.Context, loan domain.Loan) error {
	const stmt = `
INSERT INTO loans (id, patron_id, pool_id, starts_at, expires_at, fulfilled)
VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.exec(ctx, stmt, loan.ID, loan.PatronID, loan.PoolID, loan.StartsAt, loan.ExpiresAt, loan.Fulfilled)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create loan: %w", err)
	}
	return nil
}

func (r *CirculationRepository) DeleteLoan(ctx context.Context, patronID, poolID string) error {
	const stmt = `DELETE FROM loans WHERE patron_id = $1 AND pool_id = $2`
	if _, err := r.exec(ctx, stmt, patronID, poolID); err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("delete loan: %w", err)
	}
	return nil
}

func (r *CirculationRepository) MarkLoanFulfilled(ctx context.Context, loanID string) error {
	const stmt = `UPDATE loans SET fulfilled = TRUE WHERE id = $1`
	tag, err := r.exec(ctx, stmt, loanID)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("mark loan fulfilled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *CirculationRepository) ListExpiredLoans(ctx context.Context, poolID string, now time.Time) ([]domain.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE pool_id = $1 AND expires_at <= $2 ORDER BY expires_at`

	rows, err := r.query(ctx, query, poolID, now)
	if err != nil {
		return nil, fmt.Errorf("list expired loans: %w", err)
	}
	defer rows.Close()

	var loans []domain.Loan
	for rows.Next() {
		var l domain.Loan
		if err := rows.Scan(&l.ID, &l.PatronID, &l.PoolID, &l.StartsAt, &l.ExpiresAt, &l.Fulfilled); err != nil {
			return nil, fmt.Errorf("scan expired loan: %w", err)
		}
		loans = append(loans, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired loans: %w", err)
	}
	return loans, nil
}

const holdColumns = `id, patron_id, pool_id, enqueue_seq, state, enqueued_at, claim_deadline`

func (r *CirculationRepository) FindHold(ctx context.Context, patronID, poolID string) (*domain.Hold, error) {
	query := `SELECT ` + holdColumns + ` FROM holds WHERE patron_id = $1 AND pool_id = $2`

	var h domain.Hold
	err := r.queryRow(ctx, query, patronID, poolID).
		Scan(&h.ID, &h.PatronID, &h.PoolID, &h.EnqueueSeq, &h.State, &h.EnqueuedAt, &h.ClaimDeadline)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find hold: %w", err)
	}
	return &h, nil
}

// CreateHold inserts the hold and returns it with the store-assigned enqueue
// sequence, the FIFO tie-break.
func (r *CirculationRepository) CreateHold(ctx context.Context, hold domain.Hold) (domain.Hold, error) {
	const stmt = `
INSERT INTO holds (id, patron_id, pool_id, state, enqueued_at, claim_deadline)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING enqueue_seq`

	err := r.queryRow(ctx, stmt, hold.ID, hold.PatronID, hold.PoolID, hold.State, hold.EnqueuedAt, hold.ClaimDeadline).
		Scan(&hold.EnqueueSeq)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Hold{}, fmt.Errorf("create hold: duplicate for patron: %w", err)
		}
		if isInvalidUUID(err) {
			return domain.Hold{}, domain.ErrInvalidID
		}
		return domain.Hold{}, fmt.Errorf("create hold: %w", err)
	}
	return hold, nil
}

func (r *CirculationRepository) DeleteHold(ctx context.Context, patronID, poolID string) error {
	const stmt = `DELETE FROM holds WHERE patron_id = $1 AND pool_id = $2`
	if _, err := r.exec(ctx, stmt, patronID, poolID); err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("delete hold: %w", err)
	}
	return nil
}

// HoldPosition is 1-based and counts only QUEUED holds ahead in the same
// pool's queue.
func (r *CirculationRepository) HoldPosition(ctx context.Context, hold domain.Hold) (int, error) {
	const query = `
SELECT COUNT(*) + 1
FROM holds
WHERE pool_id = $1 AND state = 'queued' AND enqueue_seq < $2`

	var pos int
	if err := r.queryRow(ctx, query, hold.PoolID, hold.EnqueueSeq).Scan(&pos); err != nil {
		if isInvalidUUID(err) {
			return 0, domain.ErrInvalidID
		}
		return 0, fmt.Errorf("hold position: %w", err)
	}
	return pos, nil
}

func (r *CirculationRepository) FrontQueuedHold(ctx context.Context, poolID string) (*domain.Hold, error) {
	query := `SELECT ` + holdColumns + ` FROM holds WHERE pool_id = $1 AND state = 'queued' ORDER BY enqueue_seq LIMIT 1`

	var h domain.Hold
	err := r.queryRow(ctx, query, poolID).
		Scan(&h.ID, &h.PatronID, &h.PoolID, &h.EnqueueSeq, &h.State, &h.EnqueuedAt, &h.ClaimDeadline)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("front queued hold: %w", err)
	}
	return &h, nil
}

func (r *CirculationRepository) MarkHoldReady(ctx context.Context, holdID string, deadline time.Time) error {
	const stmt = `UPDATE holds SET state = 'ready', claim_deadline = $2 WHERE id = $1`
	tag, err := r.exec(ctx, stmt, holdID, deadline)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("mark hold ready: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *CirculationRepository) ListLapsedHolds(ctx context.Context, poolID string, now time.Time) ([]domain.Hold, error) {
	query := `SELECT ` + holdColumns + ` FROM holds WHERE pool_id = $1 AND state = 'ready' AND claim_deadline <= $2 ORDER BY enqueue_seq`

	rows, err := r.query(ctx, query, poolID, now)
	if err != nil {
		return nil, fmt.Errorf("list lapsed holds: %w", err)
	}
	defer rows.Close()

	var holds []domain.Hold
	for rows.Next() {
		var h domain.Hold
		if err := rows.Scan(&h.ID, &h.PatronID, &h.PoolID, &h.EnqueueSeq, &h.State, &h.EnqueuedAt, &h.ClaimDeadline); err != nil {
			return nil, fmt.Errorf("scan lapsed hold: %w", err)
		}
		holds = append(holds, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list lapsed holds: %w", err)
	}
	return holds, nil
}

// PoolsNeedingSweep returns the pools with at least one expired loan or one
// lapsed READY hold, so the sweeper only locks rows it will actually change.
func (r *CirculationRepository) PoolsNeedingSweep(ctx context.Context, now time.Time) ([]string, error) {
	const query = `
SELECT pool_id FROM loans WHERE expires_at <= $1
UNION
SELECT pool_id FROM holds WHERE state = 'ready' AND claim_deadline <= $1`

	rows, err := r.query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("pools needing sweep: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pool id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pools needing sweep: %w", err)
	}
	return ids, nil
}

func (r *CirculationRepository) RecordEvent(ctx context.Context, event domain.CirculationEvent) error {
	const stmt = `
INSERT INTO circulation_events (id, pool_id, patron_id, event_type, occurred_at)
VALUES ($1, $2, $3, $4, $5)`

	if _, err := r.exec(ctx, stmt, event.ID, event.PoolID, event.PatronID, event.Type, event.OccurredAt); err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// ListEvents is the read side for analytics collaborators; newest last.
func (r *CirculationRepository) ListEvents(ctx context.Context, poolID string) ([]domain.CirculationEvent, error) {
	const query = `
SELECT id, pool_id, patron_id, event_type, occurred_at
FROM circulation_events
WHERE pool_id = $1
ORDER BY occurred_at, id`

	rows, err := r.query(ctx, query, poolID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.CirculationEvent
	for rows.Next() {
		var e domain.CirculationEvent
		if err := rows.Scan(&e.ID, &e.PoolID, &e.PatronID, &e.Type, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func (r *CirculationRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *CirculationRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func (r *CirculationRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}
