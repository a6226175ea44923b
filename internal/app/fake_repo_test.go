package app

import (
	"context"
	"sort"
	"time"

	"github.com/dbernstein/circulation/internal/domain"
)

// fakeRepo is an in-memory stand-in for the Postgres repositories, shared by
// the service tests. It implements AdmissionRepository, SweepRepository and
// CatalogRepository.
type fakeRepo struct {
	pools   map[string]domain.LicensePool
	loans   []domain.Loan
	holds   []domain.Hold
	events  []domain.CirculationEvent
	nextSeq int64
}

func newFakeRepo(pools ...domain.LicensePool) *fakeRepo {
	f := &fakeRepo{pools: make(map[string]domain.LicensePool)}
	for _, p := range pools {
		f.pools[p.ID] = p
	}
	return f
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeRepo) GetPool(_ context.Context, poolID string) (domain.LicensePool, error) {
	p, ok := f.pools[poolID]
	if !ok {
		return domain.LicensePool{}, domain.ErrPoolNotFound
	}
	return p, nil
}

func (f *fakeRepo) GetPoolForUpdate(ctx context.Context, poolID string) (domain.LicensePool, error) {
	return f.GetPool(ctx, poolID)
}

func (f *fakeRepo) UpdatePoolCounters(_ context.Context, poolID string, available int, meteredRemaining *int) error {
	p, ok := f.pools[poolID]
	if !ok {
		return domain.ErrPoolNotFound
	}
	p.AvailableLicenses = available
	p.MeteredRemaining = copyInt(meteredRemaining)
	f.pools[poolID] = p
	return nil
}

func (f *fakeRepo) CountCommitted(_ context.Context, poolID string) (int, error) {
	committed := 0
	for _, l := range f.loans {
		if l.PoolID == poolID {
			committed++
		}
	}
	for _, h := range f.holds {
		if h.PoolID == poolID && h.State == domain.HoldStateReady {
			committed++
		}
	}
	return committed, nil
}

func (f *fakeRepo) FindLoan(_ context.Context, patronID, poolID string) (*domain.Loan, error) {
	for i := range f.loans {
		if f.loans[i].PatronID == patronID && f.loans[i].PoolID == poolID {
			l := f.loans[i]
			return &l, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) CreateLoan(_ context.Context, loan domain.Loan) error {
	f.loans = append(f.loans, loan)
	return nil
}

func (f *fakeRepo) DeleteLoan(_ context.Context, patronID, poolID string) error {
	kept := f.loans[:0]
	for _, l := range f.loans {
		if l.PatronID == patronID && l.PoolID == poolID {
			continue
		}
		kept = append(kept, l)
	}
	f.loans = kept
	return nil
}

func (f *fakeRepo) MarkLoanFulfilled(_ context.Context, loanID string) error {
	for i := range f.loans {
		if f.loans[i].ID == loanID {
			f.loans[i].Fulfilled = true
			return nil
		}
	}
	return domain.ErrNotFound
}

func (f *fakeRepo) ListExpiredLoans(_ context.Context, poolID string, now time.Time) ([]domain.Loan, error) {
	var out []domain.Loan
	for _, l := range f.loans {
		if l.PoolID == poolID && l.Expired(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeRepo) FindHold(_ context.Context, patronID, poolID string) (*domain.Hold, error) {
	for i := range f.holds {
		if f.holds[i].PatronID == patronID && f.holds[i].PoolID == poolID {
			h := f.holds[i]
			return &h, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) CreateHold(_ context.Context, hold domain.Hold) (domain.Hold, error) {
	f.nextSeq++
	hold.EnqueueSeq = f.nextSeq
	f.holds = append(f.holds, hold)
	return hold, nil
}

func (f *fakeRepo) DeleteHold(_ context.Context, patronID, poolID string) error {
	kept := f.holds[:0]
	for _, h := range f.holds {
		if h.PatronID == patronID && h.PoolID == poolID {
			continue
		}
		kept = append(kept, h)
	}
	f.holds = kept
	return nil
}

func (f *fakeRepo) HoldPosition(_ context.Context, hold domain.Hold) (int, error) {
	pos := 1
	for _, h := range f.holds {
		if h.PoolID == hold.PoolID && h.State == domain.HoldStateQueued && h.EnqueueSeq < hold.EnqueueSeq {
			pos++
		}
	}
	return pos, nil
}

func (f *fakeRepo) FrontQueuedHold(_ context.Context, poolID string) (*domain.Hold, error) {
	var front *domain.Hold
	for i := range f.holds {
		h := f.holds[i]
		if h.PoolID != poolID || h.State != domain.HoldStateQueued {
			continue
		}
		if front == nil || h.EnqueueSeq < front.EnqueueSeq {
			copied := h
			front = &copied
		}
	}
	return front, nil
}

func (f *fakeRepo) MarkHoldReady(_ context.Context, holdID string, deadline time.Time) error {
	for i := range f.holds {
		if f.holds[i].ID == holdID {
			d := deadline
			f.holds[i].State = domain.HoldStateReady
			f.holds[i].ClaimDeadline = &d
			return nil
		}
	}
	return domain.ErrNotFound
}

func (f *fakeRepo) ListLapsedHolds(_ context.Context, poolID string, now time.Time) ([]domain.Hold, error) {
	var out []domain.Hold
	for _, h := range f.holds {
		if h.PoolID == poolID && h.Lapsed(now) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeRepo) PoolsNeedingSweep(_ context.Context, now time.Time) ([]string, error) {
	seen := make(map[string]bool)
	for _, l := range f.loans {
		if l.Expired(now) {
			seen[l.PoolID] = true
		}
	}
	for _, h := range f.holds {
		if h.Lapsed(now) {
			seen[h.PoolID] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeRepo) RecordEvent(_ context.Context, event domain.CirculationEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeRepo) CreatePool(_ context.Context, pool domain.LicensePool) error {
	f.pools[pool.ID] = pool
	return nil
}

func (f *fakeRepo) UpdatePoolLicenses(_ context.Context, poolID string, total, available int, meteredRemaining *int) error {
	p, ok := f.pools[poolID]
	if !ok {
		return domain.ErrPoolNotFound
	}
	p.TotalLicenses = total
	p.AvailableLicenses = available
	p.MeteredRemaining = copyInt(meteredRemaining)
	f.pools[poolID] = p
	return nil
}

func (f *fakeRepo) ListPools(_ context.Context) ([]domain.LicensePool, error) {
	out := make([]domain.LicensePool, 0, len(f.pools))
	for _, p := range f.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// test helpers

func (f *fakeRepo) pool(id string) domain.LicensePool {
	return f.pools[id]
}

func (f *fakeRepo) holdFor(patronID, poolID string) *domain.Hold {
	h, _ := f.FindHold(context.Background(), patronID, poolID)
	return h
}

func (f *fakeRepo) eventTypes() []domain.EventType {
	types := make([]domain.EventType, 0, len(f.events))
	for _, e := range f.events {
		types = append(types, e.Type)
	}
	return types
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func intPtr(v int) *int {
	return &v
}
