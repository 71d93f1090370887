package lending

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReturnPromotesQueueHead(t *testing.T) {
	f := newFixture(t, book("r1", 1))
	ctx := context.Background()

	borrowA, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	require.NotNil(t, borrowA.Loan)
	assert.Equal(t, LoanReserved, borrowA.Loan.Status)
	assert.Equal(t, f.clock.Now(), borrowA.Loan.ReservationDate)
	requireInvariants(t, f.store, "r1")

	borrowB, err := f.svc.Borrow(ctx, "bob", "r1")
	require.NoError(t, err)
	require.True(t, borrowB.Queued())
	assert.Equal(t, ReservationPending, borrowB.Reservation.Status)
	assert.Equal(t, 1, borrowB.Reservation.Position)
	requireInvariants(t, f.store, "r1")

	loan, err := f.svc.Approve(ctx, borrowA.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, LoanInProgress, loan.Status)
	require.NotNil(t, loan.DueDate)
	assert.Equal(t, f.clock.Now().Add(15*24*time.Hour), *loan.DueDate)

	f.clock.Advance(10 * 24 * time.Hour)
	returned, err := f.svc.Return(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, LoanClosed, returned.Status)
	assert.Zero(t, returned.LateFee)

	res, err := f.store.GetResource(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.AvailableCopies)

	held, err := f.store.GetReservation(ctx, borrowB.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationApproved, held.Status)
	require.NotNil(t, held.ExpiryDate)
	assert.Equal(t, f.clock.Now().Add(48*time.Hour), *held.ExpiryDate)
	requireInvariants(t, f.store, "r1")

	pending, err := f.store.ListReservations(ctx, ReservationFilter{ResourceID: "r1", Statuses: []ReservationStatus{ReservationPending}})
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Len(t, f.notifier.ofKind(NotifyReservationConfirmed), 1)
	assert.Len(t, f.notifier.ofKind(NotifyReservationAvailable), 1)
	assert.Len(t, f.notifier.ofKind(NotifyReturnConfirmed), 1)
}

func TestLateReturnChargesFee(t *testing.T) {
	f := newFixture(t, book("r1", 2))
	ctx := context.Background()

	b, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, b.Loan.ID)
	require.NoError(t, err)

	f.clock.Advance(20 * 24 * time.Hour)
	l, err := f.svc.Return(ctx, b.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, LoanReturned, l.Status)
	assert.Equal(t, int64(500), l.LateFee)
	require.NotNil(t, l.ActualReturnDate)
	assert.Equal(t, *l.ReturnDate, *l.ActualReturnDate)
	requireInvariants(t, f.store, "r1")

	confirm := f.notifier.ofKind(NotifyReturnConfirmed)
	require.Len(t, confirm, 1)
	assert.Equal(t, int64(500), confirm[0].Payload["late_fee"])
}

func TestRenewTwiceThenLimit(t *testing.T) {
	f := newFixture(t, book("r1", 1))
	ctx := context.Background()

	b, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	approved, err := f.svc.Approve(ctx, b.Loan.ID)
	require.NoError(t, err)
	due := *approved.DueDate

	l, err := f.svc.Renew(ctx, b.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, l.RenewalCount)
	assert.Equal(t, due.Add(15*24*time.Hour), *l.DueDate)

	l, err = f.svc.Renew(ctx, b.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, l.RenewalCount)

	_, err = f.svc.Renew(ctx, b.Loan.ID)
	require.ErrorIs(t, err, ErrRenewalLimit)
	require.ErrorIs(t, err, ErrState)

	stored, err := f.svc.GetLoan(ctx, b.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RenewalCount)
}

func TestRenewRejectsNonActiveAndPastDue(t *testing.T) {
	f := newFixture(t, book("r1", 1))
	ctx := context.Background()

	b, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)

	_, err = f.svc.Renew(ctx, b.Loan.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.Approve(ctx, b.Loan.ID)
	require.NoError(t, err)
	f.clock.Advance(16 * 24 * time.Hour)

	_, err = f.svc.Renew(ctx, b.Loan.ID)
	require.ErrorIs(t, err, ErrState)
}

func TestApproveTwiceFails(t *testing.T) {
	f := newFixture(t, book("r1", 1))
	ctx := context.Background()

	b, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	first, err := f.svc.Approve(ctx, b.Loan.ID)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Approve(ctx, b.Loan.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	stored, err := f.svc.GetLoan(ctx, b.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, *first.DueDate, *stored.DueDate)
}

func TestReturnTwiceFails(t *testing.T) {
	f := newFixture(t, book("r1", 1))
	ctx := context.Background()

	b, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, b.Loan.ID)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, b.Loan.ID)
	require.NoError(t, err)

	_, err = f.svc.Return(ctx, b.Loan.ID)
	require.ErrorIs(t, err, ErrState)

	res, err := f.store.GetResource(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.AvailableCopies)
	requireInvariants(t, f.store, "r1")
}

func TestReturnRequiresApproval(t *testing.T) {
	f := newFixture(t, book("r1", 1))
	ctx := context.Background()

	b, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, b.Loan.ID)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestUnknownIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Borrow(ctx, "alice", "missing")
	require.ErrorIs(t, err, ErrResourceNotFound)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Approve(ctx, "missing")
	require.ErrorIs(t, err, ErrLoanNotFound)
	_, err = f.svc.Return(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Renew(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.CancelReservation(ctx, "missing", "")
	require.ErrorIs(t, err, ErrReservationNotFound)

	_, err = f.svc.Borrow(ctx, " ", "r1")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestDuplicateReservationRejected(t *testing.T) {
	f := newFixture(t, book("r1", 1))
	ctx := context.Background()

	_, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	_, err = f.svc.Borrow(ctx, "bob", "r1")
	require.NoError(t, err)

	_, err = f.svc.Borrow(ctx, "bob", "r1")
	require.ErrorIs(t, err, ErrDuplicateRequest)
	require.ErrorIs(t, err, ErrCapacity)

	reservations, err := f.svc.ListReservations(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, reservations, 1)
	requireInvariants(t, f.store, "r1")
}

func TestQueuePositionsStayContiguous(t *testing.T) {
	f := newFixture(t, book("r1", 1))
	ctx := context.Background()

	a, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	ids := map[string]string{}
	for i, user := range []string{"bob", "carol", "dave"} {
		b, err := f.svc.Borrow(ctx, user, "r1")
		require.NoError(t, err)
		require.True(t, b.Queued())
		assert.Equal(t, i+1, b.Reservation.Position)
		ids[user] = b.Reservation.ID
		f.clock.Advance(time.Minute)
	}

	_, err = f.svc.CancelReservation(ctx, ids["carol"], "carol")
	require.NoError(t, err)
	requireInvariants(t, f.store, "r1")

	pos, err := f.svc.QueuePosition(ctx, "dave", "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	_, err = f.svc.Approve(ctx, a.Loan.ID)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, a.Loan.ID)
	require.NoError(t, err)
	requireInvariants(t, f.store, "r1")

	pos, err = f.svc.QueuePosition(ctx, "bob", "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, pos, "bob holds the copy")
	pos, err = f.svc.QueuePosition(ctx, "dave", "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	_, err = f.svc.QueuePosition(ctx, "carol", "r1")
	require.ErrorIs(t, err, ErrReservationNotFound)
}

func TestCancelReservationChecksOwner(t *testing.T) {
	f := newFixture(t, book("r1", 1))
	ctx := context.Background()

	_, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	b, err := f.svc.Borrow(ctx, "bob", "r1")
	require.NoError(t, err)

	_, err = f.svc.CancelReservation(ctx, b.Reservation.ID, "mallory")
	require.ErrorIs(t, err, ErrReservationNotFound)

	r, err := f.svc.CancelReservation(ctx, b.Reservation.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, ReservationCancelled, r.Status)

	_, err = f.svc.CancelReservation(ctx, b.Reservation.ID, "bob")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRejectReservation(t *testing.T) {
	f := newFixture(t, book("r1", 1))
	ctx := context.Background()

	_, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	b, err := f.svc.Borrow(ctx, "bob", "r1")
	require.NoError(t, err)
	c, err := f.svc.Borrow(ctx, "carol", "r1")
	require.NoError(t, err)

	r, err := f.svc.RejectReservation(ctx, b.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationRejected, r.Status)

	carol, err := f.store.GetReservation(ctx, c.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, carol.Position)
	requireInvariants(t, f.store, "r1")
}

func TestCancelApprovedHoldPassesCopyOn(t *testing.T) {
	f := newFixture(t, book("r1", 1))
	ctx := context.Background()

	a, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	b, err := f.svc.Borrow(ctx, "bob", "r1")
	require.NoError(t, err)
	c, err := f.svc.Borrow(ctx, "carol", "r1")
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, a.Loan.ID)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, a.Loan.ID)
	require.NoError(t, err)

	_, err = f.svc.CancelReservation(ctx, b.Reservation.ID, "bob")
	require.NoError(t, err)

	carol, err := f.store.GetReservation(ctx, c.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationApproved, carol.Status)
	requireInvariants(t, f.store, "r1")
}

func TestClaimConvertsHoldIntoLoan(t *testing.T) {
	f := newFixture(t, book("r1", 1))
	ctx := context.Background()

	a, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	b, err := f.svc.Borrow(ctx, "bob", "r1")
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, b.Reservation.ID, "bob")
	require.ErrorIs(t, err, ErrInvalidState, "pending reservations cannot be claimed")

	_, err = f.svc.Approve(ctx, a.Loan.ID)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, a.Loan.ID)
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, b.Reservation.ID, "alice")
	require.ErrorIs(t, err, ErrReservationNotFound)

	l, err := f.svc.Claim(ctx, b.Reservation.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, LoanReserved, l.Status)
	assert.Equal(t, "bob", l.UserID)

	r, err := f.store.GetReservation(ctx, b.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationFulfilled, r.Status)

	res, err := f.store.GetResource(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.AvailableCopies)
	requireInvariants(t, f.store, "r1")
}

func TestClaimAfterExpiryFails(t *testing.T) {
	f := newFixture(t, book("r1", 1))
	ctx := context.Background()

	a, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	b, err := f.svc.Borrow(ctx, "bob", "r1")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, a.Loan.ID)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, a.Loan.ID)
	require.NoError(t, err)

	f.clock.Advance(49 * time.Hour)
	_, err = f.svc.Claim(ctx, b.Reservation.ID, "bob")
	require.ErrorIs(t, err, ErrHoldExpired)
	requireInvariants(t, f.store, "r1")
}

func TestUpdateLoanKeepsCopiesBalanced(t *testing.T) {
	f := newFixture(t, book("r1", 1))
	ctx := context.Background()

	a, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	b, err := f.svc.Borrow(ctx, "bob", "r1")
	require.NoError(t, err)

	cancelled := LoanCancelled
	l, err := f.svc.UpdateLoan(ctx, a.Loan.ID, LoanPatch{Status: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, LoanCancelled, l.Status)

	held, err := f.store.GetReservation(ctx, b.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationApproved, held.Status)
	requireInvariants(t, f.store, "r1")

	active := LoanInProgress
	_, err = f.svc.UpdateLoan(ctx, a.Loan.ID, LoanPatch{Status: &active})
	require.ErrorIs(t, err, ErrNoCopyAvailable)
	requireInvariants(t, f.store, "r1")

	fee := int64(250)
	due := f.clock.Now().Add(72 * time.Hour)
	l, err = f.svc.UpdateLoan(ctx, a.Loan.ID, LoanPatch{LateFee: &fee, DueDate: &due})
	require.NoError(t, err)
	assert.Equal(t, fee, l.LateFee)
	assert.Equal(t, due, *l.DueDate)

	bogus := LoanStatus("LOST")
	_, err = f.svc.UpdateLoan(ctx, a.Loan.ID, LoanPatch{Status: &bogus})
	require.ErrorIs(t, err, ErrInvalidPatch)
}

func TestConcurrentBorrowsNeverOversell(t *testing.T) {
	const (
		copies = 5
		users  = 50
	)
	f := newFixture(t, book("r1", copies))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.svc.Borrow(ctx, fmt.Sprintf("user-%02d", i), "r1"); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("borrow failed: %v", err)
	}

	loans, err := f.store.ListLoans(ctx, LoanFilter{ResourceID: "r1"})
	require.NoError(t, err)
	assert.Len(t, loans, copies)

	queued, err := f.store.ListReservations(ctx, ReservationFilter{ResourceID: "r1"})
	require.NoError(t, err)
	assert.Len(t, queued, users-copies)
	requireInvariants(t, f.store, "r1")
}

func TestConcurrentReturnsReleaseOnce(t *testing.T) {
	f := newFixture(t, book("r1", 1))
	ctx := context.Background()

	b, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, b.Loan.ID)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Return(ctx, b.Loan.ID); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	requireInvariants(t, f.store, "r1")
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t, book("r1", 1))
	f.notifier.fail = true
	ctx := context.Background()

	_, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	b, err := f.svc.Borrow(ctx, "bob", "r1")
	require.NoError(t, err)
	require.True(t, b.Queued())

	stored, err := f.store.GetReservation(ctx, b.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationPending, stored.Status)
	assert.Equal(t, 1, f.notifier.calls)
	requireInvariants(t, f.store, "r1")
}

func TestStats(t *testing.T) {
	f := newFixture(t, book("r1", 3))
	ctx := context.Background()

	a, err := f.svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	_, err = f.svc.Borrow(ctx, "bob", "r1")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, a.Loan.ID)
	require.NoError(t, err)
	f.clock.Advance(18 * 24 * time.Hour)
	_, err = f.svc.Return(ctx, a.Loan.ID)
	require.NoError(t, err)

	st, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ByStatus[LoanReturned])
	assert.Equal(t, 1, st.ByStatus[LoanReserved])
	assert.Equal(t, int64(300), st.OutstandingFees)

	byStatus, err := f.svc.ListByStatus(ctx, LoanReserved)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "bob", byStatus[0].UserID)

	byUser, err := f.svc.ListByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, byUser, 1)

	_, err = f.svc.ListByStatus(ctx, LoanStatus("nope"))
	require.ErrorIs(t, err, ErrInvalidInput)
}

// flakyStore fails the first n units of work with a lock timeout.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (s *flakyStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	s.attempts++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return ErrLockTimeout
	}
	return s.MemoryStore.Atomic(ctx, fn)
}

func TestContentionIsRetried(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	seed(t, store.MemoryStore, book("r1", 1))
	svc := NewService(store,
		WithLogger(zap.NewNop()),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}),
	)

	b, err := svc.Borrow(context.Background(), "alice", "r1")
	require.NoError(t, err)
	require.NotNil(t, b.Loan)
	assert.Equal(t, 3, store.attempts)
}

func TestContentionSurfacesWhenRetriesRunOut(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10}
	seed(t, store.MemoryStore, book("r1", 1))
	svc := NewService(store,
		WithLogger(zap.NewNop()),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}),
	)

	_, err := svc.Borrow(context.Background(), "alice", "r1")
	require.ErrorIs(t, err, ErrContention)
	assert.Equal(t, 3, store.attempts)

	res, err := store.GetResource(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.AvailableCopies)
}

func TestNonContentionErrorsAreNotRetried(t *testing.T) {
	calls := 0
	err := retryOnContention(context.Background(), RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(int) error {
		calls++
		return ErrInvalidState
	})
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, calls)
	assert.False(t, errors.Is(err, ErrContention))
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return nil, errors.New("miss")
	}
	return v, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.data[key] = value
	return nil
}

func (c *mapCache) DeleteByPattern(_ context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.data {
		if ok, _ := path.Match(pattern, k); ok {
			delete(c.data, k)
		}
	}
	return nil
}

func (c *mapCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// racingCache runs beforeSet once, between the position lookup and the cache write.
type racingCache struct {
	*mapCache
	beforeSet func()
}

func (c *racingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if hook := c.beforeSet; hook != nil {
		c.beforeSet = nil
		hook()
	}
	return c.mapCache.Set(ctx, key, value, ttl)
}

func TestQueuePositionCacheInvalidatedOnQueueChange(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, book("r1", 1))
	cache := &mapCache{data: map[string][]byte{}}
	svc := NewService(store, WithLogger(zap.NewNop()), WithPositionCache(cache, time.Minute))
	ctx := context.Background()

	_, err := svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	b, err := svc.Borrow(ctx, "bob", "r1")
	require.NoError(t, err)
	_, err = svc.Borrow(ctx, "carol", "r1")
	require.NoError(t, err)

	pos, err := svc.QueuePosition(ctx, "carol", "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
	pos, err = svc.QueuePosition(ctx, "carol", "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
	assert.Equal(t, 1, cache.sets)

	_, err = svc.CancelReservation(ctx, b.Reservation.ID, "bob")
	require.NoError(t, err)

	pos, err = svc.QueuePosition(ctx, "carol", "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
}

func TestQueuePositionNotCachedAcrossConcurrentQueueChange(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, book("r1", 1))
	cache := &racingCache{mapCache: &mapCache{data: map[string][]byte{}}}
	svc := NewService(store, WithLogger(zap.NewNop()), WithPositionCache(cache, time.Minute))
	ctx := context.Background()

	_, err := svc.Borrow(ctx, "alice", "r1")
	require.NoError(t, err)
	b, err := svc.Borrow(ctx, "bob", "r1")
	require.NoError(t, err)
	_, err = svc.Borrow(ctx, "carol", "r1")
	require.NoError(t, err)

	cache.beforeSet = func() {
		_, err := svc.CancelReservation(ctx, b.Reservation.ID, "bob")
		require.NoError(t, err)
	}
	pos, err := svc.QueuePosition(ctx, "carol", "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, pos, "the answer reflects the lookup that started first")
	assert.False(t, cache.has(positionKey("r1", "carol")), "stale position must not stay cached")

	pos, err = svc.QueuePosition(ctx, "carol", "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
}

func TestGlobEscape(t *testing.T) {
	key := positionKey("r*1", "bo?b")
	ok, err := path.Match(globEscape(key), key)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = path.Match(globEscape(key), positionKey("rx1", "boxb"))
	assert.False(t, ok)
}
