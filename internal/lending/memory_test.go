package lending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRollsBackOnError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seed(t, store, book("r1", 2))

	boom := errors.New("boom")
	err := store.Atomic(ctx, func(tx Tx) error {
		ok, err := inventory{tx: tx}.TryAcquire(ctx, "r1")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tx.InsertLoan(ctx, Loan{ID: "l1", ResourceID: "r1", Status: LoanReserved}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	res, err := store.GetResource(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.AvailableCopies)
	_, err = store.GetLoan(ctx, "l1")
	require.ErrorIs(t, err, ErrLoanNotFound)
}

func TestMemoryStoreLockTimeoutIsContention(t *testing.T) {
	store := NewMemoryStore(WithLockTimeout(20 * time.Millisecond))
	ctx := context.Background()
	seed(t, store, book("r1", 1))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.Atomic(ctx, func(tx Tx) error {
			if _, err := tx.LockResource(ctx, "r1"); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := store.Atomic(ctx, func(tx Tx) error {
		_, err := tx.LockResource(ctx, "r1")
		return err
	})
	require.ErrorIs(t, err, ErrLockTimeout)
	require.ErrorIs(t, err, ErrContention)

	close(release)
	require.NoError(t, <-done)

	require.NoError(t, store.Atomic(ctx, func(tx Tx) error {
		_, err := tx.LockResource(ctx, "r1")
		return err
	}))
}

func TestMemoryStoreSaveRequiresLock(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seed(t, store, book("r1", 1))

	err := store.Atomic(ctx, func(tx Tx) error {
		res, err := store.GetResource(ctx, "r1")
		require.NoError(t, err)
		res.AvailableCopies = 0
		return tx.SaveResource(ctx, res)
	})
	require.Error(t, err)

	err = store.Atomic(ctx, func(tx Tx) error {
		res, err := tx.LockResource(ctx, "r1")
		require.NoError(t, err)
		res.AvailableCopies = 5
		return tx.SaveResource(ctx, res)
	})
	require.Error(t, err, "available copies above total must be refused")
}

func TestReleaseNeverExceedsTotal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seed(t, store, book("r1", 1))

	require.NoError(t, store.Atomic(ctx, func(tx Tx) error {
		return inventory{tx: tx}.Release(ctx, "r1")
	}))
	res, err := store.GetResource(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.AvailableCopies)
}
