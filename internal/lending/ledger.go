package lending

import "context"

// inventory is the copy ledger seen through one unit of work. Both
// operations run under the resource lock, which makes the
// check-then-decrement indivisible.
type inventory struct {
	tx Tx
}

// TryAcquire takes one copy if any is free and reports whether it did.
func (inv inventory) TryAcquire(ctx context.Context, resourceID string) (bool, error) {
	res, err := inv.tx.LockResource(ctx, resourceID)
	if err != nil {
		return false, err
	}
	if res.AvailableCopies <= 0 {
		return false, nil
	}
	res.AvailableCopies--
	if err := inv.tx.SaveResource(ctx, res); err != nil {
		return false, err
	}
	return true, nil
}

// Release returns one copy to the pool, never beyond TotalCopies.
func (inv inventory) Release(ctx context.Context, resourceID string) error {
	res, err := inv.tx.LockResource(ctx, resourceID)
	if err != nil {
		return err
	}
	if res.AvailableCopies >= res.TotalCopies {
		return nil
	}
	res.AvailableCopies++
	return inv.tx.SaveResource(ctx, res)
}
