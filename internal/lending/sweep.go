package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gafsiahmed/biblio-managment-system/internal/obs"
)

// Sweep names, used for metrics and scheduling.
const (
	SweepOverdue    = "overdue"
	SweepDueSoon    = "due-soon"
	SweepHoldExpiry = "hold-expiry"
)

// MarkOverdue moves every IN_PROGRESS loan whose due date has passed to
// OVERDUE and alerts the borrower with the fee owed so far. Loans already
// OVERDUE are not matched, so re-running is a no-op.
func (s *Service) MarkOverdue(ctx context.Context) (int, error) {
	now := s.now()
	candidates, err := s.store.ListLoans(ctx, LoanFilter{
		Statuses:  []LoanStatus{LoanInProgress},
		DueBefore: &now,
	})
	if err != nil {
		obs.ObserveSweep(SweepOverdue, 0, err)
		return 0, err
	}

	count, err := s.sweepEach(ctx, SweepOverdue, len(candidates), func(i int) (bool, error) {
		var changed bool
		err := s.run(ctx, SweepOverdue, func(tx Tx, ob *outbox) error {
			changed = false
			l, err := tx.LockLoan(ctx, candidates[i].ID)
			if err != nil {
				return err
			}
			if !markOverdue(&l, now) {
				return nil
			}
			if err := tx.UpdateLoan(ctx, l); err != nil {
				return err
			}
			ob.add(NotifyOverdue, l.UserID, now, map[string]any{
				"loan_id":       l.ID,
				"loan_number":   l.Number,
				"resource_id":   l.ResourceID,
				"title":         s.titleOf(ctx, l.ResourceID),
				"due_date":      formatTime(l.DueDate),
				"estimated_fee": s.policy.EstimateFee(l, now),
				"currency":      s.policy.Currency,
			})
			changed = true
			return nil
		})
		return changed, err
	})
	return count, err
}

// RemindDueSoon sends a reminder for every IN_PROGRESS loan due within the
// reminder window. Nothing is mutated; running it twice sends twice.
func (s *Service) RemindDueSoon(ctx context.Context) (int, error) {
	now := s.now()
	horizon := now.Add(s.policy.DueSoonWindow)
	candidates, err := s.store.ListLoans(ctx, LoanFilter{
		Statuses:  []LoanStatus{LoanInProgress},
		DueBefore: &horizon,
	})
	if err != nil {
		obs.ObserveSweep(SweepDueSoon, 0, err)
		return 0, err
	}

	count, err := s.sweepEach(ctx, SweepDueSoon, len(candidates), func(i int) (bool, error) {
		var reminded bool
		err := s.run(ctx, SweepDueSoon, func(tx Tx, ob *outbox) error {
			reminded = false
			l, err := tx.LockLoan(ctx, candidates[i].ID)
			if err != nil {
				return err
			}
			if !s.policy.dueSoon(l, now) {
				return nil
			}
			ob.add(NotifyDueSoon, l.UserID, now, map[string]any{
				"loan_id":     l.ID,
				"loan_number": l.Number,
				"resource_id": l.ResourceID,
				"title":       s.titleOf(ctx, l.ResourceID),
				"due_date":    formatTime(l.DueDate),
				"days_left":   int(l.DueDate.Sub(now) / day),
			})
			reminded = true
			return nil
		})
		return reminded, err
	})
	return count, err
}

// ExpireHolds reclaims APPROVED reservations whose hold window has lapsed:
// the reservation becomes EXPIRED and its copy goes to the next in line.
func (s *Service) ExpireHolds(ctx context.Context) (int, error) {
	now := s.now()
	candidates, err := s.store.ListReservations(ctx, ReservationFilter{
		Statuses:      []ReservationStatus{ReservationApproved},
		ExpiresBefore: &now,
	})
	if err != nil {
		obs.ObserveSweep(SweepHoldExpiry, 0, err)
		return 0, err
	}

	count, err := s.sweepEach(ctx, SweepHoldExpiry, len(candidates), func(i int) (bool, error) {
		var expired bool
		err := s.run(ctx, SweepHoldExpiry, func(tx Tx, ob *outbox) error {
			expired = false
			res, err := tx.LockResource(ctx, candidates[i].ResourceID)
			if err != nil {
				return err
			}
			cur, err := tx.LockReservation(ctx, candidates[i].ID)
			if err != nil {
				return err
			}
			if cur.Status != ReservationApproved || cur.ExpiryDate == nil || !cur.ExpiryDate.Before(now) {
				return nil
			}
			q := queue{tx: tx, policy: s.policy, out: ob}
			if _, err := s.releaseHold(ctx, tx, q, cur, ReservationExpired); err != nil {
				return err
			}
			ob.add(NotifyReservationExpired, cur.UserID, now, map[string]any{
				"reservation_id":     cur.ID,
				"reservation_number": cur.Number,
				"resource_id":        res.ID,
				"title":              res.Title,
				"expiry_date":        formatTime(cur.ExpiryDate),
			})
			expired = true
			return nil
		})
		return expired, err
	})
	return count, err
}

// sweepEach runs step for every candidate, keeps going past failures and
// reports them joined.
func (s *Service) sweepEach(ctx context.Context, sweep string, n int, step func(i int) (bool, error)) (int, error) {
	start := time.Now()
	var (
		count int
		errs  []error
	)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		changed, err := step(i)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s item %d: %w", sweep, i, err))
			continue
		}
		if changed {
			count++
		}
	}
	err := errors.Join(errs...)
	obs.ObserveSweep(sweep, count, err)
	s.logger.Info("sweep finished",
		zap.String("sweep", sweep),
		zap.Int("candidates", n),
		zap.Int("applied", count),
		zap.Int("failed", len(errs)),
		zap.Duration("took", time.Since(start)),
	)
	return count, err
}

func (s *Service) titleOf(ctx context.Context, resourceID string) string {
	res, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		return ""
	}
	return res.Title
}
