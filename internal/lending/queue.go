package lending

import (
	"context"
	"fmt"
	"time"

	"github.com/gafsiahmed/biblio-managment-system/internal/ids"
)

// queue is the per-resource wait-list seen through one unit of work. Every
// method expects the resource lock to be held or takes it itself.
type queue struct {
	tx     Tx
	policy Policy
	out    *outbox
}

// Enqueue appends user to the wait-list of res.
func (q queue) Enqueue(ctx context.Context, userID string, res Resource, now time.Time) (Reservation, error) {
	if _, err := q.tx.LockResource(ctx, res.ID); err != nil {
		return Reservation{}, err
	}
	existing, found, err := q.tx.ActiveReservation(ctx, userID, res.ID)
	if err != nil {
		return Reservation{}, err
	}
	if found {
		return Reservation{}, fmt.Errorf("%w: reservation %s is %s", ErrDuplicateRequest, existing.Number, existing.Status)
	}
	pending, err := q.tx.PendingReservations(ctx, res.ID)
	if err != nil {
		return Reservation{}, err
	}

	r := Reservation{
		ID:              newID(),
		Number:          ids.ReservationNumber(),
		UserID:          userID,
		ResourceID:      res.ID,
		Position:        len(pending) + 1,
		Status:          ReservationPending,
		ReservationDate: now,
	}
	if err := q.tx.InsertReservation(ctx, r); err != nil {
		return Reservation{}, err
	}
	q.out.touchQueue(res.ID)
	q.out.add(NotifyReservationConfirmed, userID, now, map[string]any{
		"reservation_id":     r.ID,
		"reservation_number": r.Number,
		"resource_id":        res.ID,
		"title":              res.Title,
		"position":           r.Position,
	})
	return r, nil
}

// PromoteHead grants a free copy to the head of the wait-list. It returns
// nil when the wait-list is empty or no copy is free.
func (q queue) PromoteHead(ctx context.Context, resourceID string, now time.Time) (*Reservation, error) {
	res, err := q.tx.LockResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	pending, err := q.tx.PendingReservations(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	acquired, err := inventory{tx: q.tx}.TryAcquire(ctx, resourceID)
	if err != nil || !acquired {
		return nil, err
	}

	head := pending[0]
	head.Status = ReservationApproved
	head.Position = 0
	head.NotificationSentDate = timePtr(now)
	head.ExpiryDate = timePtr(now.Add(q.policy.HoldWindow))
	if err := q.tx.UpdateReservation(ctx, head); err != nil {
		return nil, err
	}
	if err := q.renumber(ctx, pending[1:]); err != nil {
		return nil, err
	}
	q.out.touchQueue(resourceID)
	q.out.add(NotifyReservationAvailable, head.UserID, now, map[string]any{
		"reservation_id":     head.ID,
		"reservation_number": head.Number,
		"resource_id":        resourceID,
		"title":              res.Title,
		"expiry_date":        formatTime(head.ExpiryDate),
	})
	return &head, nil
}

// Withdraw moves a PENDING reservation to a terminal status and closes the gap it leaves.
func (q queue) Withdraw(ctx context.Context, r Reservation, status ReservationStatus) (Reservation, error) {
	if r.Status != ReservationPending {
		return Reservation{}, fmt.Errorf("%w: reservation %s is %s", ErrInvalidState, r.ID, r.Status)
	}
	r.Status = status
	r.Position = 0
	if err := q.tx.UpdateReservation(ctx, r); err != nil {
		return Reservation{}, err
	}
	pending, err := q.tx.PendingReservations(ctx, r.ResourceID)
	if err != nil {
		return Reservation{}, err
	}
	if err := q.renumber(ctx, pending); err != nil {
		return Reservation{}, err
	}
	q.out.touchQueue(r.ResourceID)
	return r, nil
}

// renumber rewrites positions to 1..N in wait-list order.
func (q queue) renumber(ctx context.Context, pending []Reservation) error {
	for i, r := range pending {
		if r.Position == i+1 {
			continue
		}
		r.Position = i + 1
		if err := q.tx.UpdateReservation(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
