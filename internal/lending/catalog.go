package lending

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PutResource creates or edits a catalog entry and returns it as stored.
// AvailableCopies in r is ignored: copies out on loan or set aside for a
// hold stay counted against the new total, and copies freed by a larger
// total go to the wait-list before anyone else can borrow them.
func (s *Service) PutResource(ctx context.Context, r Resource) (Resource, error) {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return Resource{}, fmt.Errorf("%w: resource id is required", ErrInvalidInput)
	}
	if r.TotalCopies < 0 {
		return Resource{}, fmt.Errorf("%w: total copies %d must not be negative", ErrInvalidInput, r.TotalCopies)
	}
	switch r.Kind {
	case "":
		r.Kind = KindBook
	case KindBook, KindDigital:
	default:
		return Resource{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, r.Kind)
	}

	var out Resource
	err := s.run(ctx, "put_resource", func(tx Tx, ob *outbox) error {
		cur, err := tx.LockResource(ctx, r.ID)
		if errors.Is(err, ErrResourceNotFound) {
			entry := r
			entry.AvailableCopies = entry.TotalCopies
			entry.ReservationCount = 0
			if err := tx.InsertResource(ctx, entry); err != nil {
				return err
			}
			out = entry
			return nil
		}
		if err != nil {
			return err
		}

		held := cur.TotalCopies - cur.AvailableCopies
		if r.TotalCopies < held {
			return fmt.Errorf("%w: %d copies of %s are on loan or held, total %d is too low",
				ErrInvalidInput, held, r.ID, r.TotalCopies)
		}
		entry := r
		entry.AvailableCopies = r.TotalCopies - held
		entry.ReservationCount = cur.ReservationCount
		if err := tx.UpdateResource(ctx, entry); err != nil {
			return err
		}

		q := queue{tx: tx, policy: s.policy, out: ob}
		now := s.now()
		for i := 0; i < entry.AvailableCopies; i++ {
			promoted, err := q.PromoteHead(ctx, r.ID, now)
			if err != nil {
				return err
			}
			if promoted == nil {
				break
			}
		}
		out, err = tx.LockResource(ctx, r.ID)
		return err
	})
	return out, err
}
