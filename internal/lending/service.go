package lending

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gafsiahmed/biblio-managment-system/internal/obs"
)

// PositionCache stores queue position lookups between wait-list changes.
type PositionCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// Service is the allocation coordinator. Each mutating method runs as one
// unit of work on the store; notifications leave only after commit.
type Service struct {
	store       Store
	notifier    Notifier
	policy      Policy
	retry       RetryPolicy
	now         func() time.Time
	logger      *zap.Logger
	positions   PositionCache
	positionTTL time.Duration
}

// Option configures Service.
type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPositionCache enables caching of QueuePosition answers for ttl.
func WithPositionCache(c PositionCache, ttl time.Duration) Option {
	return func(s *Service) {
		s.positions = c
		s.positionTTL = ttl
	}
}

// NewService wires the coordinator over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		notifier:    nopNotifier{},
		policy:      DefaultPolicy(),
		retry:       DefaultRetryPolicy(),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      obs.Logger(),
		positionTTL: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the lending rules in force.
func (s *Service) Policy() Policy { return s.policy }

// Borrow grants a copy of resourceID to userID as a RESERVED loan, or puts
// the user on the wait-list when no copy is free.
func (s *Service) Borrow(ctx context.Context, userID, resourceID string) (BorrowResult, error) {
	userID, resourceID = strings.TrimSpace(userID), strings.TrimSpace(resourceID)
	if userID == "" || resourceID == "" {
		return BorrowResult{}, fmt.Errorf("%w: user and resource are required", ErrInvalidInput)
	}

	var result BorrowResult
	err := s.run(ctx, "borrow", func(tx Tx, out *outbox) error {
		result = BorrowResult{}
		res, err := tx.LockResource(ctx, resourceID)
		if err != nil {
			return err
		}
		now := s.now()

		granted, err := inventory{tx: tx}.TryAcquire(ctx, res.ID)
		if err != nil {
			return err
		}
		if granted {
			l := newLoan(userID, res, now)
			if err := tx.InsertLoan(ctx, l); err != nil {
				return err
			}
			result.Loan = &l
			return nil
		}

		r, err := queue{tx: tx, policy: s.policy, out: out}.Enqueue(ctx, userID, res, now)
		if err != nil {
			return err
		}
		result.Reservation = &r
		return nil
	})
	return result, err
}

// Approve starts a RESERVED loan: loan date is now, due date one loan period later.
func (s *Service) Approve(ctx context.Context, loanID string) (Loan, error) {
	var out Loan
	err := s.run(ctx, "approve", func(tx Tx, _ *outbox) error {
		l, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if err := s.policy.approve(&l, s.now()); err != nil {
			return err
		}
		if err := tx.UpdateLoan(ctx, l); err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

// Return closes an active loan, charges the late fee, releases the copy
// and hands it to the head of the wait-list.
func (s *Service) Return(ctx context.Context, loanID string) (Loan, error) {
	var out Loan
	err := s.run(ctx, "return", func(tx Tx, ob *outbox) error {
		l, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := s.policy.returnLoan(&l, now); err != nil {
			return err
		}
		if err := tx.UpdateLoan(ctx, l); err != nil {
			return err
		}

		res, err := tx.LockResource(ctx, l.ResourceID)
		if err != nil {
			return err
		}
		if err := (inventory{tx: tx}).Release(ctx, res.ID); err != nil {
			return err
		}
		if _, err := (queue{tx: tx, policy: s.policy, out: ob}).PromoteHead(ctx, res.ID, now); err != nil {
			return err
		}

		ob.add(NotifyReturnConfirmed, l.UserID, now, map[string]any{
			"loan_id":     l.ID,
			"loan_number": l.Number,
			"resource_id": res.ID,
			"title":       res.Title,
			"status":      string(l.Status),
			"late_fee":    l.LateFee,
			"currency":    s.policy.Currency,
		})
		out = l
		return nil
	})
	return out, err
}

// Renew extends an IN_PROGRESS loan by one renewal period.
func (s *Service) Renew(ctx context.Context, loanID string) (Loan, error) {
	var out Loan
	err := s.run(ctx, "renew", func(tx Tx, _ *outbox) error {
		l, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if err := s.policy.renew(&l, s.now()); err != nil {
			return err
		}
		if err := tx.UpdateLoan(ctx, l); err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

// UpdateLoan applies an operator override. Status changes that cross the
// active/terminal boundary move the copy with them so copy counts stay exact.
func (s *Service) UpdateLoan(ctx context.Context, loanID string, patch LoanPatch) (Loan, error) {
	var out Loan
	err := s.run(ctx, "update", func(tx Tx, ob *outbox) error {
		l, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		wasActive := l.Status.Active()
		if err := applyPatch(&l, patch); err != nil {
			return err
		}

		switch {
		case wasActive && !l.Status.Active():
			if err := (inventory{tx: tx}).Release(ctx, l.ResourceID); err != nil {
				return err
			}
			if _, err := (queue{tx: tx, policy: s.policy, out: ob}).PromoteHead(ctx, l.ResourceID, s.now()); err != nil {
				return err
			}
		case !wasActive && l.Status.Active():
			granted, err := inventory{tx: tx}.TryAcquire(ctx, l.ResourceID)
			if err != nil {
				return err
			}
			if !granted {
				return fmt.Errorf("%w: cannot reactivate loan %s", ErrNoCopyAvailable, l.ID)
			}
		}

		if err := tx.UpdateLoan(ctx, l); err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

// Claim turns an APPROVED hold into a RESERVED loan. The copy held by the
// reservation passes to the loan, so the ledger does not move.
func (s *Service) Claim(ctx context.Context, reservationID, userID string) (Loan, error) {
	r, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Loan{}, err
	}

	var out Loan
	err = s.run(ctx, "claim", func(tx Tx, ob *outbox) error {
		res, err := tx.LockResource(ctx, r.ResourceID)
		if err != nil {
			return err
		}
		cur, err := tx.LockReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if userID != "" && cur.UserID != userID {
			return ErrReservationNotFound
		}
		if cur.Status != ReservationApproved {
			return fmt.Errorf("%w: reservation %s is %s", ErrInvalidState, cur.ID, cur.Status)
		}
		now := s.now()
		if cur.ExpiryDate != nil && cur.ExpiryDate.Before(now) {
			return fmt.Errorf("%w: reservation %s expired at %s", ErrHoldExpired, cur.ID, formatTime(cur.ExpiryDate))
		}

		l := newLoan(cur.UserID, res, now)
		if err := tx.InsertLoan(ctx, l); err != nil {
			return err
		}
		cur.Status = ReservationFulfilled
		if err := tx.UpdateReservation(ctx, cur); err != nil {
			return err
		}
		ob.touchQueue(res.ID)
		out = l
		return nil
	})
	return out, err
}

// CancelReservation withdraws a reservation on behalf of userID (empty for
// staff). Cancelling an APPROVED hold frees its copy for the next in line.
func (s *Service) CancelReservation(ctx context.Context, reservationID, userID string) (Reservation, error) {
	r, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, err
	}

	var out Reservation
	err = s.run(ctx, "cancel", func(tx Tx, ob *outbox) error {
		if _, err := tx.LockResource(ctx, r.ResourceID); err != nil {
			return err
		}
		cur, err := tx.LockReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if userID != "" && cur.UserID != userID {
			return ErrReservationNotFound
		}
		q := queue{tx: tx, policy: s.policy, out: ob}

		switch cur.Status {
		case ReservationPending:
			out, err = q.Withdraw(ctx, cur, ReservationCancelled)
			return err
		case ReservationApproved:
			out, err = s.releaseHold(ctx, tx, q, cur, ReservationCancelled)
			return err
		default:
			return fmt.Errorf("%w: reservation %s is %s", ErrInvalidState, cur.ID, cur.Status)
		}
	})
	return out, err
}

// RejectReservation lets staff refuse a PENDING reservation.
func (s *Service) RejectReservation(ctx context.Context, reservationID string) (Reservation, error) {
	r, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, err
	}

	var out Reservation
	err = s.run(ctx, "reject", func(tx Tx, ob *outbox) error {
		if _, err := tx.LockResource(ctx, r.ResourceID); err != nil {
			return err
		}
		cur, err := tx.LockReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		out, err = queue{tx: tx, policy: s.policy, out: ob}.Withdraw(ctx, cur, ReservationRejected)
		return err
	})
	return out, err
}

// releaseHold ends an APPROVED reservation and passes its copy on.
func (s *Service) releaseHold(ctx context.Context, tx Tx, q queue, r Reservation, status ReservationStatus) (Reservation, error) {
	r.Status = status
	if err := tx.UpdateReservation(ctx, r); err != nil {
		return Reservation{}, err
	}
	if err := (inventory{tx: tx}).Release(ctx, r.ResourceID); err != nil {
		return Reservation{}, err
	}
	if _, err := q.PromoteHead(ctx, r.ResourceID, s.now()); err != nil {
		return Reservation{}, err
	}
	q.out.touchQueue(r.ResourceID)
	return r, nil
}

// GetLoan returns one loan.
func (s *Service) GetLoan(ctx context.Context, loanID string) (Loan, error) {
	return s.store.GetLoan(ctx, loanID)
}

// GetResource returns one resource as the catalog sees it.
func (s *Service) GetResource(ctx context.Context, resourceID string) (Resource, error) {
	return s.store.GetResource(ctx, resourceID)
}

// ListByUser returns every loan of userID, oldest first.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]Loan, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	return s.store.ListLoans(ctx, LoanFilter{UserID: userID})
}

// ListByStatus returns every loan in status, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status LoanStatus) ([]Loan, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return s.store.ListLoans(ctx, LoanFilter{Statuses: []LoanStatus{status}})
}

// ListReservations returns the reservations of userID, oldest first.
func (s *Service) ListReservations(ctx context.Context, userID string) ([]Reservation, error) {
	return s.store.ListReservations(ctx, ReservationFilter{UserID: userID})
}

// Stats summarises loans by status together with the outstanding late fees.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.LoanStats(ctx)
}

// QueuePosition reports where userID waits for resourceID. Zero means the
// user holds an APPROVED reservation and a copy is set aside for them.
// Users without an active reservation get ErrReservationNotFound.
func (s *Service) QueuePosition(ctx context.Context, userID, resourceID string) (int, error) {
	key := positionKey(resourceID, userID)
	if s.positions != nil {
		if raw, err := s.positions.Get(ctx, key); err == nil {
			if pos, convErr := strconv.Atoi(string(raw)); convErr == nil {
				return pos, nil
			}
		}
	}

	pos, err := s.lookupPosition(ctx, userID, resourceID)
	if err != nil {
		return 0, err
	}
	if s.positions == nil {
		return pos, nil
	}
	if err := s.positions.Set(ctx, key, []byte(strconv.Itoa(pos)), s.positionTTL); err != nil {
		s.logger.Debug("queue position cache write failed", zap.String("key", key), zap.Error(err))
		return pos, nil
	}
	// A queue change that committed between the lookup and the write has
	// already run its invalidation, so the entry is checked once more.
	if again, err := s.lookupPosition(ctx, userID, resourceID); err != nil || again != pos {
		if err := s.positions.DeleteByPattern(ctx, globEscape(key)); err != nil {
			s.logger.Warn("queue position cache invalidation failed", zap.String("key", key), zap.Error(err))
		}
	}
	return pos, nil
}

func (s *Service) lookupPosition(ctx context.Context, userID, resourceID string) (int, error) {
	active, err := s.store.ListReservations(ctx, ReservationFilter{
		UserID:     userID,
		ResourceID: resourceID,
		Statuses:   []ReservationStatus{ReservationPending, ReservationApproved},
	})
	if err != nil {
		return 0, err
	}
	if len(active) == 0 {
		return 0, ErrReservationNotFound
	}
	if active[0].Status == ReservationApproved {
		return 0, nil
	}
	return active[0].Position, nil
}

// globEscape quotes the characters DeleteByPattern treats as wildcards.
func globEscape(key string) string {
	var b strings.Builder
	for _, r := range key {
		if strings.ContainsRune(`*?[]\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func positionKey(resourceID, userID string) string {
	return "queue:" + resourceID + ":" + userID
}

// run executes one unit of work with contention retries, then publishes its side effects.
func (s *Service) run(ctx context.Context, op string, fn func(tx Tx, out *outbox) error) error {
	start := time.Now()
	var out *outbox
	err := retryOnContention(ctx, s.retry, func(attempt int) error {
		if attempt > 0 {
			obs.ContentionRetry(op)
			s.logger.Debug("retrying unit of work", zap.String("op", op), zap.Int("attempt", attempt))
		}
		out = &outbox{}
		return s.store.Atomic(ctx, func(tx Tx) error { return fn(tx, out) })
	})
	obs.ObserveOperation(op, resultLabel(err), time.Since(start))
	if err != nil {
		return err
	}
	s.invalidatePositions(ctx, out.queueChanged)
	s.dispatch(ctx, out.notes)
	return nil
}

// dispatch delivers notifications one by one. Failures are logged and counted.
func (s *Service) dispatch(ctx context.Context, notes []Notification) {
	for _, n := range notes {
		if err := s.notifier.Notify(ctx, n); err != nil {
			err = fmt.Errorf("%w: %s to %s: %v", ErrNotificationDelivery, n.Kind, n.Recipient, err)
			obs.NotificationFailed(string(n.Kind))
			s.logger.Warn("notification dropped",
				zap.String("kind", string(n.Kind)),
				zap.String("recipient", n.Recipient),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) invalidatePositions(ctx context.Context, resources map[string]struct{}) {
	if s.positions == nil {
		return
	}
	for id := range resources {
		pattern := positionKey(id, "*")
		if err := s.positions.DeleteByPattern(ctx, pattern); err != nil {
			s.logger.Warn("queue position cache invalidation failed", zap.String("pattern", pattern), zap.Error(err))
		}
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrState):
		return "state"
	case errors.Is(err, ErrContention):
		return "contention"
	default:
		return "error"
	}
}
