package lending

import (
	"context"
	"time"
)

// LoanFilter selects loans. Zero fields do not filter.
type LoanFilter struct {
	UserID     string
	ResourceID string
	Statuses   []LoanStatus
	DueBefore  *time.Time
	Limit      int
}

// ReservationFilter selects reservations. Zero fields do not filter.
type ReservationFilter struct {
	UserID        string
	ResourceID    string
	Statuses      []ReservationStatus
	ExpiresBefore *time.Time
}

// Store is the durable backing of the lending core. It also carries the
// catalog reads the core needs.
type Store interface {
	// Atomic runs fn as one unit of work. Writes made through tx become
	// visible only when fn returns nil; locks taken through tx are released
	// when Atomic returns. Lock waits that time out fail with ErrContention.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	GetResource(ctx context.Context, id string) (Resource, error)
	GetLoan(ctx context.Context, id string) (Loan, error)
	GetReservation(ctx context.Context, id string) (Reservation, error)
	// ListLoans returns matches in creation order.
	ListLoans(ctx context.Context, f LoanFilter) ([]Loan, error)
	// ListReservations returns matches in creation order.
	ListReservations(ctx context.Context, f ReservationFilter) ([]Reservation, error)
	LoanStats(ctx context.Context) (Stats, error)
}

// Tx is a unit of work. Lock order is loan, then resource, then reservation;
// reservations of a resource are only written while that resource is locked.
type Tx interface {
	// LockResource serialises the caller with every other unit of work on
	// the same resource and returns its current state.
	LockResource(ctx context.Context, id string) (Resource, error)
	// LockLoan serialises the caller per loan.
	LockLoan(ctx context.Context, id string) (Loan, error)
	// LockReservation re-reads a reservation for update. The caller must
	// already hold the lock of the reservation's resource.
	LockReservation(ctx context.Context, id string) (Reservation, error)

	// SaveResource persists AvailableCopies of a locked resource.
	SaveResource(ctx context.Context, r Resource) error
	// InsertResource adds a catalog entry whose id LockResource reported
	// missing. Losing a race with a concurrent insert fails with ErrContention.
	InsertResource(ctx context.Context, r Resource) error
	// UpdateResource rewrites the catalog fields and both copy counters of a
	// locked resource.
	UpdateResource(ctx context.Context, r Resource) error
	InsertLoan(ctx context.Context, l Loan) error
	UpdateLoan(ctx context.Context, l Loan) error
	InsertReservation(ctx context.Context, r Reservation) error
	UpdateReservation(ctx context.Context, r Reservation) error

	// ActiveReservation finds the PENDING or APPROVED reservation of user for resource.
	ActiveReservation(ctx context.Context, userID, resourceID string) (Reservation, bool, error)
	// PendingReservations returns the wait-list of a locked resource ordered
	// by reservation date, ties broken by id.
	PendingReservations(ctx context.Context, resourceID string) ([]Reservation, error)
}
