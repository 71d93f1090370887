package lending

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

const defaultLockTimeout = 2 * time.Second

// MemoryStore implements Store in process. Units of work stage their writes
// and publish them in one step on commit; per-key locks give the
// per-resource and per-loan serialisation.
type MemoryStore struct {
	mu           sync.RWMutex
	resources    map[string]Resource
	loans        map[string]Loan
	reservations map[string]Reservation
	locks        *keyedLocker
}

// MemoryOption configures MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLockTimeout bounds how long a unit of work waits for a lock.
func WithLockTimeout(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.locks = newKeyedLocker(d) }
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		resources:    make(map[string]Resource),
		loans:        make(map[string]Loan),
		reservations: make(map[string]Reservation),
		locks:        newKeyedLocker(defaultLockTimeout),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:            s,
		held:         make(map[string]func()),
		resources:    make(map[string]Resource),
		loans:        make(map[string]Loan),
		reservations: make(map[string]Reservation),
	}
	defer tx.unlockAll()

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) GetResource(ctx context.Context, id string) (Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[id]
	if !ok {
		return Resource{}, ErrResourceNotFound
	}
	r.ReservationCount = 0
	for _, rv := range s.reservations {
		if rv.ResourceID == id && rv.Status == ReservationPending {
			r.ReservationCount++
		}
	}
	return r, nil
}

func (s *MemoryStore) GetLoan(ctx context.Context, id string) (Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.loans[id]
	if !ok {
		return Loan{}, ErrLoanNotFound
	}
	return l, nil
}

func (s *MemoryStore) GetReservation(ctx context.Context, id string) (Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListLoans(ctx context.Context, f LoanFilter) ([]Loan, error) {
	s.mu.RLock()
	out := make([]Loan, 0)
	for _, l := range s.loans {
		if matchLoan(l, f) {
			out = append(out, l)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListReservations(ctx context.Context, f ReservationFilter) ([]Reservation, error) {
	s.mu.RLock()
	out := make([]Reservation, 0)
	for _, r := range s.reservations {
		if matchReservation(r, f) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) LoanStats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{ByStatus: make(map[LoanStatus]int)}
	for _, l := range s.loans {
		st.ByStatus[l.Status]++
		if l.Status == LoanReturned {
			st.OutstandingFees += l.LateFee
		}
	}
	return st, nil
}

func matchLoan(l Loan, f LoanFilter) bool {
	if f.UserID != "" && l.UserID != f.UserID {
		return false
	}
	if f.ResourceID != "" && l.ResourceID != f.ResourceID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, l.Status) {
		return false
	}
	if f.DueBefore != nil && (l.DueDate == nil || !l.DueDate.Before(*f.DueBefore)) {
		return false
	}
	return true
}

func matchReservation(r Reservation, f ReservationFilter) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.ResourceID != "" && r.ResourceID != f.ResourceID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	if f.ExpiresBefore != nil && (r.ExpiryDate == nil || !r.ExpiryDate.Before(*f.ExpiresBefore)) {
		return false
	}
	return true
}

func resourceKey(id string) string { return "resource:" + id }
func loanKey(id string) string     { return "loan:" + id }

// memTx stages writes until commit. Reads see staged values first.
type memTx struct {
	s    *MemoryStore
	held map[string]func()

	resources    map[string]Resource
	loans        map[string]Loan
	reservations map[string]Reservation
}

func (tx *memTx) lock(ctx context.Context, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	unlock, err := tx.s.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	tx.held[key] = unlock
	return nil
}

func (tx *memTx) unlockAll() {
	for _, unlock := range tx.held {
		unlock()
	}
}

func (tx *memTx) commit() {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for id, r := range tx.resources {
		tx.s.resources[id] = r
	}
	for id, l := range tx.loans {
		tx.s.loans[id] = l
	}
	for id, r := range tx.reservations {
		tx.s.reservations[id] = r
	}
}

func (tx *memTx) LockResource(ctx context.Context, id string) (Resource, error) {
	if err := tx.lock(ctx, resourceKey(id)); err != nil {
		return Resource{}, err
	}
	if r, ok := tx.resources[id]; ok {
		return r, nil
	}
	return tx.s.GetResource(ctx, id)
}

func (tx *memTx) LockLoan(ctx context.Context, id string) (Loan, error) {
	if err := tx.lock(ctx, loanKey(id)); err != nil {
		return Loan{}, err
	}
	if l, ok := tx.loans[id]; ok {
		return l, nil
	}
	return tx.s.GetLoan(ctx, id)
}

func (tx *memTx) LockReservation(ctx context.Context, id string) (Reservation, error) {
	if r, ok := tx.reservations[id]; ok {
		return r, nil
	}
	return tx.s.GetReservation(ctx, id)
}

func (tx *memTx) SaveResource(ctx context.Context, r Resource) error {
	if _, ok := tx.held[resourceKey(r.ID)]; !ok {
		return fmt.Errorf("save resource %s: not locked", r.ID)
	}
	if r.AvailableCopies < 0 || r.AvailableCopies > r.TotalCopies {
		return fmt.Errorf("save resource %s: available %d outside 0..%d", r.ID, r.AvailableCopies, r.TotalCopies)
	}
	tx.resources[r.ID] = r
	return nil
}

func (tx *memTx) InsertResource(ctx context.Context, r Resource) error {
	if _, ok := tx.resources[r.ID]; ok {
		return fmt.Errorf("%w: resource %s already exists", ErrContention, r.ID)
	}
	if _, err := tx.s.GetResource(ctx, r.ID); err == nil {
		return fmt.Errorf("%w: resource %s already exists", ErrContention, r.ID)
	}
	return tx.SaveResource(ctx, r)
}

func (tx *memTx) UpdateResource(ctx context.Context, r Resource) error {
	return tx.SaveResource(ctx, r)
}

func (tx *memTx) InsertLoan(ctx context.Context, l Loan) error {
	if _, err := tx.s.GetLoan(ctx, l.ID); err == nil {
		return fmt.Errorf("insert loan %s: duplicate id", l.ID)
	}
	tx.loans[l.ID] = l
	return nil
}

func (tx *memTx) UpdateLoan(ctx context.Context, l Loan) error {
	if _, ok := tx.loans[l.ID]; !ok {
		if _, err := tx.s.GetLoan(ctx, l.ID); err != nil {
			return err
		}
	}
	tx.loans[l.ID] = l
	return nil
}

func (tx *memTx) InsertReservation(ctx context.Context, r Reservation) error {
	if _, err := tx.s.GetReservation(ctx, r.ID); err == nil {
		return fmt.Errorf("insert reservation %s: duplicate id", r.ID)
	}
	tx.reservations[r.ID] = r
	return nil
}

func (tx *memTx) UpdateReservation(ctx context.Context, r Reservation) error {
	if _, ok := tx.reservations[r.ID]; !ok {
		if _, err := tx.s.GetReservation(ctx, r.ID); err != nil {
			return err
		}
	}
	tx.reservations[r.ID] = r
	return nil
}

func (tx *memTx) ActiveReservation(ctx context.Context, userID, resourceID string) (Reservation, bool, error) {
	for _, r := range tx.reservationsOf(resourceID) {
		if r.UserID == userID && r.Status.Active() {
			return r, true, nil
		}
	}
	return Reservation{}, false, nil
}

func (tx *memTx) PendingReservations(ctx context.Context, resourceID string) ([]Reservation, error) {
	var out []Reservation
	for _, r := range tx.reservationsOf(resourceID) {
		if r.Status == ReservationPending {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReservationDate.Equal(out[j].ReservationDate) {
			return out[i].ReservationDate.Before(out[j].ReservationDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// reservationsOf merges committed and staged reservations of one resource.
func (tx *memTx) reservationsOf(resourceID string) []Reservation {
	merged := make(map[string]Reservation)
	tx.s.mu.RLock()
	for id, r := range tx.s.reservations {
		if r.ResourceID == resourceID {
			merged[id] = r
		}
	}
	tx.s.mu.RUnlock()
	for id, r := range tx.reservations {
		if r.ResourceID == resourceID {
			merged[id] = r
		}
	}
	out := make([]Reservation, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	return out
}
