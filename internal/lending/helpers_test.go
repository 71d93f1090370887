package lending

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []Notification
	fail  bool
	calls int
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.fail {
		return errors.New("smtp down")
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) ofKind(kind NotificationKind) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, note := range n.sent {
		if note.Kind == kind {
			out = append(out, note)
		}
	}
	return out
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	clock    *fakeClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T, resources ...Resource) *fixture {
	t.Helper()
	store := NewMemoryStore()
	seed(t, store, resources...)
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	svc := NewService(store,
		WithClock(clock.Now),
		WithNotifier(notifier),
		WithLogger(zap.NewNop()),
	)
	return &fixture{svc: svc, store: store, clock: clock, notifier: notifier}
}

// seed adds catalog entries through a throwaway coordinator.
func seed(t *testing.T, store Store, resources ...Resource) {
	t.Helper()
	svc := NewService(store, WithLogger(zap.NewNop()))
	for _, r := range resources {
		_, err := svc.PutResource(context.Background(), r)
		require.NoError(t, err)
	}
}

func book(id string, copies int) Resource {
	return Resource{
		ID:              id,
		Title:           "Title " + id,
		Kind:            KindBook,
		Book:            &BookDetails{ISBN13: "978-0000000000"},
		TotalCopies:     copies,
		AvailableCopies: copies,
	}
}

// requireInvariants checks copy conservation and queue contiguity for one resource.
func requireInvariants(t *testing.T, store *MemoryStore, resourceID string) {
	t.Helper()
	ctx := context.Background()

	res, err := store.GetResource(ctx, resourceID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.AvailableCopies, 0)
	require.LessOrEqual(t, res.AvailableCopies, res.TotalCopies)

	loans, err := store.ListLoans(ctx, LoanFilter{ResourceID: resourceID})
	require.NoError(t, err)
	active := 0
	for _, l := range loans {
		if l.Status.Active() {
			active++
		}
	}

	reservations, err := store.ListReservations(ctx, ReservationFilter{ResourceID: resourceID})
	require.NoError(t, err)
	approved := 0
	var pending []Reservation
	for _, r := range reservations {
		switch r.Status {
		case ReservationApproved:
			approved++
		case ReservationPending:
			pending = append(pending, r)
		}
	}
	require.Equal(t, res.TotalCopies, res.AvailableCopies+active+approved,
		"available=%d active=%d approved=%d", res.AvailableCopies, active, approved)

	sort.Slice(pending, func(i, j int) bool { return pending[i].Position < pending[j].Position })
	for i, r := range pending {
		require.Equal(t, i+1, r.Position, "pending positions must be 1..N")
	}
}
