package grpcapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/gafsiahmed/biblio-managment-system/internal/auth"
	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
)

const bufSize = 1024 * 1024

type harness struct {
	signer *auth.Signer
	dial   func(token string) *Client
	server *Server
}

func startBufGRPC(t *testing.T) harness {
	t.Helper()

	svc := lending.NewService(lending.NewMemoryStore(), lending.WithLogger(zap.NewNop()))
	_, err := svc.PutResource(context.Background(), lending.Resource{ID: "r1", Title: "Dune", TotalCopies: 1})
	require.NoError(t, err)
	signer, err := auth.NewSigner("grpc-secret")
	require.NoError(t, err)

	srv := NewServer(svc, signer, WithLogger(zap.NewNop()))
	gs := srv.GRPCServer()
	listener := bufconn.Listen(bufSize)
	go func() {
		if err := gs.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()
	t.Cleanup(func() {
		gs.Stop()
		_ = listener.Close()
	})

	dial := func(token string) *Client {
		c, err := Dial("passthrough:///bufnet", token,
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return listener.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	return harness{signer: signer, dial: dial, server: srv}
}

func (h harness) token(t *testing.T, user string, roles ...string) string {
	t.Helper()
	tok, _, err := h.signer.Issue(user, roles, time.Minute)
	require.NoError(t, err)
	return tok
}

func TestLendingRoundTrip(t *testing.T) {
	h := startBufGRPC(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := h.dial(h.token(t, "alice", auth.RoleMember))
	bob := h.dial(h.token(t, "bob", auth.RoleMember))
	staff := h.dial(h.token(t, "lib-1", auth.RoleLibrarian))

	granted, err := alice.Borrow(ctx, "", "r1")
	require.NoError(t, err)
	require.NotNil(t, granted.Loan)
	assert.Equal(t, lending.LoanReserved, granted.Loan.Status)
	assert.Equal(t, "alice", granted.Loan.UserID)

	queued, err := bob.Borrow(ctx, "", "r1")
	require.NoError(t, err)
	require.NotNil(t, queued.Reservation)
	assert.Equal(t, 1, queued.Reservation.Position)

	_, err = bob.Borrow(ctx, "", "r1")
	assert.ErrorIs(t, err, lending.ErrCapacity)

	pos, err := bob.QueuePosition(ctx, "", "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	_, err = alice.Approve(ctx, granted.Loan.ID)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	approved, err := staff.Approve(ctx, granted.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, lending.LoanInProgress, approved.Status)
	require.NotNil(t, approved.DueDate)

	renewed, err := alice.Renew(ctx, granted.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, renewed.RenewalCount)
	assert.True(t, renewed.DueDate.After(*approved.DueDate))

	_, err = bob.Return(ctx, granted.Loan.ID)
	assert.ErrorIs(t, err, lending.ErrNotFound, "members cannot see other members' loans")

	returned, err := alice.Return(ctx, granted.Loan.ID)
	require.NoError(t, err)
	assert.False(t, returned.Status.Active())

	_, err = alice.Return(ctx, granted.Loan.ID)
	assert.ErrorIs(t, err, lending.ErrState)

	pos, err = bob.QueuePosition(ctx, "", "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	loans, err := staff.ListLoans(ctx, "alice", "")
	require.NoError(t, err)
	assert.Len(t, loans, 1)

	_, err = bob.ListLoans(ctx, "alice", "")
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestAuthRequiredExceptHealth(t *testing.T) {
	h := startBufGRPC(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	anon := h.dial("")
	_, err := anon.Borrow(ctx, "", "r1")
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	forged := h.dial("not-a-token")
	_, err = forged.ListLoans(ctx, "", "")
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ok, err := anon.Healthy(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	h.server.SetServing(false)
	ok, err = anon.Healthy(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGRPCErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{lending.ErrLoanNotFound, codes.NotFound},
		{lending.ErrNoCopyAvailable, codes.ResourceExhausted},
		{lending.ErrRenewalLimit, codes.FailedPrecondition},
		{lending.ErrLockTimeout, codes.Aborted},
		{lending.ErrInvalidInput, codes.InvalidArgument},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, status.Code(grpcError(tc.err)), tc.err.Error())
	}
	assert.NoError(t, grpcError(nil))

	back := lendingError(status.Error(codes.Aborted, "lock acquisition timed out"))
	assert.ErrorIs(t, back, lending.ErrContention)
}
