package grpcapi

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
)

// grpcError maps lending error kinds onto status codes.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, lending.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, lending.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, lending.ErrCapacity):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, lending.ErrState):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, lending.ErrContention):
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// lendingError turns a status back into an error matching the lending kinds.
func lendingError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var kind error
	switch st.Code() {
	case codes.InvalidArgument:
		kind = lending.ErrInvalidInput
	case codes.NotFound:
		kind = lending.ErrNotFound
	case codes.ResourceExhausted:
		kind = lending.ErrCapacity
	case codes.FailedPrecondition:
		kind = lending.ErrState
	case codes.Aborted:
		kind = lending.ErrContention
	default:
		return err
	}
	return fmt.Errorf("%w: %s", kind, st.Message())
}
