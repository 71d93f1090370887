package grpcapi

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
)

// Client calls LendingService. Errors unwrap to the lending error kinds.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// Dial creates a client. Without options the transport is insecure.
func Dial(target, token string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, token: token}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Healthy reports whether the server answers SERVING for LendingService.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func (c *Client) Borrow(ctx context.Context, userID, resourceID string) (lending.BorrowResult, error) {
	var out lending.BorrowResult
	err := c.call(ctx, MethodBorrow, map[string]any{"user_id": userID, "resource_id": resourceID}, &out)
	return out, err
}

func (c *Client) Approve(ctx context.Context, loanID string) (lending.Loan, error) {
	var out lending.Loan
	err := c.call(ctx, MethodApprove, map[string]any{"loan_id": loanID}, &out)
	return out, err
}

func (c *Client) Return(ctx context.Context, loanID string) (lending.Loan, error) {
	var out lending.Loan
	err := c.call(ctx, MethodReturn, map[string]any{"loan_id": loanID}, &out)
	return out, err
}

func (c *Client) Renew(ctx context.Context, loanID string) (lending.Loan, error) {
	var out lending.Loan
	err := c.call(ctx, MethodRenew, map[string]any{"loan_id": loanID}, &out)
	return out, err
}

// ListLoans lists loans of userID (empty means the caller), optionally
// narrowed to status.
func (c *Client) ListLoans(ctx context.Context, userID string, status lending.LoanStatus) ([]lending.Loan, error) {
	var out struct {
		Items []lending.Loan `json:"items"`
	}
	err := c.call(ctx, MethodListLoans, map[string]any{"user_id": userID, "status": string(status)}, &out)
	return out.Items, err
}

func (c *Client) QueuePosition(ctx context.Context, userID, resourceID string) (int, error) {
	var out struct {
		Position int `json:"position"`
	}
	err := c.call(ctx, MethodQueuePosition, map[string]any{"user_id": userID, "resource_id": resourceID}, &out)
	return out.Position, err
}

func (c *Client) call(ctx context.Context, method string, req map[string]any, dst any) error {
	for k, v := range req {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			delete(req, k)
		}
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return err
	}
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return lendingError(err)
	}
	return fromStruct(out, dst)
}
