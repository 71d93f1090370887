package grpcapi

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gafsiahmed/biblio-managment-system/internal/audit"
	"github.com/gafsiahmed/biblio-managment-system/internal/auth"
	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
	"github.com/gafsiahmed/biblio-managment-system/internal/obs"
)

// Server implements LendingServer on top of lending.Service.
type Server struct {
	svc    *lending.Service
	signer *auth.Signer
	health *health.Server
	logger *zap.Logger
}

var _ LendingServer = (*Server)(nil)

// Option configures Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer returns a Server. Calls are authenticated with signer.
func NewServer(svc *lending.Service, signer *auth.Signer, opts ...Option) *Server {
	s := &Server{svc: svc, signer: signer, health: health.NewServer(), logger: obs.Logger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GRPCServer builds a grpc.Server with LendingService, the health service
// and the auth, logging and recovery interceptors.
func (s *Server) GRPCServer(extra ...grpc.ServerOption) *grpc.Server {
	opts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.recoverInterceptor, s.logInterceptor, s.authInterceptor),
	}, extra...)
	gs := grpc.NewServer(opts...)
	RegisterLendingServer(gs, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return gs
}

// SetServing flips the health status reported for LendingService.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Shutdown marks every service NOT_SERVING.
func (s *Server) Shutdown() { s.health.Shutdown() }

func (s *Server) Borrow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	self, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if !auth.Can(ctx, auth.PermBorrow) {
		return nil, errForbidden
	}
	userID := self
	if other := stringField(in, "user_id"); other != "" && other != self {
		if !auth.Staff(ctx) {
			return nil, errForbidden
		}
		userID = other
	}
	res, err := s.svc.Borrow(ctx, userID, stringField(in, "resource_id"))
	if err != nil {
		return nil, grpcError(err)
	}
	if res.Queued() {
		_ = audit.LogEvent(ctx, "lending.reservation.queued", map[string]any{"reservation_id": res.Reservation.ID})
	} else {
		_ = audit.LogEvent(ctx, "lending.loan.reserved", map[string]any{"loan_id": res.Loan.ID})
	}
	return toStruct(res)
}

func (s *Server) Approve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	if !auth.Staff(ctx) {
		return nil, errForbidden
	}
	l, err := s.svc.Approve(ctx, stringField(in, "loan_id"))
	if err != nil {
		return nil, grpcError(err)
	}
	_ = audit.LogEvent(ctx, "lending.loan.approved", map[string]any{"loan_id": l.ID})
	return toStruct(l)
}

func (s *Server) Return(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	loanID := stringField(in, "loan_id")
	if err := s.ownsOrStaff(ctx, loanID); err != nil {
		return nil, err
	}
	l, err := s.svc.Return(ctx, loanID)
	if err != nil {
		return nil, grpcError(err)
	}
	_ = audit.LogEvent(ctx, "lending.loan.returned", map[string]any{"loan_id": l.ID, "late_fee": l.LateFee})
	return toStruct(l)
}

func (s *Server) Renew(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	loanID := stringField(in, "loan_id")
	if err := s.ownsOrStaff(ctx, loanID); err != nil {
		return nil, err
	}
	l, err := s.svc.Renew(ctx, loanID)
	if err != nil {
		return nil, grpcError(err)
	}
	_ = audit.LogEvent(ctx, "lending.loan.renewed", map[string]any{"loan_id": l.ID})
	return toStruct(l)
}

func (s *Server) ListLoans(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	status := lending.LoanStatus(strings.ToUpper(stringField(in, "status")))
	var (
		loans []lending.Loan
		err   error
	)
	if stringField(in, "user_id") == "" && status != "" && auth.Staff(ctx) {
		loans, err = s.svc.ListByStatus(ctx, status)
	} else {
		userID, subjErr := subject(ctx, in)
		if subjErr != nil {
			return nil, subjErr
		}
		loans, err = s.svc.ListByUser(ctx, userID)
		if err == nil && status != "" {
			kept := loans[:0]
			for _, l := range loans {
				if l.Status == status {
					kept = append(kept, l)
				}
			}
			loans = kept
		}
	}
	if err != nil {
		return nil, grpcError(err)
	}
	if loans == nil {
		loans = []lending.Loan{}
	}
	return toStruct(map[string]any{"items": loans})
}

func (s *Server) QueuePosition(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := subject(ctx, in)
	if err != nil {
		return nil, err
	}
	resourceID := stringField(in, "resource_id")
	pos, err := s.svc.QueuePosition(ctx, userID, resourceID)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(map[string]any{"resource_id": resourceID, "user_id": userID, "position": pos})
}

func (s *Server) ownsOrStaff(ctx context.Context, loanID string) error {
	self, err := caller(ctx)
	if err != nil {
		return err
	}
	l, err := s.svc.GetLoan(ctx, loanID)
	if err != nil {
		return grpcError(err)
	}
	if l.UserID != self && !auth.Staff(ctx) {
		return grpcError(lending.ErrLoanNotFound)
	}
	return nil
}

var errForbidden = status.Error(codes.PermissionDenied, "forbidden")

func caller(ctx context.Context) (string, error) {
	id, ok := auth.UserIDFromContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "authentication required")
	}
	return id, nil
}

// subject is the caller, or for staff the user named in the request.
func subject(ctx context.Context, in *structpb.Struct) (string, error) {
	self, err := caller(ctx)
	if err != nil {
		return "", err
	}
	other := stringField(in, "user_id")
	if other == "" || other == self {
		return self, nil
	}
	if !auth.Staff(ctx) {
		return "", errForbidden
	}
	return other, nil
}

func (s *Server) authInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") || s.signer == nil {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get("authorization")
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	token := strings.TrimSpace(values[0])
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	claims, err := s.signer.Parse(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	ctx = auth.ContextWithUser(ctx, claims.Subject, claims.Roles)
	if rid := md.Get("x-request-id"); len(rid) > 0 {
		ctx = audit.WithRequestID(ctx, rid[0])
	}
	return handler(ctx, req)
}

func (s *Server) logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Info("rpc_complete",
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
	)
	return resp, err
}

func (s *Server) recoverInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("rpc panic", zap.String("method", info.FullMethod), zap.Any("panic", p))
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}
