package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/gafsiahmed/biblio-managment-system/internal/auth"
	"github.com/gafsiahmed/biblio-managment-system/internal/obs"
)

type requestIDKey struct{}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID returns the identifier attached by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// LogEvent writes a staff-visible record of a lending state change, enriched
// with the request and caller identity.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := RequestID(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		zf = append(zf, zap.String("actor", userID))
	}
	if roles := auth.RolesFromContext(ctx); len(roles) > 0 {
		zf = append(zf, zap.Strings("roles", roles))
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	zf = append(zf, zap.Any("fields", copied))
	obs.Logger().Info("audit", zf...)
	return nil
}
