package lending

import (
	"context"
	"time"
)

// NotificationKind names the message a user receives.
type NotificationKind string

const (
	NotifyReservationConfirmed NotificationKind = "reservation-confirmed"
	NotifyReservationAvailable NotificationKind = "reservation-available"
	NotifyReservationExpired   NotificationKind = "reservation-expired"
	NotifyDueSoon              NotificationKind = "due-soon-reminder"
	NotifyOverdue              NotificationKind = "overdue-alert"
	NotifyReturnConfirmed      NotificationKind = "return-confirmed"
)

// Notification is handed to the transport after the state change it
// describes has been committed.
type Notification struct {
	ID        string           `json:"id"`
	Kind      NotificationKind `json:"kind"`
	Recipient string           `json:"recipient"`
	Payload   map[string]any   `json:"payload"`
	CreatedAt time.Time        `json:"created_at"`
}

// Notifier delivers notifications. Implementations may fail; the lending
// service logs the failure and carries on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }

// outbox collects the side effects of one unit of work. It is discarded
// when the unit rolls back or is retried.
type outbox struct {
	notes        []Notification
	queueChanged map[string]struct{}
}

func (o *outbox) add(kind NotificationKind, recipient string, now time.Time, payload map[string]any) {
	o.notes = append(o.notes, Notification{
		ID:        newID(),
		Kind:      kind,
		Recipient: recipient,
		Payload:   payload,
		CreatedAt: now,
	})
}

func (o *outbox) touchQueue(resourceID string) {
	if o.queueChanged == nil {
		o.queueChanged = make(map[string]struct{})
	}
	o.queueChanged[resourceID] = struct{}{}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
