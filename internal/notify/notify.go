// Package notify carries lifecycle events to whoever needs to invalidate
// caches after a UID assignment or a cancellation. Delivery fabrics plug
// in through Notifier; this package only ships a logger and fan-out.
package notify

import (
	"context"
	"errors"

	appLog "calcodec/internal/log"
)

type Operation string

const (
	OpUIDAssigned Operation = "uid-assigned"
	OpScheduled   Operation = "scheduled"
	OpUpdated     Operation = "updated"
	OpCancelled   Operation = "cancelled"
)

// Event is emitted after a successful lifecycle change.
type Event struct {
	InternalID string    `json:"internal_id"`
	UID        string    `json:"uid"`
	Operation  Operation `json:"operation"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// LogNotifier writes every event to the application log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, ev Event) error {
	appLog.Info("lifecycle event", "operation", ev.Operation, "internal_id", ev.InternalID, "uid", ev.UID)
	return nil
}

// Multi fans an event out to every notifier, returning the joined errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit sends ev and logs a failure instead of returning it: a broken
// notifier never undoes a completed change.
func Emit(ctx context.Context, n Notifier, ev Event) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, ev); err != nil {
		appLog.Error("notify failed", err, "operation", ev.Operation, "internal_id", ev.InternalID, "uid", ev.UID)
	}
}
