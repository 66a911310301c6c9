package notification

import (
	"context"
	"errors"
)

// Transport delivers one message to its target. Implementations should
// return promptly; the dispatcher records the error and moves on.
type Transport interface {
	Send(ctx context.Context, kind TargetKind, targetID string, msg Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, kind TargetKind, targetID string, msg Message) error

func (f TransportFunc) Send(ctx context.Context, kind TargetKind, targetID string, msg Message) error {
	return f(ctx, kind, targetID, msg)
}

// Multi fans a message out to every transport. All transports are tried; the
// joined error reports the ones that failed.
type Multi []Transport

func (m Multi) Send(ctx context.Context, kind TargetKind, targetID string, msg Message) error {
	var errs []error
	for _, t := range m {
		if err := t.Send(ctx, kind, targetID, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
