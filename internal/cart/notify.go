package cart

import (
	"context"

	"github.com/hanko-field/storefront/internal/platform/apierror"
)

// EventKind labels a user-facing notification emitted by the coordinator.
type EventKind string

const (
	// EventConflict signals that an optimistic change was rolled back after
	// the conflict retry budget ran out. Rendered as a transient notice,
	// never a full-page error.
	EventConflict EventKind = "cart_conflict"
	// EventValidation carries field-level feedback for a rejected input.
	EventValidation EventKind = "cart_validation"
)

// Event is the payload handed to the UI notification sink.
type Event struct {
	Kind     EventKind
	Mutation string
	Message  string
	Fields   map[string]string
}

// NotifySink receives user-facing notifications from the core. The UI layer
// decides how to render them.
type NotifySink interface {
	Notify(ctx context.Context, event Event)
}

// NotifyFunc adapts ordinary functions to NotifySink.
type NotifyFunc func(ctx context.Context, event Event)

// Notify implements the NotifySink interface.
func (f NotifyFunc) Notify(ctx context.Context, event Event) {
	if f != nil {
		f(ctx, event)
	}
}

func eventFromError(mutation string, classified *apierror.Error) (Event, bool) {
	if classified == nil {
		return Event{}, false
	}
	switch classified.Kind {
	case apierror.KindConflict:
		return Event{
			Kind:     EventConflict,
			Mutation: mutation,
			Message:  classified.Message,
		}, true
	case apierror.KindValidation:
		fields := make(map[string]string, len(classified.Fields))
		for field, msg := range classified.Fields {
			fields[field] = msg
		}
		return Event{
			Kind:     EventValidation,
			Mutation: mutation,
			Message:  classified.Message,
			Fields:   fields,
		}, true
	}
	return Event{}, false
}
