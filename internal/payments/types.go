package payments

import (
	"context"

	"elitebot/internal/storage"
)

// EventKind enumerates the provider events the processor understands.
// Anything else is EventUnknown and ignored.
type EventKind string

const (
	EventCompleted   EventKind = "checkout.session.completed"
	EventExpired     EventKind = "checkout.session.expired"
	EventAsyncFailed EventKind = "checkout.session.async_payment_failed"
	EventUnknown     EventKind = ""
)

func ParseEventKind(s string) EventKind {
	switch s {
	case string(EventCompleted):
		return EventCompleted
	case string(EventExpired):
		return EventExpired
	case string(EventAsyncFailed):
		return EventAsyncFailed
	default:
		return EventUnknown
	}
}

// WebhookEvent is an inbound, untrusted provider event after envelope
// decoding. Events are not stored; processing is a function of
// (current order state, event).
type WebhookEvent struct {
	Kind          EventKind
	CheckoutID    string // payment-session identifier
	PaymentIntent string // provider transaction reference, may be absent
}

// Disposition reports what an event did. The webhook boundary acknowledges
// all of these identically; it exists for logging and tests.
type Disposition string

const (
	DispositionIgnored Disposition = "ignored" // unknown kind/session, missing intent
	DispositionPaid    Disposition = "paid"    // pending -> paid, user notified
	DispositionFailed  Disposition = "failed"  // pending -> failed, user notified
	DispositionNoOp    Disposition = "noop"    // terminal state replay, nothing changed
)

// OrderStore is the slice of storage the processor needs. The Mark* methods
// are conditional transitions: they report whether a row actually changed.
type OrderStore interface {
	OrderByCheckoutID(ctx context.Context, checkoutID string) (*storage.Order, error)
	MarkOrderPaid(ctx context.Context, checkoutID, paymentIntent string) (bool, error)
	MarkOrderFailed(ctx context.Context, checkoutID string) (bool, error)
}

// Notifier delivers payment outcome messages. Best-effort: the processor
// swallows and logs failures.
type Notifier interface {
	SendText(ctx context.Context, chatID int64, text string) error
}
