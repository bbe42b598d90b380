// Package payments applies provider webhook events to an order's lifecycle
// exactly once per causal effect: pending -> paid/failed, both terminal,
// duplicates and unknown events are benign no-ops.
package payments

import (
	"context"
	"errors"
	"time"

	"elitebot/internal/storage"
	logx "elitebot/pkg/logx"
)

const (
	msgPaymentReceived = "Payment received. Thank you!"
	msgPaymentFailed   = "Payment failed or expired. Please try again."

	notifyTimeout = 10 * time.Second
)

type Processor struct {
	orders   OrderStore
	notifier Notifier
	log      logx.Logger
}

func NewProcessor(orders OrderStore, notifier Notifier, log logx.Logger) *Processor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{orders: orders, notifier: notifier, log: log}
}

// HandleEvent resolves the event against the local order and applies the
// transition table. Only a transition that actually changed status emits a
// notification; replays and conflicting events against terminal states do
// nothing. An error is returned only for storage failures, so the boundary
// can answer 5xx and let the provider retry.
func (p *Processor) HandleEvent(ctx context.Context, ev WebhookEvent) (Disposition, error) {
	if ev.Kind == EventUnknown {
		p.log.Debug("ignoring unrecognized event kind")
		return DispositionIgnored, nil
	}
	if ev.CheckoutID == "" {
		return DispositionIgnored, nil
	}

	order, err := p.orders.OrderByCheckoutID(ctx, ev.CheckoutID)
	if errors.Is(err, storage.ErrNotFound) {
		// Foreign event or a race with order creation; benign.
		p.log.Debug("event for unknown checkout session", logx.String("checkout_id", ev.CheckoutID))
		return DispositionIgnored, nil
	}
	if err != nil {
		return DispositionIgnored, err
	}

	switch ev.Kind {
	case EventCompleted:
		return p.applyCompleted(ctx, order, ev)
	case EventExpired, EventAsyncFailed:
		return p.applyFailed(ctx, order, ev)
	}
	return DispositionIgnored, nil
}

func (p *Processor) applyCompleted(ctx context.Context, order *storage.Order, ev WebhookEvent) (Disposition, error) {
	if ev.PaymentIntent == "" {
		// Completion without a transaction reference cannot be settled.
		p.log.Warn("completion event missing payment intent; ignoring",
			logx.String("checkout_id", ev.CheckoutID))
		return DispositionIgnored, nil
	}
	if order.Status == storage.OrderFailed {
		// Unreachable by the transition table unless the provider replays out
		// of order; failed is terminal, so surface it and move on.
		p.log.Error("completion event for failed order; keeping terminal state",
			logx.String("checkout_id", ev.CheckoutID))
		return DispositionNoOp, nil
	}

	changed, err := p.orders.MarkOrderPaid(ctx, ev.CheckoutID, ev.PaymentIntent)
	if err != nil {
		return DispositionIgnored, err
	}
	if !changed {
		// Idempotent replay: already paid (or lost the race to a concurrent
		// duplicate delivery, which notified).
		return DispositionNoOp, nil
	}

	p.log.Info("order paid",
		logx.String("checkout_id", ev.CheckoutID),
		logx.Int64("recipient", order.RecipientID))
	p.notify(ctx, order.RecipientID, msgPaymentReceived)
	return DispositionPaid, nil
}

func (p *Processor) applyFailed(ctx context.Context, order *storage.Order, ev WebhookEvent) (Disposition, error) {
	if order.Status != storage.OrderPending {
		// Paid is sticky; failed stays failed.
		return DispositionNoOp, nil
	}

	changed, err := p.orders.MarkOrderFailed(ctx, ev.CheckoutID)
	if err != nil {
		return DispositionIgnored, err
	}
	if !changed {
		return DispositionNoOp, nil
	}

	p.log.Info("order failed",
		logx.String("checkout_id", ev.CheckoutID),
		logx.String("event", string(ev.Kind)),
		logx.Int64("recipient", order.RecipientID))
	p.notify(ctx, order.RecipientID, msgPaymentFailed)
	return DispositionFailed, nil
}

func (p *Processor) notify(ctx context.Context, recipientID int64, text string) {
	if p.notifier == nil || recipientID == 0 {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := p.notifier.SendText(nctx, recipientID, text); err != nil {
		p.log.Warn("payment notification failed",
			logx.Int64("recipient", recipientID), logx.Err(err))
	}
}
