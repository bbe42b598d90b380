package payments

import (
	"context"
	"testing"

	"elitebot/internal/storage"
)

type captureOrderAdmin struct {
	created []storage.Order
}

func (c *captureOrderAdmin) CreateOrder(_ context.Context, o storage.Order) (int64, error) {
	c.created = append(c.created, o)
	return int64(len(c.created)), nil
}

func (c *captureOrderAdmin) OrdersForRecipient(_ context.Context, recipientID int64) ([]storage.Order, error) {
	var out []storage.Order
	for _, o := range c.created {
		if o.RecipientID == recipientID {
			out = append(out, o)
		}
	}
	return out, nil
}

func TestServiceCreateOrder(t *testing.T) {
	t.Parallel()
	store := &captureOrderAdmin{}
	svc := NewService(store)
	ctx := context.Background()

	if err := svc.CreateOrder(ctx, 42, "premium", "price_1", "cs_1"); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if len(store.created) != 1 {
		t.Fatalf("created = %d orders, want 1", len(store.created))
	}
	o := store.created[0]
	if o.RecipientID != 42 || o.SKU != "premium" || o.PriceID != "price_1" || o.CheckoutID != "cs_1" {
		t.Fatalf("order = %+v", o)
	}
	if o.Status != storage.OrderPending {
		t.Fatalf("new order status = %q, want pending", o.Status)
	}
}

func TestServiceCreateOrderValidation(t *testing.T) {
	t.Parallel()
	store := &captureOrderAdmin{}
	svc := NewService(store)
	ctx := context.Background()

	if err := svc.CreateOrder(ctx, 0, "premium", "price_1", "cs_1"); err == nil {
		t.Fatal("missing recipient id must fail")
	}
	if err := svc.CreateOrder(ctx, 42, "premium", "price_1", "  "); err == nil {
		t.Fatal("blank checkout id must fail")
	}
	if len(store.created) != 0 {
		t.Fatalf("invalid orders reached the store: %v", store.created)
	}
}

func TestServiceOrdersForRecipient(t *testing.T) {
	t.Parallel()
	store := &captureOrderAdmin{}
	svc := NewService(store)
	ctx := context.Background()

	_ = svc.CreateOrder(ctx, 1, "a", "p", "cs_a")
	_ = svc.CreateOrder(ctx, 2, "b", "p", "cs_b")

	orders, err := svc.OrdersForRecipient(ctx, 1)
	if err != nil {
		t.Fatalf("OrdersForRecipient: %v", err)
	}
	if len(orders) != 1 || orders[0].CheckoutID != "cs_a" {
		t.Fatalf("orders = %+v, want only cs_a", orders)
	}
}
