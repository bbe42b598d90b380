package payments

import (
	"context"
	"errors"
	"strings"

	"elitebot/internal/storage"
)

// OrderAdmin is the storage slice for opening and listing orders.
type OrderAdmin interface {
	CreateOrder(ctx context.Context, o storage.Order) (int64, error)
	OrdersForRecipient(ctx context.Context, recipientID int64) ([]storage.Order, error)
}

// Service records orders when a checkout session is opened and answers
// order queries for the bot's /orders command. Checkout-session creation
// against the provider happens outside this process; the session id arrives
// here already minted.
type Service struct {
	store OrderAdmin
}

func NewService(store OrderAdmin) *Service {
	return &Service{store: store}
}

func (s *Service) CreateOrder(ctx context.Context, recipientID int64, sku, priceID, checkoutID string) error {
	if recipientID == 0 {
		return errors.New("payments: recipient id is required")
	}
	if strings.TrimSpace(checkoutID) == "" {
		return errors.New("payments: checkout id is required")
	}
	_, err := s.store.CreateOrder(ctx, storage.Order{
		RecipientID: recipientID,
		SKU:         sku,
		PriceID:     priceID,
		CheckoutID:  checkoutID,
		Status:      storage.OrderPending,
	})
	return err
}

func (s *Service) OrdersForRecipient(ctx context.Context, recipientID int64) ([]storage.Order, error) {
	return s.store.OrdersForRecipient(ctx, recipientID)
}
