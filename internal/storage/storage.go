// Package storage is the sqlite persistence layer: users (the recipient
// registry), orders (payment lifecycle) and the broadcast audit trail.
package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// OrderStatus values. Paid and failed are terminal: once set, conditional
// updates refuse to move the order anywhere else.
type OrderStatus string

const (
	OrderPending OrderStatus = "pending"
	OrderPaid    OrderStatus = "paid"
	OrderFailed  OrderStatus = "failed"
)

type User struct {
	TelegramID   int64
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
	IsAdmin      bool
	CreatedAt    time.Time
}

type Order struct {
	ID            int64
	RecipientID   int64 // telegram id notified about payment outcomes; fixed at creation
	SKU           string
	PriceID       string
	CheckoutID    string // payment-session identifier, unique
	PaymentIntent string
	Status        OrderStatus
	CreatedAt     time.Time
	PaidAt        time.Time // zero unless paid
}

// AuditRecord is one terminal broadcast outcome.
// Keep it compact and schema-stable.
type AuditRecord struct {
	At          time.Time
	RecipientID int64
	Action      string // e.g. "broadcast"
	Status      string // "sent" | "failed"
	Detail      string // truncated payload or error detail
}
