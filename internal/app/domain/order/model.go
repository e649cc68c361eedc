// Package order defines the purchase order model and its status machine.
package order

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusActivated Status = "activated"
	StatusRefunded  Status = "refunded"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// ErrInvalidTransition is returned when a status change is not allowed
// from the order's current state.
var ErrInvalidTransition = errors.New("order: invalid status transition")

// Order is a purchase of credits (or a subscription period). SessionRef is
// the payment provider's checkout session reference; it is unique across
// orders and immutable once set.
type Order struct {
	ID        string
	UserID    string
	Amount    int64 // charge amount in minor units
	Currency  string
	ProductID string
	Credits   int64 // credits granted when the order settles

	SessionRef string
	Status     Status

	PaidAt        time.Time
	PaidBy        string // who triggered activation
	PaymentDetail string

	// Subscription metadata; zero for one-off purchases.
	Interval    string
	PeriodStart time.Time
	PeriodEnd   time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewNumber returns an externally visible order number: "ORD-" followed by
// 20 hex characters of randomness.
func NewNumber() string {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand read failure means the platform is broken; fall back
		// to a timestamp-derived suffix rather than panic.
		return "ORD-" + hex.EncodeToString([]byte(time.Now().UTC().Format("060102150405")))[:20]
	}
	return "ORD-" + hex.EncodeToString(buf)
}

var transitions = map[Status][]Status{
	StatusPending: {StatusPaid, StatusCancelled, StatusFailed},
	StatusPaid:    {StatusActivated, StatusRefunded, StatusCancelled},
}

// CanTransition reports whether the status machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions leave the status.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0
}
