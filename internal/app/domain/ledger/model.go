// Package ledger defines the append-only credit ledger entry model.
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Kind labels the business reason for an entry. The set is open; these are
// the kinds the service itself writes.
type Kind string

const (
	KindPurchase         Kind = "purchase"
	KindAPIUsage         Kind = "api_usage"
	KindReferralReward   Kind = "referral_reward"
	KindManualAdjustment Kind = "manual_adjustment"
)

// Entry is one immutable ledger row. Amount is in minor units: positive
// grants credit, negative consumes it. Corrections are written as new
// offsetting entries, never as updates.
type Entry struct {
	ID        string
	UserID    string
	Amount    int64
	Kind      Kind
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Expired reports whether the entry no longer counts toward the balance
// as of the given instant. Entries without an expiry never expire.
func (e Entry) Expired(asOf time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(asOf)
}

// PurchaseGrant builds the credit entry produced by a settled order.
func PurchaseGrant(userID string, credits int64, expiresAt *time.Time) Entry {
	return Entry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    credits,
		Kind:      KindPurchase,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
}

// ReferralReward builds the inviter's reward entry for a settled order.
func ReferralReward(userID string, amount int64) Entry {
	return Entry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    amount,
		Kind:      KindReferralReward,
		CreatedAt: time.Now().UTC(),
	}
}
