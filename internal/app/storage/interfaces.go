package storage

import (
	"context"
	"time"

	"github.com/shopworks/creditcore/internal/app/domain/apikey"
	"github.com/shopworks/creditcore/internal/app/domain/invite"
	"github.com/shopworks/creditcore/internal/app/domain/ledger"
	"github.com/shopworks/creditcore/internal/app/domain/order"
)

// LedgerStore persists the append-only credit ledger.
type LedgerStore interface {
	// AppendEntry inserts one immutable entry. Duplicate IDs return ErrConflict.
	AppendEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error)

	// DebitUser appends a negative entry of the given amount only if the
	// user's current non-expired balance covers it, atomically. It returns
	// the written entry and the remaining balance, or ErrInsufficientBalance.
	DebitUser(ctx context.Context, userID string, amount int64, kind ledger.Kind) (ledger.Entry, int64, error)

	// SumForUser returns the user's balance as of the given instant:
	// the sum of entries that have not expired by then.
	SumForUser(ctx context.Context, userID string, asOf time.Time) (int64, error)

	// ListEntries returns the user's entries, newest first, capped at limit.
	ListEntries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error)
}

// OrderStore persists purchase orders and enforces status transitions.
type OrderStore interface {
	CreateOrder(ctx context.Context, o order.Order) (order.Order, error)
	GetOrder(ctx context.Context, id string) (order.Order, error)
	GetOrderBySessionRef(ctx context.Context, ref string) (order.Order, error)
	ListOrders(ctx context.Context, userID string) ([]order.Order, error)

	// AttachSession binds a checkout session reference to a pending order.
	// The reference is unique across orders and immutable once set.
	AttachSession(ctx context.Context, orderID, ref string) (order.Order, error)

	// TransitionOrder moves the order from one status to another as a
	// compare-and-set. apply, if non-nil, mutates the order inside the same
	// critical section. A current status other than from returns
	// order.ErrInvalidTransition.
	TransitionOrder(ctx context.Context, orderID string, from, to order.Status, apply func(*order.Order)) (order.Order, error)

	// ListStalePending returns pending orders created before the cutoff.
	ListStalePending(ctx context.Context, olderThan time.Time) ([]order.Order, error)
}

// SettlementStore performs the paid transition and the associated credit
// grants as one atomic unit.
type SettlementStore interface {
	// SettleOrder moves a pending order to paid and appends the given ledger
	// grants in a single transaction. An order already paid or activated
	// returns ErrAlreadySettled with no writes; any other failure rolls back
	// every part of the settlement.
	SettleOrder(ctx context.Context, orderID, paidBy, detail string, grants []ledger.Entry) (order.Order, error)
}

// InviteStore persists referral relations.
type InviteStore interface {
	// CreateInvite records invitee -> inviter. A relation already present for
	// the invitee wins: the existing one is returned and nothing is written.
	CreateInvite(ctx context.Context, rel invite.Relation) (invite.Relation, error)

	// GetInviter returns the relation for an invitee, or ErrNotFound.
	GetInviter(ctx context.Context, inviteeID string) (invite.Relation, error)
}

// APIKeyStore persists issued API keys.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, k apikey.Key) (apikey.Key, error)
	GetAPIKey(ctx context.Context, id string) (apikey.Key, error)
}
