// Package settlement turns signed payment provider webhooks into paid orders
// and credit grants.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/tidwall/gjson"

	"github.com/shopworks/creditcore/internal/app/domain/ledger"
	"github.com/shopworks/creditcore/internal/app/domain/order"
	"github.com/shopworks/creditcore/internal/app/metrics"
	"github.com/shopworks/creditcore/internal/app/services/rewards"
	"github.com/shopworks/creditcore/internal/app/storage"
	"github.com/shopworks/creditcore/pkg/logger"
)

var (
	// ErrBadSignature is returned when the webhook signature does not match.
	// No store state is read before this check passes.
	ErrBadSignature = errors.New("settlement: bad signature")

	// ErrUnknownSession is returned when no order carries the session ref.
	ErrUnknownSession = errors.New("settlement: unknown session")

	// ErrMalformedEvent is returned when the body lacks a session reference.
	ErrMalformedEvent = errors.New("settlement: malformed event")
)

// Event is one raw webhook delivery.
type Event struct {
	Body      []byte
	Signature string
}

// Result describes the outcome of a settlement attempt.
type Result struct {
	Order     order.Order
	Granted   int64 // credits granted to the buyer
	Reward    int64 // credits granted to the inviter
	Duplicate bool  // event had already been settled
}

// Engine verifies webhook deliveries and settles the referenced orders.
type Engine struct {
	orders  storage.OrderStore
	settle  storage.SettlementStore
	rewards *rewards.Evaluator
	secret  []byte
	log     *logger.Logger
}

// New constructs a settlement engine. secret is the HMAC key shared with the
// payment provider.
func New(orders storage.OrderStore, settle storage.SettlementStore, rewards *rewards.Evaluator, secret []byte, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	return &Engine{orders: orders, settle: settle, rewards: rewards, secret: secret, log: log}
}

// Settle processes one webhook delivery end to end:
// verify signature, locate the order by session ref, compute the optional
// referral reward, then apply the paid transition and every credit grant in
// one storage transaction. Redelivery of a settled event returns
// Result{Duplicate: true} with no writes.
func (e *Engine) Settle(ctx context.Context, ev Event) (Result, error) {
	start := time.Now()
	res, err := e.settleEvent(ctx, ev)
	metrics.RecordSettlement(outcome(res, err), time.Since(start))
	return res, err
}

func (e *Engine) settleEvent(ctx context.Context, ev Event) (Result, error) {
	if !verifySignature(e.secret, ev.Body, ev.Signature) {
		e.log.Warn("webhook rejected: signature mismatch")
		return Result{}, ErrBadSignature
	}

	body := gjson.ParseBytes(ev.Body)
	sessionRef := body.Get("data.session_id").String()
	if sessionRef == "" {
		return Result{}, ErrMalformedEvent
	}
	paidBy := body.Get("data.paid_by").String()
	detail := body.Get("data.detail").String()

	o, err := e.orders.GetOrderBySessionRef(ctx, sessionRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.log.WithField("session_ref", sessionRef).Warn("webhook for unknown session")
			return Result{}, ErrUnknownSession
		}
		return Result{}, err
	}

	grants := make([]ledger.Entry, 0, 2)
	var granted, reward int64
	if o.Credits > 0 {
		grant := ledger.PurchaseGrant(o.UserID, o.Credits, expiryFor(o))
		grants = append(grants, grant)
		granted = grant.Amount
	}
	if e.rewards != nil {
		rewardEntry, err := e.rewards.RewardFor(ctx, o)
		if err != nil {
			return Result{}, err
		}
		if rewardEntry != nil {
			grants = append(grants, *rewardEntry)
			reward = rewardEntry.Amount
		}
	}

	settled, err := e.settle.SettleOrder(ctx, o.ID, paidBy, detail, grants)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadySettled) {
			e.log.WithField("order_id", o.ID).Info("duplicate webhook, order already settled")
			return Result{Order: settled, Duplicate: true}, nil
		}
		return Result{}, err
	}

	for _, g := range grants {
		metrics.RecordLedgerEntry(string(g.Kind), g.Amount)
	}
	e.log.WithField("order_id", settled.ID).
		WithField("user_id", settled.UserID).
		WithField("granted", granted).
		WithField("reward", reward).
		Info("order settled")
	return Result{Order: settled, Granted: granted, Reward: reward}, nil
}

// IsRetryable reports whether the provider should redeliver the event.
// Terminal rejections (bad signature, unknown session, malformed body,
// illegal transition) will never succeed; everything else is a store fault
// worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrBadSignature),
		errors.Is(err, ErrUnknownSession),
		errors.Is(err, ErrMalformedEvent),
		errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, storage.ErrConflict):
		return false
	}
	return true
}

// expiryFor derives the grant expiry from the order's subscription period.
// One-off purchases grant credits that never expire.
func expiryFor(o order.Order) *time.Time {
	if o.Interval == "" || o.PeriodEnd.IsZero() {
		return nil
	}
	end := o.PeriodEnd.UTC()
	return &end
}

func outcome(res Result, err error) string {
	switch {
	case err == nil && res.Duplicate:
		return "duplicate"
	case err == nil:
		return "settled"
	case !IsRetryable(err):
		return "rejected"
	default:
		return "error"
	}
}
