// Package rewards computes affiliate rewards for settled orders.
package rewards

import (
	"context"
	"errors"

	"github.com/shopworks/creditcore/internal/app/domain/invite"
	"github.com/shopworks/creditcore/internal/app/domain/ledger"
	"github.com/shopworks/creditcore/internal/app/domain/order"
	"github.com/shopworks/creditcore/internal/app/storage"
	"github.com/shopworks/creditcore/pkg/logger"
)

// Evaluator decides whether a settling order earns its buyer's inviter a
// referral reward. The entry it produces is written inside the settlement
// transaction, so a reward is granted exactly once per order.
type Evaluator struct {
	invites storage.InviteStore
	percent int64
	log     *logger.Logger
}

// New constructs an evaluator granting percent of the order amount, 0..100.
func New(invites storage.InviteStore, percent int64, log *logger.Logger) *Evaluator {
	if log == nil {
		log = logger.NewDefault("rewards")
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return &Evaluator{invites: invites, percent: percent, log: log}
}

// Record stores the invitee -> inviter relation, first write wins.
func (e *Evaluator) Record(ctx context.Context, inviteeID, inviterID string) (invite.Relation, error) {
	return e.invites.CreateInvite(ctx, invite.Relation{InviteeID: inviteeID, InviterID: inviterID})
}

// Inviter returns the relation for an invitee, or storage.ErrNotFound.
func (e *Evaluator) Inviter(ctx context.Context, inviteeID string) (invite.Relation, error) {
	return e.invites.GetInviter(ctx, inviteeID)
}

// RewardFor returns the inviter's reward entry for the order, or nil when
// the buyer has no inviter or the reward rounds to zero.
func (e *Evaluator) RewardFor(ctx context.Context, o order.Order) (*ledger.Entry, error) {
	if e.percent == 0 {
		return nil, nil
	}

	rel, err := e.invites.GetInviter(ctx, o.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	amount := o.Amount * e.percent / 100
	if amount <= 0 {
		return nil, nil
	}

	entry := ledger.ReferralReward(rel.InviterID, amount)
	e.log.WithField("order_id", o.ID).
		WithField("inviter_id", rel.InviterID).
		WithField("amount", amount).
		Info("referral reward computed")
	return &entry, nil
}
