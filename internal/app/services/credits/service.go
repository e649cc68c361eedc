// Package credits implements credit grants, consumption and balance reads
// on top of the append-only ledger.
package credits

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopworks/creditcore/internal/app/domain/ledger"
	"github.com/shopworks/creditcore/internal/app/metrics"
	"github.com/shopworks/creditcore/internal/app/storage"
	"github.com/shopworks/creditcore/pkg/logger"
)

// ErrInsufficientBalance is returned by Decrease when the user's non-expired
// balance does not cover the requested amount. It is a business outcome, not
// a fault; callers map it to a payment-required response.
var ErrInsufficientBalance = storage.ErrInsufficientBalance

// Service manages the credit ledger for users.
type Service struct {
	store storage.LedgerStore
	log   *logger.Logger
}

// New constructs a credit service.
func New(store storage.LedgerStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("credits")
	}
	return &Service{store: store, log: log}
}

// Increase grants amount credits to the user. An optional expiry bounds how
// long the grant counts toward the balance.
func (s *Service) Increase(ctx context.Context, userID string, amount int64, kind ledger.Kind, expiresAt *time.Time) (ledger.Entry, error) {
	if strings.TrimSpace(userID) == "" {
		return ledger.Entry{}, fmt.Errorf("%w: user_id is required", storage.ErrInvalidArgument)
	}
	if amount <= 0 {
		return ledger.Entry{}, fmt.Errorf("%w: amount must be positive, got %d", storage.ErrInvalidArgument, amount)
	}
	if kind == "" {
		kind = ledger.KindManualAdjustment
	}

	entry, err := s.store.AppendEntry(ctx, ledger.Entry{
		UserID:    userID,
		Amount:    amount,
		Kind:      kind,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return ledger.Entry{}, err
	}

	metrics.RecordLedgerEntry(string(entry.Kind), entry.Amount)
	s.log.WithField("user_id", userID).
		WithField("amount", amount).
		WithField("kind", string(kind)).
		Info("credits granted")
	return entry, nil
}

// Decrease consumes amount credits from the user, atomically checking the
// balance first. It returns the written entry and the remaining balance.
func (s *Service) Decrease(ctx context.Context, userID string, amount int64, kind ledger.Kind) (ledger.Entry, int64, error) {
	if strings.TrimSpace(userID) == "" {
		return ledger.Entry{}, 0, fmt.Errorf("%w: user_id is required", storage.ErrInvalidArgument)
	}
	if amount <= 0 {
		return ledger.Entry{}, 0, fmt.Errorf("%w: amount must be positive, got %d", storage.ErrInvalidArgument, amount)
	}
	if kind == "" {
		kind = ledger.KindAPIUsage
	}

	entry, remaining, err := s.store.DebitUser(ctx, userID, amount, kind)
	if err != nil {
		return ledger.Entry{}, remaining, err
	}

	metrics.RecordLedgerEntry(string(entry.Kind), entry.Amount)
	s.log.WithField("user_id", userID).
		WithField("amount", amount).
		WithField("remaining", remaining).
		WithField("kind", string(kind)).
		Info("credits consumed")
	return entry, remaining, nil
}

// Balance returns the user's spendable credits right now.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("%w: user_id is required", storage.ErrInvalidArgument)
	}
	return s.store.SumForUser(ctx, userID, time.Now().UTC())
}

// History returns the user's most recent ledger entries.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", storage.ErrInvalidArgument)
	}
	return s.store.ListEntries(ctx, userID, limit)
}
