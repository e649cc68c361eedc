// Package orders manages the purchase order lifecycle.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopworks/creditcore/internal/app/domain/order"
	"github.com/shopworks/creditcore/internal/app/storage"
	"github.com/shopworks/creditcore/pkg/logger"
)

// Service creates orders and drives their status machine.
type Service struct {
	store storage.OrderStore
	log   *logger.Logger
}

// New constructs an order service.
func New(store storage.OrderStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("orders")
	}
	return &Service{store: store, log: log}
}

// Create registers a pending order.
func (s *Service) Create(ctx context.Context, o order.Order) (order.Order, error) {
	if strings.TrimSpace(o.UserID) == "" {
		return order.Order{}, fmt.Errorf("%w: user_id is required", storage.ErrInvalidArgument)
	}
	if o.Amount <= 0 {
		return order.Order{}, fmt.Errorf("%w: amount must be positive, got %d", storage.ErrInvalidArgument, o.Amount)
	}
	if o.Credits < 0 {
		return order.Order{}, fmt.Errorf("%w: credits must not be negative, got %d", storage.ErrInvalidArgument, o.Credits)
	}
	if err := normalizeSubscription(&o); err != nil {
		return order.Order{}, err
	}

	o.ID = ""
	o.Status = order.StatusPending
	created, err := s.store.CreateOrder(ctx, o)
	if err != nil {
		return order.Order{}, err
	}

	s.log.WithField("order_id", created.ID).
		WithField("user_id", created.UserID).
		WithField("amount", created.Amount).
		Info("order created")
	return created, nil
}

// Get fetches one order.
func (s *Service) Get(ctx context.Context, id string) (order.Order, error) {
	return s.store.GetOrder(ctx, id)
}

// List returns a user's orders, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]order.Order, error) {
	return s.store.ListOrders(ctx, userID)
}

// AttachSession binds the provider's checkout session reference to a
// pending order. The binding is immutable.
func (s *Service) AttachSession(ctx context.Context, orderID, ref string) (order.Order, error) {
	if strings.TrimSpace(ref) == "" {
		return order.Order{}, fmt.Errorf("%w: session ref is required", storage.ErrInvalidArgument)
	}
	o, err := s.store.AttachSession(ctx, orderID, ref)
	if err != nil {
		return order.Order{}, err
	}
	s.log.WithField("order_id", orderID).
		WithField("session_ref", ref).
		Info("checkout session attached")
	return o, nil
}

// Activate moves a paid order to activated and records who triggered it.
// Activating an already activated order is a no-op returning the order.
func (s *Service) Activate(ctx context.Context, orderID, activatedBy string) (order.Order, error) {
	o, err := s.store.TransitionOrder(ctx, orderID, order.StatusPaid, order.StatusActivated, func(o *order.Order) {
		o.PaidBy = activatedBy
	})
	if err == nil {
		s.log.WithField("order_id", orderID).
			WithField("activated_by", activatedBy).
			Info("order activated")
		return o, nil
	}
	if errors.Is(err, order.ErrInvalidTransition) {
		current, getErr := s.store.GetOrder(ctx, orderID)
		if getErr == nil && current.Status == order.StatusActivated {
			return current, nil
		}
	}
	return order.Order{}, err
}

// Refund moves a paid order to refunded. Credit corrections, if any, are
// written as offsetting ledger entries by the caller.
func (s *Service) Refund(ctx context.Context, orderID string) (order.Order, error) {
	o, err := s.store.TransitionOrder(ctx, orderID, order.StatusPaid, order.StatusRefunded, nil)
	if err != nil {
		return order.Order{}, err
	}
	s.log.WithField("order_id", orderID).Info("order refunded")
	return o, nil
}

// Cancel aborts a pending or paid order.
func (s *Service) Cancel(ctx context.Context, orderID string) (order.Order, error) {
	current, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return order.Order{}, err
	}
	switch current.Status {
	case order.StatusPending, order.StatusPaid:
		o, err := s.store.TransitionOrder(ctx, orderID, current.Status, order.StatusCancelled, nil)
		if err != nil {
			return order.Order{}, err
		}
		s.log.WithField("order_id", orderID).
			WithField("from", string(current.Status)).
			Info("order cancelled")
		return o, nil
	default:
		return order.Order{}, fmt.Errorf("order %s is %s: %w", orderID, current.Status, order.ErrInvalidTransition)
	}
}

// Fail expires a pending order that never completed checkout.
func (s *Service) Fail(ctx context.Context, orderID string) (order.Order, error) {
	return s.store.TransitionOrder(ctx, orderID, order.StatusPending, order.StatusFailed, nil)
}

func normalizeSubscription(o *order.Order) error {
	o.Interval = strings.ToLower(strings.TrimSpace(o.Interval))
	switch o.Interval {
	case "":
		o.PeriodStart = time.Time{}
		o.PeriodEnd = time.Time{}
		return nil
	case "month", "year":
		if !o.PeriodStart.IsZero() && !o.PeriodEnd.IsZero() && !o.PeriodEnd.After(o.PeriodStart) {
			return fmt.Errorf("%w: period_end must be after period_start", storage.ErrInvalidArgument)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported billing interval %q", storage.ErrInvalidArgument, o.Interval)
	}
}
