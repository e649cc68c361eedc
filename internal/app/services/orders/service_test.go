package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopworks/creditcore/internal/app/domain/order"
	"github.com/shopworks/creditcore/internal/app/storage"
	"github.com/shopworks/creditcore/internal/app/storage/memory"
)

func newTestService() (*Service, *memory.Store) {
	store := memory.New()
	return New(store, nil), store
}

func TestCreateOrder(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	o, err := svc.Create(ctx, order.Order{
		UserID:    "u1",
		Amount:    999,
		Currency:  "USD",
		ProductID: "pack-100",
		Credits:   100,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if o.ID == "" {
		t.Fatal("expected generated order ID")
	}
	if o.Status != order.StatusPending {
		t.Fatalf("expected pending, got %s", o.Status)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Create(ctx, order.Order{Amount: 10}); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for missing user, got %v", err)
	}
	if _, err := svc.Create(ctx, order.Order{UserID: "u1", Amount: 0}); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for zero amount, got %v", err)
	}
	if _, err := svc.Create(ctx, order.Order{UserID: "u1", Amount: 10, Credits: -1}); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for negative credits, got %v", err)
	}
	if _, err := svc.Create(ctx, order.Order{UserID: "u1", Amount: 10, Interval: "weekly"}); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for unsupported interval, got %v", err)
	}
}

func TestCreateOrderIgnoresClientStatus(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	o, err := svc.Create(ctx, order.Order{
		UserID: "u1",
		Amount: 10,
		Status: order.StatusPaid,
		ID:     "client-chosen",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if o.Status != order.StatusPending {
		t.Fatalf("client-supplied status must be ignored, got %s", o.Status)
	}
	if o.ID == "client-chosen" {
		t.Fatal("client-supplied ID must be ignored")
	}
}

func TestCreateSubscriptionOrder(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	start := time.Now().UTC()
	end := start.AddDate(0, 1, 0)
	o, err := svc.Create(ctx, order.Order{
		UserID:      "u1",
		Amount:      1500,
		Currency:    "USD",
		ProductID:   "pro-monthly",
		Credits:     500,
		Interval:    "Month",
		PeriodStart: start,
		PeriodEnd:   end,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if o.Interval != "month" {
		t.Fatalf("expected normalized interval, got %q", o.Interval)
	}

	if _, err := svc.Create(ctx, order.Order{
		UserID:      "u1",
		Amount:      1500,
		Interval:    "month",
		PeriodStart: end,
		PeriodEnd:   start,
	}); err == nil {
		t.Fatal("expected error for inverted period")
	}
}

func TestActivate(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	o, _ := svc.Create(ctx, order.Order{UserID: "u1", Amount: 10})
	if _, err := store.TransitionOrder(ctx, o.ID, order.StatusPending, order.StatusPaid, nil); err != nil {
		t.Fatalf("TransitionOrder failed: %v", err)
	}

	activated, err := svc.Activate(ctx, o.ID, "u1")
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if activated.Status != order.StatusActivated {
		t.Fatalf("expected activated, got %s", activated.Status)
	}
	if activated.PaidBy != "u1" {
		t.Fatalf("expected activator recorded, got %q", activated.PaidBy)
	}

	// Activating again is a no-op.
	again, err := svc.Activate(ctx, o.ID, "u2")
	if err != nil {
		t.Fatalf("repeat Activate failed: %v", err)
	}
	if again.Status != order.StatusActivated {
		t.Fatalf("expected activated, got %s", again.Status)
	}
}

func TestActivatePendingRejected(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	o, _ := svc.Create(ctx, order.Order{UserID: "u1", Amount: 10})
	if _, err := svc.Activate(ctx, o.ID, "u1"); !errors.Is(err, order.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRefund(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	o, _ := svc.Create(ctx, order.Order{UserID: "u1", Amount: 10})

	if _, err := svc.Refund(ctx, o.ID); !errors.Is(err, order.ErrInvalidTransition) {
		t.Fatalf("refund of pending order must fail, got %v", err)
	}

	if _, err := store.TransitionOrder(ctx, o.ID, order.StatusPending, order.StatusPaid, nil); err != nil {
		t.Fatalf("TransitionOrder failed: %v", err)
	}
	refunded, err := svc.Refund(ctx, o.ID)
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if refunded.Status != order.StatusRefunded {
		t.Fatalf("expected refunded, got %s", refunded.Status)
	}
}

func TestCancel(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	pending, _ := svc.Create(ctx, order.Order{UserID: "u1", Amount: 10})
	cancelled, err := svc.Cancel(ctx, pending.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != order.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	paid, _ := svc.Create(ctx, order.Order{UserID: "u1", Amount: 10})
	if _, err := store.TransitionOrder(ctx, paid.ID, order.StatusPending, order.StatusPaid, nil); err != nil {
		t.Fatalf("TransitionOrder failed: %v", err)
	}
	if _, err := svc.Cancel(ctx, paid.ID); err != nil {
		t.Fatalf("Cancel of paid order failed: %v", err)
	}

	if _, err := svc.Cancel(ctx, cancelled.ID); !errors.Is(err, order.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestGetUnknownOrder(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Create(ctx, order.Order{UserID: "u1", Amount: 10}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.Create(ctx, order.Order{UserID: "u2", Amount: 20}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mine, err := svc.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(mine) != 1 || mine[0].UserID != "u1" {
		t.Fatalf("expected only u1's orders, got %+v", mine)
	}

	all, err := svc.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(all))
	}
}
